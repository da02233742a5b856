package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
)

func (s *Server) ListModelPrices(c *gin.Context) {
	prices, err := s.pricingSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"prices": prices})
}

func (s *Server) UpsertModelPrice(c *gin.Context) {
	var req pricingdomain.UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	price, err := s.pricingSvc.Upsert(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, price)
}
