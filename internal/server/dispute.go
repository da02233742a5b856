package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	disputedomain "github.com/smallbiznis/ptmeter/internal/dispute/domain"
)

func (s *Server) OpenDispute(c *gin.Context) {
	var req disputedomain.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	dispute, err := s.disputeSvc.Open(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, dispute)
}

func (s *Server) GetDispute(c *gin.Context) {
	dispute, err := s.disputeSvc.Get(c.Request.Context(), c.Param("dispute_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, dispute)
}

func (s *Server) ResolveDispute(c *gin.Context) {
	var req disputedomain.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.DisputeID = c.Param("dispute_id")

	dispute, err := s.disputeSvc.Resolve(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, dispute)
}

func (s *Server) ListDisputes(c *gin.Context) {
	disputes, err := s.disputeSvc.ListByUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}
