package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/ptmeter/internal/reconciliation/domain"
)

const dateLayout = "2006-01-02"

func (s *Server) RecordRevenue(c *gin.Context) {
	var req reconciliationdomain.RecordRevenueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	record, err := s.reconciliationSvc.RecordRevenue(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) GetReconciliation(c *gin.Context) {
	date, err := time.Parse(dateLayout, c.Param("date"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	record, err := s.reconciliationSvc.GetDay(c.Request.Context(), date)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) GetActiveMitigation(c *gin.Context) {
	event, err := s.routerSvc.ActiveMitigation(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if event == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"active": true, "event": event})
}

type triggerMitigationRequest struct {
	Reason    string  `json:"reason"`
	MarginPct float64 `json:"margin_pct"`
}

// TriggerMitigation manually opens the emergency window, forcing routing to
// the cheapest core model.
func (s *Server) TriggerMitigation(c *gin.Context) {
	var req triggerMitigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	event, err := s.routerSvc.TriggerMitigation(c.Request.Context(), req.Reason, req.MarginPct)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, event)
}

type triggerReconcileRequest struct {
	Date string `json:"date"`
}

// TriggerReconcile runs the daily margin reconciliation on demand; an empty
// date settles yesterday.
func (s *Server) TriggerReconcile(c *gin.Context) {
	var req triggerReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	date := time.Now().UTC().Add(-24 * time.Hour)
	if raw := strings.TrimSpace(req.Date); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		date = parsed
	}

	record, err := s.reconciliationSvc.ReconcileDay(c.Request.Context(), date)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}
