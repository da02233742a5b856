package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	admissiondomain "github.com/smallbiznis/ptmeter/internal/admission/domain"
	estimatordomain "github.com/smallbiznis/ptmeter/internal/estimator/domain"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	routerdomain "github.com/smallbiznis/ptmeter/internal/router/domain"
)

func (s *Server) EstimateRequestCost(c *gin.Context) {
	var req estimatordomain.EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	estimate, err := s.estimatorSvc.Estimate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, estimate)
}

type checkAdmissionRequest struct {
	UserID         string `json:"user_id"`
	RequestedClass string `json:"requested_class"`
}

func (s *Server) CheckAdmission(c *gin.Context) {
	var req checkAdmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	class, err := pricingdomain.ParseCostClass(req.RequestedClass)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	decision, err := s.admissionSvc.Check(c.Request.Context(), admissiondomain.CheckRequest{
		UserID:         strings.TrimSpace(req.UserID),
		RequestedClass: class,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

type routeModelRequest struct {
	UserID         string `json:"user_id"`
	RequestedModel string `json:"requested_model"`
	RequestedClass string `json:"requested_class"`
}

type routeModelResponse struct {
	*routerdomain.RouteResponse
	Admission *admissiondomain.Decision `json:"admission"`
}

// RouteModel runs admission and routing as one call. Throttle and burn-rate
// blocks fail the request; advanced-cap and balance blocks feed the router
// so it can downgrade instead.
func (s *Server) RouteModel(c *gin.Context) {
	var req routeModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	class, err := pricingdomain.ParseCostClass(req.RequestedClass)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	decision, err := s.admissionSvc.Check(ctx, admissiondomain.CheckRequest{
		UserID:         strings.TrimSpace(req.UserID),
		RequestedClass: class,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	advancedBlocked := false
	for _, block := range decision.Blocks {
		switch block.Type {
		case admissiondomain.BlockThrottleActive, admissiondomain.BlockBurnRateExceeded:
			AbortWithError(c, ErrRateLimited)
			return
		case admissiondomain.BlockHardCapBreached:
			advancedBlocked = true
		case admissiondomain.BlockInsufficientBalance:
			if class != pricingdomain.CostClassAdvanced {
				AbortWithError(c, ledgerdomain.ErrInsufficientBalance)
				return
			}
			advancedBlocked = true
		}
	}

	route, err := s.routerSvc.Route(ctx, routerdomain.RouteRequest{
		UserID:          strings.TrimSpace(req.UserID),
		RequestedModel:  req.RequestedModel,
		RequestedClass:  class,
		AdvancedBlocked: advancedBlocked,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, routeModelResponse{RouteResponse: route, Admission: decision})
}

type consumeRequest struct {
	UserID         string                       `json:"user_id"`
	Model          string                       `json:"model"`
	InputTokens    int64                        `json:"input_tokens"`
	OutputTokens   int64                        `json:"output_tokens"`
	Context        estimatordomain.UsageContext `json:"usage_context"`
	SourceID       string                       `json:"source_id"`
	IdempotencyKey string                       `json:"idempotency_key"`
	Overflow       bool                         `json:"overflow"`
}

type consumeResponse struct {
	Charge   *estimatordomain.Charge `json:"charge"`
	Balances *ledgerdomain.Balances  `json:"balances"`
}

// RecordConsumption prices actual token usage and debits the ledger in one
// call.
func (s *Server) RecordConsumption(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	charge, err := s.estimatorSvc.Calculate(ctx, estimatordomain.CalculateRequest{
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		Model:        req.Model,
		Context:      req.Context,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	consumption := ledgerdomain.ConsumptionRequest{
		UserID:          strings.TrimSpace(req.UserID),
		SourceID:        req.SourceID,
		Model:           req.Model,
		Tokens:          charge.TotalTokens,
		ProviderCostUSD: charge.TotalCostUSD,
		Overflow:        req.Overflow,
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		consumption.IdempotencyKey = &key
	}
	if charge.PTType == pricingdomain.CostClassAdvanced {
		consumption.AdvancedPT = charge.PTCost
	} else {
		consumption.CorePT = charge.PTCost
	}

	balances, err := s.ledgerSvc.RecordConsumption(ctx, consumption)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, consumeResponse{Charge: charge, Balances: balances})
}
