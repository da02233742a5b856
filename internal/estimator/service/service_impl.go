package service

import (
	"context"
	"math"

	"github.com/smallbiznis/ptmeter/internal/config"
	estimatordomain "github.com/smallbiznis/ptmeter/internal/estimator/domain"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// charsPerToken approximates tokenizer output for pre-flight sizing.
const charsPerToken = 4

// preflightOutputRatio sizes the unseen response relative to the prompt.
const preflightOutputRatio = 1.5

type Params struct {
	fx.In

	Log      *zap.Logger
	Metering *config.MeteringConfigHolder
	Pricing  pricingdomain.Service
}

type Service struct {
	log      *zap.Logger
	metering *config.MeteringConfigHolder
	pricing  pricingdomain.Service
}

func NewService(p Params) estimatordomain.Service {
	return &Service{
		log:      p.Log.Named("estimator.service"),
		metering: p.Metering,
		pricing:  p.Pricing,
	}
}

func (s *Service) Estimate(ctx context.Context, req estimatordomain.EstimateRequest) (*estimatordomain.Estimate, error) {
	price, known := s.pricing.Resolve(ctx, req.RequestedModel)
	if !known {
		s.log.Warn("unknown model, estimating at core pricing",
			zap.String("model", req.RequestedModel))
	}

	inputTokens := int64(math.Ceil(float64(len(req.Message)) / charsPerToken))
	outputTokens := int64(math.Ceil(float64(inputTokens) * preflightOutputRatio))

	charge := s.charge(estimatordomain.CalculateRequest{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Context: estimatordomain.UsageContext{
			Complexity: estimatordomain.ComplexityModerate,
			Content:    estimatordomain.ContentText,
		},
	}, price)

	confidence := 0.6
	if !known {
		confidence = 0.4
	}
	return &estimatordomain.Estimate{
		PTCost:     charge.PTCost,
		PTType:     charge.PTType,
		Confidence: confidence,
	}, nil
}

func (s *Service) Calculate(ctx context.Context, req estimatordomain.CalculateRequest) (*estimatordomain.Charge, error) {
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		return nil, estimatordomain.ErrNegativeTokens
	}

	price, known := s.pricing.Resolve(ctx, req.Model)
	if !known {
		s.log.Warn("unknown model, charging at core pricing",
			zap.String("model", req.Model))
	}
	return s.charge(req, price), nil
}

func (s *Service) charge(req estimatordomain.CalculateRequest, price pricingdomain.Price) *estimatordomain.Charge {
	cfg := s.metering.Get()

	baseCost := float64(req.InputTokens)/1e6*price.InputUSDPerMillion +
		float64(req.OutputTokens)/1e6*price.OutputUSDPerMillion
	buffer := adaptiveBuffer(cfg.Buffers, req.Context)
	totalCost := baseCost * (1 + buffer)
	totalTokens := req.InputTokens + req.OutputTokens

	return &estimatordomain.Charge{
		PTCost:       bandCharge(cfg.Bands[string(price.Class)], totalTokens),
		PTType:       price.Class,
		BaseCostUSD:  baseCost,
		Buffer:       buffer,
		TotalCostUSD: totalCost,
		TotalTokens:  totalTokens,
	}
}

// adaptiveBuffer sums the five independent risk components into one fraction.
func adaptiveBuffer(cfg config.BufferConfig, uc estimatordomain.UsageContext) float64 {
	bloat := cfg.BloatModerate
	switch uc.Complexity {
	case estimatordomain.ComplexitySimple:
		bloat = cfg.BloatSimple
	case estimatordomain.ComplexityComplex:
		bloat = cfg.BloatComplex
	}

	retry := cfg.RetryDefault
	if uc.RetryRate > 0 {
		retry = math.Min(math.Max(uc.RetryRate, cfg.RetryMin), cfg.RetryMax)
	}

	moderation := cfg.ModerationText
	switch uc.Content {
	case estimatordomain.ContentCode:
		moderation = cfg.ModerationCode
	case estimatordomain.ContentMixed:
		moderation = cfg.ModerationMixed
	}

	tools := math.Min(float64(uc.Integrations)*cfg.ToolPerIntegration, cfg.ToolCap)

	return bloat + retry + moderation + tools + cfg.Variance
}

// bandCharge maps a token total onto the class's banded PT table. Tokens
// beyond the longest band are charged proportionally so oversized requests
// are never under-charged; zero tokens still pay the minimum band.
func bandCharge(bands []config.Band, totalTokens int64) int64 {
	if len(bands) == 0 {
		return 1
	}
	for _, band := range bands {
		if totalTokens <= band.MaxTokens {
			return band.PT
		}
	}

	long := bands[len(bands)-1]
	return int64(math.Ceil(float64(totalTokens) / float64(long.MaxTokens) * float64(long.PT)))
}
