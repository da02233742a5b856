package service

import (
	"context"
	"testing"

	"github.com/smallbiznis/ptmeter/internal/config"
	estimatordomain "github.com/smallbiznis/ptmeter/internal/estimator/domain"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type pricingStub struct {
	prices map[string]pricingdomain.Price
}

func (p *pricingStub) Resolve(_ context.Context, model string) (pricingdomain.Price, bool) {
	if price, ok := p.prices[model]; ok {
		return price, true
	}
	return pricingdomain.DefaultCorePrice, false
}

func (p *pricingStub) CheapestCore(context.Context) pricingdomain.Price {
	return pricingdomain.DefaultCorePrice
}
func (p *pricingStub) Refresh(context.Context) error { return nil }
func (p *pricingStub) Upsert(context.Context, pricingdomain.UpsertRequest) (*pricingdomain.ModelPrice, error) {
	return nil, nil
}
func (p *pricingStub) List(context.Context) ([]pricingdomain.ModelPrice, error) { return nil, nil }

func newTestService() estimatordomain.Service {
	pricing := &pricingStub{prices: map[string]pricingdomain.Price{
		"core-standard": {
			Model: "core-standard", Class: pricingdomain.CostClassCore,
			InputUSDPerMillion: 0.25, OutputUSDPerMillion: 1.25,
		},
		"advanced-standard": {
			Model: "advanced-standard", Class: pricingdomain.CostClassAdvanced,
			InputUSDPerMillion: 3.0, OutputUSDPerMillion: 15.0,
		},
	}}
	return NewService(Params{
		Log:      zap.NewNop(),
		Metering: config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig()),
		Pricing:  pricing,
	})
}

func TestCalculate_MediumCoreRequest(t *testing.T) {
	svc := newTestService()

	charge, err := svc.Calculate(context.Background(), estimatordomain.CalculateRequest{
		InputTokens:  1800,
		OutputTokens: 2000,
		Model:        "core-standard",
		Context: estimatordomain.UsageContext{
			Complexity: estimatordomain.ComplexitySimple,
			Content:    estimatordomain.ContentText,
		},
	})
	assert.NoError(t, err)

	// 3800 tokens fall in the core medium band.
	assert.Equal(t, int64(3), charge.PTCost)
	assert.Equal(t, pricingdomain.CostClassCore, charge.PTType)
	// simple bloat 0.15 + default retry 0.05 + text moderation 0.03 + variance 0.07
	assert.InDelta(t, 0.30, charge.Buffer, 1e-9)
	assert.InDelta(t, 1800.0/1e6*0.25+2000.0/1e6*1.25, charge.BaseCostUSD, 1e-9)
	assert.InDelta(t, charge.BaseCostUSD*1.30, charge.TotalCostUSD, 1e-9)
}

func TestCalculate_BandBoundaries(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	atBoundary, err := svc.Calculate(ctx, estimatordomain.CalculateRequest{
		InputTokens: 1500, Model: "core-standard",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), atBoundary.PTCost)

	pastBoundary, err := svc.Calculate(ctx, estimatordomain.CalculateRequest{
		InputTokens: 1501, Model: "core-standard",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(3), pastBoundary.PTCost)
}

func TestCalculate_ProportionalOverflowBeyondLongBand(t *testing.T) {
	svc := newTestService()

	// 15600 tokens = 2x the core long band of 7800 at 6 PT.
	charge, err := svc.Calculate(context.Background(), estimatordomain.CalculateRequest{
		InputTokens: 15600, Model: "core-standard",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(12), charge.PTCost)

	// Slightly past doubles rounds up, never down.
	charge, err = svc.Calculate(context.Background(), estimatordomain.CalculateRequest{
		InputTokens: 15601, Model: "core-standard",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(13), charge.PTCost)
}

func TestCalculate_ZeroTokensPaysMinimumBand(t *testing.T) {
	svc := newTestService()

	charge, err := svc.Calculate(context.Background(), estimatordomain.CalculateRequest{
		Model: "advanced-standard",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), charge.PTCost)
	assert.Equal(t, pricingdomain.CostClassAdvanced, charge.PTType)
}

func TestCalculate_CostIsMonotonicInTokens(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var prev int64
	for _, tokens := range []int64{0, 500, 1500, 1501, 4200, 4300, 7800, 9000, 20000} {
		charge, err := svc.Calculate(ctx, estimatordomain.CalculateRequest{
			InputTokens: tokens, Model: "core-standard",
		})
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, charge.PTCost, prev, "tokens=%d", tokens)
		prev = charge.PTCost
	}
}

func TestCalculate_BufferComponents(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	// Complex code agent with clamped retry rate and capped tool overhead:
	// 0.25 + 0.15 + 0.05 + 0.10 + 0.07.
	charge, err := svc.Calculate(ctx, estimatordomain.CalculateRequest{
		InputTokens: 1000, Model: "advanced-standard",
		Context: estimatordomain.UsageContext{
			Complexity:   estimatordomain.ComplexityComplex,
			Content:      estimatordomain.ContentCode,
			RetryRate:    0.40,
			Integrations: 9,
		},
	})
	assert.NoError(t, err)
	assert.InDelta(t, 0.62, charge.Buffer, 1e-9)

	// Low observed retry rate clamps up to the minimum.
	charge, err = svc.Calculate(ctx, estimatordomain.CalculateRequest{
		InputTokens: 1000, Model: "core-standard",
		Context:     estimatordomain.UsageContext{RetryRate: 0.01},
	})
	assert.NoError(t, err)
	// moderate bloat 0.20 + clamped retry 0.05 + text 0.03 + variance 0.07
	assert.InDelta(t, 0.35, charge.Buffer, 1e-9)
}

func TestCalculate_UnknownModelFallsBackToCore(t *testing.T) {
	svc := newTestService()

	charge, err := svc.Calculate(context.Background(), estimatordomain.CalculateRequest{
		InputTokens: 100, Model: "mystery-9000",
	})
	assert.NoError(t, err)
	assert.Equal(t, pricingdomain.CostClassCore, charge.PTType)
	assert.Equal(t, int64(1), charge.PTCost)
}

func TestCalculate_NegativeTokensRejected(t *testing.T) {
	svc := newTestService()

	_, err := svc.Calculate(context.Background(), estimatordomain.CalculateRequest{
		InputTokens: -1, Model: "core-standard",
	})
	assert.ErrorIs(t, err, estimatordomain.ErrNegativeTokens)
}

func TestEstimate_PreflightFromTextLength(t *testing.T) {
	svc := newTestService()

	message := make([]byte, 2000)
	for i := range message {
		message[i] = 'a'
	}

	estimate, err := svc.Estimate(context.Background(), estimatordomain.EstimateRequest{
		Message:        string(message),
		RequestedModel: "core-standard",
	})
	assert.NoError(t, err)
	// 500 input + 750 projected output tokens land in the short band.
	assert.Equal(t, int64(1), estimate.PTCost)
	assert.Equal(t, pricingdomain.CostClassCore, estimate.PTType)
	assert.InDelta(t, 0.6, estimate.Confidence, 1e-9)

	unknown, err := svc.Estimate(context.Background(), estimatordomain.EstimateRequest{
		Message:        "hello",
		RequestedModel: "mystery-9000",
	})
	assert.NoError(t, err)
	assert.InDelta(t, 0.4, unknown.Confidence, 1e-9)
}
