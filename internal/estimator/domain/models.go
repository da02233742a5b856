// Package domain contains the cost-estimation contract: pre-flight guesses
// from raw text and authoritative post-flight PT charges from real token
// counts.
package domain

import (
	"context"
	"errors"

	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
)

// AgentComplexity scales the prompt-bloat buffer component.
type AgentComplexity string

const (
	ComplexitySimple   AgentComplexity = "simple"
	ComplexityModerate AgentComplexity = "moderate"
	ComplexityComplex  AgentComplexity = "complex"
)

// ContentType scales the moderation-overhead buffer component.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentCode  ContentType = "code"
	ContentMixed ContentType = "mixed"
)

// UsageContext describes the request shape feeding the adaptive buffer.
type UsageContext struct {
	Complexity AgentComplexity `json:"complexity"`
	Content    ContentType     `json:"content"`
	// RetryRate is the caller's historical retry frequency as a fraction;
	// zero means unknown and falls back to the default component.
	RetryRate float64 `json:"retry_rate"`
	// Integrations is the number of tool integrations the request invokes.
	Integrations int `json:"integrations"`
}

type EstimateRequest struct {
	Message        string `json:"message"`
	RequestedModel string `json:"requested_model"`
}

// Estimate is the pre-flight guess. Confidence is low because token counts
// are derived from text length, not a tokenizer.
type Estimate struct {
	PTCost     int64                   `json:"pt_cost"`
	PTType     pricingdomain.CostClass `json:"pt_type"`
	Confidence float64                 `json:"confidence"`
}

type CalculateRequest struct {
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	Model        string       `json:"model"`
	Context      UsageContext `json:"usage_context"`
}

// Charge is the authoritative post-flight result recorded to the ledger.
type Charge struct {
	PTCost       int64                   `json:"pt_cost"`
	PTType       pricingdomain.CostClass `json:"pt_type"`
	BaseCostUSD  float64                 `json:"base_cost_usd"`
	Buffer       float64                 `json:"buffer"`
	TotalCostUSD float64                 `json:"total_cost_usd"`
	TotalTokens  int64                   `json:"total_tokens"`
}

type Service interface {
	// Estimate sizes a request before the model call from text length
	// alone.
	Estimate(ctx context.Context, req EstimateRequest) (*Estimate, error)
	// Calculate converts actual token usage into the PT charge.
	Calculate(ctx context.Context, req CalculateRequest) (*Charge, error)
}

var (
	ErrNegativeTokens = errors.New("negative_tokens")
)
