// Package domain contains the admission-control decision types and the
// per-cycle advanced cap / burn-rate records.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
)

// BlockType is the machine-readable reason a request was denied.
type BlockType string

const (
	BlockThrottleActive      BlockType = "throttle_active"
	BlockBurnRateExceeded    BlockType = "burn_rate_exceeded"
	BlockHardCapBreached     BlockType = "hard_cap_breached"
	BlockInsufficientBalance BlockType = "insufficient_balance"
)

type WarningType string

const (
	WarningBurnRateElevated WarningType = "burn_rate_elevated"
	WarningSoftCapBreached  WarningType = "soft_cap_breached"
)

type Block struct {
	Type    BlockType `json:"type"`
	Message string    `json:"message"`
}

type Warning struct {
	Type    WarningType `json:"type"`
	Message string      `json:"message"`
}

// Decision is the outcome of one admission check. OverflowBilling marks a
// hard-cap breach that proceeds on purchased advanced PT at the premium
// overflow rate.
type Decision struct {
	Passed          bool      `json:"passed"`
	Blocks          []Block   `json:"blocks"`
	Warnings        []Warning `json:"warnings"`
	OverflowBilling bool      `json:"overflow_billing"`
	// BurnRatePct is the trailing-window consumption share observed during
	// the check, surfaced for trend reporting.
	BurnRatePct float64 `json:"burn_rate_pct"`
}

// AdvancedCapRecord tracks soft/hard advanced-cap state for one user and
// billing cycle. Created lazily on the first advanced consumption of the
// cycle.
type AdvancedCapRecord struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	UserID     string       `gorm:"type:text;not null;uniqueIndex:ix_advanced_cap_user_cycle,priority:1"`
	CycleStart time.Time    `gorm:"not null;uniqueIndex:ix_advanced_cap_user_cycle,priority:2"`

	SoftCapBreached    bool    `gorm:"not null;default:false"`
	HardCapBreached    bool    `gorm:"not null;default:false"`
	AdvancedPercentage float64 `gorm:"not null;default:0"`
	OverflowPTUsed     int64   `gorm:"not null;default:0"`
	OverflowFeeUSD     float64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AdvancedCapRecord) TableName() string { return "advanced_cap_records" }

// BurnRateSample is a point-in-time record of trailing-window consumption,
// retained for trend reporting only. Admission decisions recompute the rate
// from the ledger on every check.
type BurnRateSample struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	UserID      string       `gorm:"type:text;not null;index:ix_burn_rate_samples_user_created,priority:1"`
	ConsumedPT  int64        `gorm:"not null"`
	AllocatedPT int64        `gorm:"not null"`
	BurnPct     float64      `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP;index:ix_burn_rate_samples_user_created,priority:2"`
}

// TableName sets the database table name.
func (BurnRateSample) TableName() string { return "burn_rate_samples" }

type CheckRequest struct {
	UserID         string
	RequestedClass pricingdomain.CostClass
}

type Service interface {
	// Check runs the admission sequence for one request: active throttle,
	// burn-rate circuit breaker, advanced two-layer cap, raw balance
	// sufficiency. Short-circuits on the first hard block. The only side
	// effects are throttle-expiry cleanup and throttle application on a
	// burn-rate breach, so retries without intervening consumption see the
	// same decision.
	Check(ctx context.Context, req CheckRequest) (*Decision, error)
	// ClearExpiredThrottles releases every throttle whose window has lapsed.
	// The scheduler runs this so users are unblocked even if they never
	// issue another request.
	ClearExpiredThrottles(ctx context.Context) (int64, error)
	// PruneSamples deletes burn-rate samples older than the retention
	// horizon.
	PruneSamples(ctx context.Context, olderThan time.Time) (int64, error)
}

var (
	ErrInvalidUser = errors.New("invalid_user")
)
