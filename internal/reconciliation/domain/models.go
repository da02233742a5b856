// Package domain contains the daily margin reconciliation and monthly
// usage rollup records.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReconciliationRecord is the daily provider-cost vs. revenue result, one
// row per UTC calendar day. Re-running a day upserts the same row.
type ReconciliationRecord struct {
	ID   snowflake.ID `gorm:"primaryKey"`
	Date string       `gorm:"type:text;not null;uniqueIndex"`

	TotalProviderCostUSD float64 `gorm:"not null;default:0"`
	TotalRevenueUSD      float64 `gorm:"not null;default:0"`
	MarginPct            float64 `gorm:"not null;default:0"`
	LowMargin            bool    `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ReconciliationRecord) TableName() string { return "reconciliation_records" }

// RevenueRecord is a cash-side event (subscription charge, top-up) recorded
// by the billing collaborator and consumed by daily reconciliation.
type RevenueRecord struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	UserID     string       `gorm:"type:text;not null;index"`
	AmountUSD  float64      `gorm:"not null"`
	Source     string       `gorm:"type:text;not null"`
	OccurredAt time.Time    `gorm:"not null;index"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RevenueRecord) TableName() string { return "revenue_records" }

// MonthlySummary is the per-user usage rollup, upserted idempotently from
// ledger consumption rows.
type MonthlySummary struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID string       `gorm:"type:text;not null;uniqueIndex:ux_monthly_summaries_user_month,priority:1"`
	Year   int          `gorm:"not null;uniqueIndex:ux_monthly_summaries_user_month,priority:2"`
	Month  int          `gorm:"not null;uniqueIndex:ux_monthly_summaries_user_month,priority:3"`

	CorePTUsed      int64   `gorm:"not null;default:0"`
	AdvancedPTUsed  int64   `gorm:"not null;default:0"`
	RequestCount    int64   `gorm:"not null;default:0"`
	ProviderCostUSD float64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MonthlySummary) TableName() string { return "monthly_summaries" }

type RecordRevenueRequest struct {
	UserID     string    `json:"user_id"`
	AmountUSD  float64   `json:"amount_usd"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Service interface {
	// ReconcileDay aggregates one UTC day of consumption cost against
	// revenue. Safe to re-run for the same date.
	ReconcileDay(ctx context.Context, date time.Time) (*ReconciliationRecord, error)
	// RollupMonth upserts the per-user summary for one calendar month.
	RollupMonth(ctx context.Context, userID string, year int, month time.Month) (*MonthlySummary, error)
	RecordRevenue(ctx context.Context, req RecordRevenueRequest) (*RevenueRecord, error)
	GetDay(ctx context.Context, date time.Time) (*ReconciliationRecord, error)
}

var (
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrRecordNotFound  = errors.New("record_not_found")
	ErrInvalidInterval = errors.New("invalid_interval")
)
