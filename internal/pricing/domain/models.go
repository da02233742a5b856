// Package domain contains persistence models for the model pricing table.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CostClass separates the two model economics tiers.
type CostClass string

const (
	CostClassCore     CostClass = "core"
	CostClassAdvanced CostClass = "advanced"
)

func ParseCostClass(raw string) (CostClass, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(CostClassCore), "":
		return CostClassCore, nil
	case string(CostClassAdvanced):
		return CostClassAdvanced, nil
	default:
		return "", ErrInvalidCostClass
	}
}

// ModelPrice is a versioned per-model unit-cost row.
type ModelPrice struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	Model               string       `gorm:"type:text;not null;uniqueIndex:ux_model_prices_model_version,priority:1"`
	Class               CostClass    `gorm:"type:text;not null"`
	InputUSDPerMillion  float64      `gorm:"not null"`
	OutputUSDPerMillion float64      `gorm:"not null"`
	Version             int          `gorm:"not null;default:1;uniqueIndex:ux_model_prices_model_version,priority:2"`
	Active              bool         `gorm:"not null;default:true"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ModelPrice) TableName() string { return "model_prices" }

// Price is the resolved unit-cost view handed to the estimator.
type Price struct {
	Model               string
	Class               CostClass
	InputUSDPerMillion  float64
	OutputUSDPerMillion float64
}

// DefaultCorePrice is the fallback applied when a model is unknown; requests
// are never failed solely because pricing could not be resolved.
var DefaultCorePrice = Price{
	Model:               "core-standard",
	Class:               CostClassCore,
	InputUSDPerMillion:  0.25,
	OutputUSDPerMillion: 1.25,
}

type UpsertRequest struct {
	Model               string  `json:"model"`
	Class               string  `json:"class"`
	InputUSDPerMillion  float64 `json:"input_usd_per_million"`
	OutputUSDPerMillion float64 `json:"output_usd_per_million"`
}

type Service interface {
	// Resolve returns the unit prices for a model, refreshing the snapshot
	// when stale. Unknown models resolve to Core defaults.
	Resolve(ctx context.Context, model string) (Price, bool)
	// CheapestCore returns the lowest-cost active Core model.
	CheapestCore(ctx context.Context) Price
	Refresh(ctx context.Context) error
	Upsert(ctx context.Context, req UpsertRequest) (*ModelPrice, error)
	List(ctx context.Context) ([]ModelPrice, error)
}

var (
	ErrInvalidModel     = errors.New("invalid_model")
	ErrInvalidCostClass = errors.New("invalid_cost_class")
	ErrInvalidUnitPrice = errors.New("invalid_unit_price")
)
