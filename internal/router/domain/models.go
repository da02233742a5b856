// Package domain contains the model-routing decision types, the tier
// entitlement table, and platform-wide mitigation events.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
)

type RoutingDecision string

const (
	DecisionDefault            RoutingDecision = "default"
	DecisionAllowed            RoutingDecision = "allowed"
	DecisionAllowedWithWarning RoutingDecision = "allowed_with_warning"
	DecisionDowngraded         RoutingDecision = "downgraded"
	DecisionEmergencyOverride  RoutingDecision = "emergency_override"
)

// DowngradeReason explains why an advanced request fell back to core.
type DowngradeReason string

const (
	ReasonTierNotAllowed         DowngradeReason = "tier_not_allowed"
	ReasonAdvancedBlocked        DowngradeReason = "advanced_blocked"
	ReasonPurchaseRequired       DowngradeReason = "purchase_required"
	ReasonInsufficientAdvanced   DowngradeReason = "insufficient_advanced_pt"
	ReasonHardCapBreached        DowngradeReason = "hard_cap_breached"
	ReasonAdaptiveBudgetExceeded DowngradeReason = "adaptive_budget_exceeded"
	ReasonMarginProtection       DowngradeReason = "margin_protection"
)

// TierPolicy maps a tier to its routing entitlements.
type TierPolicy struct {
	AllowedClasses []pricingdomain.CostClass
	DefaultClass   pricingdomain.CostClass
	// RequiresUnlock gates advanced behind the one-time purchase.
	RequiresUnlock bool
	// Adaptive enables budget widening/narrowing for elastic tiers.
	Adaptive bool
}

var TierPolicies = map[accountdomain.Tier]TierPolicy{
	accountdomain.TierFreemium: {
		AllowedClasses: []pricingdomain.CostClass{pricingdomain.CostClassCore},
		DefaultClass:   pricingdomain.CostClassCore,
	},
	accountdomain.TierEntry: {
		AllowedClasses: []pricingdomain.CostClass{pricingdomain.CostClassCore, pricingdomain.CostClassAdvanced},
		DefaultClass:   pricingdomain.CostClassCore,
		RequiresUnlock: true,
	},
	accountdomain.TierPro: {
		AllowedClasses: []pricingdomain.CostClass{pricingdomain.CostClassCore, pricingdomain.CostClassAdvanced},
		DefaultClass:   pricingdomain.CostClassCore,
	},
	accountdomain.TierProPlus: {
		AllowedClasses: []pricingdomain.CostClass{pricingdomain.CostClassCore, pricingdomain.CostClassAdvanced},
		DefaultClass:   pricingdomain.CostClassAdvanced,
	},
	accountdomain.TierBusiness: {
		AllowedClasses: []pricingdomain.CostClass{pricingdomain.CostClassCore, pricingdomain.CostClassAdvanced},
		DefaultClass:   pricingdomain.CostClassAdvanced,
		Adaptive:       true,
	},
	accountdomain.TierEnterprise: {
		AllowedClasses: []pricingdomain.CostClass{pricingdomain.CostClassCore, pricingdomain.CostClassAdvanced},
		DefaultClass:   pricingdomain.CostClassAdvanced,
		Adaptive:       true,
	},
}

// MitigationEvent is a platform-scope margin-protection trigger. The newest
// event younger than the emergency window forces every request onto the
// cheapest core model.
type MitigationEvent struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Scope     string       `gorm:"type:text;not null;default:'platform';index"`
	Reason    string       `gorm:"type:text;not null"`
	MarginPct float64      `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (MitigationEvent) TableName() string { return "mitigation_events" }

const ScopePlatform = "platform"

type RouteRequest struct {
	UserID         string
	RequestedModel string
	RequestedClass pricingdomain.CostClass
	// AdvancedBlocked carries the admission controller's verdict so routing
	// can downgrade instead of failing the request outright.
	AdvancedBlocked bool
}

type RouteResponse struct {
	Model           string                  `json:"model"`
	ModelClass      pricingdomain.CostClass `json:"model_class"`
	RoutingDecision RoutingDecision         `json:"routing_decision"`
	RoutingReason   DowngradeReason         `json:"routing_reason,omitempty"`
	Warning         string                  `json:"warning,omitempty"`
}

type Service interface {
	Route(ctx context.Context, req RouteRequest) (*RouteResponse, error)
	// TriggerMitigation records a platform-scope event starting the
	// emergency window.
	TriggerMitigation(ctx context.Context, reason string, marginPct float64) (*MitigationEvent, error)
	// ActiveMitigation returns the newest platform event inside the
	// emergency window, or nil.
	ActiveMitigation(ctx context.Context) (*MitigationEvent, error)
}

var (
	ErrInvalidUser = errors.New("invalid_user")
)
