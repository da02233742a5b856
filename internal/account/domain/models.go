// Package domain contains the per-user PT account model and tier catalog.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Tier is the subscription tier controlling PT entitlements.
type Tier string

const (
	TierFreemium   Tier = "freemium"
	TierEntry      Tier = "entry"
	TierPro        Tier = "pro"
	TierProPlus    Tier = "pro_plus"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFreemium, "":
		return TierFreemium, nil
	case TierEntry:
		return TierEntry, nil
	case TierPro:
		return TierPro, nil
	case TierProPlus:
		return TierProPlus, nil
	case TierBusiness:
		return TierBusiness, nil
	case TierEnterprise:
		return TierEnterprise, nil
	default:
		return "", ErrInvalidTier
	}
}

// TierAllocation is the monthly PT grant for a tier.
type TierAllocation struct {
	CorePT     int64
	AdvancedPT int64
}

// TierAllocations sizes advanced grants so the advanced usage cap binds
// before the raw balance does on mid tiers.
var TierAllocations = map[Tier]TierAllocation{
	TierFreemium:   {CorePT: 50, AdvancedPT: 0},
	TierEntry:      {CorePT: 300, AdvancedPT: 100},
	TierPro:        {CorePT: 1000, AdvancedPT: 400},
	TierProPlus:    {CorePT: 2000, AdvancedPT: 800},
	TierBusiness:   {CorePT: 5000, AdvancedPT: 2000},
	TierEnterprise: {CorePT: 15000, AdvancedPT: 6000},
}

// Account is the denormalized balance snapshot for one user. Balance fields
// are mutated only inside ledger transactions holding the row lock.
type Account struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID string       `gorm:"type:text;not null;uniqueIndex"`
	Tier   Tier         `gorm:"type:text;not null;default:'freemium'"`

	CorePTAllocated     int64 `gorm:"not null;default:0"`
	CorePTUsed          int64 `gorm:"not null;default:0"`
	AdvancedPTAllocated int64 `gorm:"not null;default:0"`
	AdvancedPTUsed      int64 `gorm:"not null;default:0"`
	AdvancedPTPurchased int64 `gorm:"not null;default:0"`
	AdvancedUnlocked    bool  `gorm:"not null;default:false"`

	BillingCycleStart time.Time `gorm:"not null"`
	BillingCycleEnd   time.Time `gorm:"not null"`

	ThrottleActive     bool       `gorm:"not null;default:false"`
	ThrottleUntil      *time.Time `gorm:""`
	ThrottleReason     *string    `gorm:"type:text"`
	ThrottleViolations int        `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

func (a *Account) CoreRemaining() int64 {
	return a.CorePTAllocated - a.CorePTUsed
}

func (a *Account) AdvancedRemaining() int64 {
	return a.AdvancedPTAllocated + a.AdvancedPTPurchased - a.AdvancedPTUsed
}

// TotalAllocated is the monthly allocation used as the denominator for
// burn-rate and advanced-share calculations. Purchased top-ups are excluded.
func (a *Account) TotalAllocated() int64 {
	return a.CorePTAllocated + a.AdvancedPTAllocated
}

// AdvancedShare reports advanced consumption as a fraction of the monthly
// allocation.
func (a *Account) AdvancedShare() float64 {
	total := a.TotalAllocated()
	if total <= 0 {
		return 0
	}
	return float64(a.AdvancedPTUsed) / float64(total)
}

type Service interface {
	GetOrCreate(ctx context.Context, userID string, tier Tier) (*Account, error)
	Get(ctx context.Context, userID string) (*Account, error)
	// ResetCycle starts a fresh billing cycle: zeroes usage, clears throttle
	// state, and records the new allocation in the ledger. Invoked by the
	// external billing-cycle scheduler at rollover.
	ResetCycle(ctx context.Context, userID string) (*Account, error)
	ChangeTier(ctx context.Context, userID string, tier Tier) (*Account, error)
	// UnlockAdvanced marks the one-time advanced purchase for tiers that
	// gate advanced models behind it.
	UnlockAdvanced(ctx context.Context, userID string) (*Account, error)
}

var (
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidTier     = errors.New("invalid_tier")
	ErrAccountNotFound = errors.New("account_not_found")
)
