// Package domain contains the append-only PT transaction log.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ptmeter/pkg/db/pagination"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionAllocation  TransactionType = "allocation"
	TransactionConsumption TransactionType = "consumption"
	TransactionRefund      TransactionType = "refund"
	TransactionOverflowFee TransactionType = "overflow_fee"
)

type SourceType string

const (
	SourceTypeSubscription SourceType = "subscription"
	SourceTypeTopUp        SourceType = "top_up"
	SourceTypeAgentUsage   SourceType = "agent_usage"
	SourceTypeRefund       SourceType = "refund"
	SourceTypeDispute      SourceType = "dispute"
)

// LedgerEntry is an immutable PT movement. Deltas are signed against the
// remaining balance (allocations positive, consumption negative); the
// resulting-balance columns snapshot the account immediately after applying
// the entry, so the full history replays to the account snapshot.
type LedgerEntry struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID string       `gorm:"type:text;not null;index:ix_ledger_entries_user_created,priority:1"`

	TransactionType TransactionType `gorm:"type:text;not null;index"`
	CorePTDelta     int64           `gorm:"not null"`
	AdvancedPTDelta int64           `gorm:"not null"`

	ResultingCoreBalance     int64 `gorm:"not null"`
	ResultingAdvancedBalance int64 `gorm:"not null"`

	SourceType SourceType `gorm:"type:text;not null"`
	SourceID   string     `gorm:"type:text;not null"`

	Model           *string  `gorm:"type:text"`
	Tokens          *int64   `gorm:""`
	ProviderCostUSD *float64 `gorm:""`

	IdempotencyKey *string           `gorm:"type:text;uniqueIndex"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index:ix_ledger_entries_user_created,priority:2"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// Balances is the post-transaction remaining balance view.
type Balances struct {
	CoreRemaining     int64 `json:"core_remaining"`
	AdvancedRemaining int64 `json:"advanced_remaining"`
	CoreUsed          int64 `json:"core_used"`
	AdvancedUsed      int64 `json:"advanced_used"`
}

type ConsumptionRequest struct {
	UserID          string
	CorePT          int64
	AdvancedPT      int64
	SourceID        string
	Model           string
	Tokens          int64
	ProviderCostUSD float64
	IdempotencyKey  *string
	// Overflow marks hard-cap grace consumption; an overflow_fee entry is
	// appended alongside the consumption at the premium rate.
	Overflow bool
}

type AllocationRequest struct {
	UserID     string
	CorePT     int64
	AdvancedPT int64
	// Purchased credits advanced top-ups instead of the cycle grant.
	Purchased  bool
	SourceType SourceType
	SourceID   string
}

// CycleResetRequest replaces the account grant at billing-cycle rollover.
// The appended allocation entry carries the delta between the old remaining
// balance and the fresh grant so the history stays replayable.
type CycleResetRequest struct {
	UserID     string
	CorePT     int64
	AdvancedPT int64
	CycleStart time.Time
	CycleEnd   time.Time
	SourceID   string
}

type RefundRequest struct {
	UserID     string
	CorePT     int64
	AdvancedPT int64
	SourceID   string
}

type ListRequest struct {
	UserID string
	pagination.Pagination
}

type ListResponse struct {
	pagination.PageInfo
	Entries []LedgerEntry `json:"entries"`
}

type Service interface {
	RecordConsumption(ctx context.Context, req ConsumptionRequest) (*Balances, error)
	RecordAllocation(ctx context.Context, req AllocationRequest) (*Balances, error)
	RecordCycleReset(ctx context.Context, req CycleResetRequest) (*Balances, error)
	RecordRefund(ctx context.Context, req RefundRequest) (*Balances, error)
	// ConsumedSince sums PT consumed by a user after the given instant; the
	// admission controller's burn-rate window reads through this.
	ConsumedSince(ctx context.Context, userID string, since time.Time) (int64, error)
	// Replay folds the full history and returns the derived balances; used
	// to audit the account snapshot.
	Replay(ctx context.Context, userID string) (*Balances, error)
	List(ctx context.Context, req ListRequest) (*ListResponse, error)
	Get(ctx context.Context, entryID string) (*LedgerEntry, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrEntryNotFound       = errors.New("entry_not_found")
	ErrAccountNotFound     = errors.New("account_not_found")
)
