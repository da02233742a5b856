// Package domain contains user-initiated contests of ledger entries.
// Approving a dispute credits PT through a refund entry; the contested
// history is never rewritten.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type DisputeType string

const (
	DisputeOvercharge    DisputeType = "overcharge"
	DisputeFailedRequest DisputeType = "failed_request"
	DisputeDuplicate     DisputeType = "duplicate"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

type AdminDecision string

const (
	DecisionApproved AdminDecision = "approved"
	DecisionDenied   AdminDecision = "denied"
)

type Dispute struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	UserID        string       `gorm:"type:text;not null;index"`
	LedgerEntryID snowflake.ID `gorm:"not null;index"`

	DisputeType DisputeType `gorm:"type:text;not null"`
	Reason      string      `gorm:"type:text"`

	DisputedCorePT     int64 `gorm:"not null;default:0"`
	DisputedAdvancedPT int64 `gorm:"not null;default:0"`

	Status        Status        `gorm:"type:text;not null;default:'open'"`
	AdminDecision AdminDecision `gorm:"type:text"`
	RefundCorePT  int64         `gorm:"not null;default:0"`
	RefundAdvPT   int64         `gorm:"not null;default:0"`
	ResolvedAt    *time.Time    `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Dispute) TableName() string { return "disputes" }

type OpenRequest struct {
	UserID        string      `json:"user_id"`
	LedgerEntryID string      `json:"ledger_entry_id"`
	DisputeType   DisputeType `json:"dispute_type"`
	Reason        string      `json:"reason"`
}

type ResolveRequest struct {
	DisputeID    string        `json:"dispute_id"`
	Decision     AdminDecision `json:"decision"`
	RefundCorePT int64         `json:"refund_core_pt"`
	RefundAdvPT  int64         `json:"refund_advanced_pt"`
}

type Service interface {
	// Open files a dispute against a consumption entry owned by the user.
	Open(ctx context.Context, req OpenRequest) (*Dispute, error)
	// Resolve closes a dispute; an approval appends a refund ledger entry
	// crediting PT back.
	Resolve(ctx context.Context, req ResolveRequest) (*Dispute, error)
	Get(ctx context.Context, disputeID string) (*Dispute, error)
	ListByUser(ctx context.Context, userID string) ([]Dispute, error)
}

var (
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidEntry    = errors.New("invalid_entry")
	ErrInvalidType     = errors.New("invalid_dispute_type")
	ErrInvalidDecision = errors.New("invalid_decision")
	ErrInvalidRefund   = errors.New("invalid_refund")
	ErrNotDisputable   = errors.New("entry_not_disputable")
	ErrDisputeNotFound = errors.New("dispute_not_found")
	ErrAlreadyResolved = errors.New("dispute_already_resolved")
	ErrEntryNotOwned   = errors.New("entry_not_owned")
	ErrAlreadyDisputed = errors.New("entry_already_disputed")
)
