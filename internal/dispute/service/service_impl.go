package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ptmeter/internal/clock"
	disputedomain "github.com/smallbiznis/ptmeter/internal/dispute/domain"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Ledger ledgerdomain.Service
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	ledger ledgerdomain.Service
}

func NewService(p Params) disputedomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("dispute.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		ledger: p.Ledger,
	}
}

func (s *Service) Open(ctx context.Context, req disputedomain.OpenRequest) (*disputedomain.Dispute, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, disputedomain.ErrInvalidUser
	}
	switch req.DisputeType {
	case disputedomain.DisputeOvercharge, disputedomain.DisputeFailedRequest, disputedomain.DisputeDuplicate:
	default:
		return nil, disputedomain.ErrInvalidType
	}

	entry, err := s.ledger.Get(ctx, req.LedgerEntryID)
	if err != nil {
		if err == ledgerdomain.ErrEntryNotFound {
			return nil, disputedomain.ErrInvalidEntry
		}
		return nil, err
	}
	if entry.UserID != userID {
		return nil, disputedomain.ErrEntryNotOwned
	}
	if entry.TransactionType != ledgerdomain.TransactionConsumption {
		return nil, disputedomain.ErrNotDisputable
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&disputedomain.Dispute{}).
		Where("ledger_entry_id = ?", entry.ID).
		Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, disputedomain.ErrAlreadyDisputed
	}

	now := s.clock.Now()
	dispute := &disputedomain.Dispute{
		ID:                 s.genID.Generate(),
		UserID:             userID,
		LedgerEntryID:      entry.ID,
		DisputeType:        req.DisputeType,
		Reason:             strings.TrimSpace(req.Reason),
		DisputedCorePT:     -entry.CorePTDelta,
		DisputedAdvancedPT: -entry.AdvancedPTDelta,
		Status:             disputedomain.StatusOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.db.WithContext(ctx).Create(dispute).Error; err != nil {
		return nil, err
	}

	s.log.Info("dispute opened",
		zap.String("user_id", userID),
		zap.String("entry_id", entry.ID.String()),
		zap.String("dispute_type", string(req.DisputeType)),
	)
	return dispute, nil
}

func (s *Service) Resolve(ctx context.Context, req disputedomain.ResolveRequest) (*disputedomain.Dispute, error) {
	if req.Decision != disputedomain.DecisionApproved && req.Decision != disputedomain.DecisionDenied {
		return nil, disputedomain.ErrInvalidDecision
	}

	dispute, err := s.Get(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status == disputedomain.StatusResolved {
		return nil, disputedomain.ErrAlreadyResolved
	}

	refundCore, refundAdv := int64(0), int64(0)
	if req.Decision == disputedomain.DecisionApproved {
		refundCore, refundAdv = req.RefundCorePT, req.RefundAdvPT
		if refundCore == 0 && refundAdv == 0 {
			refundCore = dispute.DisputedCorePT
			refundAdv = dispute.DisputedAdvancedPT
		}
		// A refund can never exceed what the entry charged.
		if refundCore < 0 || refundAdv < 0 ||
			refundCore > dispute.DisputedCorePT || refundAdv > dispute.DisputedAdvancedPT {
			return nil, disputedomain.ErrInvalidRefund
		}

		if _, err := s.ledger.RecordRefund(ctx, ledgerdomain.RefundRequest{
			UserID:     dispute.UserID,
			CorePT:     refundCore,
			AdvancedPT: refundAdv,
			SourceID:   "dispute:" + dispute.ID.String(),
		}); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Model(&disputedomain.Dispute{}).
		Where("id = ?", dispute.ID).
		Updates(map[string]any{
			"status":         disputedomain.StatusResolved,
			"admin_decision": req.Decision,
			"refund_core_pt": refundCore,
			"refund_adv_pt":  refundAdv,
			"resolved_at":    now,
			"updated_at":     now,
		}).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, req.DisputeID)
}

func (s *Service) Get(ctx context.Context, disputeID string) (*disputedomain.Dispute, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(disputeID))
	if err != nil {
		return nil, disputedomain.ErrDisputeNotFound
	}

	var dispute disputedomain.Dispute
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&dispute)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, disputedomain.ErrDisputeNotFound
	}
	return &dispute, nil
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]disputedomain.Dispute, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, disputedomain.ErrInvalidUser
	}

	var disputes []disputedomain.Dispute
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&disputes).Error
	return disputes, err
}
