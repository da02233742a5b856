package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	"github.com/smallbiznis/ptmeter/internal/clock"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	"github.com/smallbiznis/ptmeter/pkg/db"
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

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("account.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		ledger: p.Ledger,
	}
}

// GetOrCreate provisions an account with the tier's monthly grant on first
// sight of a user. The grant lands through the ledger so the history starts
// with an allocation entry.
func (s *Service) GetOrCreate(ctx context.Context, userID string, tier accountdomain.Tier) (*accountdomain.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, accountdomain.ErrInvalidUser
	}
	if tier == "" {
		tier = accountdomain.TierFreemium
	}
	allocation, ok := accountdomain.TierAllocations[tier]
	if !ok {
		return nil, accountdomain.ErrInvalidTier
	}

	if acct, err := s.Get(ctx, userID); err == nil {
		return acct, nil
	} else if err != accountdomain.ErrAccountNotFound {
		return nil, err
	}

	now := s.clock.Now()
	cycleStart := now.Truncate(24 * time.Hour)
	acct := &accountdomain.Account{
		ID:                s.genID.Generate(),
		UserID:            userID,
		Tier:              tier,
		BillingCycleStart: cycleStart,
		BillingCycleEnd:   cycleStart.AddDate(0, 1, 0),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.WithContext(ctx).Create(acct).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.Get(ctx, userID)
		}
		return nil, err
	}

	if allocation.CorePT+allocation.AdvancedPT > 0 {
		if _, err := s.ledger.RecordAllocation(ctx, ledgerdomain.AllocationRequest{
			UserID:     userID,
			CorePT:     allocation.CorePT,
			AdvancedPT: allocation.AdvancedPT,
			SourceType: ledgerdomain.SourceTypeSubscription,
			SourceID:   "signup:" + string(tier),
		}); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, userID)
}

func (s *Service) Get(ctx context.Context, userID string) (*accountdomain.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, accountdomain.ErrInvalidUser
	}

	var acct accountdomain.Account
	result := s.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&acct)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, accountdomain.ErrAccountNotFound
	}
	return &acct, nil
}

func (s *Service) ResetCycle(ctx context.Context, userID string) (*accountdomain.Account, error) {
	acct, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	allocation := accountdomain.TierAllocations[acct.Tier]

	cycleStart := acct.BillingCycleEnd
	now := s.clock.Now()
	if cycleStart.After(now) {
		cycleStart = now
	}
	cycleEnd := cycleStart.AddDate(0, 1, 0)

	if _, err := s.ledger.RecordCycleReset(ctx, ledgerdomain.CycleResetRequest{
		UserID:     userID,
		CorePT:     allocation.CorePT,
		AdvancedPT: allocation.AdvancedPT,
		CycleStart: cycleStart,
		CycleEnd:   cycleEnd,
		SourceID:   "cycle:" + cycleStart.Format("2006-01"),
	}); err != nil {
		return nil, err
	}

	s.log.Info("billing cycle reset",
		zap.String("user_id", userID),
		zap.String("tier", string(acct.Tier)),
		zap.Time("cycle_start", cycleStart),
	)
	return s.Get(ctx, userID)
}

// ChangeTier switches the tier and re-grants the new tier's allocation for
// the remainder of the cycle. Purchased advanced PT is untouched.
func (s *Service) ChangeTier(ctx context.Context, userID string, tier accountdomain.Tier) (*accountdomain.Account, error) {
	allocation, ok := accountdomain.TierAllocations[tier]
	if !ok {
		return nil, accountdomain.ErrInvalidTier
	}
	acct, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct.Tier == tier {
		return acct, nil
	}

	if err := s.db.WithContext(ctx).Model(&accountdomain.Account{}).
		Where("id = ?", acct.ID).
		Updates(map[string]any{
			"tier":       tier,
			"updated_at": s.clock.Now(),
		}).Error; err != nil {
		return nil, err
	}

	if _, err := s.ledger.RecordCycleReset(ctx, ledgerdomain.CycleResetRequest{
		UserID:     userID,
		CorePT:     allocation.CorePT,
		AdvancedPT: allocation.AdvancedPT,
		CycleStart: acct.BillingCycleStart,
		CycleEnd:   acct.BillingCycleEnd,
		SourceID:   "tier_change:" + string(tier),
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, userID)
}

func (s *Service) UnlockAdvanced(ctx context.Context, userID string) (*accountdomain.Account, error) {
	acct, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct.AdvancedUnlocked {
		return acct, nil
	}

	if err := s.db.WithContext(ctx).Model(&accountdomain.Account{}).
		Where("id = ?", acct.ID).
		Updates(map[string]any{
			"advanced_unlocked": true,
			"updated_at":        s.clock.Now(),
		}).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, userID)
}
