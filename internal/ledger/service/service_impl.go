package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	admissiondomain "github.com/smallbiznis/ptmeter/internal/admission/domain"
	"github.com/smallbiznis/ptmeter/internal/clock"
	"github.com/smallbiznis/ptmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/ptmeter/internal/observability/metrics"
	"github.com/smallbiznis/ptmeter/pkg/db"
	"github.com/smallbiznis/ptmeter/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Metering   *config.MeteringConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	metering   *config.MeteringConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		metering:   p.Metering,
		obsMetrics: p.ObsMetrics,
	}
}

// RecordConsumption debits the account and appends the consumption entry in
// one transaction holding the account row lock. Two concurrent requests from
// the same user serialize here; the second sees the first's debit before its
// own balance check.
func (s *Service) RecordConsumption(ctx context.Context, req ledgerdomain.ConsumptionRequest) (*ledgerdomain.Balances, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.CorePT < 0 || req.AdvancedPT < 0 || req.CorePT+req.AdvancedPT == 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.SourceID) == "" {
		return nil, ledgerdomain.ErrInvalidSource
	}

	idempotencyKey := normalizeIdempotencyKey(req.IdempotencyKey)
	if idempotencyKey != nil {
		existing, err := s.findByIdempotencyKey(ctx, *idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.balancesAfter(ctx, existing)
		}
	}

	var balances *ledgerdomain.Balances
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		if acct.CoreRemaining() < req.CorePT || acct.AdvancedRemaining() < req.AdvancedPT {
			return ledgerdomain.ErrInsufficientBalance
		}

		acct.CorePTUsed += req.CorePT
		acct.AdvancedPTUsed += req.AdvancedPT

		now := s.clock.Now()
		entry := &ledgerdomain.LedgerEntry{
			ID:                       s.genID.Generate(),
			UserID:                   userID,
			TransactionType:          ledgerdomain.TransactionConsumption,
			CorePTDelta:              -req.CorePT,
			AdvancedPTDelta:          -req.AdvancedPT,
			ResultingCoreBalance:     acct.CoreRemaining(),
			ResultingAdvancedBalance: acct.AdvancedRemaining(),
			SourceType:               ledgerdomain.SourceTypeAgentUsage,
			SourceID:                 strings.TrimSpace(req.SourceID),
			IdempotencyKey:           idempotencyKey,
			CreatedAt:                now,
		}
		if model := strings.TrimSpace(req.Model); model != "" {
			entry.Model = &model
		}
		if req.Tokens > 0 {
			tokens := req.Tokens
			entry.Tokens = &tokens
		}
		if req.ProviderCostUSD > 0 {
			cost := req.ProviderCostUSD
			entry.ProviderCostUSD = &cost
		}

		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		if req.Overflow && req.AdvancedPT > 0 {
			if err := s.recordOverflow(ctx, tx, acct, req, now); err != nil {
				return err
			}
		}

		if err := tx.Model(&accountdomain.Account{}).
			Where("id = ?", acct.ID).
			Updates(map[string]any{
				"core_pt_used":     acct.CorePTUsed,
				"advanced_pt_used": acct.AdvancedPTUsed,
				"updated_at":       now,
			}).Error; err != nil {
			return err
		}

		balances = balancesOf(acct)
		return nil
	})
	if err != nil {
		// A concurrent retry may have landed the same idempotency key first.
		if idempotencyKey != nil && db.IsDuplicateKeyErr(err) {
			existing, findErr := s.findByIdempotencyKey(ctx, *idempotencyKey)
			if findErr == nil && existing != nil {
				return s.balancesAfter(ctx, existing)
			}
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(ledgerdomain.TransactionConsumption))
	}
	return balances, nil
}

func (s *Service) RecordAllocation(ctx context.Context, req ledgerdomain.AllocationRequest) (*ledgerdomain.Balances, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.CorePT < 0 || req.AdvancedPT < 0 || req.CorePT+req.AdvancedPT == 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = ledgerdomain.SourceTypeTopUp
	}

	var balances *ledgerdomain.Balances
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		updates := map[string]any{"updated_at": s.clock.Now()}
		if req.Purchased {
			acct.AdvancedPTPurchased += req.AdvancedPT
			acct.CorePTAllocated += req.CorePT
			updates["advanced_pt_purchased"] = acct.AdvancedPTPurchased
			updates["core_pt_allocated"] = acct.CorePTAllocated
		} else {
			acct.CorePTAllocated += req.CorePT
			acct.AdvancedPTAllocated += req.AdvancedPT
			updates["core_pt_allocated"] = acct.CorePTAllocated
			updates["advanced_pt_allocated"] = acct.AdvancedPTAllocated
		}

		entry := &ledgerdomain.LedgerEntry{
			ID:                       s.genID.Generate(),
			UserID:                   userID,
			TransactionType:          ledgerdomain.TransactionAllocation,
			CorePTDelta:              req.CorePT,
			AdvancedPTDelta:          req.AdvancedPT,
			ResultingCoreBalance:     acct.CoreRemaining(),
			ResultingAdvancedBalance: acct.AdvancedRemaining(),
			SourceType:               sourceType,
			SourceID:                 strings.TrimSpace(req.SourceID),
			CreatedAt:                s.clock.Now(),
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		if err := tx.Model(&accountdomain.Account{}).Where("id = ?", acct.ID).Updates(updates).Error; err != nil {
			return err
		}

		balances = balancesOf(acct)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(ledgerdomain.TransactionAllocation))
	}
	return balances, nil
}

func (s *Service) RecordCycleReset(ctx context.Context, req ledgerdomain.CycleResetRequest) (*ledgerdomain.Balances, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.CorePT < 0 || req.AdvancedPT < 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	var balances *ledgerdomain.Balances
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		oldCore := acct.CoreRemaining()
		oldAdvanced := acct.AdvancedRemaining()

		// Purchased advanced PT survives the rollover.
		acct.CorePTAllocated = req.CorePT
		acct.CorePTUsed = 0
		acct.AdvancedPTAllocated = req.AdvancedPT
		acct.AdvancedPTUsed = 0
		acct.BillingCycleStart = req.CycleStart
		acct.BillingCycleEnd = req.CycleEnd
		acct.ThrottleActive = false
		acct.ThrottleUntil = nil
		acct.ThrottleReason = nil
		acct.ThrottleViolations = 0

		now := s.clock.Now()
		entry := &ledgerdomain.LedgerEntry{
			ID:                       s.genID.Generate(),
			UserID:                   userID,
			TransactionType:          ledgerdomain.TransactionAllocation,
			CorePTDelta:              acct.CoreRemaining() - oldCore,
			AdvancedPTDelta:          acct.AdvancedRemaining() - oldAdvanced,
			ResultingCoreBalance:     acct.CoreRemaining(),
			ResultingAdvancedBalance: acct.AdvancedRemaining(),
			SourceType:               ledgerdomain.SourceTypeSubscription,
			SourceID:                 strings.TrimSpace(req.SourceID),
			CreatedAt:                now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		if err := tx.Model(&accountdomain.Account{}).
			Where("id = ?", acct.ID).
			Updates(map[string]any{
				"core_pt_allocated":     acct.CorePTAllocated,
				"core_pt_used":          0,
				"advanced_pt_allocated": acct.AdvancedPTAllocated,
				"advanced_pt_used":      0,
				"billing_cycle_start":   req.CycleStart,
				"billing_cycle_end":     req.CycleEnd,
				"throttle_active":       false,
				"throttle_until":        nil,
				"throttle_reason":       nil,
				"throttle_violations":   0,
				"updated_at":            now,
			}).Error; err != nil {
			return err
		}

		balances = balancesOf(acct)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(ledgerdomain.TransactionAllocation))
	}
	return balances, nil
}

// RecordRefund credits PT back without rewriting history: dispute approvals
// append a refund entry instead of mutating the disputed consumption.
func (s *Service) RecordRefund(ctx context.Context, req ledgerdomain.RefundRequest) (*ledgerdomain.Balances, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.CorePT < 0 || req.AdvancedPT < 0 || req.CorePT+req.AdvancedPT == 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	var balances *ledgerdomain.Balances
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		acct.CorePTUsed = maxInt64(0, acct.CorePTUsed-req.CorePT)
		acct.AdvancedPTUsed = maxInt64(0, acct.AdvancedPTUsed-req.AdvancedPT)

		now := s.clock.Now()
		entry := &ledgerdomain.LedgerEntry{
			ID:                       s.genID.Generate(),
			UserID:                   userID,
			TransactionType:          ledgerdomain.TransactionRefund,
			CorePTDelta:              req.CorePT,
			AdvancedPTDelta:          req.AdvancedPT,
			ResultingCoreBalance:     acct.CoreRemaining(),
			ResultingAdvancedBalance: acct.AdvancedRemaining(),
			SourceType:               ledgerdomain.SourceTypeDispute,
			SourceID:                 strings.TrimSpace(req.SourceID),
			CreatedAt:                now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		if err := tx.Model(&accountdomain.Account{}).
			Where("id = ?", acct.ID).
			Updates(map[string]any{
				"core_pt_used":     acct.CorePTUsed,
				"advanced_pt_used": acct.AdvancedPTUsed,
				"updated_at":       now,
			}).Error; err != nil {
			return err
		}

		balances = balancesOf(acct)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(ledgerdomain.TransactionRefund))
	}
	return balances, nil
}

func (s *Service) ConsumedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var consumed int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(-(core_pt_delta + advanced_pt_delta)), 0)
		 FROM ledger_entries
		 WHERE user_id = ? AND transaction_type = ? AND created_at >= ?`,
		strings.TrimSpace(userID),
		ledgerdomain.TransactionConsumption,
		since.UTC(),
	).Scan(&consumed).Error
	if err != nil {
		return 0, err
	}
	return consumed, nil
}

func (s *Service) Replay(ctx context.Context, userID string) (*ledgerdomain.Balances, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}

	var entries []ledgerdomain.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	balances := &ledgerdomain.Balances{}
	for _, entry := range entries {
		balances.CoreRemaining += entry.CorePTDelta
		balances.AdvancedRemaining += entry.AdvancedPTDelta
		if entry.TransactionType == ledgerdomain.TransactionConsumption {
			balances.CoreUsed += -entry.CorePTDelta
			balances.AdvancedUsed += -entry.AdvancedPTDelta
		}
	}
	return balances, nil
}

func (s *Service) List(ctx context.Context, req ledgerdomain.ListRequest) (*ledgerdomain.ListResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	if pageSize > 250 {
		pageSize = 250
	}

	query := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC")
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, err
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, err
		}
		query = query.Where("id < ?", cursorID)
	}

	var entries []*ledgerdomain.LedgerEntry
	if err := query.Limit(pageSize + 1).Find(&entries).Error; err != nil {
		return nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(entries, int32(pageSize), func(entry *ledgerdomain.LedgerEntry) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: entry.ID.String()})
		return token
	})
	if len(entries) > pageSize {
		entries = entries[:pageSize]
	}

	out := make([]ledgerdomain.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, *entry)
	}
	return &ledgerdomain.ListResponse{PageInfo: *pageInfo, Entries: out}, nil
}

func (s *Service) Get(ctx context.Context, entryID string) (*ledgerdomain.LedgerEntry, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(entryID))
	if err != nil {
		return nil, ledgerdomain.ErrEntryNotFound
	}

	var entry ledgerdomain.LedgerEntry
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&entry)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ledgerdomain.ErrEntryNotFound
	}
	return &entry, nil
}

// recordOverflow appends the premium fee entry and updates the per-cycle cap
// record while the account row lock is still held.
func (s *Service) recordOverflow(ctx context.Context, tx *gorm.DB, acct *accountdomain.Account, req ledgerdomain.ConsumptionRequest, now time.Time) error {
	factor := s.metering.Get().OverflowFactor
	if factor < 1 {
		factor = 2.0
	}
	feeUSD := req.ProviderCostUSD * factor

	fee := &ledgerdomain.LedgerEntry{
		ID:                       s.genID.Generate(),
		UserID:                   acct.UserID,
		TransactionType:          ledgerdomain.TransactionOverflowFee,
		ResultingCoreBalance:     acct.CoreRemaining(),
		ResultingAdvancedBalance: acct.AdvancedRemaining(),
		SourceType:               ledgerdomain.SourceTypeAgentUsage,
		SourceID:                 strings.TrimSpace(req.SourceID),
		Metadata: datatypes.JSONMap{
			"overflow_pt": strconv.FormatInt(req.AdvancedPT, 10),
			"fee_usd":     feeUSD,
		},
		CreatedAt: now,
	}
	if err := tx.Create(fee).Error; err != nil {
		return err
	}

	capRecord := &admissiondomain.AdvancedCapRecord{
		ID:         s.genID.Generate(),
		UserID:     acct.UserID,
		CycleStart: acct.BillingCycleStart,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "cycle_start"}},
		DoNothing: true,
	}).Create(capRecord).Error; err != nil {
		return err
	}

	return tx.Model(&admissiondomain.AdvancedCapRecord{}).
		Where("user_id = ? AND cycle_start = ?", acct.UserID, acct.BillingCycleStart).
		Updates(map[string]any{
			"overflow_pt_used": gorm.Expr("overflow_pt_used + ?", req.AdvancedPT),
			"overflow_fee_usd": gorm.Expr("overflow_fee_usd + ?", feeUSD),
			"updated_at":       now,
		}).Error
}

func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, userID string) (*accountdomain.Account, error) {
	var acct accountdomain.Account
	result := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Limit(1).
		Find(&acct)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	return &acct, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, key string) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	result := s.db.WithContext(ctx).Where("idempotency_key = ?", key).Limit(1).Find(&entry)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &entry, nil
}

// balancesAfter reconstructs the response for a deduplicated retry from the
// stored entry, so retries observe the state at first application.
func (s *Service) balancesAfter(ctx context.Context, entry *ledgerdomain.LedgerEntry) (*ledgerdomain.Balances, error) {
	var acct accountdomain.Account
	result := s.db.WithContext(ctx).Where("user_id = ?", entry.UserID).Limit(1).Find(&acct)
	if result.Error != nil {
		return nil, result.Error
	}

	balances := &ledgerdomain.Balances{
		CoreRemaining:     entry.ResultingCoreBalance,
		AdvancedRemaining: entry.ResultingAdvancedBalance,
	}
	if result.RowsAffected > 0 {
		balances.CoreUsed = acct.CorePTUsed
		balances.AdvancedUsed = acct.AdvancedPTUsed
	}
	return balances, nil
}

func balancesOf(acct *accountdomain.Account) *ledgerdomain.Balances {
	return &ledgerdomain.Balances{
		CoreRemaining:     acct.CoreRemaining(),
		AdvancedRemaining: acct.AdvancedRemaining(),
		CoreUsed:          acct.CorePTUsed,
		AdvancedUsed:      acct.AdvancedPTUsed,
	}
}

func normalizeIdempotencyKey(key *string) *string {
	if key == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*key)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
