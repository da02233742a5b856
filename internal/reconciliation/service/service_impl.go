package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ptmeter/internal/clock"
	"github.com/smallbiznis/ptmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/ptmeter/internal/observability/metrics"
	"github.com/smallbiznis/ptmeter/internal/providers/slack"
	reconciliationdomain "github.com/smallbiznis/ptmeter/internal/reconciliation/domain"
	routerdomain "github.com/smallbiznis/ptmeter/internal/router/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dateLayout = "2006-01-02"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Metering   *config.MeteringConfigHolder
	Router     routerdomain.Service
	Slack      slack.Provider
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	metering   *config.MeteringConfigHolder
	router     routerdomain.Service
	slack      slack.Provider
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) reconciliationdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconciliation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config,
		metering:   p.Metering,
		router:     p.Router,
		slack:      p.Slack,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ReconcileDay(ctx context.Context, date time.Time) (*reconciliationdomain.ReconciliationRecord, error) {
	dayStart := date.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	dateKey := dayStart.Format(dateLayout)

	var totalCost float64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(provider_cost_usd), 0)
		 FROM ledger_entries
		 WHERE transaction_type = ? AND created_at >= ? AND created_at < ?`,
		ledgerdomain.TransactionConsumption, dayStart, dayEnd,
	).Scan(&totalCost).Error
	if err != nil {
		s.recordRun(ctx, "error")
		return nil, err
	}

	var totalRevenue float64
	err = s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_usd), 0)
		 FROM revenue_records
		 WHERE occurred_at >= ? AND occurred_at < ?`,
		dayStart, dayEnd,
	).Scan(&totalRevenue).Error
	if err != nil {
		s.recordRun(ctx, "error")
		return nil, err
	}

	marginFloor := s.metering.Get().MarginFloor
	var marginPct float64
	if totalRevenue > 0 {
		marginPct = (totalRevenue - totalCost) / totalRevenue
	}
	lowMargin := (totalRevenue > 0 && marginPct < marginFloor) ||
		(totalRevenue == 0 && totalCost > 0)

	now := s.clock.Now()
	record := &reconciliationdomain.ReconciliationRecord{
		ID:                   s.genID.Generate(),
		Date:                 dateKey,
		TotalProviderCostUSD: totalCost,
		TotalRevenueUSD:      totalRevenue,
		MarginPct:            marginPct,
		LowMargin:            lowMargin,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"total_provider_cost_usd": totalCost,
			"total_revenue_usd":       totalRevenue,
			"margin_pct":              marginPct,
			"low_margin":              lowMargin,
			"updated_at":              now,
		}),
	}).Create(record).Error
	if err != nil {
		s.recordRun(ctx, "error")
		return nil, err
	}

	if lowMargin {
		s.raiseLowMargin(ctx, dateKey, marginPct, totalCost, totalRevenue)
		s.recordRun(ctx, "low_margin")
	} else {
		s.recordRun(ctx, "ok")
	}

	s.log.Info("daily reconciliation complete",
		zap.String("date", dateKey),
		zap.Float64("provider_cost_usd", totalCost),
		zap.Float64("revenue_usd", totalRevenue),
		zap.Float64("margin_pct", marginPct),
		zap.Bool("low_margin", lowMargin),
	)
	return s.GetDay(ctx, dayStart)
}

func (s *Service) RollupMonth(ctx context.Context, userID string, year int, month time.Month) (*reconciliationdomain.MonthlySummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, reconciliationdomain.ErrInvalidUser
	}
	if year < 2000 || month < time.January || month > time.December {
		return nil, reconciliationdomain.ErrInvalidInterval
	}

	monthStart := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	var agg struct {
		CorePTUsed      int64
		AdvancedPTUsed  int64
		RequestCount    int64
		ProviderCostUSD float64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT
		   COALESCE(SUM(-core_pt_delta), 0) AS core_pt_used,
		   COALESCE(SUM(-advanced_pt_delta), 0) AS advanced_pt_used,
		   COUNT(*) AS request_count,
		   COALESCE(SUM(provider_cost_usd), 0) AS provider_cost_usd
		 FROM ledger_entries
		 WHERE user_id = ? AND transaction_type = ? AND created_at >= ? AND created_at < ?`,
		userID, ledgerdomain.TransactionConsumption, monthStart, monthEnd,
	).Scan(&agg).Error
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	summary := &reconciliationdomain.MonthlySummary{
		ID:              s.genID.Generate(),
		UserID:          userID,
		Year:            year,
		Month:           int(month),
		CorePTUsed:      agg.CorePTUsed,
		AdvancedPTUsed:  agg.AdvancedPTUsed,
		RequestCount:    agg.RequestCount,
		ProviderCostUSD: agg.ProviderCostUSD,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "year"}, {Name: "month"}},
		DoUpdates: clause.Assignments(map[string]any{
			"core_pt_used":      agg.CorePTUsed,
			"advanced_pt_used":  agg.AdvancedPTUsed,
			"request_count":     agg.RequestCount,
			"provider_cost_usd": agg.ProviderCostUSD,
			"updated_at":        now,
		}),
	}).Create(summary).Error
	if err != nil {
		return nil, err
	}

	var stored reconciliationdomain.MonthlySummary
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND year = ? AND month = ?", userID, year, int(month)).
		First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Service) RecordRevenue(ctx context.Context, req reconciliationdomain.RecordRevenueRequest) (*reconciliationdomain.RevenueRecord, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, reconciliationdomain.ErrInvalidUser
	}
	if req.AmountUSD <= 0 {
		return nil, reconciliationdomain.ErrInvalidAmount
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}
	record := &reconciliationdomain.RevenueRecord{
		ID:         s.genID.Generate(),
		UserID:     userID,
		AmountUSD:  req.AmountUSD,
		Source:     strings.TrimSpace(req.Source),
		OccurredAt: occurredAt.UTC(),
		CreatedAt:  s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) GetDay(ctx context.Context, date time.Time) (*reconciliationdomain.ReconciliationRecord, error) {
	dateKey := date.UTC().Truncate(24 * time.Hour).Format(dateLayout)

	var record reconciliationdomain.ReconciliationRecord
	result := s.db.WithContext(ctx).Where("date = ?", dateKey).Limit(1).Find(&record)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, reconciliationdomain.ErrRecordNotFound
	}
	return &record, nil
}

// raiseLowMargin fans the alert out to slack and starts the platform
// mitigation window. Neither failure fails the reconciliation run.
func (s *Service) raiseLowMargin(ctx context.Context, dateKey string, marginPct, cost, revenue float64) {
	message := fmt.Sprintf(
		":rotating_light: low margin on %s: %.1f%% (cost $%.2f, revenue $%.2f)",
		dateKey, marginPct*100, cost, revenue,
	)
	if err := s.slack.PostMessage(ctx, s.cfg.SlackChannel, message); err != nil {
		s.log.Warn("low-margin alert delivery failed", zap.Error(err))
	}

	if _, err := s.router.TriggerMitigation(ctx, "daily_margin_below_floor", marginPct); err != nil {
		s.log.Error("failed to trigger platform mitigation", zap.Error(err))
	}
}

func (s *Service) recordRun(ctx context.Context, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordReconcileRun(ctx, outcome)
	}
}
