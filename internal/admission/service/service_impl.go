package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	admissiondomain "github.com/smallbiznis/ptmeter/internal/admission/domain"
	"github.com/smallbiznis/ptmeter/internal/clock"
	"github.com/smallbiznis/ptmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/ptmeter/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
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
	Account    accountdomain.Service
	Ledger     ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	metering   *config.MeteringConfigHolder
	account    accountdomain.Service
	ledger     ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) admissiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("admission.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		metering:   p.Metering,
		account:    p.Account,
		ledger:     p.Ledger,
		obsMetrics: p.ObsMetrics,
	}
}

// Check runs the admission sequence and short-circuits on the first hard
// block. Rechecking without an intervening consumption yields the same
// decision; the only writes are throttle-expiry cleanup and throttle
// application on a fresh breach.
func (s *Service) Check(ctx context.Context, req admissiondomain.CheckRequest) (*admissiondomain.Decision, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, admissiondomain.ErrInvalidUser
	}
	requestedClass := req.RequestedClass
	if requestedClass == "" {
		requestedClass = pricingdomain.CostClassCore
	}

	acct, err := s.account.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	cfg := s.metering.Get()
	now := s.clock.Now()
	decision := &admissiondomain.Decision{Passed: true}

	// 1. Active throttle.
	if acct.ThrottleActive {
		if acct.ThrottleUntil != nil && now.Before(*acct.ThrottleUntil) {
			remaining := int(acct.ThrottleUntil.Sub(now).Round(time.Minute).Minutes())
			if remaining < 1 {
				remaining = 1
			}
			s.block(ctx, decision, requestedClass, admissiondomain.Block{
				Type:    admissiondomain.BlockThrottleActive,
				Message: fmt.Sprintf("usage is throttled for another %d minutes", remaining),
			})
			return decision, nil
		}
		if err := s.clearThrottle(ctx, acct, now); err != nil {
			return nil, err
		}
	}

	// 2. Burn-rate circuit breaker. Reads fail open: a warning we cannot
	// compute must not block the request.
	windowStart := now.Add(-time.Duration(cfg.BurnRate.WindowHours) * time.Hour)
	consumed, err := s.ledger.ConsumedSince(ctx, userID, windowStart)
	if err != nil {
		s.log.Warn("burn-rate read failed, skipping circuit breaker",
			zap.String("user_id", userID), zap.Error(err))
	} else if allocated := acct.TotalAllocated(); allocated > 0 {
		burnPct := float64(consumed) / float64(allocated)
		decision.BurnRatePct = burnPct
		s.recordSample(ctx, userID, consumed, allocated, burnPct, now)

		if burnPct >= cfg.BurnRate.BlockThreshold {
			minutes := s.applyThrottle(ctx, acct, burnPct, cfg, now)
			s.block(ctx, decision, requestedClass, admissiondomain.Block{
				Type: admissiondomain.BlockBurnRateExceeded,
				Message: fmt.Sprintf("%.0f%% of the monthly allocation used in the last %dh; usage paused for %d minutes",
					burnPct*100, cfg.BurnRate.WindowHours, minutes),
			})
			return decision, nil
		}
		if burnPct >= cfg.BurnRate.WarnThreshold {
			decision.Warnings = append(decision.Warnings, admissiondomain.Warning{
				Type: admissiondomain.WarningBurnRateElevated,
				Message: fmt.Sprintf("%.0f%% of the monthly allocation used in the last %dh",
					burnPct*100, cfg.BurnRate.WindowHours),
			})
		}
	}

	// 3. Advanced two-layer cap.
	if requestedClass == pricingdomain.CostClassAdvanced {
		share := acct.AdvancedShare()
		softCap := cfg.SoftCaps[string(acct.Tier)]
		hardCap := softCap + cfg.HardCapDelta

		if share >= hardCap {
			s.updateCapRecord(ctx, acct, share, true, true, now)
			if acct.AdvancedPTPurchased > 0 {
				// Purchased headroom lets the request through at the
				// premium overflow rate.
				decision.OverflowBilling = true
				decision.Warnings = append(decision.Warnings, admissiondomain.Warning{
					Type: admissiondomain.WarningSoftCapBreached,
					Message: fmt.Sprintf("advanced usage at %.0f%% exceeds the %.0f%% cap; continuing on purchased PT at the overflow rate",
						share*100, hardCap*100),
				})
			} else {
				s.applyHardCapThrottle(ctx, acct, cfg, now)
				s.block(ctx, decision, requestedClass, admissiondomain.Block{
					Type: admissiondomain.BlockHardCapBreached,
					Message: fmt.Sprintf("advanced usage at %.0f%% exceeds the %.0f%% hard cap for this cycle",
						share*100, hardCap*100),
				})
				return decision, nil
			}
		} else if share >= softCap {
			s.updateCapRecord(ctx, acct, share, true, false, now)
			decision.Warnings = append(decision.Warnings, admissiondomain.Warning{
				Type: admissiondomain.WarningSoftCapBreached,
				Message: fmt.Sprintf("advanced usage at %.0f%% has passed the %.0f%% soft cap",
					share*100, softCap*100),
			})
		}
	}

	// 4. Raw balance sufficiency, sized for a medium response.
	required := cfg.BalanceFloorPT[string(requestedClass)]
	available := acct.CoreRemaining()
	if requestedClass == pricingdomain.CostClassAdvanced {
		available = acct.AdvancedRemaining()
	}
	if available < required {
		s.block(ctx, decision, requestedClass, admissiondomain.Block{
			Type: admissiondomain.BlockInsufficientBalance,
			Message: fmt.Sprintf("at least %d %s PT required, %d available",
				required, requestedClass, available),
		})
		return decision, nil
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordAdmissionAllowed(ctx, string(requestedClass))
	}
	return decision, nil
}

func (s *Service) ClearExpiredThrottles(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Model(&accountdomain.Account{}).
		Where("throttle_active = ? AND throttle_until <= ?", true, now).
		Updates(map[string]any{
			"throttle_active": false,
			"throttle_until":  nil,
			"throttle_reason": nil,
			"updated_at":      now,
		})
	return result.RowsAffected, result.Error
}

func (s *Service) PruneSamples(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", olderThan.UTC()).
		Delete(&admissiondomain.BurnRateSample{})
	return result.RowsAffected, result.Error
}

func (s *Service) block(ctx context.Context, decision *admissiondomain.Decision, class pricingdomain.CostClass, blk admissiondomain.Block) {
	decision.Passed = false
	decision.Blocks = append(decision.Blocks, blk)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordAdmissionBlocked(ctx, string(class), string(blk.Type))
	}
}

// clearThrottle releases an expired throttle. The violation count survives so
// repeat offenders within the same cycle still escalate.
func (s *Service) clearThrottle(ctx context.Context, acct *accountdomain.Account, now time.Time) error {
	acct.ThrottleActive = false
	acct.ThrottleUntil = nil
	acct.ThrottleReason = nil
	return s.db.WithContext(ctx).Model(&accountdomain.Account{}).
		Where("id = ?", acct.ID).
		Updates(map[string]any{
			"throttle_active": false,
			"throttle_until":  nil,
			"throttle_reason": nil,
			"updated_at":      now,
		}).Error
}

// applyThrottle picks the cooldown matching the burn severity, multiplies it
// by the per-cycle violation count, and persists the throttle. Returns the
// applied duration in minutes.
func (s *Service) applyThrottle(ctx context.Context, acct *accountdomain.Account, burnPct float64, cfg config.MeteringConfig, now time.Time) int {
	base := cfg.BurnCools[len(cfg.BurnCools)-1].Minutes
	for _, esc := range cfg.BurnCools {
		if burnPct >= esc.Threshold {
			base = esc.Minutes
			break
		}
	}

	violations := acct.ThrottleViolations + 1
	multiplier := violations
	if multiplier > cfg.BurnRate.MaxMultiplier {
		multiplier = cfg.BurnRate.MaxMultiplier
	}
	minutes := base * multiplier

	until := now.Add(time.Duration(minutes) * time.Minute)
	reason := fmt.Sprintf("burn_rate_%.0f_pct", burnPct*100)
	if err := s.db.WithContext(ctx).Model(&accountdomain.Account{}).
		Where("id = ?", acct.ID).
		Updates(map[string]any{
			"throttle_active":     true,
			"throttle_until":      until,
			"throttle_reason":     reason,
			"throttle_violations": violations,
			"updated_at":          now,
		}).Error; err != nil {
		s.log.Error("failed to persist throttle",
			zap.String("user_id", acct.UserID), zap.Error(err))
	}

	s.log.Warn("burn-rate throttle applied",
		zap.String("user_id", acct.UserID),
		zap.Float64("burn_pct", burnPct),
		zap.Int("minutes", minutes),
		zap.Int("violations", violations),
	)
	return minutes
}

func (s *Service) applyHardCapThrottle(ctx context.Context, acct *accountdomain.Account, cfg config.MeteringConfig, now time.Time) {
	violations := acct.ThrottleViolations + 1
	multiplier := violations
	if multiplier > cfg.BurnRate.MaxMultiplier {
		multiplier = cfg.BurnRate.MaxMultiplier
	}
	minutes := cfg.HardCapMinutes * multiplier

	until := now.Add(time.Duration(minutes) * time.Minute)
	if err := s.db.WithContext(ctx).Model(&accountdomain.Account{}).
		Where("id = ?", acct.ID).
		Updates(map[string]any{
			"throttle_active":     true,
			"throttle_until":      until,
			"throttle_reason":     "advanced_hard_cap",
			"throttle_violations": violations,
			"updated_at":          now,
		}).Error; err != nil {
		s.log.Error("failed to persist hard-cap throttle",
			zap.String("user_id", acct.UserID), zap.Error(err))
	}
}

// recordSample persists the burn-rate point for trend reporting. Failures
// are logged and swallowed; samples never gate admission.
func (s *Service) recordSample(ctx context.Context, userID string, consumed, allocated int64, burnPct float64, now time.Time) {
	sample := &admissiondomain.BurnRateSample{
		ID:          s.genID.Generate(),
		UserID:      userID,
		ConsumedPT:  consumed,
		AllocatedPT: allocated,
		BurnPct:     burnPct,
		CreatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(sample).Error; err != nil {
		s.log.Warn("failed to record burn-rate sample",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) updateCapRecord(ctx context.Context, acct *accountdomain.Account, share float64, soft, hard bool, now time.Time) {
	record := &admissiondomain.AdvancedCapRecord{
		ID:                 s.genID.Generate(),
		UserID:             acct.UserID,
		CycleStart:         acct.BillingCycleStart,
		SoftCapBreached:    soft,
		HardCapBreached:    hard,
		AdvancedPercentage: share,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "cycle_start"}},
		DoUpdates: clause.Assignments(map[string]any{
			"soft_cap_breached":   soft,
			"hard_cap_breached":   hard,
			"advanced_percentage": share,
			"updated_at":          now,
		}),
	}).Create(record).Error
	if err != nil {
		s.log.Warn("failed to update advanced cap record",
			zap.String("user_id", acct.UserID), zap.Error(err))
	}
}
