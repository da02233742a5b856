package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	"github.com/smallbiznis/ptmeter/internal/clock"
	"github.com/smallbiznis/ptmeter/internal/config"
	obsmetrics "github.com/smallbiznis/ptmeter/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	routerdomain "github.com/smallbiznis/ptmeter/internal/router/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultAdvancedModel = "advanced-standard"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Metering   *config.MeteringConfigHolder
	Account    accountdomain.Service
	Pricing    pricingdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	metering   *config.MeteringConfigHolder
	account    accountdomain.Service
	pricing    pricingdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) routerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("router.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		metering:   p.Metering,
		account:    p.Account,
		pricing:    p.Pricing,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Route(ctx context.Context, req routerdomain.RouteRequest) (*routerdomain.RouteResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, routerdomain.ErrInvalidUser
	}

	acct, err := s.account.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	policy, ok := routerdomain.TierPolicies[acct.Tier]
	if !ok {
		policy = routerdomain.TierPolicies[accountdomain.TierFreemium]
	}
	cfg := s.metering.Get()

	requestedClass := req.RequestedClass
	decision := routerdomain.DecisionDefault
	if requestedClass == "" {
		requestedClass = policy.DefaultClass
	}

	resp := &routerdomain.RouteResponse{}
	if requestedClass == pricingdomain.CostClassAdvanced {
		decision, resp.RoutingReason, resp.Warning = s.decideAdvanced(acct, policy, cfg, req.AdvancedBlocked)
		if decision == routerdomain.DecisionDowngraded {
			requestedClass = pricingdomain.CostClassCore
		}
	}

	resp.RoutingDecision = decision
	resp.ModelClass = requestedClass
	resp.Model = s.pickModel(ctx, req.RequestedModel, requestedClass)

	// The emergency override is applied after normal routing and wins over
	// everything else.
	if active, err := s.ActiveMitigation(ctx); err != nil {
		s.log.Warn("mitigation lookup failed, routing without override", zap.Error(err))
	} else if active != nil {
		cheapest := s.pricing.CheapestCore(ctx)
		resp.Model = cheapest.Model
		resp.ModelClass = pricingdomain.CostClassCore
		resp.RoutingDecision = routerdomain.DecisionEmergencyOverride
		resp.RoutingReason = routerdomain.ReasonMarginProtection
		resp.Warning = "platform margin protection is active; all requests run on the core model"
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordRoutingDecision(ctx, string(resp.RoutingDecision), string(resp.RoutingReason))
	}
	return resp, nil
}

func (s *Service) TriggerMitigation(ctx context.Context, reason string, marginPct float64) (*routerdomain.MitigationEvent, error) {
	event := &routerdomain.MitigationEvent{
		ID:        s.genID.Generate(),
		Scope:     routerdomain.ScopePlatform,
		Reason:    reason,
		MarginPct: marginPct,
		CreatedAt: s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}
	s.log.Warn("platform mitigation triggered",
		zap.String("reason", reason),
		zap.Float64("margin_pct", marginPct),
	)
	return event, nil
}

func (s *Service) ActiveMitigation(ctx context.Context) (*routerdomain.MitigationEvent, error) {
	var event routerdomain.MitigationEvent
	result := s.db.WithContext(ctx).
		Where("scope = ?", routerdomain.ScopePlatform).
		Order("created_at DESC").
		Limit(1).
		Find(&event)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	window := time.Duration(s.metering.Get().EmergencyWindow) * time.Hour
	if s.clock.Now().Sub(event.CreatedAt) >= window {
		return nil, nil
	}
	return &event, nil
}

// decideAdvanced applies the tier entitlement rules to an advanced request
// and returns the decision plus the downgrade reason when denied.
func (s *Service) decideAdvanced(acct *accountdomain.Account, policy routerdomain.TierPolicy, cfg config.MeteringConfig, blocked bool) (routerdomain.RoutingDecision, routerdomain.DowngradeReason, string) {
	if !classAllowed(policy, pricingdomain.CostClassAdvanced) {
		return routerdomain.DecisionDowngraded, routerdomain.ReasonTierNotAllowed,
			"this tier does not include advanced models"
	}
	if policy.RequiresUnlock && !acct.AdvancedUnlocked {
		return routerdomain.DecisionDowngraded, routerdomain.ReasonPurchaseRequired,
			"advanced models require the one-time unlock purchase"
	}
	if blocked {
		return routerdomain.DecisionDowngraded, routerdomain.ReasonAdvancedBlocked,
			"advanced usage is currently blocked; routed to core"
	}

	share := acct.AdvancedShare()
	softCap := cfg.SoftCaps[string(acct.Tier)]
	hardCap := softCap + cfg.HardCapDelta
	if share >= hardCap && acct.AdvancedPTPurchased == 0 {
		return routerdomain.DecisionDowngraded, routerdomain.ReasonHardCapBreached,
			"advanced hard cap reached for this cycle; routed to core"
	}
	if acct.AdvancedRemaining() < cfg.BalanceFloorPT[string(pricingdomain.CostClassAdvanced)] {
		return routerdomain.DecisionDowngraded, routerdomain.ReasonInsufficientAdvanced,
			"not enough advanced PT remaining; routed to core"
	}

	budget := softCap
	if policy.Adaptive {
		budget = s.adaptiveBudget(acct, cfg)
		if share >= budget {
			return routerdomain.DecisionDowngraded, routerdomain.ReasonAdaptiveBudgetExceeded,
				fmt.Sprintf("adaptive advanced budget of %.0f%% exhausted; routed to core", budget*100)
		}
	}
	if share >= softCap {
		return routerdomain.DecisionAllowedWithWarning, "",
			fmt.Sprintf("advanced usage at %.0f%% has passed the %.0f%% soft cap", share*100, softCap*100)
	}
	return routerdomain.DecisionAllowed, "", ""
}

// adaptiveBudget recomputes the elastic-tier advanced budget from scratch on
// every call: narrow when the linear run-rate projects past the allocation,
// widen when usage is light with plenty of cycle left.
func (s *Service) adaptiveBudget(acct *accountdomain.Account, cfg config.MeteringConfig) float64 {
	budget := cfg.SoftCaps[string(acct.Tier)]

	total := acct.TotalAllocated()
	cycleDays := acct.BillingCycleEnd.Sub(acct.BillingCycleStart).Hours() / 24
	if total <= 0 || cycleDays <= 0 {
		return budget
	}

	now := s.clock.Now()
	daysElapsed := now.Sub(acct.BillingCycleStart).Hours() / 24
	if daysElapsed < 1 {
		daysElapsed = 1
	}
	daysRemaining := acct.BillingCycleEnd.Sub(now).Hours() / 24

	usedFraction := float64(acct.CorePTUsed+acct.AdvancedPTUsed) / float64(total)
	projected := usedFraction / (daysElapsed / cycleDays)

	if projected >= cfg.AdaptiveNarrowProject {
		return cfg.AdaptiveNarrowBudget
	}
	if usedFraction < cfg.AdaptiveWidenUsage && daysRemaining > float64(cfg.AdaptiveWidenDaysLeft) {
		return cfg.AdaptiveWidenBudget
	}
	return budget
}

// pickModel keeps the requested model when it resolves to the routed class,
// otherwise substitutes the class default.
func (s *Service) pickModel(ctx context.Context, requested string, class pricingdomain.CostClass) string {
	if requested != "" {
		if price, known := s.pricing.Resolve(ctx, requested); known && price.Class == class {
			return price.Model
		}
	}
	if class == pricingdomain.CostClassAdvanced {
		return defaultAdvancedModel
	}
	return s.pricing.CheapestCore(ctx).Model
}

func classAllowed(policy routerdomain.TierPolicy, class pricingdomain.CostClass) bool {
	for _, allowed := range policy.AllowedClasses {
		if allowed == class {
			return true
		}
	}
	return false
}
