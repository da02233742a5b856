package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	accountservice "github.com/smallbiznis/ptmeter/internal/account/service"
	admissiondomain "github.com/smallbiznis/ptmeter/internal/admission/domain"
	"github.com/smallbiznis/ptmeter/internal/clock"
	"github.com/smallbiznis/ptmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/ptmeter/internal/ledger/service"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	routerdomain "github.com/smallbiznis/ptmeter/internal/router/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type pricingStub struct{}

func (pricingStub) Resolve(_ context.Context, model string) (pricingdomain.Price, bool) {
	switch model {
	case "core-standard", "core-mini":
		return pricingdomain.Price{Model: model, Class: pricingdomain.CostClassCore}, true
	case "advanced-standard":
		return pricingdomain.Price{Model: model, Class: pricingdomain.CostClassAdvanced}, true
	}
	return pricingdomain.DefaultCorePrice, false
}

func (pricingStub) CheapestCore(context.Context) pricingdomain.Price {
	return pricingdomain.Price{Model: "core-mini", Class: pricingdomain.CostClassCore}
}
func (pricingStub) Refresh(context.Context) error { return nil }
func (pricingStub) Upsert(context.Context, pricingdomain.UpsertRequest) (*pricingdomain.ModelPrice, error) {
	return nil, nil
}
func (pricingStub) List(context.Context) ([]pricingdomain.ModelPrice, error) { return nil, nil }

type fixture struct {
	svc   routerdomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	acct  accountdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(
		&accountdomain.Account{},
		&ledgerdomain.LedgerEntry{},
		&admissiondomain.AdvancedCapRecord{},
		&routerdomain.MitigationEvent{},
	); err != nil {
		t.Fatal(err)
	}

	node, _ := snowflake.NewNode(4)
	fakeClock := clock.NewFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	metering := config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig())

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Metering: metering,
	})
	acctSvc := accountservice.NewService(accountservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Ledger: ledgerSvc,
	})
	svc := NewService(Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock,
		Metering: metering, Account: acctSvc, Pricing: pricingStub{},
	})
	return &fixture{svc: svc, db: db, clock: fakeClock, acct: acctSvc}
}

func (f *fixture) provision(t *testing.T, userID string, tier accountdomain.Tier) *accountdomain.Account {
	t.Helper()
	acct, err := f.acct.GetOrCreate(context.Background(), userID, tier)
	if err != nil {
		t.Fatal(err)
	}
	return acct
}

func (f *fixture) setUsage(t *testing.T, acct *accountdomain.Account, core, advanced int64) {
	t.Helper()
	err := f.db.Model(&accountdomain.Account{}).Where("id = ?", acct.ID).Updates(map[string]any{
		"core_pt_used":     core,
		"advanced_pt_used": advanced,
	}).Error
	if err != nil {
		t.Fatal(err)
	}
}

func TestRoute_DefaultClassForTier(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "rt-default", accountdomain.TierPro)

	resp, err := f.svc.Route(context.Background(), routerdomain.RouteRequest{UserID: "rt-default"})
	assert.NoError(t, err)
	assert.Equal(t, routerdomain.DecisionDefault, resp.RoutingDecision)
	assert.Equal(t, pricingdomain.CostClassCore, resp.ModelClass)
	assert.Equal(t, "core-mini", resp.Model)
}

func TestRoute_FreemiumAdvancedDowngraded(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "rt-free", accountdomain.TierFreemium)

	resp, err := f.svc.Route(context.Background(), routerdomain.RouteRequest{
		UserID:         "rt-free",
		RequestedClass: pricingdomain.CostClassAdvanced,
	})
	assert.NoError(t, err)
	assert.Equal(t, routerdomain.DecisionDowngraded, resp.RoutingDecision)
	assert.Equal(t, routerdomain.ReasonTierNotAllowed, resp.RoutingReason)
	assert.Equal(t, pricingdomain.CostClassCore, resp.ModelClass)
}

func TestRoute_EntryRequiresUnlock(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "rt-entry", accountdomain.TierEntry)

	ctx := context.Background()
	resp, err := f.svc.Route(ctx, routerdomain.RouteRequest{
		UserID:         "rt-entry",
		RequestedClass: pricingdomain.CostClassAdvanced,
	})
	assert.NoError(t, err)
	assert.Equal(t, routerdomain.DecisionDowngraded, resp.RoutingDecision)
	assert.Equal(t, routerdomain.ReasonPurchaseRequired, resp.RoutingReason)

	_, err = f.acct.UnlockAdvanced(ctx, "rt-entry")
	assert.NoError(t, err)

	resp, err = f.svc.Route(ctx, routerdomain.RouteRequest{
		UserID:         "rt-entry",
		RequestedClass: pricingdomain.CostClassAdvanced,
	})
	assert.NoError(t, err)
	assert.Equal(t, routerdomain.DecisionAllowed, resp.RoutingDecision)
	assert.Equal(t, "advanced-standard", resp.Model)
}

func TestRoute_AdmissionBlockDowngrades(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "rt-blocked", accountdomain.TierPro)

	resp, err := f.svc.Route(context.Background(), routerdomain.RouteRequest{
		UserID:          "rt-blocked",
		RequestedClass:  pricingdomain.CostClassAdvanced,
		AdvancedBlocked: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, routerdomain.DecisionDowngraded, resp.RoutingDecision)
	assert.Equal(t, routerdomain.ReasonAdvancedBlocked, resp.RoutingReason)
}

func TestRoute_ExhaustedAdvancedBalanceDowngrades(t *testing.T) {
	f := newFixture(t)
	acct := f.provision(t, "rt-broke", accountdomain.TierPro)

	// 396 of 400 advanced PT gone: under the hard cap share but below the
	// 7 PT floor.
	f.setUsage(t, acct, 0, 396)

	resp, err := f.svc.Route(context.Background(), routerdomain.RouteRequest{
		UserID:         "rt-broke",
		RequestedClass: pricingdomain.CostClassAdvanced,
	})
	assert.NoError(t, err)
	assert.Equal(t, routerdomain.DecisionDowngraded, resp.RoutingDecision)
	assert.Equal(t, routerdomain.ReasonInsufficientAdvanced, resp.RoutingReason)
	assert.Equal(t, pricingdomain.CostClassCore, resp.ModelClass)
}

func TestRoute_SoftCapPassesWithWarning(t *testing.T) {
	f := newFixture(t)
	acct := f.provision(t, "rt-soft", accountdomain.TierPro)

	// 360/1400 = 25.7%, past the pro 25% soft cap with 40 PT left.
	f.setUsage(t, acct, 0, 360)

	resp, err := f.svc.Route(context.Background(), routerdomain.RouteRequest{
		UserID:         "rt-soft",
		RequestedClass: pricingdomain.CostClassAdvanced,
	})
	assert.NoError(t, err)
	assert.Equal(t, routerdomain.DecisionAllowedWithWarning, resp.RoutingDecision)
	assert.Equal(t, pricingdomain.CostClassAdvanced, resp.ModelClass)
	assert.NotEmpty(t, resp.Warning)
}

func TestRoute_AdaptiveNarrowDowngrades(t *testing.T) {
	f := newFixture(t)
	acct := f.provision(t, "rt-elastic", accountdomain.TierBusiness)

	// Heavy early usage: 2900/7000 on day one projects far past the
	// allocation, narrowing the budget to 15%; the 20% advanced share then
	// exceeds it.
	f.setUsage(t, acct, 1500, 1400)

	resp, err := f.svc.Route(context.Background(), routerdomain.RouteRequest{
		UserID:         "rt-elastic",
		RequestedClass: pricingdomain.CostClassAdvanced,
	})
	assert.NoError(t, err)
	assert.Equal(t, routerdomain.DecisionDowngraded, resp.RoutingDecision)
	assert.Equal(t, routerdomain.ReasonAdaptiveBudgetExceeded, resp.RoutingReason)
}

func TestAdaptiveBudget_WidensAndNarrows(t *testing.T) {
	f := newFixture(t)
	svc := f.svc.(*Service)
	cfg := config.DefaultMeteringConfig()

	cycleStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	acct := &accountdomain.Account{
		Tier:                accountdomain.TierBusiness,
		CorePTAllocated:     5000,
		AdvancedPTAllocated: 2000,
		BillingCycleStart:   cycleStart,
		BillingCycleEnd:     cycleStart.AddDate(0, 1, 0),
	}

	// Day 10 of 31, 10% used: light usage with >15 days left widens.
	acct.CorePTUsed = 500
	acct.AdvancedPTUsed = 200
	assert.InDelta(t, cfg.AdaptiveWidenBudget, svc.adaptiveBudget(acct, cfg), 1e-9)

	// 60% used by day 10 projects to ~186% of allocation: narrows.
	acct.CorePTUsed = 3500
	acct.AdvancedPTUsed = 700
	assert.InDelta(t, cfg.AdaptiveNarrowBudget, svc.adaptiveBudget(acct, cfg), 1e-9)

	// Late in the cycle with on-pace usage neither rule fires and the tier
	// soft cap stands.
	acct.BillingCycleStart = time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC)
	acct.BillingCycleEnd = time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
	acct.CorePTUsed = 2700
	acct.AdvancedPTUsed = 100
	assert.InDelta(t, cfg.SoftCaps["business"], svc.adaptiveBudget(acct, cfg), 1e-9)
}

func TestRoute_EmergencyOverrideWinsAndExpires(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "rt-emergency", accountdomain.TierEnterprise)

	ctx := context.Background()
	_, err := f.svc.TriggerMitigation(ctx, "platform margin below floor", 0.31)
	assert.NoError(t, err)

	resp, err := f.svc.Route(ctx, routerdomain.RouteRequest{
		UserID:         "rt-emergency",
		RequestedClass: pricingdomain.CostClassAdvanced,
		RequestedModel: "advanced-standard",
	})
	assert.NoError(t, err)
	assert.Equal(t, routerdomain.DecisionEmergencyOverride, resp.RoutingDecision)
	assert.Equal(t, routerdomain.ReasonMarginProtection, resp.RoutingReason)
	assert.Equal(t, "core-mini", resp.Model)
	assert.Equal(t, pricingdomain.CostClassCore, resp.ModelClass)

	// Past the 12 hour window the override lapses.
	f.clock.Advance(13 * time.Hour)
	resp, err = f.svc.Route(ctx, routerdomain.RouteRequest{
		UserID:         "rt-emergency",
		RequestedClass: pricingdomain.CostClassAdvanced,
		RequestedModel: "advanced-standard",
	})
	assert.NoError(t, err)
	assert.Equal(t, routerdomain.DecisionAllowed, resp.RoutingDecision)
	assert.Equal(t, "advanced-standard", resp.Model)
}
