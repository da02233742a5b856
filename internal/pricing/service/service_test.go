package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/ptmeter/internal/clock"
	"github.com/smallbiznis/ptmeter/internal/config"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (pricingdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&pricingdomain.ModelPrice{}))

	node, err := snowflake.NewNode(1)
	assert.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fc,
		Metering: config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig()),
	})
	return svc, db, fc
}

func TestResolve_UnknownModelFallsBackToCoreDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)

	price, ok := svc.Resolve(context.Background(), "made-up-model")
	assert.False(t, ok)
	assert.Equal(t, pricingdomain.DefaultCorePrice, price)
}

func TestUpsert_BumpsVersionAndRetiresOldRow(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, pricingdomain.UpsertRequest{
		Model: "advanced-standard", Class: "advanced",
		InputUSDPerMillion: 3.0, OutputUSDPerMillion: 15.0,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	second, err := svc.Upsert(ctx, pricingdomain.UpsertRequest{
		Model: "advanced-standard", Class: "advanced",
		InputUSDPerMillion: 2.5, OutputUSDPerMillion: 12.5,
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	var active []pricingdomain.ModelPrice
	assert.NoError(t, db.Where("model = ? AND active = ?", "advanced-standard", true).Find(&active).Error)
	assert.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Version)

	price, ok := svc.Resolve(ctx, "advanced-standard")
	assert.True(t, ok)
	assert.Equal(t, 2.5, price.InputUSDPerMillion)
}

func TestUpsert_RejectsBadInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, pricingdomain.UpsertRequest{Model: "", Class: "core", InputUSDPerMillion: 1, OutputUSDPerMillion: 1})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidModel)

	_, err = svc.Upsert(ctx, pricingdomain.UpsertRequest{Model: "m", Class: "premium", InputUSDPerMillion: 1, OutputUSDPerMillion: 1})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidCostClass)

	_, err = svc.Upsert(ctx, pricingdomain.UpsertRequest{Model: "m", Class: "core", InputUSDPerMillion: 0, OutputUSDPerMillion: 1})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidUnitPrice)
}

func TestCheapestCore_IgnoresAdvancedModels(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, req := range []pricingdomain.UpsertRequest{
		{Model: "core-standard", Class: "core", InputUSDPerMillion: 0.25, OutputUSDPerMillion: 1.25},
		{Model: "core-mini", Class: "core", InputUSDPerMillion: 0.15, OutputUSDPerMillion: 0.60},
		{Model: "advanced-bargain", Class: "advanced", InputUSDPerMillion: 0.01, OutputUSDPerMillion: 0.05},
	} {
		_, err := svc.Upsert(ctx, req)
		assert.NoError(t, err)
	}

	cheapest := svc.CheapestCore(ctx)
	assert.Equal(t, "core-mini", cheapest.Model)
}

func TestResolve_SnapshotServesCachedUntilStale(t *testing.T) {
	svc, db, fc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, pricingdomain.UpsertRequest{
		Model: "core-standard", Class: "core",
		InputUSDPerMillion: 0.25, OutputUSDPerMillion: 1.25,
	})
	assert.NoError(t, err)

	// Rows written behind the service's back stay invisible inside the
	// staleness window.
	node, err := snowflake.NewNode(9)
	assert.NoError(t, err)
	assert.NoError(t, db.Create(&pricingdomain.ModelPrice{
		ID: node.Generate(), Model: "core-new", Class: pricingdomain.CostClassCore,
		InputUSDPerMillion: 0.10, OutputUSDPerMillion: 0.40,
		Version: 1, Active: true,
	}).Error)

	_, ok := svc.Resolve(ctx, "core-new")
	assert.False(t, ok)

	fc.Advance(61 * time.Minute)

	price, ok := svc.Resolve(ctx, "core-new")
	assert.True(t, ok)
	assert.Equal(t, 0.10, price.InputUSDPerMillion)
}
