package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	admissiondomain "github.com/smallbiznis/ptmeter/internal/admission/domain"
	"github.com/smallbiznis/ptmeter/internal/clock"
	"github.com/smallbiznis/ptmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/ptmeter/internal/ledger/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (accountdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(
		&accountdomain.Account{},
		&ledgerdomain.LedgerEntry{},
		&admissiondomain.AdvancedCapRecord{},
	); err != nil {
		t.Fatal(err)
	}

	node, _ := snowflake.NewNode(2)
	fakeClock := clock.NewFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fakeClock,
		Metering: config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig()),
	})

	svc := NewService(Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fakeClock,
		Ledger: ledgerSvc,
	})
	return svc, db, fakeClock
}

func TestGetOrCreate_GrantsTierAllocation(t *testing.T) {
	svc, db, _ := newTestService(t)

	acct, err := svc.GetOrCreate(context.Background(), "acct-new", accountdomain.TierPro)
	assert.NoError(t, err)
	assert.Equal(t, accountdomain.TierPro, acct.Tier)
	assert.Equal(t, int64(1000), acct.CoreRemaining())
	assert.Equal(t, int64(400), acct.AdvancedRemaining())

	// The grant lands as an allocation entry, not a bare column write.
	var entry ledgerdomain.LedgerEntry
	assert.NoError(t, db.Where("user_id = ?", "acct-new").First(&entry).Error)
	assert.Equal(t, ledgerdomain.TransactionAllocation, entry.TransactionType)
	assert.Equal(t, int64(1000), entry.CorePTDelta)

	// Second call is a lookup, not a second grant.
	again, err := svc.GetOrCreate(context.Background(), "acct-new", accountdomain.TierPro)
	assert.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)

	var count int64
	db.Model(&ledgerdomain.LedgerEntry{}).Where("user_id = ?", "acct-new").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestGetOrCreate_FreemiumHasNoAdvanced(t *testing.T) {
	svc, _, _ := newTestService(t)

	acct, err := svc.GetOrCreate(context.Background(), "acct-free", accountdomain.TierFreemium)
	assert.NoError(t, err)
	assert.Equal(t, int64(50), acct.CoreRemaining())
	assert.Equal(t, int64(0), acct.AdvancedRemaining())
}

func TestResetCycle_RegrantsAndClearsUsage(t *testing.T) {
	svc, db, _ := newTestService(t)

	ctx := context.Background()
	acct, err := svc.GetOrCreate(ctx, "acct-reset", accountdomain.TierEntry)
	assert.NoError(t, err)

	db.Model(&accountdomain.Account{}).Where("id = ?", acct.ID).Updates(map[string]any{
		"core_pt_used":     250,
		"advanced_pt_used": 80,
	})

	reset, err := svc.ResetCycle(ctx, "acct-reset")
	assert.NoError(t, err)
	assert.Equal(t, int64(300), reset.CoreRemaining())
	assert.Equal(t, int64(100), reset.AdvancedRemaining())
	assert.Equal(t, int64(0), reset.CorePTUsed)
	assert.True(t, reset.BillingCycleEnd.After(reset.BillingCycleStart))
}

func TestChangeTier_InvalidTierRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ChangeTier(context.Background(), "acct-any", accountdomain.Tier("platinum"))
	assert.ErrorIs(t, err, accountdomain.ErrInvalidTier)
}

func TestUnlockAdvanced_Idempotent(t *testing.T) {
	svc, _, _ := newTestService(t)

	ctx := context.Background()
	_, err := svc.GetOrCreate(ctx, "acct-unlock", accountdomain.TierEntry)
	assert.NoError(t, err)

	first, err := svc.UnlockAdvanced(ctx, "acct-unlock")
	assert.NoError(t, err)
	assert.True(t, first.AdvancedUnlocked)

	second, err := svc.UnlockAdvanced(ctx, "acct-unlock")
	assert.NoError(t, err)
	assert.True(t, second.AdvancedUnlocked)
}
