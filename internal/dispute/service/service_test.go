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
	disputedomain "github.com/smallbiznis/ptmeter/internal/dispute/domain"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/ptmeter/internal/ledger/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc    disputedomain.Service
	db     *gorm.DB
	ledger ledgerdomain.Service
	node   *snowflake.Node
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
		&disputedomain.Dispute{},
	); err != nil {
		t.Fatal(err)
	}

	node, _ := snowflake.NewNode(6)
	fakeClock := clock.NewFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock,
		Metering: config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig()),
	})
	svc := NewService(Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Ledger: ledgerSvc,
	})
	return &fixture{svc: svc, db: db, ledger: ledgerSvc, node: node}
}

func (f *fixture) seedConsumption(t *testing.T, userID string, core, advanced int64) *ledgerdomain.LedgerEntry {
	t.Helper()

	cycleStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	err := f.db.Create(&accountdomain.Account{
		ID:                  f.node.Generate(),
		UserID:              userID,
		Tier:                accountdomain.TierPro,
		CorePTAllocated:     1000,
		AdvancedPTAllocated: 400,
		BillingCycleStart:   cycleStart,
		BillingCycleEnd:     cycleStart.AddDate(0, 1, 0),
	}).Error
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.ledger.RecordConsumption(context.Background(), ledgerdomain.ConsumptionRequest{
		UserID: userID, CorePT: core, AdvancedPT: advanced, SourceID: "req",
	})
	if err != nil {
		t.Fatal(err)
	}

	var entry ledgerdomain.LedgerEntry
	if err := f.db.Where("user_id = ? AND transaction_type = ?", userID, ledgerdomain.TransactionConsumption).
		First(&entry).Error; err != nil {
		t.Fatal(err)
	}
	return &entry
}

func TestOpen_SnapshotsDisputedAmounts(t *testing.T) {
	f := newFixture(t)
	entry := f.seedConsumption(t, "dsp-open", 3, 2)

	dispute, err := f.svc.Open(context.Background(), disputedomain.OpenRequest{
		UserID:        "dsp-open",
		LedgerEntryID: entry.ID.String(),
		DisputeType:   disputedomain.DisputeOvercharge,
		Reason:        "response was cut off",
	})
	assert.NoError(t, err)
	assert.Equal(t, disputedomain.StatusOpen, dispute.Status)
	assert.Equal(t, int64(3), dispute.DisputedCorePT)
	assert.Equal(t, int64(2), dispute.DisputedAdvancedPT)
}

func TestOpen_RejectsForeignAndNonConsumptionEntries(t *testing.T) {
	f := newFixture(t)
	entry := f.seedConsumption(t, "dsp-owner", 3, 0)

	_, err := f.svc.Open(context.Background(), disputedomain.OpenRequest{
		UserID:        "dsp-other",
		LedgerEntryID: entry.ID.String(),
		DisputeType:   disputedomain.DisputeOvercharge,
	})
	assert.ErrorIs(t, err, disputedomain.ErrEntryNotOwned)

	_, err = f.ledger.RecordAllocation(context.Background(), ledgerdomain.AllocationRequest{
		UserID: "dsp-owner", CorePT: 100, SourceID: "topup-1",
	})
	assert.NoError(t, err)

	var allocation ledgerdomain.LedgerEntry
	assert.NoError(t, f.db.Where("user_id = ? AND transaction_type = ?", "dsp-owner", ledgerdomain.TransactionAllocation).
		First(&allocation).Error)

	_, err = f.svc.Open(context.Background(), disputedomain.OpenRequest{
		UserID:        "dsp-owner",
		LedgerEntryID: allocation.ID.String(),
		DisputeType:   disputedomain.DisputeOvercharge,
	})
	assert.ErrorIs(t, err, disputedomain.ErrNotDisputable)
}

func TestOpen_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	entry := f.seedConsumption(t, "dsp-dup", 3, 0)

	ctx := context.Background()
	_, err := f.svc.Open(ctx, disputedomain.OpenRequest{
		UserID: "dsp-dup", LedgerEntryID: entry.ID.String(),
		DisputeType: disputedomain.DisputeDuplicate,
	})
	assert.NoError(t, err)

	_, err = f.svc.Open(ctx, disputedomain.OpenRequest{
		UserID: "dsp-dup", LedgerEntryID: entry.ID.String(),
		DisputeType: disputedomain.DisputeDuplicate,
	})
	assert.ErrorIs(t, err, disputedomain.ErrAlreadyDisputed)
}

func TestResolve_ApprovalCreatesRefundEntry(t *testing.T) {
	f := newFixture(t)
	entry := f.seedConsumption(t, "dsp-approve", 3, 2)

	ctx := context.Background()
	dispute, err := f.svc.Open(ctx, disputedomain.OpenRequest{
		UserID: "dsp-approve", LedgerEntryID: entry.ID.String(),
		DisputeType: disputedomain.DisputeFailedRequest,
	})
	assert.NoError(t, err)

	resolved, err := f.svc.Resolve(ctx, disputedomain.ResolveRequest{
		DisputeID: dispute.ID.String(),
		Decision:  disputedomain.DecisionApproved,
	})
	assert.NoError(t, err)
	assert.Equal(t, disputedomain.StatusResolved, resolved.Status)
	assert.Equal(t, disputedomain.DecisionApproved, resolved.AdminDecision)
	assert.Equal(t, int64(3), resolved.RefundCorePT)
	assert.Equal(t, int64(2), resolved.RefundAdvPT)

	// History is untouched: the consumption entry stays, a refund entry is
	// appended, and the balances net out.
	var original ledgerdomain.LedgerEntry
	assert.NoError(t, f.db.Where("id = ?", entry.ID).First(&original).Error)
	assert.Equal(t, int64(-3), original.CorePTDelta)

	var refund ledgerdomain.LedgerEntry
	assert.NoError(t, f.db.Where("user_id = ? AND transaction_type = ?", "dsp-approve", ledgerdomain.TransactionRefund).
		First(&refund).Error)
	assert.Equal(t, int64(3), refund.CorePTDelta)
	assert.Equal(t, int64(2), refund.AdvancedPTDelta)
	assert.Equal(t, ledgerdomain.SourceTypeDispute, refund.SourceType)

	var acct accountdomain.Account
	assert.NoError(t, f.db.Where("user_id = ?", "dsp-approve").First(&acct).Error)
	assert.Equal(t, int64(1000), acct.CoreRemaining())
	assert.Equal(t, int64(400), acct.AdvancedRemaining())
}

func TestResolve_DenialRefundsNothing(t *testing.T) {
	f := newFixture(t)
	entry := f.seedConsumption(t, "dsp-deny", 3, 0)

	ctx := context.Background()
	dispute, err := f.svc.Open(ctx, disputedomain.OpenRequest{
		UserID: "dsp-deny", LedgerEntryID: entry.ID.String(),
		DisputeType: disputedomain.DisputeOvercharge,
	})
	assert.NoError(t, err)

	resolved, err := f.svc.Resolve(ctx, disputedomain.ResolveRequest{
		DisputeID: dispute.ID.String(),
		Decision:  disputedomain.DecisionDenied,
	})
	assert.NoError(t, err)
	assert.Equal(t, disputedomain.DecisionDenied, resolved.AdminDecision)

	var count int64
	f.db.Model(&ledgerdomain.LedgerEntry{}).
		Where("user_id = ? AND transaction_type = ?", "dsp-deny", ledgerdomain.TransactionRefund).
		Count(&count)
	assert.Equal(t, int64(0), count)

	// Resolution is final.
	_, err = f.svc.Resolve(ctx, disputedomain.ResolveRequest{
		DisputeID: dispute.ID.String(),
		Decision:  disputedomain.DecisionApproved,
	})
	assert.ErrorIs(t, err, disputedomain.ErrAlreadyResolved)
}

func TestResolve_RefundCannotExceedCharge(t *testing.T) {
	f := newFixture(t)
	entry := f.seedConsumption(t, "dsp-excess", 3, 0)

	ctx := context.Background()
	dispute, err := f.svc.Open(ctx, disputedomain.OpenRequest{
		UserID: "dsp-excess", LedgerEntryID: entry.ID.String(),
		DisputeType: disputedomain.DisputeOvercharge,
	})
	assert.NoError(t, err)

	_, err = f.svc.Resolve(ctx, disputedomain.ResolveRequest{
		DisputeID:    dispute.ID.String(),
		Decision:     disputedomain.DecisionApproved,
		RefundCorePT: 50,
	})
	assert.ErrorIs(t, err, disputedomain.ErrInvalidRefund)
}
