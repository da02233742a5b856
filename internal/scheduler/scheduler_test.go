package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	admissiondomain "github.com/smallbiznis/ptmeter/internal/admission/domain"
	"github.com/smallbiznis/ptmeter/internal/clock"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	reconciliationdomain "github.com/smallbiznis/ptmeter/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockAccountSvc struct {
	resets []string
}

func (m *mockAccountSvc) GetOrCreate(context.Context, string, accountdomain.Tier) (*accountdomain.Account, error) {
	return nil, nil
}
func (m *mockAccountSvc) Get(context.Context, string) (*accountdomain.Account, error) {
	return nil, nil
}
func (m *mockAccountSvc) ResetCycle(_ context.Context, userID string) (*accountdomain.Account, error) {
	m.resets = append(m.resets, userID)
	return &accountdomain.Account{UserID: userID}, nil
}
func (m *mockAccountSvc) ChangeTier(context.Context, string, accountdomain.Tier) (*accountdomain.Account, error) {
	return nil, nil
}
func (m *mockAccountSvc) UnlockAdvanced(context.Context, string) (*accountdomain.Account, error) {
	return nil, nil
}

type mockAdmissionSvc struct {
	clearCalls  int
	pruneCutoff time.Time
}

func (m *mockAdmissionSvc) Check(context.Context, admissiondomain.CheckRequest) (*admissiondomain.Decision, error) {
	return &admissiondomain.Decision{Passed: true}, nil
}
func (m *mockAdmissionSvc) ClearExpiredThrottles(context.Context) (int64, error) {
	m.clearCalls++
	return 2, nil
}
func (m *mockAdmissionSvc) PruneSamples(_ context.Context, olderThan time.Time) (int64, error) {
	m.pruneCutoff = olderThan
	return 0, nil
}

type mockReconciliationSvc struct {
	days      []time.Time
	rollups   []string
	reconcile func(date time.Time) error
}

func (m *mockReconciliationSvc) ReconcileDay(_ context.Context, date time.Time) (*reconciliationdomain.ReconciliationRecord, error) {
	m.days = append(m.days, date)
	if m.reconcile != nil {
		if err := m.reconcile(date); err != nil {
			return nil, err
		}
	}
	return &reconciliationdomain.ReconciliationRecord{}, nil
}
func (m *mockReconciliationSvc) RollupMonth(_ context.Context, userID string, year int, month time.Month) (*reconciliationdomain.MonthlySummary, error) {
	m.rollups = append(m.rollups, userID)
	return &reconciliationdomain.MonthlySummary{UserID: userID, Year: year, Month: int(month)}, nil
}
func (m *mockReconciliationSvc) RecordRevenue(context.Context, reconciliationdomain.RecordRevenueRequest) (*reconciliationdomain.RevenueRecord, error) {
	return nil, nil
}
func (m *mockReconciliationSvc) GetDay(context.Context, time.Time) (*reconciliationdomain.ReconciliationRecord, error) {
	return nil, nil
}

type fixture struct {
	sched          *Scheduler
	db             *gorm.DB
	clock          *clock.FakeClock
	account        *mockAccountSvc
	admission      *mockAdmissionSvc
	reconciliation *mockReconciliationSvc
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&accountdomain.Account{}, &ledgerdomain.LedgerEntry{}))

	fc := clock.NewFakeClock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		db:             db,
		clock:          fc,
		account:        &mockAccountSvc{},
		admission:      &mockAdmissionSvc{},
		reconciliation: &mockReconciliationSvc{},
	}

	sched, err := New(Params{
		DB:                db,
		Log:               zap.NewNop(),
		Clock:             fc,
		AccountSvc:        f.account,
		AdmissionSvc:      f.admission,
		ReconciliationSvc: f.reconciliation,
		Config:            cfg,
	})
	assert.NoError(t, err)
	f.sched = sched
	return f
}

func (f *fixture) seedAccount(t *testing.T, node *snowflake.Node, userID string, cycleEnd time.Time) {
	t.Helper()
	assert.NoError(t, f.db.Create(&accountdomain.Account{
		ID:                node.Generate(),
		UserID:            userID,
		Tier:              accountdomain.TierPro,
		BillingCycleStart: cycleEnd.AddDate(0, -1, 0),
		BillingCycleEnd:   cycleEnd,
	}).Error)
}

func (f *fixture) seedConsumption(t *testing.T, node *snowflake.Node, userID string, at time.Time) {
	t.Helper()
	assert.NoError(t, f.db.Create(&ledgerdomain.LedgerEntry{
		ID:              node.Generate(),
		UserID:          userID,
		TransactionType: ledgerdomain.TransactionConsumption,
		CorePTDelta:     -3,
		SourceType:      ledgerdomain.SourceTypeAgentUsage,
		SourceID:        "req-" + userID,
		CreatedAt:       at,
	}).Error)
}

func TestRunOnce_RunsEveryJob(t *testing.T) {
	f := newFixture(t, Config{SampleRetention: 10 * 24 * time.Hour})
	node, err := snowflake.NewNode(1)
	assert.NoError(t, err)
	now := f.clock.Now()

	f.seedAccount(t, node, "user-lapsed", now.Add(-time.Hour))
	f.seedAccount(t, node, "user-current", now.Add(72*time.Hour))
	f.seedConsumption(t, node, "user-lapsed", now.Add(-48*time.Hour))
	f.seedConsumption(t, node, "user-current", now.Add(-time.Hour))
	// Last month's consumption must not show up in the rollup batch.
	f.seedConsumption(t, node, "user-stale", now.AddDate(0, -1, -2))
	// Allocations never count as consumption.
	assert.NoError(t, f.db.Create(&ledgerdomain.LedgerEntry{
		ID:              node.Generate(),
		UserID:          "user-granted",
		TransactionType: ledgerdomain.TransactionAllocation,
		CorePTDelta:     1000,
		SourceType:      ledgerdomain.SourceTypeSubscription,
		SourceID:        "signup:pro",
		CreatedAt:       now.Add(-time.Hour),
	}).Error)

	assert.NoError(t, f.sched.RunOnce(context.Background()))

	assert.Len(t, f.reconciliation.days, 1)
	assert.WithinDuration(t, now.Add(-24*time.Hour), f.reconciliation.days[0], time.Second)

	assert.ElementsMatch(t, []string{"user-lapsed", "user-current"}, f.reconciliation.rollups)
	assert.Equal(t, []string{"user-lapsed"}, f.account.resets)
	assert.Equal(t, 1, f.admission.clearCalls)
	assert.WithinDuration(t, now.Add(-10*24*time.Hour), f.admission.pruneCutoff, time.Second)
}

func TestRunOnce_EnabledJobsFilter(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"clear_throttles"}})

	assert.NoError(t, f.sched.RunOnce(context.Background()))

	assert.Equal(t, 1, f.admission.clearCalls)
	assert.Empty(t, f.reconciliation.days)
	assert.Empty(t, f.reconciliation.rollups)
	assert.Empty(t, f.account.resets)
	assert.True(t, f.admission.pruneCutoff.IsZero())
}

func TestRunOnce_JobFailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, Config{})
	f.reconciliation.reconcile = func(time.Time) error {
		return errors.New("provider export unavailable")
	}

	err := f.sched.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile_day")

	// Downstream jobs still ran.
	assert.Equal(t, 1, f.admission.clearCalls)
	assert.False(t, f.admission.pruneCutoff.IsZero())
}

func TestCycleResetJob_BatchLimit(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	node, err := snowflake.NewNode(2)
	assert.NoError(t, err)
	now := f.clock.Now()

	f.seedAccount(t, node, "a", now.Add(-3*time.Hour))
	f.seedAccount(t, node, "b", now.Add(-2*time.Hour))
	f.seedAccount(t, node, "c", now.Add(-time.Hour))

	assert.NoError(t, f.sched.CycleResetJob(context.Background()))

	// Oldest lapsed cycles go first; the remainder waits for the next tick.
	assert.Equal(t, []string{"a", "b"}, f.account.resets)
}
