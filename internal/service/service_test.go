package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidation-sentinel/internal/alerting"
	"liquidation-sentinel/internal/cascade"
	"liquidation-sentinel/internal/events"
	"liquidation-sentinel/internal/health"
	"liquidation-sentinel/internal/pricing"
	"liquidation-sentinel/internal/storage"
	"liquidation-sentinel/internal/volatility"
)

type fakeAccounts struct {
	ids []string
	err error
}

func (f *fakeAccounts) ListActiveAccounts(context.Context) ([]storage.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]storage.Account, 0, len(f.ids))
	for _, id := range f.ids {
		out = append(out, storage.Account{ID: id, IsActive: true})
	}
	return out, nil
}

type fakeSnapshots struct {
	mu       sync.Mutex
	latest   map[string]storage.SnapshotRecord
	inserted []storage.SnapshotRecord
	failWith error
}

func (f *fakeSnapshots) InsertSnapshot(_ context.Context, rec storage.SnapshotRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rec)
	if f.failWith != nil {
		return f.failWith
	}
	f.latest[rec.AccountID] = rec
	return nil
}

func (f *fakeSnapshots) LatestSnapshot(_ context.Context, id string) (storage.SnapshotRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.latest[id]
	if !ok {
		return storage.SnapshotRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeSnapshots) ListRecentSnapshots(context.Context, int) ([]storage.SnapshotRecord, error) {
	return nil, nil
}

func (f *fakeSnapshots) ListSnapshotsBetween(context.Context, time.Time, time.Time) ([]storage.SnapshotRecord, error) {
	return nil, nil
}

func (f *fakeSnapshots) DeleteSnapshotsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeSnapshots) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type fakeAlerts struct {
	mu       sync.Mutex
	rows     map[string]storage.AlertRecord
	written  []storage.AlertRecord
	upserts  int
	statuses int
}

func newFakeAlerts() *fakeAlerts {
	return &fakeAlerts{rows: make(map[string]storage.AlertRecord)}
}

// UpsertAlert follows the store's rules: closed rows stay closed and an
// acknowledgement is not undone by an ACTIVE write.
func (f *fakeAlerts) UpsertAlert(_ context.Context, rec storage.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.written = append(f.written, rec)
	if prev, ok := f.rows[rec.ID]; ok {
		switch {
		case prev.Status == string(alerting.StatusResolved), prev.Status == string(alerting.StatusExpired):
			return nil
		case prev.Status == string(alerting.StatusAcknowledged) && rec.Status == string(alerting.StatusActive):
			rec.Status = prev.Status
		}
	}
	f.rows[rec.ID] = rec
	return nil
}

func (f *fakeAlerts) openFor(account string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.rows {
		if rec.AccountID == account && (rec.Status == string(alerting.StatusActive) || rec.Status == string(alerting.StatusAcknowledged)) {
			n++
		}
	}
	return n
}

func (f *fakeAlerts) setStatus(id string, status alerting.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.rows[id]
	rec.Status = string(status)
	f.rows[id] = rec
}

func (f *fakeAlerts) UpdateAlertStatus(_ context.Context, id, status string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	f.statuses++
	rec.Status = status
	f.rows[id] = rec
	return nil
}

func (f *fakeAlerts) GetAlert(_ context.Context, id string) (storage.AlertRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	if !ok {
		return storage.AlertRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeAlerts) ListOpenAlerts(context.Context) ([]storage.AlertRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.AlertRecord
	for _, rec := range f.rows {
		if rec.Status == string(alerting.StatusActive) || rec.Status == string(alerting.StatusAcknowledged) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeAlerts) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (f *fakeAlerts) DeleteAlertsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeAlerts) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts + f.statuses
}

type fakePrices struct {
	history []float64
	fresh   [][]string
}

func (f *fakePrices) EnsureFresh(_ context.Context, assets []string) map[string]pricing.Lookup {
	f.fresh = append(f.fresh, assets)
	return map[string]pricing.Lookup{}
}

func (f *fakePrices) History(string, int) []float64 {
	return f.history
}

type fakeFeed struct {
	synced []string
	snaps  map[string]health.PositionSnapshot
}

func (f *fakeFeed) Sync(ids []string) error {
	f.synced = ids
	return nil
}

func (f *fakeFeed) Latest(id string, _ time.Duration) (health.PositionSnapshot, bool) {
	s, ok := f.snaps[id]
	return s, ok
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Emit(e events.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(t events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	svc       *Service
	accounts  *fakeAccounts
	snapshots *fakeSnapshots
	alerts    *fakeAlerts
	prices    *fakePrices
	feed      *fakeFeed
	events    *eventLog
}

func storedSnapshot(id string, collateral, debt float64) storage.SnapshotRecord {
	return storage.SnapshotRecord{
		AccountID:       id,
		CollateralValue: decimal.NewFromFloat(collateral),
		DebtValue:       decimal.NewFromFloat(debt),
		OraclePrice:     decimal.NewFromInt(100),
		CapturedAt:      time.Now().UTC(),
	}
}

func newHarness(t *testing.T, opts Options, ids ...string) *harness {
	t.Helper()
	h := &harness{
		accounts:  &fakeAccounts{ids: ids},
		snapshots: &fakeSnapshots{latest: make(map[string]storage.SnapshotRecord)},
		alerts:    newFakeAlerts(),
		prices:    &fakePrices{},
		feed:      &fakeFeed{snaps: make(map[string]health.PositionSnapshot)},
		events:    &eventLog{},
	}
	manager := alerting.NewManager(alerting.Options{
		RiskThreshold:    30,
		CascadeThreshold: 0.9,
		Cooldown:         time.Minute,
		MaxAge:           time.Hour,
		AutoResolve:      true,
	}, h.events, zerolog.Nop())

	svc, err := New(opts, Deps{
		Accounts:   h.accounts,
		Snapshots:  h.snapshots,
		Alerts:     h.alerts,
		Prices:     h.prices,
		Feed:       h.feed,
		Volatility: volatility.NewCalculator(volatility.DefaultOptions()),
		Scorer:     cascade.NewScorer(cascade.DefaultOptions(), health.NewCalculator(health.DefaultThresholds())),
		Manager:    manager,
		Emitter:    h.events,
	}, zerolog.Nop())
	require.NoError(t, err)
	h.svc = svc
	return h
}

func defaultOpts() Options {
	return Options{Assets: []string{"SOL"}, PrimaryAsset: "SOL", AlertsEnabled: true, CriticalThreshold: 85}
}

func TestEmptyCycleMakesNoPersistenceCalls(t *testing.T) {
	h := newHarness(t, defaultOpts())

	res, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Accounts)
	assert.Zero(t, h.snapshots.writes())
	assert.Zero(t, h.alerts.writes())
	assert.Equal(t, 1, h.events.count(events.MonitoringCycleComplete))
	assert.Equal(t, volatility.BaselineValue, res.Volatility.Value)
}

func TestCycleScoresPersistsAndAlerts(t *testing.T) {
	h := newHarness(t, defaultOpts(), "risky", "safe", "missing")
	h.snapshots.latest["risky"] = storedSnapshot("risky", 1000, 900)
	h.feed.snaps["safe"] = health.PositionSnapshot{AccountID: "safe", CollateralValue: 10000, DebtValue: 1000, OraclePrice: 100}

	res, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"risky", "safe", "missing"}, h.feed.synced)
	assert.Equal(t, [][]string{{"SOL"}}, h.prices.fresh)
	assert.Equal(t, 3, res.Accounts)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.NewAlerts)
	assert.Equal(t, 1, res.OpenAlerts)
	assert.Zero(t, res.PersistFailures)

	assert.Equal(t, 2, h.snapshots.writes())
	assert.Equal(t, 1, h.alerts.upserts)
	assert.Equal(t, 2, h.events.count(events.AccountUpdate))
	assert.Equal(t, 1, h.events.count(events.AlertNew))
	assert.Zero(t, h.events.count(events.AlertCritical), "auto protect is off")

	for _, rec := range h.alerts.rows {
		assert.Equal(t, "risky", rec.AccountID)
		assert.Equal(t, string(alerting.StatusActive), rec.Status)
	}
}

func TestSecondCycleUpdatesInsteadOfDuplicating(t *testing.T) {
	h := newHarness(t, defaultOpts(), "risky")
	h.snapshots.latest["risky"] = storedSnapshot("risky", 1000, 900)

	_, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	res, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.NewAlerts)
	assert.Equal(t, 1, res.UpdatedAlerts)
	assert.Len(t, h.alerts.rows, 1)
}

func TestInvalidSnapshotSkipsAccount(t *testing.T) {
	h := newHarness(t, defaultOpts(), "bad")
	h.feed.snaps["bad"] = health.PositionSnapshot{AccountID: "bad", CollateralValue: -1}

	res, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Processed)
	assert.Zero(t, h.snapshots.writes())
}

func TestAccountLoadFailureEmitsError(t *testing.T) {
	h := newHarness(t, defaultOpts())
	h.accounts.err = errors.New("db down")

	_, err := h.svc.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.events.count(events.MonitoringError))
	assert.Zero(t, h.events.count(events.MonitoringCycleComplete))
}

func TestPersistenceFailureDoesNotAbortCycle(t *testing.T) {
	h := newHarness(t, defaultOpts(), "risky")
	h.feed.snaps["risky"] = storedSnapshot("risky", 1000, 900).Position()
	h.snapshots.failWith = errors.New("disk full")

	res, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PersistFailures)
	assert.Equal(t, 1, res.NewAlerts)
	assert.Equal(t, 1, h.events.count(events.MonitoringCycleComplete))
}

func TestCycleRejectsOverlap(t *testing.T) {
	h := newHarness(t, defaultOpts())
	h.svc.running.Store(true)

	_, err := h.svc.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestCriticalAlertEmittedOncePerAlert(t *testing.T) {
	opts := defaultOpts()
	opts.AutoProtect = true
	opts.CriticalThreshold = 40
	h := newHarness(t, opts, "risky")
	h.snapshots.latest["risky"] = storedSnapshot("risky", 1000, 900)

	for i := 0; i < 3; i++ {
		_, err := h.svc.RunCycle(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.events.count(events.AlertCritical))
}

func TestAcknowledgeAndResolvePersistStatus(t *testing.T) {
	h := newHarness(t, defaultOpts(), "risky")
	h.snapshots.latest["risky"] = storedSnapshot("risky", 1000, 900)
	_, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)

	active := h.svc.manager.Active()
	require.Len(t, active, 1)
	id := active[0].ID

	acked, err := h.svc.Acknowledge(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, alerting.StatusAcknowledged, acked.Status)
	assert.Equal(t, string(alerting.StatusAcknowledged), h.alerts.rows[id].Status)

	_, err = h.svc.Acknowledge(context.Background(), id)
	assert.ErrorIs(t, err, alerting.ErrInvalidTransition)

	_, err = h.svc.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(alerting.StatusResolved), h.alerts.rows[id].Status)
}

func TestRestoreAndReconcileOperatorActions(t *testing.T) {
	h := newHarness(t, defaultOpts(), "risky")
	now := time.Now().UTC()
	h.alerts.rows["a-1"] = storage.AlertRecord{
		ID:        "a-1",
		AccountID: "risky",
		RiskScore: decimal.NewFromInt(50),
		Status:    string(alerting.StatusActive),
		CreatedAt: now,
		UpdatedAt: now,
	}

	n, err := h.svc.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// another process resolves the alert directly in the store
	rec := h.alerts.rows["a-1"]
	rec.Status = string(alerting.StatusResolved)
	h.alerts.rows["a-1"] = rec

	h.svc.reconcile(context.Background())
	a, ok := h.svc.manager.Get("a-1")
	require.True(t, ok)
	assert.Equal(t, alerting.StatusResolved, a.Status)
	assert.Empty(t, h.svc.manager.Active())
}

func TestUpdatedAndExpiredInOneCycleWritesFinalState(t *testing.T) {
	h := newHarness(t, defaultOpts(), "risky")
	h.snapshots.latest["risky"] = storedSnapshot("risky", 1000, 900)
	created := time.Now().UTC().Add(-2 * time.Hour)
	h.alerts.rows["old"] = storage.AlertRecord{
		ID:        "old",
		AccountID: "risky",
		RiskScore: decimal.NewFromInt(50),
		Status:    string(alerting.StatusActive),
		CreatedAt: created,
		UpdatedAt: created,
	}
	_, err := h.svc.Restore(context.Background())
	require.NoError(t, err)

	res, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedAlerts)
	assert.Equal(t, 1, res.ExpiredAlerts)
	require.Len(t, h.alerts.written, 1, "one write per alert per cycle")
	assert.Equal(t, string(alerting.StatusExpired), h.alerts.rows["old"].Status)

	res, err = h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewAlerts)
	assert.Equal(t, 1, h.alerts.openFor("risky"))

	restarted := newHarness(t, defaultOpts(), "risky")
	restarted.svc.alerts = h.alerts
	n, err := restarted.svc.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPersistWritesClosedAlertsBeforeOpenOnes(t *testing.T) {
	h := newHarness(t, defaultOpts())
	now := time.Now().UTC()
	changed := []alerting.Alert{
		{ID: "new", AccountID: "a", Status: alerting.StatusActive, CreatedAt: now, UpdatedAt: now},
		{ID: "old", AccountID: "a", Status: alerting.StatusActive, CreatedAt: now, UpdatedAt: now},
		{ID: "old", AccountID: "a", Status: alerting.StatusExpired, CreatedAt: now, UpdatedAt: now},
	}
	failures := h.svc.persist(context.Background(), nil, nil, nil, volatility.Baseline(), latestByID(changed), now)
	require.Zero(t, failures)
	require.Len(t, h.alerts.written, 2)
	assert.Equal(t, "old", h.alerts.written[0].ID)
	assert.Equal(t, string(alerting.StatusExpired), h.alerts.written[0].Status)
	assert.Equal(t, "new", h.alerts.written[1].ID)
}

func TestReconcileAppliesStoredExpiry(t *testing.T) {
	h := newHarness(t, defaultOpts(), "risky")
	h.snapshots.latest["risky"] = storedSnapshot("risky", 1000, 900)
	_, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	id := h.svc.manager.Active()[0].ID

	h.alerts.setStatus(id, alerting.StatusExpired)
	h.svc.reconcile(context.Background())

	a, ok := h.svc.manager.Get(id)
	require.True(t, ok)
	assert.Equal(t, alerting.StatusExpired, a.Status)
	assert.Nil(t, a.ResolvedAt)
	assert.Equal(t, 1, h.events.count(events.AlertExpired))
	assert.Zero(t, h.events.count(events.AlertResolved))
}

func TestStoredPositionsKeepObservationTimeAndAgeOut(t *testing.T) {
	opts := defaultOpts()
	opts.SnapshotMaxAge = time.Hour
	h := newHarness(t, opts, "recent", "old")
	now := time.Now().UTC()
	h.svc.now = func() time.Time { return now }

	recent := storedSnapshot("recent", 10000, 1000)
	recent.CapturedAt = now.Add(-50 * time.Minute)
	h.snapshots.latest["recent"] = recent
	old := storedSnapshot("old", 10000, 1000)
	old.CapturedAt = now.Add(-2 * time.Hour)
	h.snapshots.latest["old"] = old

	res, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, h.snapshots.writes())
	written := h.snapshots.inserted[0]
	assert.True(t, written.CapturedAt.Equal(now))
	assert.True(t, written.ObservedAt.Equal(recent.CapturedAt), "re-scoring keeps the original observation time")

	now = now.Add(20 * time.Minute)
	res, err = h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "the re-scored row does not refresh the position's age")
	assert.Equal(t, 2, res.Skipped)
}

func TestCriticalMarkerDroppedWhenAlertClosedElsewhere(t *testing.T) {
	opts := defaultOpts()
	opts.AutoProtect = true
	opts.CriticalThreshold = 40
	h := newHarness(t, opts, "risky")
	h.snapshots.latest["risky"] = storedSnapshot("risky", 1000, 900)

	_, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, h.svc.critSent, 1)

	id := h.svc.manager.Active()[0].ID
	h.alerts.setStatus(id, alerting.StatusResolved)
	_, err = h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.svc.critSent)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{}, Deps{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestAlertRecordRoundTripKeepsLifecycleFields(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	a := alerting.Alert{
		ID:                "x",
		AccountID:         "acct",
		RiskScore:         72.5,
		RecommendedAction: cascade.ActionProtect,
		Status:            alerting.StatusAcknowledged,
		CreatedAt:         at,
		UpdatedAt:         at,
		AcknowledgedAt:    &at,
	}
	back := AlertFromRecord(alertRecord(a))
	assert.Equal(t, a.Status, back.Status)
	assert.Equal(t, a.RecommendedAction, back.RecommendedAction)
	assert.InDelta(t, a.RiskScore, back.RiskScore, 1e-9)
	require.NotNil(t, back.AcknowledgedAt)
	assert.True(t, back.AcknowledgedAt.Equal(at))
}
