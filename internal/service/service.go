package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"liquidation-sentinel/internal/alerting"
	"liquidation-sentinel/internal/cascade"
	"liquidation-sentinel/internal/config"
	"liquidation-sentinel/internal/events"
	"liquidation-sentinel/internal/health"
	"liquidation-sentinel/internal/metrics"
	"liquidation-sentinel/internal/pricing"
	"liquidation-sentinel/internal/scheduler"
	"liquidation-sentinel/internal/storage"
	"liquidation-sentinel/internal/volatility"
)

// ErrCycleInProgress is returned when a cycle is requested while another runs.
var ErrCycleInProgress = errors.New("service: monitoring cycle already in progress")

// PriceTracker is the slice of pricing.Tracker the cycle needs.
type PriceTracker interface {
	EnsureFresh(ctx context.Context, assets []string) map[string]pricing.Lookup
	History(asset string, minutes int) []float64
}

// SnapshotFeed is the push-feed cache consulted before durable snapshots.
type SnapshotFeed interface {
	Sync(ids []string) error
	Latest(id string, maxAge time.Duration) (health.PositionSnapshot, bool)
}

// Options tune one monitoring service.
type Options struct {
	Assets            []string
	PrimaryAsset      string
	Concurrency       int
	AdvisoryLockKey   int64
	FeedMaxAge        time.Duration
	SnapshotMaxAge    time.Duration
	AlertsEnabled     bool
	AutoProtect       bool
	CriticalThreshold float64
}

// OptionsFromConfig maps configuration onto service options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Assets:            cfg.AssetList(),
		PrimaryAsset:      cfg.Pricing.PrimaryAsset,
		Concurrency:       cfg.Scheduler.Concurrency,
		AdvisoryLockKey:   cfg.Scheduler.AdvisoryLockKey,
		FeedMaxAge:        cfg.Feed.MaxAge,
		SnapshotMaxAge:    cfg.Scheduler.SnapshotMaxAge,
		AlertsEnabled:     cfg.Alerting.Enabled,
		AutoProtect:       cfg.Alerting.AutoProtect,
		CriticalThreshold: cfg.Alerting.CriticalThreshold,
	}
}

// Deps are the collaborators of the monitoring cycle. Feed, Snapshots, Alerts,
// Scheduler and Emitter are optional.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Accounts   storage.AccountStore
	Snapshots  storage.SnapshotStore
	Alerts     storage.AlertStore
	Prices     PriceTracker
	Feed       SnapshotFeed
	Volatility *volatility.Calculator
	Scorer     *cascade.Scorer
	Manager    *alerting.Manager
	Emitter    events.Emitter
}

// CycleResult summarises one monitoring cycle.
type CycleResult struct {
	StartedAt       time.Time          `json:"startedAt"`
	Duration        time.Duration      `json:"duration"`
	Accounts        int                `json:"accounts"`
	Processed       int                `json:"processed"`
	Skipped         int                `json:"skipped"`
	Volatility      volatility.Result  `json:"volatility"`
	Indicators      cascade.Indicators `json:"indicators"`
	NewAlerts       int                `json:"newAlerts"`
	UpdatedAlerts   int                `json:"updatedAlerts"`
	ResolvedAlerts  int                `json:"resolvedAlerts"`
	ExpiredAlerts   int                `json:"expiredAlerts"`
	OpenAlerts      int                `json:"openAlerts"`
	PersistFailures int                `json:"persistFailures"`
}

// AccountUpdate is the payload of an accountUpdate event.
type AccountUpdate struct {
	Snapshot   health.PositionSnapshot `json:"snapshot"`
	Score      cascade.Score           `json:"score"`
	Volatility volatility.Level        `json:"volatilityLevel"`
}

// Service runs the monitoring cycle: prices, positions, scoring, alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	accounts  storage.AccountStore
	snapshots storage.SnapshotStore
	alerts    storage.AlertStore
	prices    PriceTracker
	feed      SnapshotFeed
	vol       *volatility.Calculator
	scorer    *cascade.Scorer
	manager   *alerting.Manager
	emit      events.Emitter
	locker    storage.AdvisoryLocker
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	running atomic.Bool

	critMu   sync.Mutex
	critSent map[string]struct{}
}

// New constructs the monitoring service.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Service, error) {
	switch {
	case deps.Accounts == nil:
		return nil, fmt.Errorf("account store is required")
	case deps.Prices == nil:
		return nil, fmt.Errorf("price tracker is required")
	case deps.Volatility == nil || deps.Scorer == nil:
		return nil, fmt.Errorf("volatility calculator and scorer are required")
	case deps.Manager == nil:
		return nil, fmt.Errorf("alert manager is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.PrimaryAsset == "" && len(opts.Assets) > 0 {
		opts.PrimaryAsset = opts.Assets[0]
	}

	emit := deps.Emitter
	if emit == nil {
		emit = events.Discard
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Accounts.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: deps.Scheduler,
		accounts:  deps.Accounts,
		snapshots: deps.Snapshots,
		alerts:    deps.Alerts,
		prices:    deps.Prices,
		feed:      deps.Feed,
		vol:       deps.Volatility,
		scorer:    deps.Scorer,
		manager:   deps.Manager,
		emit:      emit,
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		critSent:  make(map[string]struct{}),
	}, nil
}

// Run drives RunCycle on the scheduler's interval.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := s.RunCycle(ctx)
		if errors.Is(err, ErrCycleInProgress) {
			return nil
		}
		return err
	})
}

// Restore loads open alerts from the store into the alert manager.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.alerts == nil {
		return 0, nil
	}
	records, err := s.alerts.ListOpenAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open alerts: %w", err)
	}
	restored := make([]alerting.Alert, 0, len(records))
	for _, rec := range records {
		restored = append(restored, AlertFromRecord(rec))
	}
	if err := s.manager.Restore(restored); err != nil {
		s.emitError("restore", err)
		return 0, err
	}
	s.logger.Info().Int("alerts", len(restored)).Msg("open alerts restored")
	return len(restored), nil
}

// Acknowledge marks an alert acknowledged and records the transition.
func (s *Service) Acknowledge(ctx context.Context, id string) (alerting.Alert, error) {
	a, err := s.manager.Acknowledge(id)
	if err != nil {
		return alerting.Alert{}, err
	}
	return a, s.persistStatus(ctx, a, *a.AcknowledgedAt)
}

// Resolve closes an alert and records the transition.
func (s *Service) Resolve(ctx context.Context, id string) (alerting.Alert, error) {
	a, err := s.manager.Resolve(id)
	if err != nil {
		return alerting.Alert{}, err
	}
	return a, s.persistStatus(ctx, a, *a.ResolvedAt)
}

func (s *Service) persistStatus(ctx context.Context, a alerting.Alert, at time.Time) error {
	if s.alerts == nil {
		return nil
	}
	if err := s.alerts.UpdateAlertStatus(ctx, a.ID, string(a.Status), at); err != nil {
		metrics.PersistenceFailures.WithLabelValues("alert").Inc()
		return fmt.Errorf("persist alert %s status: %w", a.ID, err)
	}
	return nil
}

// RunCycle performs one monitoring pass. Only one cycle runs at a time.
func (s *Service) RunCycle(ctx context.Context) (res CycleResult, err error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.CyclesTotal.WithLabelValues("overlap").Inc()
		return CycleResult{}, ErrCycleInProgress
	}
	defer s.running.Store(false)

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return CycleResult{}, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		metrics.CyclesTotal.WithLabelValues("locked").Inc()
		return CycleResult{}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitoring cycle panic: %v", r)
			s.logger.Error().Err(err).Msg("recovered from panic in monitoring cycle")
			s.emitError("panic", err)
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.CyclesTotal.WithLabelValues(result).Inc()
		metrics.CycleDuration.Observe(s.now().Sub(start).Seconds())
	}()

	return s.cycle(ctx, start)
}

func (s *Service) cycle(ctx context.Context, start time.Time) (CycleResult, error) {
	res := CycleResult{StartedAt: start}

	accounts, err := s.accounts.ListActiveAccounts(ctx)
	if err != nil {
		err = fmt.Errorf("load monitored accounts: %w", err)
		s.logger.Error().Err(err).Msg("monitoring cycle aborted")
		s.emitError("accounts", err)
		return res, err
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a.IsActive {
			ids = append(ids, a.ID)
		}
	}
	res.Accounts = len(ids)

	if s.feed != nil {
		if err := s.feed.Sync(ids); err != nil {
			s.logger.Warn().Err(err).Msg("feed subscription sync failed; falling back to stored snapshots")
		}
	}

	res.Volatility = s.volatility(ctx)
	metrics.VolatilityIndex.Set(res.Volatility.Value)

	snapshots, observed := s.resolveSnapshots(ctx, ids)
	res.Processed = len(snapshots)
	res.Skipped = len(ids) - len(snapshots)
	metrics.AccountsProcessed.Set(float64(res.Processed))

	report := s.scorer.Score(snapshots, res.Volatility)
	res.Indicators = report.Indicators
	recordRiskMetrics(report)

	var changed []alerting.Alert
	if s.opts.AlertsEnabled {
		s.reconcile(ctx)

		gen := s.manager.Generate(report.Scores)
		expired := s.manager.ExpireOld(0)
		res.NewAlerts = len(gen.New)
		res.UpdatedAlerts = len(gen.Updated)
		res.ResolvedAlerts = len(gen.Resolved)
		res.ExpiredAlerts = len(expired)
		res.OpenAlerts = len(s.manager.Active())

		changed = make([]alerting.Alert, 0, len(gen.New)+len(gen.Updated)+len(gen.Resolved)+len(expired))
		changed = append(changed, gen.New...)
		changed = append(changed, gen.Updated...)
		changed = append(changed, gen.Resolved...)
		changed = append(changed, expired...)
		changed = latestByID(changed)
	}

	res.PersistFailures = s.persist(ctx, snapshots, observed, report.Scores, res.Volatility, changed, start)

	bySnapshot := make(map[string]health.PositionSnapshot, len(snapshots))
	for _, snap := range snapshots {
		bySnapshot[snap.AccountID] = snap
	}
	for _, score := range report.Scores {
		s.emit.Emit(events.Event{
			Type:      events.AccountUpdate,
			Time:      start,
			AccountID: score.AccountID,
			Payload: AccountUpdate{
				Snapshot:   bySnapshot[score.AccountID],
				Score:      score,
				Volatility: res.Volatility.Level,
			},
		})
	}
	s.escalate(changed)

	res.Duration = s.now().Sub(start)
	s.emit.Emit(events.Event{Type: events.MonitoringCycleComplete, Time: s.now(), Payload: res})

	s.logger.Info().
		Int("accounts", res.Accounts).
		Int("processed", res.Processed).
		Int("skipped", res.Skipped).
		Float64("volatility", res.Volatility.Value).
		Int("new_alerts", res.NewAlerts).
		Int("open_alerts", res.OpenAlerts).
		Dur("duration", res.Duration).
		Msg("monitoring cycle complete")
	return res, nil
}

// volatility refreshes prices and measures the primary asset's history.
func (s *Service) volatility(ctx context.Context) volatility.Result {
	if len(s.opts.Assets) > 0 {
		for asset, lookup := range s.prices.EnsureFresh(ctx, s.opts.Assets) {
			if lookup.Err != nil {
				s.logger.Warn().Err(lookup.Err).Str("asset", asset).Str("freshness", lookup.Freshness.String()).Msg("price unavailable for cycle")
			}
		}
	}
	if s.opts.PrimaryAsset == "" {
		return volatility.Baseline()
	}
	return s.vol.Calculate(s.prices.History(s.opts.PrimaryAsset, s.vol.HistoryMinutes()))
}

// resolveSnapshots picks each account's freshest position data. Accounts
// without usable data are skipped for this cycle. observed maps each account
// to when its position was seen.
func (s *Service) resolveSnapshots(ctx context.Context, ids []string) ([]health.PositionSnapshot, map[string]time.Time) {
	type resolved struct {
		snap health.PositionSnapshot
		at   time.Time
	}
	found := make([]*resolved, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			snap, at, reason := s.snapshotFor(gctx, id)
			if reason != "" {
				metrics.AccountsSkipped.WithLabelValues(reason).Inc()
				return nil
			}
			found[i] = &resolved{snap: snap, at: at}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]health.PositionSnapshot, 0, len(ids))
	observed := make(map[string]time.Time, len(ids))
	for _, r := range found {
		if r == nil {
			continue
		}
		out = append(out, r.snap)
		observed[r.snap.AccountID] = r.at
	}
	return out, observed
}

func (s *Service) snapshotFor(ctx context.Context, id string) (health.PositionSnapshot, time.Time, string) {
	log := s.logger.With().Str("account", id).Logger()

	if s.feed != nil {
		if snap, ok := s.feed.Latest(id, s.opts.FeedMaxAge); ok {
			if err := snap.Validate(); err != nil {
				log.Warn().Err(err).Msg("feed snapshot rejected")
				return health.PositionSnapshot{}, time.Time{}, "invalid"
			}
			return snap, s.now(), ""
		}
	}

	if s.snapshots == nil {
		return health.PositionSnapshot{}, time.Time{}, "no_data"
	}
	rec, err := s.snapshots.LatestSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug().Msg("no position data for account")
			return health.PositionSnapshot{}, time.Time{}, "no_data"
		}
		log.Error().Err(err).Msg("failed to load stored snapshot")
		return health.PositionSnapshot{}, time.Time{}, "fetch_error"
	}
	observed := rec.PositionTime()
	if s.opts.SnapshotMaxAge > 0 && s.now().Sub(observed) > s.opts.SnapshotMaxAge {
		log.Debug().Time("observed_at", observed).Msg("stored position too old")
		return health.PositionSnapshot{}, time.Time{}, "stale"
	}
	snap := rec.Position()
	if err := snap.Validate(); err != nil {
		log.Warn().Err(err).Msg("stored snapshot rejected")
		return health.PositionSnapshot{}, time.Time{}, "invalid"
	}
	return snap, observed, ""
}

// reconcile applies operator acknowledgements and resolutions made directly
// against the store by another process.
func (s *Service) reconcile(ctx context.Context) {
	if s.alerts == nil {
		return
	}
	open := s.manager.Active()
	if len(open) == 0 {
		return
	}
	records, err := s.alerts.ListOpenAlerts(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("alert reconciliation skipped")
		return
	}
	stored := make(map[string]string, len(records))
	for _, rec := range records {
		stored[rec.ID] = rec.Status
	}

	for _, a := range open {
		status, ok := stored[a.ID]
		if !ok {
			rec, err := s.alerts.GetAlert(ctx, a.ID)
			if err != nil {
				continue
			}
			status = rec.Status
		}
		var applyErr error
		switch {
		case status == string(alerting.StatusAcknowledged) && a.Status == alerting.StatusActive:
			_, applyErr = s.manager.Acknowledge(a.ID)
		case status == string(alerting.StatusResolved):
			_, applyErr = s.manager.Resolve(a.ID)
		case status == string(alerting.StatusExpired):
			_, applyErr = s.manager.Expire(a.ID)
		default:
			continue
		}
		if applyErr != nil {
			s.logger.Warn().Err(applyErr).Str("alert_id", a.ID).Msg("failed to apply stored alert status")
			continue
		}
		s.logger.Info().Str("alert_id", a.ID).Str("account", a.AccountID).Str("status", status).Msg("applied operator alert action")
	}
}

// persist writes one snapshot per scored account, stamped with when its
// position was observed, and every changed alert. Alerts are written one at a
// time, closed ones first, so an account's closed alert reaches the store
// before its replacement. Failures are counted and logged; they never abort
// the cycle.
func (s *Service) persist(ctx context.Context, snapshots []health.PositionSnapshot, observed map[string]time.Time, scores []cascade.Score, vol volatility.Result, changed []alerting.Alert, at time.Time) int {
	var failures atomic.Int32

	if s.snapshots != nil && len(scores) > 0 {
		byAccount := make(map[string]health.PositionSnapshot, len(snapshots))
		for _, snap := range snapshots {
			byAccount[snap.AccountID] = snap
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.Concurrency)
		for _, score := range scores {
			seen, ok := observed[score.AccountID]
			if !ok {
				seen = at
			}
			rec := snapshotRecord(byAccount[score.AccountID], seen, score, vol, at)
			g.Go(func() error {
				if err := s.snapshots.InsertSnapshot(gctx, rec); err != nil {
					failures.Add(1)
					metrics.PersistenceFailures.WithLabelValues("snapshot").Inc()
					s.logger.Error().Err(err).Str("account", rec.AccountID).Msg("failed to persist snapshot")
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if s.alerts != nil {
		ordered := make([]alerting.Alert, 0, len(changed))
		for _, a := range changed {
			if !a.Status.Open() {
				ordered = append(ordered, a)
			}
		}
		for _, a := range changed {
			if a.Status.Open() {
				ordered = append(ordered, a)
			}
		}
		for _, a := range ordered {
			rec := alertRecord(a)
			if err := s.alerts.UpsertAlert(ctx, rec); err != nil {
				failures.Add(1)
				metrics.PersistenceFailures.WithLabelValues("alert").Inc()
				s.logger.Error().Err(err).Str("account", rec.AccountID).Str("alert_id", rec.ID).Msg("failed to persist alert")
			}
		}
	}

	return int(failures.Load())
}

// latestByID keeps the final state of each alert, in first-seen order.
func latestByID(alerts []alerting.Alert) []alerting.Alert {
	index := make(map[string]int, len(alerts))
	out := make([]alerting.Alert, 0, len(alerts))
	for _, a := range alerts {
		if i, ok := index[a.ID]; ok {
			out[i] = a
			continue
		}
		index[a.ID] = len(out)
		out = append(out, a)
	}
	return out
}

// escalate emits alert:critical once per open alert above the critical score.
func (s *Service) escalate(changed []alerting.Alert) {
	if !s.opts.AutoProtect {
		return
	}
	s.critMu.Lock()
	defer s.critMu.Unlock()

	for id := range s.critSent {
		if a, ok := s.manager.Get(id); !ok || !a.Status.Open() {
			delete(s.critSent, id)
		}
	}
	for _, a := range changed {
		if !a.Status.Open() {
			delete(s.critSent, a.ID)
			continue
		}
		if a.RiskScore <= s.opts.CriticalThreshold {
			continue
		}
		if _, sent := s.critSent[a.ID]; sent {
			continue
		}
		s.critSent[a.ID] = struct{}{}
		s.logger.Warn().Str("account", a.AccountID).Str("alert_id", a.ID).Float64("risk_score", a.RiskScore).Msg("critical risk; protection requested")
		s.emit.Emit(events.Event{Type: events.AlertCritical, Time: a.UpdatedAt, AccountID: a.AccountID, Payload: a})
	}
}

func (s *Service) emitError(stage string, err error) {
	s.emit.Emit(events.Event{
		Type: events.MonitoringError,
		Time: s.now(),
		Payload: map[string]string{
			"stage": stage,
			"error": err.Error(),
		},
	})
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func recordRiskMetrics(report cascade.Report) {
	counts := map[cascade.Action]int{
		cascade.ActionSafe:    0,
		cascade.ActionMonitor: 0,
		cascade.ActionProtect: 0,
	}
	for _, sc := range report.Scores {
		counts[sc.RecommendedAction]++
	}
	for action, n := range counts {
		metrics.AccountsByAction.WithLabelValues(string(action)).Set(float64(n))
	}
	metrics.DangerZoneAccounts.Set(float64(report.Indicators.DangerZoneCount))
}
