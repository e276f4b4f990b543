package alerting

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"liquidation-sentinel/internal/cascade"
	"liquidation-sentinel/internal/events"
	"liquidation-sentinel/internal/metrics"
)

var (
	// ErrAlertNotFound is returned for an unknown alert id.
	ErrAlertNotFound = errors.New("alerting: alert not found")
	// ErrInvalidTransition is returned when the alert is already closed.
	ErrInvalidTransition = errors.New("alerting: invalid status transition")
	// ErrDuplicateActive signals two open alerts for one account.
	ErrDuplicateActive = errors.New("alerting: duplicate open alert for account")
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
	StatusExpired      Status = "EXPIRED"
)

// Open reports whether the alert still holds its account's slot.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusAcknowledged
}

// Alert is a deduplicated risk notification for one account.
type Alert struct {
	ID                     string         `json:"id"`
	AccountID              string         `json:"accountId"`
	RiskScore              float64        `json:"riskScore"`
	CascadeProbability     float64        `json:"cascadeProbability"`
	TimeToLiquidationHours float64        `json:"timeToLiquidationHours"`
	EstimatedLossesUSD     float64        `json:"estimatedLossesUsd"`
	RecommendedAction      cascade.Action `json:"recommendedAction"`
	Status                 Status         `json:"status"`
	CreatedAt              time.Time      `json:"createdAt"`
	UpdatedAt              time.Time      `json:"updatedAt"`
	AcknowledgedAt         *time.Time     `json:"acknowledgedAt,omitempty"`
	ResolvedAt             *time.Time     `json:"resolvedAt,omitempty"`
}

func (a *Alert) clone() Alert {
	out := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

func (a *Alert) apply(s cascade.Score) {
	a.RiskScore = s.RiskScore
	a.CascadeProbability = s.CascadeProbability
	a.TimeToLiquidationHours = s.TimeToLiquidationHours
	a.EstimatedLossesUSD = s.EstimatedLossesUSD
	a.RecommendedAction = s.RecommendedAction
}

// Options configure alert qualification and lifecycle.
type Options struct {
	RiskThreshold          float64       `mapstructure:"risk_threshold"`
	CascadeThreshold       float64       `mapstructure:"cascade_threshold"`
	Cooldown               time.Duration `mapstructure:"cooldown"`
	MaxAge                 time.Duration `mapstructure:"max_age"`
	AutoResolve            bool          `mapstructure:"auto_resolve"`
	ResetCooldownOnResolve bool          `mapstructure:"reset_cooldown_on_resolve"`
}

// DefaultOptions returns the stock alerting policy.
func DefaultOptions() Options {
	return Options{
		RiskThreshold:    70,
		CascadeThreshold: 0.5,
		Cooldown:         5 * time.Minute,
		MaxAge:           24 * time.Hour,
		AutoResolve:      true,
	}
}

// GenerateResult summarises one Generate call. Slices hold copies.
type GenerateResult struct {
	New         []Alert
	Updated     []Alert
	Resolved    []Alert
	TotalActive int
}

// Manager owns alert identity and lifecycle. It is the only writer of alert state;
// every transition is announced through the emitter.
type Manager struct {
	opts   Options
	emit   events.Emitter
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string

	mu        sync.Mutex
	alerts    map[string]*Alert
	open      map[string]string
	lastAlert map[string]time.Time
}

// NewManager constructs an alert manager. A nil emitter discards events.
func NewManager(opts Options, emit events.Emitter, logger zerolog.Logger) *Manager {
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if emit == nil {
		emit = events.Discard
	}
	return &Manager{
		opts:      opts,
		emit:      emit,
		logger:    logger.With().Str("component", "alert_manager").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
		alerts:    make(map[string]*Alert),
		open:      make(map[string]string),
		lastAlert: make(map[string]time.Time),
	}
}

// Options returns the active policy.
func (m *Manager) Options() Options {
	return m.opts
}

// Qualifies reports whether a score crosses either alert threshold.
func (m *Manager) Qualifies(s cascade.Score) bool {
	return s.RiskScore > m.opts.RiskThreshold || s.CascadeProbability > m.opts.CascadeThreshold
}

// Generate folds a batch of scores into alert state.
func (m *Manager) Generate(scores []cascade.Score) GenerateResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var res GenerateResult
	var emitted []events.Event

	for _, s := range scores {
		id, hasOpen := m.open[s.AccountID]

		if !m.Qualifies(s) {
			if hasOpen && m.opts.AutoResolve {
				a := m.alerts[id]
				m.close(a, StatusResolved, now)
				res.Resolved = append(res.Resolved, a.clone())
				emitted = append(emitted, alertEvent(events.AlertResolved, a))
			}
			continue
		}

		if hasOpen {
			a := m.alerts[id]
			a.apply(s)
			a.UpdatedAt = now
			res.Updated = append(res.Updated, a.clone())
			emitted = append(emitted, alertEvent(events.AlertUpdated, a))
			continue
		}

		if last, ok := m.lastAlert[s.AccountID]; ok && now.Sub(last) < m.opts.Cooldown {
			m.logger.Debug().Str("account", s.AccountID).Dur("since_last", now.Sub(last)).Msg("alert suppressed by cooldown")
			continue
		}

		a := &Alert{
			ID:        m.newID(),
			AccountID: s.AccountID,
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		a.apply(s)
		m.alerts[a.ID] = a
		m.open[a.AccountID] = a.ID
		m.lastAlert[a.AccountID] = now
		metrics.AlertTransitions.WithLabelValues(string(StatusActive)).Inc()

		res.New = append(res.New, a.clone())
		emitted = append(emitted, alertEvent(events.AlertNew, a))
		m.logger.Info().Str("account", a.AccountID).Str("alert_id", a.ID).
			Float64("risk_score", a.RiskScore).
			Float64("cascade_probability", a.CascadeProbability).
			Msg("alert raised")
	}

	res.TotalActive = m.countActive()
	metrics.ActiveAlerts.Set(float64(res.TotalActive))
	m.publish(emitted)
	return res
}

// Acknowledge moves an ACTIVE alert to ACKNOWLEDGED.
func (m *Manager) Acknowledge(id string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("acknowledge %s: %w", id, ErrAlertNotFound)
	}
	if a.Status != StatusActive {
		return Alert{}, fmt.Errorf("acknowledge %s from %s: %w", id, a.Status, ErrInvalidTransition)
	}

	now := m.now()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.UpdatedAt = now
	metrics.AlertTransitions.WithLabelValues(string(StatusAcknowledged)).Inc()
	metrics.ActiveAlerts.Set(float64(m.countActive()))

	m.publish([]events.Event{alertEvent(events.AlertAcknowledged, a)})
	return a.clone(), nil
}

// Resolve closes an open alert.
func (m *Manager) Resolve(id string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("resolve %s: %w", id, ErrAlertNotFound)
	}
	if !a.Status.Open() {
		return Alert{}, fmt.Errorf("resolve %s from %s: %w", id, a.Status, ErrInvalidTransition)
	}

	m.close(a, StatusResolved, m.now())
	m.publish([]events.Event{alertEvent(events.AlertResolved, a)})
	return a.clone(), nil
}

// Expire closes an open alert as EXPIRED. The account's cooldown is kept.
func (m *Manager) Expire(id string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("expire %s: %w", id, ErrAlertNotFound)
	}
	if !a.Status.Open() {
		return Alert{}, fmt.Errorf("expire %s from %s: %w", id, a.Status, ErrInvalidTransition)
	}

	m.close(a, StatusExpired, m.now())
	m.publish([]events.Event{alertEvent(events.AlertExpired, a)})
	return a.clone(), nil
}

// ClearByAccount resolves the account's open alert, if any.
func (m *Manager) ClearByAccount(accountID string) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.open[accountID]
	if !ok {
		return Alert{}, false
	}
	a := m.alerts[id]
	m.close(a, StatusResolved, m.now())
	m.publish([]events.Event{alertEvent(events.AlertResolved, a)})
	return a.clone(), true
}

// ExpireOld moves open alerts created more than maxAge ago to EXPIRED.
// A non-positive maxAge uses the configured ceiling; if that is unset nothing expires.
func (m *Manager) ExpireOld(maxAge time.Duration) []Alert {
	if maxAge <= 0 {
		maxAge = m.opts.MaxAge
	}
	if maxAge <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []Alert
	var emitted []events.Event
	for _, id := range m.sortedOpenIDs() {
		a := m.alerts[id]
		if now.Sub(a.CreatedAt) <= maxAge {
			continue
		}
		m.close(a, StatusExpired, now)
		expired = append(expired, a.clone())
		emitted = append(emitted, alertEvent(events.AlertExpired, a))
	}
	m.publish(emitted)
	return expired
}

// Restore seeds the manager with alerts loaded from durable storage. Closed
// alerts only refresh the cooldown clock.
func (m *Manager) Restore(alerts []Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range alerts {
		a := alerts[i].clone()
		if a.ID == "" || a.AccountID == "" {
			return fmt.Errorf("restore alert without id or account")
		}
		if last, ok := m.lastAlert[a.AccountID]; !ok || a.CreatedAt.After(last) {
			m.lastAlert[a.AccountID] = a.CreatedAt
		}
		if !a.Status.Open() {
			continue
		}
		if existing, ok := m.open[a.AccountID]; ok && existing != a.ID {
			m.logger.Error().Str("account", a.AccountID).Str("alert_id", a.ID).Str("existing_id", existing).Msg("two open alerts for one account")
			return fmt.Errorf("restore %s for %s: %w", a.ID, a.AccountID, ErrDuplicateActive)
		}
		m.alerts[a.ID] = &a
		m.open[a.AccountID] = a.ID
	}
	metrics.ActiveAlerts.Set(float64(m.countActive()))
	return nil
}

// Get returns a copy of the alert.
func (m *Manager) Get(id string) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return a.clone(), true
}

// Active returns copies of all open alerts ordered by risk score, highest first.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.open))
	for _, id := range m.sortedOpenIDs() {
		out = append(out, m.alerts[id].clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out
}

// Prune drops closed alerts from memory once they are older than age.
func (m *Manager) Prune(age time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for id, a := range m.alerts {
		if a.Status.Open() || now.Sub(a.UpdatedAt) < age {
			continue
		}
		delete(m.alerts, id)
		n++
	}
	return n
}

func (m *Manager) close(a *Alert, status Status, now time.Time) {
	a.Status = status
	a.UpdatedAt = now
	if status == StatusResolved {
		a.ResolvedAt = &now
		if m.opts.ResetCooldownOnResolve {
			delete(m.lastAlert, a.AccountID)
		}
	}
	if m.open[a.AccountID] == a.ID {
		delete(m.open, a.AccountID)
	}
	metrics.AlertTransitions.WithLabelValues(string(status)).Inc()
	metrics.ActiveAlerts.Set(float64(m.countActive()))
}

func (m *Manager) countActive() int {
	n := 0
	for _, id := range m.open {
		if m.alerts[id].Status == StatusActive {
			n++
		}
	}
	return n
}

func (m *Manager) sortedOpenIDs() []string {
	ids := make([]string, 0, len(m.open))
	for _, id := range m.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// publish runs under m.mu; the emitter must not call back into the manager.
func (m *Manager) publish(evs []events.Event) {
	for _, e := range evs {
		m.emit.Emit(e)
	}
}

func alertEvent(t events.Type, a *Alert) events.Event {
	return events.Event{Type: t, Time: a.UpdatedAt, AccountID: a.AccountID, Payload: a.clone()}
}
