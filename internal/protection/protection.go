package protection

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"liquidation-sentinel/internal/alerting"
	"liquidation-sentinel/internal/events"
)

// ErrNotImplemented is returned by capabilities that cannot act yet.
var ErrNotImplemented = errors.New("protection: not implemented")

// Status reports what a protection attempt did.
type Status string

const (
	StatusNotImplemented Status = "NOT_IMPLEMENTED"
	StatusSkipped        Status = "SKIPPED"
	StatusSubmitted      Status = "SUBMITTED"
)

// Result is the outcome of one protection request.
type Result struct {
	AlertID   string `json:"alertId"`
	AccountID string `json:"accountId"`
	Status    Status `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Capability executes a protective action for a critical alert. Implementations
// run outside the monitoring cycle.
type Capability interface {
	Protect(ctx context.Context, alert alerting.Alert) (Result, error)
}

// Unsupported is the default capability; swap execution is not wired.
type Unsupported struct{}

func (Unsupported) Protect(_ context.Context, alert alerting.Alert) (Result, error) {
	return Result{
		AlertID:   alert.ID,
		AccountID: alert.AccountID,
		Status:    StatusNotImplemented,
		Detail:    "no execution venue configured",
	}, ErrNotImplemented
}

// Sink consumes alert:critical events and hands them to a capability.
type Sink struct {
	capability Capability
	logger     zerolog.Logger
}

// NewSink builds the protection sink. A nil capability uses Unsupported.
func NewSink(c Capability, logger zerolog.Logger) *Sink {
	if c == nil {
		c = Unsupported{}
	}
	return &Sink{capability: c, logger: logger.With().Str("component", "protection").Logger()}
}

func (s *Sink) Name() string { return "protection" }

func (s *Sink) Publish(ctx context.Context, e events.Event) error {
	if e.Type != events.AlertCritical {
		return nil
	}
	alert, ok := e.Payload.(alerting.Alert)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", e.Payload, e.Type)
	}

	res, err := s.capability.Protect(ctx, alert)
	if errors.Is(err, ErrNotImplemented) {
		s.logger.Warn().Str("account", alert.AccountID).Str("alert_id", alert.ID).Str("status", string(res.Status)).Msg("protection requested but not available")
		return nil
	}
	if err != nil {
		return fmt.Errorf("protect %s: %w", alert.AccountID, err)
	}
	s.logger.Info().Str("account", alert.AccountID).Str("alert_id", alert.ID).Str("status", string(res.Status)).Str("detail", res.Detail).Msg("protection executed")
	return nil
}

var (
	_ Capability  = Unsupported{}
	_ events.Sink = (*Sink)(nil)
)
