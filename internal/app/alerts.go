package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"liquidation-sentinel/internal/alerting"
	"liquidation-sentinel/internal/fetcher"
	"liquidation-sentinel/internal/storage"
)

// AlertAction is an operator transition applied from the CLI.
type AlertAction string

const (
	ActionAcknowledge AlertAction = "acknowledge"
	ActionResolve     AlertAction = "resolve"
)

// UpdateAlert applies an operator action to a stored alert. A running monitor
// picks the change up on its next cycle.
func (a *App) UpdateAlert(ctx context.Context, id string, action AlertAction) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot update alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	p, err := a.buildPipeline(pipelineDeps{store: store, source: fetcher.Static{}})
	if err != nil {
		return err
	}
	defer p.dispatcher.Close()

	if _, err := p.service.Restore(ctx); err != nil {
		return err
	}

	var alert alerting.Alert
	switch action {
	case ActionAcknowledge:
		alert, err = p.service.Acknowledge(ctx, id)
	case ActionResolve:
		alert, err = p.service.Resolve(ctx, id)
	default:
		return fmt.Errorf("unknown alert action %q", action)
	}
	if errors.Is(err, alerting.ErrAlertNotFound) {
		// closed alerts are not restored; report their stored status instead
		rec, getErr := store.GetAlert(ctx, id)
		if getErr != nil {
			if errors.Is(getErr, storage.ErrNotFound) {
				return err
			}
			return getErr
		}
		return fmt.Errorf("%s %s from %s: %w", action, id, rec.Status, alerting.ErrInvalidTransition)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "alert %s (%s) is now %s\n", alert.ID, alert.AccountID, alert.Status)
	return nil
}
