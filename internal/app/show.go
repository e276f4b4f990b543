package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"liquidation-sentinel/internal/storage"
)

// Show prints recent position snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show snapshots")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snapshots, err := store.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
		return nil
	}
	return writeSnapshotTable(os.Stdout, snapshots)
}

// Alerts prints recent alerts, newest first.
func (a *App) Alerts(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}
	return writeAlertTable(os.Stdout, alerts)
}

func writeSnapshotTable(w io.Writer, snapshots []storage.SnapshotRecord) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tObserved (UTC)\tAccount\tCollateral\tDebt\tHF\tTier\tRisk\tAction\tVolatility")

	for _, snap := range snapshots {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			snap.CapturedAt.UTC().Format(time.RFC3339),
			snap.PositionTime().UTC().Format(time.RFC3339),
			sanitizeInline(snap.AccountID),
			formatDecimal(snap.CollateralValue, 2),
			formatDecimal(snap.DebtValue, 2),
			formatDecimal(snap.HealthFactor, 3),
			snap.Tier,
			formatDecimal(snap.RiskScore, 1),
			snap.Action,
			formatDecimal(snap.VolatilityIndex, 3),
		)
	}
	return writer.Flush()
}

func writeAlertTable(w io.Writer, alerts []storage.AlertRecord) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tID\tAccount\tStatus\tRisk\tCascade\tAction\tUpdated (UTC)")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.ID,
			sanitizeInline(alert.AccountID),
			alert.Status,
			formatDecimal(alert.RiskScore, 1),
			formatDecimal(alert.CascadeProbability, 3),
			alert.RecommendedAction,
			alert.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
