package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"liquidation-sentinel/internal/fetcher"
	"liquidation-sentinel/internal/health"
	"liquidation-sentinel/internal/pricing"
	"liquidation-sentinel/internal/service"
	"liquidation-sentinel/internal/storage"
)

// SimulateAlert runs one monitoring cycle over a synthetic position, routing
// any resulting alert through the configured notification and event sinks.
// Nothing is written to the database.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}
	if opts.AccountID == "" {
		opts.AccountID = "simulated"
	}
	snap := health.PositionSnapshot{
		AccountID:       opts.AccountID,
		CollateralValue: opts.Collateral,
		DebtValue:       opts.Debt,
		OraclePrice:     opts.Price,
	}
	if err := snap.Validate(); err != nil {
		return err
	}

	sinks, closeSinks, err := a.newSinks()
	if err != nil {
		return err
	}
	defer closeSinks()

	asset := a.Config.Pricing.PrimaryAsset
	source := fetcher.Static{asset: decimal.NewFromFloat(opts.Price)}

	p, err := a.buildPipeline(pipelineDeps{
		accounts: storage.StaticAccounts{opts.AccountID},
		source:   source,
		feed:     staticFeed{opts.AccountID: snap},
		sinks:    sinks,
	})
	if err != nil {
		return err
	}

	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- p.dispatcher.Run(ctx) }()

	seedHistory(p.tracker, asset, opts.History, time.Now().UTC())

	res, err := p.service.RunCycle(ctx)
	p.dispatcher.Close()
	<-dispatchDone
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "account=%s volatility=%.3f (%s) new_alerts=%d open_alerts=%d\n",
		opts.AccountID, res.Volatility.Value, res.Volatility.Level, res.NewAlerts, res.OpenAlerts)
	for _, alert := range p.manager.Active() {
		fmt.Fprintf(os.Stdout, "alert %s risk=%.1f cascade=%.3f action=%s\n",
			alert.ID, alert.RiskScore, alert.CascadeProbability, alert.RecommendedAction)
	}
	return nil
}

// seedHistory records prices one minute apart, ending at now.
func seedHistory(t *pricing.Tracker, asset string, prices []float64, now time.Time) {
	for i, price := range prices {
		at := now.Add(-time.Duration(len(prices)-1-i) * time.Minute)
		t.Record(pricing.Sample{Asset: asset, Price: price, Timestamp: at, SourceTime: at})
	}
}

// staticFeed serves fixed snapshots regardless of age.
type staticFeed map[string]health.PositionSnapshot

func (f staticFeed) Sync([]string) error { return nil }

func (f staticFeed) Latest(id string, _ time.Duration) (health.PositionSnapshot, bool) {
	s, ok := f[id]
	return s, ok
}

var _ service.SnapshotFeed = staticFeed(nil)
