package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner deletes durable rows older than a cut-off.
type Pruner interface {
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// MemoryPruner drops closed in-memory state older than an age.
type MemoryPruner interface {
	Prune(age time.Duration) int
}

// Options configure the retention job.
type Options struct {
	Enabled     bool          `mapstructure:"enabled"`
	Schedule    string        `mapstructure:"schedule"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	AlertTTL    time.Duration `mapstructure:"alert_ttl"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Result counts what one sweep removed.
type Result struct {
	Snapshots    int64
	Alerts       int64
	MemoryAlerts int
}

// Retention periodically deletes snapshots and closed alerts past their TTL.
type Retention struct {
	opts   Options
	store  Pruner
	memory MemoryPruner
	logger zerolog.Logger
	now    func() time.Time
}

// NewRetention builds the job. memory may be nil.
func NewRetention(opts Options, store Pruner, memory MemoryPruner, logger zerolog.Logger) (*Retention, error) {
	if opts.Schedule == "" {
		opts.Schedule = "@daily"
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", opts.Schedule, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Retention{
		opts:   opts,
		store:  store,
		memory: memory,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run schedules Sweep on the cron spec until ctx is cancelled.
func (r *Retention) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.opts.Schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
		if _, err := r.Sweep(sweepCtx); err != nil {
			r.logger.Error().Err(err).Msg("retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("register retention job: %w", err)
	}

	c.Start()
	r.logger.Info().Str("schedule", r.opts.Schedule).Msg("retention scheduled")
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// Sweep deletes expired rows once. A zero TTL keeps that kind forever.
func (r *Retention) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := r.now()

	if r.store != nil && r.opts.SnapshotTTL > 0 {
		n, err := r.store.DeleteSnapshotsBefore(ctx, now.Add(-r.opts.SnapshotTTL))
		if err != nil {
			return res, fmt.Errorf("prune snapshots: %w", err)
		}
		res.Snapshots = n
	}
	if r.opts.AlertTTL > 0 {
		if r.store != nil {
			n, err := r.store.DeleteAlertsBefore(ctx, now.Add(-r.opts.AlertTTL))
			if err != nil {
				return res, fmt.Errorf("prune alerts: %w", err)
			}
			res.Alerts = n
		}
		if r.memory != nil {
			res.MemoryAlerts = r.memory.Prune(r.opts.AlertTTL)
		}
	}

	r.logger.Info().Int64("snapshots", res.Snapshots).
		Int64("alerts", res.Alerts).
		Int("memory_alerts", res.MemoryAlerts).
		Msg("retention sweep complete")
	return res, nil
}
