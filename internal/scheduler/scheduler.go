package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval      time.Duration
	AlignToStart  bool
	StartupDelay  time.Duration
	RunOnStart    bool
	ShutdownGrace time.Duration
}

// Scheduler drives periodic execution of the monitoring cycle. Ticks never
// overlap: the next one is scheduled only after the previous returns.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive")
	}
	if opts.ShutdownGrace < 0 {
		opts.ShutdownGrace = 0
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}, nil
}

// Interval returns the configured tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

// Run blocks, invoking tick at each interval until ctx is cancelled. A tick in
// flight at cancellation keeps running for at most ShutdownGrace.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.execute(ctx, tick, time.Now().UTC())
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.execute(ctx, tick, s.bucketStart(next))
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next = next.Add(s.opts.Interval)
	}
}

// execute runs one tick on a context that outlives ctx by the shutdown grace.
func (s *Scheduler) execute(ctx context.Context, tick TickFunc, at time.Time) {
	tickCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		if s.opts.ShutdownGrace <= 0 {
			cancel()
			return
		}
		s.logger.Info().Dur("grace", s.opts.ShutdownGrace).Msg("shutdown requested; letting in-flight tick finish")
		timer := time.NewTimer(s.opts.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.logger.Warn().Msg("shutdown grace elapsed; cancelling tick")
			cancel()
		case <-tickCtx.Done():
		}
	})
	defer stop()

	s.logger.Debug().Time("tick", at).Msg("executing scheduled tick")
	if err := tick(tickCtx, at); err != nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
