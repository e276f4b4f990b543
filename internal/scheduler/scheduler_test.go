package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("zero interval should fail")
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s, err := New(Options{Interval: 10 * time.Millisecond, RunOnStart: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, at time.Time) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestInFlightTickSurvivesWithinGrace(t *testing.T) {
	s, _ := New(Options{Interval: time.Hour, RunOnStart: true, ShutdownGrace: time.Second}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var tickErr atomic.Value
	err := s.Run(ctx, func(tickCtx context.Context, _ time.Time) error {
		cancel()
		select {
		case <-tickCtx.Done():
			tickErr.Store("cancelled inside grace")
		case <-time.After(50 * time.Millisecond):
			tickErr.Store("completed")
		}
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := tickErr.Load(); got != "completed" {
		t.Fatalf("tick should complete within grace, got %v", got)
	}
}

func TestInFlightTickCancelledAfterGrace(t *testing.T) {
	s, _ := New(Options{Interval: time.Hour, RunOnStart: true, ShutdownGrace: 20 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	_ = s.Run(ctx, func(tickCtx context.Context, _ time.Time) error {
		cancel()
		<-tickCtx.Done()
		return tickCtx.Err()
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("tick should be cancelled after grace, took %s", elapsed)
	}
}

func TestAlignedNextTick(t *testing.T) {
	s, _ := New(Options{Interval: 15 * time.Second, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 1, 1, 0, 0, 7, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC)) {
		t.Fatalf("unexpected next tick %s", got)
	}
	exact := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	if got := s.nextTick(exact); !got.Equal(exact.Add(15 * time.Second)) {
		t.Fatalf("unexpected next tick %s", got)
	}
}
