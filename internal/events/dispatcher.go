package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"liquidation-sentinel/internal/metrics"
)

// DispatcherOptions tune the dispatch queue.
type DispatcherOptions struct {
	QueueSize      int
	PublishTimeout time.Duration
}

// Dispatcher fans events out to sinks from a single goroutine so the monitoring
// cycle never waits on a slow transport.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	done    chan struct{}
}

// NewDispatcher constructs a dispatcher over the given sinks.
func NewDispatcher(opts DispatcherOptions, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Dispatcher{
		queue:   make(chan Event, opts.QueueSize),
		sinks:   sinks,
		timeout: opts.PublishTimeout,
		logger:  logger.With().Str("component", "events").Logger(),
		done:    make(chan struct{}),
	}
}

// Emit enqueues e. A full queue drops the event.
func (d *Dispatcher) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.EventsDropped.WithLabelValues("closed").Inc()
		return
	}
	select {
	case d.queue <- e:
	default:
		metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		d.logger.Warn().Str("type", string(e.Type)).Msg("event queue full; dropping event")
	}
}

// Run delivers queued events until Close is called and the queue drains.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}
	defer close(d.done)
	for e := range d.queue {
		d.deliver(ctx, e)
	}
	return nil
}

// Close stops accepting events and waits for Run to drain the queue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	if d.started.Load() {
		<-d.done
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, sink := range d.sinks {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		err := sink.Publish(pubCtx, e)
		cancel()
		if err != nil {
			metrics.EventsDropped.WithLabelValues("sink_error").Inc()
			d.logger.Error().Err(err).Str("sink", sink.Name()).Str("type", string(e.Type)).Msg("publish event failed")
		}
	}
}

var _ Emitter = (*Dispatcher)(nil)
