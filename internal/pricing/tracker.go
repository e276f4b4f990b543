package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"liquidation-sentinel/internal/fetcher"
	"liquidation-sentinel/internal/metrics"
)

// Sample is an immutable price observation.
type Sample struct {
	Asset      string    `json:"asset"`
	Price      float64   `json:"price"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	SourceTime time.Time `json:"sourceTime"`
}

// Freshness describes the age of a cached sample.
type Freshness int

const (
	Missing Freshness = iota
	Fresh
	Aging
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Aging:
		return "aging"
	case Stale:
		return "stale"
	default:
		return "missing"
	}
}

// Lookup is the outcome of a refresh for one asset.
type Lookup struct {
	Sample    Sample
	Freshness Freshness
	Err       error
}

// Options tune caching, history and retry behaviour.
type Options struct {
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	HistoryCapacity int           `mapstructure:"history_capacity"`
	HistoryInterval time.Duration `mapstructure:"history_interval"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
}

// DefaultOptions mirrors the stock deployment.
func DefaultOptions() Options {
	return Options{
		FreshnessWindow: 5 * time.Second,
		StalenessWindow: 10 * time.Second,
		HistoryCapacity: 1440,
		HistoryInterval: time.Minute,
		FetchTimeout:    5 * time.Second,
		RetryAttempts:   3,
		RetryBaseDelay:  500 * time.Millisecond,
		RetryMaxDelay:   4 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = def.FreshnessWindow
	}
	if o.StalenessWindow < o.FreshnessWindow {
		o.StalenessWindow = def.StalenessWindow
		if o.StalenessWindow < o.FreshnessWindow {
			o.StalenessWindow = o.FreshnessWindow
		}
	}
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = def.HistoryCapacity
	}
	if o.HistoryInterval <= 0 {
		o.HistoryInterval = def.HistoryInterval
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = def.FetchTimeout
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = def.RetryAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = def.RetryBaseDelay
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay * 8
	}
	return o
}

// Tracker caches the latest price per asset and keeps a bounded per-asset history.
// The cache and history are owned by the tracker; callers only get copies.
type Tracker struct {
	source fetcher.PriceSource
	opts   Options
	logger zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	cache   map[string]Sample
	history map[string]*ring
}

// NewTracker builds a tracker over a price source.
func NewTracker(source fetcher.PriceSource, opts Options, logger zerolog.Logger) *Tracker {
	return &Tracker{
		source:  source,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "price_tracker").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepCtx,
		cache:   make(map[string]Sample),
		history: make(map[string]*ring),
	}
}

// Price returns the cached sample and how fresh it is.
func (t *Tracker) Price(asset string) (Sample, Freshness, bool) {
	t.mu.RLock()
	s, ok := t.cache[asset]
	t.mu.RUnlock()
	if !ok {
		return Sample{}, Missing, false
	}
	age := t.now().Sub(s.Timestamp)
	metrics.PriceAgeSeconds.WithLabelValues(asset).Set(age.Seconds())
	return s, t.classify(age), true
}

func (t *Tracker) classify(age time.Duration) Freshness {
	switch {
	case age < t.opts.FreshnessWindow:
		return Fresh
	case age > t.opts.StalenessWindow:
		return Stale
	default:
		return Aging
	}
}

// History returns the newest prices for asset, oldest first, as a fresh slice.
// minutes > 0 limits the result to that many minutes of history plus the base point.
func (t *Tracker) History(asset string, minutes int) []float64 {
	n := 0
	if minutes > 0 {
		n = int(time.Duration(minutes)*time.Minute/t.opts.HistoryInterval) + 1
	}

	t.mu.RLock()
	r, ok := t.history[asset]
	var samples []Sample
	if ok {
		samples = r.tail(n)
	}
	t.mu.RUnlock()

	prices := make([]float64, len(samples))
	for i, s := range samples {
		prices[i] = s.Price
	}
	return prices
}

// HistoryLen reports how many samples are retained for asset.
func (t *Tracker) HistoryLen(asset string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.history[asset]; ok {
		return r.len()
	}
	return 0
}

// Record stores an observation in the cache and, if due, in history.
func (t *Tracker) Record(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.cache[s.Asset]; ok && s.Timestamp.Before(prev.Timestamp) {
		return
	}
	t.cache[s.Asset] = s

	r, ok := t.history[s.Asset]
	if !ok {
		r = newRing(t.opts.HistoryCapacity)
		t.history[s.Asset] = r
	}
	if last, ok := r.last(); ok && s.Timestamp.Sub(last.Timestamp) < t.opts.HistoryInterval {
		return
	}
	r.push(s)
}

// Refresh fetches one asset with retries. On failure the previous sample, if any,
// is returned together with its freshness and the fetch error.
func (t *Tracker) Refresh(ctx context.Context, asset string) Lookup {
	quote, err := t.fetchWithRetry(ctx, asset)
	if err != nil {
		metrics.PriceFetchFailures.WithLabelValues(asset).Inc()
		s, fresh, ok := t.Price(asset)
		ev := t.logger.Warn().Err(err).Str("asset", asset).Str("freshness", fresh.String())
		if ok {
			ev = ev.Time("cached_at", s.Timestamp)
		}
		ev.Msg("price refresh failed; serving cached value")
		return Lookup{Sample: s, Freshness: fresh, Err: err}
	}

	sample := Sample{
		Asset:      asset,
		Price:      quote.Price.InexactFloat64(),
		Confidence: quote.Confidence.InexactFloat64(),
		Timestamp:  t.now(),
		SourceTime: quote.Timestamp,
	}
	t.Record(sample)
	return Lookup{Sample: sample, Freshness: Fresh}
}

// RefreshAll refreshes assets concurrently. It never fails as a whole; per-asset
// errors are reported in the returned lookups.
func (t *Tracker) RefreshAll(ctx context.Context, assets []string) map[string]Lookup {
	results := make(map[string]Lookup, len(assets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range assets {
		g.Go(func() error {
			res := t.Refresh(gctx, asset)
			mu.Lock()
			results[asset] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// EnsureFresh refreshes only the assets whose cached price is not fresh.
func (t *Tracker) EnsureFresh(ctx context.Context, assets []string) map[string]Lookup {
	results := make(map[string]Lookup, len(assets))
	var due []string
	for _, asset := range assets {
		s, fresh, _ := t.Price(asset)
		if fresh == Fresh {
			results[asset] = Lookup{Sample: s, Freshness: fresh}
			continue
		}
		due = append(due, asset)
	}
	for asset, res := range t.RefreshAll(ctx, due) {
		results[asset] = res
	}
	return results
}

// Run refreshes assets on a fixed interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, assets []string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("price refresh interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.RefreshAll(ctx, assets)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.RefreshAll(ctx, assets)
		}
	}
}

func (t *Tracker) fetchWithRetry(ctx context.Context, asset string) (fetcher.Quote, error) {
	if t.source == nil {
		return fetcher.Quote{}, fmt.Errorf("price source not configured")
	}

	b := &backoff.Backoff{
		Min:    t.opts.RetryBaseDelay,
		Max:    t.opts.RetryMaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= t.opts.RetryAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, t.opts.FetchTimeout)
		quote, err := t.source.FetchPrice(fetchCtx, asset)
		cancel()
		if err == nil {
			return quote, nil
		}
		lastErr = err
		if attempt == t.opts.RetryAttempts || ctx.Err() != nil {
			break
		}

		delay := b.Duration()
		t.logger.Debug().Err(err).Str("asset", asset).Int("attempt", attempt).Dur("delay", delay).Msg("retrying price fetch")
		if err := t.sleep(ctx, delay); err != nil {
			return fetcher.Quote{}, err
		}
	}
	return fetcher.Quote{}, fmt.Errorf("fetch %s after %d attempts: %w", asset, t.opts.RetryAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
