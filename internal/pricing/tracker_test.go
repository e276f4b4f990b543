package pricing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidation-sentinel/internal/fetcher"
)

type scriptedSource struct {
	mu       sync.Mutex
	calls    int
	failures int
	price    decimal.Decimal
}

func (s *scriptedSource) FetchPrice(ctx context.Context, asset string) (fetcher.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return fetcher.Quote{}, errors.New("upstream unavailable")
	}
	return fetcher.Quote{Asset: asset, Price: s.price, Timestamp: time.Unix(1700000000, 0)}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(src fetcher.PriceSource, opts Options) (*Tracker, *fakeClock, *[]time.Duration) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var sleeps []time.Duration
	tr := NewTracker(src, opts, zerolog.Nop())
	tr.now = clock.Now
	tr.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return tr, clock, &sleeps
}

func TestFreshnessWindows(t *testing.T) {
	src := &scriptedSource{price: decimal.NewFromInt(100)}
	tr, clock, _ := newTestTracker(src, DefaultOptions())

	_, fresh, ok := tr.Price("SOL")
	assert.False(t, ok)
	assert.Equal(t, Missing, fresh)

	res := tr.Refresh(context.Background(), "SOL")
	require.NoError(t, res.Err)
	assert.Equal(t, 100.0, res.Sample.Price)

	_, fresh, _ = tr.Price("SOL")
	assert.Equal(t, Fresh, fresh)

	clock.Advance(7 * time.Second)
	_, fresh, _ = tr.Price("SOL")
	assert.Equal(t, Aging, fresh)

	clock.Advance(4 * time.Second)
	_, fresh, _ = tr.Price("SOL")
	assert.Equal(t, Stale, fresh)
}

func TestRefreshRetriesThenSucceeds(t *testing.T) {
	src := &scriptedSource{price: decimal.NewFromInt(50), failures: 2}
	tr, _, sleeps := newTestTracker(src, DefaultOptions())

	res := tr.Refresh(context.Background(), "SOL")
	require.NoError(t, res.Err)
	assert.Equal(t, 3, src.calls)
	require.Len(t, *sleeps, 2)
	assert.GreaterOrEqual(t, (*sleeps)[0], 500*time.Millisecond)
}

func TestRefreshExhaustedServesCached(t *testing.T) {
	src := &scriptedSource{price: decimal.NewFromInt(80)}
	tr, clock, _ := newTestTracker(src, DefaultOptions())
	require.NoError(t, tr.Refresh(context.Background(), "SOL").Err)

	clock.Advance(30 * time.Second)
	src.failures = 10
	res := tr.Refresh(context.Background(), "SOL")

	require.Error(t, res.Err)
	assert.Equal(t, 80.0, res.Sample.Price)
	assert.Equal(t, Stale, res.Freshness)
	assert.Equal(t, 4, src.calls)
}

func TestRefreshExhaustedWithoutCache(t *testing.T) {
	src := &scriptedSource{failures: 10}
	tr, _, _ := newTestTracker(src, DefaultOptions())

	res := tr.Refresh(context.Background(), "SOL")
	require.Error(t, res.Err)
	assert.Equal(t, Missing, res.Freshness)
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	opts := DefaultOptions()
	opts.HistoryCapacity = 5
	tr, _, _ := newTestTracker(nil, opts)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		tr.Record(Sample{Asset: "SOL", Price: float64(i), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	assert.Equal(t, 5, tr.HistoryLen("SOL"))
	assert.Equal(t, []float64{3, 4, 5, 6, 7}, tr.History("SOL", 0))
	assert.Equal(t, []float64{6, 7}, tr.History("SOL", 1))

	h := tr.History("SOL", 0)
	h[0] = 999
	assert.Equal(t, 3.0, tr.History("SOL", 0)[0], "history must be a copy")
}

func TestHistoryThrottledByInterval(t *testing.T) {
	tr, _, _ := newTestTracker(nil, DefaultOptions())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tr.Record(Sample{Asset: "SOL", Price: 1, Timestamp: base})
	tr.Record(Sample{Asset: "SOL", Price: 2, Timestamp: base.Add(20 * time.Second)})
	tr.Record(Sample{Asset: "SOL", Price: 3, Timestamp: base.Add(61 * time.Second)})

	assert.Equal(t, []float64{1, 3}, tr.History("SOL", 0))
	s, _, ok := tr.Price("SOL")
	require.True(t, ok)
	assert.Equal(t, 3.0, s.Price)
}

func TestEnsureFreshSkipsFreshAssets(t *testing.T) {
	src := &scriptedSource{price: decimal.NewFromInt(10)}
	tr, clock, _ := newTestTracker(src, DefaultOptions())

	tr.RefreshAll(context.Background(), []string{"SOL", "ETH"})
	assert.Equal(t, 2, src.calls)

	tr.EnsureFresh(context.Background(), []string{"SOL", "ETH"})
	assert.Equal(t, 2, src.calls)

	clock.Advance(6 * time.Second)
	res := tr.EnsureFresh(context.Background(), []string{"SOL"})
	assert.Equal(t, 3, src.calls)
	assert.Equal(t, Fresh, res["SOL"].Freshness)
}

func TestRingTail(t *testing.T) {
	r := newRing(3)
	_, ok := r.last()
	assert.False(t, ok)
	assert.Empty(t, r.tail(0))

	for i := 1; i <= 4; i++ {
		r.push(Sample{Price: float64(i)})
	}
	last, _ := r.last()
	assert.Equal(t, 4.0, last.Price)
	got := r.tail(10)
	require.Len(t, got, 3)
	assert.Equal(t, 2.0, got[0].Price)
}
