package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"liquidation-sentinel/internal/health"
	"liquidation-sentinel/internal/metrics"
)

// Options configure the push-feed connection.
type Options struct {
	URL              string        `mapstructure:"url"`
	ReconnectMin     time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

func (o Options) withDefaults() Options {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * time.Second
		if o.ReconnectMax < o.ReconnectMin {
			o.ReconnectMax = o.ReconnectMin
		}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MaxAge <= 0 {
		o.MaxAge = time.Minute
	}
	return o
}

// subscription is the control frame sent to the feed.
type subscription struct {
	Op       string   `json:"op"`
	Accounts []string `json:"accounts"`
}

// Client keeps a websocket subscription per monitored account and caches the
// newest snapshot for each. While disconnected the cache only ages.
type Client struct {
	opts   Options
	parser Parser
	logger zerolog.Logger
	dialer *websocket.Dialer
	now    func() time.Time

	connected atomic.Bool

	mu     sync.RWMutex
	subs   map[string]struct{}
	latest map[string]Update

	// syncMu orders subscription frames. sent is the set written on the
	// current connection.
	syncMu      sync.Mutex
	sent        map[string]struct{}
	resubscribe func()

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewClient builds a feed client. A nil parser uses JSONParser.
func NewClient(opts Options, parser Parser, logger zerolog.Logger) *Client {
	opts = opts.withDefaults()
	if parser == nil {
		parser = JSONParser{}
	}
	return &Client{
		opts:   opts,
		parser: parser,
		logger: logger.With().Str("component", "feed").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[string]struct{}),
		latest: make(map[string]Update),
		sent:   make(map[string]struct{}),
	}
}

// MaxAge is the configured freshness ceiling for cached snapshots.
func (c *Client) MaxAge() time.Duration {
	return c.opts.MaxAge
}

// Connected reports whether a live connection is established.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Latest returns the cached snapshot for id if it is younger than maxAge.
// A non-positive maxAge uses the configured ceiling.
func (c *Client) Latest(id string, maxAge time.Duration) (health.PositionSnapshot, bool) {
	if maxAge <= 0 {
		maxAge = c.opts.MaxAge
	}
	c.mu.RLock()
	u, ok := c.latest[id]
	c.mu.RUnlock()
	if !ok || c.now().Sub(u.ReceivedAt) > maxAge {
		return health.PositionSnapshot{}, false
	}
	return u.Snapshot, true
}

// Sync replaces the subscription set. When connected the difference against
// what the connection was already sent goes out immediately; otherwise it
// applies on the next connect. Accounts whose frame fails stay pending and are
// retried by the next Sync.
func (c *Client) Sync(ids []string) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	for id := range c.subs {
		if _, ok := want[id]; !ok {
			delete(c.latest, id)
		}
	}
	c.subs = want
	c.mu.Unlock()

	if !c.Connected() {
		return nil
	}

	var added, removed []string
	for id := range want {
		if _, ok := c.sent[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range c.sent {
		if _, ok := want[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	if len(added) > 0 {
		if err := c.send(subscription{Op: "subscribe", Accounts: added}); err != nil {
			return err
		}
		for _, id := range added {
			c.sent[id] = struct{}{}
		}
	}
	if len(removed) > 0 {
		if err := c.send(subscription{Op: "unsubscribe", Accounts: removed}); err != nil {
			return err
		}
		for _, id := range removed {
			delete(c.sent, id)
		}
	}
	return nil
}

// Subscriptions returns the sorted subscription set.
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run connects and reconnects with exponential backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if c.opts.URL == "" {
		return fmt.Errorf("feed url not configured")
	}

	b := &backoff.Backoff{
		Min:    c.opts.ReconnectMin,
		Max:    c.opts.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := b.Duration()
		metrics.FeedReconnects.Inc()
		c.logger.Warn().Err(err).Dur("delay", delay).Msg("feed disconnected; reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails.
func (c *Client) session(ctx context.Context, b *backoff.Backoff) error {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connected.Store(false)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// Subscriptions go out before any update is read. Sync waits until the
	// connection is marked live so no account falls between the two.
	if err := c.resubscribeAll(); err != nil {
		return err
	}
	b.Reset()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(pingDone)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read feed: %w", err)
		}
		c.handle(msg)
	}
}

func (c *Client) resubscribeAll() error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	clear(c.sent)
	ids := c.Subscriptions()
	if len(ids) > 0 {
		if err := c.send(subscription{Op: "subscribe", Accounts: ids}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
		for _, id := range ids {
			c.sent[id] = struct{}{}
		}
	}
	if c.resubscribe != nil {
		c.resubscribe()
	}
	c.connected.Store(true)
	c.logger.Info().Str("url", c.opts.URL).Int("subscriptions", len(ids)).Msg("feed connected")
	return nil
}

func (c *Client) handle(msg []byte) {
	snap, ok, err := c.parser.Parse(msg)
	if err != nil {
		metrics.FeedMessages.WithLabelValues("rejected").Inc()
		c.logger.Warn().Err(err).Msg("discarding feed message")
		return
	}
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, subscribed := c.subs[snap.AccountID]; !subscribed {
		metrics.FeedMessages.WithLabelValues("unsubscribed").Inc()
		return
	}
	c.latest[snap.AccountID] = Update{Snapshot: snap, ReceivedAt: c.now()}
	metrics.FeedMessages.WithLabelValues("parsed").Inc()
}

func (c *Client) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("feed ping failed")
				return
			}
		}
	}
}

func (c *Client) send(v subscription) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("send %s: %w", v.Op, err)
	}
	return nil
}

func (c *Client) write(messageType int, data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteControl(messageType, data, time.Now().Add(c.opts.WriteTimeout))
}

var errNotConnected = errors.New("feed: not connected")
