package meshfeed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"meshar/internal/engine"
)

type Config struct {
	Enable bool
	// Addr is the bridge's host:port.
	Addr string

	ReconnectDelay time.Duration
	NodeTTL        time.Duration
	MaxNodes       int

	MaxLineBytes int
	DialTimeout  time.Duration

	// Tap, when set, sees every non-empty line before it is decoded.
	Tap func(line []byte, at time.Time)
}

type Status struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Messages    uint64 `json:"messages"`
	Rejected    uint64 `json:"rejected"`
	Nodes       int    `json:"nodes"`
}

// Client keeps a TCP connection to the bridge open, reconnecting after
// ReconnectDelay, and applies every decoded packet to its Store.
type Client struct {
	cfg   Config
	store *Store
	now   func() time.Time

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
	rejected uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 64 * 1024
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &Client{
		cfg:   cfg,
		store: NewStore(StoreConfig{MaxNodes: cfg.MaxNodes, TTL: cfg.NodeTTL}),
		now:   func() time.Time { return time.Now().UTC() },
		state: "stopped",
		done:  make(chan struct{}),
	}
}

func (c *Client) Store() *Store {
	if c == nil {
		return nil
	}
	return c.store
}

// Nodes returns the current per-node records for a processing cycle.
func (c *Client) Nodes() []engine.EntityRecord {
	if c == nil {
		return nil
	}
	return c.store.Snapshot(c.now())
}

func (c *Client) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("meshfeed: client is nil")
	}
	if !c.cfg.Enable {
		return nil
	}
	if c.cfg.Addr == "" {
		return fmt.Errorf("meshfeed: addr is required")
	}
	if c.closed.Load() {
		return fmt.Errorf("meshfeed: client is closed")
	}
	if c.started.Swap(true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")
	log.Printf("meshfeed enabled addr=%s", c.cfg.Addr)

	go func() {
		defer close(c.done)
		c.runLoop(runCtx)
	}()
	return nil
}

func (c *Client) Close() {
	if c == nil || c.closed.Swap(true) {
		return
	}
	if !c.started.Load() {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Client) Status() Status {
	if c == nil {
		return Status{}
	}
	c.mu.RLock()
	out := Status{
		Enabled:   c.cfg.Enable,
		Addr:      c.cfg.Addr,
		State:     c.state,
		LastError: c.lastErr,
		Messages:  c.count,
		Rejected:  c.rejected,
	}
	lastSeen := c.lastSeen
	c.mu.RUnlock()
	if !lastSeen.IsZero() {
		out.LastSeenUTC = lastSeen.Format(time.RFC3339Nano)
	}
	out.Nodes = c.store.Len()
	return out
}

func (c *Client) runLoop(ctx context.Context) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	for ctx.Err() == nil {
		c.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.setState("error", err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				break
			}
			continue
		}

		c.setState("connected", "")
		// Closing the conn unblocks the reader when ctx ends.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = c.consume(conn)
		stop()
		_ = conn.Close()
		if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			c.setState("disconnected", "")
		} else {
			c.setState("disconnected", err.Error())
		}

		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			break
		}
	}
	c.setState("stopped", "")
}

// consume reads lines until the connection fails. Malformed lines are
// counted and skipped.
func (c *Client) consume(conn net.Conn) error {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) handleLine(line []byte) {
	if len(line) > c.cfg.MaxLineBytes {
		c.reject(fmt.Sprintf("ndjson line too large (%d bytes)", len(line)))
		return
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	now := c.now()
	if c.cfg.Tap != nil {
		c.cfg.Tap(line, now)
	}
	u, ok, err := ParseLine(line, now)
	if err != nil {
		c.reject(err.Error())
		return
	}
	if ok {
		c.store.Apply(u)
	}
	c.mu.Lock()
	c.lastSeen = now
	c.count++
	c.mu.Unlock()
}

func (c *Client) reject(msg string) {
	c.mu.Lock()
	c.rejected++
	c.lastErr = msg
	c.mu.Unlock()
}

func (c *Client) setState(state string, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" || state == "stopped" {
		c.lastErr = ""
	}
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
