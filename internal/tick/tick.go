// Package tick abstracts the fixed-rate timers that drive the engine so the
// fusion math can be stepped by wall time in production and by synthetic time
// in tests.
package tick

import (
	"sync"
	"time"
)

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Source interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Wall is the real-time Source backed by time.Ticker.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now().UTC() }

func (Wall) NewTicker(d time.Duration) Ticker {
	return wallTicker{t: time.NewTicker(d)}
}

type wallTicker struct {
	t *time.Ticker
}

func (w wallTicker) C() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()               { w.t.Stop() }

// Manual is a synthetic Source. Time only moves when Advance is called.
// Like time.Ticker, each ticker holds at most one undelivered value; extra
// ticks are dropped when the receiver lags.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("tick: non-positive interval")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{m: m, every: d, next: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves synthetic time forward by d, firing every ticker whose
// deadline falls within the step.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := m.now.Add(d)
	for _, t := range m.tickers {
		if t.stopped {
			continue
		}
		fired := false
		for !t.next.After(target) {
			fired = true
			t.next = t.next.Add(t.every)
		}
		if fired {
			select {
			case t.ch <- target:
			default:
			}
		}
	}
	m.now = target
}

// Active returns the number of tickers that have not been stopped.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type manualTicker struct {
	m       *Manual
	every   time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.m.mu.Lock()
	t.stopped = true
	t.m.mu.Unlock()
}
