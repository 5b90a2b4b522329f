// Package indicator drives a GPIO line (LED or buzzer) while recent alerts
// are at or above a configured severity.
package indicator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"meshar/internal/threat"
)

var openLineFn = openLine
var afterFn = time.After

type Config struct {
	Enable bool
	// Pin is BCM GPIO numbering.
	Pin int
	// MinSeverity is the lowest alert severity that turns the line on.
	MinSeverity threat.Severity
	// HoldFor keeps the line on after the last triggering alert.
	HoldFor time.Duration
	// SelfTest pulses the line once at startup.
	SelfTest time.Duration
}

type Snapshot struct {
	Enabled   bool      `json:"enabled"`
	Available bool      `json:"available"`
	On        bool      `json:"on"`
	Pin       int       `json:"pin"`
	Triggers  uint64    `json:"triggers"`
	LastAlert string    `json:"last_alert,omitempty"`
	LastOnAt  time.Time `json:"last_on_utc,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type Service struct {
	cfg Config

	mu   sync.RWMutex
	snap Snapshot

	drvMu sync.Mutex
	drv   lineDriver

	wg sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// ParseSeverity maps a config string to a severity.
func ParseSeverity(s string) (threat.Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return threat.SeverityInfo, nil
	case "warning":
		return threat.SeverityWarning, nil
	case "", "critical":
		return threat.SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

func New(cfg Config) *Service {
	if cfg.Pin == 0 {
		cfg.Pin = 17
	}
	if cfg.HoldFor <= 0 {
		cfg.HoldFor = 10 * time.Second
	}
	if cfg.SelfTest == 0 {
		cfg.SelfTest = 2 * time.Second
	}
	return &Service{cfg: cfg, stopCh: make(chan struct{}), snap: Snapshot{Pin: cfg.Pin}}
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Service) setState(update func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.snap)
}

// Start opens the line and follows alerts until ctx ends, Close is called
// or the channel closes. It does not block.
func (s *Service) Start(ctx context.Context, alerts <-chan []threat.Alert) error {
	if s == nil {
		return fmt.Errorf("indicator: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	s.setState(func(sn *Snapshot) { sn.Enabled = true })

	drv, err := openLineFn(s.cfg.Pin)
	if err != nil {
		s.setState(func(sn *Snapshot) { sn.LastError = err.Error() })
		return err
	}
	s.drvMu.Lock()
	s.drv = drv
	s.drvMu.Unlock()
	s.setState(func(sn *Snapshot) { sn.Available = true })
	log.Printf("indicator: gpio%d ready (min severity %s)", s.cfg.Pin, s.cfg.MinSeverity)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, drv, alerts)
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stopCh:
		}
	}()
	return nil
}

// Close stops the loop and releases the line, leaving it off.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.drvMu.Lock()
	drv := s.drv
	s.drv = nil
	s.drvMu.Unlock()
	if drv != nil {
		_ = drv.Set(false)
		_ = drv.Close()
		s.setState(func(sn *Snapshot) { sn.On = false })
	}
}

func (s *Service) set(drv lineDriver, on bool) {
	if err := drv.Set(on); err != nil {
		s.setState(func(sn *Snapshot) { sn.LastError = fmt.Sprintf("indicator: set line failed: %v", err) })
		return
	}
	s.setState(func(sn *Snapshot) {
		sn.On = on
		if on {
			sn.LastOnAt = time.Now().UTC()
		}
	})
}

func (s *Service) trigger(batch []threat.Alert) (threat.Alert, bool) {
	for _, a := range batch {
		if a.Severity >= s.cfg.MinSeverity {
			return a, true
		}
	}
	return threat.Alert{}, false
}

func (s *Service) run(ctx context.Context, drv lineDriver, alerts <-chan []threat.Alert) {
	if s.cfg.SelfTest > 0 {
		s.set(drv, true)
		select {
		case <-afterFn(s.cfg.SelfTest):
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
		s.set(drv, false)
	}

	var offC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case batch, ok := <-alerts:
			if !ok {
				return
			}
			a, hit := s.trigger(batch)
			if !hit {
				continue
			}
			s.setState(func(sn *Snapshot) {
				sn.Triggers++
				sn.LastAlert = a.Message
			})
			s.set(drv, true)
			offC = afterFn(s.cfg.HoldFor)
		case <-offC:
			offC = nil
			s.set(drv, false)
		}
	}
}
