package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"meshar/internal/engine"
	"meshar/internal/feed"
	"meshar/internal/ingest"
)

// heartbeat is how often a stationary receiver still delivers a fix to
// subscribers, so accuracy changes reach the engine.
const heartbeat = 5 * time.Second

// ErrDisabled is returned by SubscribeLocation when the receiver is off.
var ErrDisabled = errors.New("gps: disabled")

// ErrUnavailable is returned by SubscribeLocation until Start has opened the
// receiver.
var ErrUnavailable = errors.New("gps: receiver not running")

// Config controls the GPS reader. Device may be empty to auto-detect a
// /dev/ttyACM* or /dev/ttyUSB* receiver.
type Config struct {
	Enable bool

	// Source is "nmea" (direct serial) or "gpsd". Empty means nmea.
	Source string

	GPSDAddr string

	Device string
	Baud   int
}

type Snapshot struct {
	Enabled bool `json:"enabled"`
	Valid   bool `json:"valid"`

	Source   string `json:"source,omitempty"`
	GPSDAddr string `json:"gpsd_addr,omitempty"`

	Device string `json:"device,omitempty"`
	Baud   int    `json:"baud,omitempty"`

	LatDeg     float64  `json:"lat_deg,omitempty"`
	LonDeg     float64  `json:"lon_deg,omitempty"`
	AltM       *float64 `json:"alt_m,omitempty"`
	SpeedMPS   *float64 `json:"speed_mps,omitempty"`
	TrackDeg   *float64 `json:"track_deg,omitempty"`
	FixQuality *int     `json:"fix_quality,omitempty"`
	FixMode    *int     `json:"fix_mode,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`
	HorizAccM  *float64 `json:"horiz_acc_m,omitempty"`
	// AccuracySource is where HorizAccM came from: gst, eph or hdop.
	AccuracySource string `json:"accuracy_source,omitempty"`

	Subscribers int    `json:"subscribers"`
	LastFixUTC  string `json:"last_fix_utc,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

type locationSink struct {
	sink engine.LocationSink
	gate ingest.Gate
}

// Service reads the receiver and implements engine.LocationSource.
type Service struct {
	cfg Config
	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last  atomic.Value // Snapshot
	sinks feed.Sinks[*locationSink]

	mu     sync.Mutex
	closer io.Closer
}

func New(cfg Config) *Service {
	s := &Service{cfg: cfg, now: time.Now}
	s.last.Store(Snapshot{Enabled: cfg.Enable, Source: s.source(), GPSDAddr: strings.TrimSpace(cfg.GPSDAddr), Device: cfg.Device, Baud: cfg.Baud})
	return s
}

func (s *Service) source() string {
	src := strings.ToLower(strings.TrimSpace(s.cfg.Source))
	if src == "" {
		src = "nmea"
	}
	return src
}

// SubscribeLocation registers sink for fixes. Each subscriber gets its own
// distance filter; HighAccuracy is implied since the receiver has no coarser
// mode. A receiver that failed to open refuses subscriptions so the engine
// reports it as a missing feed.
func (s *Service) SubscribeLocation(req engine.LocationRequest, sink engine.LocationSink) (engine.Subscription, error) {
	if s == nil || !s.cfg.Enable {
		return nil, ErrDisabled
	}
	if sink == nil {
		return nil, fmt.Errorf("gps: sink is nil")
	}
	if !s.running() {
		if msg := s.Snapshot().LastError; msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, msg)
		}
		return nil, ErrUnavailable
	}
	return s.sinks.Add(&locationSink{
		sink: sink,
		gate: ingest.Gate{MinDistanceM: req.DistanceFilterM, MaxInterval: heartbeat},
	}), nil
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start opens the receiver. It may be called again after a failed open.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gps service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if s.source() == "gpsd" {
		return s.startGPSDLocked(ctx)
	}
	return s.startNMEALocked(ctx)
}

func (s *Service) startNMEALocked(ctx context.Context) error {
	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			s.setErrorLocked("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
			return fmt.Errorf("gps auto-detect failed")
		}
	}
	baud := s.cfg.Baud
	if baud == 0 {
		baud = 9600
	}

	f, err := openSerial(device, baud)
	if err != nil {
		s.setErrorLocked(fmt.Sprintf("gps open failed device=%s baud=%d: %v", device, baud, err))
		return err
	}
	s.closer = f

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.last.Store(Snapshot{Enabled: true, Source: "nmea", Device: device, Baud: baud})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = f.Close() }()

		log.Printf("gps enabled device=%s baud=%d", device, baud)
		st := &nmeaState{device: device, baud: baud}
		err := s.readNMEA(childCtx, f, st)
		s.setError(fmt.Sprintf("gps read stopped: %v", err))
	}()
	return nil
}

// readNMEA consumes sentences from r until it fails or ctx is done.
func (s *Service) readNMEA(ctx context.Context, r io.Reader, st *nmeaState) error {
	scanner := bufio.NewScanner(r)
	// NMEA sentences are < 82 chars; allow headroom for vendor chatter.
	scanner.Buffer(make([]byte, 0, 256), 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sent, err := parseNMEASentence(line)
		if err != nil {
			s.setError(err.Error())
			continue
		}
		if st.apply(s.now().UTC(), sent) {
			s.store(st.snapshot())
			if fix, ok := st.fix(); ok {
				s.deliver(fix)
			}
		}
	}
}

func (s *Service) startGPSDLocked(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.GPSDAddr)
	if addr == "" {
		addr = gpsdDefaultAddr
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.last.Store(Snapshot{Enabled: true, Source: "gpsd", GPSDAddr: addr, Device: "gpsd"})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Printf("gps enabled source=gpsd addr=%s", addr)
		st := newGPSDState(addr)
		backoff := 250 * time.Millisecond
		const maxBackoff = 10 * time.Second

		for childCtx.Err() == nil {
			conn, err := dialGPSD(childCtx, addr)
			if err != nil {
				s.setError(fmt.Sprintf("gpsd dial failed addr=%s: %v", addr, err))
				select {
				case <-childCtx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < maxBackoff {
					backoff = min(backoff*2, maxBackoff)
				}
				continue
			}
			backoff = 250 * time.Millisecond

			s.mu.Lock()
			s.closer = conn
			s.mu.Unlock()

			if err := gpsdWatch(conn); err != nil {
				s.setError(fmt.Sprintf("gpsd watch failed: %v", err))
				_ = conn.Close()
				continue
			}
			err = s.readGPSD(childCtx, conn, st)
			_ = conn.Close()
			s.setError(fmt.Sprintf("gpsd read stopped: %v", err))
		}
	}()
	return nil
}

// readGPSD consumes JSON reports from r until it fails or ctx is done.
func (s *Service) readGPSD(ctx context.Context, r io.Reader, st *gpsdState) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		updated, err := st.applyLine(s.now().UTC(), line)
		if err != nil {
			s.setError(err.Error())
			continue
		}
		if updated {
			s.store(st.snapshot())
			if fix, ok := st.fix(); ok {
				s.deliver(fix)
			}
		}
	}
}

func (s *Service) deliver(fix ingest.Fix) {
	s.sinks.Each(func(ls *locationSink) {
		if ls.gate.Allow(fix) {
			ls.sink.OnFix(fix)
		}
	})
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.cancel = nil
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	v, _ := s.last.Load().(Snapshot)
	v.Subscribers = s.sinks.Len()
	return v
}

// store keeps the last error across parser snapshots.
func (s *Service) store(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.last.Load().(Snapshot); ok {
		snap.LastError = cur.LastError
	}
	s.last.Store(snap)
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErrorLocked(msg)
}

func (s *Service) setErrorLocked(msg string) {
	cur, _ := s.last.Load().(Snapshot)
	// A parse error does not invalidate the last good fix.
	cur.LastError = msg
	s.last.Store(cur)
}

func autoDetectDevice() string {
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
