// Package imu polls the ICM-20948 and feeds its samples to the engine as the
// motion source.
package imu

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshar/internal/engine"
	"meshar/internal/feed"
	"meshar/internal/i2c"
	"meshar/internal/sensors/icm20948"
	"meshar/internal/tick"
)

// ErrDisabled is returned by SubscribeMotion when the IMU is off.
var ErrDisabled = errors.New("imu: disabled")

// ErrUnavailable is returned by SubscribeMotion while the device is not
// being polled.
var ErrUnavailable = errors.New("imu: device not running")

var errClosed = errors.New("imu: service closed")

// Reader is one sensor read. *icm20948.Device satisfies it.
type Reader interface {
	Read() (icm20948.Sample, error)
}

type Config struct {
	Enable       bool
	I2CBus       int
	IMUAddr      uint16
	PollInterval time.Duration

	// ZeroDriftWindow is how long ZeroDrift averages the gyro.
	ZeroDriftWindow time.Duration
}

type Snapshot struct {
	Enabled     bool      `json:"enabled"`
	Detected    bool      `json:"detected"`
	MagDetected bool      `json:"mag_detected"`
	Samples     uint64    `json:"samples"`
	MagSamples  uint64    `json:"mag_samples"`
	GyroBias    r3.Vec    `json:"gyro_bias"`
	Subscribers int       `json:"subscribers"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Service implements engine.MotionSource on top of a polled Reader.
type Service struct {
	cfg   Config
	clock tick.Source
	open  func() (Reader, bool, func() error, error)

	sinks feed.Sinks[engine.MotionSink]

	zeroDriftCh chan chan error

	mu   sync.RWMutex
	snap Snapshot

	// life guards the poll loop state. done is closed when the current
	// loop exits and is nil before the first successful Start.
	life    sync.Mutex
	running bool
	closed  bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(cfg Config) *Service {
	if cfg.I2CBus == 0 {
		cfg.I2CBus = 1
	}
	if cfg.IMUAddr == 0 {
		cfg.IMUAddr = icm20948.DefaultAddress()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 16 * time.Millisecond
	}
	if cfg.ZeroDriftWindow <= 0 {
		cfg.ZeroDriftWindow = 2 * time.Second
	}
	s := &Service{
		cfg:         cfg,
		clock:       tick.Wall{},
		zeroDriftCh: make(chan chan error, 1),
		stopCh:      make(chan struct{}),
	}
	s.open = s.openDevice
	s.snap.Enabled = cfg.Enable
	return s
}

func (s *Service) openDevice() (Reader, bool, func() error, error) {
	bus, err := i2c.OpenBus(s.cfg.I2CBus)
	if err != nil {
		return nil, false, nil, err
	}
	dev, err := icm20948.New(bus, s.cfg.IMUAddr)
	if err != nil {
		_ = bus.Close()
		return nil, false, nil, err
	}
	if err := dev.MagErr(); err != nil {
		log.Printf("imu: magnetometer unavailable: %v", err)
	}
	return dev, dev.HasMag(), bus.Close, nil
}

// SubscribeMotion registers sink. The poll rate is fixed by config; a
// request asking for a faster period is logged and served at the
// configured rate. A device that is not being polled refuses subscriptions
// so the engine reports it as a missing feed.
func (s *Service) SubscribeMotion(req engine.MotionRequest, sink engine.MotionSink) (engine.Subscription, error) {
	if s == nil || !s.cfg.Enable {
		return nil, ErrDisabled
	}
	if sink == nil {
		return nil, fmt.Errorf("imu: sink is nil")
	}
	if !s.isRunning() {
		if msg := s.Snapshot().LastError; msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, msg)
		}
		return nil, ErrUnavailable
	}
	if req.Period > 0 && req.Period < s.cfg.PollInterval {
		log.Printf("imu: requested period %s, polling at %s", req.Period, s.cfg.PollInterval)
	}
	return s.sinks.Add(sink), nil
}

func (s *Service) isRunning() bool {
	s.life.Lock()
	defer s.life.Unlock()
	return s.running
}

// Start opens the device and begins polling. It is a no-op while polling
// and may be called again after a failed open or after ctx ended a
// previous run.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("imu: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	s.life.Lock()
	defer s.life.Unlock()
	if s.closed {
		return errClosed
	}
	if s.running {
		return nil
	}
	r, hasMag, closeFn, err := s.open()
	if err != nil {
		s.setErr(fmt.Sprintf("imu init: %v", err))
		return err
	}
	s.mu.Lock()
	s.snap.Detected = true
	s.snap.MagDetected = hasMag
	s.snap.LastError = ""
	s.mu.Unlock()
	log.Printf("imu enabled bus=%d addr=0x%02X mag=%v", s.cfg.I2CBus, s.cfg.IMUAddr, hasMag)

	s.running = true
	s.done = make(chan struct{})
	go s.run(ctx, r, closeFn, s.done)
	return nil
}

// Close stops polling and releases the bus. A closed service cannot be
// started again.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.life.Lock()
	if !s.closed {
		s.closed = true
		close(s.stopCh)
	}
	done := s.done
	s.life.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	out := s.snap
	s.mu.RUnlock()
	out.Subscribers = s.sinks.Len()
	return out
}

// ZeroDrift averages the gyro over the configured window while the device
// is held still and subtracts the result from subsequent samples.
func (s *Service) ZeroDrift(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("imu: service is nil")
	}
	s.life.Lock()
	running, stopped := s.running, s.done
	s.life.Unlock()
	if !running {
		return fmt.Errorf("imu: not running")
	}
	done := make(chan error, 1)
	select {
	case s.zeroDriftCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return fmt.Errorf("imu: not running")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, r Reader, closeFn func() error, done chan struct{}) {
	t := s.clock.NewTicker(s.cfg.PollInterval)
	defer func() {
		t.Stop()
		if closeFn != nil {
			_ = closeFn()
		}
		s.mu.Lock()
		s.snap.Detected = false
		s.mu.Unlock()
		s.life.Lock()
		s.running = false
		s.life.Unlock()
		log.Printf("imu stopped")
		close(done)
	}()

	var bias r3.Vec
	var cal struct {
		done  chan error
		until time.Time
		sum   r3.Vec
		n     int
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case done := <-s.zeroDriftCh:
			if cal.done != nil {
				done <- fmt.Errorf("imu: zero drift already active")
				continue
			}
			cal.done = done
			cal.until = s.clock.Now().Add(s.cfg.ZeroDriftWindow)
			cal.sum, cal.n = r3.Vec{}, 0
		case <-t.C():
			sample, err := r.Read()
			if err != nil {
				s.setErr(err.Error())
				continue
			}
			at := sample.Time
			if at.IsZero() {
				at = s.clock.Now()
			}

			if cal.done != nil {
				cal.sum = r3.Add(cal.sum, sample.Gyro)
				cal.n++
				if !at.Before(cal.until) {
					bias = r3.Scale(1/float64(cal.n), cal.sum)
					log.Printf("imu: gyro bias set to %.5f,%.5f,%.5f rad/s over %d samples", bias.X, bias.Y, bias.Z, cal.n)
					cal.done <- nil
					cal.done = nil
				}
			}

			gyro := r3.Sub(sample.Gyro, bias)
			s.sinks.Each(func(sink engine.MotionSink) {
				sink.OnAccel(sample.Accel, at)
				sink.OnGyro(gyro, at)
				if sample.MagOK {
					sink.OnMag(sample.Mag, at)
				}
			})

			s.mu.Lock()
			s.snap.Samples++
			if sample.MagOK {
				s.snap.MagSamples++
			}
			s.snap.GyroBias = bias
			s.snap.UpdatedAt = at
			s.mu.Unlock()
		}
	}
}

func (s *Service) setErr(msg string) {
	s.mu.Lock()
	s.snap.LastError = msg
	s.mu.Unlock()
}
