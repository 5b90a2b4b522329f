package gps

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"meshar/internal/engine"
	"meshar/internal/ingest"
)

type fixRecorder struct {
	mu    sync.Mutex
	fixes []ingest.Fix
}

func (r *fixRecorder) OnFix(f ingest.Fix) {
	r.mu.Lock()
	r.fixes = append(r.fixes, f)
	r.mu.Unlock()
}

func (r *fixRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fixes)
}

func steppingClock() func() time.Time {
	t := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

// started marks s as running without opening a device, for tests that feed
// the readers directly.
func started(s *Service) *Service {
	s.mu.Lock()
	s.cancel = func() {}
	s.mu.Unlock()
	return s
}

func TestService_SubscribeDisabled(t *testing.T) {
	s := New(Config{})
	if _, err := s.SubscribeLocation(engine.LocationRequest{}, &fixRecorder{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}
	var nilSvc *Service
	if _, err := nilSvc.SubscribeLocation(engine.LocationRequest{}, &fixRecorder{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("nil service err=%v", err)
	}
}

func TestService_SubscribeBeforeOpen(t *testing.T) {
	s := New(Config{Enable: true, Device: "/nonexistent/tty", Baud: 9600})
	if _, err := s.SubscribeLocation(engine.LocationRequest{}, &fixRecorder{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected open error")
	}
	_, err := s.SubscribeLocation(engine.LocationRequest{}, &fixRecorder{})
	if !errors.Is(err, ErrUnavailable) || !strings.Contains(err.Error(), "/nonexistent/tty") {
		t.Fatalf("err=%v want ErrUnavailable naming the device", err)
	}
	if s.Snapshot().Subscribers != 0 {
		t.Fatalf("subscribers=%d want 0", s.Snapshot().Subscribers)
	}
}

func TestService_NMEADeliversThroughDistanceFilter(t *testing.T) {
	s := started(New(Config{Enable: true}))
	s.now = steppingClock()

	rec := &fixRecorder{}
	sub, err := s.SubscribeLocation(engine.LocationRequest{HighAccuracy: true, DistanceFilterM: 1}, rec)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// RMC and GGA at the same spot: only the first passes. The third
	// sentence moved about 1.8 km north.
	input := strings.Join([]string{
		nmeaLine(rmcMunich),
		"garbage",
		nmeaLine(ggaMunich),
		nmeaLine("GPRMC,123520,A,4808.038,N,01131.000,E,000.0,000.0,230394,003.1,W"),
	}, "\r\n")

	err = s.readNMEA(context.Background(), strings.NewReader(input), &nmeaState{})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v want EOF", err)
	}
	if rec.count() != 2 {
		t.Fatalf("fixes=%d want 2", rec.count())
	}
	if snap := s.Snapshot(); !snap.Valid || snap.Subscribers != 1 {
		t.Fatalf("snap=%+v", snap)
	}

	sub.Unsubscribe()
	_ = s.readNMEA(context.Background(), strings.NewReader(nmeaLine(rmcMunich)), &nmeaState{})
	if rec.count() != 2 {
		t.Fatalf("fixes=%d after unsubscribe", rec.count())
	}
}

func TestService_ParseErrorKept(t *testing.T) {
	s := New(Config{Enable: true})
	good := nmeaLine(rmcMunich)
	bad := good[:len(good)-2] + "00"
	_ = s.readNMEA(context.Background(), strings.NewReader(bad), &nmeaState{})
	if got := s.Snapshot().LastError; got != "nmea: checksum mismatch" {
		t.Fatalf("last error=%q", got)
	}
}

func TestService_GPSDReader(t *testing.T) {
	s := started(New(Config{Enable: true, Source: "gpsd"}))
	s.now = steppingClock()
	rec := &fixRecorder{}
	if _, err := s.SubscribeLocation(engine.LocationRequest{DistanceFilterM: 1}, rec); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	input := `{"class":"VERSION"}` + "\n" +
		`{"class":"TPV","mode":3,"time":"2025-06-01T12:00:00Z","lat":45,"lon":-122,"eph":3}` + "\n"
	if err := s.readGPSD(context.Background(), strings.NewReader(input), newGPSDState("")); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v", err)
	}
	if rec.count() != 1 || rec.fixes[0].HorizAccM != 3 {
		t.Fatalf("fixes=%+v", rec.fixes)
	}
}

func TestService_StartDisabledAndClose(t *testing.T) {
	s := New(Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start disabled: %v", err)
	}
	s.Close()
	var nilSvc *Service
	nilSvc.Close()
	if nilSvc.Snapshot().Enabled {
		t.Fatalf("nil snapshot should be zero")
	}
}
