package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"meshar/internal/ingest"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// dialGPSD connects to gpsd over TCP.
func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	if ctx == nil {
		return d.Dial("tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON streaming reports in SI units.
func gpsdWatch(conn net.Conn) error {
	_, err := conn.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

type gpsdMsgBase struct {
	Class string `json:"class"`
}

type gpsdTPV struct {
	Class string `json:"class"`
	Mode  *int   `json:"mode"`
	Time  string `json:"time"`

	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`

	Alt     *float64 `json:"alt"`
	AltMSL  *float64 `json:"altMSL"`
	SpeedMS *float64 `json:"speed"`
	Track   *float64 `json:"track"`

	Epx *float64 `json:"epx"`
	Epy *float64 `json:"epy"`
	Eph *float64 `json:"eph"`
}

type gpsdSat struct {
	Used bool `json:"used"`
}

type gpsdSKY struct {
	Class      string    `json:"class"`
	HDOP       *float64  `json:"hdop"`
	Satellites []gpsdSat `json:"satellites"`
}

type gpsdState struct {
	addr string

	latDeg float64
	lonDeg float64
	latOK  bool
	lonOK  bool

	altM  float64
	altOK bool

	speedMPS float64
	speedOK  bool
	trackDeg float64
	trkOK    bool

	mode     int
	modeOK   bool
	satsUsed int
	satsOK   bool
	hdop     float64
	hdopOK   bool

	hAccM  float64
	hAccOK bool

	lastFix time.Time
	valid   bool
}

func newGPSDState(addr string) *gpsdState {
	return &gpsdState{addr: addr}
}

// horizAcc prefers gpsd's eph estimate over HDOP.
func (s *gpsdState) horizAcc() (float64, string) {
	switch {
	case s.hAccOK && s.hAccM > 0:
		return s.hAccM, "eph"
	case s.hdopOK && s.hdop > 0:
		return s.hdop * uereM, "hdop"
	}
	return 0, ""
}

func (s *gpsdState) fix() (ingest.Fix, bool) {
	if !s.valid {
		return ingest.Fix{}, false
	}
	f := ingest.Fix{LatDeg: s.latDeg, LonDeg: s.lonDeg, At: s.lastFix}
	if s.altOK {
		f.AltM = s.altM
	}
	f.HorizAccM, _ = s.horizAcc()
	return f, true
}

func (s *gpsdState) snapshot() Snapshot {
	out := Snapshot{
		Enabled:    true,
		Valid:      s.valid,
		Device:     "gpsd",
		Source:     "gpsd",
		GPSDAddr:   strings.TrimSpace(s.addr),
		LatDeg:     s.latDeg,
		LonDeg:     s.lonDeg,
		AltM:       optional(s.altM, s.altOK),
		SpeedMPS:   optional(s.speedMPS, s.speedOK),
		TrackDeg:   optional(s.trackDeg, s.trkOK),
		FixMode:    optional(s.mode, s.modeOK),
		Satellites: optional(s.satsUsed, s.satsOK),
		HDOP:       optional(s.hdop, s.hdopOK),
	}
	if acc, src := s.horizAcc(); src != "" && s.valid {
		out.HorizAccM = &acc
		out.AccuracySource = src
	}
	if !s.lastFix.IsZero() {
		out.LastFixUTC = s.lastFix.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *gpsdState) applyLine(nowUTC time.Time, line string) (bool, error) {
	var base gpsdMsgBase
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return false, fmt.Errorf("gpsd json parse failed: %v", err)
	}

	switch strings.ToUpper(strings.TrimSpace(base.Class)) {
	case "TPV":
		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil {
			return false, fmt.Errorf("gpsd tpv parse failed: %v", err)
		}
		return s.applyTPV(nowUTC, tpv), nil
	case "SKY":
		var sky gpsdSKY
		if err := json.Unmarshal([]byte(line), &sky); err != nil {
			return false, fmt.Errorf("gpsd sky parse failed: %v", err)
		}
		return s.applySKY(sky), nil
	default:
		// VERSION, DEVICES, WATCH and friends.
		return false, nil
	}
}

func (s *gpsdState) applyTPV(nowUTC time.Time, tpv gpsdTPV) bool {
	updated := false

	if tpv.Mode != nil {
		s.mode, s.modeOK = *tpv.Mode, true
		updated = true
	}
	if tpv.Eph != nil {
		s.hAccM, s.hAccOK = *tpv.Eph, true
		updated = true
	} else if tpv.Epx != nil && tpv.Epy != nil {
		s.hAccM = math.Hypot(*tpv.Epx, *tpv.Epy)
		s.hAccOK = true
		updated = true
	}

	fixTime := nowUTC
	if strings.TrimSpace(tpv.Time) != "" {
		if t, err := time.Parse(time.RFC3339Nano, tpv.Time); err == nil {
			fixTime = t.UTC()
		}
	}

	if tpv.Lat != nil {
		s.latDeg, s.latOK = *tpv.Lat, true
		updated = true
	}
	if tpv.Lon != nil {
		s.lonDeg, s.lonOK = *tpv.Lon, true
		updated = true
	}
	if tpv.SpeedMS != nil {
		s.speedMPS, s.speedOK = *tpv.SpeedMS, true
		updated = true
	}
	if tpv.Track != nil {
		s.trackDeg, s.trkOK = *tpv.Track, true
		updated = true
	}

	altM := tpv.AltMSL
	if altM == nil {
		altM = tpv.Alt
	}
	if altM != nil {
		s.altM, s.altOK = *altM, true
		updated = true
	}

	// Mode 2 is a 2D fix, 3 is 3D.
	if s.modeOK && s.mode >= 2 && s.latOK && s.lonOK {
		s.valid = true
		s.lastFix = fixTime
		updated = true
	}
	return updated
}

func (s *gpsdState) applySKY(sky gpsdSKY) bool {
	updated := false
	if sky.HDOP != nil {
		s.hdop, s.hdopOK = *sky.HDOP, true
		updated = true
	}
	if len(sky.Satellites) > 0 {
		used := 0
		for _, sat := range sky.Satellites {
			if sat.Used {
				used++
			}
		}
		s.satsUsed, s.satsOK = used, true
		updated = true
	}
	return updated
}
