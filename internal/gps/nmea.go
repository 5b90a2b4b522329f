package gps

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"meshar/internal/ingest"
)

// uereM is the user-equivalent range error used to turn HDOP into a
// horizontal accuracy estimate when the receiver reports nothing better.
const uereM = 5.0

type nmeaSentence struct {
	Type string
	// Fields is the comma-split payload (excluding $ and checksum).
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return nmeaSentence{}, fmt.Errorf("nmea: bad checksum")
	}
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	if len(parts[0]) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type")
	}
	// GPRMC, GNRMC, ... all normalize to RMC.
	t := parts[0]
	if len(t) > 3 {
		t = t[len(t)-3:]
	}
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

type nmeaState struct {
	device string
	baud   int

	latDeg, lonDeg float64
	latOK, lonOK   bool

	speedMPS float64
	speedOK  bool
	trackDeg float64
	trkOK    bool

	altM  float64
	altOK bool

	fixQuality   int
	fixQualityOK bool
	// fixMode is GSA's 1 = none, 2 = 2D, 3 = 3D.
	fixMode    int
	fixModeOK  bool
	satellites int
	satsOK     bool
	hdop       float64
	hdopOK     bool

	// gstAccM is the 1-sigma horizontal error from GST, when the receiver
	// emits it.
	gstAccM float64
	gstOK   bool

	lastFix time.Time
	valid   bool
}

func (s *nmeaState) apply(nowUTC time.Time, sent nmeaSentence) bool {
	switch sent.Type {
	case "RMC":
		return s.applyRMC(nowUTC, sent.Fields)
	case "GGA":
		return s.applyGGA(nowUTC, sent.Fields)
	case "GSA":
		s.applyGSA(sent.Fields)
	case "GST":
		s.applyGST(sent.Fields)
	}
	return false
}

// horizAcc prefers the receiver's own error estimate over HDOP.
func (s *nmeaState) horizAcc() (float64, string) {
	switch {
	case s.gstOK && s.gstAccM > 0:
		return s.gstAccM, "gst"
	case s.hdopOK && s.hdop > 0:
		return s.hdop * uereM, "hdop"
	}
	return 0, ""
}

func (s *nmeaState) fix() (ingest.Fix, bool) {
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

func optional[T any](v T, ok bool) *T {
	if !ok {
		return nil
	}
	return &v
}

func (s *nmeaState) snapshot() Snapshot {
	out := Snapshot{
		Enabled:    true,
		Valid:      s.valid,
		Source:     "nmea",
		Device:     s.device,
		Baud:       s.baud,
		LatDeg:     s.latDeg,
		LonDeg:     s.lonDeg,
		AltM:       optional(s.altM, s.altOK),
		SpeedMPS:   optional(s.speedMPS, s.speedOK),
		TrackDeg:   optional(s.trackDeg, s.trkOK),
		FixQuality: optional(s.fixQuality, s.fixQualityOK),
		FixMode:    optional(s.fixMode, s.fixModeOK),
		Satellites: optional(s.satellites, s.satsOK),
		HDOP:       optional(s.hdop, s.hdopOK),
	}
	if acc, src := s.horizAcc(); src != "" {
		out.HorizAccM = &acc
		out.AccuracySource = src
	}
	if !s.lastFix.IsZero() {
		out.LastFixUTC = s.lastFix.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// RMC: recommended minimum data.
//
//	1: time  2: status (A/V)  3-4: lat  5-6: lon
//	7: speed over ground (knots)  8: course (deg)  9: date
func (s *nmeaState) applyRMC(nowUTC time.Time, f []string) bool {
	if len(f) < 10 {
		return false
	}
	if strings.TrimSpace(f[2]) != "A" {
		return false
	}

	if lat, ok := parseNMEALatLon(f[3], f[4]); ok {
		s.latDeg, s.latOK = lat, true
	}
	if lon, ok := parseNMEALatLon(f[5], f[6]); ok {
		s.lonDeg, s.lonOK = lon, true
	}
	if kt, ok := parseFloat(f[7]); ok {
		s.speedMPS = kt * 0.514444
		s.speedOK = true
	}
	if trk, ok := parseFloat(f[8]); ok {
		if trk < 0 || trk >= 360 {
			trk = math.Mod(math.Mod(trk, 360)+360, 360)
		}
		s.trackDeg = trk
		s.trkOK = true
	}

	if s.latOK && s.lonOK {
		s.lastFix = nowUTC
		s.valid = true
		return true
	}
	return false
}

// GGA: fix data.
//
//	1: time  2-3: lat  4-5: lon  6: quality (0=invalid)
//	7: satellites  8: HDOP  9: altitude  10: units (M)
func (s *nmeaState) applyGGA(nowUTC time.Time, f []string) bool {
	if len(f) < 11 {
		return false
	}
	fixQStr := strings.TrimSpace(f[6])
	if fixQStr == "" || fixQStr == "0" {
		return false
	}
	if q, err := strconv.Atoi(fixQStr); err == nil {
		s.fixQuality, s.fixQualityOK = q, true
	}
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		s.satellites, s.satsOK = sats, true
	}
	if hdop, ok := parseFloat(f[8]); ok {
		s.hdop, s.hdopOK = hdop, true
	}
	if lat, ok := parseNMEALatLon(f[2], f[3]); ok {
		s.latDeg, s.latOK = lat, true
	}
	if lon, ok := parseNMEALatLon(f[4], f[5]); ok {
		s.lonDeg, s.lonOK = lon, true
	}
	if alt, ok := parseFloat(f[9]); ok {
		s.altM, s.altOK = alt, true
	}

	if s.latOK && s.lonOK {
		s.lastFix = nowUTC
		s.valid = true
		return true
	}
	return false
}

// GSA: DOP and active satellites.
//
//	2: mode (1=no fix, 2=2D, 3=3D)  15: PDOP  16: HDOP  17: VDOP
//
// A "no fix" mode invalidates the position until the next good sentence.
func (s *nmeaState) applyGSA(f []string) {
	if len(f) < 17 {
		return
	}
	mode, err := strconv.Atoi(strings.TrimSpace(f[2]))
	if err != nil {
		return
	}
	s.fixMode, s.fixModeOK = mode, true
	if mode <= 1 {
		s.valid = false
		return
	}
	if hdop, ok := parseFloat(f[16]); ok {
		s.hdop, s.hdopOK = hdop, true
	}
}

// GST: pseudorange error statistics.
//
//	6: latitude sigma (m)  7: longitude sigma (m)  8: altitude sigma (m)
func (s *nmeaState) applyGST(f []string) {
	if len(f) < 8 {
		return
	}
	latSig, ok1 := parseFloat(f[6])
	lonSig, ok2 := parseFloat(f[7])
	if !ok1 || !ok2 {
		return
	}
	s.gstAccM = math.Hypot(latSig, lonSig)
	s.gstOK = s.gstAccM > 0
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseNMEALatLon parses ddmm.mmmm (lat) or dddmm.mmmm (lon) plus hemisphere.
func parseNMEALatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
