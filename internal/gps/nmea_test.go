package gps

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X", payload, ck)
}

const (
	rmcMunich = "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
	ggaMunich = "GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
)

func mustApply(t *testing.T, st *nmeaState, payload string) bool {
	t.Helper()
	s, err := parseNMEASentence(nmeaLine(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return st.apply(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), s)
}

func TestParseNMEASentence_ChecksumOK(t *testing.T) {
	s, err := parseNMEASentence(nmeaLine(rmcMunich))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.Type != "RMC" {
		t.Fatalf("type=%q want RMC", s.Type)
	}
}

func TestParseNMEASentence_Rejects(t *testing.T) {
	good := nmeaLine(rmcMunich)
	for name, line := range map[string]string{
		"mismatch":    good[:len(good)-2] + "00",
		"no dollar":   good[1:],
		"no checksum": "$" + rmcMunich,
	} {
		if _, err := parseNMEASentence(line); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestNMEAState_RMCUpdatesFix(t *testing.T) {
	var st nmeaState
	if !mustApply(t, &st, rmcMunich) {
		t.Fatalf("expected updated")
	}
	snap := st.snapshot()
	if !snap.Valid {
		t.Fatalf("expected valid")
	}
	if math.Abs(snap.LatDeg-48.1173) > 1e-4 || math.Abs(snap.LonDeg-11.516667) > 1e-4 {
		t.Fatalf("lat/lon=%v,%v", snap.LatDeg, snap.LonDeg)
	}
	// 22.4 kt
	if snap.SpeedMPS == nil || math.Abs(*snap.SpeedMPS-11.5235) > 1e-3 {
		t.Fatalf("speed=%v", snap.SpeedMPS)
	}
	if snap.TrackDeg == nil || *snap.TrackDeg != 84.4 {
		t.Fatalf("track=%v", snap.TrackDeg)
	}
}

func TestNMEAState_RMCTrackWraps(t *testing.T) {
	for raw, want := range map[string]float64{"360.0": 0, "370.5": 10.5, "0.0": 0, "359.9": 359.9} {
		var st nmeaState
		mustApply(t, &st, "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,"+raw+",230394,003.1,W")
		if tr := st.snapshot().TrackDeg; tr == nil || *tr != want {
			t.Fatalf("track %s: got=%v want=%v", raw, tr, want)
		}
	}
}

func TestNMEAState_VoidRMCIgnored(t *testing.T) {
	var st nmeaState
	if mustApply(t, &st, "GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W") {
		t.Fatalf("void status should not update")
	}
	if _, ok := st.fix(); ok {
		t.Fatalf("no fix expected")
	}
}

func TestNMEAState_GGAAltitudeAndAccuracy(t *testing.T) {
	var st nmeaState
	if !mustApply(t, &st, ggaMunich) {
		t.Fatalf("expected updated")
	}
	snap := st.snapshot()
	if snap.AltM == nil || *snap.AltM != 545.4 {
		t.Fatalf("alt=%v", snap.AltM)
	}
	if snap.FixQuality == nil || *snap.FixQuality != 1 {
		t.Fatalf("fix quality=%v", snap.FixQuality)
	}
	if snap.Satellites == nil || *snap.Satellites != 8 {
		t.Fatalf("satellites=%v", snap.Satellites)
	}

	f, ok := st.fix()
	if !ok {
		t.Fatalf("expected fix")
	}
	if math.Abs(f.HorizAccM-4.5) > 1e-9 || f.AltM != 545.4 {
		t.Fatalf("fix=%+v want 4.5 m accuracy from HDOP 0.9", f)
	}
}

func TestNMEAState_GGANoFixIgnored(t *testing.T) {
	var st nmeaState
	if mustApply(t, &st, "GNGGA,123519,4807.038,N,01131.000,E,0,00,,,M,,M,,") {
		t.Fatalf("quality 0 should not update")
	}
}

func TestParseNMEALatLon(t *testing.T) {
	cases := []struct {
		v, hemi string
		want    float64
		ok      bool
	}{
		{"4807.038", "N", 48.1173, true},
		{"4807.038", "S", -48.1173, true},
		{"01131.000", "W", -11.516667, true},
		{"", "N", 0, false},
		{"4807.038", "X", 0, false},
		{"12", "N", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseNMEALatLon(tc.v, tc.hemi)
		if ok != tc.ok || math.Abs(got-tc.want) > 1e-4 {
			t.Fatalf("parse(%q,%q)=%v,%v want %v,%v", tc.v, tc.hemi, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNMEAState_GSTOverridesHDOP(t *testing.T) {
	var st nmeaState
	mustApply(t, &st, ggaMunich)
	if snap := st.snapshot(); snap.AccuracySource != "hdop" {
		t.Fatalf("source=%q want hdop", snap.AccuracySource)
	}
	if mustApply(t, &st, "GPGST,123519,1.2,2.0,1.5,35.0,3.0,4.0,6.0") {
		t.Fatalf("GST alone should not report a new position")
	}
	f, ok := st.fix()
	if !ok || math.Abs(f.HorizAccM-5) > 1e-9 {
		t.Fatalf("fix=%+v want 5 m from GST sigmas", f)
	}
	if snap := st.snapshot(); snap.AccuracySource != "gst" || *snap.HorizAccM != f.HorizAccM {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestNMEAState_GSA(t *testing.T) {
	var st nmeaState
	mustApply(t, &st, rmcMunich)
	mustApply(t, &st, "GNGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1")
	snap := st.snapshot()
	if snap.FixMode == nil || *snap.FixMode != 3 || snap.HDOP == nil || *snap.HDOP != 1.3 {
		t.Fatalf("fix mode=%v hdop=%v", snap.FixMode, snap.HDOP)
	}

	mustApply(t, &st, "GNGSA,A,1,,,,,,,,,,,,,,,")
	if _, ok := st.fix(); ok {
		t.Fatalf("GSA mode 1 should drop the fix")
	}
	if !mustApply(t, &st, rmcMunich) {
		t.Fatalf("a valid RMC should restore the fix")
	}
}
