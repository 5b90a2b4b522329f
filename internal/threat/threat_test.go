package threat

import (
	"encoding/json"
	"testing"
	"time"
)

func intp(v int) *int { return &v }

func TestClassify(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }
	cfg := DefaultConfig()

	cases := []struct {
		name string
		s    Subject
		want Level
	}{
		{"critical battery beats staleness", Subject{BatteryPct: intp(5), LastHeard: ago(3 * time.Hour)}, LevelCritical},
		{"unknown battery, silent 2h", Subject{LastHeard: ago(2 * time.Hour)}, LevelOffline},
		{"low battery", Subject{BatteryPct: intp(20)}, LevelWarning},
		{"stale", Subject{BatteryPct: intp(80), LastHeard: ago(20 * time.Minute)}, LevelWarning},
		{"new", Subject{BatteryPct: intp(80), LastHeard: ago(time.Minute), IsNew: true}, LevelInfo},
		{"normal", Subject{BatteryPct: intp(80), LastHeard: ago(time.Minute)}, LevelNormal},
		{"battery boundary", Subject{BatteryPct: intp(10)}, LevelWarning},
		{"no data", Subject{}, LevelNormal},
	}
	for _, tc := range cases {
		if got := Classify(cfg, tc.s, now); got != tc.want {
			t.Fatalf("%s: got=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestLevelString(t *testing.T) {
	for l, want := range map[Level]string{
		LevelNormal: "normal", LevelInfo: "info", LevelWarning: "warning",
		LevelCritical: "critical", LevelOffline: "offline", Level(42): "level(42)",
	} {
		if l.String() != want {
			t.Fatalf("got=%q want=%q", l.String(), want)
		}
	}
}

func TestJSONDecodesWireNames(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := Alert{Kind: KindBattery, EntityID: 7, Severity: SeverityCritical, Message: "battery 5%", At: at}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Alert
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	if out != in {
		t.Fatalf("got=%+v want=%+v", out, in)
	}

	var levels []Level
	if err := json.Unmarshal([]byte(`["offline","info"]`), &levels); err != nil {
		t.Fatalf("levels: %v", err)
	}
	if len(levels) != 2 || levels[0] != LevelOffline || levels[1] != LevelInfo {
		t.Fatalf("levels=%v", levels)
	}

	var k Kind
	if err := k.UnmarshalText([]byte("kind(9)")); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	var sev Severity
	if err := json.Unmarshal([]byte(`"loud"`), &sev); err == nil {
		t.Fatalf("expected error for unknown severity")
	}
}

func TestSweeper_EdgeTriggered(t *testing.T) {
	t0 := time.Unix(10_000, 0)
	sw := NewSweeper(DefaultConfig())
	sub := Subject{ID: 7, Name: "base", FirstSeen: t0, BatteryPct: intp(15)}

	got := sw.Sweep([]Subject{sub}, t0)
	if len(got) != 2 || got[0].Kind != KindNewNode || got[1].Kind != KindBattery {
		t.Fatalf("first sweep=%+v", got)
	}
	if got[1].Severity != SeverityWarning {
		t.Fatalf("battery severity=%v want warning", got[1].Severity)
	}

	// Conditions still true: nothing new.
	if got := sw.Sweep([]Subject{sub}, t0.Add(5*time.Second)); len(got) != 0 {
		t.Fatalf("repeat sweep=%+v want none", got)
	}

	// Severity escalation re-emits.
	sub.BatteryPct = intp(8)
	got = sw.Sweep([]Subject{sub}, t0.Add(10*time.Second))
	if len(got) != 1 || got[0].Severity != SeverityCritical {
		t.Fatalf("escalation=%+v", got)
	}

	// Cleared then true again re-arms.
	sub.BatteryPct = intp(90)
	sw.Sweep([]Subject{sub}, t0.Add(15*time.Second))
	sub.BatteryPct = intp(12)
	got = sw.Sweep([]Subject{sub}, t0.Add(20*time.Second))
	if len(got) != 1 || got[0].Kind != KindBattery {
		t.Fatalf("re-armed=%+v", got)
	}
}

func TestSweeper_NewNodeWindowAndMotion(t *testing.T) {
	t0 := time.Unix(0, 0)
	sw := NewSweeper(DefaultConfig())
	late := Subject{ID: 1, FirstSeen: t0.Add(-31 * time.Second), Moving: true, SpeedMPS: 3}
	got := sw.Sweep([]Subject{late}, t0)
	if len(got) != 1 || got[0].Kind != KindMotion {
		t.Fatalf("got=%+v want a single motion alert", got)
	}
	if got[0].Message != "!00000001 is moving at 3.0 m/s" {
		t.Fatalf("message=%q", got[0].Message)
	}
}

func TestSweeper_ForgetsVanishedEntities(t *testing.T) {
	t0 := time.Unix(0, 0)
	sw := NewSweeper(DefaultConfig())
	sub := Subject{ID: 3, BatteryPct: intp(5)}
	sw.Sweep([]Subject{sub}, t0)
	sw.Sweep(nil, t0.Add(5*time.Second))
	if sw.Active() != 0 {
		t.Fatalf("active=%d want 0", sw.Active())
	}
	if got := sw.Sweep([]Subject{sub}, t0.Add(10*time.Second)); len(got) != 1 {
		t.Fatalf("got=%+v want battery alert after reappearing", got)
	}
}

func TestAlertComparable(t *testing.T) {
	at := time.Unix(5, 0)
	a := Alert{Kind: KindBattery, EntityID: 1, Severity: SeverityCritical, Message: "x", At: at}
	b := a
	if a != b {
		t.Fatalf("identical alerts should compare equal")
	}
}
