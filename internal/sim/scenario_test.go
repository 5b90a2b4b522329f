package sim

import (
	"math"
	"strings"
	"testing"
	"time"
)

const demoScript = `
version: 1
ownship:
  horiz_acc_m: 6
  keyframes:
    - {t: 0s, lat_deg: 45, lon_deg: -122, alt_m: 100}
    - {t: 10s, lat_deg: 46, lon_deg: -122, alt_m: 200}
nodes:
  - id: 0x1001
    name: Ridge
    keyframes:
      - {t: 0s, lat_deg: 45.1, lon_deg: -122, battery_pct: 80}
      - {t: 4s, lat_deg: 45.2, lon_deg: -122, battery_pct: 40}
      - {t: 6s, lat_deg: 45.3, lon_deg: -122, silent: true}
      - {t: 8s, lat_deg: 45.4, lon_deg: -122, battery_pct: 30}
`

func mustScenario(t *testing.T, src string) *Scenario {
	t.Helper()
	script, err := ParseScenarioScriptYAML([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	return scn
}

func TestScenario_Interpolates(t *testing.T) {
	scn := mustScenario(t, demoScript)
	if scn.Duration() != 10*time.Second {
		t.Fatalf("duration=%s want 10s", scn.Duration())
	}
	st := scn.StateAt(5*time.Second, false)
	if st.Ownship.LatDeg != 45.5 || st.Ownship.AltM != 150 || st.HorizAccM != 6 {
		t.Fatalf("ownship=%+v acc=%v", st.Ownship, st.HorizAccM)
	}
	n := scn.StateAt(2*time.Second, false).Nodes[0]
	if math.Abs(n.Position.LatDeg-45.15) > 1e-9 || *n.BatteryPct != 60 || n.HeardAt != 2*time.Second {
		t.Fatalf("node=%+v", n)
	}
}

func TestScenario_SilentSegmentHoldsLastAudible(t *testing.T) {
	scn := mustScenario(t, demoScript)

	// Between 4s and 6s the next keyframe is silent: hold at 4s state.
	n := scn.StateAt(5*time.Second, false).Nodes[0]
	if n.Position.LatDeg != 45.2 || n.HeardAt != 5*time.Second {
		t.Fatalf("before silence node=%+v", n)
	}
	// Inside the silent segment the node was last heard at 4s.
	n = scn.StateAt(7*time.Second, false).Nodes[0]
	if n.Position.LatDeg != 45.2 || n.HeardAt != 4*time.Second {
		t.Fatalf("silent node=%+v", n)
	}
	n = scn.StateAt(9*time.Second, false).Nodes[0]
	if n.Position.LatDeg != 45.4 || *n.BatteryPct != 30 || n.HeardAt != 9*time.Second {
		t.Fatalf("after silence node=%+v", n)
	}
}

func TestScenario_LoopAndClamp(t *testing.T) {
	scn := mustScenario(t, demoScript)
	if got := scn.StateAt(11*time.Second, false).Ownship.LatDeg; got != 46 {
		t.Fatalf("clamp lat=%v want 46", got)
	}
	if got := scn.StateAt(11*time.Second, true).Ownship.LatDeg; math.Abs(got-45.1) > 1e-9 {
		t.Fatalf("loop lat=%v want 45.1", got)
	}
}

func TestScenario_Validation(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"version", "version: 2\n", "unsupported scenario version 2"},
		{"ownship", "nodes: []\n", "ownship.keyframes is required"},
		{"sorted", "ownship:\n  keyframes:\n    - {t: 5s, lat_deg: 1, lon_deg: 1}\n    - {t: 1s, lat_deg: 1, lon_deg: 1}\n", "ownship.keyframes must be sorted by t (index 1)"},
		{"position", "ownship:\n  keyframes:\n    - {t: 1s, lat_deg: 95, lon_deg: 1}\n", "ownship.keyframes[0] has an invalid position"},
		{"node id", "ownship:\n  keyframes:\n    - {t: 1s, lat_deg: 1, lon_deg: 1}\nnodes:\n  - keyframes:\n      - {t: 1s, lat_deg: 1, lon_deg: 1}\n", "nodes[0].id is required"},
		{"battery", "ownship:\n  keyframes:\n    - {t: 1s, lat_deg: 1, lon_deg: 1}\nnodes:\n  - id: 5\n    keyframes:\n      - {t: 1s, lat_deg: 1, lon_deg: 1, battery_pct: 120}\n", "nodes[0].keyframes[0].battery_pct must be in [0,100]"},
		{"duration", "ownship:\n  keyframes:\n    - {t: 0s, lat_deg: 1, lon_deg: 1}\n", "duration is required (or derivable from keyframes)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script, err := ParseScenarioScriptYAML([]byte(tc.src))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			_, err = NewScenario(script)
			if err == nil || err.Error() != tc.want {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
		})
	}
}

func TestParseScenario_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseScenarioScriptYAML([]byte("ownship:\n  alt_feet: 3000\n"))
	if err == nil || !strings.Contains(err.Error(), "alt_feet") {
		t.Fatalf("err=%v", err)
	}
}

func TestPlayback_Records(t *testing.T) {
	scn := mustScenario(t, demoScript)
	p := Playback{Scenario: scn, Start: t0}

	now := t0.Add(7 * time.Second)
	recs := p.Records(now)
	if len(recs) != 1 || recs[0].ID != 0x1001 || recs[0].Name != "Ridge" {
		t.Fatalf("records=%+v", recs)
	}
	if !recs[0].LastHeard.Equal(t0.Add(4 * time.Second)) {
		t.Fatalf("last heard=%v want start+4s", recs[0].LastHeard)
	}
	f := p.FixAt(now)
	if math.Abs(f.LatDeg-45.7) > 1e-9 || f.HorizAccM != 6 || !f.At.Equal(now) {
		t.Fatalf("fix=%+v", f)
	}

	loop := Playback{Scenario: scn, Start: t0, Loop: true}
	recs = loop.Records(t0.Add(12 * time.Second))
	if !recs[0].LastHeard.Equal(t0.Add(12 * time.Second)) {
		t.Fatalf("loop last heard=%v", recs[0].LastHeard)
	}
}
