package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_EmptyFileGetsDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	e := cfg.Engine
	if e.TickInterval != 16*time.Millisecond || e.SweepInterval != 5*time.Second || e.ProcessInterval != 100*time.Millisecond {
		t.Fatalf("intervals=%s/%s/%s", e.TickInterval, e.SweepInterval, e.ProcessInterval)
	}
	if e.FOV.HorizontalDeg != 60 || e.FOV.AspectW != 4 || e.FOV.AspectH != 3 {
		t.Fatalf("fov=%+v", e.FOV)
	}
	if e.Prediction == nil || !*e.Prediction || e.Tracking == nil || !*e.Tracking {
		t.Fatalf("prediction/tracking should default to true")
	}
	if e.MaxDistanceM == nil || *e.MaxDistanceM != 10_000 {
		t.Fatalf("max distance=%v want 10000", e.MaxDistanceM)
	}
	if e.MaxEntities != 500 || e.EntityTTL != 2*time.Hour {
		t.Fatalf("retention=%d/%s", e.MaxEntities, e.EntityTTL)
	}
	if cfg.GPS.Source != "nmea" || cfg.GPS.GPSDAddr != "127.0.0.1:2947" {
		t.Fatalf("gps=%+v", cfg.GPS)
	}
	if cfg.IMU.IMUAddr != 0x68 || cfg.IMU.I2CBus != 1 {
		t.Fatalf("imu=%+v", cfg.IMU)
	}
	if cfg.Indicator.GPIOPin != 17 || cfg.Indicator.MinSeverity != "critical" || cfg.Indicator.HoldFor != 10*time.Second {
		t.Fatalf("indicator=%+v", cfg.Indicator)
	}
	if cfg.Web.Listen != ":8080" {
		t.Fatalf("listen=%q", cfg.Web.Listen)
	}
	if cfg.Sim.Nodes.Count <= 0 || cfg.Sim.Ownship.RadiusM <= 0 {
		t.Fatalf("expected sim defaults applied")
	}
}

func TestLoad_ExplicitFalseIsKept(t *testing.T) {
	path := writeTempConfig(t, "engine:\n  prediction: false\n  declination_deg: 12.5\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if *cfg.Engine.Prediction {
		t.Fatalf("prediction should stay false")
	}
	if cfg.Engine.DeclinationDeg == nil || *cfg.Engine.DeclinationDeg != 12.5 {
		t.Fatalf("declination=%v", cfg.Engine.DeclinationDeg)
	}
}

func TestLoad_ZeroMaxDistanceKept(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "engine:\n  max_distance_m: 0\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Engine.MaxDistanceM == nil || *cfg.Engine.MaxDistanceM != 0 {
		t.Fatalf("max distance=%v want 0 (no limit)", cfg.Engine.MaxDistanceM)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"HFOV", "engine:\n  fov:\n    horizontal_deg: 200\n", "engine.fov.horizontal_deg must be in (0,180)"},
		{"Aspect", "engine:\n  fov:\n    aspect_w: 16\n    aspect_h: -9\n", "engine.fov.aspect_w and engine.fov.aspect_h must be > 0"},
		{"Declination", "engine:\n  declination_deg: 190\n", "engine.declination_deg must be in [-180,180]"},
		{"Cluster", "engine:\n  cluster_radius_m: -1\n", "engine.cluster_radius_m must be >= 0"},
		{"MaxDistance", "engine:\n  max_distance_m: -1\n", "engine.max_distance_m must be >= 0"},
		{"GPSSource", "gps:\n  source: serial\n", "gps.source must be 'nmea' or 'gpsd'"},
		{"MeshAddr", "mesh:\n  enable: true\n", "mesh.addr is required when mesh.enable is true"},
		{"Severity", "indicator:\n  min_severity: loud\n", "indicator.min_severity must be 'info', 'warning' or 'critical'"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.body))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "engine:\n  fov_deg: 60\n")
	_, err := Load(path)
	requireErrEq(t, err, "config contains unknown fields: field fov_deg not found in type config.EngineConfig")
}

func TestSave_RoundTripsThroughLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshar.yaml")
	cfg := Default()
	cfg.Engine.ClusterRadiusM = 120
	cfg.Mesh.Enable = true
	cfg.Mesh.Addr = "127.0.0.1:4403"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Engine.ClusterRadiusM != 120 || got.Mesh.Addr != "127.0.0.1:4403" || got.Engine.SweepInterval != 5*time.Second {
		t.Fatalf("got=%+v", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}
