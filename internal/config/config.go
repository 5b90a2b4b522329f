package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	GPS       GPSConfig       `yaml:"gps"`
	IMU       IMUConfig       `yaml:"imu"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Web       WebConfig       `yaml:"web"`
	UDP       UDPConfig       `yaml:"udp"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Sim       SimConfig       `yaml:"sim"`
}

type EngineConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	ProcessInterval time.Duration `yaml:"process_interval"`

	FOV FOVConfig `yaml:"fov"`
	// DeclinationDeg overrides the modelled magnetic declination when set.
	DeclinationDeg *float64 `yaml:"declination_deg,omitempty"`

	// MaxDistanceM zero disables the distance filter; unset means 10 km.
	MaxDistanceM   *float64 `yaml:"max_distance_m,omitempty"`
	ClusterRadiusM float64  `yaml:"cluster_radius_m"`
	Prediction     *bool    `yaml:"prediction,omitempty"`
	Tracking       *bool    `yaml:"tracking,omitempty"`
	// Runtime FOV overrides. Zero keeps the calibrated value.
	HFOVOverrideDeg float64 `yaml:"hfov_override_deg,omitempty"`
	VFOVOverrideDeg float64 `yaml:"vfov_override_deg,omitempty"`

	MaxEntities int           `yaml:"max_entities"`
	EntityTTL   time.Duration `yaml:"entity_ttl"`
}

type FOVConfig struct {
	HorizontalDeg float64 `yaml:"horizontal_deg"`
	// VerticalDeg zero derives the vertical FOV from the aspect ratio.
	VerticalDeg float64 `yaml:"vertical_deg"`
	AspectW     float64 `yaml:"aspect_w"`
	AspectH     float64 `yaml:"aspect_h"`
}

type GPSConfig struct {
	Enable   bool   `yaml:"enable"`
	Source   string `yaml:"source"` // nmea|gpsd
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	GPSDAddr string `yaml:"gpsd_addr"`
}

type IMUConfig struct {
	Enable       bool          `yaml:"enable"`
	I2CBus       int           `yaml:"i2c_bus"`
	IMUAddr      uint16        `yaml:"imu_addr"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MeshConfig struct {
	Enable         bool          `yaml:"enable"`
	Addr           string        `yaml:"addr"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	NodeTTL        time.Duration `yaml:"node_ttl"`
	MaxNodes       int           `yaml:"max_nodes"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type UDPConfig struct {
	// Dest receives alert batches as JSON datagrams. Empty disables it.
	Dest string `yaml:"dest"`
}

// IndicatorConfig drives an alert LED or buzzer on a GPIO line.
type IndicatorConfig struct {
	Enable      bool          `yaml:"enable"`
	GPIOPin     int           `yaml:"gpio_pin"`
	MinSeverity string        `yaml:"min_severity"` // info|warning|critical
	HoldFor     time.Duration `yaml:"hold_for"`
}

type SimConfig struct {
	Ownship OwnshipSimConfig `yaml:"ownship"`
	Nodes   NodesSimConfig   `yaml:"nodes"`
}

type OwnshipSimConfig struct {
	Enable       bool          `yaml:"enable"`
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	AltM         float64       `yaml:"alt_m"`
	RadiusM      float64       `yaml:"radius_m"`
	Period       time.Duration `yaml:"period"`
	// TurnDegPerSec is the synthetic heading rotation rate.
	TurnDegPerSec float64 `yaml:"turn_deg_per_sec"`
}

type NodesSimConfig struct {
	Enable  bool          `yaml:"enable"`
	Count   int           `yaml:"count"`
	RadiusM float64       `yaml:"radius_m"`
	Period  time.Duration `yaml:"period"`
	// DrainPctPerMin is how fast simulated batteries run down.
	DrainPctPerMin float64 `yaml:"drain_pct_per_min"`
}

// Load reads a YAML config file, fills defaults and validates it. Unknown
// keys are rejected.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", unknownFieldDetail(err))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func unknownFieldDetail(err error) string {
	var te *yaml.TypeError
	if errors.As(err, &te) && len(te.Errors) > 0 {
		msg := te.Errors[0]
		if i := strings.Index(msg, "field "); i >= 0 {
			return msg[i:]
		}
		return msg
	}
	return err.Error()
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	_ = DefaultAndValidate(&cfg)
	return cfg
}

// DefaultAndValidate fills unset values and rejects invalid ones. Error
// messages name the YAML key.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	e := &cfg.Engine
	if e.TickInterval <= 0 {
		e.TickInterval = 16 * time.Millisecond
	}
	if e.SweepInterval <= 0 {
		e.SweepInterval = 5 * time.Second
	}
	if e.ProcessInterval <= 0 {
		e.ProcessInterval = 100 * time.Millisecond
	}
	if e.FOV.HorizontalDeg == 0 {
		e.FOV.HorizontalDeg = 60
	}
	if e.FOV.AspectW == 0 && e.FOV.AspectH == 0 {
		e.FOV.AspectW, e.FOV.AspectH = 4, 3
	}
	if e.MaxDistanceM == nil {
		v := 10_000.0
		e.MaxDistanceM = &v
	}
	if e.ClusterRadiusM == 0 {
		e.ClusterRadiusM = 50
	}
	if e.Prediction == nil {
		v := true
		e.Prediction = &v
	}
	if e.Tracking == nil {
		v := true
		e.Tracking = &v
	}
	if e.MaxEntities == 0 {
		e.MaxEntities = 500
	}
	if e.EntityTTL == 0 {
		e.EntityTTL = 2 * time.Hour
	}

	if e.FOV.HorizontalDeg <= 0 || e.FOV.HorizontalDeg >= 180 {
		return fmt.Errorf("engine.fov.horizontal_deg must be in (0,180)")
	}
	if e.FOV.VerticalDeg < 0 || e.FOV.VerticalDeg >= 180 {
		return fmt.Errorf("engine.fov.vertical_deg must be in [0,180)")
	}
	if e.FOV.AspectW <= 0 || e.FOV.AspectH <= 0 {
		return fmt.Errorf("engine.fov.aspect_w and engine.fov.aspect_h must be > 0")
	}
	if e.DeclinationDeg != nil && (math.IsNaN(*e.DeclinationDeg) || math.Abs(*e.DeclinationDeg) > 180) {
		return fmt.Errorf("engine.declination_deg must be in [-180,180]")
	}
	if math.IsNaN(*e.MaxDistanceM) || *e.MaxDistanceM < 0 {
		return fmt.Errorf("engine.max_distance_m must be >= 0")
	}
	if e.ClusterRadiusM < 0 {
		return fmt.Errorf("engine.cluster_radius_m must be >= 0")
	}
	if e.HFOVOverrideDeg < 0 || e.HFOVOverrideDeg >= 180 || e.VFOVOverrideDeg < 0 || e.VFOVOverrideDeg >= 180 {
		return fmt.Errorf("engine.hfov_override_deg and engine.vfov_override_deg must be in [0,180)")
	}
	if e.MaxEntities < 0 {
		return fmt.Errorf("engine.max_entities must be > 0")
	}
	if e.EntityTTL < 0 {
		return fmt.Errorf("engine.entity_ttl must be >= 0")
	}

	g := &cfg.GPS
	if g.Source == "" {
		g.Source = "nmea"
	}
	g.Source = strings.ToLower(strings.TrimSpace(g.Source))
	if g.Device == "" {
		g.Device = "/dev/ttyACM0"
	}
	if g.Baud == 0 {
		g.Baud = 9600
	}
	if g.GPSDAddr == "" {
		g.GPSDAddr = "127.0.0.1:2947"
	}
	if g.Source != "nmea" && g.Source != "gpsd" {
		return fmt.Errorf("gps.source must be 'nmea' or 'gpsd'")
	}
	if g.Baud < 0 {
		return fmt.Errorf("gps.baud must be > 0")
	}

	i := &cfg.IMU
	if i.I2CBus == 0 {
		i.I2CBus = 1
	}
	if i.IMUAddr == 0 {
		i.IMUAddr = 0x68
	}
	if i.PollInterval <= 0 {
		i.PollInterval = 16 * time.Millisecond
	}

	m := &cfg.Mesh
	if m.ReconnectDelay <= 0 {
		m.ReconnectDelay = 2 * time.Second
	}
	if m.NodeTTL <= 0 {
		m.NodeTTL = 2 * time.Hour
	}
	if m.MaxNodes <= 0 {
		m.MaxNodes = 500
	}
	if m.Enable && strings.TrimSpace(m.Addr) == "" {
		return fmt.Errorf("mesh.addr is required when mesh.enable is true")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	ind := &cfg.Indicator
	if ind.GPIOPin == 0 {
		ind.GPIOPin = 17
	}
	ind.MinSeverity = strings.ToLower(strings.TrimSpace(ind.MinSeverity))
	if ind.MinSeverity == "" {
		ind.MinSeverity = "critical"
	}
	if ind.HoldFor <= 0 {
		ind.HoldFor = 10 * time.Second
	}
	switch ind.MinSeverity {
	case "info", "warning", "critical":
	default:
		return fmt.Errorf("indicator.min_severity must be 'info', 'warning' or 'critical'")
	}
	if ind.GPIOPin < 0 {
		return fmt.Errorf("indicator.gpio_pin must be > 0")
	}

	o := &cfg.Sim.Ownship
	if o.CenterLatDeg == 0 && o.CenterLonDeg == 0 {
		o.CenterLatDeg, o.CenterLonDeg = 47.6062, -122.3321
	}
	if o.RadiusM <= 0 {
		o.RadiusM = 50
	}
	if o.Period <= 0 {
		o.Period = 5 * time.Minute
	}
	if o.TurnDegPerSec == 0 {
		o.TurnDegPerSec = 6
	}
	if o.CenterLatDeg < -90 || o.CenterLatDeg > 90 || o.CenterLonDeg < -180 || o.CenterLonDeg > 180 {
		return fmt.Errorf("sim.ownship center is out of range")
	}

	n := &cfg.Sim.Nodes
	if n.Count <= 0 {
		n.Count = 6
	}
	if n.RadiusM <= 0 {
		n.RadiusM = 800
	}
	if n.Period <= 0 {
		n.Period = 4 * time.Minute
	}
	if n.DrainPctPerMin == 0 {
		n.DrainPctPerMin = 2
	}
	if n.DrainPctPerMin < 0 {
		return fmt.Errorf("sim.nodes.drain_pct_per_min must be >= 0")
	}
	return nil
}

// Save writes cfg as YAML to path, replacing the file atomically.
func Save(path string, cfg Config) error {
	if err := DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b)
}
