// Package threat classifies entities into threat levels and produces alerts
// from a periodic sweep.
package threat

import (
	"fmt"
	"time"
)

const (
	DefaultCriticalBatteryPct = 10
	DefaultWarningBatteryPct  = 25
	DefaultStaleAge           = 15 * time.Minute
	DefaultOfflineAge         = 60 * time.Minute

	DefaultNewNodeAlertWindow = 30 * time.Second
	DefaultBatteryAlertPct    = 20
)

// Level is a per-entity threat classification.
type Level int

const (
	LevelNormal Level = iota
	LevelInfo
	LevelWarning
	LevelCritical
	LevelOffline
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelOffline:
		return "offline"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	for _, v := range []Level{LevelNormal, LevelInfo, LevelWarning, LevelCritical, LevelOffline} {
		if v.String() == string(b) {
			*l = v
			return nil
		}
	}
	return fmt.Errorf("threat: unknown level %q", b)
}

type Config struct {
	CriticalBatteryPct int
	WarningBatteryPct  int
	StaleAge           time.Duration
	OfflineAge         time.Duration

	NewNodeAlertWindow time.Duration
	BatteryAlertPct    int
}

func DefaultConfig() Config {
	return Config{
		CriticalBatteryPct: DefaultCriticalBatteryPct,
		WarningBatteryPct:  DefaultWarningBatteryPct,
		StaleAge:           DefaultStaleAge,
		OfflineAge:         DefaultOfflineAge,
		NewNodeAlertWindow: DefaultNewNodeAlertWindow,
		BatteryAlertPct:    DefaultBatteryAlertPct,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CriticalBatteryPct <= 0 {
		c.CriticalBatteryPct = def.CriticalBatteryPct
	}
	if c.WarningBatteryPct <= 0 {
		c.WarningBatteryPct = def.WarningBatteryPct
	}
	if c.StaleAge <= 0 {
		c.StaleAge = def.StaleAge
	}
	if c.OfflineAge <= 0 {
		c.OfflineAge = def.OfflineAge
	}
	if c.NewNodeAlertWindow <= 0 {
		c.NewNodeAlertWindow = def.NewNodeAlertWindow
	}
	if c.BatteryAlertPct <= 0 {
		c.BatteryAlertPct = def.BatteryAlertPct
	}
	return c
}

// Subject is what the classifier needs to know about one entity.
type Subject struct {
	ID         uint32
	Name       string
	FirstSeen  time.Time
	LastHeard  *time.Time
	BatteryPct *int
	IsNew      bool
	Moving     bool
	SpeedMPS   float64
}

// Classify returns the first matching level: critical battery, offline,
// warning (low battery or stale), newly discovered, normal.
//
// Offline is checked before the stale warning so a node silent for more
// than OfflineAge is reported offline rather than merely stale.
func Classify(c Config, s Subject, now time.Time) Level {
	c = c.withDefaults()
	age, haveAge := time.Duration(0), false
	if s.LastHeard != nil && !s.LastHeard.IsZero() {
		age, haveAge = now.Sub(*s.LastHeard), true
	}
	switch {
	case s.BatteryPct != nil && *s.BatteryPct < c.CriticalBatteryPct:
		return LevelCritical
	case haveAge && age > c.OfflineAge:
		return LevelOffline
	case s.BatteryPct != nil && *s.BatteryPct < c.WarningBatteryPct:
		return LevelWarning
	case haveAge && age > c.StaleAge:
		return LevelWarning
	case s.IsNew:
		return LevelInfo
	default:
		return LevelNormal
	}
}
