package threat

import (
	"fmt"
	"sort"
	"time"
)

// Kind is the alert type.
type Kind int

const (
	KindNewNode Kind = iota
	KindMotion
	KindBattery
)

var kinds = [...]Kind{KindNewNode, KindMotion, KindBattery}

func (k Kind) String() string {
	switch k {
	case KindNewNode:
		return "new_node"
	case KindMotion:
		return "motion"
	case KindBattery:
		return "battery"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for _, v := range kinds {
		if v.String() == string(b) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("threat: unknown alert kind %q", b)
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	for _, v := range []Severity{SeverityInfo, SeverityWarning, SeverityCritical} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("threat: unknown severity %q", b)
}

// Alert is comparable so callers can de-duplicate with ==.
type Alert struct {
	Kind     Kind      `json:"kind"`
	EntityID uint32    `json:"entity_id"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

type alertKey struct {
	kind Kind
	id   uint32
}

// Sweeper evaluates alert conditions periodically. It is edge-triggered: an
// alert is emitted when its condition becomes true or its severity changes,
// and re-armed once the condition clears or the entity disappears. It is not
// safe for concurrent use.
type Sweeper struct {
	cfg    Config
	active map[alertKey]Severity
}

func NewSweeper(cfg Config) *Sweeper {
	return &Sweeper{cfg: cfg.withDefaults(), active: make(map[alertKey]Severity)}
}

// Sweep returns the alerts that fired at now, ordered by entity then kind.
func (s *Sweeper) Sweep(subjects []Subject, now time.Time) []Alert {
	sorted := append([]Subject(nil), subjects...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	present := make(map[alertKey]bool, len(sorted)*len(kinds))
	var out []Alert
	for _, sub := range sorted {
		for _, k := range kinds {
			sev, msg, on := s.evaluate(k, sub, now)
			key := alertKey{kind: k, id: sub.ID}
			if !on {
				delete(s.active, key)
				continue
			}
			present[key] = true
			if prev, ok := s.active[key]; ok && prev == sev {
				continue
			}
			s.active[key] = sev
			out = append(out, Alert{Kind: k, EntityID: sub.ID, Severity: sev, Message: msg, At: now})
		}
	}
	for key := range s.active {
		if !present[key] {
			delete(s.active, key)
		}
	}
	return out
}

// Active is the number of conditions currently latched.
func (s *Sweeper) Active() int { return len(s.active) }

func (s *Sweeper) evaluate(k Kind, sub Subject, now time.Time) (Severity, string, bool) {
	name := displayName(sub)
	switch k {
	case KindNewNode:
		if sub.FirstSeen.IsZero() || now.Sub(sub.FirstSeen) >= s.cfg.NewNodeAlertWindow {
			return 0, "", false
		}
		return SeverityInfo, fmt.Sprintf("new node %s discovered", name), true
	case KindMotion:
		if !sub.Moving {
			return 0, "", false
		}
		return SeverityInfo, fmt.Sprintf("%s is moving at %.1f m/s", name, sub.SpeedMPS), true
	case KindBattery:
		if sub.BatteryPct == nil || *sub.BatteryPct >= s.cfg.BatteryAlertPct {
			return 0, "", false
		}
		sev := SeverityWarning
		if *sub.BatteryPct < s.cfg.CriticalBatteryPct {
			sev = SeverityCritical
		}
		return sev, fmt.Sprintf("%s battery at %d%%", name, *sub.BatteryPct), true
	default:
		return 0, "", false
	}
}

func displayName(s Subject) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("!%08x", s.ID)
}
