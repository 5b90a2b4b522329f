package meshfeed

import (
	"sort"
	"sync"
	"time"

	"meshar/internal/engine"
)

type StoreConfig struct {
	// MaxNodes bounds memory; the least recently heard node is evicted first.
	MaxNodes int
	// TTL drops nodes nothing has been received from for this long.
	TTL time.Duration
}

// Store merges packets into one record per node. Stored records are never
// written through: every update replaces the pointed-to values, so
// snapshots handed to the engine stay stable.
type Store struct {
	mu    sync.Mutex
	cfg   StoreConfig
	nodes map[uint32]node
}

type node struct {
	rec    engine.EntityRecord
	seenAt time.Time
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = 500
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	return &Store{cfg: cfg, nodes: make(map[uint32]node)}
}

func (s *Store) Apply(u Update) {
	if s == nil || u.ID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.nodes[u.ID]
	n.rec.ID = u.ID
	// Payload fields missing from an update are left as they were; the
	// packet still counts as hearing the node. Only position packets move
	// PositionAt, so telemetry never looks like a fresh position sample.
	switch u.Kind {
	case KindPosition:
		if u.LatDeg != nil && u.LonDeg != nil && (n.rec.PositionAt == nil || !u.At.Before(*n.rec.PositionAt)) {
			n.rec.LatDeg = ptr(*u.LatDeg)
			n.rec.LonDeg = ptr(*u.LonDeg)
			n.rec.AltM = nil
			if u.AltM != nil {
				n.rec.AltM = ptr(*u.AltM)
			}
			n.rec.PositionAt = ptr(u.At)
		}
	case KindTelemetry:
		if u.BatteryPct != nil {
			n.rec.BatteryPct = ptr(*u.BatteryPct)
		}
	case KindNodeInfo:
		n.rec.Name = u.Name
	}
	if u.SignalDB != nil {
		n.rec.SignalDB = ptr(*u.SignalDB)
	}
	if n.rec.LastHeard == nil || u.At.After(*n.rec.LastHeard) {
		n.rec.LastHeard = ptr(u.At)
	}
	seen := u.ReceivedAt
	if seen.IsZero() {
		seen = u.At
	}
	if seen.After(n.seenAt) {
		n.seenAt = seen
	}
	s.nodes[u.ID] = n

	for len(s.nodes) > s.cfg.MaxNodes {
		s.evictOldestLocked()
	}
}

func (s *Store) evictOldestLocked() {
	var oldestID uint32
	var oldestAt time.Time
	first := true
	for id, n := range s.nodes {
		if first || n.seenAt.Before(oldestAt) || (n.seenAt.Equal(oldestAt) && id < oldestID) {
			oldestID, oldestAt, first = id, n.seenAt, false
		}
	}
	delete(s.nodes, oldestID)
}

// Snapshot purges stale nodes and returns the rest ordered by ID.
func (s *Store) Snapshot(now time.Time) []engine.EntityRecord {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	cutoff := now.Add(-s.cfg.TTL)
	for id, n := range s.nodes {
		if n.seenAt.Before(cutoff) {
			delete(s.nodes, id)
		}
	}
	out := make([]engine.EntityRecord, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

func ptr[T any](v T) *T { return &v }
