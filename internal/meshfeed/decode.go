// Package meshfeed follows a mesh radio bridge that emits one JSON object per
// line over TCP (the Meshtastic JSON envelope: position, telemetry and
// nodeinfo packets) and keeps the latest merged record per node for the
// engine's processing cycle.
package meshfeed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the packet type carried by an envelope.
type Kind string

const (
	KindPosition  Kind = "position"
	KindTelemetry Kind = "telemetry"
	KindNodeInfo  Kind = "nodeinfo"
)

type envelope struct {
	From      *uint32         `json:"from"`
	Sender    string          `json:"sender"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SNR       *float64        `json:"snr"`
	Payload   json.RawMessage `json:"payload"`
}

type positionPayload struct {
	LatitudeI  *int64   `json:"latitude_i"`
	LongitudeI *int64   `json:"longitude_i"`
	Altitude   *float64 `json:"altitude"`
}

type telemetryPayload struct {
	BatteryLevel *int `json:"battery_level"`
}

type nodeInfoPayload struct {
	LongName  string `json:"longname"`
	ShortName string `json:"shortname"`
}

// Update is one decoded packet. Only the fields its Kind carries are set.
type Update struct {
	ID   uint32
	Kind Kind
	// At is when the node sent the packet; ReceivedAt is when it arrived.
	At         time.Time
	ReceivedAt time.Time

	LatDeg, LonDeg *float64
	AltM           *float64
	BatteryPct     *int
	SignalDB       *float64
	Name           string
}

// ParseLine decodes one NDJSON object. Packet types other than position,
// telemetry and nodeinfo return ok=false without an error.
func ParseLine(raw []byte, now time.Time) (Update, bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Update{}, false, fmt.Errorf("meshfeed: json parse: %w", err)
	}
	id, err := nodeID(env)
	if err != nil {
		return Update{}, false, err
	}

	u := Update{ID: id, Kind: Kind(strings.ToLower(strings.TrimSpace(env.Type))), At: now.UTC(), ReceivedAt: now.UTC(), SignalDB: env.SNR}
	if env.Timestamp > 0 {
		u.At = time.Unix(env.Timestamp, 0).UTC()
	}

	switch u.Kind {
	case KindPosition:
		var p positionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Update{}, false, fmt.Errorf("meshfeed: position payload: %w", err)
		}
		if p.LatitudeI == nil || p.LongitudeI == nil {
			return Update{}, false, fmt.Errorf("meshfeed: position from !%08x has no coordinates", id)
		}
		// Meshtastic sends degrees scaled by 1e7.
		lat := float64(*p.LatitudeI) / 1e7
		lon := float64(*p.LongitudeI) / 1e7
		u.LatDeg, u.LonDeg, u.AltM = &lat, &lon, p.Altitude
	case KindTelemetry:
		var p telemetryPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Update{}, false, fmt.Errorf("meshfeed: telemetry payload: %w", err)
		}
		if p.BatteryLevel == nil {
			// Environment telemetry only.
			return Update{}, false, nil
		}
		// 101 means externally powered.
		b := min(max(*p.BatteryLevel, 0), 100)
		u.BatteryPct = &b
	case KindNodeInfo:
		var p nodeInfoPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Update{}, false, fmt.Errorf("meshfeed: nodeinfo payload: %w", err)
		}
		u.Name = strings.TrimSpace(p.LongName)
		if u.Name == "" {
			u.Name = strings.TrimSpace(p.ShortName)
		}
	default:
		return Update{}, false, nil
	}
	return u, true, nil
}

func nodeID(env envelope) (uint32, error) {
	if env.From != nil && *env.From != 0 {
		return *env.From, nil
	}
	s := strings.TrimPrefix(strings.TrimSpace(env.Sender), "!")
	if s == "" {
		return 0, fmt.Errorf("meshfeed: packet has no sender")
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("meshfeed: bad sender %q", env.Sender)
	}
	return uint32(v), nil
}
