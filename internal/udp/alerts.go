package udp

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"meshar/internal/threat"
)

// MaxDatagram keeps each packet under a typical Ethernet MTU.
const MaxDatagram = 1400

// Batch is the datagram body. A sweep that does not fit in one datagram is
// split; Part and Parts let the receiver tell.
type Batch struct {
	Type   string         `json:"type"`
	SentAt time.Time      `json:"sent_at"`
	Part   int            `json:"part"`
	Parts  int            `json:"parts"`
	Alerts []threat.Alert `json:"alerts"`
}

// EncodeAlerts packs alerts into as few datagrams as fit under MaxDatagram.
// A single alert larger than MaxDatagram is still sent on its own.
func EncodeAlerts(alerts []threat.Alert, now time.Time) ([][]byte, error) {
	if len(alerts) == 0 {
		return nil, nil
	}
	var groups [][]threat.Alert
	var cur []threat.Alert
	for _, a := range alerts {
		next := append(append([]threat.Alert(nil), cur...), a)
		// Two-digit part numbers bound the final header size.
		b, err := json.Marshal(Batch{Type: "alerts", SentAt: now, Alerts: next, Part: 99, Parts: 99})
		if err != nil {
			return nil, err
		}
		if len(b) > MaxDatagram && len(cur) > 0 {
			groups = append(groups, cur)
			cur = []threat.Alert{a}
			continue
		}
		cur = next
	}
	groups = append(groups, cur)

	out := make([][]byte, 0, len(groups))
	for i, g := range groups {
		b, err := json.Marshal(Batch{Type: "alerts", SentAt: now, Part: i + 1, Parts: len(groups), Alerts: g})
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Forward sends every alert batch read from ch until ctx is done or ch is
// closed. Send failures are logged and do not stop forwarding.
func Forward(ctx context.Context, b *Broadcaster, ch <-chan []threat.Alert, now func() time.Time) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	for {
		select {
		case <-ctx.Done():
			return
		case alerts, ok := <-ch:
			if !ok {
				return
			}
			packets, err := EncodeAlerts(alerts, now())
			if err != nil {
				log.Printf("udp: encode alerts: %v", err)
				continue
			}
			for _, p := range packets {
				if err := b.Send(p); err != nil {
					log.Printf("udp: send to %s: %v", b.Dest(), err)
					break
				}
			}
		}
	}
}
