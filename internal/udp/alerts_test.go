package udp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"meshar/internal/threat"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func alert(id uint32, msg string) threat.Alert {
	return threat.Alert{Kind: threat.KindBattery, EntityID: id, Severity: threat.SeverityWarning, Message: msg, At: t0}
}

func TestEncodeAlerts_SingleDatagram(t *testing.T) {
	packets, err := EncodeAlerts([]threat.Alert{alert(1, "a"), alert(2, "b")}, t0)
	if err != nil {
		t.Fatalf("EncodeAlerts() error: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("packets=%d want 1", len(packets))
	}
	var b struct {
		Type   string `json:"type"`
		Part   int    `json:"part"`
		Parts  int    `json:"parts"`
		Alerts []struct {
			Kind     string `json:"kind"`
			EntityID uint32 `json:"entity_id"`
			Severity string `json:"severity"`
		} `json:"alerts"`
	}
	if err := json.Unmarshal(packets[0], &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.Type != "alerts" || b.Part != 1 || b.Parts != 1 || len(b.Alerts) != 2 {
		t.Fatalf("batch=%+v", b)
	}
	if b.Alerts[1].Kind != "battery" || b.Alerts[1].Severity != "warning" || b.Alerts[1].EntityID != 2 {
		t.Fatalf("alert=%+v", b.Alerts[1])
	}
}

func TestEncodeAlerts_SplitsLargeSweeps(t *testing.T) {
	var alerts []threat.Alert
	for i := 0; i < 40; i++ {
		alerts = append(alerts, alert(uint32(i+1), strings.Repeat("x", 100)))
	}
	packets, err := EncodeAlerts(alerts, t0)
	if err != nil {
		t.Fatalf("EncodeAlerts() error: %v", err)
	}
	if len(packets) < 2 {
		t.Fatalf("packets=%d want a split", len(packets))
	}
	total := 0
	for i, p := range packets {
		if len(p) > MaxDatagram {
			t.Fatalf("packet %d is %d bytes", i, len(p))
		}
		var b Batch
		if err := json.Unmarshal(p, &b); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if b.Part != i+1 || b.Parts != len(packets) {
			t.Fatalf("part=%d/%d", b.Part, b.Parts)
		}
		total += len(b.Alerts)
	}
	if total != len(alerts) {
		t.Fatalf("alerts=%d want %d", total, len(alerts))
	}
}

func TestEncodeAlerts_Empty(t *testing.T) {
	packets, err := EncodeAlerts(nil, t0)
	if err != nil || packets != nil {
		t.Fatalf("packets=%v err=%v", packets, err)
	}
}

func TestForward_SendsUntilClosed(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{dest: "x", conn: fc}
	ch := make(chan []threat.Alert, 3)
	ch <- []threat.Alert{alert(1, "a")}
	ch <- nil
	ch <- []threat.Alert{alert(2, "b")}
	close(ch)

	Forward(context.Background(), b, ch, func() time.Time { return t0 })
	if len(fc.writes) != 2 {
		t.Fatalf("writes=%d want 2", len(fc.writes))
	}
}

func TestForward_KeepsGoingAfterSendError(t *testing.T) {
	fc := &fakeConn{writeErr: errors.New("refused")}
	b := &Broadcaster{dest: "x", conn: fc}
	ch := make(chan []threat.Alert, 2)
	ch <- []threat.Alert{alert(1, "a")}
	ch <- []threat.Alert{alert(2, "b")}
	close(ch)

	Forward(context.Background(), b, ch, nil)
	if st := b.Stats(); st.Errors != 2 {
		t.Fatalf("write errors=%d want 2", st.Errors)
	}
}

func TestForward_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Forward(ctx, &Broadcaster{dest: "x", conn: &fakeConn{}}, make(chan []threat.Alert), nil)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Forward did not return after cancel")
	}
}
