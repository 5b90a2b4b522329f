package meshfeed

import (
	"context"
	"net"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_ReadsAndReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	batches := []string{
		`{"from":1,"type":"position","payload":{"latitude_i":450000000,"longitude_i":-1220000000}}` + "\n" +
			`{garbage` + "\n" +
			`{"from":1,"type":"telemetry","payload":{"battery_level":80}}` + "\n",
		`{"from":2,"type":"position","payload":{"latitude_i":450010000,"longitude_i":-1220000000}}` + "\n",
	}
	go func() {
		for _, b := range batches {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte(b))
			_ = conn.Close()
		}
	}()

	c := New(Config{Enable: true, Addr: ln.Addr().String(), ReconnectDelay: 10 * time.Millisecond})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "both nodes", func() bool { st := c.Status(); return st.Nodes == 2 && st.Messages == 3 })

	nodes := c.Nodes()
	if len(nodes) != 2 || nodes[0].BatteryPct == nil || *nodes[0].BatteryPct != 80 {
		t.Fatalf("nodes=%+v", nodes)
	}
	st := c.Status()
	if st.Messages != 3 || st.Rejected != 1 {
		t.Fatalf("status=%+v want 3 messages and 1 rejected", st)
	}

	c.Close()
	c.Close()
	if got := c.Status().State; got != "stopped" {
		t.Fatalf("state=%q want stopped", got)
	}
}

func TestClient_DisabledAndValidation(t *testing.T) {
	c := New(Config{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("disabled start: %v", err)
	}
	c.Close()

	c = New(Config{Enable: true})
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("expected missing addr error")
	}

	var nilClient *Client
	nilClient.Close()
	if nilClient.Nodes() != nil || nilClient.Status().Enabled {
		t.Fatalf("nil client should report zero values")
	}
}

func TestClient_HandleLineTooLarge(t *testing.T) {
	c := New(Config{MaxLineBytes: 16})
	c.handleLine([]byte(`{"from":1,"type":"nodeinfo","payload":{"longname":"a long name"}}`))
	if st := c.Status(); st.Rejected != 1 || st.Nodes != 0 {
		t.Fatalf("status=%+v", st)
	}
}

func TestClient_TapSeesTrimmedLines(t *testing.T) {
	var got []string
	c := New(Config{Tap: func(line []byte, at time.Time) { got = append(got, string(line)) }})
	c.handleLine([]byte("  \n"))
	c.handleLine([]byte("{bad\n"))
	c.handleLine([]byte(`{"from":3,"type":"telemetry","payload":{"battery_level":55}}` + "\n"))
	if len(got) != 2 || got[0] != "{bad" {
		t.Fatalf("tapped=%q", got)
	}
	if st := c.Status(); st.Rejected != 1 || st.Messages != 1 {
		t.Fatalf("status=%+v", st)
	}
}
