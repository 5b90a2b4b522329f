//go:build linux

package i2c

import (
	"os"
	"strings"
	"testing"
)

func nullBus(t *testing.T) *Bus {
	t.Helper()
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile /dev/null: %v", err)
	}
	b := &Bus{f: f, path: "/dev/null"}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestDevTx_InvalidAddr(t *testing.T) {
	b := nullBus(t)
	for _, addr := range []uint16{0, 0x80} {
		err := b.Dev(addr).Write([]byte{0x00})
		if err == nil || !strings.Contains(err.Error(), "invalid i2c addr") {
			t.Fatalf("addr=0x%X err=%v want invalid i2c addr", addr, err)
		}
	}
}

func TestDevTx_EmptyIsNoop(t *testing.T) {
	d := nullBus(t).Dev(0x68)
	n, err := d.tx(nil, nil)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestDevTx_ClosedBus(t *testing.T) {
	b := nullBus(t)
	d := b.Dev(0x0C)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.WriteReg(0x31, 0x08); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("err=%v want closed bus", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpen_Missing(t *testing.T) {
	if _, err := OpenBus(250); err == nil {
		t.Fatalf("expected error for missing bus")
	}
	var b *Bus
	if b.Dev(0x68) != nil || b.Path() != "" {
		t.Fatalf("nil bus should return zero values")
	}
}
