// Package udp forwards engine alerts to a LAN listener as JSON datagrams.
package udp

import (
	"fmt"
	"net"
	"sync"
	"time"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Stats are the broadcaster's counters for the status API.
type Stats struct {
	Dest      string    `json:"dest"`
	Sent      uint64    `json:"sent"`
	Errors    uint64    `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
	LastSent  time.Time `json:"last_sent_utc,omitempty"`
}

// Broadcaster sends datagrams to one connected destination. It is safe for
// concurrent use.
type Broadcaster struct {
	dest string

	mu    sync.Mutex
	conn  udpConn
	stats Stats
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// A nil local address lets the kernel pick the outgoing interface.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn, stats: Stats{Dest: dest}}, nil
}

func (b *Broadcaster) Dest() string {
	if b == nil {
		return ""
	}
	return b.dest
}

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if b == nil {
		return fmt.Errorf("udp: broadcaster is closed")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("udp: broadcaster is closed")
	}
	if _, err := b.conn.Write(payload); err != nil {
		b.stats.Errors++
		b.stats.LastError = err.Error()
		return err
	}
	b.stats.Sent++
	b.stats.LastSent = time.Now().UTC()
	return nil
}

func (b *Broadcaster) Stats() Stats {
	if b == nil {
		return Stats{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Broadcaster) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
