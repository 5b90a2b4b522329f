package web

import (
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"meshar/internal/engine"
	"meshar/internal/feed"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamBuffer     = 8
	streamReadLimit  = 4 << 10
)

// StreamNames are the websocket feeds served under /ws/.
var StreamNames = []string{"orientation", "position", "entities", "clusters", "alerts"}

// Envelope is one websocket text frame. The first frame of every session is
// a hello with Seq 0 and no data.
type Envelope struct {
	Type    string `json:"type"` // hello|data
	Stream  string `json:"stream"`
	Session string `json:"session"`
	Seq     uint64 `json:"seq"`
	Data    any    `json:"data,omitempty"`
}

// Streams serves the engine output feeds over websockets. Values published
// before a client connects are not replayed.
type Streams struct {
	feeds    engine.Feeds
	upgrader websocket.Upgrader
	active   atomic.Int64
}

func NewStreams(feeds engine.Feeds) *Streams {
	return &Streams{
		feeds: feeds,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The UI is served from this host; LAN clients may also connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Active is the number of open stream sessions.
func (s *Streams) Active() int64 {
	if s == nil {
		return 0
	}
	return s.active.Load()
}

func (s *Streams) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/ws/")
	switch name {
	case "orientation":
		serveFeed(s, w, r, name, s.feeds.Orientation)
	case "position":
		serveFeed(s, w, r, name, s.feeds.Position)
	case "entities":
		serveFeed(s, w, r, name, s.feeds.Entities)
	case "clusters":
		serveFeed(s, w, r, name, s.feeds.Clusters)
	case "alerts":
		serveFeed(s, w, r, name, s.feeds.Alerts)
	default:
		http.NotFound(w, r)
	}
}

func serveFeed[T any](s *Streams, w http.ResponseWriter, r *http.Request, name string, b *feed.Broadcaster[T]) {
	if b == nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		return
	}
	defer conn.Close()

	session := uuid.NewString()
	id, ch := b.Subscribe(streamBuffer)
	defer b.Unsubscribe(id)

	s.active.Add(1)
	defer s.active.Add(-1)
	log.Printf("web: stream %s session %s opened from %s", name, session, r.RemoteAddr)
	defer log.Printf("web: stream %s session %s closed", name, session)

	// Clients only send control frames; reading detects disconnects and
	// keeps pong deadlines moving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(streamReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(env Envelope) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(env)
	}
	if err := write(Envelope{Type: "hello", Stream: name, Session: session}); err != nil {
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	var seq uint64
	for {
		select {
		case <-gone:
			return
		case v, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine closed"),
					time.Now().Add(streamWriteWait))
				return
			}
			seq++
			if err := write(Envelope{Type: "data", Stream: name, Session: session, Seq: seq, Data: v}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
