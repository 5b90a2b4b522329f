// Package feed provides the multi-subscriber broadcast channels the engine
// publishes its outputs on.
package feed

import "sync"

// Broadcaster fans out values to any number of subscribers. There is no replay
// buffer: a subscriber only observes values published after it attached.
// Sends never block the publisher; a subscriber that falls behind its buffer
// misses values.
type Broadcaster[T any] struct {
	mu      sync.RWMutex
	subs    map[int]chan T
	nextID  int
	closed  bool
	dropped uint64
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new subscriber. The returned id is passed to
// Unsubscribe; the channel is closed on Unsubscribe or Close.
func (b *Broadcaster[T]) Subscribe(buffer int) (int, <-chan T) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan T, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return -1, ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return id, ch
}

func (b *Broadcaster[T]) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers v to every current subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped++
		}
	}
}

func (b *Broadcaster[T]) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Broadcaster[T]) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close closes every subscriber channel. Later Publish calls are no-ops and
// later Subscribe calls receive an already-closed channel.
func (b *Broadcaster[T]) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
