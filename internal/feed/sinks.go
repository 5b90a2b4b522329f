package feed

import "sync"

// Sinks is the registry a host source keeps of its callback subscribers.
// Each delivers under the registry lock, so per-sink state held in T may be
// mutated from fn without further locking.
type Sinks[T any] struct {
	mu     sync.Mutex
	m      map[int]T
	nextID int
}

// Handle removes one registration. Unsubscribe is idempotent.
type Handle struct {
	once   sync.Once
	remove func()
}

func (h *Handle) Unsubscribe() {
	if h == nil || h.remove == nil {
		return
	}
	h.once.Do(h.remove)
}

func (s *Sinks[T]) Add(v T) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[int]T)
	}
	id := s.nextID
	s.nextID++
	s.m[id] = v
	return &Handle{remove: func() {
		s.mu.Lock()
		delete(s.m, id)
		s.mu.Unlock()
	}}
}

func (s *Sinks[T]) Each(fn func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.m {
		fn(v)
	}
}

func (s *Sinks[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
