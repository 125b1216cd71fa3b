package bridge

import "sync"

// Seen remembers the most recent message ids so resent frames are handled once.
type Seen struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func NewSeen(capacity int) *Seen {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Seen{ids: make(map[string]struct{}, capacity), order: make([]string, capacity)}
}

// First records id and reports whether it had not been seen. Empty ids are always first.
func (s *Seen) First(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.next = (s.next + 1) % len(s.order)
	s.ids[id] = struct{}{}
	return true
}

// Forget drops id so a resend of it is handled again.
func (s *Seen) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}
