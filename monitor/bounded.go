package monitor

import "sync"

// boundedSet is a best-effort in-memory dedup set with FIFO eviction.
// Durable dedup lives in the deal latches; this only saves redundant work
// inside one process lifetime.
type boundedSet struct {
	mu    sync.Mutex
	cap   int
	items map[string]struct{}
	order []string
}

func newBoundedSet(capacity int) *boundedSet {
	if capacity <= 0 {
		capacity = 1000
	}
	return &boundedSet{cap: capacity, items: make(map[string]struct{})}
}

// Add inserts the key, evicting the oldest entry at capacity. Returns false
// when the key was already present.
func (s *boundedSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return false
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
	s.items[key] = struct{}{}
	s.order = append(s.order, key)
	return true
}

func (s *boundedSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

func (s *boundedSet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return
	}
	delete(s.items, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *boundedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
