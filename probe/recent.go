package probe

import "sync"

// recentSet remembers the last N ids it was given.
type recentSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &recentSet{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
	}
}

// add records id and reports whether it was not already present.
func (s *recentSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) < cap(s.order) {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % len(s.order)
	}
	s.ids[id] = struct{}{}
	return true
}

// stampClock hands out strictly increasing millisecond timestamps per id so
// that responses of one stimulation never share a response id. It remembers
// the last N ids.
type stampClock struct {
	mu    sync.Mutex
	last  map[string]int64
	order []string
	next  int
}

func newStampClock(capacity int) *stampClock {
	if capacity <= 0 {
		capacity = 1
	}
	return &stampClock{
		last:  make(map[string]int64, capacity),
		order: make([]string, 0, capacity),
	}
}

// stamp returns ts, or one past the last stamp for id when ts would not
// move forward.
func (c *stampClock) stamp(id string, ts int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.last[id]; ok {
		if ts <= prev {
			ts = prev + 1
		}
		c.last[id] = ts
		return ts
	}
	if len(c.order) < cap(c.order) {
		c.order = append(c.order, id)
	} else {
		delete(c.last, c.order[c.next])
		c.order[c.next] = id
		c.next = (c.next + 1) % len(c.order)
	}
	c.last[id] = ts
	return ts
}
