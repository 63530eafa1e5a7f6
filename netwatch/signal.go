// Package netwatch tracks network availability and turns connectivity
// transitions into session reconnects and teardowns.
package netwatch

import "sync"

// Signal is the process-wide online flag. Only the Monitor mutates it.
type Signal struct {
	mu        sync.RWMutex
	online    bool
	nextID    int
	listeners []listener
}

type listener struct {
	id int
	fn func(online bool)
}

func NewSignal(online bool) *Signal {
	return &Signal{online: online}
}

func (s *Signal) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Subscribe registers fn for transitions and returns its removal func.
func (s *Signal) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := s.listeners[:0:0]
		for _, l := range s.listeners {
			if l.id != id {
				out = append(out, l)
			}
		}
		s.listeners = out
	}
}

// set records online and reports whether it changed. Listeners are notified
// only on a change.
func (s *Signal) set(online bool) bool {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	fns := make([]func(bool), 0, len(s.listeners))
	for _, l := range s.listeners {
		fns = append(fns, l.fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
	return true
}
