package backoff

import "sync"

// Switch is the process-wide kill switch for live updates. While it is off every
// Controller bound to it refuses to connect, and turning it off disconnects them.
type Switch struct {
	mu        sync.Mutex
	enabled   bool
	nextID    int
	listeners map[int]func(bool)
}

// NewSwitch returns a switch in the given position
func NewSwitch(enabled bool) *Switch {
	return &Switch{
		enabled:   enabled,
		listeners: make(map[int]func(bool)),
	}
}

// Enabled reports the switch position
func (s *Switch) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Set flips the switch. Listeners run synchronously, outside the lock, only on change.
func (s *Switch) Set(enabled bool) {
	s.mu.Lock()
	if s.enabled == enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = enabled
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(enabled)
	}
}

// OnChange registers fn and returns a func that removes it
func (s *Switch) OnChange(fn func(enabled bool)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
