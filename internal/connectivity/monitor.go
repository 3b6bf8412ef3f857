// Package connectivity tracks the online/offline signal that gates the
// synchronization engine.
package connectivity

import "sync"

// Monitor holds the current connectivity state and notifies subscribers
// on every transition. The state itself is fed from outside (platform
// reachability callbacks, a health probe, tests).
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	next   int
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]chan bool),
	}
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a state change and notifies subscribers. Setting the
// current state again is a no-op.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	for _, ch := range m.subs {
		// Non-blocking: a buffered channel per subscriber coalesces
		// rapid flaps into one wake-up.
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe returns a channel that receives the new state on every
// transition, plus a cancel func.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan bool, 1)
	id := m.next
	m.next++
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}
