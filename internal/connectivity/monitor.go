// Package connectivity abstracts the host environment's online/offline
// signal as a subscribable boolean, so higher layers never bind to a
// platform API and tests can drive transitions directly.
package connectivity

import "sync"

// Monitor reports current connectivity and publishes transitions.
type Monitor interface {
	// Online returns the current status.
	Online() bool
	// Subscribe registers a transition listener. The returned cancel
	// function must be called on teardown. Listeners receive the new
	// status after each transition; intermediate values may be collapsed
	// to the latest one.
	Subscribe() (<-chan bool, func())
}

// Manual is a Monitor whose status is set programmatically. It is the
// test double and also backs the probe monitor's state.
type Manual struct {
	mu          sync.Mutex
	online      bool
	subscribers map[int64]chan bool
	nextID      int64
}

// NewManual returns a Manual monitor with the given initial status.
func NewManual(online bool) *Manual {
	return &Manual{
		online:      online,
		subscribers: make(map[int64]chan bool),
	}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manual) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subscribers[id] = ch
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
	return ch, cancel
}

// Set updates the status. Subscribers are notified only on transitions.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	for _, ch := range m.subscribers {
		// Latest status wins; a slow subscriber keeps only the newest value.
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}
