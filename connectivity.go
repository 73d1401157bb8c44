package fieldsync

import (
	"sync"
)

// ConnectivitySignal delivers the online/offline state plus change events.
// The host application feeds it from whatever platform facility it has
// (NetworkMonitor, netlink, a reachability ping).
type ConnectivitySignal interface {
	// Online returns the current state.
	Online() bool
	// Subscribe returns a channel receiving the new state on each change.
	Subscribe() <-chan bool
}

// ConnectivityMonitor is the standard ConnectivitySignal implementation,
// updated by the host via SetOnline.
type ConnectivityMonitor struct {
	mu     sync.RWMutex
	online bool
	subs   []chan bool
}

// NewConnectivityMonitor creates a monitor with the given initial state.
func NewConnectivityMonitor(online bool) *ConnectivityMonitor {
	return &ConnectivityMonitor{online: online}
}

// Online implements ConnectivitySignal.
func (m *ConnectivityMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe implements ConnectivitySignal.
func (m *ConnectivityMonitor) Subscribe() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan bool, 8)
	m.subs = append(m.subs, ch)
	return ch
}

// SetOnline updates the state, notifying subscribers on change. A slow
// subscriber never blocks the signal; it just misses intermediate flaps.
func (m *ConnectivityMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]chan bool(nil), m.subs...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
		}
	}
}
