// Package connectivity tracks whether the remote service is reachable.
package connectivity

import (
	"log"
	"sync"

	"github.com/c.mueller/tasksync/internal/notify"
)

// Signal reports the online state and its transitions
type Signal interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Monitor is a settable Signal. Sources such as the Prober or the cluster
// gateway watcher call Set; consumers subscribe to transitions.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   notify.Fanout[bool]
}

// NewMonitor creates a Monitor with the given initial state
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online returns the last known state
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records the current state and notifies subscribers on a transition.
// It reports whether the state changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.mu.Unlock()

	if online {
		log.Printf("[INFO] Connectivity restored")
	} else {
		log.Printf("[WARN] Connectivity lost")
	}
	for _, fn := range m.subs.Subscribers() {
		fn(online)
	}
	return true
}

// Subscribe registers fn for transitions
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	return m.subs.Subscribe(fn)
}
