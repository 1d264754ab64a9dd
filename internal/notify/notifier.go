// Package notify fans queue and processor state changes out to observers.
package notify

import (
	"log"
	"time"
)

// EventType names a state change
type EventType string

const (
	EntryEnqueued  EventType = "entry:enqueued"
	EntryUpdated   EventType = "entry:updated"
	EntryRemoved   EventType = "entry:removed"
	EntriesCleared EventType = "entries:cleared"
	EntriesRetried EventType = "entries:retried"
	RunStarted     EventType = "run:started"
	RunFinished    EventType = "run:finished"
	RunFailed      EventType = "run:failed"
	// TaskResolved reports the server id assigned to a placeholder task
	TaskResolved EventType = "task:resolved"
)

// Event describes one state change. Fields that do not apply are zero.
type Event struct {
	Type      EventType
	EntryID   string
	ProjectID string
	RunActive bool
	LocalID   string
	RemoteID  string
	Count     int
	Err       error
	At        time.Time
}

// Notifier is a synchronous publish/subscribe fan-out of Events
type Notifier struct {
	subs Fanout[Event]
}

// New creates an empty Notifier
func New() *Notifier {
	return &Notifier{}
}

// Subscribe registers fn and returns a function that removes it
func (n *Notifier) Subscribe(fn func(Event)) (unsubscribe func()) {
	return n.subs.Subscribe(fn)
}

// Publish calls every current subscriber in registration order. A panicking
// subscriber is logged and skipped.
func (n *Notifier) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, fn := range n.subs.Subscribers() {
		deliver(fn, ev)
	}
}

// Len returns the number of subscribers
func (n *Notifier) Len() int {
	return n.subs.Len()
}

func deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] Subscriber panicked on %s: %v", ev.Type, r)
		}
	}()
	fn(ev)
}
