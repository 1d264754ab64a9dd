// Package database persists queue entries so they survive process restarts.
package database

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/c.mueller/tasksync/internal/models"
	"golang.org/x/sync/singleflight"
)

// Store is the durable key-value collection of queue entries, keyed by id.
// Every method opens the store first if needed.
type Store interface {
	// OpenOrCreate initialises the backing medium. Safe to call repeatedly.
	OpenOrCreate(ctx context.Context) error
	// Put inserts or replaces an entry
	Put(ctx context.Context, entry models.QueueEntry) error
	// Get returns the entry with the given id; found is false when absent
	Get(ctx context.Context, id string) (entry models.QueueEntry, found bool, err error)
	// GetAll returns every entry in no particular order
	GetAll(ctx context.Context) ([]models.QueueEntry, error)
	// Delete removes an entry; deleting an absent id is not an error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Driver names accepted by Open
const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

// Open returns a store for the configured driver without touching the medium
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", DriverSQLite:
		return New(path), nil
	case DriverJSON:
		return NewJSONStore(path), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// lazyOpen memoizes a successful initialisation. Concurrent callers arriving
// while an attempt is in flight share its result; after a failure the next
// caller starts a fresh attempt.
type lazyOpen struct {
	group  singleflight.Group
	opened atomic.Bool
}

func (l *lazyOpen) do(fn func() error) error {
	if l.opened.Load() {
		return nil
	}
	_, err, _ := l.group.Do("open", func() (interface{}, error) {
		if l.opened.Load() {
			return nil, nil
		}
		if err := fn(); err != nil {
			return nil, err
		}
		l.opened.Store(true)
		return nil, nil
	})
	return err
}

func (l *lazyOpen) reset() {
	l.opened.Store(false)
}
