// Package queue orders and tracks offline operations on top of the durable store.
package queue

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c.mueller/tasksync/internal/clock"
	"github.com/c.mueller/tasksync/internal/database"
	apperrors "github.com/c.mueller/tasksync/internal/errors"
	"github.com/c.mueller/tasksync/internal/models"
	"github.com/c.mueller/tasksync/internal/notify"
	"github.com/google/uuid"
)

// Queue is the FIFO of pending, processing and failed operations. It keeps no
// copy of the entries: every read goes to the store.
type Queue struct {
	store    database.Store
	notifier *notify.Notifier
	clock    clock.Clock
	newID    func() string

	// mu serializes read-modify-write cycles so a status update never
	// races a bulk clear into resurrecting a deleted entry.
	mu           sync.Mutex
	lastEnqueued time.Time

	triggerMu sync.RWMutex
	trigger   func()
}

// Option configures a Queue
type Option func(*Queue)

// WithClock overrides the time source used for entry timestamps
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithIDGenerator overrides entry id generation
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

// New creates a queue over store that publishes to notifier
func New(store database.Store, notifier *notify.Notifier, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		notifier: notifier,
		clock:    clock.Real(),
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetTrigger installs the hook fired after enqueue and retry. fn must not block.
func (q *Queue) SetTrigger(fn func()) {
	q.triggerMu.Lock()
	q.trigger = fn
	q.triggerMu.Unlock()
}

func (q *Queue) fireTrigger() {
	q.triggerMu.RLock()
	fn := q.trigger
	q.triggerMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Open initializes the underlying store
func (q *Queue) Open(ctx context.Context) error {
	return q.store.OpenOrCreate(ctx)
}

// Close closes the underlying store
func (q *Queue) Close() error {
	return q.store.Close()
}

// Enqueue persists op as a new pending entry and returns its id
func (q *Queue) Enqueue(ctx context.Context, op models.Operation, projectID string) (string, error) {
	if op == nil {
		return "", apperrors.New(apperrors.ErrInvalidOperation, "nil operation")
	}
	if err := op.Validate(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalidOperation, "rejected operation", err)
	}

	q.mu.Lock()
	enqueuedAt, err := q.nextTimestamp(ctx)
	if err != nil {
		q.mu.Unlock()
		return "", err
	}

	entry := models.QueueEntry{
		ID:             q.newID(),
		Operation:      op,
		EnqueuedAt:     enqueuedAt,
		RetryCount:     0,
		Status:         models.StatusPending,
		ProjectContext: projectID,
		UpdatedAt:      enqueuedAt,
	}
	err = q.store.Put(ctx, entry)
	q.mu.Unlock()

	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", op.Type(), err)
	}

	log.Printf("[INFO] Enqueued %s operation %s", op.Type(), entry.ID)

	q.notifier.Publish(notify.Event{Type: notify.EntryEnqueued, EntryID: entry.ID, ProjectID: projectID})
	q.fireTrigger()
	return entry.ID, nil
}

// nextTimestamp returns a time strictly after every entry enqueued so far.
// The caller holds q.mu.
func (q *Queue) nextTimestamp(ctx context.Context) (time.Time, error) {
	if q.lastEnqueued.IsZero() {
		entries, err := q.store.GetAll(ctx)
		if err != nil {
			return time.Time{}, err
		}
		for _, e := range entries {
			if e.EnqueuedAt.After(q.lastEnqueued) {
				q.lastEnqueued = e.EnqueuedAt
			}
		}
	}

	now := q.clock.Now().UTC()
	if !now.After(q.lastEnqueued) {
		now = q.lastEnqueued.Add(time.Nanosecond)
	}
	q.lastEnqueued = now
	return now, nil
}

// List returns every entry in enqueue order
func (q *Queue) List(ctx context.Context) ([]models.QueueEntry, error) {
	entries, err := q.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	sortByEnqueue(entries)
	return entries, nil
}

// PendingEntriesOrdered returns pending and processing entries in enqueue order
func (q *Queue) PendingEntriesOrdered(ctx context.Context) ([]models.QueueEntry, error) {
	entries, err := q.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	pending := entries[:0]
	for _, e := range entries {
		if e.IsUnresolved() {
			pending = append(pending, e)
		}
	}
	sortByEnqueue(pending)
	return pending, nil
}

// Counts returns pending (including processing) and failed totals
func (q *Queue) Counts(ctx context.Context) (models.Counts, error) {
	entries, err := q.store.GetAll(ctx)
	if err != nil {
		return models.Counts{}, err
	}

	var c models.Counts
	for _, e := range entries {
		switch {
		case e.IsUnresolved():
			c.Pending++
		case e.Status == models.StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// MarkProcessing flags an entry as being executed
func (q *Queue) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return q.update(ctx, id, func(e *models.QueueEntry) {
		e.Status = models.StatusProcessing
	})
}

// MarkPending returns an entry to the pending set after a retriable failure
func (q *Queue) MarkPending(ctx context.Context, id string, retryCount int, lastErr string) (bool, error) {
	return q.update(ctx, id, func(e *models.QueueEntry) {
		e.Status = models.StatusPending
		e.RetryCount = max(e.RetryCount, retryCount)
		e.LastError = lastErr
	})
}

// MarkFailed parks an entry until the user retries or clears it
func (q *Queue) MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) (bool, error) {
	return q.update(ctx, id, func(e *models.QueueEntry) {
		e.Status = models.StatusFailed
		e.RetryCount = max(e.RetryCount, retryCount)
		e.LastError = lastErr
	})
}

// update applies fn to a stored entry. Absent entries are left absent and
// reported with found=false.
func (q *Queue) update(ctx context.Context, id string, fn func(e *models.QueueEntry)) (bool, error) {
	q.mu.Lock()
	entry, found, err := q.store.Get(ctx, id)
	if err != nil || !found {
		q.mu.Unlock()
		return false, err
	}

	fn(&entry)
	entry.UpdatedAt = q.clock.Now().UTC()
	err = q.store.Put(ctx, entry)
	q.mu.Unlock()

	if err != nil {
		return true, err
	}

	q.notifier.Publish(notify.Event{Type: notify.EntryUpdated, EntryID: id, ProjectID: entry.ProjectContext})
	return true, nil
}

// Remove deletes an entry after successful execution
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	entry, found, err := q.store.Get(ctx, id)
	if err != nil || !found {
		q.mu.Unlock()
		return false, err
	}
	err = q.store.Delete(ctx, id)
	q.mu.Unlock()

	if err != nil {
		return true, err
	}

	q.notifier.Publish(notify.Event{Type: notify.EntryRemoved, EntryID: id, ProjectID: entry.ProjectContext})
	return true, nil
}

// RetryAllFailed resets every failed entry to pending with a zero retry count
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	entries, err := q.store.GetAll(ctx)
	if err != nil {
		q.mu.Unlock()
		return 0, err
	}

	now := q.clock.Now().UTC()
	count := 0
	for _, e := range entries {
		if e.Status != models.StatusFailed {
			continue
		}
		e.Status = models.StatusPending
		e.RetryCount = 0
		e.LastError = ""
		e.UpdatedAt = now
		if err = q.store.Put(ctx, e); err != nil {
			break
		}
		count++
	}
	q.mu.Unlock()

	if count > 0 {
		log.Printf("[INFO] Reset %d failed entries for retry", count)
		q.notifier.Publish(notify.Event{Type: notify.EntriesRetried, Count: count})
	}
	if err != nil {
		return count, err
	}

	q.fireTrigger()
	return count, nil
}

// ClearFailed discards failed entries
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	return q.clear(ctx, "failed", func(e models.QueueEntry) bool { return e.Status == models.StatusFailed })
}

// ClearPending discards entries that have not been resolved yet
func (q *Queue) ClearPending(ctx context.Context) (int, error) {
	return q.clear(ctx, "pending", models.QueueEntry.IsUnresolved)
}

// ClearAll discards every entry
func (q *Queue) ClearAll(ctx context.Context) (int, error) {
	return q.clear(ctx, "all", func(models.QueueEntry) bool { return true })
}

func (q *Queue) clear(ctx context.Context, what string, match func(models.QueueEntry) bool) (int, error) {
	q.mu.Lock()
	entries, err := q.store.GetAll(ctx)
	if err != nil {
		q.mu.Unlock()
		return 0, err
	}

	count := 0
	for _, e := range entries {
		if !match(e) {
			continue
		}
		if err = q.store.Delete(ctx, e.ID); err != nil {
			break
		}
		count++
	}
	q.mu.Unlock()

	if count > 0 {
		log.Printf("[INFO] Cleared %d %s entries", count, what)
		q.notifier.Publish(notify.Event{Type: notify.EntriesCleared, Count: count})
	}
	return count, err
}

func sortByEnqueue(entries []models.QueueEntry) {
	slices.SortFunc(entries, func(a, b models.QueueEntry) int {
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
