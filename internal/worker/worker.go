// Package worker drains the operation queue against the remote service.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c.mueller/tasksync/internal/auth"
	"github.com/c.mueller/tasksync/internal/clock"
	"github.com/c.mueller/tasksync/internal/connectivity"
	apperrors "github.com/c.mueller/tasksync/internal/errors"
	"github.com/c.mueller/tasksync/internal/models"
	"github.com/c.mueller/tasksync/internal/notify"
	"github.com/c.mueller/tasksync/internal/queue"
	"github.com/c.mueller/tasksync/internal/todoist"
)

// Default retry policy
const (
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 2 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Options tunes a Processor. Zero values select the defaults.
type Options struct {
	MaxRetries    int
	RetryDelay    time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
}

// Processor executes queued operations one at a time. At most one run is
// active at any moment; triggers that arrive during a run are dropped.
type Processor struct {
	queue    *queue.Queue
	remote   todoist.Service
	aliases  *todoist.Aliases
	signal   connectivity.Signal
	tokens   auth.Provider
	notifier *notify.Notifier
	clock    clock.Clock

	maxRetries    int
	retryDelay    time.Duration
	sweepInterval time.Duration

	processing atomic.Bool

	// runDone is closed when the active run ends
	runMu   sync.Mutex
	runDone chan struct{}

	mu          sync.Mutex
	started     bool
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc
	runs        sync.WaitGroup
	shutdown    chan struct{}
	unsubscribe func()
}

// New creates a processor
func New(q *queue.Queue, remote todoist.Service, aliases *todoist.Aliases, signal connectivity.Signal,
	tokens auth.Provider, notifier *notify.Notifier, opts Options) *Processor {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		queue:         q,
		remote:        remote,
		aliases:       aliases,
		signal:        signal,
		tokens:        tokens,
		notifier:      notifier,
		clock:         opts.Clock,
		maxRetries:    opts.MaxRetries,
		retryDelay:    opts.RetryDelay,
		sweepInterval: opts.SweepInterval,
		ctx:           ctx,
		cancel:        cancel,
		shutdown:      make(chan struct{}),
	}
}

// IsRunActive reports whether a run is in progress
func (p *Processor) IsRunActive() bool {
	return p.processing.Load()
}

// Start wires the processor to its triggers: enqueue and retry on the queue,
// offline to online transitions, and a periodic sweep.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true

	// Triggers are wired under the lock so a concurrent Stop sees them.
	// Trigger itself takes p.mu, so nothing here may fire one.
	p.queue.SetTrigger(p.Trigger)
	p.unsubscribe = p.signal.Subscribe(func(online bool) {
		if online {
			p.Trigger()
		}
	})
	p.mu.Unlock()

	log.Printf("[INFO] Processor starting...")

	go p.sweepLoop()
	p.Trigger()

	log.Printf("[INFO] Processor started successfully")
}

// Stop detaches the triggers, cancels the active run and waits for it to
// return. Entries in flight stay pending.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	log.Printf("[INFO] Processor stopping...")

	if started {
		p.queue.SetTrigger(nil)
		p.unsubscribe()
	}
	close(p.shutdown)
	p.cancel()
	p.runs.Wait()

	log.Printf("[INFO] Processor stopped")
}

// Trigger starts a run in the background unless one is already active
func (p *Processor) Trigger() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.runs.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.runs.Done()
		if err := p.Run(p.ctx); err != nil {
			log.Printf("[ERROR] Queue run failed: %v", err)
		}
	}()
}

// SyncNow runs the queue synchronously on the caller's behalf. Unlike Run it
// reports why nothing could be attempted, and when a run is already active it
// waits for that run to end and then drains whatever is still pending.
func (p *Processor) SyncNow(ctx context.Context) error {
	if !p.signal.Online() {
		return apperrors.New(apperrors.ErrConnectivityUnavailable, "offline")
	}
	if _, ok := p.tokens.Token(); !ok {
		return apperrors.New(apperrors.ErrUnauthenticated, "no API token configured")
	}
	for {
		busy, err := p.run(ctx)
		if !busy {
			return err
		}
		if err := p.waitIdle(ctx); err != nil {
			return err
		}
	}
}

// waitIdle blocks until the active run, if any, has ended
func (p *Processor) waitIdle(ctx context.Context) error {
	p.runMu.Lock()
	done := p.runDone
	p.runMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweepLoop retries leftover pending entries on an interval
func (p *Processor) sweepLoop() {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !p.processing.Load() {
				p.Trigger()
			}
		case <-p.shutdown:
			log.Printf("[DEBUG] Sweep loop exiting")
			return
		}
	}
}

// Run drains the pending entries in enqueue order. It returns nil without
// doing anything when a run is active, the client is offline, or no token is
// available. Only storage failures are returned as errors.
func (p *Processor) Run(ctx context.Context) error {
	_, err := p.run(ctx)
	return err
}

// run is Run that also reports whether it stood down for an active run
func (p *Processor) run(ctx context.Context) (busy bool, err error) {
	if !p.signal.Online() {
		return false, nil
	}
	if _, ok := p.tokens.Token(); !ok {
		return false, nil
	}
	if !p.processing.CompareAndSwap(false, true) {
		log.Printf("[DEBUG] Run already active, dropping trigger")
		return true, nil
	}

	done := make(chan struct{})
	p.runMu.Lock()
	p.runDone = done
	p.runMu.Unlock()
	defer close(done)

	p.notifier.Publish(notify.Event{Type: notify.RunStarted, RunActive: true})

	err = p.drain(ctx)
	p.processing.Store(false)

	if err != nil {
		p.notifier.Publish(notify.Event{Type: notify.RunFailed, Err: err})
		return false, fmt.Errorf("queue run aborted: %w", err)
	}
	p.notifier.Publish(notify.Event{Type: notify.RunFinished})
	return false, nil
}

func (p *Processor) drain(ctx context.Context) error {
	entries, err := p.queue.PendingEntriesOrdered(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	log.Printf("[INFO] Processing %d queued operation(s)", len(entries))

	for i, entry := range entries {
		if ctx.Err() != nil {
			log.Printf("[INFO] Run cancelled with %d entries left", len(entries)-i)
			return nil
		}
		if !p.signal.Online() {
			log.Printf("[INFO] Went offline, stopping run with %d entries left", len(entries)-i)
			return nil
		}

		stop, err := p.process(ctx, entry)
		if err != nil || stop {
			return err
		}
	}
	return nil
}

// process executes one entry. stop ends the run without error.
func (p *Processor) process(ctx context.Context, entry models.QueueEntry) (stop bool, err error) {
	found, err := p.queue.MarkProcessing(ctx, entry.ID)
	if err != nil {
		return true, err
	}
	if !found {
		log.Printf("[DEBUG] Entry %s was removed before processing", entry.ID)
		return false, nil
	}

	task, execErr := todoist.Execute(ctx, p.remote, p.aliases, entry.Operation)
	if execErr == nil {
		if _, err := p.queue.Remove(ctx, entry.ID); err != nil {
			return true, err
		}
		log.Printf("[INFO] Completed %s operation %s", entry.Operation.Type(), entry.ID)
		p.resolved(entry, task)
		return false, nil
	}

	// Not an attempt: give the entry back untouched
	if ctx.Err() != nil || apperrors.Is(execErr, apperrors.ErrUnauthenticated) {
		if _, err := p.queue.MarkPending(context.WithoutCancel(ctx), entry.ID, entry.RetryCount, entry.LastError); err != nil {
			return true, err
		}
		log.Printf("[WARN] Stopping run: %v", execErr)
		return true, nil
	}

	retries := entry.RetryCount + 1
	if retries >= p.maxRetries {
		log.Printf("[ERROR] Operation %s failed permanently after %d attempts: %v", entry.ID, retries, execErr)
		_, err = p.queue.MarkFailed(ctx, entry.ID, retries, execErr.Error())
		return false, err
	}

	log.Printf("[WARN] Operation %s failed (attempt %d/%d): %v", entry.ID, retries, p.maxRetries, execErr)
	if _, err := p.queue.MarkPending(ctx, entry.ID, retries, execErr.Error()); err != nil {
		return true, err
	}

	select {
	case <-p.clock.After(p.retryDelay):
		return false, nil
	case <-ctx.Done():
		return true, nil
	}
}

// resolved announces the server id of a placeholder created by a queued entry
func (p *Processor) resolved(entry models.QueueEntry, task *models.Task) {
	create, ok := entry.Operation.(models.CreateTask)
	if !ok || create.LocalID == "" || task == nil {
		return
	}
	p.notifier.Publish(notify.Event{
		Type:      notify.TaskResolved,
		EntryID:   entry.ID,
		ProjectID: entry.ProjectContext,
		LocalID:   create.LocalID,
		RemoteID:  task.ID,
	})
}
