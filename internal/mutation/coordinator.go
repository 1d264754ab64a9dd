// Package mutation applies user writes to the task cache optimistically and
// routes them to the remote service directly or through the queue.
package mutation

import (
	"context"
	"fmt"
	"log"

	"github.com/c.mueller/tasksync/internal/auth"
	"github.com/c.mueller/tasksync/internal/cache"
	"github.com/c.mueller/tasksync/internal/connectivity"
	apperrors "github.com/c.mueller/tasksync/internal/errors"
	"github.com/c.mueller/tasksync/internal/models"
	"github.com/c.mueller/tasksync/internal/notify"
	"github.com/c.mueller/tasksync/internal/queue"
	"github.com/c.mueller/tasksync/internal/todoist"
	"github.com/google/uuid"
)

// Outcome tells the caller what happened to a write
type Outcome string

const (
	// OutcomeApplied means the remote service confirmed the write
	OutcomeApplied Outcome = "applied"
	// OutcomeQueued means the write was queued without a remote attempt
	OutcomeQueued Outcome = "queued"
	// OutcomeRetryQueued means the remote attempt failed, the cache was
	// rolled back and the write was queued for retry
	OutcomeRetryQueued Outcome = "retry_queued"
)

// Result describes one write. Subtasks holds the follow-up reopens of a
// recurring close, in execution order.
type Result struct {
	Outcome   Outcome
	Task      *models.Task
	EntryIDs  []string
	RemoteErr error
	Subtasks  []Result

	// Err is set on a subtask result whose reopen could not be applied or
	// queued. The enclosing close still stands.
	Err error
}

// Coordinator is the only writer of the task cache besides Refresh
type Coordinator struct {
	cache   *cache.TaskCache
	queue   *queue.Queue
	remote  todoist.Service
	aliases *todoist.Aliases
	signal  connectivity.Signal
	tokens  auth.Provider
	newID   func() string
}

// NewCoordinator creates a coordinator
func NewCoordinator(c *cache.TaskCache, q *queue.Queue, remote todoist.Service, aliases *todoist.Aliases,
	signal connectivity.Signal, tokens auth.Provider) *Coordinator {
	return &Coordinator{
		cache:   c,
		queue:   q,
		remote:  remote,
		aliases: aliases,
		signal:  signal,
		tokens:  tokens,
		newID:   func() string { return models.PlaceholderPrefix + uuid.New().String() },
	}
}

// Watch swaps placeholder ids in the cache when queued creates go through
func (c *Coordinator) Watch(n *notify.Notifier) (unsubscribe func()) {
	return n.Subscribe(func(ev notify.Event) {
		if ev.Type != notify.TaskResolved {
			return
		}
		if c.cache.ReplaceID(ev.LocalID, ev.RemoteID) {
			log.Printf("[DEBUG] Cache task %s is now %s", ev.LocalID, ev.RemoteID)
		}
	})
}

// Loaded reports whether the project has been fetched since startup
func (c *Coordinator) Loaded(projectID string) bool {
	return c.cache.Loaded(projectID)
}

// Tasks returns the cached tasks of a project
func (c *Coordinator) Tasks(projectID string) []models.Task {
	return c.cache.Tasks(projectID)
}

// Refresh replaces the project's cached tasks with the remote list
func (c *Coordinator) Refresh(ctx context.Context, projectID string) ([]models.Task, error) {
	if err := c.authenticated(); err != nil {
		return nil, err
	}
	tasks, err := c.remote.GetTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	c.cache.Replace(projectID, tasks)
	return c.cache.Tasks(projectID), nil
}

// Create adds a task with a placeholder id and creates it remotely
func (c *Coordinator) Create(ctx context.Context, projectID string, input models.CreateTaskInput) (Result, error) {
	if err := c.authenticated(); err != nil {
		return Result{}, err
	}
	if input.ProjectID == "" {
		input.ProjectID = projectID
	}
	op := models.CreateTask{
		LocalID:   c.newID(),
		Content:   input.Content,
		ProjectID: input.ProjectID,
		SectionID: input.SectionID,
		ParentID:  input.ParentID,
		DueDate:   input.DueDate,
	}
	if err := op.Validate(); err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrInvalidOperation, "invalid task", err)
	}

	snap := c.cache.Snapshot(projectID, op.LocalID)
	task := models.Task{
		ID:        op.LocalID,
		ProjectID: input.ProjectID,
		SectionID: models.StringPtr(input.SectionID),
		ParentID:  models.StringPtr(input.ParentID),
		Content:   input.Content,
		Order:     c.cache.NextOrder(projectID),
		Priority:  1,
	}
	if input.DueDate != "" {
		task.Due = &models.TaskDue{Date: input.DueDate, String: input.DueDate}
	}
	c.cache.Insert(projectID, task)

	deferred := input.ParentID != "" && c.aliases.Unresolved(input.ParentID)
	res, remote, err := c.submit(ctx, projectID, op, snap, deferred)
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeApplied && remote != nil {
		c.cache.ReplaceID(op.LocalID, remote.ID)
		task.ID = remote.ID
	}
	if res.Outcome != OutcomeRetryQueued {
		if cached, ok := c.cache.Get(projectID, task.ID); ok {
			res.Task = &cached
		}
	}
	return res, nil
}

// Move changes the section of a task
func (c *Coordinator) Move(ctx context.Context, projectID, taskID, sectionID string) (Result, error) {
	if err := c.authenticated(); err != nil {
		return Result{}, err
	}
	op := models.UpdateTask{TaskID: taskID, SectionID: &sectionID}
	return c.change(ctx, projectID, taskID, op, false, func(t *models.Task) {
		t.SectionID = models.StringPtr(sectionID)
	})
}

// Close completes a task. Closing a recurring task also reopens its
// completed subtasks, each as its own write after the close.
func (c *Coordinator) Close(ctx context.Context, projectID, taskID string) (Result, error) {
	if err := c.authenticated(); err != nil {
		return Result{}, err
	}
	task, ok := c.cache.Get(projectID, taskID)
	if !ok {
		return Result{}, notFound(projectID, taskID)
	}

	var completed []string
	if task.IsRecurring() {
		for _, sub := range c.cache.Subtasks(projectID, taskID) {
			if sub.IsCompleted {
				completed = append(completed, sub.ID)
			}
		}
	}

	res, err := c.change(ctx, projectID, taskID, models.CloseTask{TaskID: taskID}, false, func(t *models.Task) {
		t.IsCompleted = true
	})
	if err != nil {
		return Result{}, err
	}

	// Reopens may only reach the server after the writes before them. Once
	// one of those waits in the queue, the rest wait behind it.
	queueReopens := res.Outcome != OutcomeApplied
	for _, id := range completed {
		sub, err := c.reopen(ctx, projectID, id, queueReopens)
		queueReopens = queueReopens || sub.Outcome != OutcomeApplied
		if err != nil {
			log.Printf("[WARN] Failed to reopen subtask %s of %s: %v", id, taskID, err)
			sub = Result{Err: fmt.Errorf("failed to reopen subtask %s: %w", id, err)}
			if cached, ok := c.cache.Get(projectID, id); ok {
				sub.Task = &cached
			}
		}
		res.Subtasks = append(res.Subtasks, sub)
	}
	if len(completed) > 0 {
		log.Printf("[INFO] Recurring task %s closed, reopened %d subtask(s)", taskID, len(completed))
	}
	return res, nil
}

// Reopen marks a completed task as active again
func (c *Coordinator) Reopen(ctx context.Context, projectID, taskID string) (Result, error) {
	if err := c.authenticated(); err != nil {
		return Result{}, err
	}
	return c.reopen(ctx, projectID, taskID, false)
}

func (c *Coordinator) reopen(ctx context.Context, projectID, taskID string, queueOnly bool) (Result, error) {
	return c.change(ctx, projectID, taskID, models.ReopenTask{TaskID: taskID}, queueOnly, func(t *models.Task) {
		t.IsCompleted = false
	})
}

// change applies fn to a cached task and submits op. queueOnly sends op
// through the queue even when online.
func (c *Coordinator) change(ctx context.Context, projectID, taskID string, op models.Operation, queueOnly bool, fn func(t *models.Task)) (Result, error) {
	snap := c.cache.Snapshot(projectID, taskID)
	if !c.cache.Update(projectID, taskID, fn) {
		return Result{}, notFound(projectID, taskID)
	}

	res, _, err := c.submit(ctx, projectID, op, snap, queueOnly || c.aliases.Unresolved(taskID))
	if err != nil {
		return Result{}, err
	}
	if task, ok := c.cache.Get(projectID, taskID); ok {
		res.Task = &task
	}
	return res, nil
}

// submit sends op directly when online, or queues it. deferred forces the
// queue because op references a task the server has not seen yet; it will
// run after the queued create.
func (c *Coordinator) submit(ctx context.Context, projectID string, op models.Operation, snap cache.Snapshot, deferred bool) (Result, *models.Task, error) {
	if deferred || !c.signal.Online() {
		id, err := c.queue.Enqueue(ctx, op, projectID)
		if err != nil {
			c.cache.Restore(snap)
			return Result{}, nil, err
		}
		return Result{Outcome: OutcomeQueued, EntryIDs: []string{id}}, nil, nil
	}

	task, remoteErr := todoist.Execute(ctx, c.remote, c.aliases, op)
	if remoteErr == nil {
		return Result{Outcome: OutcomeApplied}, task, nil
	}

	c.cache.Restore(snap)
	if apperrors.Is(remoteErr, apperrors.ErrUnauthenticated) {
		return Result{}, nil, remoteErr
	}

	log.Printf("[WARN] %s failed online, queueing for retry: %v", op.Type(), remoteErr)
	id, err := c.queue.Enqueue(ctx, op, projectID)
	if err != nil {
		return Result{}, nil, err
	}
	return Result{Outcome: OutcomeRetryQueued, EntryIDs: []string{id}, RemoteErr: remoteErr}, nil, nil
}

func (c *Coordinator) authenticated() error {
	if _, ok := c.tokens.Token(); !ok {
		return apperrors.New(apperrors.ErrUnauthenticated, "no API token configured")
	}
	return nil
}

func notFound(projectID, taskID string) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("task %s not found in project %s", taskID, projectID))
}
