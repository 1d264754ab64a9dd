package todoist

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	apperrors "github.com/c.mueller/tasksync/internal/errors"
	"github.com/c.mueller/tasksync/internal/models"
)

// Aliases maps placeholder task ids to the server ids assigned when their
// create operation went through. It lives for the process only.
type Aliases struct {
	mu  sync.RWMutex
	ids map[string]string
}

// NewAliases creates an empty alias table
func NewAliases() *Aliases {
	return &Aliases{ids: make(map[string]string)}
}

// Set records the server id of a placeholder
func (a *Aliases) Set(localID, remoteID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.ids[localID] = remoteID
	a.mu.Unlock()
}

// Resolve returns the server id for id, or id itself when no alias exists.
// A nil table resolves nothing.
func (a *Aliases) Resolve(id string) string {
	if a == nil {
		return id
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if remote, ok := a.ids[id]; ok {
		return remote
	}
	return id
}

// Unresolved reports whether id is a placeholder the server has not seen yet
func (a *Aliases) Unresolved(id string) bool {
	return models.IsPlaceholderID(a.Resolve(id))
}

// Execute performs op against svc. Placeholder ids are rewritten through
// aliases, and a successful create records the alias of its LocalID. The
// returned task is nil for close and reopen.
func Execute(ctx context.Context, svc Service, aliases *Aliases, op models.Operation) (*models.Task, error) {
	switch op := op.(type) {
	case models.CreateTask:
		input := op.Input()
		if input.ParentID != "" {
			parent, err := resolve(aliases, input.ParentID)
			if err != nil {
				return nil, err
			}
			input.ParentID = parent
		}
		task, err := svc.CreateTask(ctx, input)
		if err != nil {
			return nil, err
		}
		if op.LocalID != "" && task.ID != "" {
			aliases.Set(op.LocalID, task.ID)
			log.Printf("[DEBUG] Placeholder %s resolved to %s", op.LocalID, task.ID)
		}
		return task, nil

	case models.UpdateTask:
		id, err := resolve(aliases, op.TaskID)
		if err != nil {
			return nil, err
		}
		return svc.UpdateTask(ctx, id, op.Input())

	case models.CloseTask:
		id, err := resolve(aliases, op.TaskID)
		if err != nil {
			return nil, err
		}
		return nil, svc.CloseTask(ctx, id)

	case models.ReopenTask:
		id, err := resolve(aliases, op.TaskID)
		if err != nil {
			return nil, err
		}
		return nil, svc.ReopenTask(ctx, id)

	default:
		return nil, apperrors.New(apperrors.ErrInvalidOperation, fmt.Sprintf("unsupported operation %T", op))
	}
}

// resolve rejects placeholders without a server id the same way the API
// rejects unknown ids, so the entry follows the normal retry path.
func resolve(aliases *Aliases, id string) (string, error) {
	resolved := aliases.Resolve(id)
	if models.IsPlaceholderID(resolved) {
		return "", apperrors.Rejected(http.StatusNotFound, "task "+id+" has not been created remotely")
	}
	return resolved, nil
}
