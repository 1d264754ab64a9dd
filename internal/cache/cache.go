// Package cache holds the per-project task lists shown to the user.
package cache

import (
	"slices"
	"sync"

	"github.com/c.mueller/tasksync/internal/models"
)

// TaskCache is a process-lifetime view of remote tasks plus optimistic
// changes. Callers always receive copies.
type TaskCache struct {
	mu       sync.RWMutex
	projects map[string][]models.Task
}

// New creates an empty cache
func New() *TaskCache {
	return &TaskCache{projects: make(map[string][]models.Task)}
}

// Loaded reports whether the project has been fetched at least once
func (c *TaskCache) Loaded(projectID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.projects[projectID]
	return ok
}

// Tasks returns the project's tasks in cache order
func (c *TaskCache) Tasks(projectID string) []models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAll(c.projects[projectID])
}

// Replace overwrites the project's tasks with an authoritative list
func (c *TaskCache) Replace(projectID string, tasks []models.Task) {
	c.mu.Lock()
	c.projects[projectID] = cloneAll(tasks)
	if c.projects[projectID] == nil {
		c.projects[projectID] = []models.Task{}
	}
	c.mu.Unlock()
}

// Get returns one task
func (c *TaskCache) Get(projectID, taskID string) (models.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := indexOf(c.projects[projectID], taskID)
	if i < 0 {
		return models.Task{}, false
	}
	return c.projects[projectID][i].Clone(), true
}

// Subtasks returns the direct children of parentID
func (c *TaskCache) Subtasks(projectID, parentID string) []models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Task
	for _, t := range c.projects[projectID] {
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, t.Clone())
		}
	}
	return out
}

// NextOrder returns an order value that sorts after every task in the project
func (c *TaskCache) NextOrder(projectID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	next := 1
	for _, t := range c.projects[projectID] {
		if t.Order >= next {
			next = t.Order + 1
		}
	}
	return next
}

// Insert appends a task to the project
func (c *TaskCache) Insert(projectID string, task models.Task) {
	c.mu.Lock()
	c.projects[projectID] = append(c.projects[projectID], task.Clone())
	c.mu.Unlock()
}

// Update applies fn to a task in place and reports whether it was found
func (c *TaskCache) Update(projectID, taskID string, fn func(t *models.Task)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks := c.projects[projectID]
	i := indexOf(tasks, taskID)
	if i < 0 {
		return false
	}
	fn(&tasks[i])
	return true
}

// ReplaceID renames a task in every project, including parent references.
// It reports whether any task carried oldID.
func (c *TaskCache) ReplaceID(oldID, newID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for _, tasks := range c.projects {
		for i := range tasks {
			if tasks[i].ID == oldID {
				tasks[i].ID = newID
				found = true
			}
			if tasks[i].ParentID != nil && *tasks[i].ParentID == oldID {
				tasks[i].ParentID = models.StringPtr(newID)
			}
		}
	}
	return found
}

// Snapshot records the listed tasks of a project so they can be restored
type Snapshot struct {
	projectID string
	saved     map[string]savedTask
}

type savedTask struct {
	index int
	task  *models.Task
}

// Snapshot captures the current state of taskIDs, including their absence
func (c *TaskCache) Snapshot(projectID string, taskIDs ...string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{projectID: projectID, saved: make(map[string]savedTask, len(taskIDs))}
	tasks := c.projects[projectID]
	for _, id := range taskIDs {
		i := indexOf(tasks, id)
		if i < 0 {
			s.saved[id] = savedTask{index: -1}
			continue
		}
		t := tasks[i].Clone()
		s.saved[id] = savedTask{index: i, task: &t}
	}
	return s
}

// Restore puts the snapshotted tasks back. Tasks absent at snapshot time are
// removed; other tasks of the project are left alone.
func (c *TaskCache) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks := c.projects[s.projectID]
	for id, saved := range s.saved {
		i := indexOf(tasks, id)
		switch {
		case saved.task == nil && i >= 0:
			tasks = slices.Delete(tasks, i, i+1)
		case saved.task != nil && i >= 0:
			tasks[i] = saved.task.Clone()
		case saved.task != nil:
			at := min(saved.index, len(tasks))
			tasks = slices.Insert(tasks, at, saved.task.Clone())
		}
	}
	if tasks != nil || c.projects[s.projectID] != nil {
		c.projects[s.projectID] = tasks
	}
}

func indexOf(tasks []models.Task, id string) int {
	return slices.IndexFunc(tasks, func(t models.Task) bool { return t.ID == id })
}

func cloneAll(tasks []models.Task) []models.Task {
	if tasks == nil {
		return nil
	}
	out := make([]models.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
