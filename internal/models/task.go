package models

import "strings"

// PlaceholderPrefix marks task ids generated locally for optimistic creates.
// The remote service never issues ids with this prefix.
const PlaceholderPrefix = "local-"

// IsPlaceholderID reports whether id was generated locally
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// Task represents a task as returned by the remote service
type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	SectionID   *string  `json:"section_id"`
	ParentID    *string  `json:"parent_id"`
	Content     string   `json:"content"`
	Description string   `json:"description"`
	IsCompleted bool     `json:"is_completed"`
	Order       int      `json:"order"`
	Priority    int      `json:"priority"`
	Due         *TaskDue `json:"due"`
	Labels      []string `json:"labels"`
}

// TaskDue is the due date attached to a task
type TaskDue struct {
	Date        string `json:"date"`
	Datetime    string `json:"datetime,omitempty"`
	String      string `json:"string"`
	IsRecurring bool   `json:"is_recurring"`
}

// IsRecurring reports whether the task repeats on completion
func (t *Task) IsRecurring() bool {
	return t.Due != nil && t.Due.IsRecurring
}

// Clone returns a deep copy of the task
func (t Task) Clone() Task {
	c := t
	if t.SectionID != nil {
		s := *t.SectionID
		c.SectionID = &s
	}
	if t.ParentID != nil {
		p := *t.ParentID
		c.ParentID = &p
	}
	if t.Due != nil {
		d := *t.Due
		c.Due = &d
	}
	if t.Labels != nil {
		c.Labels = append([]string(nil), t.Labels...)
	}
	return c
}

// Project represents a remote project
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	Order      int    `json:"order"`
	IsFavorite bool   `json:"is_favorite"`
}

// Section represents a section inside a project
type Section struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Order     int    `json:"order"`
}

// CreateTaskInput is the request body for creating a task
type CreateTaskInput struct {
	Content   string `json:"content" minLength:"1" maxLength:"500" doc:"The task content"`
	ProjectID string `json:"project_id,omitempty" doc:"Project the task belongs to"`
	SectionID string `json:"section_id,omitempty" doc:"Section inside the project"`
	ParentID  string `json:"parent_id,omitempty" doc:"Parent task for subtasks"`
	DueDate   string `json:"due_date,omitempty" doc:"Due date in YYYY-MM-DD format"`
}

// UpdateTaskInput is the request body for updating a task
type UpdateTaskInput struct {
	Content   *string `json:"content,omitempty" minLength:"1" maxLength:"500" doc:"The task content"`
	SectionID *string `json:"section_id,omitempty" doc:"Section to move the task to"`
}

// ClusterMemberInfo represents cluster member information
type ClusterMemberInfo struct {
	Name   string `json:"name"`
	Addr   string `json:"addr"`
	Status string `json:"status"`
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
