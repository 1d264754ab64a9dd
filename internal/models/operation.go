package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidOperation is returned for operations missing required fields
var ErrInvalidOperation = errors.New("invalid operation")

// OperationType identifies the variant of a queued operation
type OperationType string

// OperationType constants
const (
	OperationCreateTask OperationType = "createTask"
	OperationUpdateTask OperationType = "updateTask"
	OperationCloseTask  OperationType = "closeTask"
	OperationReopenTask OperationType = "reopenTask"
)

// Operation is one remote write intent. The set of variants is closed:
// CreateTask, UpdateTask, CloseTask and ReopenTask.
type Operation interface {
	Type() OperationType
	Validate() error
	operation()
}

// CreateTask creates a task. LocalID is the placeholder id of the optimistic
// copy held in the task cache, if any.
type CreateTask struct {
	LocalID   string `json:"local_id,omitempty"`
	Content   string `json:"content"`
	ProjectID string `json:"project_id,omitempty"`
	SectionID string `json:"section_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	DueDate   string `json:"due_date,omitempty"`
}

// UpdateTask changes a subset of task fields
type UpdateTask struct {
	TaskID    string  `json:"task_id"`
	Content   *string `json:"content,omitempty"`
	SectionID *string `json:"section_id,omitempty"`
}

// CloseTask completes a task
type CloseTask struct {
	TaskID string `json:"task_id"`
}

// ReopenTask reopens a completed task
type ReopenTask struct {
	TaskID string `json:"task_id"`
}

func (CreateTask) Type() OperationType { return OperationCreateTask }
func (UpdateTask) Type() OperationType { return OperationUpdateTask }
func (CloseTask) Type() OperationType  { return OperationCloseTask }
func (ReopenTask) Type() OperationType { return OperationReopenTask }

func (CreateTask) operation() {}
func (UpdateTask) operation() {}
func (CloseTask) operation()  {}
func (ReopenTask) operation() {}

// Validate checks required fields
func (op CreateTask) Validate() error {
	if op.Content == "" {
		return fmt.Errorf("%w: createTask requires content", ErrInvalidOperation)
	}
	return nil
}

// Validate checks required fields
func (op UpdateTask) Validate() error {
	if op.TaskID == "" {
		return fmt.Errorf("%w: updateTask requires task_id", ErrInvalidOperation)
	}
	return nil
}

// Validate checks required fields
func (op CloseTask) Validate() error {
	if op.TaskID == "" {
		return fmt.Errorf("%w: closeTask requires task_id", ErrInvalidOperation)
	}
	return nil
}

// Validate checks required fields
func (op ReopenTask) Validate() error {
	if op.TaskID == "" {
		return fmt.Errorf("%w: reopenTask requires task_id", ErrInvalidOperation)
	}
	return nil
}

// Input converts the operation into the remote create request
func (op CreateTask) Input() CreateTaskInput {
	return CreateTaskInput{
		Content:   op.Content,
		ProjectID: op.ProjectID,
		SectionID: op.SectionID,
		ParentID:  op.ParentID,
		DueDate:   op.DueDate,
	}
}

// Input converts the operation into the remote update request
func (op UpdateTask) Input() UpdateTaskInput {
	return UpdateTaskInput{Content: op.Content, SectionID: op.SectionID}
}

// DecodeOperation rebuilds an operation from its type tag and JSON payload
func DecodeOperation(t OperationType, payload []byte) (Operation, error) {
	var op Operation
	var err error

	switch t {
	case OperationCreateTask:
		var v CreateTask
		err = json.Unmarshal(payload, &v)
		op = v
	case OperationUpdateTask:
		var v UpdateTask
		err = json.Unmarshal(payload, &v)
		op = v
	case OperationCloseTask:
		var v CloseTask
		err = json.Unmarshal(payload, &v)
		op = v
	case OperationReopenTask:
		var v ReopenTask
		err = json.Unmarshal(payload, &v)
		op = v
	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, t)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return op, nil
}

// operationEnvelope is the persisted form of an Operation
type operationEnvelope struct {
	Type    OperationType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalOperation encodes op as a {type, payload} envelope
func MarshalOperation(op Operation) ([]byte, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation: %w", err)
	}
	return json.Marshal(operationEnvelope{Type: op.Type(), Payload: payload})
}

// UnmarshalOperation decodes an envelope produced by MarshalOperation
func UnmarshalOperation(data []byte) (Operation, error) {
	var env operationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse operation envelope: %w", err)
	}
	return DecodeOperation(env.Type, env.Payload)
}
