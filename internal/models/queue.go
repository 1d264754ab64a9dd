package models

import (
	"encoding/json"
	"time"
)

// EntryStatus is the processing status of a queue entry
type EntryStatus string

// EntryStatus constants. Success is not a status: executed entries are removed.
const (
	StatusPending    EntryStatus = "pending"
	StatusProcessing EntryStatus = "processing"
	StatusFailed     EntryStatus = "failed"
)

// QueueEntry is one persisted operation plus retry bookkeeping
type QueueEntry struct {
	ID             string
	Operation      Operation
	EnqueuedAt     time.Time
	RetryCount     int
	Status         EntryStatus
	ProjectContext string
	LastError      string
	UpdatedAt      time.Time
}

// IsUnresolved reports whether the entry still waits for execution
func (e QueueEntry) IsUnresolved() bool {
	return e.Status == StatusPending || e.Status == StatusProcessing
}

// Counts summarises the queue for the UI. Pending includes entries being processed.
type Counts struct {
	Pending int `json:"pending" doc:"Entries waiting for or undergoing execution"`
	Failed  int `json:"failed" doc:"Entries that exhausted their retries"`
}

type queueEntryJSON struct {
	ID             string          `json:"id"`
	Operation      json.RawMessage `json:"operation"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	RetryCount     int             `json:"retry_count"`
	Status         EntryStatus     `json:"status"`
	ProjectContext string          `json:"project_context,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MarshalJSON encodes the entry with its operation as a typed envelope
func (e QueueEntry) MarshalJSON() ([]byte, error) {
	op, err := MarshalOperation(e.Operation)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queueEntryJSON{
		ID:             e.ID,
		Operation:      op,
		EnqueuedAt:     e.EnqueuedAt,
		RetryCount:     e.RetryCount,
		Status:         e.Status,
		ProjectContext: e.ProjectContext,
		LastError:      e.LastError,
		UpdatedAt:      e.UpdatedAt,
	})
}

// UnmarshalJSON decodes an entry written by MarshalJSON
func (e *QueueEntry) UnmarshalJSON(data []byte) error {
	var raw queueEntryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op, err := UnmarshalOperation(raw.Operation)
	if err != nil {
		return err
	}
	*e = QueueEntry{
		ID:             raw.ID,
		Operation:      op,
		EnqueuedAt:     raw.EnqueuedAt,
		RetryCount:     raw.RetryCount,
		Status:         raw.Status,
		ProjectContext: raw.ProjectContext,
		LastError:      raw.LastError,
		UpdatedAt:      raw.UpdatedAt,
	}
	return nil
}
