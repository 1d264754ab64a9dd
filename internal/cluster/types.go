package cluster

// EventProjectChanged is the user event sent after a node pushed writes for a project
const EventProjectChanged = "project:changed"

// ProjectChangedEvent is the payload of EventProjectChanged
type ProjectChangedEvent struct {
	ProjectID string `json:"project_id"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}
