package cluster

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/c.mueller/tasksync/internal/notify"
)

// BroadcastProjectChanged tells the other nodes that a project's remote
// tasks changed
func (c *Cluster) BroadcastProjectChanged(projectID string) error {
	event := ProjectChangedEvent{
		ProjectID: projectID,
		NodeID:    c.nodeID,
		Timestamp: time.Now().Unix(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := c.serf.UserEvent(EventProjectChanged, payload, true); err != nil {
		return fmt.Errorf("failed to broadcast event: %w", err)
	}

	log.Printf("[INFO] Broadcasted %s: %s", EventProjectChanged, projectID)
	return nil
}

// Attach broadcasts a change notice whenever a queued write for a project
// is confirmed remotely
func (c *Cluster) Attach(n *notify.Notifier) (unsubscribe func()) {
	return n.Subscribe(func(ev notify.Event) {
		if ev.Type != notify.EntryRemoved || ev.ProjectID == "" {
			return
		}
		if err := c.BroadcastProjectChanged(ev.ProjectID); err != nil {
			log.Printf("[WARN] Failed to broadcast project change: %v", err)
		}
	})
}
