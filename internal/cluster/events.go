package cluster

import (
	"encoding/json"
	"log"

	"github.com/hashicorp/serf/serf"
)

// handleEvents processes Serf events from the event channel
func (c *Cluster) handleEvents() {
	for {
		select {
		case event := <-c.eventCh:
			switch e := event.(type) {
			case serf.MemberEvent:
				c.handleMemberEvent(e)
			case serf.UserEvent:
				c.handleUserEvent(e)
			case *serf.Query:
				// Queries are not used; let them time out at the sender
			default:
				log.Printf("Unknown event type: %T", e)
			}
		case <-c.shutdown:
			log.Println("Event handler shutting down")
			return
		}
	}
}

// handleMemberEvent logs membership changes and tracks the gateway
func (c *Cluster) handleMemberEvent(event serf.MemberEvent) {
	for _, member := range event.Members {
		switch event.Type {
		case serf.EventMemberJoin:
			log.Printf("🎉 Node joined: %s (%s)", member.Name, member.Addr)
		case serf.EventMemberLeave:
			log.Printf("👋 Node left gracefully: %s", member.Name)
		case serf.EventMemberFailed:
			log.Printf("💀 Node failed: %s", member.Name)
		case serf.EventMemberUpdate:
			log.Printf("🔄 Node updated: %s", member.Name)
		case serf.EventMemberReap:
			log.Printf("🗑️  Node reaped: %s", member.Name)
		}

		if member.Name != c.gateway {
			continue
		}
		switch event.Type {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			c.monitor.Set(true)
		case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
			c.monitor.Set(false)
		}
	}
}

// handleUserEvent dispatches change notices from other nodes
func (c *Cluster) handleUserEvent(event serf.UserEvent) {
	if event.Name != EventProjectChanged {
		log.Printf("Unknown user event: %s", event.Name)
		return
	}

	var notice ProjectChangedEvent
	if err := json.Unmarshal(event.Payload, &notice); err != nil {
		log.Printf("❌ Failed to unmarshal project changed event: %v", err)
		return
	}

	// Skip if from myself
	if notice.NodeID == c.nodeID || notice.ProjectID == "" {
		return
	}

	c.mu.RLock()
	fn := c.onChanged
	c.mu.RUnlock()
	if fn == nil {
		return
	}

	log.Printf("📥 Project %s changed on %s", notice.ProjectID, notice.NodeID)
	fn(notice.ProjectID)
}
