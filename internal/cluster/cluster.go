// Package cluster joins a Serf cluster of tasksync nodes. Membership of the
// configured gateway node drives the connectivity signal, and nodes tell each
// other which projects changed remotely.
package cluster

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/c.mueller/tasksync/internal/connectivity"
	"github.com/c.mueller/tasksync/internal/models"
	"github.com/hashicorp/serf/serf"
)

// Config holds the Serf settings of the local node
type Config struct {
	NodeName string
	BindAddr string
	Gateway  string
}

// Cluster manages the Serf membership
type Cluster struct {
	serf     *serf.Serf
	nodeID   string
	gateway  string
	monitor  *connectivity.Monitor
	eventCh  chan serf.Event
	shutdown chan struct{}
	stopped  bool

	mu        sync.RWMutex
	onChanged func(projectID string)
}

// New creates a new Cluster instance. The monitor is set online while the
// gateway member is alive.
func New(cfg Config, monitor *connectivity.Monitor) (*Cluster, error) {
	// Parse bind address (format: "IP:Port")
	host, portStr, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", cfg.BindAddr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in bind address %q: %w", cfg.BindAddr, err)
	}

	config := serf.DefaultConfig()
	config.NodeName = cfg.NodeName
	config.MemberlistConfig.BindAddr = host
	config.MemberlistConfig.BindPort = port

	c := newCluster(cfg, monitor)
	config.EventCh = c.eventCh

	serfInstance, err := serf.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create serf: %w", err)
	}
	c.serf = serfInstance

	return c, nil
}

func newCluster(cfg Config, monitor *connectivity.Monitor) *Cluster {
	return &Cluster{
		nodeID:   cfg.NodeName,
		gateway:  cfg.Gateway,
		monitor:  monitor,
		eventCh:  make(chan serf.Event, 256),
		shutdown: make(chan struct{}),
	}
}

// OnProjectChanged registers the handler for change notices from peers
func (c *Cluster) OnProjectChanged(fn func(projectID string)) {
	c.mu.Lock()
	c.onChanged = fn
	c.mu.Unlock()
}

// Start starts the event handler and joins the seed nodes
func (c *Cluster) Start(seeds []string, joinTimeout time.Duration) error {
	go c.handleEvents()

	if len(seeds) == 0 {
		log.Println("ℹ️  No seeds configured, waiting for the gateway to join")
		c.checkGateway()
		return nil
	}

	log.Printf("🔍 Attempting to join cluster via seeds: %v", seeds)

	maxRetries := 3
	var lastErr error
	deadline := time.Now().Add(joinTimeout)

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			backoff := time.Duration(i) * 2 * time.Second
			if joinTimeout > 0 && time.Now().Add(backoff).After(deadline) {
				break
			}
			log.Printf("⏳ Retry %d/%d in %v...", i+1, maxRetries, backoff)
			time.Sleep(backoff)
		}

		numJoined, err := c.serf.Join(seeds, true)
		if err != nil {
			lastErr = err
			log.Printf("⚠️  Join attempt %d failed: %v", i+1, err)
			continue
		}
		if numJoined > 0 {
			log.Printf("✅ Successfully joined %d nodes", numJoined)
			lastErr = nil
			break
		}
	}

	if lastErr != nil {
		log.Printf("⚠️  Failed to join cluster: %v", lastErr)
		log.Println("ℹ️  Continuing as standalone node")
	}

	c.checkGateway()
	return nil
}

// Stop leaves the cluster and shuts Serf down
func (c *Cluster) Stop() error {
	if c.stopped {
		return nil
	}
	c.stopped = true

	log.Println("🛑 Shutting down cluster...")
	close(c.shutdown)

	if err := c.serf.Leave(); err != nil {
		log.Printf("⚠️  Error leaving cluster: %v", err)
	}
	if err := c.serf.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown serf: %w", err)
	}

	log.Println("✅ Cluster shutdown complete")
	return nil
}

// LocalNode returns the local node name
func (c *Cluster) LocalNode() string {
	return c.nodeID
}

// Gateway returns the name of the member that stands for remote reachability
func (c *Cluster) Gateway() string {
	return c.gateway
}

// GetMemberInfo returns information about all cluster members
func (c *Cluster) GetMemberInfo() []models.ClusterMemberInfo {
	members := c.serf.Members()
	info := make([]models.ClusterMemberInfo, len(members))

	for i, member := range members {
		info[i] = models.ClusterMemberInfo{
			Name:   member.Name,
			Addr:   member.Addr.String(),
			Status: member.Status.String(),
		}
	}

	return info
}

// checkGateway derives the online state from the current member list
func (c *Cluster) checkGateway() {
	for _, member := range c.serf.Members() {
		if member.Name == c.gateway {
			c.monitor.Set(member.Status == serf.StatusAlive)
			return
		}
	}
	c.monitor.Set(false)
}
