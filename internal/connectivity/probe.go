package connectivity

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// Prober periodically sends a HEAD request to the remote service and feeds
// the result into a Monitor. Any HTTP response counts as reachable.
type Prober struct {
	monitor  *Monitor
	target   string
	interval time.Duration
	client   *http.Client

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewProber creates a prober for target
func NewProber(monitor *Monitor, target string, interval time.Duration) *Prober {
	return &Prober{
		monitor:  monitor,
		target:   target,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start probes once and then on every interval until Stop
func (p *Prober) Start() {
	log.Printf("[INFO] Connectivity probe starting (target: %s, interval: %v)", p.target, p.interval)
	go p.loop()
}

// Stop ends the probe loop and waits for it to exit
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		close(p.shutdown)
		<-p.done
		log.Printf("[INFO] Connectivity probe stopped")
	})
}

func (p *Prober) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe()
	for {
		select {
		case <-ticker.C:
			p.Probe()
		case <-p.shutdown:
			return
		}
	}
}

// Probe checks the target once and updates the monitor
func (p *Prober) Probe() bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	online := p.reachable(ctx)
	p.monitor.Set(online)
	return online
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target, nil)
	if err != nil {
		log.Printf("[ERROR] Invalid probe target %q: %v", p.target, err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("[DEBUG] Probe failed: %v", err)
		return false
	}
	resp.Body.Close()
	return true
}
