// Package app wires the queue, processor, coordinator and transports into a
// running tasksync node.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/c.mueller/tasksync/internal/api"
	"github.com/c.mueller/tasksync/internal/auth"
	"github.com/c.mueller/tasksync/internal/cache"
	"github.com/c.mueller/tasksync/internal/cluster"
	"github.com/c.mueller/tasksync/internal/config"
	"github.com/c.mueller/tasksync/internal/connectivity"
	"github.com/c.mueller/tasksync/internal/database"
	"github.com/c.mueller/tasksync/internal/events"
	"github.com/c.mueller/tasksync/internal/mutation"
	"github.com/c.mueller/tasksync/internal/notify"
	"github.com/c.mueller/tasksync/internal/queue"
	"github.com/c.mueller/tasksync/internal/todoist"
	"github.com/c.mueller/tasksync/internal/worker"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const refreshTimeout = 15 * time.Second

// App is one tasksync node
type App struct {
	cfg *config.Config

	Queue     *queue.Queue
	Notifier  *notify.Notifier
	Processor *worker.Processor
	Tasks     *mutation.Coordinator
	Monitor   *connectivity.Monitor
	Remote    todoist.Service
	Hub       *events.Hub

	cluster *cluster.Cluster
	prober  *connectivity.Prober
	unsubs  []func()
	srv     *http.Server
}

// OpenQueue builds the queue over the configured store without starting
// anything else. The queue commands of the CLI use it directly.
func OpenQueue(ctx context.Context, cfg *config.Config, n *notify.Notifier) (*queue.Queue, error) {
	store, err := database.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	q := queue.New(store, n)
	if err := q.Open(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// New builds a node from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, Notifier: notify.New()}

	log.Printf("[INFO] Opening %s queue store at %s", cfg.Storage.Driver, cfg.Storage.Path)
	q, err := OpenQueue(ctx, cfg, a.Notifier)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	a.Queue = q

	if os.Getenv(cfg.Remote.TokenEnv) == "" {
		log.Printf("[WARN] %s is not set, writes will be refused until it is", cfg.Remote.TokenEnv)
	}
	tokens := auth.Env(cfg.Remote.TokenEnv)
	timeout := time.Duration(cfg.Remote.Timeout) * time.Second
	a.Remote = todoist.NewClient(cfg.Remote.BaseURL, timeout, tokens)

	if err := a.setupConnectivity(); err != nil {
		q.Close()
		return nil, err
	}

	aliases := todoist.NewAliases()
	a.Processor = worker.New(q, a.Remote, aliases, a.Monitor, tokens, a.Notifier, worker.Options{
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryDelay:    cfg.Queue.RetryDelay(),
		SweepInterval: cfg.Queue.SweepEvery(),
	})
	a.Tasks = mutation.NewCoordinator(cache.New(), q, a.Remote, aliases, a.Monitor, tokens)
	a.Hub = events.New()

	a.unsubs = append(a.unsubs, a.Tasks.Watch(a.Notifier), a.Hub.Attach(a.Notifier))
	a.unsubs = append(a.unsubs, a.Monitor.Subscribe(func(online bool) {
		a.Hub.Broadcast("connectivity", map[string]any{"online": online})
	}))

	if a.cluster != nil {
		a.unsubs = append(a.unsubs, a.cluster.Attach(a.Notifier))
		a.cluster.OnProjectChanged(func(projectID string) {
			go a.refreshProject(projectID)
		})
	}
	return a, nil
}

func (a *App) setupConnectivity() error {
	cc := a.cfg.Connectivity
	switch cc.Mode {
	case config.ModeStatic:
		a.Monitor = connectivity.NewMonitor(cc.StaticOnline())
		log.Printf("[INFO] Connectivity fixed to online=%v", a.Monitor.Online())
	case config.ModeSerf:
		a.Monitor = connectivity.NewMonitor(false)
		c, err := cluster.New(cluster.Config{
			NodeName: cc.Serf.NodeName,
			BindAddr: cc.Serf.BindAddr,
			Gateway:  cc.Serf.Gateway,
		}, a.Monitor)
		if err != nil {
			return fmt.Errorf("failed to initialize cluster: %w", err)
		}
		a.cluster = c
	default:
		a.Monitor = connectivity.NewMonitor(false)
		interval := time.Duration(cc.ProbeInterval) * time.Second
		a.prober = connectivity.NewProber(a.Monitor, a.cfg.Remote.BaseURL, interval)
	}
	return nil
}

// refreshProject reloads a project a peer reported as changed. Projects
// nobody has listed yet are skipped.
func (a *App) refreshProject(projectID string) {
	if !a.Tasks.Loaded(projectID) || !a.Monitor.Online() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if _, err := a.Tasks.Refresh(ctx, projectID); err != nil {
		log.Printf("[WARN] Failed to refresh project %s: %v", projectID, err)
		return
	}
	a.Hub.Broadcast("project:changed", map[string]any{"project_id": projectID})
}

// Router builds the HTTP handler
func (a *App) Router() http.Handler {
	router := chi.NewMux()
	humaAPI := humachi.New(router, huma.DefaultConfig("tasksync API", "1.0.0"))

	var members api.Cluster
	if a.cluster != nil {
		members = a.cluster
	}
	api.NewServer(a.Queue, a.Processor, a.Tasks, a.Remote, a.Monitor, members).RegisterRoutes(humaAPI)
	router.Get("/events", a.Hub.Handler())
	return router
}

// Start brings connectivity up and starts the processor
func (a *App) Start() error {
	if a.cluster != nil {
		joinTimeout := time.Duration(a.cfg.Connectivity.Serf.JoinTimeout) * time.Second
		if err := a.cluster.Start(a.cfg.Connectivity.Serf.Seeds, joinTimeout); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
	}
	if a.prober != nil {
		a.prober.Start()
	}
	a.Processor.Start()
	return nil
}

// CheckConnectivity settles the online state once, for one-shot commands
// that cannot wait for the probe loop
func (a *App) CheckConnectivity() bool {
	if a.prober != nil {
		return a.prober.Probe()
	}
	return a.Monitor.Online()
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
func (a *App) Serve(ctx context.Context) error {
	a.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		Handler:      a.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[INFO] Starting HTTP server on port %d", a.cfg.HTTP.Port)
		log.Printf("[INFO] API documentation available at http://localhost:%d/docs", a.cfg.HTTP.Port)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("[INFO] Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Stop shuts every component down in reverse start order
func (a *App) Stop() {
	a.Processor.Stop()
	if a.prober != nil {
		a.prober.Stop()
	}
	if a.cluster != nil {
		if err := a.cluster.Stop(); err != nil {
			log.Printf("[ERROR] Error stopping cluster: %v", err)
		}
	}
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.Hub.Stop()
	if err := a.Queue.Close(); err != nil {
		log.Printf("[ERROR] Error closing queue store: %v", err)
	}
}
