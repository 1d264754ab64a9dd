package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c.mueller/tasksync/internal/config"
	"github.com/c.mueller/tasksync/internal/models"
	"github.com/c.mueller/tasksync/internal/notify"
)

type fakeTodoist struct {
	mu      sync.Mutex
	created []models.CreateTaskInput
}

func (f *fakeTodoist) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/tasks":
		var in models.CreateTaskInput
		json.NewDecoder(r.Body).Decode(&in)
		f.mu.Lock()
		f.created = append(f.created, in)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(models.Task{ID: "srv-1", ProjectID: in.ProjectID, Content: in.Content})
	case r.Method == http.MethodGet && r.URL.Path == "/tasks":
		w.Write([]byte("[]"))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (f *fakeTodoist) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func testConfig(t *testing.T, remote string, online bool) *config.Config {
	t.Helper()
	t.Setenv("TASKSYNC_TEST_TOKEN", "secret")

	cfg := config.Default()
	cfg.Storage.Driver = "json"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "queue.json")
	cfg.Remote.BaseURL = remote
	cfg.Remote.TokenEnv = "TASKSYNC_TEST_TOKEN"
	cfg.Queue.RetryDelayMS = 10
	cfg.Connectivity.Mode = config.ModeStatic
	cfg.Connectivity.Online = &online
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueuedCreateSyncsOnReconnect(t *testing.T) {
	remote := &fakeTodoist{}
	srv := httptest.NewServer(remote)
	defer srv.Close()

	ctx := context.Background()
	a, err := New(ctx, testConfig(t, srv.URL, false))
	if err != nil {
		t.Fatalf("Failed to build app: %v", err)
	}
	defer a.Stop()
	if err := a.Start(); err != nil {
		t.Fatalf("Failed to start app: %v", err)
	}

	router := a.Router()
	req := httptest.NewRequest(http.MethodPost, "/projects/p1/tasks", strings.NewReader(`{"content":"Buy milk"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 while offline, got %d: %s", rec.Code, rec.Body.String())
	}

	counts, err := a.Queue.Counts(ctx)
	if err != nil || counts.Pending != 1 {
		t.Fatalf("Expected one pending entry, got %+v (err %v)", counts, err)
	}
	if remote.createdCount() != 0 {
		t.Fatalf("Expected no remote call while offline")
	}

	a.Monitor.Set(true)

	waitFor(t, "the queued create to reach the remote", func() bool {
		tasks := a.Tasks.Tasks("p1")
		return len(tasks) == 1 && tasks[0].ID == "srv-1"
	})
	waitFor(t, "the queue to drain", func() bool {
		c, err := a.Queue.Counts(ctx)
		return err == nil && c.Pending == 0
	})
	if n := remote.createdCount(); n != 1 {
		t.Errorf("Expected exactly one create, got %d", n)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "http://127.0.0.1:1", false)

	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to build app: %v", err)
	}
	if _, err := a.Queue.Enqueue(ctx, models.CloseTask{TaskID: "42"}, "p1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	a.Stop()

	q, err := OpenQueue(ctx, cfg, notify.New())
	if err != nil {
		t.Fatalf("Failed to reopen queue: %v", err)
	}
	defer q.Close()

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Operation.Type() != models.OperationCloseTask {
		t.Errorf("Expected the close to survive a restart, got %+v", entries)
	}
}

func TestRouterServesDocsAndEvents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, "http://127.0.0.1:1", true))
	if err != nil {
		t.Fatalf("Failed to build app: %v", err)
	}
	defer a.Stop()

	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/openapi.json")
	if err != nil {
		t.Fatalf("GET /openapi.json failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected OpenAPI document, got %d", resp.StatusCode)
	}

	// A plain GET is not a websocket upgrade
	resp, err = http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-upgrade request, got %d", resp.StatusCode)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", true)
	cfg.Storage.Driver = "postgres"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("Expected an error for an unknown storage driver")
	}
}
