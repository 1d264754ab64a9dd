package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/c.mueller/tasksync/internal/auth"
	"github.com/c.mueller/tasksync/internal/cache"
	"github.com/c.mueller/tasksync/internal/connectivity"
	"github.com/c.mueller/tasksync/internal/database"
	"github.com/c.mueller/tasksync/internal/models"
	"github.com/c.mueller/tasksync/internal/mutation"
	"github.com/c.mueller/tasksync/internal/notify"
	"github.com/c.mueller/tasksync/internal/queue"
	"github.com/c.mueller/tasksync/internal/todoist"
	"github.com/c.mueller/tasksync/internal/worker"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/google/go-cmp/cmp"
)

type stubRemote struct {
	mu    sync.Mutex
	calls int
	tasks []models.Task
}

func (r *stubRemote) hit() {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *stubRemote) CreateTask(_ context.Context, in models.CreateTaskInput) (*models.Task, error) {
	r.hit()
	return &models.Task{ID: "srv-1", Content: in.Content, ProjectID: in.ProjectID}, nil
}

func (r *stubRemote) UpdateTask(_ context.Context, id string, _ models.UpdateTaskInput) (*models.Task, error) {
	r.hit()
	return &models.Task{ID: id}, nil
}

func (r *stubRemote) CloseTask(context.Context, string) error  { r.hit(); return nil }
func (r *stubRemote) ReopenTask(context.Context, string) error { r.hit(); return nil }

func (r *stubRemote) GetTasks(context.Context, string) ([]models.Task, error) {
	r.hit()
	return r.tasks, nil
}

func (r *stubRemote) GetProjects(context.Context) ([]models.Project, error) {
	return []models.Project{{ID: "p1", Name: "Inbox"}}, nil
}

func (r *stubRemote) GetSections(_ context.Context, projectID string) ([]models.Section, error) {
	return []models.Section{{ID: "s1", ProjectID: projectID, Name: "Today"}}, nil
}

type fakeCluster struct{}

func (fakeCluster) LocalNode() string { return "laptop" }
func (fakeCluster) Gateway() string   { return "gateway-1" }
func (fakeCluster) GetMemberInfo() []models.ClusterMemberInfo {
	return []models.ClusterMemberInfo{
		{Name: "laptop", Addr: "10.0.0.2", Status: "alive"},
		{Name: "gateway-1", Addr: "10.0.0.1", Status: "alive"},
	}
}

type env struct {
	api     humatest.TestAPI
	queue   *queue.Queue
	remote  *stubRemote
	monitor *connectivity.Monitor
	tokens  *auth.Static
}

func setup(t *testing.T, online bool, cluster Cluster) *env {
	t.Helper()
	store := database.New(database.MemoryPath)
	t.Cleanup(func() { store.Close() })

	n := notify.New()
	q := queue.New(store, n)
	remote := &stubRemote{}
	aliases := todoist.NewAliases()
	monitor := connectivity.NewMonitor(online)
	tokens := auth.NewStatic("token")

	proc := worker.New(q, remote, aliases, monitor, tokens, n, worker.Options{})
	t.Cleanup(proc.Stop)
	coord := mutation.NewCoordinator(cache.New(), q, remote, aliases, monitor, tokens)

	_, api := humatest.New(t)
	NewServer(q, proc, coord, remote, monitor, cluster).RegisterRoutes(api)

	return &env{api: api, queue: q, remote: remote, monitor: monitor, tokens: tokens}
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("Failed to decode %s: %v", body, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	e := setup(t, true, nil)

	resp := e.api.Get("/health/ready")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = e.api.Get("/health/info")
	info := decode[struct {
		NodeName    string `json:"node_name"`
		Online      bool   `json:"online"`
		ClusterMode bool   `json:"cluster_mode"`
		MemberCount int    `json:"member_count"`
	}](t, resp.Body.Bytes())
	if info.NodeName != "standalone" || !info.Online || info.ClusterMode || info.MemberCount != 1 {
		t.Errorf("Unexpected standalone info %+v", info)
	}

	clustered := setup(t, false, fakeCluster{})
	resp = clustered.api.Get("/health/info")
	info = decode[struct {
		NodeName    string `json:"node_name"`
		Online      bool   `json:"online"`
		ClusterMode bool   `json:"cluster_mode"`
		MemberCount int    `json:"member_count"`
	}](t, resp.Body.Bytes())
	if info.NodeName != "laptop" || info.Online || !info.ClusterMode || info.MemberCount != 2 {
		t.Errorf("Unexpected cluster info %+v", info)
	}
}

func TestOfflineCreateIsQueued(t *testing.T) {
	e := setup(t, false, nil)

	resp := e.api.Post("/projects/p1/tasks", map[string]any{"content": "Buy milk"})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	created := decode[WriteResult](t, resp.Body.Bytes())
	if created.Outcome != mutation.OutcomeQueued || created.Task == nil || !models.IsPlaceholderID(created.Task.ID) {
		t.Errorf("Unexpected write result %+v", created)
	}

	status := decode[QueueStatus](t, e.api.Get("/queue/status").Body.Bytes())
	if diff := cmp.Diff(QueueStatus{Pending: 1}, status); diff != "" {
		t.Errorf("Status mismatch (-want +got):\n%s", diff)
	}

	entries := decode[[]EntryView](t, e.api.Get("/queue/entries").Body.Bytes())
	if len(entries) != 1 || entries[0].Type != "createTask" || entries[0].Payload["content"] != "Buy milk" || entries[0].ProjectID != "p1" {
		t.Errorf("Unexpected entries %+v", entries)
	}

	tasks := decode[[]models.Task](t, e.api.Get("/projects/p1/tasks").Body.Bytes())
	if len(tasks) != 1 || tasks[0].ID != created.Task.ID {
		t.Errorf("Expected the optimistic task to be listed, got %+v", tasks)
	}

	if resp := e.api.Post("/queue/sync"); resp.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for an offline sync, got %d", resp.Code)
	}

	cleared := decode[struct {
		Count int `json:"count"`
	}](t, e.api.Delete("/queue/pending").Body.Bytes())
	if cleared.Count != 1 {
		t.Errorf("Expected 1 cleared entry, got %d", cleared.Count)
	}
	if e.remote.calls != 0 {
		t.Errorf("Expected no remote calls, got %d", e.remote.calls)
	}
}

func TestOnlineWrites(t *testing.T) {
	e := setup(t, true, nil)
	e.remote.tasks = []models.Task{{ID: "1", ProjectID: "p1", Content: "Existing"}}

	tasks := decode[[]models.Task](t, e.api.Get("/projects/p1/tasks").Body.Bytes())
	if len(tasks) != 1 {
		t.Fatalf("Expected first listing to load from remote, got %+v", tasks)
	}

	resp := e.api.Post("/projects/p1/tasks", map[string]any{"content": "Buy milk"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	created := decode[WriteResult](t, resp.Body.Bytes())
	if created.Outcome != mutation.OutcomeApplied || created.Task.ID != "srv-1" {
		t.Errorf("Unexpected write result %+v", created)
	}

	resp = e.api.Post("/projects/p1/tasks/1/move", map[string]any{"section_id": "s1"})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	moved := decode[WriteResult](t, resp.Body.Bytes())
	if moved.Task == nil || moved.Task.SectionID == nil || *moved.Task.SectionID != "s1" {
		t.Errorf("Unexpected move result %+v", moved)
	}

	if resp := e.api.Post("/projects/p1/tasks/1/close"); resp.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp := e.api.Post("/projects/p1/tasks/1/reopen"); resp.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	if resp := e.api.Post("/queue/sync"); resp.Code != http.StatusOK {
		t.Errorf("Expected sync to succeed, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	e := setup(t, true, nil)

	if resp := e.api.Post("/projects/p1/tasks/missing/close"); resp.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown task, got %d", resp.Code)
	}
	if resp := e.api.Post("/projects/p1/tasks", map[string]any{"content": ""}); resp.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for empty content, got %d", resp.Code)
	}

	e.tokens.Set("")
	if resp := e.api.Post("/projects/p1/tasks", map[string]any{"content": "x"}); resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a token, got %d", resp.Code)
	}
	if resp := e.api.Post("/queue/sync"); resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 sync without a token, got %d", resp.Code)
	}
}

func TestRetryAndClear(t *testing.T) {
	e := setup(t, false, nil)
	ctx := context.Background()

	id, _ := e.queue.Enqueue(ctx, models.CloseTask{TaskID: "1"}, "p1")
	e.queue.MarkFailed(ctx, id, 3, "boom")

	retried := decode[struct {
		Count int `json:"count"`
	}](t, e.api.Post("/queue/retry").Body.Bytes())
	if retried.Count != 1 {
		t.Errorf("Expected 1 retried entry, got %d", retried.Count)
	}

	e.queue.MarkFailed(ctx, id, 3, "boom")
	for _, path := range []string{"/queue/failed", "/queue"} {
		if resp := e.api.Delete(path); resp.Code != http.StatusOK {
			t.Errorf("DELETE %s: expected 200, got %d", path, resp.Code)
		}
	}
	status := decode[QueueStatus](t, e.api.Get("/queue/status").Body.Bytes())
	if status.Pending != 0 || status.Failed != 0 {
		t.Errorf("Expected empty queue, got %+v", status)
	}
}

func TestProjectsPassThrough(t *testing.T) {
	e := setup(t, true, nil)

	projects := decode[[]models.Project](t, e.api.Get("/projects").Body.Bytes())
	if len(projects) != 1 || projects[0].Name != "Inbox" {
		t.Errorf("Unexpected projects %+v", projects)
	}
	sections := decode[[]models.Section](t, e.api.Get("/projects/p1/sections").Body.Bytes())
	if len(sections) != 1 || sections[0].ProjectID != "p1" {
		t.Errorf("Unexpected sections %+v", sections)
	}
}
