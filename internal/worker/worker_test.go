package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c.mueller/tasksync/internal/auth"
	"github.com/c.mueller/tasksync/internal/connectivity"
	"github.com/c.mueller/tasksync/internal/database"
	apperrors "github.com/c.mueller/tasksync/internal/errors"
	"github.com/c.mueller/tasksync/internal/models"
	"github.com/c.mueller/tasksync/internal/notify"
	"github.com/c.mueller/tasksync/internal/queue"
	"github.com/c.mueller/tasksync/internal/todoist"
	"github.com/google/go-cmp/cmp"
)

// instantClock fires every timer immediately and records the requested delays
type instantClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *instantClock) Now() time.Time { return time.Now() }

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// fakeRemote records calls and fails them on demand
type fakeRemote struct {
	mu     sync.Mutex
	calls  []string
	fail   error
	hook   func(call string)
	nextID int
}

func (f *fakeRemote) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.fail
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return err
}

func (f *fakeRemote) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) CreateTask(_ context.Context, in models.CreateTaskInput) (*models.Task, error) {
	if err := f.record("create " + in.Content); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.mu.Unlock()
	return &models.Task{ID: id, Content: in.Content, ProjectID: in.ProjectID}, nil
}

func (f *fakeRemote) UpdateTask(_ context.Context, id string, _ models.UpdateTaskInput) (*models.Task, error) {
	if err := f.record("update " + id); err != nil {
		return nil, err
	}
	return &models.Task{ID: id}, nil
}

func (f *fakeRemote) CloseTask(_ context.Context, id string) error  { return f.record("close " + id) }
func (f *fakeRemote) ReopenTask(_ context.Context, id string) error { return f.record("reopen " + id) }

func (f *fakeRemote) GetTasks(context.Context, string) ([]models.Task, error)       { return nil, nil }
func (f *fakeRemote) GetProjects(context.Context) ([]models.Project, error)         { return nil, nil }
func (f *fakeRemote) GetSections(context.Context, string) ([]models.Section, error) { return nil, nil }

type fixture struct {
	queue    *queue.Queue
	remote   *fakeRemote
	monitor  *connectivity.Monitor
	tokens   *auth.Static
	notifier *notify.Notifier
	clock    *instantClock
	proc     *Processor
	aliases  *todoist.Aliases
}

func newFixture(t *testing.T, store database.Store) *fixture {
	t.Helper()
	if store == nil {
		mem := database.New(database.MemoryPath)
		t.Cleanup(func() { mem.Close() })
		store = mem
	}
	f := &fixture{
		remote:   &fakeRemote{},
		monitor:  connectivity.NewMonitor(true),
		tokens:   auth.NewStatic("token"),
		notifier: notify.New(),
		clock:    &instantClock{},
		aliases:  todoist.NewAliases(),
	}
	f.queue = queue.New(store, f.notifier)
	f.proc = New(f.queue, f.remote, f.aliases, f.monitor, f.tokens, f.notifier, Options{Clock: f.clock})
	t.Cleanup(f.proc.Stop)
	return f
}

func (f *fixture) enqueue(t *testing.T, op models.Operation) string {
	t.Helper()
	id, err := f.queue.Enqueue(context.Background(), op, "p1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func (f *fixture) entry(t *testing.T, id string) (models.QueueEntry, bool) {
	t.Helper()
	all, err := f.queue.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, e := range all {
		if e.ID == id {
			return e, true
		}
	}
	return models.QueueEntry{}, false
}

func (f *fixture) counts(t *testing.T) models.Counts {
	t.Helper()
	c, err := f.queue.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	return c
}

func TestRunRemovesSucceededEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, models.CloseTask{TaskID: "42"})

	var types []notify.EventType
	f.notifier.Subscribe(func(ev notify.Event) {
		if ev.Type == notify.RunStarted || ev.Type == notify.RunFinished {
			types = append(types, ev.Type)
		}
	})

	if err := f.proc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if diff := cmp.Diff(models.Counts{}, f.counts(t)); diff != "" {
		t.Errorf("Counts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"close 42"}, f.remote.Calls()); diff != "" {
		t.Errorf("Calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]notify.EventType{notify.RunStarted, notify.RunFinished}, types); diff != "" {
		t.Errorf("Run events mismatch (-want +got):\n%s", diff)
	}
	if f.proc.IsRunActive() {
		t.Error("Expected run guard to be released")
	}
}

func TestRunExecutesInEnqueueOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, models.UpdateTask{TaskID: "1", Content: models.StringPtr("x")})
	f.enqueue(t, models.CloseTask{TaskID: "1"})
	f.enqueue(t, models.ReopenTask{TaskID: "2"})

	if err := f.proc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []string{"update 1", "close 1", "reopen 2"}
	if diff := cmp.Diff(want, f.remote.Calls()); diff != "" {
		t.Errorf("Calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunMarksFailedAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.remote.setFail(apperrors.Rejected(500, "API error"))
	id := f.enqueue(t, models.CloseTask{TaskID: "42"})

	for run := 1; run <= DefaultMaxRetries; run++ {
		if err := f.proc.Run(ctx); err != nil {
			t.Fatalf("Run %d failed: %v", run, err)
		}
		e, ok := f.entry(t, id)
		if !ok {
			t.Fatalf("Run %d: entry disappeared", run)
		}
		if e.RetryCount != run {
			t.Errorf("Run %d: expected RetryCount %d, got %d", run, run, e.RetryCount)
		}
		wantStatus := models.StatusPending
		if run == DefaultMaxRetries {
			wantStatus = models.StatusFailed
		}
		if e.Status != wantStatus {
			t.Errorf("Run %d: expected status %s, got %s", run, wantStatus, e.Status)
		}
	}

	if diff := cmp.Diff(models.Counts{Failed: 1}, f.counts(t)); diff != "" {
		t.Errorf("Counts mismatch (-want +got):\n%s", diff)
	}

	if err := f.proc.Run(ctx); err != nil {
		t.Fatalf("Fourth run failed: %v", err)
	}
	if n := len(f.remote.Calls()); n != DefaultMaxRetries {
		t.Errorf("Expected %d attempts, got %d", DefaultMaxRetries, n)
	}

	// Only the retriable failures wait before continuing
	if diff := cmp.Diff([]time.Duration{DefaultRetryDelay, DefaultRetryDelay}, f.clock.delays); diff != "" {
		t.Errorf("Retry delays mismatch (-want +got):\n%s", diff)
	}
}

func TestRetryAllFailedThenSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.remote.setFail(apperrors.Rejected(503, "API error"))
	id := f.enqueue(t, models.ReopenTask{TaskID: "7"})

	for i := 0; i < DefaultMaxRetries; i++ {
		f.proc.Run(ctx)
	}
	if e, _ := f.entry(t, id); e.Status != models.StatusFailed {
		t.Fatalf("Expected failed entry, got %s", e.Status)
	}

	if _, err := f.queue.RetryAllFailed(ctx); err != nil {
		t.Fatalf("RetryAllFailed failed: %v", err)
	}
	e, _ := f.entry(t, id)
	if e.Status != models.StatusPending || e.RetryCount != 0 {
		t.Errorf("Expected reset entry, got status=%s retry=%d", e.Status, e.RetryCount)
	}

	f.remote.setFail(nil)
	if err := f.proc.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, ok := f.entry(t, id); ok {
		t.Error("Expected entry to be removed after a successful run")
	}
}

func TestNotFoundIsRetriedLikeOtherRejections(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.setFail(apperrors.Rejected(404, "API error"))
	id := f.enqueue(t, models.CloseTask{TaskID: "deleted-elsewhere"})

	if err := f.proc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	e, _ := f.entry(t, id)
	if e.Status != models.StatusPending || e.RetryCount != 1 {
		t.Errorf("Expected pending entry with one attempt, got status=%s retry=%d", e.Status, e.RetryCount)
	}
	if !strings.Contains(e.LastError, string(apperrors.ErrRemoteRejected)) {
		t.Errorf("Expected last error to record the rejection, got %q", e.LastError)
	}
}

func TestConcurrentRunsCollapse(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, models.CloseTask{TaskID: "1"})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.hook = func(string) {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- f.proc.Run(context.Background()) }()
	<-entered

	if !f.proc.IsRunActive() {
		t.Error("Expected run to be active")
	}
	for i := 0; i < 5; i++ {
		if err := f.proc.Run(context.Background()); err != nil {
			t.Errorf("Overlapping run returned error: %v", err)
		}
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n := len(f.remote.Calls()); n != 1 {
		t.Errorf("Expected exactly one remote call, got %d", n)
	}
}

func TestRunIsNoopWhenOfflineOrSignedOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.enqueue(t, models.CloseTask{TaskID: "1"})

	started := 0
	f.notifier.Subscribe(func(ev notify.Event) {
		if ev.Type == notify.RunStarted {
			started++
		}
	})

	f.monitor.Set(false)
	if err := f.proc.Run(ctx); err != nil {
		t.Errorf("Offline run returned error: %v", err)
	}
	if err := f.proc.SyncNow(ctx); !apperrors.Is(err, apperrors.ErrConnectivityUnavailable) {
		t.Errorf("Expected SyncNow to report offline, got %v", err)
	}

	f.monitor.Set(true)
	f.tokens.Set("")
	if err := f.proc.Run(ctx); err != nil {
		t.Errorf("Signed-out run returned error: %v", err)
	}
	if err := f.proc.SyncNow(ctx); !apperrors.Is(err, apperrors.ErrUnauthenticated) {
		t.Errorf("Expected SyncNow to report missing token, got %v", err)
	}

	if started != 0 || len(f.remote.Calls()) != 0 {
		t.Errorf("Expected no run, got %d starts and calls %v", started, f.remote.Calls())
	}
}

func TestRunStopsWhenConnectivityDrops(t *testing.T) {
	f := newFixture(t, nil)
	first := f.enqueue(t, models.CloseTask{TaskID: "1"})
	second := f.enqueue(t, models.CloseTask{TaskID: "2"})

	f.remote.hook = func(string) { f.monitor.Set(false) }

	if err := f.proc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, ok := f.entry(t, first); ok {
		t.Error("Expected in-flight entry to complete")
	}
	e, ok := f.entry(t, second)
	if !ok || e.Status != models.StatusPending || e.RetryCount != 0 {
		t.Errorf("Expected remaining entry untouched, got %+v (found=%v)", e, ok)
	}
}

func TestRunToleratesClearDuringRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.enqueue(t, models.CloseTask{TaskID: "1"})
	f.enqueue(t, models.CloseTask{TaskID: "2"})

	f.remote.hook = func(call string) {
		if call == "close 1" {
			if _, err := f.queue.ClearAll(ctx); err != nil {
				t.Errorf("ClearAll failed: %v", err)
			}
		}
	}

	if err := f.proc.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]string{"close 1"}, f.remote.Calls()); diff != "" {
		t.Errorf("Calls mismatch (-want +got):\n%s", diff)
	}
	all, _ := f.queue.List(ctx)
	if len(all) != 0 {
		t.Errorf("Expected cleared entries to stay gone, got %+v", all)
	}
}

// failingStore breaks once an entry is marked processing
type failingStore struct {
	database.Store
}

func (s failingStore) Put(ctx context.Context, e models.QueueEntry) error {
	if e.Status == models.StatusProcessing {
		return apperrors.Storage("failed to put entry", fmt.Errorf("disk full"))
	}
	return s.Store.Put(ctx, e)
}

func TestStorageErrorAbortsRun(t *testing.T) {
	mem := database.New(database.MemoryPath)
	defer mem.Close()
	f := newFixture(t, failingStore{mem})
	f.enqueue(t, models.CloseTask{TaskID: "1"})

	var failed []notify.Event
	f.notifier.Subscribe(func(ev notify.Event) {
		if ev.Type == notify.RunFailed {
			failed = append(failed, ev)
		}
	})

	err := f.proc.Run(context.Background())
	if !apperrors.Is(err, apperrors.ErrStorage) {
		t.Fatalf("Expected storage error, got %v", err)
	}
	if len(failed) != 1 || !apperrors.Is(failed[0].Err, apperrors.ErrStorage) {
		t.Errorf("Expected one run-failed event carrying the error, got %+v", failed)
	}
	if f.proc.IsRunActive() {
		t.Error("Expected guard to be released after abort")
	}
	if len(f.remote.Calls()) != 0 {
		t.Errorf("Expected no remote call, got %v", f.remote.Calls())
	}
}

func TestQueuedCreateResolvesPlaceholder(t *testing.T) {
	f := newFixture(t, nil)
	local := models.PlaceholderPrefix + "abc"
	f.enqueue(t, models.CreateTask{LocalID: local, Content: "Buy milk", ProjectID: "p1"})
	f.enqueue(t, models.CloseTask{TaskID: local})

	var resolved []notify.Event
	f.notifier.Subscribe(func(ev notify.Event) {
		if ev.Type == notify.TaskResolved {
			resolved = append(resolved, ev)
		}
	})

	if err := f.proc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]string{"create Buy milk", "close srv-1"}, f.remote.Calls()); diff != "" {
		t.Errorf("Calls mismatch (-want +got):\n%s", diff)
	}
	if len(resolved) != 1 || resolved[0].LocalID != local || resolved[0].RemoteID != "srv-1" || resolved[0].ProjectID != "p1" {
		t.Errorf("Unexpected resolution events: %+v", resolved)
	}
}

func TestStartTriggersOnEnqueueAndReconnect(t *testing.T) {
	f := newFixture(t, nil)
	called := make(chan string, 4)
	f.remote.hook = func(call string) { called <- call }
	finished := make(chan struct{}, 4)
	f.notifier.Subscribe(func(ev notify.Event) {
		if ev.Type == notify.RunFinished {
			finished <- struct{}{}
		}
	})

	f.monitor.Set(false)
	f.proc.Start()

	f.enqueue(t, models.CloseTask{TaskID: "1"})
	select {
	case call := <-called:
		t.Fatalf("Unexpected call while offline: %s", call)
	case <-time.After(50 * time.Millisecond):
	}

	f.monitor.Set(true)
	select {
	case call := <-called:
		if call != "close 1" {
			t.Errorf("Unexpected call %s", call)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reconnect to trigger a run")
	}
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the run to finish")
	}

	f.enqueue(t, models.ReopenTask{TaskID: "1"})
	select {
	case call := <-called:
		if call != "reopen 1" {
			t.Errorf("Unexpected call %s", call)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for enqueue to trigger a run")
	}

	f.proc.Stop()
	f.proc.Stop()
}

func TestStopConcurrentWithStart(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.proc.Start()
		}()
		go func() {
			defer wg.Done()
			f.proc.Stop()
		}()
		wg.Wait()

		// Stopped processors ignore every trigger source
		f.enqueue(t, models.CloseTask{TaskID: "1"})
		f.monitor.Set(false)
		f.monitor.Set(true)
		if calls := f.remote.Calls(); len(calls) != 0 {
			t.Fatalf("Iteration %d: expected no remote calls after Stop, got %v", i, calls)
		}
	}
}

func TestSyncNowWaitsForActiveRun(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	f.remote.hook = func(call string) {
		if call == "close 1" {
			close(started)
			<-release
		}
	}

	f.enqueue(t, models.CloseTask{TaskID: "1"})
	go f.proc.Run(context.Background())
	<-started

	// Enqueued after the active run fetched its entries
	f.enqueue(t, models.ReopenTask{TaskID: "2"})

	synced := make(chan error, 1)
	go func() { synced <- f.proc.SyncNow(context.Background()) }()

	select {
	case err := <-synced:
		t.Fatalf("SyncNow returned while a run was active: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-synced:
		if err != nil {
			t.Fatalf("SyncNow failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for SyncNow")
	}

	if diff := cmp.Diff([]string{"close 1", "reopen 2"}, f.remote.Calls()); diff != "" {
		t.Errorf("Calls mismatch (-want +got):\n%s", diff)
	}
	if n := f.counts(t).Pending; n != 0 {
		t.Errorf("Expected an empty queue after SyncNow, got %d pending", n)
	}
}
