package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/c.mueller/tasksync/internal/connectivity"
	apperrors "github.com/c.mueller/tasksync/internal/errors"
	"github.com/c.mueller/tasksync/internal/models"
	"github.com/c.mueller/tasksync/internal/mutation"
	"github.com/c.mueller/tasksync/internal/queue"
	"github.com/c.mueller/tasksync/internal/todoist"
	"github.com/danielgtaylor/huma/v2"
)

// Cluster exposes membership details for the health endpoints
type Cluster interface {
	LocalNode() string
	Gateway() string
	GetMemberInfo() []models.ClusterMemberInfo
}

// Processor is the part of the queue processor the API drives
type Processor interface {
	IsRunActive() bool
	SyncNow(ctx context.Context) error
}

// Server holds the API server dependencies
type Server struct {
	queue     *queue.Queue
	processor Processor
	tasks     *mutation.Coordinator
	remote    todoist.Service
	signal    connectivity.Signal
	cluster   Cluster
}

// NewServer creates a new API server. cluster may be nil.
func NewServer(q *queue.Queue, processor Processor, tasks *mutation.Coordinator, remote todoist.Service,
	signal connectivity.Signal, cluster Cluster) *Server {
	return &Server{
		queue:     q,
		processor: processor,
		tasks:     tasks,
		remote:    remote,
		signal:    signal,
		cluster:   cluster,
	}
}

// RegisterRoutes registers all API routes with the Huma API
func (s *Server) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health-ready",
		Method:      http.MethodGet,
		Path:        "/health/ready",
		Summary:     "Readiness check",
		Description: "Check that the queue store can be read",
		Tags:        []string{"health"},
	}, s.healthReady)

	huma.Register(api, huma.Operation{
		OperationID: "health-info",
		Method:      http.MethodGet,
		Path:        "/health/info",
		Summary:     "Node information",
		Description: "Connectivity, queue counts and cluster members",
		Tags:        []string{"health"},
	}, s.healthInfo)

	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue/status",
		Summary:     "Queue status",
		Description: "Pending and failed counts and whether a sync is running",
		Tags:        []string{"queue"},
	}, s.queueStatus)

	huma.Register(api, huma.Operation{
		OperationID: "list-queue-entries",
		Method:      http.MethodGet,
		Path:        "/queue/entries",
		Summary:     "List queued operations",
		Description: "Every queue entry in enqueue order, for diagnostics",
		Tags:        []string{"queue"},
	}, s.listEntries)

	huma.Register(api, huma.Operation{
		OperationID: "retry-failed",
		Method:      http.MethodPost,
		Path:        "/queue/retry",
		Summary:     "Retry failed operations",
		Description: "Reset failed entries to pending and start a sync",
		Tags:        []string{"queue"},
	}, s.retryFailed)

	huma.Register(api, huma.Operation{
		OperationID: "sync-now",
		Method:      http.MethodPost,
		Path:        "/queue/sync",
		Summary:     "Sync now",
		Description: "Run the queue and wait for the run to end. A run already in progress is awaited first",
		Tags:        []string{"queue"},
	}, s.syncNow)

	huma.Register(api, huma.Operation{
		OperationID: "clear-failed",
		Method:      http.MethodDelete,
		Path:        "/queue/failed",
		Summary:     "Discard failed operations",
		Tags:        []string{"queue"},
	}, s.clearFailed)

	huma.Register(api, huma.Operation{
		OperationID: "clear-pending",
		Method:      http.MethodDelete,
		Path:        "/queue/pending",
		Summary:     "Discard pending operations",
		Tags:        []string{"queue"},
	}, s.clearPending)

	huma.Register(api, huma.Operation{
		OperationID: "clear-queue",
		Method:      http.MethodDelete,
		Path:        "/queue",
		Summary:     "Discard every queued operation",
		Tags:        []string{"queue"},
	}, s.clearAll)

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Tags:        []string{"projects"},
	}, s.listProjects)

	huma.Register(api, huma.Operation{
		OperationID: "list-sections",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/sections",
		Summary:     "List sections",
		Tags:        []string{"projects"},
	}, s.listSections)

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/tasks",
		Summary:     "List tasks",
		Description: "Cached tasks of a project, fetched from the remote service on first use or when refresh is set",
		Tags:        []string{"tasks"},
	}, s.listTasks)

	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/projects/{projectId}/tasks",
		Summary:     "Create a task",
		Tags:        []string{"tasks"},
	}, s.createTask)

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/projects/{projectId}/tasks/{taskId}/move",
		Summary:     "Move a task to another section",
		Tags:        []string{"tasks"},
	}, s.moveTask)

	huma.Register(api, huma.Operation{
		OperationID: "close-task",
		Method:      http.MethodPost,
		Path:        "/projects/{projectId}/tasks/{taskId}/close",
		Summary:     "Complete a task",
		Description: "Completing a recurring task also reopens its completed subtasks",
		Tags:        []string{"tasks"},
	}, s.closeTask)

	huma.Register(api, huma.Operation{
		OperationID: "reopen-task",
		Method:      http.MethodPost,
		Path:        "/projects/{projectId}/tasks/{taskId}/reopen",
		Summary:     "Reopen a task",
		Tags:        []string{"tasks"},
	}, s.reopenTask)
}

// Request/Response types

type QueueStatus struct {
	Pending   int  `json:"pending" doc:"Entries waiting for or undergoing execution"`
	Failed    int  `json:"failed" doc:"Entries that exhausted their retries"`
	RunActive bool `json:"run_active" doc:"Whether a sync run is in progress"`
	Online    bool `json:"online" doc:"Whether the remote service is reachable"`
}

type QueueStatusResponse struct {
	Body QueueStatus
}

// EntryView is the diagnostic form of a queue entry
type EntryView struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Payload    map[string]any     `json:"payload"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	RetryCount int                `json:"retry_count"`
	Status     models.EntryStatus `json:"status"`
	ProjectID  string             `json:"project_id,omitempty"`
	LastError  string             `json:"last_error,omitempty"`
}

type ListEntriesResponse struct {
	Body []EntryView
}

type CountResponse struct {
	Body struct {
		Count int `json:"count" doc:"Number of entries affected"`
	}
}

type ProjectRequest struct {
	ProjectID string `path:"projectId" doc:"Project ID"`
}

type ListProjectsResponse struct {
	Body []models.Project
}

type ListSectionsResponse struct {
	Body []models.Section
}

type ListTasksRequest struct {
	ProjectID string `path:"projectId" doc:"Project ID"`
	Refresh   bool   `query:"refresh" doc:"Reload the project from the remote service"`
}

type ListTasksResponse struct {
	Body []models.Task
}

type CreateTaskRequest struct {
	ProjectID string `path:"projectId" doc:"Project ID"`
	Body      models.CreateTaskInput
}

type TaskRequest struct {
	ProjectID string `path:"projectId" doc:"Project ID"`
	TaskID    string `path:"taskId" doc:"Task ID"`
}

type MoveTaskRequest struct {
	ProjectID string `path:"projectId" doc:"Project ID"`
	TaskID    string `path:"taskId" doc:"Task ID"`
	Body      struct {
		SectionID string `json:"section_id" doc:"Target section, empty for none"`
	}
}

// WriteResult reports the outcome of one write
type WriteResult struct {
	Outcome     mutation.Outcome `json:"outcome,omitempty" enum:"applied,queued,retry_queued" doc:"applied, queued, or retry_queued after a failed attempt"`
	Task        *models.Task     `json:"task,omitempty" doc:"Task as now shown in the cache"`
	EntryIDs    []string         `json:"entry_ids,omitempty" doc:"Queue entries created for this write"`
	RemoteError string           `json:"remote_error,omitempty" doc:"Error of the failed direct attempt"`
	Error       string           `json:"error,omitempty" doc:"Why a follow-up subtask reopen could not be applied or queued"`
}

type MutationResponse struct {
	Status int
	Body   struct {
		WriteResult
		Subtasks []WriteResult `json:"subtasks,omitempty" doc:"Follow-up reopens of completed subtasks"`
	}
}

// Handler implementations

type HealthReadyResponse struct {
	Body struct {
		Ready   bool   `json:"ready" doc:"Whether the node is ready to serve requests"`
		Message string `json:"message,omitempty" doc:"Optional status message"`
	}
}

func (s *Server) healthReady(ctx context.Context, input *struct{}) (*HealthReadyResponse, error) {
	if _, err := s.queue.Counts(ctx); err != nil {
		log.Printf("[ERROR] Readiness check failed: %v", err)
		return nil, huma.Error503ServiceUnavailable("Queue store unavailable")
	}

	resp := &HealthReadyResponse{}
	resp.Body.Ready = true
	resp.Body.Message = "Queue store is available"
	return resp, nil
}

type HealthInfoResponse struct {
	Body struct {
		NodeName    string                     `json:"node_name" doc:"Name of this node"`
		Online      bool                       `json:"online" doc:"Whether the remote service is reachable"`
		RunActive   bool                       `json:"run_active" doc:"Whether a sync run is in progress"`
		Pending     int                        `json:"pending" doc:"Pending queue entries"`
		Failed      int                        `json:"failed" doc:"Failed queue entries"`
		ClusterMode bool                       `json:"cluster_mode" doc:"Whether connectivity follows a cluster gateway"`
		Gateway     string                     `json:"gateway,omitempty" doc:"Cluster member that stands for the remote service"`
		MemberCount int                        `json:"member_count" doc:"Number of cluster members"`
		Members     []models.ClusterMemberInfo `json:"members,omitempty" doc:"List of cluster members"`
	}
}

func (s *Server) healthInfo(ctx context.Context, input *struct{}) (*HealthInfoResponse, error) {
	resp := &HealthInfoResponse{}

	counts, err := s.queue.Counts(ctx)
	if err != nil {
		counts = models.Counts{Pending: -1, Failed: -1} // Indicate error
	}
	resp.Body.Pending = counts.Pending
	resp.Body.Failed = counts.Failed
	resp.Body.Online = s.signal.Online()
	resp.Body.RunActive = s.processor.IsRunActive()

	if s.cluster == nil {
		resp.Body.NodeName = "standalone"
		resp.Body.MemberCount = 1
		return resp, nil
	}

	resp.Body.NodeName = s.cluster.LocalNode()
	resp.Body.ClusterMode = true
	resp.Body.Gateway = s.cluster.Gateway()
	resp.Body.Members = s.cluster.GetMemberInfo()
	resp.Body.MemberCount = len(resp.Body.Members)
	return resp, nil
}

func (s *Server) status(ctx context.Context) (*QueueStatusResponse, error) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return nil, toHTTPError("Failed to count queue entries", err)
	}
	return &QueueStatusResponse{Body: QueueStatus{
		Pending:   counts.Pending,
		Failed:    counts.Failed,
		RunActive: s.processor.IsRunActive(),
		Online:    s.signal.Online(),
	}}, nil
}

func (s *Server) queueStatus(ctx context.Context, input *struct{}) (*QueueStatusResponse, error) {
	return s.status(ctx)
}

func (s *Server) listEntries(ctx context.Context, input *struct{}) (*ListEntriesResponse, error) {
	entries, err := s.queue.List(ctx)
	if err != nil {
		return nil, toHTTPError("Failed to list queue entries", err)
	}

	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView(e))
	}
	return &ListEntriesResponse{Body: views}, nil
}

func entryView(e models.QueueEntry) EntryView {
	view := EntryView{
		ID:         e.ID,
		Type:       string(e.Operation.Type()),
		EnqueuedAt: e.EnqueuedAt,
		RetryCount: e.RetryCount,
		Status:     e.Status,
		ProjectID:  e.ProjectContext,
		LastError:  e.LastError,
	}
	if data, err := json.Marshal(e.Operation); err == nil {
		json.Unmarshal(data, &view.Payload)
	}
	return view
}

func (s *Server) retryFailed(ctx context.Context, input *struct{}) (*CountResponse, error) {
	n, err := s.queue.RetryAllFailed(ctx)
	if err != nil {
		return nil, toHTTPError("Failed to retry entries", err)
	}
	resp := &CountResponse{}
	resp.Body.Count = n
	return resp, nil
}

func (s *Server) syncNow(ctx context.Context, input *struct{}) (*QueueStatusResponse, error) {
	if err := s.processor.SyncNow(ctx); err != nil {
		return nil, toHTTPError("Sync failed", err)
	}
	return s.status(ctx)
}

func (s *Server) clearFailed(ctx context.Context, input *struct{}) (*CountResponse, error) {
	return s.clear(ctx, s.queue.ClearFailed)
}

func (s *Server) clearPending(ctx context.Context, input *struct{}) (*CountResponse, error) {
	return s.clear(ctx, s.queue.ClearPending)
}

func (s *Server) clearAll(ctx context.Context, input *struct{}) (*CountResponse, error) {
	return s.clear(ctx, s.queue.ClearAll)
}

func (s *Server) clear(ctx context.Context, fn func(context.Context) (int, error)) (*CountResponse, error) {
	n, err := fn(ctx)
	if err != nil {
		return nil, toHTTPError("Failed to clear entries", err)
	}
	resp := &CountResponse{}
	resp.Body.Count = n
	return resp, nil
}

func (s *Server) listProjects(ctx context.Context, input *struct{}) (*ListProjectsResponse, error) {
	projects, err := s.remote.GetProjects(ctx)
	if err != nil {
		return nil, toHTTPError("Failed to list projects", err)
	}

	// Return empty array instead of nil
	if projects == nil {
		projects = []models.Project{}
	}
	return &ListProjectsResponse{Body: projects}, nil
}

func (s *Server) listSections(ctx context.Context, input *ProjectRequest) (*ListSectionsResponse, error) {
	sections, err := s.remote.GetSections(ctx, input.ProjectID)
	if err != nil {
		return nil, toHTTPError("Failed to list sections", err)
	}
	if sections == nil {
		sections = []models.Section{}
	}
	return &ListSectionsResponse{Body: sections}, nil
}

func (s *Server) listTasks(ctx context.Context, input *ListTasksRequest) (*ListTasksResponse, error) {
	tasks := s.tasks.Tasks(input.ProjectID)

	if input.Refresh || (!s.tasks.Loaded(input.ProjectID) && s.signal.Online()) {
		refreshed, err := s.tasks.Refresh(ctx, input.ProjectID)
		if err != nil {
			return nil, toHTTPError("Failed to load tasks", err)
		}
		tasks = refreshed
	}

	if tasks == nil {
		tasks = []models.Task{}
	}
	return &ListTasksResponse{Body: tasks}, nil
}

func (s *Server) createTask(ctx context.Context, input *CreateTaskRequest) (*MutationResponse, error) {
	res, err := s.tasks.Create(ctx, input.ProjectID, input.Body)
	if err != nil {
		return nil, toHTTPError("Failed to create task", err)
	}
	return mutationResponse(res, http.StatusCreated), nil
}

func (s *Server) moveTask(ctx context.Context, input *MoveTaskRequest) (*MutationResponse, error) {
	res, err := s.tasks.Move(ctx, input.ProjectID, input.TaskID, input.Body.SectionID)
	if err != nil {
		return nil, toHTTPError("Failed to move task", err)
	}
	return mutationResponse(res, http.StatusOK), nil
}

func (s *Server) closeTask(ctx context.Context, input *TaskRequest) (*MutationResponse, error) {
	res, err := s.tasks.Close(ctx, input.ProjectID, input.TaskID)
	if err != nil {
		return nil, toHTTPError("Failed to close task", err)
	}
	return mutationResponse(res, http.StatusOK), nil
}

func (s *Server) reopenTask(ctx context.Context, input *TaskRequest) (*MutationResponse, error) {
	res, err := s.tasks.Reopen(ctx, input.ProjectID, input.TaskID)
	if err != nil {
		return nil, toHTTPError("Failed to reopen task", err)
	}
	return mutationResponse(res, http.StatusOK), nil
}

// mutationResponse answers 202 when the write still sits in the queue
func mutationResponse(res mutation.Result, applied int) *MutationResponse {
	resp := &MutationResponse{Status: applied}
	if res.Outcome != mutation.OutcomeApplied {
		resp.Status = http.StatusAccepted
	}
	resp.Body.WriteResult = writeResult(res)
	for _, sub := range res.Subtasks {
		resp.Body.Subtasks = append(resp.Body.Subtasks, writeResult(sub))
	}
	return resp
}

func writeResult(res mutation.Result) WriteResult {
	out := WriteResult{Outcome: res.Outcome, Task: res.Task, EntryIDs: res.EntryIDs}
	if res.RemoteErr != nil {
		out.RemoteError = res.RemoteErr.Error()
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// toHTTPError maps application error codes onto HTTP statuses
func toHTTPError(msg string, err error) error {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrUnauthenticated:
		return huma.Error401Unauthorized(msg, err)
	case apperrors.ErrNotFound:
		return huma.Error404NotFound(msg, err)
	case apperrors.ErrInvalidOperation:
		return huma.Error422UnprocessableEntity(msg, err)
	case apperrors.ErrConnectivityUnavailable:
		return huma.Error503ServiceUnavailable(msg, err)
	case apperrors.ErrRemoteRejected, apperrors.ErrTransportFailure:
		return huma.Error502BadGateway(msg, err)
	default:
		log.Printf("[ERROR] %s: %v", msg, err)
		return huma.Error500InternalServerError(msg, err)
	}
}
