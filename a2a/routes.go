package a2a

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/types"
)

// Routes maps protocol operations onto the task store and the delegation
// subsystem. It is the innermost handler of the middleware chain.
type Routes struct {
	tasks     *store.TaskStore
	delegator *Delegator
	card      types.AgentCard
	csrf      *CSRFManager
	metrics   *metrics.Collector
	logger    *zap.Logger
	started   time.Time
}

// NewRoutes builds the route layer.
func NewRoutes(tasks *store.TaskStore, delegator *Delegator, card types.AgentCard, csrf *CSRFManager, collector *metrics.Collector, logger *zap.Logger) *Routes {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Routes{
		tasks:     tasks,
		delegator: delegator,
		card:      card,
		csrf:      csrf,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "routes")),
		started:   time.Now(),
	}
}

func (rt *Routes) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == PathSendMessage:
		rt.require(w, r, http.MethodPost, rt.handleSendMessage)
	case path == PathTasks:
		rt.require(w, r, http.MethodGet, rt.handleListTasks)
	case path == PathAgentCard:
		rt.require(w, r, http.MethodGet, rt.handleAgentCard)
	case path == PathWellKnown:
		rt.require(w, r, http.MethodGet, rt.handleWellKnown)
	case path == PathCSRFToken:
		rt.require(w, r, http.MethodGet, rt.handleCSRFToken)
	case path == PathHealth:
		rt.require(w, r, http.MethodGet, rt.handleHealth)
	case strings.HasPrefix(path, PathTasks+"/"):
		rt.routeTask(w, r, strings.TrimPrefix(path, PathTasks+"/"))
	default:
		writeError(w, rt.logger, types.NewError(types.ErrNotFound,
			fmt.Sprintf("no route for %s", path)))
	}
}

// routeTask dispatches the task-scoped sub-paths: :taskId and :taskId/cancel.
func (rt *Routes) routeTask(w http.ResponseWriter, r *http.Request, rest string) {
	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if id == "" || strings.Contains(id, "/") {
			writeError(w, rt.logger, types.NewError(types.ErrNotFound, "no such route"))
			return
		}
		rt.require(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
			rt.handleCancelTask(w, r, id)
		})
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		writeError(w, rt.logger, types.NewError(types.ErrNotFound, "no such route"))
		return
	}
	rt.require(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		rt.handleGetTask(w, r, rest)
	})
}

// require rejects requests with the wrong method before invoking the handler.
func (rt *Routes) require(w http.ResponseWriter, r *http.Request, method string, h http.HandlerFunc) {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, rt.logger, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("method %s not allowed", r.Method)).
			WithHTTPStatus(http.StatusMethodNotAllowed))
		return
	}
	h(w, r)
}

// handleSendMessage creates a task when no taskId is given, or appends a
// message to an existing one. The acknowledgment status is always
// "SUBMITTED": it confirms the submission, not the task's current state.
func (rt *Routes) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := rt.decode(r, &req); err != nil {
		writeError(w, rt.logger, err)
		return
	}
	if len(req.Message.Parts) == 0 {
		writeError(w, rt.logger, types.NewError(types.ErrInvalidRequest,
			"message.parts must be present and non-empty"))
		return
	}

	if req.TaskID != "" {
		rt.appendMessage(w, r, &req)
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = AgentIDFromContext(r.Context())
	}

	task, err := rt.tasks.CreateTask(r.Context(), store.CreateTaskSpec{
		Name:         req.Name,
		Priority:     req.Priority,
		Metadata:     req.Metadata,
		InitialRole:  req.Message.Role,
		InitialParts: req.Message.Parts,
	})
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}

	if err := rt.delegator.AddTask(task.ID, task, task.Priority, agentID); err != nil {
		// The task row already exists; mark it rejected so it does not linger
		// as a phantom SUBMITTED task.
		if _, uerr := rt.tasks.UpdateTaskStatus(r.Context(), task.ID, store.StatusUpdate{
			State:    types.TaskRejected,
			Metadata: map[string]string{"reject_reason": "agent_busy"},
		}); uerr != nil {
			rt.logger.Error("failed to reject task after busy agent",
				zap.String("task_id", task.ID), zap.Error(uerr))
		}
		if rt.metrics != nil {
			rt.metrics.RecordTaskOutcome("rejected", time.Since(task.CreatedAt))
		}
		writeError(w, rt.logger, types.NewError(types.ErrAgentBusy,
			fmt.Sprintf("agent %s is at its delegation limit", agentID)))
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordTaskOutcome("submitted", 0)
	}
	writeSuccess(w, SendMessageResponse{TaskID: task.ID, Status: string(types.TaskSubmitted)})
}

// appendMessage handles the taskId-present half of sendMessage. A task
// waiting on input goes back to WORKING once the message lands.
func (rt *Routes) appendMessage(w http.ResponseWriter, r *http.Request, req *SendMessageRequest) {
	task, err := rt.tasks.GetTask(r.Context(), req.TaskID)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}

	if _, err := rt.tasks.AddMessage(r.Context(), task.ID, req.Message.Role, req.Message.Parts); err != nil {
		writeError(w, rt.logger, err)
		return
	}

	if task.State == types.TaskInputRequired {
		if _, err := rt.tasks.UpdateTaskStatus(r.Context(), task.ID, store.StatusUpdate{
			State: types.TaskWorking,
		}); err != nil {
			rt.logger.Error("failed to resume task after input",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	writeSuccess(w, SendMessageResponse{TaskID: task.ID, Status: string(types.TaskSubmitted)})
}

func (rt *Routes) handleGetTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := rt.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}
	writeSuccess(w, task)
}

// handleListTasks filters on status, priority, limit, and offset query
// parameters. Unknown enum values fail the request; unparsable limit and
// offset values are ignored rather than rejected.
func (rt *Routes) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ListFilter{}
	// "state" is accepted as an alias for "status".
	for _, s := range append(q["status"], q["state"]...) {
		filter.States = append(filter.States, types.TaskState(s))
	}
	for _, p := range q["priority"] {
		filter.Priorities = append(filter.Priorities, types.TaskPriority(p))
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := rt.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}
	if tasks == nil {
		tasks = []types.Task{}
	}
	writeSuccess(w, tasks)
}

// handleCancelTask moves a task to CANCELED and drops any delegation entry.
// Canceling an already-terminal task is a no-op success reporting the
// existing state, so repeated cancels are safe.
func (rt *Routes) handleCancelTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := rt.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}

	rt.delegator.RemoveTask(id)

	if task.State.IsTerminal() {
		writeSuccess(w, CancelResponse{TaskID: id, Status: string(task.State)})
		return
	}

	if _, err := rt.tasks.UpdateTaskStatus(r.Context(), id, store.StatusUpdate{
		State: types.TaskCanceled,
	}); err != nil {
		writeError(w, rt.logger, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordTaskOutcome("canceled", time.Since(task.CreatedAt))
	}

	writeSuccess(w, CancelResponse{TaskID: id, Status: string(types.TaskCanceled)})
}

func (rt *Routes) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, rt.card)
}

// handleWellKnown serves the bare card for discovery tooling that expects
// the conventional document, without the protocol envelope.
func (rt *Routes) handleWellKnown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.card)
}

func (rt *Routes) handleCSRFToken(w http.ResponseWriter, _ *http.Request) {
	token := rt.csrf.Issue()
	writeSuccess(w, CSRFTokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(rt.csrf.TTL()),
	})
}

func (rt *Routes) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, map[string]any{
		"status":              "ok",
		"uptime_seconds":      int(time.Since(rt.started).Seconds()),
		"pending_delegations": rt.delegator.Len(),
	})
}

// decode parses a JSON request body into dst. Unknown fields are tolerated
// so older peers can talk to newer servers; a body-size cap hit surfaces as
// PAYLOAD_TOO_LARGE.
func (rt *Routes) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if isBodyTooLarge(err) {
			return types.NewError(types.ErrPayloadTooLarge, "request body too large")
		}
		return types.NewError(types.ErrInvalidRequest,
			"malformed request body").WithCause(err)
	}
	return nil
}
