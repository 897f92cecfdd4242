// Package a2a implements the agent-to-agent protocol stack: the HTTP route
// layer over the persistent task store, the protocol server with its
// security middleware chain, the in-memory delegation and timeout subsystem,
// and the retrying outbound client.
package a2a

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/types"
)

// Protocol endpoint paths.
const (
	PathSendMessage = "/a2a/send-message"
	PathTasks       = "/a2a/tasks"
	PathAgentCard   = "/a2a/agent-card"
	PathCSRFToken   = "/a2a/csrf-token"
	PathWellKnown   = "/.well-known/agent.json"
	PathHealth      = "/health"
	PathMetrics     = "/metrics"
)

// Response is the uniform protocol envelope. Success responses carry Data;
// failures carry Error and Success is false.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the error half of the envelope: a stable code string and a
// human-readable message, plus a concrete wait hint where one exists.
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// MessagePayload is the inbound message body of a send-message request.
type MessagePayload struct {
	Role  types.MessageRole `json:"role"`
	Parts []types.Part      `json:"parts"`
}

// SendMessageRequest creates a task (no TaskID) or appends to one (TaskID
// set). AgentID optionally names the caller explicitly, overriding the
// token-derived identity.
type SendMessageRequest struct {
	TaskID   string             `json:"taskId,omitempty"`
	AgentID  string             `json:"agentId,omitempty"`
	Name     string             `json:"name,omitempty"`
	Priority types.TaskPriority `json:"priority,omitempty"`
	Metadata map[string]string  `json:"metadata,omitempty"`
	Message  MessagePayload     `json:"message"`
}

// SendMessageResponse acknowledges message submission. Status is always
// "SUBMITTED": it acknowledges the submission, not the task's current state.
type SendMessageResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// CancelResponse acknowledges an (idempotent) cancel.
type CancelResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// CSRFTokenResponse carries a freshly issued single-use token.
type CSRFTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// writeJSON writes any payload with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a 200 envelope around data.
func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// writeError converts a structured error into the failure envelope. Internal
// details never reach the client: anything without a taxonomy code becomes an
// opaque INTERNAL_ERROR.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	e, ok := err.(*types.Error)
	if !ok {
		if logger != nil {
			logger.Error("unexpected handler error", zap.Error(err))
		}
		e = types.NewError(types.ErrInternalError, "internal error")
	}

	status := e.HTTPStatus
	if status == 0 {
		status = types.HTTPStatusFor(e.Code)
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}

	if logger != nil {
		logger.Warn("request failed",
			zap.String("code", string(e.Code)),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}

	writeJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       string(e.Code),
			Message:    e.Message,
			RetryAfter: e.RetryAfter,
		},
	})
}
