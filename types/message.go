package types

import "time"

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ValidMessageRole reports whether r is a member of the closed role set.
func ValidMessageRole(r MessageRole) bool {
	return r == RoleUser || r == RoleAssistant
}

// PartType identifies the content kind of a message part.
type PartType string

const (
	PartText PartType = "text"
	PartData PartType = "data"
)

// Part is one typed content element of a message. Text parts carry Text;
// data parts carry an opaque JSON payload the core passes through untouched.
type Part struct {
	Type PartType          `json:"type"`
	Text string            `json:"text,omitempty"`
	Data map[string]any    `json:"data,omitempty"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Message is one conversation entry of a task. Insertion order is the
// conversation order.
type Message struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"task_id"`
	Role      MessageRole `json:"role"`
	Parts     []Part      `json:"parts"`
	Timestamp time.Time   `json:"timestamp"`
}
