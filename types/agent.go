package types

import "time"

// AgentStatus is the registry-visible liveness state of a peer agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
	AgentStale    AgentStatus = "stale"
)

// Agent is one known peer in the local registry. Rows are mutated by
// heartbeat processing, never by task logic.
type Agent struct {
	AgentID       string      `json:"agent_id"`
	BaseURL       string      `json:"base_url"`
	Port          int         `json:"port"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// AgentCard is the static capability descriptor an agent publishes to peers.
type AgentCard struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	URL          string            `json:"url"`
	Version      string            `json:"version"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
