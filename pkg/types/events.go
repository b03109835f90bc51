package types

import "time"

// Event types emitted over a request's lifecycle.
const (
	EventExecStarted  = "exec.started"
	EventExecFinished = "exec.finished"
	EventExecDenied   = "exec.denied"
)

// Event is a session-visible lifecycle event, consumed by the agent on
// its next turn. Delivery is fire-and-forget and decoupled from the
// execution itself.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	RunID     string    `json:"run_id,omitempty"`

	Host HostKind `json:"host,omitempty"`
	Node string   `json:"node,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

// EventQuery filters stored events.
type EventQuery struct {
	AgentID string
	RunID   string
	Types   []string
	Since   *time.Time
	Until   *time.Time

	Limit  int
	Offset int
	Asc    bool
}
