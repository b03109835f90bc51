package types

import "time"

// ExecRequest is one exec tool call. It is created by the calling tool
// layer, consumed by the dispatcher, and never persisted beyond the
// lifetime of one execution.
type ExecRequest struct {
	RunID   string            `json:"run_id"`
	AgentID string            `json:"agent_id"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Routing parameters. Empty values fall through the resolution
	// chain (agent override, then global default).
	Host     HostKind     `json:"host,omitempty"`
	Node     string       `json:"node,omitempty"`
	Security SecurityMode `json:"security,omitempty"`
	Ask      AskMode      `json:"ask,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// ExecResult is the collaborator executor's view of a finished command.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Output   []byte `json:"output,omitempty"`

	OutputTruncated  bool  `json:"output_truncated,omitempty"`
	OutputTotalBytes int64 `json:"output_total_bytes,omitempty"`

	DurationMs int64 `json:"duration_ms"`
}

// OutcomeState is the terminal state of a dispatched request.
type OutcomeState string

const (
	OutcomeCompleted OutcomeState = "completed"
	OutcomeDenied    OutcomeState = "denied"
	OutcomeFailed    OutcomeState = "failed"
)

// Outcome is what the dispatcher reports back to the tool layer.
type Outcome struct {
	RunID  string       `json:"run_id"`
	State  OutcomeState `json:"state"`
	Reason string       `json:"reason,omitempty"`

	Host HostKind `json:"host"`
	Node string   `json:"node,omitempty"`

	Result *ExecResult `json:"result,omitempty"`
}
