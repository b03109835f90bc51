// Package approval implements the local IPC channel between an
// execution runner and an optional approving UI.
//
// The UI hosts a unix-socket listener; the runner connects per prompt,
// authenticates with the capability token from the policy document,
// sends exactly one prompt, and awaits exactly one decision. The token
// never crosses a network link and is rotated whenever the UI
// restarts.
package approval

import "github.com/agentsh/execgate/pkg/types"

// Prompt is the IPC payload describing one pending command. One prompt
// maps to exactly one decision or one timeout.
type Prompt struct {
	RunID   string   `json:"run_id"`
	AgentID string   `json:"agent_id"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Workdir string   `json:"workdir,omitempty"`

	ResolvedExecutablePath string `json:"resolved_executable_path,omitempty"`

	// Pattern is the allowlist pattern an allow-always decision will
	// record. Defaults to the resolved path when empty.
	Pattern string `json:"pattern,omitempty"`

	HostMeta HostMeta `json:"host_meta"`
}

// HostMeta identifies where the command would run.
type HostMeta struct {
	Host types.HostKind `json:"host"`
	Node string         `json:"node,omitempty"`
}

// hello is the first frame on every runner connection.
type hello struct {
	Token string `json:"token"`
}

// decisionFrame is the UI's single response frame for a prompt.
type decisionFrame struct {
	RunID    string         `json:"run_id"`
	Decision types.Decision `json:"decision"`
}

// ackFrame reports handshake acceptance or rejection.
type ackFrame struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
