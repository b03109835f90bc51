// Package policy owns the durable per-agent execution policy: the
// on-disk policy document, the locked store that mutates it, and the
// resolver that merges request parameters, agent overrides, and global
// defaults into an effective policy.
package policy

import (
	"fmt"
	"time"

	"github.com/agentsh/execgate/pkg/types"
)

// CurrentVersion is the policy document schema version.
const CurrentVersion = 1

// Document is the persisted policy for one execution host. One file
// per host, owner-only permissions. The socket token is an opaque
// capability: generated once from a cryptographically secure source,
// rotated when the approving UI restarts, never logged.
type Document struct {
	Version  int                    `json:"version"`
	Socket   SocketInfo             `json:"socket"`
	Defaults AgentPolicy            `json:"defaults"`
	Agents   map[string]AgentPolicy `json:"agents,omitempty"`
}

// SocketInfo locates and authenticates the approval IPC channel.
type SocketInfo struct {
	Path  string `json:"path,omitempty"`
	Token string `json:"token,omitempty"`
}

// AgentPolicy is the per-agent slice of the document. Ask and security
// are independent axes; any combination is legal.
type AgentPolicy struct {
	Security    types.SecurityMode `json:"security,omitempty"`
	Ask         types.AskMode      `json:"ask,omitempty"`
	AskFallback types.SecurityMode `json:"askFallback,omitempty"`

	AutoAllowSkillBinaries bool `json:"autoAllowSkillBinaries,omitempty"`

	Allowlist []AllowlistEntry `json:"allowlist,omitempty"`
}

// AllowlistEntry pre-approves executables whose resolved path matches
// Pattern (case-insensitive glob, * within one path segment, ** across
// segments). Usage metadata is refreshed on every successful match.
type AllowlistEntry struct {
	Pattern          string `json:"pattern"`
	LastUsedAt       int64  `json:"lastUsedAt,omitempty"`
	LastUsedCommand  string `json:"lastUsedCommand,omitempty"`
	LastResolvedPath string `json:"lastResolvedPath,omitempty"`
}

// Touch refreshes the entry's usage metadata.
func (e *AllowlistEntry) Touch(command, resolvedPath string, at time.Time) {
	e.LastUsedAt = at.UnixMilli()
	e.LastUsedCommand = command
	e.LastResolvedPath = resolvedPath
}

// NewDocument returns an empty document. Unset axes fall through the
// resolver to the configuration defaults and finally to the hardcoded
// safe defaults, so an empty document still denies everything.
func NewDocument() *Document {
	return &Document{
		Version: CurrentVersion,
		Agents:  map[string]AgentPolicy{},
	}
}

// Validate performs minimal semantic validation of a document.
func (d *Document) Validate() error {
	if d.Version <= 0 {
		return fmt.Errorf("version must be > 0")
	}
	if err := d.Defaults.validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for id, ap := range d.Agents {
		if err := ap.validate(); err != nil {
			return fmt.Errorf("agent %q: %w", id, err)
		}
	}
	return nil
}

func (p AgentPolicy) validate() error {
	if p.Security != "" {
		if _, err := types.ParseSecurityMode(string(p.Security)); err != nil {
			return err
		}
	}
	if p.Ask != "" {
		if _, err := types.ParseAskMode(string(p.Ask)); err != nil {
			return err
		}
	}
	if p.AskFallback != "" {
		if _, err := types.ParseSecurityMode(string(p.AskFallback)); err != nil {
			return err
		}
	}
	return nil
}

// agent returns the policy for agentID with unset axes filled from the
// document defaults. Allowlists are strictly partitioned by agent and
// never inherited from defaults of other agents.
func (d *Document) agent(agentID string) AgentPolicy {
	p, ok := d.Agents[agentID]
	if !ok {
		p = AgentPolicy{AutoAllowSkillBinaries: d.Defaults.AutoAllowSkillBinaries}
	}
	if p.Security == "" {
		p.Security = d.Defaults.Security
	}
	if p.Ask == "" {
		p.Ask = d.Defaults.Ask
	}
	if p.AskFallback == "" {
		p.AskFallback = d.Defaults.AskFallback
	}
	return p
}
