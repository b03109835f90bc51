package policy

import (
	"fmt"
	"sync"

	"github.com/agentsh/execgate/pkg/types"
)

// Effective is the resolved (host, security, ask, node) tuple for one
// request, plus the allowlist snapshot the dispatcher matches against.
type Effective struct {
	Host        types.HostKind
	Node        string
	Security    types.SecurityMode
	Ask         types.AskMode
	AskFallback types.SecurityMode

	Allowlist              []AllowlistEntry
	AutoAllowSkillBinaries bool
	SkillBinDir            string
}

// InvalidHostError reports a request that pinned host=node but whose
// node reference did not resolve to a connected node.
type InvalidHostError struct {
	Host types.HostKind
	Ref  string
	Err  error
}

func (e *InvalidHostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid host %q: node ref %q: %v", e.Host, e.Ref, e.Err)
	}
	return fmt.Sprintf("invalid host %q: no node resolves", e.Host)
}

func (e *InvalidHostError) Unwrap() error { return e.Err }

// NodeResolver resolves a logical node reference (id, display name,
// IP, or id prefix) to exactly one connected node. An empty ref is
// legal only when exactly one node is connected.
type NodeResolver interface {
	ResolveRef(ref string) (types.Node, error)
}

// RoutingDefaults is the configuration-level fallback for the routing
// axes. Zero values fall through to the hardcoded safe defaults.
type RoutingDefaults struct {
	Host        types.HostKind
	Node        string
	Security    types.SecurityMode
	Ask         types.AskMode
	AskFallback types.SecurityMode
}

// AgentRouting is a per-agent configuration override for routing.
type AgentRouting struct {
	Host types.HostKind
	Node string
}

// Resolver merges tool-call parameters, stored per-agent policy, and
// global configuration into an effective policy. Each axis resolves
// independently: a caller may pin host while leaving security to fall
// through to agent config.
type Resolver struct {
	store       *Store
	nodes       NodeResolver
	skillBinDir string

	mu       sync.RWMutex
	defaults RoutingDefaults
	agents   map[string]AgentRouting
}

// NewResolver builds a resolver over a read-only snapshot of the
// routing configuration. The store is consulted live on each resolve
// so allow-always decisions take effect immediately.
func NewResolver(store *Store, nodes NodeResolver, defaults RoutingDefaults, agents map[string]AgentRouting, skillBinDir string) *Resolver {
	return &Resolver{store: store, nodes: nodes, defaults: defaults, agents: agents, skillBinDir: skillBinDir}
}

// SetRouting swaps the configuration-level routing in place, for
// config hot reload. Stored per-agent policy is unaffected.
func (r *Resolver) SetRouting(defaults RoutingDefaults, agents map[string]AgentRouting) {
	r.mu.Lock()
	r.defaults = defaults
	r.agents = agents
	r.mu.Unlock()
}

// Resolve computes the effective policy for req. Pure over its inputs
// and the current stored policy; no side effects.
func (r *Resolver) Resolve(req types.ExecRequest) (Effective, error) {
	stored, err := r.store.Agent(req.AgentID)
	if err != nil {
		return Effective{}, err
	}

	eff := Effective{
		Allowlist:              stored.Allowlist,
		AutoAllowSkillBinaries: stored.AutoAllowSkillBinaries,
		SkillBinDir:            r.skillBinDir,
	}

	r.mu.RLock()
	defaults := r.defaults
	agentCfg := r.agents[req.AgentID]
	r.mu.RUnlock()

	eff.Host = firstHost(req.Host, agentCfg.Host, defaults.Host, types.HostSandbox)
	eff.Security = firstSecurity(req.Security, stored.Security, defaults.Security, types.SecurityDeny)
	eff.Ask = firstAsk(req.Ask, stored.Ask, defaults.Ask, types.AskOnMiss)
	eff.AskFallback = firstSecurity("", stored.AskFallback, defaults.AskFallback, types.SecurityDeny)

	if eff.Host == types.HostNode {
		ref := firstString(req.Node, agentCfg.Node, defaults.Node)
		if r.nodes == nil {
			return Effective{}, &InvalidHostError{Host: eff.Host, Ref: ref}
		}
		node, err := r.nodes.ResolveRef(ref)
		if err != nil {
			return Effective{}, &InvalidHostError{Host: eff.Host, Ref: ref, Err: err}
		}
		eff.Node = node.ID
	}
	// A node ref with host pinned elsewhere is ignored rather than an
	// error, to keep the surface forgiving to callers.

	return eff, nil
}

func firstHost(vals ...types.HostKind) types.HostKind {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstSecurity(vals ...types.SecurityMode) types.SecurityMode {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstAsk(vals ...types.AskMode) types.AskMode {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
