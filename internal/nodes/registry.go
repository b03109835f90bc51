// Package nodes tracks paired remote machines connected to the
// gateway and resolves logical node references to a concrete node.
package nodes

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentsh/execgate/pkg/types"
)

// MinPrefixLen is the minimum id-prefix length accepted when resolving
// a node by prefix.
const MinPrefixLen = 6

// NotFoundError reports a reference matching zero connected nodes.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	if e.Ref == "" {
		return "no nodes connected"
	}
	return fmt.Sprintf("no connected node matches %q", e.Ref)
}

// AmbiguousError reports a reference matching more than one connected
// node, or an empty reference while multiple nodes are connected. An
// agent is never allowed to silently pick "some" node.
type AmbiguousError struct {
	Ref     string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("multiple nodes connected (%s); a node reference is required", strings.Join(e.Matches, ", "))
	}
	return fmt.Sprintf("node ref %q is ambiguous: matches %s", e.Ref, strings.Join(e.Matches, ", "))
}

// Registry is the in-memory directory of connected nodes. Transports
// register a node when its session authenticates and unregister it on
// disconnect.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]types.Node
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:  make(map[string]types.Node),
		logger: logger.With("component", "nodes"),
	}
}

// Register adds or replaces a connected node.
func (r *Registry) Register(n types.Node) error {
	if n.ID == "" {
		return fmt.Errorf("node id is empty")
	}
	now := time.Now().UTC()
	if n.ConnectedAt.IsZero() {
		n.ConnectedAt = now
	}
	n.LastSeen = now

	r.mu.Lock()
	r.nodes[n.ID] = n
	r.mu.Unlock()

	r.logger.Info("node connected", "node", n.ID, "name", n.Name, "remote_ip", n.RemoteIP)
	return nil
}

// Unregister removes a node on disconnect.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.nodes[id]
	delete(r.nodes, id)
	r.mu.Unlock()

	if ok {
		r.logger.Info("node disconnected", "node", id)
	}
}

// Heartbeat refreshes a node's LastSeen timestamp.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	n.LastSeen = time.Now().UTC()
	r.nodes[id] = n
	return true
}

// Connected returns the connected nodes sorted by id.
func (r *Registry) Connected() []types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveRef resolves ref against the currently connected nodes.
func (r *Registry) ResolveRef(ref string) (types.Node, error) {
	return Resolve(ref, r.Connected())
}
