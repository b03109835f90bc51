package approval

import (
	"sync"
	"time"

	"github.com/agentsh/execgate/pkg/types"
)

// PendingPrompt is a prompt awaiting a human decision, as shown by the
// approving UI.
type PendingPrompt struct {
	Prompt    Prompt    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager tracks prompts delivered to the UI and routes decisions back
// to the waiting connection. A second decision for the same runId is
// ignored.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pending
	notify  chan Prompt
}

type pending struct {
	prompt    Prompt
	createdAt time.Time
	ch        chan types.Decision
}

func NewManager() *Manager {
	return &Manager{
		pending: make(map[string]*pending),
		notify:  make(chan Prompt, 64),
	}
}

// Notifications delivers each new prompt as it arrives. Slow readers
// miss notifications but List still shows everything pending.
func (m *Manager) Notifications() <-chan Prompt {
	return m.notify
}

// Add registers a prompt and returns the channel its decision will
// arrive on. Duplicate runIds replace the stale entry; the old waiter
// is released with a deny so it cannot hang forever.
func (m *Manager) Add(p Prompt) <-chan types.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.pending[p.RunID]; ok {
		select {
		case old.ch <- types.DecisionDeny:
		default:
		}
	}
	entry := &pending{prompt: p, createdAt: time.Now().UTC(), ch: make(chan types.Decision, 1)}
	m.pending[p.RunID] = entry
	select {
	case m.notify <- p:
	default:
	}
	return entry.ch
}

// Remove drops a prompt without resolving it (connection closed,
// runner gave up).
func (m *Manager) Remove(runID string) {
	m.mu.Lock()
	delete(m.pending, runID)
	m.mu.Unlock()
}

// Resolve delivers a decision for runID. Returns false if the prompt
// is unknown or was already resolved.
func (m *Manager) Resolve(runID string, decision types.Decision) bool {
	m.mu.Lock()
	p, ok := m.pending[runID]
	if ok {
		delete(m.pending, runID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.ch <- decision:
	default:
	}
	return true
}

// List returns the prompts currently awaiting a decision.
func (m *Manager) List() []PendingPrompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingPrompt, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, PendingPrompt{Prompt: p.prompt, CreatedAt: p.createdAt})
	}
	return out
}
