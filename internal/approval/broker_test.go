//go:build unix

package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/pkg/types"
)

func newTestChannel(t *testing.T) (*policy.Store, *Manager, *Broker) {
	t.Helper()
	dir := t.TempDir()
	store, err := policy.NewStore(filepath.Join(dir, "policy.json"))
	require.NoError(t, err)

	manager := NewManager()
	listener := NewListener(store, manager, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, listener.Start(ctx, filepath.Join(dir, "approval.sock")))
	t.Cleanup(func() { listener.Close() })

	return store, manager, NewBroker(store, time.Second, nil)
}

// resolveWhenPending answers the next prompt the listener registers.
func resolveWhenPending(t *testing.T, manager *Manager, decision types.Decision) {
	t.Helper()
	go func() {
		select {
		case p := <-manager.Notifications():
			manager.Resolve(p.RunID, decision)
		case <-time.After(5 * time.Second):
			t.Error("no prompt arrived")
		}
	}()
}

func TestBroker_RoundTrip(t *testing.T) {
	_, manager, broker := newTestChannel(t)
	resolveWhenPending(t, manager, types.DecisionAllowOnce)

	decision, err := broker.Request(context.Background(), Prompt{
		RunID:   "run-1",
		AgentID: "a1",
		Command: "git",
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAllowOnce, decision)
}

func TestBroker_AllowAlwaysPersists(t *testing.T) {
	store, manager, broker := newTestChannel(t)
	resolveWhenPending(t, manager, types.DecisionAllowAlways)

	decision, err := broker.Request(context.Background(), Prompt{
		RunID:                  "run-2",
		AgentID:                "a1",
		Command:                "git",
		ResolvedExecutablePath: "/usr/bin/git",
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAllowAlways, decision)

	p, err := store.Agent("a1")
	require.NoError(t, err)
	require.Len(t, p.Allowlist, 1)
	assert.Equal(t, "/usr/bin/git", p.Allowlist[0].Pattern)
	assert.Equal(t, "git", p.Allowlist[0].LastUsedCommand)
}

func TestBroker_DenyDoesNotPersist(t *testing.T) {
	store, manager, broker := newTestChannel(t)
	resolveWhenPending(t, manager, types.DecisionDeny)

	decision, err := broker.Request(context.Background(), Prompt{
		RunID:   "run-3",
		AgentID: "a1",
		Command: "rm",
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionDeny, decision)

	p, err := store.Agent("a1")
	require.NoError(t, err)
	assert.Empty(t, p.Allowlist)
}

func TestBroker_UnavailableWithoutListener(t *testing.T) {
	dir := t.TempDir()
	store, err := policy.NewStore(filepath.Join(dir, "policy.json"))
	require.NoError(t, err)

	broker := NewBroker(store, 200*time.Millisecond, nil)

	// No socket recorded at all.
	_, err = broker.Request(context.Background(), Prompt{RunID: "run-4"}, time.Second)
	require.ErrorIs(t, err, ErrUnavailable)

	// Socket recorded but nothing listening.
	_, err = store.RotateSocket(filepath.Join(dir, "gone.sock"))
	require.NoError(t, err)
	_, err = broker.Request(context.Background(), Prompt{RunID: "run-5"}, time.Second)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestBroker_StaleTokenRejected(t *testing.T) {
	store, _, broker := newTestChannel(t)

	// Rotating the document token out from under the running listener
	// leaves the listener expecting the old one. The connection must be
	// rejected as unauthorized, not treated as UI-unavailable.
	sock, err := store.Socket()
	require.NoError(t, err)
	_, err = store.RotateSocket(sock.Path)
	require.NoError(t, err)

	_, err = broker.Request(context.Background(), Prompt{RunID: "run-6", AgentID: "a1", Command: "git"}, time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestBroker_CancellationUnwinds(t *testing.T) {
	_, _, broker := newTestChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := broker.Request(ctx, Prompt{RunID: "run-7", AgentID: "a1", Command: "git"}, 30*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestManager_DuplicateDecisionIgnored(t *testing.T) {
	m := NewManager()
	ch := m.Add(Prompt{RunID: "run-8"})

	require.True(t, m.Resolve("run-8", types.DecisionAllowOnce))
	require.False(t, m.Resolve("run-8", types.DecisionDeny))

	assert.Equal(t, types.DecisionAllowOnce, <-ch)
}

func TestManager_List(t *testing.T) {
	m := NewManager()
	m.Add(Prompt{RunID: "run-9", Command: "git"})
	m.Add(Prompt{RunID: "run-10", Command: "rm"})

	pending := m.List()
	assert.Len(t, pending, 2)

	m.Remove("run-9")
	assert.Len(t, m.List(), 1)
}
