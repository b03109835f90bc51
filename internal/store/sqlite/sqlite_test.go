package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ev(id, agent, run string, typ string, at time.Time) types.Event {
	return types.Event{
		ID:        id,
		Timestamp: at,
		Type:      typ,
		AgentID:   agent,
		RunID:     run,
		Host:      types.HostGateway,
		Fields:    map[string]any{"command": "git"},
	}
}

func TestStore_AppendAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendEvent(ctx, ev("e1", "a1", "r1", types.EventExecStarted, base)))
	require.NoError(t, s.AppendEvent(ctx, ev("e2", "a1", "r1", types.EventExecFinished, base.Add(time.Second))))
	require.NoError(t, s.AppendEvent(ctx, ev("e3", "a2", "r2", types.EventExecDenied, base.Add(2*time.Second))))

	got, err := s.QueryEvents(ctx, types.EventQuery{AgentID: "a1", Asc: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e2", got[1].ID)
	assert.Equal(t, "git", got[0].Fields["command"])

	got, err = s.QueryEvents(ctx, types.EventQuery{RunID: "r2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.EventExecDenied, got[0].Type)

	got, err = s.QueryEvents(ctx, types.EventQuery{Types: []string{types.EventExecStarted, types.EventExecDenied}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStore_TimeRangeAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, ev(
			fmt.Sprintf("e%d", i), "a1", fmt.Sprintf("r%d", i),
			types.EventExecStarted, base.Add(time.Duration(i)*time.Minute))))
	}

	since := base.Add(time.Minute)
	until := base.Add(3 * time.Minute)
	got, err := s.QueryEvents(ctx, types.EventQuery{Since: &since, Until: &until, Asc: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e3", got[2].ID)

	// Default order is newest first.
	got, err = s.QueryEvents(ctx, types.EventQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e4", got[0].ID)

	got, err = s.QueryEvents(ctx, types.EventQuery{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ID)
}

func TestStore_RejectsMissingID(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendEvent(context.Background(), types.Event{AgentID: "a1"})
	require.Error(t, err)
}

func TestStore_ReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(context.Background(), ev("e1", "a1", "r1", types.EventExecStarted, time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.QueryEvents(context.Background(), types.EventQuery{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
