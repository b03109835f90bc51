package dispatch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/internal/allowlist"
	"github.com/agentsh/execgate/internal/approval"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/nodes"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/pkg/types"
)

type fakePaths struct{}

func (fakePaths) LookPath(command string) (string, error) {
	if command == "nosuch" {
		return "", fmt.Errorf("%s: executable file not found in $PATH", command)
	}
	if strings.HasPrefix(command, "skill-") {
		return "/home/dev/.skills/bin/" + command, nil
	}
	return "/usr/bin/" + command, nil
}

func (fakePaths) Home() string { return "/home/dev" }

type fakeBroker struct {
	decision types.Decision
	err      error
	prompts  []approval.Prompt
}

func (f *fakeBroker) Request(_ context.Context, p approval.Prompt, _ time.Duration) (types.Decision, error) {
	f.prompts = append(f.prompts, p)
	return f.decision, f.err
}

type fakeExecutor struct {
	exitCode int
	output   string
	err      error
	runs     int
	lastReq  types.ExecRequest
	target   Target
}

func (f *fakeExecutor) Run(_ context.Context, target Target, req types.ExecRequest, out io.Writer) (int, error) {
	f.runs++
	f.lastReq = req
	f.target = target
	if f.output != "" {
		_, _ = io.WriteString(out, f.output)
	}
	return f.exitCode, f.err
}

type captureStore struct {
	events []types.Event
}

func (c *captureStore) AppendEvent(_ context.Context, ev types.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *captureStore) kinds() []string {
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	store    *policy.Store
	registry *nodes.Registry
	broker   *fakeBroker
	executor *fakeExecutor
	audit    *captureStore
	d        *Dispatcher
}

func newHarness(t *testing.T, defaults policy.RoutingDefaults) *harness {
	t.Helper()
	store, err := policy.NewStore(filepath.Join(t.TempDir(), "policy.json"))
	require.NoError(t, err)

	registry := nodes.NewRegistry(nil)
	broker := &fakeBroker{decision: types.DecisionAllowOnce}
	executor := &fakeExecutor{}
	audit := &captureStore{}

	d := New(Config{
		Resolver: policy.NewResolver(store, registry, defaults, nil, "/home/dev/.skills/bin"),
		Store:    store,
		Matcher:  allowlist.NewMatcher(fakePaths{}, nil),
		Broker:   broker,
		Executor: executor,
		Emitter:  events.NewEmitter(events.NewBroker(nil), audit, nil, nil),
	})
	return &harness{store: store, registry: registry, broker: broker, executor: executor, audit: audit, d: d}
}

func gatewayDefaults(security types.SecurityMode, ask types.AskMode) policy.RoutingDefaults {
	return policy.RoutingDefaults{Host: types.HostGateway, Security: security, Ask: ask}
}

func req(command string) types.ExecRequest {
	return types.ExecRequest{AgentID: "a1", RunID: "run-1", Command: command}
}

func TestDispatch_SandboxBypassesPolicy(t *testing.T) {
	h := newHarness(t, policy.RoutingDefaults{Host: types.HostSandbox, Security: types.SecurityDeny})

	out := h.d.Dispatch(context.Background(), req("rm"))
	assert.Equal(t, types.OutcomeCompleted, out.State)
	assert.Equal(t, 1, h.executor.runs)
	assert.Empty(t, h.broker.prompts)
	assert.Equal(t, []string{types.EventExecStarted, types.EventExecFinished}, h.audit.kinds())
}

func TestDispatch_DenyModeAlwaysDenies(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityDeny, types.AskAlways))
	require.NoError(t, h.store.UpsertAllowlistEntry("a1", "/usr/bin/git", "", ""))

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeDenied, out.State)
	assert.Equal(t, 0, h.executor.runs)
	assert.Empty(t, h.broker.prompts)
	assert.Equal(t, []string{types.EventExecDenied}, h.audit.kinds())
}

func TestDispatch_FullWithAskOffExecutes(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityFull, types.AskOff))

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeCompleted, out.State)
	assert.Equal(t, 1, h.executor.runs)
	assert.Empty(t, h.broker.prompts)
}

func TestDispatch_FullWithOnMissPrompts(t *testing.T) {
	// With no allowlist to miss against, on-miss under full behaves
	// like always.
	h := newHarness(t, gatewayDefaults(types.SecurityFull, types.AskOnMiss))

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeCompleted, out.State)
	require.Len(t, h.broker.prompts, 1)
	assert.Equal(t, "/usr/bin/git", h.broker.prompts[0].ResolvedExecutablePath)
}

func TestDispatch_AllowlistMatchExecutesWithoutPrompt(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityAllowlist, types.AskOnMiss))
	require.NoError(t, h.store.UpsertAllowlistEntry("a1", "/usr/bin/git", "", ""))

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeCompleted, out.State)
	assert.Empty(t, h.broker.prompts)

	// A successful match refreshes the entry's usage metadata.
	p, err := h.store.Agent("a1")
	require.NoError(t, err)
	require.Len(t, p.Allowlist, 1)
	assert.Equal(t, "git", p.Allowlist[0].LastUsedCommand)
	assert.Equal(t, "/usr/bin/git", p.Allowlist[0].LastResolvedPath)
}

func TestDispatch_AllowlistMatchWithAskAlwaysPrompts(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityAllowlist, types.AskAlways))
	require.NoError(t, h.store.UpsertAllowlistEntry("a1", "/usr/bin/git", "", ""))

	h.broker.decision = types.DecisionDeny
	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeDenied, out.State)
	require.Len(t, h.broker.prompts, 1)
	assert.Equal(t, "/usr/bin/git", h.broker.prompts[0].Pattern)
	assert.Equal(t, 0, h.executor.runs)
}

func TestDispatch_AllowlistMissWithAskOffDenies(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityAllowlist, types.AskOff))

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeDenied, out.State)
	assert.Empty(t, h.broker.prompts)
	require.Len(t, h.audit.events, 1)
	assert.Equal(t, types.EventExecDenied, h.audit.events[0].Type)
	assert.NotEmpty(t, h.audit.events[0].Fields["reason"])
}

func TestDispatch_AllowlistMissPromptsAndObeysDecision(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityAllowlist, types.AskOnMiss))

	h.broker.decision = types.DecisionAllowOnce
	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeCompleted, out.State)
	require.Len(t, h.broker.prompts, 1)

	h.broker.decision = types.DecisionDeny
	out = h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeDenied, out.State)
	assert.Equal(t, 1, h.executor.runs)
}

func TestDispatch_SkillBinaryAutoAllow(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityAllowlist, types.AskOnMiss))
	require.NoError(t, h.store.SetAgent("a1", policy.AgentPolicy{AutoAllowSkillBinaries: true}))

	out := h.d.Dispatch(context.Background(), req("skill-fmt-check"))
	assert.Equal(t, types.OutcomeCompleted, out.State)
	assert.Empty(t, h.broker.prompts)

	// Without the flag the same command misses and prompts.
	require.NoError(t, h.store.SetAgent("a1", policy.AgentPolicy{}))
	out = h.d.Dispatch(context.Background(), req("skill-fmt-check"))
	assert.Equal(t, types.OutcomeCompleted, out.State)
	assert.Len(t, h.broker.prompts, 1)
}

func TestDispatch_FallbackDeny(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityAllowlist, types.AskOnMiss))
	h.broker.err = approval.ErrUnavailable
	h.broker.decision = ""

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeDenied, out.State)
	assert.Equal(t, 0, h.executor.runs)
	assert.Contains(t, out.Reason, "fallback")
}

func TestDispatch_FallbackFullExecutes(t *testing.T) {
	h := newHarness(t, policy.RoutingDefaults{
		Host:        types.HostGateway,
		Security:    types.SecurityAllowlist,
		Ask:         types.AskOnMiss,
		AskFallback: types.SecurityFull,
	})
	h.broker.err = approval.ErrUnavailable

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeCompleted, out.State)
	assert.Equal(t, 1, h.executor.runs)
}

func TestDispatch_FallbackAllowlist(t *testing.T) {
	defaults := policy.RoutingDefaults{
		Host:        types.HostGateway,
		Security:    types.SecurityFull,
		Ask:         types.AskAlways,
		AskFallback: types.SecurityAllowlist,
	}

	h := newHarness(t, defaults)
	h.broker.err = approval.ErrUnavailable
	require.NoError(t, h.store.UpsertAllowlistEntry("a1", "/usr/bin/git", "", ""))

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeCompleted, out.State)

	out = h.d.Dispatch(context.Background(), req("curl"))
	assert.Equal(t, types.OutcomeDenied, out.State)
	assert.Equal(t, 1, h.executor.runs)
}

func TestDispatch_UnresolvableNodeDenied(t *testing.T) {
	h := newHarness(t, policy.RoutingDefaults{Host: types.HostNode, Node: "gone", Security: types.SecurityFull, Ask: types.AskOff})

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeDenied, out.State)
	assert.Contains(t, out.Reason, "gone")
	assert.Equal(t, 0, h.executor.runs)
	require.Len(t, h.audit.events, 1)
	assert.Equal(t, types.EventExecDenied, h.audit.events[0].Type)
}

func TestDispatch_NodeResolvedTarget(t *testing.T) {
	h := newHarness(t, policy.RoutingDefaults{Host: types.HostNode, Security: types.SecurityFull, Ask: types.AskOff})
	require.NoError(t, h.registry.Register(types.Node{ID: "node-aaa111", Name: "builder"}))

	out := h.d.Dispatch(context.Background(), types.ExecRequest{
		AgentID: "a1", Command: "git", Node: "builder",
	})
	assert.Equal(t, types.OutcomeCompleted, out.State)
	assert.Equal(t, "node-aaa111", h.executor.target.Node)
	assert.Equal(t, "node-aaa111", out.Node)
}

func TestDispatch_AssignsRunID(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityFull, types.AskOff))

	out := h.d.Dispatch(context.Background(), types.ExecRequest{AgentID: "a1", Command: "git"})
	assert.NotEmpty(t, out.RunID)
}

func TestDispatch_ExecutorFailure(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityFull, types.AskOff))
	h.executor.err = fmt.Errorf("transport closed")
	h.executor.exitCode = -1

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeFailed, out.State)
	assert.Contains(t, out.Reason, "transport closed")
	assert.Equal(t, []string{types.EventExecStarted, types.EventExecFinished}, h.audit.kinds())
}

func TestDispatch_ExecutorTimeout(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityFull, types.AskOff))
	h.executor.err = context.DeadlineExceeded

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeFailed, out.State)
	assert.Equal(t, ErrExecutorTimeout.Error(), out.Reason)
	require.NotNil(t, out.Result)
	assert.Equal(t, -1, out.Result.ExitCode)
}

func TestDispatch_NonZeroExitIsCompleted(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityFull, types.AskOff))
	h.executor.exitCode = 2

	out := h.d.Dispatch(context.Background(), req("git"))
	assert.Equal(t, types.OutcomeCompleted, out.State)
	require.NotNil(t, out.Result)
	assert.Equal(t, 2, out.Result.ExitCode)
}

func TestDispatch_OutputTruncation(t *testing.T) {
	h := newHarness(t, gatewayDefaults(types.SecurityFull, types.AskOff))
	big := make([]byte, MaxOutputBytes+TailOutputBytes)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	h.executor.output = string(big)

	out := h.d.Dispatch(context.Background(), req("git"))
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.OutputTruncated)
	assert.Len(t, out.Result.Output, MaxOutputBytes)
	assert.Equal(t, int64(len(big)), out.Result.OutputTotalBytes)

	// The finished event carries the tail plus the marker.
	var finished *types.Event
	for i := range h.audit.events {
		if h.audit.events[i].Type == types.EventExecFinished {
			finished = &h.audit.events[i]
		}
	}
	require.NotNil(t, finished)
	tail := finished.Fields["output_tail"].(string)
	assert.Len(t, tail, TailOutputBytes+len(TruncationMarker))
	assert.Equal(t, string(big[len(big)-TailOutputBytes:]), tail[:TailOutputBytes])
	assert.Equal(t, TruncationMarker, tail[TailOutputBytes:])
	assert.Equal(t, true, finished.Fields["output_truncated"])
}
