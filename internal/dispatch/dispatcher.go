// Package dispatch routes an agent's exec request to the resolved
// host, gated by the effective security and ask policy.
//
// The request moves through a small state machine:
//
//	Resolving -> AllowlistCheck | Prompting | Executing | Denied
//
// with terminal states Completed, Denied, and Failed. The sandbox host
// skips the machine entirely: the sandbox boundary itself is the
// control.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/execgate/internal/allowlist"
	"github.com/agentsh/execgate/internal/approval"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/pkg/types"
)

// Broker asks a human for a decision on one prompt. Implemented by
// approval.Broker; a nil response with approval.ErrUnavailable makes
// the dispatcher apply askFallback.
type Broker interface {
	Request(ctx context.Context, prompt approval.Prompt, timeout time.Duration) (types.Decision, error)
}

// Dispatcher is the command-execution routing and approval engine.
type Dispatcher struct {
	resolver *policy.Resolver
	store    *policy.Store
	matcher  *allowlist.Matcher
	broker   Broker
	executor Executor
	emitter  *events.Emitter
	logger   *slog.Logger

	// approvalTimeout bounds the prompting wait when the request
	// carries no timeout of its own.
	approvalTimeout time.Duration
}

type Config struct {
	Resolver        *policy.Resolver
	Store           *policy.Store
	Matcher         *allowlist.Matcher
	Broker          Broker
	Executor        Executor
	Emitter         *events.Emitter
	Logger          *slog.Logger
	ApprovalTimeout time.Duration
}

func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Dispatcher{
		resolver:        cfg.Resolver,
		store:           cfg.Store,
		matcher:         cfg.Matcher,
		broker:          cfg.Broker,
		executor:        cfg.Executor,
		emitter:         cfg.Emitter,
		logger:          logger.With("component", "dispatch"),
		approvalTimeout: timeout,
	}
}

// Dispatch resolves policy for req and drives it to a terminal state.
// Every outcome is observable: a denied command always yields an
// exec.denied event the agent can reason about and relay.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.ExecRequest) types.Outcome {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	eff, err := d.resolver.Resolve(req)
	if err != nil {
		d.emitter.Denied(ctx, req, req.Host, req.Node, "binding", err.Error())
		return types.Outcome{RunID: req.RunID, State: types.OutcomeDenied, Reason: err.Error(), Host: req.Host, Node: req.Node}
	}

	target := Target{Host: eff.Host, Node: eff.Node}

	// Requests to the sandbox execute unconditionally: the sandbox
	// boundary itself is the control.
	if eff.Host == types.HostSandbox {
		return d.execute(ctx, req, eff, target)
	}

	switch eff.Security {
	case types.SecurityDeny:
		return d.deny(ctx, req, eff, target, reasonPolicyDeny)

	case types.SecurityFull:
		if eff.Ask == types.AskOff {
			return d.execute(ctx, req, eff, target)
		}
		// There is no allowlist to "miss" against under full, so
		// on-miss behaves like always here.
		return d.prompt(ctx, req, eff, target, allowlist.MatchResult{})

	case types.SecurityAllowlist:
		match := d.check(req, eff)
		if match.Matched {
			if eff.Ask == types.AskAlways {
				return d.prompt(ctx, req, eff, target, match)
			}
			return d.execute(ctx, req, eff, target)
		}
		if eff.Ask == types.AskOff {
			return d.deny(ctx, req, eff, target, reasonNoMatch)
		}
		return d.prompt(ctx, req, eff, target, match)

	default:
		return d.deny(ctx, req, eff, target, reasonPolicyDeny)
	}
}

// check runs the allowlist matcher and, on a stored-entry hit,
// refreshes the entry's usage metadata.
func (d *Dispatcher) check(req types.ExecRequest, eff policy.Effective) allowlist.MatchResult {
	match := d.matcher.Matches(req.Command, eff.Allowlist)
	if !match.Matched && eff.AutoAllowSkillBinaries {
		match = d.matcher.MatchesSkillBin(req.Command, eff.SkillBinDir)
	}
	if match.Matched && match.Pattern != "" {
		if err := d.store.TouchAllowlistEntry(req.AgentID, match.Pattern, req.Command, match.ResolvedPath); err != nil {
			d.logger.Warn("touch allowlist entry failed", "agent", req.AgentID, "error", err)
		}
	}
	return match
}

// prompt asks the approving UI for a decision, falling back to the
// effective askFallback mode when no UI is reachable or it does not
// answer in time.
func (d *Dispatcher) prompt(ctx context.Context, req types.ExecRequest, eff policy.Effective, target Target, match allowlist.MatchResult) types.Outcome {
	resolved := match.ResolvedPath
	if resolved == "" {
		if m := d.matcher.Matches(req.Command, nil); m.ResolvedPath != "" {
			resolved = m.ResolvedPath
		}
	}

	p := approval.Prompt{
		RunID:                  req.RunID,
		AgentID:                req.AgentID,
		Command:                req.Command,
		Args:                   req.Args,
		Workdir:                req.Workdir,
		ResolvedExecutablePath: resolved,
		Pattern:                match.Pattern,
		HostMeta:               approval.HostMeta{Host: eff.Host, Node: eff.Node},
	}

	timeout := d.approvalTimeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}

	decision, err := d.broker.Request(ctx, p, timeout)
	switch {
	case err == nil:
		if decision.Allows() {
			return d.execute(ctx, req, eff, target)
		}
		return d.deny(ctx, req, eff, target, reasonApprovalDenied)

	case errors.Is(err, approval.ErrUnavailable):
		return d.fallback(ctx, req, eff, target)

	case ctx.Err() != nil:
		// Outer cancellation during prompting: the broker round-trip
		// is already unwound, a late decision cannot execute.
		return d.fail(ctx, req, eff, target, "timed out awaiting approval")

	default:
		return d.fail(ctx, req, eff, target, err.Error())
	}
}

// fallback applies askFallback as if it were the effective security
// mode, with no further prompting.
func (d *Dispatcher) fallback(ctx context.Context, req types.ExecRequest, eff policy.Effective, target Target) types.Outcome {
	d.logger.Info("approval ui unreachable, applying fallback",
		"run_id", req.RunID, "agent", req.AgentID, "fallback", eff.AskFallback)

	switch eff.AskFallback {
	case types.SecurityFull:
		return d.execute(ctx, req, eff, target)
	case types.SecurityAllowlist:
		if match := d.check(req, eff); match.Matched {
			return d.execute(ctx, req, eff, target)
		}
		return d.deny(ctx, req, eff, target, reasonFallbackNoMatch)
	default:
		return d.deny(ctx, req, eff, target, reasonFallbackDeny)
	}
}

func (d *Dispatcher) execute(ctx context.Context, req types.ExecRequest, eff policy.Effective, target Target) types.Outcome {
	d.emitter.Started(ctx, req, target.Host, target.Node)

	buf := newOutputBuffer()
	start := time.Now()
	exitCode, err := d.executor.Run(ctx, target, req, buf)
	duration := time.Since(start)

	if err != nil {
		reason := "executor failed: " + err.Error()
		state := types.OutcomeFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			reason = ErrExecutorTimeout.Error()
			exitCode = -1
		}
		// A timeout or crash is terminal, never silently retried.
		d.emitter.Finished(ctx, req, target.Host, target.Node, exitCode, buf.Tail(), buf.Truncated())
		return types.Outcome{
			RunID: req.RunID, State: state, Reason: reason,
			Host: target.Host, Node: target.Node,
			Result: &types.ExecResult{
				ExitCode:         exitCode,
				Output:           buf.Bytes(),
				OutputTruncated:  buf.Truncated(),
				OutputTotalBytes: buf.Total(),
				DurationMs:       duration.Milliseconds(),
			},
		}
	}

	d.emitter.Finished(ctx, req, target.Host, target.Node, exitCode, buf.Tail(), buf.Truncated())
	return types.Outcome{
		RunID: req.RunID, State: types.OutcomeCompleted,
		Host: target.Host, Node: target.Node,
		Result: &types.ExecResult{
			ExitCode:         exitCode,
			Output:           buf.Bytes(),
			OutputTruncated:  buf.Truncated(),
			OutputTotalBytes: buf.Total(),
			DurationMs:       duration.Milliseconds(),
		},
	}
}

func (d *Dispatcher) deny(ctx context.Context, req types.ExecRequest, eff policy.Effective, target Target, reason string) types.Outcome {
	d.emitter.Denied(ctx, req, target.Host, target.Node, string(eff.Security), reason)
	return types.Outcome{
		RunID: req.RunID, State: types.OutcomeDenied, Reason: reason,
		Host: target.Host, Node: target.Node,
	}
}

func (d *Dispatcher) fail(ctx context.Context, req types.ExecRequest, eff policy.Effective, target Target, reason string) types.Outcome {
	d.emitter.Denied(ctx, req, target.Host, target.Node, string(eff.Security), reason)
	return types.Outcome{
		RunID: req.RunID, State: types.OutcomeFailed, Reason: reason,
		Host: target.Host, Node: target.Node,
	}
}
