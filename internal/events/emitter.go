package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/execgate/pkg/types"
)

// Store persists events for later search. Append failures are logged
// and swallowed: execution and notification are decoupled.
type Store interface {
	AppendEvent(ctx context.Context, ev types.Event) error
}

// NodeRelay forwards an event across the executor transport so the
// initiating gateway learns the outcome of a command that ran on a
// remote node.
type NodeRelay interface {
	RelayEvent(ctx context.Context, nodeID string, ev types.Event) error
}

// Emitter converts lifecycle transitions into structured events.
type Emitter struct {
	broker *Broker
	store  Store
	relay  NodeRelay
	logger *slog.Logger
}

func NewEmitter(broker *Broker, store Store, relay NodeRelay, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{broker: broker, store: store, relay: relay, logger: logger.With("component", "events")}
}

// Started emits exec.started.
func (e *Emitter) Started(ctx context.Context, req types.ExecRequest, host types.HostKind, node string) {
	e.emit(ctx, types.Event{
		Type:    types.EventExecStarted,
		AgentID: req.AgentID,
		RunID:   req.RunID,
		Host:    host,
		Node:    node,
		Fields: map[string]any{
			"command": req.Command,
		},
	})
}

// Finished emits exec.finished with the exit code and the capped
// output tail.
func (e *Emitter) Finished(ctx context.Context, req types.ExecRequest, host types.HostKind, node string, exitCode int, outputTail []byte, truncated bool) {
	fields := map[string]any{
		"exit_code":   exitCode,
		"output_tail": string(outputTail),
	}
	if truncated {
		fields["output_truncated"] = true
	}
	e.emit(ctx, types.Event{
		Type:    types.EventExecFinished,
		AgentID: req.AgentID,
		RunID:   req.RunID,
		Host:    host,
		Node:    node,
		Fields:  fields,
	})
}

// Denied emits exec.denied with a human-readable reason. Nothing fails
// silently from the agent's perspective.
func (e *Emitter) Denied(ctx context.Context, req types.ExecRequest, host types.HostKind, node string, policy, reason string) {
	e.emit(ctx, types.Event{
		Type:    types.EventExecDenied,
		AgentID: req.AgentID,
		RunID:   req.RunID,
		Host:    host,
		Node:    node,
		Fields: map[string]any{
			"policy": policy,
			"reason": reason,
		},
	})
}

func (e *Emitter) emit(ctx context.Context, ev types.Event) {
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()

	if e.store != nil {
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			e.logger.Warn("append event failed", "type", ev.Type, "error", err)
		}
	}
	if e.broker != nil {
		e.broker.Publish(ev)
	}
	if e.relay != nil && ev.Host == types.HostNode && ev.Node != "" {
		if err := e.relay.RelayEvent(ctx, ev.Node, ev); err != nil {
			e.logger.Warn("relay event failed", "node", ev.Node, "type", ev.Type, "error", err)
		}
	}
}
