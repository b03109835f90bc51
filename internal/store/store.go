// Package store defines the durable audit surface for execution
// lifecycle events.
package store

import (
	"context"

	"github.com/agentsh/execgate/pkg/types"
)

// EventStore persists lifecycle events for later search. The live
// session queue is the in-memory broker; this is the audit trail.
type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}
