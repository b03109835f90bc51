package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/pkg/types"
)

// ErrUnavailable reports that no approving UI listener was reachable,
// or that a connected UI did not answer in time. The dispatcher
// converts it into askFallback behavior; it is never surfaced as a
// hard failure on its own.
var ErrUnavailable = errors.New("approval ui unavailable")

// DefaultConnectTimeout bounds the dial to the UI listener. A missing
// UI must be detected quickly so fallback applies instead of blocking
// the runner.
const DefaultConnectTimeout = 2 * time.Second

// Broker is the runner side of the approval channel.
type Broker struct {
	store          *policy.Store
	connectTimeout time.Duration
	logger         *slog.Logger
}

// NewBroker builds a broker that reads the socket path and token from
// store on every request, so a UI restart (which rotates the token) is
// picked up without runner restarts.
func NewBroker(store *policy.Store, connectTimeout time.Duration, logger *slog.Logger) *Broker {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:          store,
		connectTimeout: connectTimeout,
		logger:         logger.With("component", "approval-broker"),
	}
}

// Request asks the UI for a decision on prompt, waiting at most
// timeout. Cancellation of ctx unwinds the wait so a late decision
// cannot execute a no-longer-wanted command.
//
// An allow-always decision is written back through the policy store
// before Request returns, so the allowlist update is durable before
// execution proceeds.
func (b *Broker) Request(ctx context.Context, prompt Prompt, timeout time.Duration) (types.Decision, error) {
	sock, err := b.store.Socket()
	if err != nil {
		return "", err
	}
	if sock.Path == "" || sock.Token == "" {
		return "", ErrUnavailable
	}

	dialer := net.Dialer{Timeout: b.connectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", sock.Path)
	if err != nil {
		b.logger.Debug("approval listener unreachable", "socket", sock.Path)
		return "", ErrUnavailable
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	// Cancellation must also unblock the read below.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	if err := enc.Encode(hello{Token: sock.Token}); err != nil {
		return "", ErrUnavailable
	}
	var ack ackFrame
	if err := dec.Decode(&ack); err != nil {
		return "", ErrUnavailable
	}
	if !ack.OK {
		return "", fmt.Errorf("approval handshake rejected: %s", ack.Error)
	}

	if err := enc.Encode(prompt); err != nil {
		return "", ErrUnavailable
	}

	var frame decisionFrame
	if err := dec.Decode(&frame); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Timeout or UI went away mid-prompt: fall back, do not retry
		// the same prompt.
		return "", ErrUnavailable
	}
	if frame.RunID != prompt.RunID {
		return "", fmt.Errorf("approval response for wrong run %q", frame.RunID)
	}
	decision, err := types.ParseDecision(string(frame.Decision))
	if err != nil {
		return "", err
	}

	if decision == types.DecisionAllowAlways {
		pattern := prompt.Pattern
		if pattern == "" {
			pattern = prompt.ResolvedExecutablePath
		}
		if err := b.store.UpsertAllowlistEntry(prompt.AgentID, pattern, prompt.Command, prompt.ResolvedExecutablePath); err != nil {
			return "", fmt.Errorf("persist allow-always: %w", err)
		}
	}
	return decision, nil
}
