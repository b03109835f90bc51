package approval

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/agentsh/execgate/internal/policy"
)

// Listener is the UI side of the approval channel. Starting it rotates
// the capability token in the policy document, invalidating any runner
// that cached the previous one.
type Listener struct {
	store   *policy.Store
	manager *Manager
	logger  *slog.Logger

	ln    net.Listener
	token string
}

func NewListener(store *policy.Store, manager *Manager, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		store:   store,
		manager: manager,
		logger:  logger.With("component", "approval-listener"),
	}
}

// Start binds the unix socket at socketPath and begins accepting
// runner connections. The socket file is owner-only; it is never
// exposed over a network.
func (l *Listener) Start(ctx context.Context, socketPath string) error {
	if socketPath == "" {
		return fmt.Errorf("approval socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("mkdir socket dir: %w", err)
	}
	// A stale socket from a previous UI process blocks the bind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen approval socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	info, err := l.store.RotateSocket(socketPath)
	if err != nil {
		ln.Close()
		return err
	}
	l.ln = ln
	l.token = info.Token

	l.logger.Info("approval listener ready", "socket", socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go l.acceptLoop(ctx)
	return nil
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				l.logger.Warn("approval accept failed", "error", err)
			}
			return
		}
		go l.serve(ctx, conn)
	}
}

// serve handles one runner connection: token handshake, one prompt,
// one decision.
func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	var h hello
	if err := dec.Decode(&h); err != nil {
		return
	}
	if subtle.ConstantTimeCompare([]byte(h.Token), []byte(l.token)) != 1 {
		l.logger.Warn("approval connection rejected: bad token")
		_ = enc.Encode(ackFrame{OK: false, Error: "unauthorized"})
		return
	}
	if err := enc.Encode(ackFrame{OK: true}); err != nil {
		return
	}

	var prompt Prompt
	if err := dec.Decode(&prompt); err != nil {
		return
	}
	if prompt.RunID == "" {
		_ = enc.Encode(ackFrame{OK: false, Error: "missing run id"})
		return
	}

	l.logger.Info("approval requested",
		"run_id", prompt.RunID,
		"agent", prompt.AgentID,
		"command", prompt.Command,
		"host", prompt.HostMeta.Host,
	)

	ch := l.manager.Add(prompt)
	defer l.manager.Remove(prompt.RunID)

	// Detect the runner abandoning the prompt (outer timeout or
	// cancellation) so the pending entry does not linger in the UI.
	connClosed := make(chan struct{})
	go func() {
		var discard [1]byte
		_, _ = conn.Read(discard[:])
		close(connClosed)
	}()

	select {
	case decision := <-ch:
		_ = enc.Encode(decisionFrame{RunID: prompt.RunID, Decision: decision})
	case <-connClosed:
	case <-ctx.Done():
	}
}
