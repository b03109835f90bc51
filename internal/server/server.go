// Package server wires the gateway together: policy store, allowlist
// matcher, approval broker, node registry, dispatcher, event plumbing,
// and the local HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/agentsh/execgate/internal/allowlist"
	"github.com/agentsh/execgate/internal/api"
	"github.com/agentsh/execgate/internal/approval"
	"github.com/agentsh/execgate/internal/config"
	"github.com/agentsh/execgate/internal/dispatch"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/nodes"
	"github.com/agentsh/execgate/internal/policy"
	storepkg "github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/internal/store/sqlite"
	"github.com/agentsh/execgate/pkg/types"
)

type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	policies   *policy.Store
	registry   *nodes.Registry
	broker     *events.Broker
	audit      storepkg.EventStore
	executors  *dispatch.ExecutorRouter
	dispatcher *dispatch.Dispatcher
	approvals  *approval.Manager
	resolver   *policy.Resolver

	httpServer *http.Server
	httpLn     net.Listener

	mu sync.Mutex
}

// New assembles a gateway from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	policies, err := policy.NewStore(cfg.Policy.Path)
	if err != nil {
		return nil, err
	}

	registry := nodes.NewRegistry(logger)
	broker := events.NewBroker(logger)

	var audit storepkg.EventStore
	if cfg.Events.DBPath != "" {
		audit, err = sqlite.Open(cfg.Events.DBPath)
		if err != nil {
			return nil, err
		}
	}

	executors := dispatch.NewExecutorRouter()
	executors.Set(types.HostGateway, &dispatch.LocalExecutor{})
	executors.Set(types.HostSandbox, &dispatch.LocalExecutor{Workdir: cfg.Sandbox.Workdir})

	emitter := events.NewEmitter(broker, audit, nil, logger)

	resolver := policy.NewResolver(
		policies,
		registry,
		policy.RoutingDefaults{
			Host:        types.HostKind(cfg.Defaults.Host),
			Node:        cfg.Defaults.Node,
			Security:    types.SecurityMode(cfg.Defaults.Security),
			Ask:         types.AskMode(cfg.Defaults.Ask),
			AskFallback: types.SecurityMode(cfg.Defaults.AskFallback),
		},
		agentRouting(cfg.Agents),
		cfg.Policy.SkillBinDir,
	)

	matcher := allowlist.NewMatcher(allowlist.LocalPaths{}, logger)
	broker2 := approval.NewBroker(policies, cfg.Approval.ConnectTimeout.Duration, logger)

	dispatcher := dispatch.New(dispatch.Config{
		Resolver:        resolver,
		Store:           policies,
		Matcher:         matcher,
		Broker:          broker2,
		Executor:        executors,
		Emitter:         emitter,
		Logger:          logger,
		ApprovalTimeout: cfg.Approval.Timeout.Duration,
	})

	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "server"),
		policies:   policies,
		registry:   registry,
		broker:     broker,
		audit:      audit,
		executors:  executors,
		dispatcher: dispatcher,
		approvals:  approval.NewManager(),
		resolver:   resolver,
	}
	return s, nil
}

// ApplyConfig absorbs a reloaded configuration. Only the routing
// defaults take effect live; listener and store paths need a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.resolver.SetRouting(policy.RoutingDefaults{
		Host:        types.HostKind(cfg.Defaults.Host),
		Node:        cfg.Defaults.Node,
		Security:    types.SecurityMode(cfg.Defaults.Security),
		Ask:         types.AskMode(cfg.Defaults.Ask),
		AskFallback: types.SecurityMode(cfg.Defaults.AskFallback),
	}, agentRouting(cfg.Agents))
}

// Dispatcher exposes the routing engine for in-process callers.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Registry exposes the connected-node directory for transports.
func (s *Server) Registry() *nodes.Registry { return s.registry }

// SetNodeExecutor installs the transport-backed executor for node
// hosts.
func (s *Server) SetNodeExecutor(e dispatch.Executor) {
	s.executors.Set(types.HostNode, e)
}

// Start binds the HTTP API listener and serves until ctx is done.
//
// The gateway also hosts the approval socket so pending prompts are
// resolvable over the HTTP API. An interactive UI started later takes
// the socket over and rotates the capability token; in-flight requests
// keep working because the runner rereads socket and token from the
// policy document on every prompt.
func (s *Server) Start(ctx context.Context) error {
	approvalLn := approval.NewListener(s.policies, s.approvals, s.logger)
	if err := approvalLn.Start(ctx, s.cfg.Approval.Socket); err != nil {
		s.logger.Warn("approval socket unavailable, prompts will fall back", "error", err)
	} else {
		defer approvalLn.Close()
	}

	app := api.NewApp(s.dispatcher, s.approvals, s.policies, s.broker, s.audit, s.registry, s.logger)

	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}

	s.mu.Lock()
	s.httpLn = ln
	s.httpServer = &http.Server{
		Handler:      app.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: s.cfg.Server.WriteTimeout.Duration,
	}
	s.mu.Unlock()

	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound API address, once Start has run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Shutdown stops the HTTP listener and closes the audit store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var first error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func agentRouting(agents map[string]config.AgentConfig) map[string]policy.AgentRouting {
	out := make(map[string]policy.AgentRouting, len(agents))
	for id, a := range agents {
		out[id] = policy.AgentRouting{Host: types.HostKind(a.Host), Node: a.Node}
	}
	return out
}
