// Package api exposes the gateway's local HTTP surface: submitting
// exec requests, resolving approvals, inspecting policy and nodes, and
// streaming session events.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentsh/execgate/internal/approval"
	"github.com/agentsh/execgate/internal/dispatch"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/nodes"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/pkg/types"
)

type App struct {
	dispatcher *dispatch.Dispatcher
	approvals  *approval.Manager
	policies   *policy.Store
	broker     *events.Broker
	audit      store.EventStore
	registry   *nodes.Registry
	logger     *slog.Logger
}

func NewApp(d *dispatch.Dispatcher, approvals *approval.Manager, policies *policy.Store, broker *events.Broker, audit store.EventStore, registry *nodes.Registry, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		dispatcher: d,
		approvals:  approvals,
		policies:   policies,
		broker:     broker,
		audit:      audit,
		registry:   registry,
		logger:     logger.With("component", "api"),
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/exec", a.exec)

		r.Get("/approvals", a.listApprovals)
		r.Post("/approvals/{runID}", a.resolveApproval)

		r.Get("/policy/{agentID}", a.getAgentPolicy)
		r.Put("/policy/{agentID}", a.setAgentPolicy)
		r.Post("/policy/{agentID}/allowlist", a.addAllowlistEntry)

		r.Get("/nodes", a.listNodes)

		r.Get("/agents/{agentID}/events", a.streamEvents)
		r.Get("/events/search", a.searchEvents)
	})

	return r
}

type execPayload struct {
	AgentID  string            `json:"agent_id"`
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Workdir  string            `json:"workdir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Host     string            `json:"host,omitempty"`
	Node     string            `json:"node,omitempty"`
	Security string            `json:"security,omitempty"`
	Ask      string            `json:"ask,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
}

func (a *App) exec(w http.ResponseWriter, r *http.Request) {
	var p execPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if p.AgentID == "" || p.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "agent_id and command are required"})
		return
	}

	req := types.ExecRequest{
		AgentID: p.AgentID,
		Command: p.Command,
		Args:    p.Args,
		Workdir: p.Workdir,
		Env:     p.Env,
		Node:    p.Node,
	}
	// Unrecognized values are rejected, unrecognized combinations
	// (node with host=sandbox) are ignored downstream.
	if p.Host != "" {
		host, err := types.ParseHostKind(p.Host)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		req.Host = host
	}
	if p.Security != "" {
		sec, err := types.ParseSecurityMode(p.Security)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		req.Security = sec
	}
	if p.Ask != "" {
		ask, err := types.ParseAskMode(p.Ask)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		req.Ask = ask
	}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid timeout"})
			return
		}
		req.Timeout = d
	}

	outcome := a.dispatcher.Dispatch(r.Context(), req)
	writeJSON(w, http.StatusOK, outcome)
}

func (a *App) listApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": a.approvals.List()})
}

func (a *App) resolveApproval(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	decision, err := types.ParseDecision(body.Decision)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if !a.approvals.Resolve(runID, decision) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no pending approval for run"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

func (a *App) getAgentPolicy(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	p, err := a.policies.Agent(agentID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) setAgentPolicy(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var p policy.AgentPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if err := a.policies.SetAgent(agentID, p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (a *App) addAllowlistEntry(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var body struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "pattern is required"})
		return
	}
	if err := a.policies.UpsertAllowlistEntry(agentID, body.Pattern, "", ""); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (a *App) listNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": a.registry.Connected()})
}

func (a *App) searchEvents(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event store disabled"})
		return
	}
	q, err := parseEventQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	evs, err := a.audit.QueryEvents(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
