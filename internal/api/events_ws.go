package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/agentsh/execgate/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The listener is loopback-only; same-origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and forwards the agent's
// lifecycle events as they are published.
func (a *App) streamEvents(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "agent id is required"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := a.broker.Subscribe(agentID, 200)
	defer a.broker.Unsubscribe(agentID, ch)

	// Surface client disconnects to the reader below.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func parseEventQuery(r *http.Request) (types.EventQuery, error) {
	q := types.EventQuery{
		AgentID: r.URL.Query().Get("agent"),
		RunID:   r.URL.Query().Get("run"),
	}
	if s := r.URL.Query().Get("types"); s != "" {
		q.Types = strings.Split(s, ",")
	}
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := parseTimeOrAgo(s)
		if err != nil {
			return q, fmt.Errorf("invalid since: %w", err)
		}
		q.Since = &t
	}
	if s := r.URL.Query().Get("until"); s != "" {
		t, err := parseTimeOrAgo(s)
		if err != nil {
			return q, fmt.Errorf("invalid until: %w", err)
		}
		q.Until = &t
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, fmt.Errorf("invalid limit: %w", err)
		}
		q.Limit = n
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, fmt.Errorf("invalid offset: %w", err)
		}
		q.Offset = n
	}
	q.Asc = r.URL.Query().Get("order") == "asc"
	return q, nil
}

// parseTimeOrAgo accepts either an RFC3339 timestamp or a relative
// duration like "15m".
func parseTimeOrAgo(s string) (time.Time, error) {
	if strings.ContainsAny(s, "smh") && !strings.Contains(s, "T") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
