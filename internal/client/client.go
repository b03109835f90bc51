// Package client is the HTTP client for the gateway API, used by the
// CLI and by in-repo integration tests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/pkg/types"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			// Exec requests block on execution and possibly on a
			// human decision; the server enforces its own timeouts.
			Timeout: 0,
		},
	}
}

// ExecParams mirrors the exec endpoint payload.
type ExecParams struct {
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

func (c *Client) Exec(ctx context.Context, p ExecParams) (types.Outcome, error) {
	var out types.Outcome
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/exec", nil, p, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) ListApprovals(ctx context.Context) ([]map[string]any, error) {
	var out struct {
		Pending []map[string]any `json:"pending"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/approvals", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Pending, nil
}

func (c *Client) ResolveApproval(ctx context.Context, runID, decision string) error {
	body := map[string]any{"decision": decision}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(runID), nil, body, nil)
}

func (c *Client) GetAgentPolicy(ctx context.Context, agentID string) (policy.AgentPolicy, error) {
	var out policy.AgentPolicy
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/policy/"+url.PathEscape(agentID), nil, nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) SetAgentPolicy(ctx context.Context, agentID string, p policy.AgentPolicy) error {
	return c.doJSON(ctx, http.MethodPut, "/api/v1/policy/"+url.PathEscape(agentID), nil, p, nil)
}

func (c *Client) AddAllowlistEntry(ctx context.Context, agentID, pattern string) error {
	body := map[string]any{"pattern": pattern}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/policy/"+url.PathEscape(agentID)+"/allowlist", nil, body, nil)
}

func (c *Client) ListNodes(ctx context.Context) ([]types.Node, error) {
	var out struct {
		Nodes []types.Node `json:"nodes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/nodes", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

func (c *Client) SearchEvents(ctx context.Context, q url.Values) ([]types.Event, error) {
	var out struct {
		Events []types.Event `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/events/search", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// EventsURL is the websocket endpoint for an agent's live event
// stream.
func (c *Client) EventsURL(agentID string) string {
	u := strings.Replace(c.baseURL, "http", "ws", 1)
	return u + "/api/v1/agents/" + url.PathEscape(agentID) + "/events"
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WaitHealthy polls /healthz until the server answers or the deadline
// passes.
func (c *Client) WaitHealthy(ctx context.Context, within time.Duration) error {
	deadline := time.Now().Add(within)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("gateway not healthy after %s", within)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
