// Package agentclient talks to the upstream agent platform: triggering sync
// runs and requesting per-agent refreshes. All calls go through the retry
// executor so transient upstream failures are absorbed up to the budget.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pulseboard/agentbridge/internal/models"
	"github.com/pulseboard/agentbridge/internal/registry"
	"github.com/pulseboard/agentbridge/internal/retry"
)

// Client communicates with the agent platform.
type Client struct {
	baseURL    string
	httpClient *http.Client
	exec       *retry.Executor
	retryCfg   retry.Config
}

// New constructs a Client. exec must not be nil.
func New(baseURL string, timeout time.Duration, exec *retry.Executor, retryCfg retry.Config) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		exec:       exec,
		retryCfg:   retryCfg,
	}
}

// TriggerSync asks the platform to start a sync run across its agents. The
// correlation id travels in the body and in a header so agent webhooks can
// echo it back.
func (c *Client) TriggerSync(ctx context.Context, correlationID string, scope models.SyncScope) error {
	if c == nil {
		return fmt.Errorf("agent platform client not configured")
	}

	body := map[string]string{
		"correlationId": correlationID,
		"scope":         string(scope),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal sync request: %w", err)
	}

	return c.exec.ExecuteHTTP(ctx, "platform-sync", correlationID, c.httpClient,
		func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sync", bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("build sync request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Correlation-ID", correlationID)
			return req, nil
		}, c.retryCfg)
}

// RefreshAgent asks the platform to refresh one agent's data. Agents may
// carry a dedicated refresh URL in the registry; otherwise the platform's
// generic per-agent endpoint is used.
func (c *Client) RefreshAgent(ctx context.Context, correlationID string, agent registry.Agent) error {
	if c == nil {
		return fmt.Errorf("agent platform client not configured")
	}

	url := agent.RefreshURL
	if url == "" {
		url = fmt.Sprintf("%s/api/v1/agents/%s/refresh", c.baseURL, agent.ID)
	}

	return c.exec.ExecuteHTTP(ctx, "agent-refresh:"+agent.ID, correlationID, c.httpClient,
		func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err != nil {
				return nil, fmt.Errorf("build refresh request: %w", err)
			}
			req.Header.Set("X-Correlation-ID", correlationID)
			return req, nil
		}, c.retryCfg)
}
