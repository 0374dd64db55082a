package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultCallTimeout = 120 * time.Second

// Client invokes agent operations over HTTP on the LLM-capability service.
// Each operation is exposed as POST {baseURL}/agents/{agent}/{operation}
// and answers the standard result envelope. Retry and backoff for transient
// failures are the service's own responsibility.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an HTTP agent client.
func NewClient(logger *slog.Logger, baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultCallTimeout},
		logger:     logger,
	}
}

// Operation returns a callable bound to one remote agent operation.
func (c *Client) Operation(agent, operation string) Operation {
	return func(ctx context.Context, input map[string]any) (*Result, error) {
		return c.call(ctx, agent, operation, input)
	}
}

func (c *Client) call(ctx context.Context, agent, operation string, input map[string]any) (*Result, error) {
	payload, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("failed to encode input for %s.%s: %w", agent, operation, err)
	}

	url := fmt.Sprintf("%s/agents/%s/%s", c.baseURL, agent, operation)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s.%s: %w", agent, operation, err)
	}

	req.Header.Set("Content-Type", "application/json")

	c.logger.DebugContext(ctx, "Invoking agent", "agent", agent, "operation", operation)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s.%s call failed: %w", agent, operation, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s.%s: %w", agent, operation, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent %s.%s returned status %d: %s", agent, operation, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s.%s: %w", agent, operation, err)
	}

	return &result, nil
}
