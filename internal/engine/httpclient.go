package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks to an inference engine over HTTP: POST /infer with
// the request body, a Result back on 200.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	tools   map[string]struct{}
	catalog []string
}

// NewHTTPClient creates a client for the engine at baseURL serving the
// given tool catalog.
func NewHTTPClient(baseURL string, timeout time.Duration, tools []string) *HTTPClient {
	set := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		set[t] = struct{}{}
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		tools:   set,
		catalog: append([]string(nil), tools...),
	}
}

func (c *HTTPClient) Tools() []string {
	return append([]string(nil), c.catalog...)
}

func (c *HTTPClient) Supports(tool string) bool {
	_, ok := c.tools[tool]
	return ok
}

// Infer runs one tool invocation against the remote engine.
func (c *HTTPClient) Infer(ctx context.Context, req InferRequest) (*Result, error) {
	if !c.Supports(req.Tool) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, req.Tool)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}
	if result.Tool == "" {
		result.Tool = req.Tool
	}
	return &result, nil
}
