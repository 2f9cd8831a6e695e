package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"tabbridge/internal/bridge"
	"tabbridge/internal/mcp"
)

const defaultClientTimeout = 30 * time.Second

// controlClient talks to a running server over its HTTP endpoints.
type controlClient struct {
	baseURL string
	http    *http.Client
	nextID  int
}

type healthReport struct {
	Status        string                `json:"status"`
	ConnectedTabs int                   `json:"connected_tabs"`
	Tabs          []bridge.PeerSnapshot `json:"tabs"`
}

func newControlClient(baseURL string, timeout time.Duration) *controlClient {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &controlClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		// A tool call may take the full call timeout on the server.
		http: &http.Client{Timeout: timeout + 5*time.Second},
	}
}

func (c *controlClient) Health(ctx context.Context) (healthReport, error) {
	var report healthReport
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return report, err
	}
	body, err := c.do(req)
	if err != nil {
		return report, err
	}
	if err := gojson.Unmarshal(body, &report); err != nil {
		return report, fmt.Errorf("decode health: %w", err)
	}
	return report, nil
}

func (c *controlClient) CallTool(ctx context.Context, name string, arguments map[string]any) (mcp.ToolResult, error) {
	c.nextID++
	params, err := gojson.Marshal(map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return mcp.ToolResult{}, err
	}
	request, err := gojson.Marshal(mcp.Message{
		JSONRPC: "2.0",
		ID:      []byte(fmt.Sprintf("%d", c.nextID)),
		Method:  mcp.MethodToolsCall,
		Params:  params,
	})
	if err != nil {
		return mcp.ToolResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(request))
	if err != nil {
		return mcp.ToolResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return mcp.ToolResult{}, err
	}

	var response mcp.Message
	if err := gojson.Unmarshal(body, &response); err != nil {
		return mcp.ToolResult{}, fmt.Errorf("decode response: %w", err)
	}
	if response.Error != nil {
		return mcp.ToolResult{}, response.Error
	}
	var result mcp.ToolResult
	if err := gojson.Unmarshal(response.Result, &result); err != nil {
		return mcp.ToolResult{}, fmt.Errorf("decode tool result: %w", err)
	}
	return result, nil
}

func (c *controlClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: unexpected status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
