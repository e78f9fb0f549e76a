package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

const (
	clientName      = "scintilla"
	clientVersion   = "1.0.0"
	protocolVersion = "2024-11-05"
)

// Client performs MCP requests over SSE. It holds no cross-request state;
// every operation opens a short-lived session and closes it.
type Client struct {
	maxRetries int
}

// NewClient creates an SSE MCP client with the default retry budget.
func NewClient() *Client {
	return &Client{maxRetries: DefaultMaxRetries}
}

// connect opens an SSE session and runs the MCP initialize handshake.
// The caller owns closing the returned client.
func (c *Client) connect(ctx context.Context, serverURL string, headers map[string]string) (*mcpclient.Client, error) {
	session, err := mcpclient.NewSSEMCPClient(serverURL, transport.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := session.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to open SSE session: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := session.Initialize(ctx, initReq); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	return session, nil
}

// TestConnection opens a session, initializes, lists tools, and closes.
// The returned sample is capped at ten tools.
func (c *Client) TestConnection(ctx context.Context, serverURL string, authHeaders map[string]string) TestResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, TestConnectionTimeout)
	defer cancel()

	tools, err := c.listTools(ctx, serverURL, authHeaders)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return TestResult{OK: false, ElapsedMS: elapsed, Error: err.Error()}
	}

	sample := tools
	if len(sample) > 10 {
		sample = sample[:10]
	}
	return TestResult{OK: true, ToolCount: len(tools), ElapsedMS: elapsed, Tools: sample}
}

// ListTools returns the server's tool catalog.
func (c *Client) ListTools(ctx context.Context, serverURL string, authHeaders map[string]string) ([]ToolDef, error) {
	ctx, cancel := context.WithTimeout(ctx, ListToolsTimeout)
	defer cancel()
	return c.listTools(ctx, serverURL, authHeaders)
}

func (c *Client) listTools(ctx context.Context, serverURL string, authHeaders map[string]string) ([]ToolDef, error) {
	endpoint, headers, err := NormalizeEndpoint(serverURL, authHeaders)
	if err != nil {
		return nil, err
	}

	session, err := c.connect(ctx, endpoint, headers)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	listResp, err := session.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]ToolDef, 0, len(listResp.Tools))
	for _, tool := range listResp.Tools {
		tools = append(tools, ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      convertSchema(tool.InputSchema),
		})
	}
	return tools, nil
}

// CallTool invokes a tool and concatenates all text content parts into one
// string. Transport failures and timeouts are retried with backoff
// min(attempt*0.5s, 2s) up to the retry budget; errors signaled by the MCP
// server are returned as failure values and never retried.
func (c *Client) CallTool(ctx context.Context, serverURL string, authHeaders map[string]string, toolName string, args map[string]any, timeout time.Duration) CallResult {
	if timeout <= 0 {
		timeout = CallToolTimeout
	}

	endpoint, headers, err := NormalizeEndpoint(serverURL, authHeaders)
	if err != nil {
		return CallResult{OK: false, Error: err.Error()}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		result, err := c.callOnce(ctx, endpoint, headers, toolName, args, timeout)
		if err == nil {
			return result
		}
		lastErr = err

		if !isTransient(err) {
			return CallResult{OK: false, Error: err.Error()}
		}
		if attempt == c.maxRetries {
			break
		}

		delay := min(time.Duration(attempt)*500*time.Millisecond, 2*time.Second)
		slog.Debug("retrying MCP tool call",
			"tool", toolName,
			"attempt", attempt,
			"delay", delay,
			"error", err.Error(),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return CallResult{OK: false, Error: ctx.Err().Error()}
		}
	}

	return CallResult{OK: false, Error: fmt.Sprintf("tool call failed after %d attempts: %v", c.maxRetries, lastErr)}
}

func (c *Client) callOnce(ctx context.Context, endpoint string, headers map[string]string, toolName string, args map[string]any, timeout time.Duration) (CallResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := c.connect(callCtx, endpoint, headers)
	if err != nil {
		return CallResult{}, err
	}
	defer session.Close()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	resp, err := session.CallTool(callCtx, req)
	if err != nil {
		return CallResult{}, fmt.Errorf("tools/call failed: %w", err)
	}

	text := extractText(resp.Content)
	if resp.IsError {
		// A structured server-side error; surfaced, not retried.
		if text == "" {
			text = "unknown MCP server error"
		}
		return CallResult{OK: false, Error: text}, nil
	}

	return CallResult{OK: true, Result: text}, nil
}

// extractText concatenates text-typed content parts; other part types are
// stringified.
func extractText(content []mcpgo.Content) string {
	var parts []string
	for _, item := range content {
		if textContent, ok := item.(mcpgo.TextContent); ok {
			parts = append(parts, textContent.Text)
			continue
		}
		if raw, err := json.Marshal(item); err == nil {
			parts = append(parts, string(raw))
		} else {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
	}

	var b []byte
	for i, p := range parts {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, p...)
	}
	return string(b)
}

// isTransient classifies errors worth retrying: network failures and
// timeouts. Anything else is terminal.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// convertSchema converts the mcp-go schema struct to a plain map, preserving
// the server's JSON verbatim.
func convertSchema(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
