// Package mcp speaks MCP JSON-RPC over a Server-Sent-Events transport.
//
// It covers the three methods the broker needs (initialize, tools/list,
// tools/call) and the two authentication styles in use: explicit request
// headers, or an x-api-key query parameter that is promoted to a header
// before connecting.
package mcp

import "time"

// Default timeouts per operation.
const (
	TestConnectionTimeout = 15 * time.Second
	ListToolsTimeout      = 30 * time.Second
	CallToolTimeout       = 60 * time.Second
)

// DefaultMaxRetries bounds tools/call retry attempts on transport failures.
const DefaultMaxRetries = 3

// ToolDef is one tool definition reported by an MCP server.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"inputSchema,omitempty"`
}

// TestResult reports the outcome of a connection test.
type TestResult struct {
	OK        bool      `json:"ok"`
	ToolCount int       `json:"tool_count"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Tools     []ToolDef `json:"tools,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// CallResult is the normalized outcome of a tools/call request. Errors
// signaled by the MCP server and exhausted transport retries both surface
// here as values rather than Go errors.
type CallResult struct {
	OK     bool   `json:"ok"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}
