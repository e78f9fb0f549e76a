// Package executor dispatches tool calls to the correct transport: remote
// SSE for https sources, the local-agent broker for local:// style sources.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/scintilla-hq/scintilla/pkg/broker"
	"github.com/scintilla-hq/scintilla/pkg/mcp"
	"github.com/scintilla-hq/scintilla/pkg/registry"
)

// Result is the normalized outcome of one tool call. Tool-level failures are
// values, never errors; the loop decides what to do with them.
type Result struct {
	Success   bool           `json:"success"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Executor routes call-tool requests by URL scheme.
type Executor struct {
	client  *mcp.Client
	broker  *broker.Broker
	timeout time.Duration
}

func New(client *mcp.Client, b *broker.Broker) *Executor {
	return &Executor{client: client, broker: b, timeout: broker.DefaultTaskTimeout}
}

// CallTool executes toolName against the source over the appropriate
// transport. Local schemes enqueue a broker task and wait; everything else
// goes over SSE.
func (e *Executor) CallTool(ctx context.Context, source *registry.Source, toolName string, args map[string]any) Result {
	if source.IsLocal() {
		return e.callLocal(ctx, toolName, args)
	}
	return e.callRemote(ctx, source, toolName, args)
}

func (e *Executor) callRemote(ctx context.Context, source *registry.Source, toolName string, args map[string]any) Result {
	call := e.client.CallTool(ctx, source.ServerURL, source.AuthHeaders, toolName, args, e.timeout)
	return Result{
		Success:   call.OK,
		Result:    call.Result,
		Error:     call.Error,
		ToolName:  toolName,
		Arguments: args,
	}
}

func (e *Executor) callLocal(ctx context.Context, toolName string, args map[string]any) Result {
	taskID := e.broker.Submit(toolName, args, e.timeout)
	result, ok := e.broker.Wait(ctx, taskID, e.timeout)
	if !ok {
		return Result{
			Success:   false,
			Error:     fmt.Sprintf("no agent completed %s within %s", toolName, e.timeout),
			ToolName:  toolName,
			Arguments: args,
		}
	}
	return Result{
		Success:   result.Success,
		Result:    result.Result,
		Error:     result.Error,
		ToolName:  toolName,
		Arguments: args,
	}
}
