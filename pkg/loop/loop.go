// Package loop runs the bounded tool-calling conversation behind the
// streaming query endpoint: it binds cached tools to the LLM, dispatches
// tool calls through the executor, and synthesizes a cited final answer.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scintilla-hq/scintilla/pkg/catalog"
	"github.com/scintilla-hq/scintilla/pkg/contextmgr"
	"github.com/scintilla-hq/scintilla/pkg/conversation"
	"github.com/scintilla-hq/scintilla/pkg/executor"
	"github.com/scintilla-hq/scintilla/pkg/llms"
	"github.com/scintilla-hq/scintilla/pkg/observability"
	"github.com/scintilla-hq/scintilla/pkg/protocol"
	"github.com/scintilla-hq/scintilla/pkg/registry"
	"github.com/scintilla-hq/scintilla/pkg/results"
)

// maxIterations bounds how many LLM tool-calling turns one query may take.
const maxIterations = 10

// toolResultPreviewLimit caps the result text carried on tool_result events.
const toolResultPreviewLimit = 500

// Request is one streaming query.
type Request struct {
	Message        string   `json:"message"`
	Provider       string   `json:"llm_provider"`
	UserID         string   `json:"-"`
	SourceIDs      []string `json:"source_ids,omitempty"`
	BotIDs         []string `json:"bot_ids,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// Emitter receives stream events in emission order.
type Emitter func(protocol.StreamEvent)

// Loop wires the catalog, executor, LLM registry, and conversation store
// into the query path.
type Loop struct {
	store         *registry.Store
	catalog       *catalog.Service
	executor      *executor.Executor
	providers     *llms.Registry
	conversations conversation.Store
	metrics       *observability.Metrics
}

func New(store *registry.Store, cat *catalog.Service, exec *executor.Executor, providers *llms.Registry, conversations conversation.Store, metrics *observability.Metrics) *Loop {
	return &Loop{
		store:         store,
		catalog:       cat,
		executor:      exec,
		providers:     providers,
		conversations: conversations,
		metrics:       metrics,
	}
}

// Run executes the query and emits events until exactly one terminal event
// (final_response or error) has been sent.
func (l *Loop) Run(ctx context.Context, req Request, emit Emitter) {
	start := time.Now()
	if err := l.run(ctx, req, emit, start); err != nil {
		slog.Error("query failed", "user", req.UserID, "error", err)
		l.metrics.ObserveQuery("error", time.Since(start))
		emit(protocol.StreamEvent{Type: protocol.EventError, Error: err.Error()})
	}
}

func (l *Loop) run(ctx context.Context, req Request, emit Emitter, start time.Time) error {
	provider, err := l.providers.Get(req.Provider)
	if err != nil {
		return err
	}

	sources, botOverrides, err := l.effectiveSources(ctx, req)
	if err != nil {
		return err
	}

	if len(sources) == 0 {
		emit(protocol.StreamEvent{
			Type: protocol.EventFinalResponse,
			Content: "No sources are configured for this query. Connect a source " +
				"(or select a bot with sources) and try again.",
			ProcessingStats: map[string]any{"tool_count": 0, "tools_used": 0},
		})
		l.metrics.ObserveQuery("success", time.Since(start))
		return nil
	}

	sourceIDs := make([]string, 0, len(sources))
	for _, src := range sources {
		sourceIDs = append(sourceIDs, src.ID)
	}

	cached, err := l.catalog.CachedTools(ctx, sourceIDs)
	if err != nil {
		return fmt.Errorf("failed to load cached tools: %w", err)
	}

	tools := filterSearchLike(bindTools(sources, cached))
	defs := toDefinitions(tools)
	toolIndex := make(map[string]boundTool, len(tools))
	for _, tool := range tools {
		toolIndex[tool.NamespacedName] = tool
	}

	var history []protocol.Message
	if req.ConversationID != "" {
		history, err = l.conversations.Recent(ctx, req.ConversationID, conversation.DefaultHistoryLimit)
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
	}

	systemPrompt := buildSystemPrompt(sources, tools, botOverrides)

	userMessage := req.Message
	if rewritten, changed := preprocessQuery(ctx, provider, sources, botOverrides, req.Message); changed {
		emit(protocol.StreamEvent{
			Type:     protocol.EventQueryPreprocessed,
			Original: req.Message,
			Modified: rewritten,
		})
		userMessage = rewritten
	}

	manager := contextmgr.NewManager(provider.ModelName())

	messages := append(append([]protocol.Message{}, history...), protocol.NewUserMessage(userMessage))

	var metaBuffer []results.Metadata
	var allToolCalls []protocol.ToolCall
	totalTokens := 0
	optimized := false
	iterationLimitHit := true

	for iteration := 0; iteration < maxIterations; iteration++ {
		opt := manager.Optimize(systemPrompt, messages, "")
		if opt.Truncated {
			optimized = true
		}

		text, toolCalls, tokens, err := provider.Generate(ctx, systemPrompt, opt.History, defs)
		totalTokens += tokens
		if err != nil {
			l.metrics.ObserveLLMCall(req.Provider, "error", tokens)
			return fmt.Errorf("LLM call failed: %w", err)
		}
		l.metrics.ObserveLLMCall(req.Provider, "success", tokens)

		if len(toolCalls) == 0 {
			iterationLimitHit = false
			break
		}

		if text != "" {
			emit(protocol.StreamEvent{Type: protocol.EventThinking, Content: text})
		}
		for _, call := range toolCalls {
			emit(protocol.StreamEvent{
				Type:      protocol.EventToolCall,
				ToolName:  call.Name,
				Arguments: call.Arguments,
				Status:    "running",
			})
		}

		// Sequential execution, one (tool-use, tool-result) pair appended
		// per call, so ids stay consistently paired on replay.
		for i, call := range toolCalls {
			assistant := protocol.Message{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{call}}
			if i == 0 {
				assistant.Content = text
			}

			resultText, status := l.executeCall(ctx, toolIndex, call, manager, &metaBuffer)

			emit(protocol.StreamEvent{
				Type:     protocol.EventToolResult,
				ToolName: call.Name,
				Result:   preview(resultText),
				Status:   status,
			})

			messages = append(messages, assistant, protocol.NewToolMessage(call.ID, call.Name, resultText))
			allToolCalls = append(allToolCalls, call)
		}
	}

	citations := buildCitations(metaBuffer)
	final, err := l.synthesize(ctx, provider, systemPrompt, manager, messages, citations, iterationLimitHit)
	if err != nil {
		return err
	}

	sourcesList := citedSources(final, citations)

	if req.ConversationID != "" {
		if err := l.conversations.Append(ctx, req.ConversationID, req.UserID, protocol.NewUserMessage(req.Message)); err != nil {
			slog.Warn("failed to persist user message", "conversation", req.ConversationID, "error", err)
		}
		if err := l.conversations.Append(ctx, req.ConversationID, req.UserID, protocol.NewAssistantMessage(final)); err != nil {
			slog.Warn("failed to persist assistant message", "conversation", req.ConversationID, "error", err)
		}
	}

	stats := map[string]any{
		"tool_count":       len(tools),
		"tools_used":       len(allToolCalls),
		"estimated_tokens": totalTokens,
		"optimized":        optimized,
		"elapsed_ms":       time.Since(start).Milliseconds(),
	}
	if counter, err := contextmgr.NewTokenCounter(provider.ModelName()); err == nil {
		stats["response_tokens"] = counter.Count(final)
	}

	emit(protocol.StreamEvent{
		Type:            protocol.EventFinalResponse,
		Content:         final,
		Sources:         sourcesList,
		ToolCalls:       allToolCalls,
		ProcessingStats: stats,
	})
	l.metrics.ObserveQuery("success", time.Since(start))
	return nil
}

// effectiveSources resolves union(selected sources, bot-associated sources)
// and the per-source instruction overrides contributed by the selected bots.
func (l *Loop) effectiveSources(ctx context.Context, req Request) ([]*registry.Source, map[string]string, error) {
	idSet := make(map[string]bool)
	for _, id := range req.SourceIDs {
		idSet[id] = true
	}

	botOverrides := make(map[string]string)
	if len(req.BotIDs) > 0 {
		assocs, err := l.store.ListBotSourceAssociations(ctx, req.BotIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve bot sources: %w", err)
		}
		for _, assoc := range assocs {
			idSet[assoc.SourceID] = true
			if assoc.CustomInstructions != "" {
				botOverrides[assoc.SourceID] = assoc.CustomInstructions
			}
		}
	}

	if len(idSet) == 0 {
		return nil, nil, nil
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	sources, err := l.store.ListSpecificSources(ctx, req.UserID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load sources: %w", err)
	}
	return sources, botOverrides, nil
}

// executeCall resolves one namespaced tool call, runs it, records its
// metadata, and returns the (possibly truncated) result text plus the event
// status.
func (l *Loop) executeCall(ctx context.Context, toolIndex map[string]boundTool, call protocol.ToolCall, manager *contextmgr.Manager, metaBuffer *[]results.Metadata) (string, string) {
	target, ok := toolIndex[call.Name]
	if !ok {
		*metaBuffer = append(*metaBuffer, results.Metadata{ToolName: call.Name})
		return fmt.Sprintf("Tool %s is not available.", call.Name), "error"
	}

	transport := "remote"
	if target.Source.IsLocal() {
		transport = "local"
	}

	callStart := time.Now()
	res := l.executor.CallTool(ctx, target.Source, target.OriginalName, call.Arguments)

	status := "completed"
	outcome := "success"
	resultText := res.Result
	if !res.Success {
		status = "error"
		outcome = "error"
		resultText = fmt.Sprintf("Tool call failed: %s", res.Error)
	}
	l.metrics.ObserveToolCall(transport, outcome, time.Since(callStart))

	// Failures carry no provenance; URLs in error messages must not reach
	// the citation list.
	meta := results.Metadata{ToolName: target.OriginalName}
	if res.Success {
		meta = results.Process(target.OriginalName, res.Result, call.Arguments)
	}
	*metaBuffer = append(*metaBuffer, meta)

	truncated, _ := manager.TruncateToolResult(resultText)
	return truncated, status
}

// synthesize runs the final non-streaming LLM turn against the citation
// guide, strips any sources block, and applies the validation pass.
func (l *Loop) synthesize(ctx context.Context, provider llms.Provider, systemPrompt string, manager *contextmgr.Manager, messages []protocol.Message, citations []citation, iterationLimitHit bool) (string, error) {
	guide := citationGuide(citations)

	var prompt strings.Builder
	if iterationLimitHit {
		prompt.WriteString("Note: the tool-call iteration limit was reached; answer with the information gathered so far and say so if it is incomplete.\n\n")
	}
	prompt.WriteString("Write the final answer to the user's question above.\n")
	if guide != "" {
		prompt.WriteString("\nNumbered sources:\n")
		prompt.WriteString(guide)
		prompt.WriteString("\nRules: cite only specific claims; use [n] markers that match the numbered list; ")
		prompt.WriteString("keep ticket IDs as plain text, not links; the sources section will be appended automatically.")
	}

	opt := manager.Optimize(systemPrompt, messages, prompt.String())
	finalMessages := append(append([]protocol.Message{}, opt.History...), protocol.NewUserMessage(prompt.String()))

	text, _, _, err := provider.Generate(ctx, systemPrompt, finalMessages, nil)
	if err != nil {
		return "", fmt.Errorf("final synthesis failed: %w", err)
	}
	answer := stripSourcesBlock(text)

	if guide != "" {
		answer = l.validate(ctx, provider, systemPrompt, guide, answer)
	}
	return answer, nil
}

// validate asks the LLM to repair citation problems, keeping the rewrite only
// when its length stays within half to double the original.
func (l *Loop) validate(ctx context.Context, provider llms.Provider, systemPrompt, guide, answer string) string {
	prompt := fmt.Sprintf(
		"Review the answer below against the numbered sources. Fix broken URLs, "+
			"missing citations for specific claims, and incorrect citation numbers. "+
			"Return the corrected answer only.\n\nSources:\n%s\nAnswer:\n%s",
		guide, answer)

	text, _, _, err := provider.Generate(ctx, systemPrompt, []protocol.Message{protocol.NewUserMessage(prompt)}, nil)
	if err != nil {
		slog.Debug("validation pass failed, keeping original answer", "error", err)
		return answer
	}

	fixed := stripSourcesBlock(text)
	if len(fixed) < len(answer)/2 || len(fixed) > len(answer)*2 {
		return answer
	}
	return fixed
}

func preview(text string) string {
	if len(text) <= toolResultPreviewLimit {
		return text
	}
	return text[:toolResultPreviewLimit]
}
