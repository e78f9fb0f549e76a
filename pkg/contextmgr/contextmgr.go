// Package contextmgr keeps assembled LLM prompts within each model's safe
// token limit.
//
// Budgeting uses a cheap character heuristic (ceil(len/3.5) plus a
// per-message overhead) so it works identically for every provider; exact
// tiktoken counts are available separately for reporting.
package contextmgr

import (
	"fmt"
	"math"
	"strings"

	"github.com/scintilla-hq/scintilla/pkg/protocol"
)

// ModelLimits holds a model's context window and the portion safe to spend
// on the prompt (window minus the response reservation).
type ModelLimits struct {
	ContextWindow int
	SafeLimit     int
}

// messageOverhead covers role and formatting tokens per message.
const messageOverhead = 5

// modelLimitTable is matched by prefix against the model name, longest
// prefix first.
var modelLimitTable = []struct {
	prefix string
	window int
}{
	{"gpt-4o", 128000},
	{"gpt-4-turbo", 128000},
	{"gpt-4.1", 128000},
	{"gpt-4", 8192},
	{"gpt-3.5-turbo", 16385},
	{"o1", 200000},
	{"o3", 200000},
	{"claude", 200000},
}

// conservativeDefault is used for unknown models.
var conservativeDefault = ModelLimits{ContextWindow: 8192, SafeLimit: 6144}

// LimitsFor returns the token limits for a model, falling back to a
// conservative default for unknown names.
func LimitsFor(model string) ModelLimits {
	for _, entry := range modelLimitTable {
		if strings.HasPrefix(model, entry.prefix) {
			reservation := 2048
			if entry.window >= 32000 {
				reservation = 4096
			}
			return ModelLimits{ContextWindow: entry.window, SafeLimit: entry.window - reservation}
		}
	}
	return conservativeDefault
}

// Optimized is the outcome of one optimization pass.
type Optimized struct {
	History []protocol.Message
	// Truncated reports whether anything was dropped or shortened.
	Truncated bool
	// EstimatedTokens is the post-optimization prompt estimate.
	EstimatedTokens int
}

// Manager applies history and tool-result truncation for one model.
type Manager struct {
	limits ModelLimits
}

// NewManager creates a manager for the named model.
func NewManager(model string) *Manager {
	return &Manager{limits: LimitsFor(model)}
}

// NewManagerWithLimits creates a manager with explicit limits.
func NewManagerWithLimits(limits ModelLimits) *Manager {
	return &Manager{limits: limits}
}

// Limits returns the manager's model limits.
func (m *Manager) Limits() ModelLimits {
	return m.limits
}

// EstimateTokens estimates the token count of text as ceil(len/3.5).
func (m *Manager) EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 3.5))
}

// EstimateMessage estimates one message including its per-message overhead.
func (m *Manager) EstimateMessage(msg protocol.Message) int {
	return m.EstimateTokens(msg.Content) + messageOverhead
}

// EstimateMessages estimates a full transcript.
func (m *Manager) EstimateMessages(msgs []protocol.Message) int {
	total := 0
	for _, msg := range msgs {
		total += m.EstimateMessage(msg)
	}
	return total
}

// toolResultBudget is the per-tool-result token budget for this model.
func (m *Manager) toolResultBudget() int {
	budget := m.limits.SafeLimit / 4
	if budget < 64 {
		budget = 64
	}
	return budget
}

// TruncateToolResult enforces the per-tool-result budget: results within
// budget are returned unchanged; oversized results keep the first 70% and
// last 30% of the allowed characters joined by a marker naming how many
// characters were removed.
func (m *Manager) TruncateToolResult(result string) (string, bool) {
	charBudget := int(float64(m.toolResultBudget()) * 3.5)
	if len(result) <= charBudget {
		return result, false
	}

	head := charBudget * 70 / 100
	tail := charBudget * 30 / 100
	removed := len(result) - head - tail

	return fmt.Sprintf("%s\n... [TRUNCATED: %d characters removed] ...\n%s",
		result[:head], removed, result[len(result)-tail:]), true
}

// Optimize fits the prompt into the safe limit. Tool-result messages are
// re-truncated defensively, then history is kept newest-first while the
// running total fits the remaining budget; order is preserved in the
// returned transcript. The pass is idempotent: an already-safe prompt is
// returned unchanged.
func (m *Manager) Optimize(systemPrompt string, history []protocol.Message, userMessage string) Optimized {
	reserved := m.EstimateTokens(systemPrompt) + messageOverhead +
		m.EstimateTokens(userMessage) + messageOverhead

	truncated := false
	working := make([]protocol.Message, len(history))
	copy(working, history)
	for i, msg := range working {
		if msg.Role != protocol.RoleTool {
			continue
		}
		if shortened, cut := m.TruncateToolResult(msg.Content); cut {
			working[i].Content = shortened
			truncated = true
		}
	}

	budget := m.limits.SafeLimit - reserved
	if budget < 0 {
		budget = 0
	}

	if total := m.EstimateMessages(working); total <= budget {
		return Optimized{History: working, Truncated: truncated, EstimatedTokens: reserved + total}
	}

	// Newest first: walk backwards keeping messages while they fit.
	var kept []protocol.Message
	running := 0
	for i := len(working) - 1; i >= 0; i-- {
		cost := m.EstimateMessage(working[i])
		if running+cost > budget {
			break
		}
		running += cost
		kept = append([]protocol.Message{working[i]}, kept...)
	}

	return Optimized{History: kept, Truncated: true, EstimatedTokens: reserved + running}
}
