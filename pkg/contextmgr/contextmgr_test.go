package contextmgr

import (
	"strings"
	"testing"

	"github.com/scintilla-hq/scintilla/pkg/protocol"
)

func TestLimitsFor(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
	}{
		{"gpt-4o-2024-08-06", 128000},
		{"gpt-4", 8192},
		{"gpt-3.5-turbo-0125", 16385},
		{"claude-sonnet-4-20250514", 200000},
		{"some-unknown-model", 8192},
	}
	for _, tt := range tests {
		got := LimitsFor(tt.model)
		if got.ContextWindow != tt.wantWindow {
			t.Errorf("LimitsFor(%q).ContextWindow = %d, want %d", tt.model, got.ContextWindow, tt.wantWindow)
		}
		if got.SafeLimit >= got.ContextWindow {
			t.Errorf("LimitsFor(%q) safe limit %d not below window %d", tt.model, got.SafeLimit, got.ContextWindow)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	m := NewManager("gpt-4")

	if got := m.EstimateTokens(""); got != 0 {
		t.Errorf("empty text = %d tokens, want 0", got)
	}
	// ceil(7/3.5) = 2
	if got := m.EstimateTokens("1234567"); got != 2 {
		t.Errorf("7 chars = %d tokens, want 2", got)
	}
	// ceil(8/3.5) = 3
	if got := m.EstimateTokens("12345678"); got != 3 {
		t.Errorf("8 chars = %d tokens, want 3", got)
	}
}

func TestEstimateMessageAddsOverhead(t *testing.T) {
	m := NewManager("gpt-4")
	msg := protocol.NewUserMessage("1234567")
	if got := m.EstimateMessage(msg); got != 7 {
		t.Errorf("EstimateMessage = %d, want 7 (2 text + 5 overhead)", got)
	}
}

func TestTruncateToolResultWithinBudget(t *testing.T) {
	m := NewManager("gpt-4")
	short := "a small result"
	got, cut := m.TruncateToolResult(short)
	if cut || got != short {
		t.Errorf("short result was modified: cut=%v", cut)
	}
}

func TestTruncateToolResultKeepsHeadAndTail(t *testing.T) {
	m := NewManagerWithLimits(ModelLimits{ContextWindow: 1200, SafeLimit: 1000})

	head := strings.Repeat("H", 2000)
	tail := strings.Repeat("T", 2000)
	got, cut := m.TruncateToolResult(head + tail)
	if !cut {
		t.Fatal("oversized result was not truncated")
	}
	if !strings.Contains(got, "characters removed] ...") {
		t.Errorf("marker missing from truncated result: %q", got[:100])
	}
	if !strings.HasPrefix(got, "H") {
		t.Error("head of result was not preserved")
	}
	if !strings.HasSuffix(got, "T") {
		t.Error("tail of result was not preserved")
	}
	if len(got) >= 4000 {
		t.Errorf("truncated length %d not smaller than original", len(got))
	}
}

func TestOptimizeKeepsSafePromptUnchanged(t *testing.T) {
	m := NewManager("claude-sonnet-4-20250514")
	history := []protocol.Message{
		protocol.NewUserMessage("hello"),
		protocol.NewAssistantMessage("hi there"),
	}

	opt := m.Optimize("system", history, "next question")
	if opt.Truncated {
		t.Error("safe prompt reported truncated")
	}
	if len(opt.History) != len(history) {
		t.Errorf("history length changed: %d -> %d", len(history), len(opt.History))
	}
	for i := range history {
		if opt.History[i].Content != history[i].Content {
			t.Errorf("message %d changed", i)
		}
	}
}

func TestOptimizeDropsOldestFirst(t *testing.T) {
	// Safe limit 1000: twenty 200-token messages cannot all fit.
	m := NewManagerWithLimits(ModelLimits{ContextWindow: 1200, SafeLimit: 1000})

	var history []protocol.Message
	for i := 0; i < 20; i++ {
		// ~200 tokens each: 682 chars -> ceil(682/3.5)=195, +5 overhead.
		history = append(history, protocol.Message{
			Role:    protocol.RoleUser,
			Content: strings.Repeat(string(rune('a'+i)), 682),
		})
	}

	opt := m.Optimize("", history, "")
	if !opt.Truncated {
		t.Fatal("overflowing history not truncated")
	}
	if len(opt.History) == 0 || len(opt.History) >= 20 {
		t.Fatalf("kept %d messages, want a strict subset", len(opt.History))
	}

	// The kept messages are the newest ones, original order preserved.
	offset := len(history) - len(opt.History)
	for i, msg := range opt.History {
		if msg.Content != history[offset+i].Content {
			t.Fatalf("kept message %d is not the expected suffix of history", i)
		}
	}
	if opt.EstimatedTokens > 1000 {
		t.Errorf("estimated tokens %d exceed safe limit", opt.EstimatedTokens)
	}
}

func TestOptimizeTruncatesToolResults(t *testing.T) {
	m := NewManagerWithLimits(ModelLimits{ContextWindow: 1200, SafeLimit: 1000})

	history := []protocol.Message{
		protocol.NewToolMessage("call_1", "jira_search", strings.Repeat("x", 20000)),
	}

	opt := m.Optimize("", history, "")
	if !opt.Truncated {
		t.Fatal("oversized tool result not truncated")
	}
	found := false
	for _, msg := range opt.History {
		if strings.Contains(msg.Content, "characters removed] ...") {
			found = true
		}
	}
	if !found && len(opt.History) > 0 {
		t.Error("truncation marker missing")
	}
}

func TestOptimizeIsIdempotent(t *testing.T) {
	m := NewManagerWithLimits(ModelLimits{ContextWindow: 1200, SafeLimit: 1000})

	var history []protocol.Message
	for i := 0; i < 20; i++ {
		history = append(history, protocol.NewUserMessage(strings.Repeat("z", 682)))
	}
	history = append(history, protocol.NewToolMessage("c1", "t", strings.Repeat("y", 20000)))

	first := m.Optimize("", history, "")
	second := m.Optimize("", first.History, "")

	if len(second.History) != len(first.History) {
		t.Errorf("second pass changed history length: %d -> %d", len(first.History), len(second.History))
	}
	for i := range first.History {
		if second.History[i].Content != first.History[i].Content {
			t.Errorf("second pass changed message %d", i)
		}
	}
}

func TestTokenCounterFallback(t *testing.T) {
	counter, err := NewTokenCounter("claude-sonnet-4-20250514")
	if err != nil {
		// Encoding data is fetched on first use; offline runs skip.
		t.Skipf("encoding unavailable: %v", err)
	}
	if counter.Count("hello world") <= 0 {
		t.Error("Count() returned non-positive count")
	}
}
