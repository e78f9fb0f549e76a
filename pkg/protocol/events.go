package protocol

// Stream event types emitted by the query endpoint. Exactly one of
// EventFinalResponse or EventError terminates a stream.
const (
	EventThinking          = "thinking"
	EventQueryPreprocessed = "query_preprocessed"
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventFinalResponse     = "final_response"
	EventError             = "error"
)

// StreamEvent is one SSE line on the query stream. Fields are populated
// according to Type; unused fields are omitted from the JSON encoding.
type StreamEvent struct {
	Type string `json:"type"`

	// thinking
	Content string `json:"content,omitempty"`

	// query_preprocessed
	Original string `json:"original,omitempty"`
	Modified string `json:"modified,omitempty"`

	// tool_call / tool_result
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Status    string         `json:"status,omitempty"`

	// final_response
	Sources         []SourceEntry  `json:"sources,omitempty"`
	ToolCalls       []ToolCall     `json:"tool_calls,omitempty"`
	ProcessingStats map[string]any `json:"processing_stats,omitempty"`

	// error
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// SourceEntry is one cited source in a final response.
type SourceEntry struct {
	Title      string            `json:"title"`
	URL        string            `json:"url,omitempty"`
	SourceType string            `json:"source_type"`
	Snippet    string            `json:"snippet,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
