package loop

import (
	"strings"

	"github.com/scintilla-hq/scintilla/pkg/llms"
	"github.com/scintilla-hq/scintilla/pkg/registry"
)

// boundTool pairs a namespaced tool name with the source and original name
// the executor needs to dispatch it.
type boundTool struct {
	NamespacedName string
	OriginalName   string
	Source         *registry.Source
	Description    string
	Schema         map[string]any
}

// Keyword lists for the read-only tool filter. A tool is bound only when its
// name or description carries a search-like keyword and none of the mutating
// ones.
var (
	searchKeywords = []string{
		"search", "get", "list", "find", "read", "fetch", "query",
		"lookup", "retrieve", "browse", "view", "show", "describe", "info",
	}
	mutationKeywords = []string{
		"delete", "remove", "create", "update", "modify", "write", "post",
		"put", "patch", "edit", "change", "set", "insert", "add",
	}
)

// sanitizeName lowercases a source name and squashes every non-alphanumeric
// run to a single underscore, so namespaced tool names stay valid LLM tool
// identifiers.
func sanitizeName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// bindTools joins cached tool rows to their sources and namespaces each tool
// as <sanitized_source_name>_<original_tool_name>.
func bindTools(sources []*registry.Source, cached []registry.SourceTool) []boundTool {
	bySource := make(map[string]*registry.Source, len(sources))
	for _, src := range sources {
		bySource[src.ID] = src
	}

	var bound []boundTool
	for _, tool := range cached {
		src, ok := bySource[tool.SourceID]
		if !ok {
			continue
		}
		schema := tool.Schema
		if len(schema) == 0 {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bound = append(bound, boundTool{
			NamespacedName: sanitizeName(src.Name) + "_" + tool.ToolName,
			OriginalName:   tool.ToolName,
			Source:         src,
			Description:    tool.Description,
			Schema:         schema,
		})
	}
	return bound
}

func isSearchLike(name, description string) bool {
	haystack := strings.ToLower(name + " " + description)
	for _, bad := range mutationKeywords {
		if strings.Contains(haystack, bad) {
			return false
		}
	}
	for _, good := range searchKeywords {
		if strings.Contains(haystack, good) {
			return true
		}
	}
	return false
}

// filterSearchLike keeps only read-only tools. The check runs on the original
// tool name so a mutation keyword inside a source name cannot exclude the
// source's tools.
func filterSearchLike(tools []boundTool) []boundTool {
	var kept []boundTool
	for _, tool := range tools {
		if isSearchLike(tool.OriginalName, tool.Description) {
			kept = append(kept, tool)
		}
	}
	return kept
}

func toDefinitions(tools []boundTool) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, llms.ToolDefinition{
			Name:        tool.NamespacedName,
			Description: tool.Description,
			Parameters:  tool.Schema,
		})
	}
	return defs
}
