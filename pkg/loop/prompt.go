package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/scintilla-hq/scintilla/pkg/llms"
	"github.com/scintilla-hq/scintilla/pkg/protocol"
	"github.com/scintilla-hq/scintilla/pkg/registry"
)

// buildSystemPrompt assembles the identity, a summary of the bound tools per
// source, any source instructions (bot overrides win), and the citation rule.
func buildSystemPrompt(sources []*registry.Source, tools []boundTool, botOverrides map[string]string) string {
	var b strings.Builder

	b.WriteString("You are Scintilla, an assistant that answers questions using the tools connected to the user's sources. ")
	b.WriteString("Use tools to look up facts; never invent tool output.\n")

	if len(tools) > 0 {
		perSource := make(map[string]int)
		for _, tool := range tools {
			perSource[tool.Source.Name]++
		}
		b.WriteString("\nAvailable sources:\n")
		for _, src := range sources {
			count, ok := perSource[src.Name]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "- %s (%d tools)\n", src.Name, count)
		}
	}

	var instructionBlocks []string
	for _, src := range sources {
		instructions := src.Instructions
		if override, ok := botOverrides[src.ID]; ok && override != "" {
			instructions = override
		}
		if instructions == "" {
			continue
		}
		instructionBlocks = append(instructionBlocks, fmt.Sprintf("Instructions for %s:\n%s", src.Name, instructions))
	}
	if len(instructionBlocks) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(instructionBlocks, "\n\n"))
		b.WriteString("\n")
	}

	b.WriteString("\nWhen a claim in your answer comes from a tool result, cite it as [N]. ")
	b.WriteString("Only cite claims that reference tool results; do not add citations to general knowledge.")

	return b.String()
}

// rewriteTriggered reports whether any source's effective instructions
// mention a mandatory project or space filter.
func rewriteTriggered(sources []*registry.Source, botOverrides map[string]string) bool {
	for _, src := range sources {
		instructions := src.Instructions
		if override, ok := botOverrides[src.ID]; ok && override != "" {
			instructions = override
		}
		lower := strings.ToLower(instructions)
		if strings.Contains(lower, "project") || strings.Contains(lower, "space") {
			return true
		}
	}
	return false
}

// preprocessQuery asks the LLM to silently fold mandatory source filters into
// the user query. The rewrite is abandoned when it balloons past three times
// the original length or collapses below three characters.
func preprocessQuery(ctx context.Context, provider llms.Provider, sources []*registry.Source, botOverrides map[string]string, query string) (string, bool) {
	if !rewriteTriggered(sources, botOverrides) {
		return query, false
	}

	var instructionLines []string
	for _, src := range sources {
		instructions := src.Instructions
		if override, ok := botOverrides[src.ID]; ok && override != "" {
			instructions = override
		}
		if instructions != "" {
			instructionLines = append(instructionLines, fmt.Sprintf("- %s: %s", src.Name, instructions))
		}
	}

	system := "You rewrite search queries. The sources below require mandatory filters " +
		"(such as a project key or space name). Rewrite the user query to include those filters. " +
		"Return only the rewritten query, nothing else.\n\nSource requirements:\n" +
		strings.Join(instructionLines, "\n")

	text, _, _, err := provider.Generate(ctx, system, []protocol.Message{protocol.NewUserMessage(query)}, nil)
	if err != nil {
		return query, false
	}

	rewritten := strings.TrimSpace(text)
	if len(rewritten) < 3 || len(rewritten) > 3*len(query) || rewritten == query {
		return query, false
	}
	return rewritten, true
}
