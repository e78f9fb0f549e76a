package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scintilla-hq/scintilla/pkg/registry"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Acme Jira", "acme_jira"},
		{"My  Cool--Source!", "my_cool_source"},
		{"already_clean", "already_clean"},
		{"Trailing ", "trailing"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeName(tt.in), "sanitizeName(%q)", tt.in)
	}
}

func TestBindToolsNamespacing(t *testing.T) {
	sources := []*registry.Source{
		{ID: "s1", Name: "Acme Jira", ServerURL: "https://x/sse"},
	}
	cached := []registry.SourceTool{
		{SourceID: "s1", ToolName: "jira_search", Description: "Search issues"},
		{SourceID: "orphan", ToolName: "ignored"},
	}

	bound := bindTools(sources, cached)
	assert.Len(t, bound, 1)
	assert.Equal(t, "acme_jira_jira_search", bound[0].NamespacedName)
	assert.Equal(t, "jira_search", bound[0].OriginalName)
	assert.Equal(t, "s1", bound[0].Source.ID)
	// A missing schema becomes a minimal object schema.
	assert.Equal(t, "object", bound[0].Schema["type"])
}

func TestIsSearchLike(t *testing.T) {
	tests := []struct {
		name        string
		description string
		want        bool
	}{
		{"jira_search", "Search issues", true},
		{"confluence_get_page", "", true},
		{"jira_list_projects", "", true},
		{"jira_create_issue", "Create an issue", false},
		{"jira_delete_issue", "", false},
		{"search_and_update", "finds and updates records", false},
		{"frobnicate", "does something opaque", false},
		{"frobnicate", "retrieve data from the frob", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isSearchLike(tt.name, tt.description), "%s / %s", tt.name, tt.description)
	}
}

func TestFilterSearchLike(t *testing.T) {
	tools := []boundTool{
		{NamespacedName: "acme_jira_search", OriginalName: "jira_search", Description: "Search issues"},
		{NamespacedName: "acme_jira_create_issue", OriginalName: "jira_create_issue", Description: "Create"},
		{NamespacedName: "acme_jira_get_issue", OriginalName: "jira_get_issue", Description: ""},
	}
	kept := filterSearchLike(tools)
	assert.Len(t, kept, 2)
	for _, tool := range kept {
		assert.NotContains(t, tool.OriginalName, "create")
	}
}

func TestFilterSearchLikeIgnoresSourceName(t *testing.T) {
	// A mutation keyword in the source name must not exclude its tools.
	tools := []boundTool{
		{NamespacedName: "updatehub_get_page", OriginalName: "get_page", Description: "Read a page"},
		{NamespacedName: "updatehub_update_page", OriginalName: "update_page", Description: "Edit a page"},
	}
	kept := filterSearchLike(tools)
	require.Len(t, kept, 1)
	assert.Equal(t, "updatehub_get_page", kept[0].NamespacedName)
}

func TestBuildSystemPromptInstructionOverride(t *testing.T) {
	sources := []*registry.Source{
		{ID: "s1", Name: "Acme Jira", Instructions: "Search all projects"},
		{ID: "s2", Name: "Wiki", Instructions: "Default wiki guidance"},
	}
	tools := []boundTool{
		{NamespacedName: "acme_jira_search", Source: sources[0]},
		{NamespacedName: "wiki_get_page", Source: sources[1]},
	}
	overrides := map[string]string{"s1": "Only search project XINETBSE"}

	prompt := buildSystemPrompt(sources, tools, overrides)

	assert.Contains(t, prompt, "Only search project XINETBSE")
	assert.NotContains(t, prompt, "Search all projects", "bot override must win")
	assert.Contains(t, prompt, "Default wiki guidance")
	assert.Contains(t, prompt, "[N]")
}

func TestRewriteTriggered(t *testing.T) {
	sources := []*registry.Source{{ID: "s1", Name: "Jira", Instructions: "nothing special"}}
	assert.False(t, rewriteTriggered(sources, nil))

	sources[0].Instructions = "Always filter to project XINETBSE"
	assert.True(t, rewriteTriggered(sources, nil))

	sources[0].Instructions = "plain"
	overrides := map[string]string{"s1": "Use the ENG space only"}
	assert.True(t, rewriteTriggered(sources, overrides))
}
