package results

import (
	"reflect"
	"strings"
	"testing"
)

const jiraResult = `Found 3 issues in project ENG.

ENG-101: Fix login redirect loop
https://acme.atlassian.net/browse/ENG-101

ENG-102: Upgrade session store
https://acme.atlassian.net/browse/ENG-102

See also ENG-101 for background.`

func TestProcessShortResultIsEmpty(t *testing.T) {
	meta := Process("jira_search", "nothing found", nil)
	if meta.HasProvenance() {
		t.Errorf("short result produced provenance: %+v", meta)
	}
	if meta.ToolName != "jira_search" {
		t.Errorf("tool name = %q, want jira_search", meta.ToolName)
	}
}

func TestProcessFailureResultIsEmpty(t *testing.T) {
	failure := "Error: connection refused while contacting https://acme.atlassian.net/rest/api/2/search"
	meta := Process("jira_search", failure, nil)
	if meta.HasProvenance() {
		t.Errorf("failure result produced provenance: %+v", meta)
	}
}

func TestProcessExtractsTickets(t *testing.T) {
	meta := Process("jira_search", jiraResult, nil)

	if got := meta.Identifiers["tickets"]; got != "ENG-101,ENG-102" {
		t.Errorf("tickets = %q, want ENG-101,ENG-102 (deduplicated, in order)", got)
	}
	if got := meta.Identifiers["primary_ticket"]; got != "ENG-101" {
		t.Errorf("primary_ticket = %q, want ENG-101", got)
	}
	if meta.SourceType != "jira" {
		t.Errorf("source_type = %q, want jira", meta.SourceType)
	}
}

func TestProcessTicketCap(t *testing.T) {
	var b strings.Builder
	b.WriteString("Large search across many projects returned the following issue keys: ")
	for i := 1; i <= 15; i++ {
		b.WriteString("PROJ-")
		b.WriteString(strings.Repeat("1", 1)) // PROJ-1 .. all distinct below
		b.WriteString(string(rune('0' + i%10)))
		b.WriteString(" ")
	}
	meta := Process("jira_search", b.String(), nil)
	tickets := strings.Split(meta.Identifiers["tickets"], ",")
	if len(tickets) > 10 {
		t.Errorf("tickets not capped: got %d entries", len(tickets))
	}
}

func TestProcessExtractsURLs(t *testing.T) {
	text := `Results:
bare https://example.com/page.
markdown [doc](https://example.com/doc)
html <a href="https://example.com/html">link</a>
json "html_url": "https://github.com/acme/repo/pull/7"
image https://example.com/logo.png
duplicate https://example.com/page`

	meta := Process("web_search", text, nil)

	want := []string{
		"https://example.com/page",
		"https://example.com/doc",
		"https://example.com/html",
		"https://github.com/acme/repo/pull/7",
	}
	if !reflect.DeepEqual(meta.URLs, want) {
		t.Errorf("URLs = %v, want %v", meta.URLs, want)
	}
}

func TestProcessGitHubIdentifiers(t *testing.T) {
	text := "GitHub pull request #42 merged; fixes issue #17 in acme/repo. " +
		"Details at https://github.com/acme/repo/pull/42"
	meta := Process("github_search", text, nil)

	if meta.Identifiers["pr_number"] != "42" {
		t.Errorf("pr_number = %q, want 42", meta.Identifiers["pr_number"])
	}
	if meta.Identifiers["issue_number"] != "17" {
		t.Errorf("issue_number = %q, want 17", meta.Identifiers["issue_number"])
	}
	if meta.SourceType != "github" {
		t.Errorf("source_type = %q, want github", meta.SourceType)
	}
}

func TestProcessDocumentID(t *testing.T) {
	text := "The design doc lives at https://docs.google.com/document/d/1aBcDeFgHiJkLmNoPqRsTuVwXyZ0123456789/edit " +
		"and was last updated yesterday."
	meta := Process("gdrive_fetch", text, nil)

	if meta.Identifiers["document_id"] != "1aBcDeFgHiJkLmNoPqRsTuVwXyZ0123456789" {
		t.Errorf("document_id = %q", meta.Identifiers["document_id"])
	}
	if meta.SourceType != "google_drive" {
		t.Errorf("source_type = %q, want google_drive", meta.SourceType)
	}
}

func TestProcessTitles(t *testing.T) {
	text := `# Release Notes
ENG-200: Ship the new cache layer
"title": "Cache layer design"
<title>Cache docs</title>
Some more prose to push the result over the minimum length threshold.`

	meta := Process("confluence_get_page", text, nil)

	if len(meta.Titles) == 0 || len(meta.Titles) > 5 {
		t.Fatalf("titles = %v, want 1..5 entries", meta.Titles)
	}
	joined := strings.Join(meta.Titles, "|")
	for _, want := range []string{"Ship the new cache layer", "Release Notes", "Cache layer design", "Cache docs"} {
		if !strings.Contains(joined, want) {
			t.Errorf("titles missing %q: %v", want, meta.Titles)
		}
	}
}

func TestProcessSourceTypeFromHostname(t *testing.T) {
	text := "An obscure tool returned this reference with enough padding text: " +
		"https://acme.atlassian.net/browse/OPS-9 is the incident ticket."
	meta := Process("mystery_tool_lookup_thing", text, nil)
	if meta.SourceType != "jira" {
		t.Errorf("source_type = %q, want jira (from hostname)", meta.SourceType)
	}
}

func TestProcessSourceTypeFallback(t *testing.T) {
	text := strings.Repeat("plain prose without any recognizable provenance markers. ", 3) + "ABC-1"
	meta := Process("mystery_tool", text, nil)
	if meta.SourceType != "tool_result" {
		t.Errorf("source_type = %q, want tool_result", meta.SourceType)
	}
}

func TestCanonicalJiraURL(t *testing.T) {
	params := map[string]any{
		"base_url":  "https://acme.atlassian.net/",
		"issue_key": "ENG-101",
	}
	meta := Process("jira_get_issue", jiraResult, params)

	if len(meta.URLs) == 0 || meta.URLs[0] != "https://acme.atlassian.net/browse/ENG-101" {
		t.Errorf("canonical URL not at front: %v", meta.URLs)
	}
}

func TestCanonicalGitHubURL(t *testing.T) {
	params := map[string]any{
		"owner":     "acme",
		"repo":      "widgets",
		"pr_number": float64(42),
	}
	text := "GitHub pull request #42 was merged after review, touching fifteen files across the storage layer."
	meta := Process("github_get_pr", text, params)

	if len(meta.URLs) == 0 || meta.URLs[0] != "https://github.com/acme/widgets/pull/42" {
		t.Errorf("canonical URL not at front: %v", meta.URLs)
	}
}

func TestProcessIsDeterministic(t *testing.T) {
	params := map[string]any{"base_url": "https://acme.atlassian.net", "issue_key": "ENG-101"}
	first := Process("jira_search", jiraResult, params)
	second := Process("jira_search", jiraResult, params)
	if !reflect.DeepEqual(first, second) {
		t.Error("identical inputs produced different metadata")
	}
}

func TestSnippetCappedAt500(t *testing.T) {
	long := "Report: " + strings.Repeat("x", 600) + " see https://example.com/full for details"
	meta := Process("web_fetch", long, nil)
	if len(meta.Snippet) != 500 {
		t.Errorf("snippet length = %d, want 500", len(meta.Snippet))
	}

	short := "Short page body mentioning https://example.com/page for reference."
	meta = Process("web_fetch", short, nil)
	if meta.Snippet != short {
		t.Errorf("short result snippet = %q, want the whole text", meta.Snippet)
	}
}
