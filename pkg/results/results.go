// Package results extracts provenance metadata (URLs, titles, ticket and PR
// identifiers, source type) from raw tool output. It records where a result
// came from; citation formatting happens elsewhere.
package results

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// minResultLength is the threshold below which a result carries no usable
// provenance.
const minResultLength = 50

const (
	maxTickets = 10
	maxTitles  = 5
)

// Metadata is the provenance extracted from one tool result. A zero Metadata
// (beyond ToolName) means nothing citable was found.
type Metadata struct {
	ToolName    string            `json:"tool_name"`
	SourceType  string            `json:"source_type,omitempty"`
	URLs        []string          `json:"urls,omitempty"`
	Titles      []string          `json:"titles,omitempty"`
	Identifiers map[string]string `json:"identifiers,omitempty"`
	Snippet     string            `json:"snippet,omitempty"`
}

// HasProvenance reports whether the metadata carries anything worth citing.
func (m Metadata) HasProvenance() bool {
	return len(m.URLs) > 0 || len(m.Titles) > 0 || len(m.Identifiers) > 0
}

var (
	bareURLPattern     = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)
	markdownURLPattern = regexp.MustCompile(`\[[^\]]*\]\((https?://[^\)\s]+)\)`)
	hrefPattern        = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)
	jsonURLPattern     = regexp.MustCompile(`"(?:url|html_url|web_url|browse_url|permalink|link|href)"\s*:\s*"(https?://[^"]+)"`)

	ticketPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]*-\d+\b`)
	prPattern     = regexp.MustCompile(`(?i)(?:\bPR\b|pull request)\s*#?(\d+)`)
	issuePattern  = regexp.MustCompile(`(?i)\bissue\s*#?(\d+)`)
	docIDPattern  = regexp.MustCompile(`/(?:document|file)/d/([A-Za-z0-9_-]{20,})`)

	jiraTitlePattern     = regexp.MustCompile(`(?m)^\s*[A-Z][A-Z0-9]*-\d+\s*:\s*(.+)$`)
	markdownTitlePattern = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)$`)
	jsonTitlePattern     = regexp.MustCompile(`"(?:title|name|summary|subject)"\s*:\s*"([^"]{3,200})"`)
	htmlTitlePattern     = regexp.MustCompile(`(?i)<title>([^<]+)</title>`)
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".bmp"}

// sourceTypeKeywords is checked against the tool name in order; the first
// keyword hit wins.
var sourceTypeKeywords = []struct {
	keyword    string
	sourceType string
}{
	{"jira", "jira"},
	{"github", "github"},
	{"gdrive", "google_drive"},
	{"drive", "google_drive"},
	{"slack", "slack"},
	{"confluence", "confluence"},
	{"notion", "notion"},
	{"sharepoint", "sharepoint"},
	{"file", "file"},
	{"web", "web"},
	{"search", "search"},
}

// hostSourceTypes maps URL hostname substrings to source types, used when the
// tool name gives no hint.
var hostSourceTypes = []struct {
	fragment   string
	sourceType string
}{
	{"atlassian.net", "jira"},
	{"jira", "jira"},
	{"github.com", "github"},
	{"docs.google.com", "google_drive"},
	{"drive.google.com", "google_drive"},
	{"slack.com", "slack"},
	{"notion.so", "notion"},
	{"sharepoint.com", "sharepoint"},
}

// failurePrefixes mark results that are error reports rather than content.
var failurePrefixes = []string{"error", "failed", "exception", "traceback"}

// Process extracts metadata from one tool result. Pure: identical inputs
// always give identical output. Failure results and results shorter than 50
// characters yield empty metadata.
func Process(toolName, result string, params map[string]any) Metadata {
	meta := Metadata{ToolName: toolName}

	trimmed := strings.TrimSpace(result)
	if len(trimmed) < minResultLength || isFailure(trimmed) {
		return meta
	}

	meta.URLs = extractURLs(trimmed)
	meta.Identifiers = extractIdentifiers(toolName, trimmed)
	meta.Titles = extractTitles(trimmed)
	meta.SourceType = classifySourceType(toolName, meta.URLs)
	meta.Snippet = snippet(trimmed)

	if canonical := canonicalURL(params); canonical != "" {
		meta.URLs = prepend(meta.URLs, canonical)
	}

	return meta
}

func isFailure(result string) bool {
	lower := strings.ToLower(result)
	for _, prefix := range failurePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// extractURLs runs every URL pattern over the text, strips trailing
// punctuation, drops image URLs, and deduplicates preserving discovery order.
func extractURLs(text string) []string {
	var found []string
	found = append(found, bareURLPattern.FindAllString(text, -1)...)
	for _, m := range markdownURLPattern.FindAllStringSubmatch(text, -1) {
		found = append(found, m[1])
	}
	for _, m := range hrefPattern.FindAllStringSubmatch(text, -1) {
		found = append(found, m[1])
	}
	for _, m := range jsonURLPattern.FindAllStringSubmatch(text, -1) {
		found = append(found, m[1])
	}

	seen := make(map[string]bool)
	var urls []string
	for _, raw := range found {
		cleaned := strings.TrimRight(raw, ".,;:!?)'\"")
		if cleaned == "" || seen[cleaned] || isImageURL(cleaned) {
			continue
		}
		seen[cleaned] = true
		urls = append(urls, cleaned)
	}
	return urls
}

func isImageURL(u string) bool {
	lower := strings.ToLower(u)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func extractIdentifiers(toolName, text string) map[string]string {
	ids := make(map[string]string)

	if tickets := ticketPattern.FindAllString(text, -1); len(tickets) > 0 {
		seen := make(map[string]bool)
		var unique []string
		for _, t := range tickets {
			if seen[t] {
				continue
			}
			seen[t] = true
			unique = append(unique, t)
			if len(unique) == maxTickets {
				break
			}
		}
		ids["tickets"] = strings.Join(unique, ",")
		ids["primary_ticket"] = unique[0]
	}

	lower := strings.ToLower(toolName + " " + text)
	if strings.Contains(lower, "github") {
		if m := prPattern.FindStringSubmatch(text); m != nil {
			ids["pr_number"] = m[1]
		}
		if m := issuePattern.FindStringSubmatch(text); m != nil {
			ids["issue_number"] = m[1]
		}
	}

	if m := docIDPattern.FindStringSubmatch(text); m != nil {
		ids["document_id"] = m[1]
	}

	if len(ids) == 0 {
		return nil
	}
	return ids
}

func extractTitles(text string) []string {
	var found []string
	for _, m := range jiraTitlePattern.FindAllStringSubmatch(text, -1) {
		found = append(found, m[1])
	}
	for _, m := range markdownTitlePattern.FindAllStringSubmatch(text, -1) {
		found = append(found, m[1])
	}
	for _, m := range jsonTitlePattern.FindAllStringSubmatch(text, -1) {
		found = append(found, m[1])
	}
	for _, m := range htmlTitlePattern.FindAllStringSubmatch(text, -1) {
		found = append(found, m[1])
	}

	seen := make(map[string]bool)
	var titles []string
	for _, raw := range found {
		title := strings.TrimSpace(raw)
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		titles = append(titles, title)
		if len(titles) == maxTitles {
			break
		}
	}
	return titles
}

func classifySourceType(toolName string, urls []string) string {
	lowerName := strings.ToLower(toolName)
	for _, entry := range sourceTypeKeywords {
		if strings.Contains(lowerName, entry.keyword) {
			return entry.sourceType
		}
	}

	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		host := strings.ToLower(parsed.Hostname())
		for _, entry := range hostSourceTypes {
			if strings.Contains(host, entry.fragment) {
				return entry.sourceType
			}
		}
	}

	return "tool_result"
}

// canonicalURL builds a browse URL from call parameters when they identify a
// Jira issue or a GitHub PR/issue directly.
func canonicalURL(params map[string]any) string {
	baseURL := paramString(params, "base_url")
	if baseURL != "" {
		key := paramString(params, "issue_key")
		if key == "" {
			key = paramString(params, "ticket_id")
		}
		if key != "" {
			return strings.TrimRight(baseURL, "/") + "/browse/" + key
		}
	}

	owner := paramString(params, "owner")
	repo := paramString(params, "repo")
	if owner != "" && repo != "" {
		if pr := paramNumber(params, "pr_number", "pull_number"); pr != "" {
			return fmt.Sprintf("https://github.com/%s/%s/pull/%s", owner, repo, pr)
		}
		if issue := paramNumber(params, "issue_number", "number"); issue != "" {
			return fmt.Sprintf("https://github.com/%s/%s/issues/%s", owner, repo, issue)
		}
	}

	return ""
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func paramNumber(params map[string]any, keys ...string) string {
	if params == nil {
		return ""
	}
	for _, key := range keys {
		switch v := params[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		case int:
			return fmt.Sprintf("%d", v)
		}
	}
	return ""
}

// prepend inserts u at the front, removing any duplicate occurrence.
func prepend(urls []string, u string) []string {
	out := []string{u}
	for _, existing := range urls {
		if existing != u {
			out = append(out, existing)
		}
	}
	return out
}

func snippet(text string) string {
	const max = 500
	if len(text) <= max {
		return text
	}
	return text[:max]
}
