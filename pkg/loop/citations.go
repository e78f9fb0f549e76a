package loop

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/scintilla-hq/scintilla/pkg/protocol"
	"github.com/scintilla-hq/scintilla/pkg/results"
)

// citation is one numbered entry in the citation guide.
type citation struct {
	Title      string
	URL        string
	Identifier string
	SourceType string
	Snippet    string
	Metadata   map[string]string
}

var (
	citationRefPattern  = regexp.MustCompile(`\[(\d+)\]`)
	sourcesBlockPattern = regexp.MustCompile(`(?s)<SOURCES>.*?</SOURCES>`)
)

// buildCitations turns the metadata buffer into a numbered citation list.
// Jira entries cite the ticket's browse URL, derived from the primary URL's
// host; a single-ticket entry keeps its extracted summary as "KEY: Title",
// and multi-ticket entries expand to one citation per ticket.
func buildCitations(metas []results.Metadata) []citation {
	var citations []citation

	for _, meta := range metas {
		if !meta.HasProvenance() {
			continue
		}

		tickets := splitTickets(meta.Identifiers["tickets"])
		if meta.SourceType == "jira" && len(tickets) > 0 {
			host := hostOf(firstURL(meta))
			for _, ticket := range tickets {
				c := citation{
					Title:      ticket,
					Identifier: ticket,
					SourceType: meta.SourceType,
					Snippet:    meta.Snippet,
					Metadata:   meta.Identifiers,
				}
				if len(tickets) == 1 && len(meta.Titles) > 0 {
					c.Title = ticket + ": " + meta.Titles[0]
				}
				if host != "" {
					c.URL = "https://" + host + "/browse/" + ticket
				} else if len(tickets) == 1 {
					c.URL = firstURL(meta)
				}
				citations = append(citations, c)
			}
			continue
		}

		c := citation{
			Title:      firstTitle(meta),
			URL:        firstURL(meta),
			Identifier: primaryIdentifier(meta),
			SourceType: meta.SourceType,
			Snippet:    meta.Snippet,
			Metadata:   meta.Identifiers,
		}
		citations = append(citations, c)
	}

	return citations
}

func splitTickets(joined string) []string {
	if joined == "" {
		return nil
	}
	var tickets []string
	for _, t := range strings.Split(joined, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tickets = append(tickets, t)
		}
	}
	return tickets
}

func firstURL(meta results.Metadata) string {
	if len(meta.URLs) > 0 {
		return meta.URLs[0]
	}
	return ""
}

func firstTitle(meta results.Metadata) string {
	if len(meta.Titles) > 0 {
		return meta.Titles[0]
	}
	return meta.ToolName + " result"
}

func primaryIdentifier(meta results.Metadata) string {
	for _, key := range []string{"primary_ticket", "pr_number", "issue_number", "document_id"} {
		if v := meta.Identifiers[key]; v != "" {
			return v
		}
	}
	return ""
}

func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// citationGuide renders the numbered block handed to the LLM for final
// synthesis. Numbering starts at 1 over the expanded list.
func citationGuide(citations []citation) string {
	if len(citations) == 0 {
		return ""
	}

	var b strings.Builder
	for i, c := range citations {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Title)
		if c.URL != "" {
			fmt.Fprintf(&b, "   URL: %s\n", c.URL)
		}
		if c.Identifier != "" {
			fmt.Fprintf(&b, "   Ticket/PR/Issue: %s\n", c.Identifier)
		}
		fmt.Fprintf(&b, "   Type: %s\n", c.SourceType)
	}
	return b.String()
}

// stripSourcesBlock removes any <SOURCES>…</SOURCES> block the LLM emitted.
func stripSourcesBlock(text string) string {
	return strings.TrimSpace(sourcesBlockPattern.ReplaceAllString(text, ""))
}

// citedSources scans the final text for [n] references and returns the
// matching citation-guide entries in citation order. Uncited entries drop.
func citedSources(finalText string, citations []citation) []protocol.SourceEntry {
	cited := make(map[int]bool)
	for _, m := range citationRefPattern.FindAllStringSubmatch(finalText, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(citations) {
			continue
		}
		cited[n] = true
	}

	var sources []protocol.SourceEntry
	for i, c := range citations {
		if !cited[i+1] {
			continue
		}
		sources = append(sources, protocol.SourceEntry{
			Title:      c.Title,
			URL:        c.URL,
			SourceType: c.SourceType,
			Snippet:    c.Snippet,
			Metadata:   c.Metadata,
		})
	}
	return sources
}
