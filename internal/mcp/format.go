package mcp

import (
	"fmt"
	"strings"

	"github.com/folder-mcp/folderd/internal/query"
)

// FormatSearchHits formats chunk-level search hits as markdown.
func FormatSearchHits(folder string, res *query.SearchResults) string {
	if res == nil || len(res.Hits) == 0 {
		return fmt.Sprintf("No content in %s matched the search", folder)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Search Results in %s\n\n", folder)
	fmt.Fprintf(&sb, "Found %d hit", res.Pagination.Total)
	if res.Pagination.Total != 1 {
		sb.WriteString("s")
	}
	if res.Pagination.Total > len(res.Hits) {
		fmt.Fprintf(&sb, ", showing %d", len(res.Hits))
	}
	sb.WriteString("\n\n")

	for i, h := range res.Hits {
		formatHit(&sb, i+1, h)
	}

	if res.Pagination.ContinuationToken != "" {
		fmt.Fprintf(&sb, "Pass continuation_token %q to fetch the next page.\n", res.Pagination.ContinuationToken)
	}

	return sb.String()
}

// formatHit formats a single search hit.
func formatHit(sb *strings.Builder, num int, h query.SearchHit) {
	fmt.Fprintf(sb, "### %d. %s (chunk %s, score: %.2f)\n\n", num, h.DocPath, h.ChunkID, h.Score)

	if len(h.KeyPhrases) > 0 {
		phrases := make([]string, len(h.KeyPhrases))
		for j, p := range h.KeyPhrases {
			phrases[j] = fmt.Sprintf("`%s`", p)
		}
		fmt.Fprintf(sb, "**Key phrases:** %s\n\n", strings.Join(phrases, ", "))
	}

	// Prose reads better inline; code-bearing chunks get a fence.
	if h.HasCode {
		fmt.Fprintf(sb, "```\n%s\n```\n\n", h.Content)
	} else {
		sb.WriteString(h.Content)
		sb.WriteString("\n\n---\n\n")
	}
}

// FormatDocumentMatches formats document-level search results as markdown.
func FormatDocumentMatches(folder string, res *query.DocumentMatches) string {
	if res == nil || len(res.Documents) == 0 {
		return fmt.Sprintf("No documents in %s matched the search", folder)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Documents in %s\n\n", folder)
	fmt.Fprintf(&sb, "Found %d document", res.Pagination.Total)
	if res.Pagination.Total != 1 {
		sb.WriteString("s")
	}
	if res.Pagination.Total > len(res.Documents) {
		fmt.Fprintf(&sb, ", showing %d", len(res.Documents))
	}
	sb.WriteString("\n\n")

	for i, d := range res.Documents {
		fmt.Fprintf(&sb, "### %d. %s (score: %.2f)\n", i+1, d.Path, d.Score)
		if len(d.KeyPhrases) > 0 {
			phrases := make([]string, len(d.KeyPhrases))
			for j, p := range d.KeyPhrases {
				phrases[j] = fmt.Sprintf("`%s`", p)
			}
			fmt.Fprintf(&sb, "**Key phrases:** %s\n", strings.Join(phrases, ", "))
		}
		fmt.Fprintf(&sb, "%d chunks, %s, modified %s\n\n",
			d.ChunkCount, humanSize(d.Size), d.Modified.Format("2006-01-02"))
	}

	if res.Pagination.ContinuationToken != "" {
		fmt.Fprintf(&sb, "Pass continuation_token %q to fetch the next page.\n", res.Pagination.ContinuationToken)
	}

	return sb.String()
}

// humanSize formats bytes as a human-readable string.
func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)

	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
