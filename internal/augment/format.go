package augment

import (
	"fmt"
	"strings"
)

// FormatContext renders r as text appended to the generation prompt.
func FormatContext(r *Result) string {
	if r == nil || len(r.Sources) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for %q:\n", r.Query)
	if r.Summary != "" {
		b.WriteString("\nSummary: ")
		b.WriteString(r.Summary)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	writeSources(&b, r.Sources)
	if len(r.FollowUps) > 0 {
		b.WriteString("\nPossible follow-up questions:\n")
		for _, q := range r.FollowUps {
			b.WriteString("- ")
			b.WriteString(q)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeSources(b *strings.Builder, sources []Source) {
	for i, s := range sources {
		fmt.Fprintf(b, "[%d] %s (%s)\n", i+1, s.Title, s.URL)
		if s.Snippet != "" {
			b.WriteString("    ")
			b.WriteString(s.Snippet)
			b.WriteString("\n")
		}
	}
}
