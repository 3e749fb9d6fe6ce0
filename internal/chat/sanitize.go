package chat

import (
	"regexp"
	"strings"
)

var (
	fencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	markdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\(([^)]*)\)`)
	citationPattern     = regexp.MustCompile(`[ \t]*\[\d+\](?:\[\d+\])*`)
	emphasisPattern     = regexp.MustCompile(`\*\*|__`)
	headingPattern      = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`)
)

// CleanReply removes markup the boardroom does not render: search citation
// markers, markdown emphasis, headings, links and code fences. Line breaks
// are kept so bullets survive; blank lines are dropped.
func CleanReply(raw string) string {
	raw = fencedCodePattern.ReplaceAllString(raw, " ")
	raw = markdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = citationPattern.ReplaceAllString(raw, "")
	raw = emphasisPattern.ReplaceAllString(raw, "")
	raw = headingPattern.ReplaceAllString(raw, "")

	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
