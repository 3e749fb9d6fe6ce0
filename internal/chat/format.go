package chat

import (
	"regexp"
	"strings"
)

// MaxBullets caps how many bullet lines a reply keeps.
const MaxBullets = 4

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// FormatBullets coerces a model reply into short bullet lines.
func FormatBullets(reply string) string {
	out := reply
	trimmed := strings.TrimSpace(reply)
	if !isBullet(trimmed) {
		var sentences []string
		for _, s := range sentenceSplit.Split(reply, -1) {
			if s = strings.TrimSpace(s); s != "" {
				sentences = append(sentences, s)
			}
		}
		if len(sentences) > 1 {
			if len(sentences) > MaxBullets {
				sentences = sentences[:MaxBullets]
			}
			for i, s := range sentences {
				sentences[i] = "• " + s
			}
			out = strings.Join(sentences, "\n")
		} else {
			out = "• " + trimmed
		}
	}

	var bullets []string
	for _, line := range strings.Split(out, "\n") {
		if isBullet(strings.TrimSpace(line)) {
			bullets = append(bullets, line)
		}
	}
	if len(bullets) > MaxBullets {
		out = strings.Join(bullets[:MaxBullets], "\n")
	}
	return out
}

func isBullet(s string) bool {
	return strings.HasPrefix(s, "•") || strings.HasPrefix(s, "-")
}
