package factcheck

import (
	"strings"

	"github.com/ent0n29/perspectra/internal/persona"
)

// Triggers are phrases that suggest a statistical or sourced claim.
var Triggers = []string{
	"statistic", "data shows", "research indicates", "studies show",
	"according to", "reports suggest", "survey found", "analysis reveals",
	"market share", "growth rate", "percentage", "billion", "million",
	"recent study", "latest data", "current trends", "industry report",
}

// RecentWindow is how many trailing turns are scanned for claims.
const RecentWindow = 3

// NeedsCheck reports whether text contains any trigger phrase.
func NeedsCheck(text string) bool {
	lower := strings.ToLower(text)
	for _, trigger := range Triggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// ContainsClaims scans the last RecentWindow entries of contents.
func ContainsClaims(contents []string) bool {
	if len(contents) > RecentWindow {
		contents = contents[len(contents)-RecentWindow:]
	}
	for _, c := range contents {
		if NeedsCheck(c) {
			return true
		}
	}
	return false
}

// ShouldVerify decides whether a generation runs in verification mode.
// Only the moderator verifies.
func ShouldVerify(speaker persona.ID, topic string, contents []string) bool {
	if speaker != persona.Moderator {
		return false
	}
	return NeedsCheck(topic) || ContainsClaims(contents)
}
