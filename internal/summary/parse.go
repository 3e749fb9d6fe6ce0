package summary

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultConfidence is used when the analysis carries no usable score.
const DefaultConfidence = 75

type InsightType string

const (
	InsightPro         InsightType = "pro"
	InsightCon         InsightType = "con"
	InsightRisk        InsightType = "risk"
	InsightOpportunity InsightType = "opportunity"
)

type Insight struct {
	Type       InsightType `json:"type"`
	Content    string      `json:"content"`
	Confidence float64     `json:"confidence"`
	Source     string      `json:"source"`
}

// Summary is the structured form of a decision analysis.
type Summary struct {
	Recommendation string    `json:"recommendation"`
	Confidence     int       `json:"confidence"`
	KeyInsights    []Insight `json:"key_insights"`
	ActionPlan     []string  `json:"action_plan"`
	Risks          []string  `json:"risks"`
	NextSteps      []string  `json:"next_steps"`
}

var (
	sectionHeader = regexp.MustCompile(`(?m)^[ \t#*]*(RECOMMENDATION|CONFIDENCE_SCORE|KEY_INSIGHTS|ACTION_PLAN|RISKS|NEXT_STEPS)\**[ \t]*:\**[ \t]*`)
	leadingNumber = regexp.MustCompile(`\d+`)
	listMarker    = regexp.MustCompile(`^(?:[•\-*]|\d+[.)])\s*`)
	insightTag    = regexp.MustCompile(`\b(PRO|CON|RISK|OPPORTUNITY)\b`)
	bracketTag    = regexp.MustCompile(`\[(PRO|CON|RISK|OPPORTUNITY)\]\s*`)
)

// Parse extracts the labelled sections from raw analysis text. Missing
// sections are left empty.
func Parse(text string) Summary {
	out := Summary{
		Confidence:  DefaultConfidence,
		KeyInsights: []Insight{},
		ActionPlan:  []string{},
		Risks:       []string{},
		NextSteps:   []string{},
	}

	sections := splitSections(text)
	out.Recommendation = sections["RECOMMENDATION"]
	if raw, ok := sections["CONFIDENCE_SCORE"]; ok {
		if m := leadingNumber.FindString(raw); m != "" {
			if n, err := strconv.Atoi(m); err == nil {
				out.Confidence = clamp(n, 0, 100)
			}
		}
	}
	for _, line := range listLines(sections["KEY_INSIGHTS"]) {
		out.KeyInsights = append(out.KeyInsights, parseInsight(line))
	}
	out.ActionPlan = append(out.ActionPlan, stripMarkers(listLines(sections["ACTION_PLAN"]))...)
	out.Risks = append(out.Risks, stripMarkers(listLines(sections["RISKS"]))...)
	out.NextSteps = append(out.NextSteps, stripMarkers(listLines(sections["NEXT_STEPS"]))...)
	return out
}

// splitSections maps each header to the trimmed text up to the next header.
// A repeated header keeps its first occurrence.
func splitSections(text string) map[string]string {
	out := make(map[string]string)
	locs := sectionHeader.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		name := text[loc[2]:loc[3]]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if _, seen := out[name]; seen {
			continue
		}
		out[name] = strings.TrimSpace(text[loc[1]:end])
	}
	return out
}

func listLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func stripMarkers(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(listMarker.ReplaceAllString(line, "")); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func parseInsight(line string) Insight {
	kind := InsightOpportunity
	if m := insightTag.FindStringSubmatch(line); m != nil {
		kind = InsightType(strings.ToLower(m[1]))
	}
	content := listMarker.ReplaceAllString(line, "")
	content = strings.TrimSpace(bracketTag.ReplaceAllString(content, ""))
	return Insight{
		Type:       kind,
		Content:    content,
		Confidence: 0.8,
		Source:     "AI Analysis",
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
