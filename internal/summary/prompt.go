package summary

import (
	"fmt"
	"strings"
)

const analystSystemPrompt = "You are an expert decision analyst who provides clear, actionable summaries of complex discussions."

// Utterance is one line of the discussion being summarized.
type Utterance struct {
	Persona string `json:"persona"`
	Content string `json:"content"`
}

func buildPrompt(problem string, messages []Utterance) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Persona, m.Content))
	}

	var b strings.Builder
	b.WriteString("You are an expert decision analyst. Based on the following conversation between AI personas about a decision, provide a comprehensive summary.\n\n")
	fmt.Fprintf(&b, "PROBLEM: %s\n\n", problem)
	b.WriteString("CONVERSATION:\n")
	b.WriteString(strings.Join(lines, "\n\n"))
	b.WriteString(`

Please provide a structured analysis in the following format:

RECOMMENDATION: [One clear, actionable recommendation based on the conversation]

CONFIDENCE_SCORE: [0-100 score based on consensus and depth of analysis]

KEY_INSIGHTS: [List 4-6 key insights, each marked as PRO, CON, RISK, or OPPORTUNITY]

ACTION_PLAN: [5 specific, actionable steps the person should take]

RISKS: [3-4 main risks or concerns identified]

NEXT_STEPS: [4 immediate next steps for implementation]

Format your response as a structured analysis that helps the user make an informed decision.`)
	return b.String()
}
