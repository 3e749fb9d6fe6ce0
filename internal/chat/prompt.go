package chat

import (
	"fmt"
	"strings"

	"github.com/ent0n29/perspectra/internal/engine"
	"github.com/ent0n29/perspectra/internal/persona"
)

// HistoryWindow is how many trailing turns are replayed to the model.
const HistoryWindow = 8

const formattingRules = `STRICT FORMATTING RULES:
- ALWAYS use bullet points (•) for your response
- Keep responses SHORT and FOCUSED (2-4 bullet points max)
- Each bullet point should be 1-2 sentences only
- NO long paragraphs or walls of text`

const factCheckBlock = `FACT-CHECKING MODE ACTIVATED:
- You have access to current internet data
- Verify any statistics or factual claims made in the conversation
- Use phrases like "Let me fact-check that..." or "Current data shows..."
- Provide accurate, up-to-date information`

const autoGuidelines = `GUIDELINES:
- Build on previous points made by other personas
- Reference specific insights from earlier in the conversation
- Maintain your unique perspective while advancing the discussion
- If the conversation is getting repetitive, suggest a new angle
- Address other personas by name when referencing their points
- Use natural conversation flow - agree, disagree, or build upon previous statements`

const reminder = "Remember: Use bullet points only, keep it concise!"

func buildSystemPrompt(base string, auto bool, verify bool, problem, context string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n")

	if auto {
		if strings.TrimSpace(context) == "" {
			context = "No previous context"
		}
		b.WriteString("IMPORTANT: You are in AUTO-CONVERSATION mode. The AIs are discussing among themselves while the user observes.\n\n")
		b.WriteString("CONVERSATION CONTEXT:\n")
		b.WriteString(context)
		b.WriteString("\n\n")
		b.WriteString(formattingRules)
		b.WriteString("\n- Be conversational but concise\n\n")
	} else {
		b.WriteString(formattingRules)
		b.WriteString("\n\n")
	}

	if verify {
		b.WriteString(factCheckBlock)
		b.WriteString("\n\n")
	}

	if auto {
		b.WriteString(autoGuidelines)
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "CURRENT PROBLEM/DECISION: %s\n\n", problem)
		b.WriteString("Respond as if you're in a live boardroom discussion with the other AI personas. Remember: BULLET POINTS ONLY, KEEP IT CONCISE!")
	} else {
		fmt.Fprintf(&b, "CURRENT PROBLEM/DECISION: %s", problem)
	}
	return b.String()
}

func buildUserPrompt(history []engine.Turn, speaker persona.ID, auto bool, problem string) string {
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}
	if len(history) == 0 {
		return fmt.Sprintf("As %s, provide your initial perspective on this problem: %s\n\n%s", speaker, problem, reminder)
	}

	lines := make([]string, 0, len(history))
	for _, t := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Speaker, t.Content))
	}

	var ask string
	if auto {
		ask = fmt.Sprintf("Now respond as %s to continue this discussion about: %s", speaker, problem)
	} else {
		ask = fmt.Sprintf("As %s, provide your perspective on: %s", speaker, problem)
	}
	return fmt.Sprintf("Previous conversation context:\n%s\n\n%s\n\n%s", strings.Join(lines, "\n"), ask, reminder)
}
