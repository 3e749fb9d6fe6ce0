package persona

import (
	"errors"
	"strings"
)

// ID identifies a boardroom persona or the human participant.
type ID string

const (
	System1        ID = "system1"
	System2        ID = "system2"
	Moderator      ID = "moderator"
	DevilsAdvocate ID = "devilsAdvocate"
	User           ID = "user"
)

var ErrUnknown = errors.New("unknown persona")

var roster = []ID{System1, System2, Moderator, DevilsAdvocate}

// Roster returns the speaking order used for plain rotation.
func Roster() []ID {
	out := make([]ID, len(roster))
	copy(out, roster)
	return out
}

// IsAI reports whether id is one of the generated personas.
func IsAI(id ID) bool {
	for _, p := range roster {
		if p == id {
			return true
		}
	}
	return false
}

// Parse accepts a persona id (case-insensitive) including "user".
func Parse(raw string) (ID, error) {
	v := strings.TrimSpace(raw)
	if strings.EqualFold(v, string(User)) {
		return User, nil
	}
	for _, p := range roster {
		if strings.EqualFold(v, string(p)) {
			return p, nil
		}
	}
	return "", ErrUnknown
}

// Details is the display metadata served to clients.
type Details struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

var details = map[ID]Details{
	System1:        {ID: System1, Name: "System-1 Thinker", Description: "Fast, intuitive, emotional thinking", Icon: "⚡"},
	System2:        {ID: System2, Name: "System-2 Thinker", Description: "Slow, deliberate, analytical thinking", Icon: "🧠"},
	Moderator:      {ID: Moderator, Name: "Moderator", Description: "Neutral facilitator and synthesizer", Icon: "⚖️"},
	DevilsAdvocate: {ID: DevilsAdvocate, Name: "Devil's Advocate", Description: "Challenges assumptions and identifies risks", Icon: "👹"},
}

func Info(id ID) (Details, bool) {
	d, ok := details[id]
	return d, ok
}

// Catalog lists display metadata in roster order.
func Catalog() []Details {
	out := make([]Details, 0, len(roster))
	for _, p := range roster {
		out = append(out, details[p])
	}
	return out
}
