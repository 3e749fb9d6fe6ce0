package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/perspectra/internal/chat"
	"github.com/ent0n29/perspectra/internal/engine"
	"github.com/ent0n29/perspectra/internal/perplexity"
	"github.com/ent0n29/perspectra/internal/persona"
)

type utteranceRequest struct {
	Persona string `json:"persona"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages            []utteranceRequest `json:"messages"`
	Persona             string             `json:"persona"`
	Problem             string             `json:"problem"`
	AutoConversation    bool               `json:"is_auto_conversation"`
	ConversationContext string             `json:"conversation_context"`
}

type chatResponse struct {
	Response    string     `json:"response"`
	Persona     persona.ID `json:"persona"`
	FactChecked bool       `json:"fact_checked"`
}

// handleChat runs a single persona turn outside any live session.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	speaker, err := persona.Parse(req.Persona)
	if err != nil || !persona.IsAI(speaker) {
		respondError(w, http.StatusBadRequest, "invalid_persona", "Invalid persona type")
		return
	}

	history := make([]engine.Turn, 0, len(req.Messages))
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		history = append(history, engine.Turn{Speaker: persona.ID(strings.TrimSpace(m.Persona)), Content: m.Content})
	}
	convContext := req.ConversationContext
	if req.AutoConversation && strings.TrimSpace(convContext) == "" {
		convContext = engine.BuildContext(history)
	}

	res, err := s.generator.Generate(r.Context(), engine.Request{
		History:  history,
		Persona:  speaker,
		Topic:    strings.TrimSpace(req.Problem),
		AutoMode: req.AutoConversation,
		Context:  convContext,
	})
	if errors.Is(err, chat.ErrEmptyReply) {
		respondJSON(w, http.StatusOK, chatResponse{Response: perplexity.NoResponseText, Persona: speaker})
		return
	}
	if err != nil {
		s.respondGenerationError(w, err)
		return
	}
	text := res.Text
	if text == "" {
		text = perplexity.NoResponseText
	}
	respondJSON(w, http.StatusOK, chatResponse{Response: text, Persona: speaker, FactChecked: res.Verified})
}
