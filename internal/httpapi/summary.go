package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/perspectra/internal/chat"
	"github.com/ent0n29/perspectra/internal/summary"
)

type decisionSummaryRequest struct {
	Messages []utteranceRequest `json:"messages"`
	Problem  string             `json:"problem"`
}

func (s *Server) handleDecisionSummary(w http.ResponseWriter, r *http.Request) {
	var req decisionSummaryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	utterances := make([]summary.Utterance, 0, len(req.Messages))
	for _, m := range req.Messages {
		utterances = append(utterances, summary.Utterance{Persona: m.Persona, Content: m.Content})
	}
	res, err := s.summarizer.Summarize(r.Context(), "", req.Problem, utterances)
	if err != nil {
		s.respondGenerationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleConversationSummary(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	id := chi.URLParam(r, "id")
	conv, err := s.store.GetConversation(r.Context(), userID, id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), userID, id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	utterances := make([]summary.Utterance, 0, len(msgs))
	for _, m := range msgs {
		utterances = append(utterances, summary.Utterance{Persona: string(m.Persona), Content: m.Content})
	}
	res, err := s.summarizer.Summarize(r.Context(), conv.ID, conv.Problem, utterances)
	if err != nil {
		s.respondGenerationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// respondGenerationError reports upstream model failures as 502 and
// everything else through the usual mapping.
func (s *Server) respondGenerationError(w http.ResponseWriter, err error) {
	if errors.Is(err, chat.ErrInvalidPersona) || errors.Is(err, summary.ErrNothingToSummarize) {
		s.respondServiceError(w, err)
		return
	}
	s.logger.Warn("upstream generation failed", zap.Error(err))
	respondError(w, http.StatusBadGateway, "upstream_failed", "Failed to get response from AI")
}
