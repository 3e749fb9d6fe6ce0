package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/perspectra/internal/persona"
	"github.com/ent0n29/perspectra/internal/store"
)

type createConversationRequest struct {
	Title          string   `json:"title"`
	Problem        string   `json:"problem"`
	ActivePersonas []string `json:"active_personas"`
}

type patchConversationRequest struct {
	Title          *string  `json:"title"`
	Problem        *string  `json:"problem"`
	Status         *string  `json:"status"`
	ActivePersonas []string `json:"active_personas"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type addMessageRequest struct {
	Content     string `json:"content"`
	Persona     string `json:"persona"`
	FactChecked bool   `json:"fact_checked"`
	MessageType string `json:"message_type"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListConversations(r.Context(), userIDFrom(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []store.ConversationSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Problem) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "title and problem are required")
		return
	}
	personas, err := parsePersonas(req.ActivePersonas)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), store.Conversation{
		UserID:         userIDFrom(r),
		Title:          req.Title,
		Problem:        req.Problem,
		ActivePersonas: personas,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.logger.Info("conversation created", zap.String("conversation_id", conv.ID))
	respondJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
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
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     nonNilMessages(msgs),
	})
}

func (s *Server) handleSetConversationStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	conv, err := s.store.SetStatus(r.Context(), userIDFrom(r), chi.URLParam(r, "id"), store.Status(strings.ToUpper(strings.TrimSpace(req.Status))))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handlePatchConversation(w http.ResponseWriter, r *http.Request) {
	var req patchConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	personas, err := parsePersonas(req.ActivePersonas)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	patch := store.Patch{
		Title:          req.Title,
		Problem:        req.Problem,
		ActivePersonas: personas,
	}
	if req.Status != nil {
		st := store.Status(strings.ToUpper(strings.TrimSpace(*req.Status)))
		patch.Status = &st
	}

	conv, err := s.store.UpdateConversation(r.Context(), userIDFrom(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteConversation(r.Context(), userIDFrom(r), id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.sessions.Remove(id)
	s.logger.Info("conversation deleted", zap.String("conversation_id", id))
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages(r.Context(), userIDFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": nonNilMessages(msgs)})
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" || strings.TrimSpace(req.Persona) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "content and persona are required")
		return
	}
	speaker, err := persona.Parse(req.Persona)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	msgType := store.MessageType(strings.ToUpper(strings.TrimSpace(req.MessageType)))
	if msgType == "" {
		msgType = store.MessageStandard
		if speaker == persona.User {
			msgType = store.MessageUser
		}
	}
	if !msgType.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown message_type %q", req.MessageType))
		return
	}

	id := chi.URLParam(r, "id")
	msg, err := s.store.AddMessage(r.Context(), userIDFrom(r), id, store.Message{
		Content:     req.Content,
		Persona:     speaker,
		FactChecked: req.FactChecked,
		MessageType: msgType,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.sessions.SyncMessage(id, msg)
	respondJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func parsePersonas(raw []string) ([]persona.ID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]persona.ID, 0, len(raw))
	for _, v := range raw {
		id, err := persona.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, v)
		}
		if !persona.IsAI(id) {
			return nil, fmt.Errorf("%w: %q cannot be an active persona", persona.ErrUnknown, v)
		}
		out = append(out, id)
	}
	return out, nil
}

func nonNilMessages(msgs []store.Message) []store.Message {
	if msgs == nil {
		return []store.Message{}
	}
	return msgs
}
