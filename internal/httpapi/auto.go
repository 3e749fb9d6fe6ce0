package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/perspectra/internal/protocol"
	"github.com/ent0n29/perspectra/internal/session"
)

const (
	wsWriteTimeout        = 10 * time.Second
	wsReadLimit           = 64 << 10
	defaultWSReadTimeout  = 120 * time.Second
	defaultWSPingInterval = 30 * time.Second
)

type intervalRequest struct {
	IntervalMS int64 `json:"interval_ms"`
}

type interruptRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleAutoStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Get(userIDFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": snap})
}

func (s *Server) handleAutoStart(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Start(r.Context(), userIDFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": snap})
}

func (s *Server) handleAutoPause(w http.ResponseWriter, r *http.Request) {
	s.autoControl(w, r, s.sessions.Pause)
}

func (s *Server) handleAutoResume(w http.ResponseWriter, r *http.Request) {
	s.autoControl(w, r, s.sessions.Resume)
}

func (s *Server) handleAutoStop(w http.ResponseWriter, r *http.Request) {
	s.autoControl(w, r, s.sessions.Stop)
}

func (s *Server) autoControl(w http.ResponseWriter, r *http.Request, op func(userID, conversationID string) (session.Snapshot, error)) {
	snap, err := op(userIDFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": snap})
}

func (s *Server) handleAutoInterrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	msg, err := s.sessions.Interrupt(r.Context(), userIDFrom(r), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *Server) handleAutoInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	snap, err := s.sessions.SetInterval(userIDFrom(r), chi.URLParam(r, "id"), time.Duration(req.IntervalMS)*time.Millisecond)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": snap})
}

func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	userID := wsUserIDFrom(r)
	conversationID := chi.URLParam(r, "id")

	snap, err := s.sessions.Open(r.Context(), userID, conversationID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	events, unsubscribe, err := s.sessions.Subscribe(userID, conversationID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.countSessionEvent("ws_connected")
	logger := s.logger.With(zap.String("conversation_id", conversationID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Replies to client commands share the single writer with session events.
	replies := make(chan any, 16)
	replies <- stateFromSnapshot(snap)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		ping := time.NewTicker(s.wsPingInterval)
		defer ping.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					logger.Debug("websocket ping failed", zap.Error(err))
					cancel()
					return
				}
				continue
			case ev, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
						time.Now().Add(time.Second))
					return
				}
				msg = ev
			case reply := <-replies:
				msg = reply
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.countWSMessage("outbound", t)
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queueReply(ctx, replies, protocol.ErrorEvent{
				Type:           protocol.TypeErrorEvent,
				ConversationID: conversationID,
				Code:           "invalid_client_message",
				Source:         "gateway",
				Detail:         err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.countWSMessage("inbound", t)
		}
		if err := s.dispatchClientMessage(ctx, userID, conversationID, parsed); err != nil {
			logger.Debug("client command rejected", zap.Error(err))
			s.queueReply(ctx, replies, protocol.ErrorEvent{
				Type:           protocol.TypeErrorEvent,
				ConversationID: conversationID,
				Code:           commandErrorCode(err),
				Source:         "session",
				Detail:         err.Error(),
			})
		}
	}

	cancel()
	<-writerDone
	s.countSessionEvent("ws_disconnected")
}

func (s *Server) dispatchClientMessage(ctx context.Context, userID, conversationID string, msg any) error {
	var err error
	switch m := msg.(type) {
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionStart:
			_, err = s.sessions.Start(ctx, userID, conversationID)
		case protocol.ActionPause:
			_, err = s.sessions.Pause(userID, conversationID)
		case protocol.ActionResume:
			_, err = s.sessions.Resume(userID, conversationID)
		case protocol.ActionStop:
			_, err = s.sessions.Stop(userID, conversationID)
		case protocol.ActionSetInterval:
			_, err = s.sessions.SetInterval(userID, conversationID, time.Duration(m.IntervalMS)*time.Millisecond)
		}
	case protocol.UserMessage:
		_, err = s.sessions.Interrupt(ctx, userID, conversationID, m.Content)
	}
	return err
}

func (s *Server) queueReply(ctx context.Context, replies chan<- any, msg any) {
	select {
	case <-ctx.Done():
	case replies <- msg:
	default:
		s.logger.Debug("dropping websocket reply, queue full")
	}
}

func (s *Server) countWSMessage(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func (s *Server) countSessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func commandErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidInterval):
		return "invalid_interval"
	case errors.Is(err, session.ErrNotFound):
		return "session_not_found"
	default:
		return "command_failed"
	}
}

func stateFromSnapshot(snap session.Snapshot) protocol.StateChanged {
	return protocol.StateChanged{
		Type:           protocol.TypeStateChanged,
		ConversationID: snap.ConversationID,
		CurrentSpeaker: string(snap.State.CurrentSpeaker),
		Round:          snap.State.Round,
		Topic:          snap.State.Topic,
		Active:         snap.State.Active,
		PauseRequested: snap.State.PauseRequested,
		LastTurnAt:     snap.State.LastTurnAt,
		IntervalMS:     snap.IntervalMS,
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.UserMessage:
		return m.Type, true
	case protocol.MessageProduced:
		return m.Type, true
	case protocol.StateChanged:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
