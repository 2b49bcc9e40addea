package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/contextd/contextd/internal/protocol"
	"github.com/contextd/contextd/internal/session"
)

// handleSessionWS serves the turn channel: a websocket over which a client
// submits completed turns and receives the appended events, compaction
// markers and state snapshots back.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	key := session.Key{
		AppName:   strings.TrimSpace(r.URL.Query().Get("app")),
		UserID:    strings.TrimSpace(r.URL.Query().Get("user")),
		SessionID: strings.TrimSpace(r.URL.Query().Get("session_id")),
	}
	if key.AppName == "" || key.UserID == "" || key.SessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_key", "query parameters app, user and session_id are required")
		return
	}
	if _, err := s.sessions.Get(r.Context(), key); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "session_read_failed", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx := r.Context()
	outbound := make(chan any, 64)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			sendOutbound(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		s.dispatchTurnMessage(ctx, key, parsed, outbound)
	}

	close(outbound)
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) dispatchTurnMessage(ctx context.Context, key session.Key, parsed any, outbound chan<- any) {
	switch msg := parsed.(type) {
	case protocol.AppendTurn:
		events := make([]session.Event, 0, len(msg.Events))
		for _, te := range msg.Events {
			ev := session.NewTextEvent(te.Author, te.Text)
			if len(te.StateDelta) > 0 {
				ev.Actions = &session.EventActions{StateDelta: te.StateDelta}
			}
			events = append(events, ev)
		}
		result, err := s.pipe.CompleteTurn(ctx, key, events)
		if err != nil {
			sendOutbound(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "append_failed",
				Retryable: !errors.Is(err, session.ErrCorruptState),
				Detail:    err.Error(),
			})
			return
		}
		for _, appended := range result.Events {
			sendOutbound(outbound, protocol.EventAppended{Type: protocol.TypeEventAppended, Event: appended})
		}
		if result.Compaction != nil {
			sendOutbound(outbound, protocol.CompactionEvent{Type: protocol.TypeCompactionEvent, Event: *result.Compaction})
		}
	case protocol.Compact:
		marker, err := s.pipe.Compact(ctx, key)
		if err != nil {
			sendOutbound(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "compaction_failed",
				Retryable: true,
				Detail:    err.Error(),
			})
			return
		}
		if marker != nil {
			sendOutbound(outbound, protocol.CompactionEvent{Type: protocol.TypeCompactionEvent, Event: *marker})
		}
	case protocol.ReadState:
		view, err := s.sessions.ReadState(ctx, key)
		if err != nil {
			sendOutbound(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "state_read_failed",
				Retryable: true,
				Detail:    err.Error(),
			})
			return
		}
		sendOutbound(outbound, protocol.StateSnapshot{Type: protocol.TypeStateSnapshot, State: view})
	}
}

// sendOutbound keeps websocket writes single-threaded; drops when the
// outbound queue is saturated.
func sendOutbound(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.AppendTurn:
		return m.Type, true
	case protocol.Compact:
		return m.Type, true
	case protocol.ReadState:
		return m.Type, true
	case protocol.EventAppended:
		return m.Type, true
	case protocol.CompactionEvent:
		return m.Type, true
	case protocol.StateSnapshot:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
