package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"engagestack.local/engage-core/internal/conversation"
	"engagestack.local/engage-core/internal/stream"
)

func (s *server) handleConversationInitialize(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.conversationInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var meta conversation.Metadata
	if err := decodeJSON(r, &meta); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var created conversation.Metadata
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		created, err = actor.Initialize(ctx, meta)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.conversationInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var meta conversation.Metadata
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		meta, err = actor.Metadata(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *server) handleConversationPatch(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.conversationInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var patch conversation.MetadataPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var updated conversation.Metadata
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		updated, err = actor.UpdateMetadata(ctx, patch)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *server) handleConversationAddMessage(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.conversationInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var msg conversation.NewMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var stored conversation.Message
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		stored, err = actor.AddMessage(ctx, msg)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.conversationInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	var messages []conversation.Message
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		messages, err = actor.Messages(ctx, limit, offset)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *server) handleConversationGenerate(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.conversationInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		CustomerContext string `json:"customer_context,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var reply conversation.Message
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		reply, err = actor.GenerateAIResponse(ctx, body.CustomerContext)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *server) handleConversationTyping(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.conversationInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name,omitempty"`
		IsTyping bool   `json:"is_typing"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	err = inst.Do(r.Context(), func(context.Context) error {
		actor.SetTyping(body.UserID, body.UserName, body.IsTyping)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleConversationMarkRead(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.conversationInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		UserID    string `json:"user_id"`
		MessageID int64  `json:"message_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	err = inst.Do(r.Context(), func(ctx context.Context) error {
		return actor.MarkAsRead(ctx, body.UserID, body.MessageID)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// clientFrame is one inbound websocket message.
type clientFrame struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	IsTyping  bool   `json:"is_typing,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
}

const maxStreamFrameBytes int64 = 1 << 20

// handleConversationStream upgrades to a websocket, attaches the connection
// to the conversation's broadcast hub, and services typing/mark_read/ping
// frames. Malformed frames get an error frame back, not a dropped
// connection.
func (s *server) handleConversationStream(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.conversationInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("conversation stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxStreamFrameBytes)

	var client *stream.Client
	err = inst.Do(r.Context(), func(context.Context) error {
		client = actor.AttachStream(conn)
		return nil
	})
	if err != nil {
		return
	}
	defer func() {
		_ = inst.Do(context.Background(), func(context.Context) error {
			actor.DetachStream(client)
			return nil
		})
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("conversation stream read failed: %v", err)
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			_ = client.WriteJSON(stream.Event{Type: "error", Payload: "malformed frame: " + err.Error()})
			continue
		}

		switch frame.Type {
		case "ping":
			_ = client.WriteJSON(stream.Event{Type: "pong"})
		case "typing":
			_ = inst.Do(r.Context(), func(context.Context) error {
				actor.SetTyping(frame.UserID, frame.UserName, frame.IsTyping)
				return nil
			})
		case "mark_read":
			doErr := inst.Do(r.Context(), func(ctx context.Context) error {
				return actor.MarkAsRead(ctx, frame.UserID, frame.MessageID)
			})
			if doErr != nil {
				_ = client.WriteJSON(stream.Event{Type: "error", Payload: doErr.Error()})
			}
		default:
			_ = client.WriteJSON(stream.Event{Type: "error", Payload: "unknown frame type " + frame.Type})
		}
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
