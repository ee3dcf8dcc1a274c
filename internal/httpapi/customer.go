package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"engagestack.local/engage-core/internal/customer"
	"engagestack.local/engage-core/internal/stream"
)

func (s *server) handleCustomerGet(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var profile customer.Profile
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		profile, err = actor.Profile(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *server) handleCustomerUpsert(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var profile customer.Profile
	if err := decodeJSON(r, &profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var saved customer.Profile
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		saved, err = actor.UpsertProfile(ctx, profile)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *server) handleCustomerContactPoints(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var points []customer.ContactPoint
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		points, err = actor.ContactPoints(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contact_points": points})
}

func (s *server) handleCustomerSetContactPoint(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var point customer.ContactPoint
	if err := decodeJSON(r, &point); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var saved customer.ContactPoint
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		saved, err = actor.SetContactPoint(ctx, point)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *server) handleCustomerActivities(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 50)

	var activities []customer.Activity
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		activities, err = actor.Activities(ctx, limit)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
}

func (s *server) handleCustomerMessages(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	channel := r.URL.Query().Get("channel")
	limit := queryInt(r, "limit", 50)

	var messages []customer.ChannelMessage
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		messages, err = actor.Messages(ctx, channel, limit)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type customerMessageBody struct {
	Channel string `json:"channel"`
	Subject string `json:"subject,omitempty"`
	Content string `json:"content"`
}

func (s *server) handleCustomerSendMessage(w http.ResponseWriter, r *http.Request) {
	s.handleCustomerMessage(w, r, customer.DirectionOutbound)
}

func (s *server) handleCustomerReceiveMessage(w http.ResponseWriter, r *http.Request) {
	s.handleCustomerMessage(w, r, customer.DirectionInbound)
}

func (s *server) handleCustomerMessage(w http.ResponseWriter, r *http.Request, direction customer.Direction) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body customerMessageBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var stored customer.ChannelMessage
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		if direction == customer.DirectionOutbound {
			stored, err = actor.SendMessage(ctx, body.Channel, body.Subject, body.Content)
		} else {
			stored, err = actor.ReceiveMessage(ctx, body.Channel, body.Subject, body.Content)
		}
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *server) handleCustomerCalls(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 50)

	var calls []customer.Call
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		calls, err = actor.Calls(ctx, limit)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *server) handleCustomerLogCall(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var call customer.Call
	if err := decodeJSON(r, &call); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var stored customer.Call
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		stored, err = actor.LogCall(ctx, call)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *server) handleCustomerPatchCall(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var patch customer.CallPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var updated customer.Call
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		updated, err = actor.UpdateCall(ctx, r.PathValue("callID"), patch)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *server) handleCustomerNotes(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var notes []customer.Note
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		notes, err = actor.Notes(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

func (s *server) handleCustomerAddNote(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var note customer.Note
	if err := decodeJSON(r, &note); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var stored customer.Note
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		stored, err = actor.AddNote(ctx, note)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *server) handleCustomerPinNote(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Pinned bool `json:"pinned"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	err = inst.Do(r.Context(), func(ctx context.Context) error {
		return actor.SetNotePinned(ctx, r.PathValue("noteID"), body.Pinned)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleCustomerTasks(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var tasks []customer.Task
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		tasks, err = actor.Tasks(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *server) handleCustomerAddTask(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var task customer.Task
	if err := decodeJSON(r, &task); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var stored customer.Task
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		stored, err = actor.CreateTask(ctx, task)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *server) handleCustomerPatchTask(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var patch customer.TaskPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var updated customer.Task
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		updated, err = actor.UpdateTask(ctx, r.PathValue("taskID"), patch)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *server) handleCustomerAIContext(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var aiCtx customer.AIContext
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		aiCtx, err = actor.AIContext(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aiCtx)
}

func (s *server) handleCustomerUpdateAIContext(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var aiCtx customer.AIContext
	if err := decodeJSON(r, &aiCtx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var updated customer.AIContext
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		updated, err = actor.UpdateAIContext(ctx, aiCtx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *server) handleCustomerAIContextFormatted(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var formatted string
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		formatted, err = actor.FormattedContext(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": formatted})
}

func (s *server) handleCustomerEnrich(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var aiCtx customer.AIContext
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		aiCtx, err = actor.EnrichContextWithAI(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aiCtx)
}

func (s *server) handleCustomerResolvePainPoint(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var aiCtx customer.AIContext
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		aiCtx, err = actor.ResolvePainPoint(ctx, body.Description)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aiCtx)
}

func (s *server) handleCustomerExport(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var export customer.Export
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		export, err = actor.ExportData(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (s *server) handleCustomerDeleteAll(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		return actor.DeleteAllData(ctx)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"erased": true})
}

// handleCustomerStream is a read-only event feed: profile updates, channel
// messages, erasure notices. Clients may still ping.
func (s *server) handleCustomerStream(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.customerInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("customer stream upgrade failed: %v", err)
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
		default:
			_ = client.WriteJSON(stream.Event{Type: "error", Payload: "unknown frame type " + frame.Type})
		}
	}
}
