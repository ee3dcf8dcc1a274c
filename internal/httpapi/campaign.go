package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"engagestack.local/engage-core/internal/audience"
	"engagestack.local/engage-core/internal/campaign"
	"engagestack.local/engage-core/internal/stream"
)

func (s *server) handleCampaignInit(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.campaignInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var cfg campaign.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cfg.CampaignID = r.PathValue("id")

	var state campaign.State
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		state, err = actor.Create(ctx, cfg)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *server) handleCampaignAddAudience(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.campaignInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		CustomerIDs []string `json:"customer_ids"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var added int
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		added, err = actor.AddAudience(ctx, body.CustomerIDs)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"added": added})
}

func (s *server) handleCampaignStart(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, (*campaign.Actor).Start)
}

func (s *server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, (*campaign.Actor).Pause)
}

func (s *server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, (*campaign.Actor).Resume)
}

func (s *server) handleCampaignCancel(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, (*campaign.Actor).Archive)
}

func (s *server) campaignTransition(w http.ResponseWriter, r *http.Request, op func(*campaign.Actor, context.Context) (campaign.State, error)) {
	inst, actor, err := s.campaignInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var state campaign.State
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		state, err = op(actor, ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.campaignInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var state campaign.State
	var stats audience.Stats
	err = inst.Do(r.Context(), func(ctx context.Context) error {
		var err error
		state, err = actor.State(ctx)
		if err != nil {
			return err
		}
		stats, err = actor.Stats(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state": state,
		"stats": stats,
	})
}

// handleCampaignStats is the push endpoint for the external delivery
// pipeline. A body with a customer_id and event records that outcome; an
// empty body is a bare re-sync. Either way the fresh counters are broadcast
// to attached stream clients and returned to the caller.
func (s *server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.campaignInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body struct {
		CustomerID string `json:"customer_id"`
		Event      string `json:"event"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	var stats audience.Stats
	if body.Event != "" || body.CustomerID != "" {
		event := campaign.DeliveryEvent(body.Event)
		if event != campaign.EventDelivered && event != campaign.EventReplied {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "event must be delivered or replied"})
			return
		}
		if body.CustomerID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "customer_id is required"})
			return
		}
		err = inst.Do(r.Context(), func(ctx context.Context) error {
			var err error
			stats, err = actor.RecordDelivery(ctx, body.CustomerID, event)
			return err
		})
	} else {
		err = inst.Do(r.Context(), func(ctx context.Context) error {
			var err error
			stats, err = actor.PushStats(ctx)
			return err
		})
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCampaignStream is a read-only feed of campaign_stats events.
func (s *server) handleCampaignStream(w http.ResponseWriter, r *http.Request) {
	inst, actor, err := s.campaignInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("campaign stream upgrade failed: %v", err)
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
