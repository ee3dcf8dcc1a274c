package customer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"
	"unicode/utf8"

	"engagestack.local/engage-core/internal/model"
	"engagestack.local/engage-core/internal/stream"
)

const (
	engagementWindow = 7 * 24 * time.Hour

	// Interactions (messages + calls) in the trailing window above these
	// counts bump the engagement level.
	mediumEngagementThreshold = 10
	highEngagementThreshold   = 25
)

// Actor owns one customer's cross-channel history and derived AI context.
// All methods run inside the runtime instance's serialized context.
type Actor struct {
	logger     *log.Logger
	store      *Store
	models     *model.Registry
	customerID string

	hub *stream.Hub
	now func() time.Time
}

func NewActor(logger *log.Logger, store *Store, models *model.Registry, customerID string) *Actor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Actor{
		logger:     logger,
		store:      store,
		models:     models,
		customerID: customerID,
		hub:        stream.NewHub(logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (a *Actor) UpsertProfile(ctx context.Context, rec Profile) (Profile, error) {
	rec.CustomerID = a.customerID
	saved, err := a.store.UpsertProfile(ctx, rec)
	if err != nil {
		return Profile{}, err
	}
	a.hub.Broadcast(stream.Event{Type: "profile_updated", Payload: saved})
	return saved, nil
}

func (a *Actor) Profile(ctx context.Context) (Profile, error) {
	return a.store.GetProfile(ctx, a.customerID)
}

// AddTag appends a tag to the profile if not already present.
func (a *Actor) AddTag(ctx context.Context, tag string) (Profile, error) {
	profile, err := a.store.GetProfile(ctx, a.customerID)
	if err != nil {
		return Profile{}, err
	}
	for _, existing := range profile.Tags {
		if existing == tag {
			return profile, nil
		}
	}
	profile.Tags = append(profile.Tags, tag)
	return a.UpsertProfile(ctx, profile)
}

func (a *Actor) RemoveTag(ctx context.Context, tag string) (Profile, error) {
	profile, err := a.store.GetProfile(ctx, a.customerID)
	if err != nil {
		return Profile{}, err
	}
	kept := profile.Tags[:0]
	for _, existing := range profile.Tags {
		if existing != tag {
			kept = append(kept, existing)
		}
	}
	profile.Tags = kept
	return a.UpsertProfile(ctx, profile)
}

// UpdateField sets one custom field on the profile.
func (a *Actor) UpdateField(ctx context.Context, field, value string) (Profile, error) {
	profile, err := a.store.GetProfile(ctx, a.customerID)
	if err != nil {
		return Profile{}, err
	}
	if profile.CustomFields == nil {
		profile.CustomFields = make(map[string]string)
	}
	profile.CustomFields[field] = value
	return a.UpsertProfile(ctx, profile)
}

func (a *Actor) SetContactPoint(ctx context.Context, point ContactPoint) (ContactPoint, error) {
	return a.store.SetContactPoint(ctx, a.customerID, point)
}

func (a *Actor) ContactPoints(ctx context.Context) ([]ContactPoint, error) {
	return a.store.GetContactPoints(ctx, a.customerID)
}

// SendMessage records an outbound message on the given channel.
func (a *Actor) SendMessage(ctx context.Context, channel, subject, content string) (ChannelMessage, error) {
	return a.recordMessage(ctx, channel, DirectionOutbound, subject, content)
}

// ReceiveMessage records an inbound message on the given channel.
func (a *Actor) ReceiveMessage(ctx context.Context, channel, subject, content string) (ChannelMessage, error) {
	return a.recordMessage(ctx, channel, DirectionInbound, subject, content)
}

func (a *Actor) recordMessage(ctx context.Context, channel string, direction Direction, subject, content string) (ChannelMessage, error) {
	if channel == "" {
		return ChannelMessage{}, fmt.Errorf("channel is required")
	}
	now := a.now()
	stored, err := a.store.AppendMessage(ctx, a.customerID, channel, direction, subject, content, now)
	if err != nil {
		return ChannelMessage{}, err
	}

	kind, desc := "message_sent", "Sent message via "+channel
	if direction == DirectionInbound {
		kind, desc = "message_received", "Received message via "+channel
	}
	if err := a.store.AppendActivity(ctx, a.customerID, kind, desc, now); err != nil {
		a.logger.Printf("customer %s: activity append failed: %v", a.customerID, err)
	}

	a.hub.Broadcast(stream.Event{Type: "customer_message", Payload: stored})

	if err := a.autoUpdateContextFromInteraction(ctx, channel, content, now); err != nil {
		// Context derivation is best-effort; the message itself is committed.
		a.logger.Printf("customer %s: context refresh failed: %v", a.customerID, err)
	}
	return stored, nil
}

func (a *Actor) Messages(ctx context.Context, channel string, limit int) ([]ChannelMessage, error) {
	return a.store.GetMessages(ctx, a.customerID, channel, limit)
}

// LogCall records a completed call and refreshes the derived context.
func (a *Actor) LogCall(ctx context.Context, call Call) (Call, error) {
	now := a.now()
	stored, err := a.store.CreateCall(ctx, a.customerID, call, now)
	if err != nil {
		return Call{}, err
	}
	desc := fmt.Sprintf("Logged %s call (%ds)", stored.Direction, stored.DurationSecs)
	if err := a.store.AppendActivity(ctx, a.customerID, "call_logged", desc, now); err != nil {
		a.logger.Printf("customer %s: activity append failed: %v", a.customerID, err)
	}
	a.hub.Broadcast(stream.Event{Type: "call_logged", Payload: stored})
	if err := a.autoUpdateContextFromInteraction(ctx, "call", stored.Summary, now); err != nil {
		a.logger.Printf("customer %s: context refresh failed: %v", a.customerID, err)
	}
	return stored, nil
}

// UpdateCall patches a call. A patch carrying a summary or transcript also
// refreshes the derived context, since those are the fields insights come from.
func (a *Actor) UpdateCall(ctx context.Context, callID string, patch CallPatch) (Call, error) {
	now := a.now()
	updated, err := a.store.UpdateCall(ctx, a.customerID, callID, patch, now)
	if err != nil {
		return Call{}, err
	}
	a.hub.Broadcast(stream.Event{Type: "call_updated", Payload: updated})
	if patch.Summary != nil || patch.Transcript != nil {
		if err := a.autoUpdateContextFromInteraction(ctx, "call", updated.Summary, now); err != nil {
			a.logger.Printf("customer %s: context refresh failed: %v", a.customerID, err)
		}
	}
	return updated, nil
}

func (a *Actor) Calls(ctx context.Context, limit int) ([]Call, error) {
	return a.store.GetCalls(ctx, a.customerID, limit)
}

func (a *Actor) Activities(ctx context.Context, limit int) ([]Activity, error) {
	return a.store.GetActivities(ctx, a.customerID, limit)
}

func (a *Actor) AddNote(ctx context.Context, note Note) (Note, error) {
	return a.store.CreateNote(ctx, a.customerID, note, a.now())
}

func (a *Actor) SetNotePinned(ctx context.Context, noteID string, pinned bool) error {
	return a.store.SetNotePinned(ctx, a.customerID, noteID, pinned, a.now())
}

func (a *Actor) Notes(ctx context.Context) ([]Note, error) {
	return a.store.GetNotes(ctx, a.customerID)
}

func (a *Actor) CreateTask(ctx context.Context, task Task) (Task, error) {
	return a.store.CreateTask(ctx, a.customerID, task, a.now())
}

func (a *Actor) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (Task, error) {
	return a.store.UpdateTask(ctx, a.customerID, taskID, patch, a.now())
}

func (a *Actor) Tasks(ctx context.Context) ([]Task, error) {
	return a.store.GetTasks(ctx, a.customerID)
}

// AIContext returns the derived context, or an empty one if none has been
// built yet.
func (a *Actor) AIContext(ctx context.Context) (AIContext, error) {
	rec, err := a.store.GetAIContext(ctx, a.customerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AIContext{EngagementLevel: EngagementLow}, nil
		}
		return AIContext{}, err
	}
	return rec, nil
}

// UpdateAIContext replaces the stored context with a caller-edited one.
func (a *Actor) UpdateAIContext(ctx context.Context, rec AIContext) (AIContext, error) {
	rec.UpdatedAt = a.now()
	if rec.EngagementLevel == "" {
		rec.EngagementLevel = EngagementLow
	}
	if err := a.store.SaveAIContext(ctx, a.customerID, rec); err != nil {
		return AIContext{}, err
	}
	return rec, nil
}

// ResolvePainPoint marks an open pain point resolved by its description.
func (a *Actor) ResolvePainPoint(ctx context.Context, description string) (AIContext, error) {
	rec, err := a.AIContext(ctx)
	if err != nil {
		return AIContext{}, err
	}
	now := a.now()
	found := false
	for i := range rec.PainPoints {
		if rec.PainPoints[i].Description == description && !rec.PainPoints[i].Resolved {
			rec.PainPoints[i].Resolved = true
			rec.PainPoints[i].ResolvedAt = &now
			found = true
		}
	}
	if !found {
		return AIContext{}, ErrNotFound
	}
	rec.UpdatedAt = now
	if err := a.store.SaveAIContext(ctx, a.customerID, rec); err != nil {
		return AIContext{}, err
	}
	return rec, nil
}

// autoUpdateContextFromInteraction is the cheap, per-interaction refresh:
// last-interaction summary plus a recency-weighted engagement level derived
// from the trailing-window interaction count.
func (a *Actor) autoUpdateContextFromInteraction(ctx context.Context, channel, content string, now time.Time) error {
	rec, err := a.AIContext(ctx)
	if err != nil {
		return err
	}

	snippet := truncate(content, 140)
	if snippet != "" {
		rec.Summary = fmt.Sprintf("Last interaction via %s: %s", channel, snippet)
	} else {
		rec.Summary = fmt.Sprintf("Last interaction via %s", channel)
	}

	count, err := a.store.CountInteractionsSince(ctx, a.customerID, now.Add(-engagementWindow))
	if err != nil {
		return err
	}
	rec.EngagementLevel = engagementLevelFor(count)
	rec.UpdatedAt = now
	return a.store.SaveAIContext(ctx, a.customerID, rec)
}

func engagementLevelFor(interactions int64) EngagementLevel {
	switch {
	case interactions > highEngagementThreshold:
		return EngagementHigh
	case interactions > mediumEngagementThreshold:
		return EngagementMedium
	default:
		return EngagementLow
	}
}

// ExportData assembles a complete dump of every owned table.
func (a *Actor) ExportData(ctx context.Context) (Export, error) {
	out := Export{ExportedAt: a.now()}

	profile, err := a.store.GetProfile(ctx, a.customerID)
	if err == nil {
		out.Profile = &profile
	} else if !errors.Is(err, ErrNotFound) {
		return Export{}, err
	}

	if out.ContactPoints, err = a.store.GetContactPoints(ctx, a.customerID); err != nil {
		return Export{}, err
	}
	if out.Messages, err = a.store.GetMessages(ctx, a.customerID, "", 10000); err != nil {
		return Export{}, err
	}
	if out.Calls, err = a.store.GetCalls(ctx, a.customerID, 10000); err != nil {
		return Export{}, err
	}
	if out.Activities, err = a.store.GetActivities(ctx, a.customerID, 10000); err != nil {
		return Export{}, err
	}
	if out.Notes, err = a.store.GetNotes(ctx, a.customerID); err != nil {
		return Export{}, err
	}
	if out.Tasks, err = a.store.GetTasks(ctx, a.customerID); err != nil {
		return Export{}, err
	}

	aiCtx, err := a.store.GetAIContext(ctx, a.customerID)
	if err == nil {
		out.AIContext = &aiCtx
	} else if !errors.Is(err, ErrNotFound) {
		return Export{}, err
	}
	return out, nil
}

// DeleteAllData erases every owned row. The erasure is recorded on the
// activity timeline first so the audit entry exists at the moment of the act;
// the sweep then removes it along with everything else. Irreversible.
func (a *Actor) DeleteAllData(ctx context.Context) error {
	now := a.now()
	if err := a.store.AppendActivity(ctx, a.customerID, "data_erasure", "All customer data erased on request", now); err != nil {
		return err
	}
	if err := a.store.DeleteAll(ctx, a.customerID); err != nil {
		return err
	}
	a.logger.Printf("customer %s: all data erased", a.customerID)
	a.hub.Broadcast(stream.Event{Type: "customer_erased", Payload: map[string]string{"customer_id": a.customerID}})
	return nil
}

// HandleAlarm satisfies the runtime actor contract. Customer actors never
// schedule wakeups.
func (a *Actor) HandleAlarm(ctx context.Context) error {
	return nil
}

func (a *Actor) AttachStream(conn stream.Conn) *stream.Client {
	return a.hub.Attach(conn)
}

func (a *Actor) DetachStream(client *stream.Client) {
	a.hub.Detach(client)
}

// truncate cuts on a rune boundary so a multi-byte character is never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
