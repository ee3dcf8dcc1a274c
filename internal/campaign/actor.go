package campaign

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"engagestack.local/engage-core/internal/audience"
	"engagestack.local/engage-core/internal/ids"
	"engagestack.local/engage-core/internal/queue"
	"engagestack.local/engage-core/internal/stream"
)

const (
	batchSize      = 50
	batchInterval  = 10 * time.Second
	windowRecheck  = 5 * time.Minute
	transientRetry = 30 * time.Second

	defaultVoiceConcurrency = 5
)

// AlarmScheduler is the slice of the runtime instance the actor needs to
// self-drive its batch loop.
type AlarmScheduler interface {
	SetAlarm(at time.Time)
	ClearAlarm()
}

// VoiceCall is one outbound call handed to the voice collaborator.
type VoiceCall struct {
	CampaignID string `json:"campaign_id"`
	CustomerID string `json:"customer_id"`
	Phone      string `json:"phone"`
	Name       string `json:"name,omitempty"`
}

// VoiceDispatcher hands calls to the external voice service.
type VoiceDispatcher interface {
	Dispatch(ctx context.Context, call VoiceCall) error
}

// Actor drives one campaign run: repeated scheduled wakeups, each pulling a
// batch of pending recipients and dispatching them through the configured
// channel. All methods run inside the runtime instance's serialized context.
type Actor struct {
	logger     *log.Logger
	store      *Store
	audience   audience.Store
	sendQueue  queue.Queue
	voice      VoiceDispatcher
	campaignID string
	alarms     AlarmScheduler

	hub *stream.Hub
	now func() time.Time
}

type ActorDeps struct {
	Logger    *log.Logger
	Store     *Store
	Audience  audience.Store
	SendQueue queue.Queue
	Voice     VoiceDispatcher
}

func NewActor(deps ActorDeps, campaignID string, alarms AlarmScheduler) *Actor {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Actor{
		logger:     logger,
		store:      deps.Store,
		audience:   deps.Audience,
		sendQueue:  deps.SendQueue,
		voice:      deps.Voice,
		campaignID: campaignID,
		alarms:     alarms,
		hub:        stream.NewHub(logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new draft campaign.
func (a *Actor) Create(ctx context.Context, cfg Config) (State, error) {
	cfg.CampaignID = a.campaignID
	now := a.now()
	state := State{
		Config:    cfg,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.Create(ctx, state); err != nil {
		return State{}, err
	}
	return state, nil
}

// AddAudience enrolls customers as pending recipients.
func (a *Actor) AddAudience(ctx context.Context, customerIDs []string) (int, error) {
	return a.audience.AddRecipients(ctx, a.campaignID, customerIDs)
}

// Start moves a draft campaign to running and schedules the first batch.
// Rejected if already running or outside the schedule window.
func (a *Actor) Start(ctx context.Context) (State, error) {
	state, err := a.store.Get(ctx, a.campaignID)
	if err != nil {
		return State{}, err
	}
	if state.Status != StatusDraft {
		return State{}, fmt.Errorf("%w: cannot start from %s", ErrInvalidState, state.Status)
	}
	now := a.now()
	inWindow, err := withinWindow(state.Config, now)
	if err != nil {
		return State{}, err
	}
	if !inWindow {
		return State{}, ErrOutsideSchedule
	}

	state.Status = StatusRunning
	state.StartedAt = &now
	state.UpdatedAt = now
	if err := a.store.Save(ctx, state); err != nil {
		return State{}, err
	}
	a.alarms.SetAlarm(now)
	return state, nil
}

// Pause suspends dispatch and clears the pending wakeup.
func (a *Actor) Pause(ctx context.Context) (State, error) {
	return a.transition(ctx, StatusRunning, StatusPaused, true)
}

// Resume re-enters running and schedules the next batch.
func (a *Actor) Resume(ctx context.Context) (State, error) {
	state, err := a.transition(ctx, StatusPaused, StatusRunning, false)
	if err != nil {
		return State{}, err
	}
	a.alarms.SetAlarm(a.now())
	return state, nil
}

// Archive terminates the run. A stale alarm cannot revive an archived
// campaign.
func (a *Actor) Archive(ctx context.Context) (State, error) {
	state, err := a.store.Get(ctx, a.campaignID)
	if err != nil {
		return State{}, err
	}
	if state.Status.Terminal() {
		return State{}, fmt.Errorf("%w: already %s", ErrInvalidState, state.Status)
	}
	a.alarms.ClearAlarm()
	state.Status = StatusArchived
	state.UpdatedAt = a.now()
	if err := a.store.Save(ctx, state); err != nil {
		return State{}, err
	}
	return state, nil
}

func (a *Actor) transition(ctx context.Context, from, to Status, clearAlarm bool) (State, error) {
	state, err := a.store.Get(ctx, a.campaignID)
	if err != nil {
		return State{}, err
	}
	if state.Status != from {
		return State{}, fmt.Errorf("%w: cannot go %s -> %s", ErrInvalidState, state.Status, to)
	}
	if clearAlarm {
		a.alarms.ClearAlarm()
	}
	state.Status = to
	state.UpdatedAt = a.now()
	if err := a.store.Save(ctx, state); err != nil {
		return State{}, err
	}
	return state, nil
}

func (a *Actor) State(ctx context.Context) (State, error) {
	return a.store.Get(ctx, a.campaignID)
}

func (a *Actor) Stats(ctx context.Context) (audience.Stats, error) {
	return a.audience.Counts(ctx, a.campaignID)
}

// HandleAlarm runs one batch. Outside the schedule window it reschedules a
// re-check instead of failing; a transient batch error reschedules a short
// retry so one bad batch cannot stall the campaign.
func (a *Actor) HandleAlarm(ctx context.Context) error {
	state, err := a.store.Get(ctx, a.campaignID)
	if err != nil {
		return err
	}
	if state.Status != StatusRunning {
		return nil
	}
	now := a.now()

	inWindow, err := withinWindow(state.Config, now)
	if err != nil {
		return err
	}
	if !inWindow {
		a.alarms.SetAlarm(now.Add(windowRecheck))
		return nil
	}

	limit := batchSize
	if state.Config.MaxPerHour > 0 {
		dispatched, err := a.audience.DispatchedSince(ctx, a.campaignID, now.Add(-time.Hour))
		if err != nil {
			a.logger.Printf("campaign %s: hourly count failed, retrying in %s: %v", a.campaignID, transientRetry, err)
			a.alarms.SetAlarm(now.Add(transientRetry))
			return nil
		}
		remaining := state.Config.MaxPerHour - int(dispatched)
		if remaining <= 0 {
			a.alarms.SetAlarm(now.Add(windowRecheck))
			return nil
		}
		if remaining < limit {
			limit = remaining
		}
	}

	batch, err := a.audience.PendingBatch(ctx, a.campaignID, limit)
	if err != nil {
		a.logger.Printf("campaign %s: batch pull failed, retrying in %s: %v", a.campaignID, transientRetry, err)
		a.alarms.SetAlarm(now.Add(transientRetry))
		return nil
	}

	if err := a.dispatchBatch(ctx, state.Config, batch); err != nil {
		a.logger.Printf("campaign %s: batch dispatch failed, retrying in %s: %v", a.campaignID, transientRetry, err)
		a.alarms.SetAlarm(now.Add(transientRetry))
		return nil
	}

	a.pushStats(ctx)

	if len(batch) == limit {
		a.alarms.SetAlarm(a.now().Add(batchInterval))
		return nil
	}

	// A short batch usually means the audience is exhausted, but recipients
	// cooling down after a failed attempt are excluded from the pull and keep
	// the run alive until their retries resolve.
	stats, err := a.audience.Counts(ctx, a.campaignID)
	if err != nil {
		a.logger.Printf("campaign %s: count failed, retrying in %s: %v", a.campaignID, transientRetry, err)
		a.alarms.SetAlarm(a.now().Add(transientRetry))
		return nil
	}
	if stats.Pending > 0 {
		a.alarms.SetAlarm(a.now().Add(transientRetry))
		return nil
	}

	state.Status = StatusCompleted
	state.UpdatedAt = a.now()
	if err := a.store.Save(ctx, state); err != nil {
		return err
	}
	a.logger.Printf("campaign %s: completed", a.campaignID)
	return nil
}

func (a *Actor) dispatchBatch(ctx context.Context, cfg Config, batch []audience.Recipient) error {
	switch cfg.Channel {
	case ChannelEmail:
		return a.dispatchEmail(ctx, cfg, batch)
	case ChannelVoice:
		return a.dispatchVoice(ctx, cfg, batch)
	case ChannelWhatsApp:
		// Declared but unimplemented: explicit per-recipient failures
		// rather than silent no-ops.
		for _, rec := range batch {
			if err := a.audience.MarkFailed(ctx, rec.ID, "channel whatsapp not implemented", audience.RetryPolicy{}); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown campaign channel %q", cfg.Channel)
	}
}

// dispatchEmail queues one send per valid recipient. A missing address marks
// the recipient failed without consuming a retry; a queue error is transient
// and bubbles up for the 30s retry path.
func (a *Actor) dispatchEmail(ctx context.Context, cfg Config, batch []audience.Recipient) error {
	for _, rec := range batch {
		if rec.Email == "" {
			if err := a.audience.MarkFailed(ctx, rec.ID, "missing email address", audience.RetryPolicy{}); err != nil {
				return err
			}
			continue
		}
		send := queue.EmailSend{
			MessageID:  ids.NewUUID(),
			TenantID:   cfg.TenantID,
			CustomerID: rec.CustomerID,
			CampaignID: a.campaignID,
			To:         rec.Email,
			Subject:    cfg.Subject,
			Body:       cfg.Body,
			EnqueuedAt: a.now(),
		}
		if err := a.sendQueue.Enqueue(ctx, send); err != nil {
			return fmt.Errorf("enqueue email for %s: %w", rec.CustomerID, err)
		}
		if err := a.audience.MarkSent(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// dispatchVoice fans out in concurrent sub-batches bounded by the configured
// max concurrency. Per-recipient outcomes are independent; one failed call
// never aborts the batch.
func (a *Actor) dispatchVoice(ctx context.Context, cfg Config, batch []audience.Recipient) error {
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = defaultVoiceConcurrency
	}

	for start := 0; start < len(batch); start += concurrency {
		end := start + concurrency
		if end > len(batch) {
			end = len(batch)
		}
		sub := batch[start:end]

		outcomes := make([]error, len(sub))
		var wg sync.WaitGroup
		for i, rec := range sub {
			if rec.Phone == "" {
				outcomes[i] = fmt.Errorf("missing phone number")
				continue
			}
			wg.Add(1)
			go func(i int, rec audience.Recipient) {
				defer wg.Done()
				outcomes[i] = a.voice.Dispatch(ctx, VoiceCall{
					CampaignID: a.campaignID,
					CustomerID: rec.CustomerID,
					Phone:      rec.Phone,
					Name:       rec.Name,
				})
			}(i, rec)
		}
		wg.Wait()

		for i, rec := range sub {
			if outcomes[i] != nil {
				// A missing number can never succeed; a failed call gets the
				// configured retry budget.
				policy := retryPolicy(cfg)
				if rec.Phone == "" {
					policy = audience.RetryPolicy{}
				}
				if err := a.audience.MarkFailed(ctx, rec.ID, outcomes[i].Error(), policy); err != nil {
					return err
				}
				continue
			}
			if err := a.audience.MarkSent(ctx, rec.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func retryPolicy(cfg Config) audience.RetryPolicy {
	return audience.RetryPolicy{
		MaxAttempts: cfg.RetryAttempts,
		Cooldown:    time.Duration(cfg.CooldownMinutes) * time.Minute,
	}
}

// DeliveryEvent is an outcome reported by the external delivery pipeline.
type DeliveryEvent string

const (
	EventDelivered DeliveryEvent = "delivered"
	EventReplied   DeliveryEvent = "replied"
)

// RecordDelivery applies a pushed delivery outcome to the recipient's row
// and rebroadcasts the updated counters. Stale reports for recipients not in
// an upgradable state are ignored.
func (a *Actor) RecordDelivery(ctx context.Context, customerID string, event DeliveryEvent) (audience.Stats, error) {
	switch event {
	case EventDelivered:
		if err := a.audience.MarkDelivered(ctx, a.campaignID, customerID); err != nil {
			return audience.Stats{}, err
		}
	case EventReplied:
		if err := a.audience.MarkReplied(ctx, a.campaignID, customerID); err != nil {
			return audience.Stats{}, err
		}
	default:
		return audience.Stats{}, fmt.Errorf("%w: unknown delivery event %q", ErrInvalidState, event)
	}
	return a.PushStats(ctx)
}

// PushStats recomputes audience counts and broadcasts them to attached
// streams.
func (a *Actor) PushStats(ctx context.Context) (audience.Stats, error) {
	stats, err := a.audience.Counts(ctx, a.campaignID)
	if err != nil {
		return audience.Stats{}, err
	}
	a.hub.Broadcast(stream.Event{Type: "campaign_stats", Payload: stats})
	return stats, nil
}

func (a *Actor) pushStats(ctx context.Context) {
	if _, err := a.PushStats(ctx); err != nil {
		a.logger.Printf("campaign %s: stats push failed: %v", a.campaignID, err)
	}
}

func (a *Actor) AttachStream(conn stream.Conn) *stream.Client {
	return a.hub.Attach(conn)
}

func (a *Actor) DetachStream(client *stream.Client) {
	a.hub.Detach(client)
}
