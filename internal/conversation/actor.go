package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"engagestack.local/engage-core/internal/model"
	"engagestack.local/engage-core/internal/stream"
)

const (
	defaultHistoryLimit = 20
	defaultTemperature  = 0.7
	defaultMaxTokens    = 1024
	defaultProvider     = "anthropic"
	defaultModelID      = "claude-sonnet-4-20250514"
	defaultSystemPrompt = "You are a helpful customer support assistant."

	typingTTL = 10 * time.Second
)

// AlarmScheduler is the slice of the runtime instance the actor needs: one
// pending wakeup, used here to expire stale typing indicators.
type AlarmScheduler interface {
	SetAlarm(at time.Time)
	ClearAlarm()
}

// Actor owns one conversation. All methods are invoked through the runtime
// instance's serialized context.
type Actor struct {
	logger         *log.Logger
	store          *Store
	models         *model.Registry
	conversationID string
	alarms         AlarmScheduler

	hub    *stream.Hub
	typing *stream.TypingSet
	now    func() time.Time
}

func NewActor(logger *log.Logger, store *Store, models *model.Registry, conversationID string, alarms AlarmScheduler) *Actor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Actor{
		logger:         logger,
		store:          store,
		models:         models,
		conversationID: conversationID,
		alarms:         alarms,
		hub:            stream.NewHub(logger),
		typing:         stream.NewTypingSet(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Initialize creates the metadata row. Re-initialization is rejected with no
// state change.
func (a *Actor) Initialize(ctx context.Context, rec Metadata) (Metadata, error) {
	now := a.now()
	rec.ConversationID = a.conversationID
	if rec.Status == "" {
		rec.Status = StatusOpen
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := a.store.CreateMetadata(ctx, rec); err != nil {
		return Metadata{}, err
	}
	return rec, nil
}

func (a *Actor) Metadata(ctx context.Context) (Metadata, error) {
	return a.store.GetMetadata(ctx, a.conversationID)
}

func (a *Actor) UpdateMetadata(ctx context.Context, patch MetadataPatch) (Metadata, error) {
	updated, err := a.store.UpdateMetadata(ctx, a.conversationID, patch, a.now())
	if err != nil {
		return Metadata{}, err
	}
	a.hub.Broadcast(stream.Event{Type: "conversation_updated", Payload: updated})
	return updated, nil
}

// AddMessage appends to the log and fans the stored row out to every attached
// stream. Broadcast failures never surface to the caller.
func (a *Actor) AddMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if msg.Role == "" {
		msg.Role = RoleUser
	}
	stored, err := a.store.AppendMessage(ctx, a.conversationID, msg, 0, false, a.now())
	if err != nil {
		return Message{}, err
	}
	a.hub.Broadcast(stream.Event{Type: "new_message", Payload: stored})
	return stored, nil
}

func (a *Actor) Messages(ctx context.Context, limit, offset int) ([]Message, error) {
	return a.store.GetMessages(ctx, a.conversationID, limit, offset)
}

// GenerateAIResponse builds a prompt from the system prompt plus the last N
// messages, invokes the configured provider, and persists the assistant turn
// with its token usage. Provider failures propagate; retry belongs to the
// queue-based send paths, not here.
func (a *Actor) GenerateAIResponse(ctx context.Context, customerContext string) (Message, error) {
	meta, err := a.store.GetMetadata(ctx, a.conversationID)
	if err != nil {
		return Message{}, err
	}
	if !meta.AIEnabled {
		return Message{}, fmt.Errorf("ai responses are disabled for this conversation")
	}

	state, err := a.store.GetAIState(ctx, a.conversationID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Message{}, err
		}
		state = AIState{
			SystemPrompt: defaultSystemPrompt,
			Temperature:  defaultTemperature,
			MaxTokens:    defaultMaxTokens,
			ModelID:      defaultModelID,
			Provider:     defaultProvider,
		}
		if err := a.store.SaveAIState(ctx, a.conversationID, state); err != nil {
			return Message{}, err
		}
	}

	history, err := a.store.RecentMessages(ctx, a.conversationID, defaultHistoryLimit)
	if err != nil {
		return Message{}, err
	}

	messages := make([]model.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, model.Message{Role: model.RoleUser, Content: msg.Content})
		case RoleAssistant:
			messages = append(messages, model.Message{Role: model.RoleAssistant, Content: msg.Content})
		}
	}
	if len(messages) == 0 {
		return Message{}, fmt.Errorf("conversation has no messages to respond to")
	}

	systemPrompt := state.SystemPrompt
	if customerContext != "" {
		systemPrompt = systemPrompt + "\n\nCustomer context:\n" + customerContext
	}

	provider, ok := a.models.Get(state.Provider)
	if !ok {
		return Message{}, fmt.Errorf("model provider %q is not registered", state.Provider)
	}
	completion, err := provider.Complete(ctx, model.CompletionRequest{
		Model:        state.ModelID,
		Messages:     messages,
		MaxTokens:    state.MaxTokens,
		Temperature:  state.Temperature,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return Message{}, fmt.Errorf("generate ai response: %w", err)
	}

	stored, err := a.store.AppendMessage(ctx, a.conversationID, NewMessage{
		Role:    RoleAssistant,
		Content: completion.Content,
	}, completion.Usage.Total(), true, a.now())
	if err != nil {
		return Message{}, err
	}
	if err := a.store.AddTokenUsage(ctx, a.conversationID, completion.Usage.Total()); err != nil {
		a.logger.Printf("token usage accumulate failed conversation=%s err=%v", a.conversationID, err)
	}

	a.hub.Broadcast(stream.Event{Type: "new_message", Payload: stored})
	return stored, nil
}

func (a *Actor) AIState(ctx context.Context) (AIState, error) {
	return a.store.GetAIState(ctx, a.conversationID)
}

func (a *Actor) UpdateAIState(ctx context.Context, state AIState) error {
	current, err := a.store.GetAIState(ctx, a.conversationID)
	if err == nil {
		state.TotalTokens = current.TotalTokens
	}
	return a.store.SaveAIState(ctx, a.conversationID, state)
}

// SetTyping mutates the ephemeral typing map and broadcasts the new snapshot.
// A wakeup is scheduled so an abandoned indicator expires on its own.
func (a *Actor) SetTyping(userID, userName string, isTyping bool) {
	if isTyping {
		a.typing.Set(userID, userName, a.now())
		if a.alarms != nil {
			a.alarms.SetAlarm(a.now().Add(typingTTL))
		}
	} else {
		a.typing.Clear(userID)
	}
	a.broadcastTyping()
}

func (a *Actor) MarkAsRead(ctx context.Context, userID string, messageID int64) error {
	readAt := a.now()
	if err := a.store.UpsertReadReceipt(ctx, a.conversationID, userID, messageID, readAt); err != nil {
		return err
	}
	a.hub.Broadcast(stream.Event{Type: "message_read", Payload: ReadReceipt{
		UserID:    userID,
		MessageID: messageID,
		ReadAt:    readAt,
	}})
	return nil
}

// HandleAlarm expires stale typing indicators.
func (a *Actor) HandleAlarm(ctx context.Context) error {
	if a.typing.Prune(a.now(), typingTTL) {
		a.broadcastTyping()
	}
	if len(a.typing.Snapshot()) > 0 && a.alarms != nil {
		a.alarms.SetAlarm(a.now().Add(typingTTL))
	}
	return nil
}

func (a *Actor) AttachStream(conn stream.Conn) *stream.Client {
	return a.hub.Attach(conn)
}

func (a *Actor) DetachStream(client *stream.Client) {
	a.hub.Detach(client)
}

func (a *Actor) broadcastTyping() {
	a.hub.Broadcast(stream.Event{Type: "typing", Payload: a.typing.Snapshot()})
}
