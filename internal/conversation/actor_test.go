package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"engagestack.local/engage-core/internal/db"
	"engagestack.local/engage-core/internal/model"
	"engagestack.local/engage-core/internal/stream"
)

type fakeProvider struct {
	reply string
	usage model.Usage
	err   error
	calls int
	last  model.CompletionRequest
}

func (p *fakeProvider) Complete(_ context.Context, req model.CompletionRequest) (model.CompletionResponse, error) {
	p.calls++
	p.last = req
	if p.err != nil {
		return model.CompletionResponse{}, p.err
	}
	return model.CompletionResponse{Content: p.reply, Model: req.Model, Usage: p.usage}, nil
}

type recordingConn struct {
	frames []stream.Event
}

func (c *recordingConn) WriteJSON(v any) error {
	c.frames = append(c.frames, v.(stream.Event))
	return nil
}

func (c *recordingConn) Close() error { return nil }

func newTestActor(t *testing.T, conversationID string, provider model.Provider) *Actor {
	t.Helper()
	gormDB, err := db.Open("sqlite", filepath.Join(t.TempDir(), "conv.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := NewStore(gormDB)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	registry := model.NewRegistry()
	if provider != nil {
		registry.Register(defaultProvider, provider)
	}
	return NewActor(nil, store, registry, conversationID, nil)
}

func testMetadata() Metadata {
	return Metadata{
		TenantID:   "tenant_1",
		CustomerID: "cust_1",
		Channel:    "email",
		AIEnabled:  true,
	}
}

func TestInitializeOnlyOnce(t *testing.T) {
	actor := newTestActor(t, "conv_1", nil)
	ctx := context.Background()

	first, err := actor.Initialize(ctx, testMetadata())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if first.Status != StatusOpen {
		t.Fatalf("expected open status default, got %s", first.Status)
	}

	second := testMetadata()
	second.CustomerID = "cust_other"
	if _, err := actor.Initialize(ctx, second); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}

	loaded, err := actor.Metadata(ctx)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if loaded.CustomerID != "cust_1" {
		t.Fatalf("failed re-init must not change metadata, got customer %q", loaded.CustomerID)
	}
}

func TestMessagesOrderedByIncreasingID(t *testing.T) {
	actor := newTestActor(t, "conv_2", nil)
	ctx := context.Background()
	if _, err := actor.Initialize(ctx, testMetadata()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	contents := []string{"one", "two", "three", "four"}
	var lastID int64
	for _, content := range contents {
		stored, err := actor.AddMessage(ctx, NewMessage{Role: RoleUser, Content: content})
		if err != nil {
			t.Fatalf("add message %q: %v", content, err)
		}
		if stored.ID <= lastID {
			t.Fatalf("ids must increase: %d after %d", stored.ID, lastID)
		}
		lastID = stored.ID
	}

	page, err := actor.Messages(ctx, 10, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(page) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(page))
	}
	// Newest first.
	if page[0].Content != "four" || page[3].Content != "one" {
		t.Fatalf("unexpected page order: %q ... %q", page[0].Content, page[3].Content)
	}
	for i := 1; i < len(page); i++ {
		if page[i].ID >= page[i-1].ID {
			t.Fatalf("page not strictly descending by id")
		}
	}
}

func TestAddMessageBroadcastsToStreams(t *testing.T) {
	actor := newTestActor(t, "conv_3", nil)
	ctx := context.Background()
	if _, err := actor.Initialize(ctx, testMetadata()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	conn := &recordingConn{}
	actor.AttachStream(conn)

	if _, err := actor.AddMessage(ctx, NewMessage{Role: RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if len(conn.frames) != 1 || conn.frames[0].Type != "new_message" {
		t.Fatalf("expected new_message broadcast, got %+v", conn.frames)
	}
	msg, ok := conn.frames[0].Payload.(Message)
	if !ok || msg.Content != "hi" {
		t.Fatalf("broadcast should carry the stored row, got %+v", conn.frames[0].Payload)
	}
}

func TestGenerateAIResponsePersistsReplyAndUsage(t *testing.T) {
	provider := &fakeProvider{reply: "Happy to help!", usage: model.Usage{InputTokens: 30, OutputTokens: 12}}
	actor := newTestActor(t, "conv_4", provider)
	ctx := context.Background()
	if _, err := actor.Initialize(ctx, testMetadata()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := actor.AddMessage(ctx, NewMessage{Role: RoleUser, Content: "where is my order?"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	reply, err := actor.GenerateAIResponse(ctx, "Customer prefers short answers.")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !reply.AIGenerated || reply.Role != RoleAssistant {
		t.Fatalf("reply should be an ai-generated assistant message: %+v", reply)
	}
	if reply.TokenCount != 42 {
		t.Fatalf("expected token count 42, got %d", reply.TokenCount)
	}
	if provider.last.SystemPrompt == "" || provider.last.MaxTokens != defaultMaxTokens {
		t.Fatalf("unexpected completion request %+v", provider.last)
	}

	state, err := actor.AIState(ctx)
	if err != nil {
		t.Fatalf("ai state: %v", err)
	}
	if state.TotalTokens != 42 {
		t.Fatalf("expected accumulated usage 42, got %d", state.TotalTokens)
	}

	// A second generation accumulates on top.
	if _, err := actor.GenerateAIResponse(ctx, ""); err != nil {
		t.Fatalf("second generate: %v", err)
	}
	state, _ = actor.AIState(ctx)
	if state.TotalTokens != 84 {
		t.Fatalf("expected accumulated usage 84, got %d", state.TotalTokens)
	}
}

func TestGenerateAIResponsePropagatesProviderFailure(t *testing.T) {
	provider := &fakeProvider{err: errors.New("model overloaded")}
	actor := newTestActor(t, "conv_5", provider)
	ctx := context.Background()
	if _, err := actor.Initialize(ctx, testMetadata()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := actor.AddMessage(ctx, NewMessage{Role: RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	if _, err := actor.GenerateAIResponse(ctx, ""); err == nil {
		t.Fatal("expected provider failure to propagate")
	}
	// No assistant message persisted.
	page, _ := actor.Messages(ctx, 10, 0)
	if len(page) != 1 {
		t.Fatalf("failed generation must not persist a reply, got %d messages", len(page))
	}
}

func TestMarkAsReadUpsertsLastWriteWins(t *testing.T) {
	actor := newTestActor(t, "conv_6", nil)
	ctx := context.Background()
	if _, err := actor.Initialize(ctx, testMetadata()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	stored, err := actor.AddMessage(ctx, NewMessage{Role: RoleUser, Content: "read me"})
	if err != nil {
		t.Fatalf("add message: %v", err)
	}

	if err := actor.MarkAsRead(ctx, "u1", stored.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// Second receipt for the same pair must not error.
	if err := actor.MarkAsRead(ctx, "u1", stored.ID); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
}

func TestTypingBroadcastAndExpiry(t *testing.T) {
	actor := newTestActor(t, "conv_7", nil)
	ctx := context.Background()
	if _, err := actor.Initialize(ctx, testMetadata()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	conn := &recordingConn{}
	actor.AttachStream(conn)

	actor.SetTyping("u1", "Ana", true)
	if len(conn.frames) != 1 || conn.frames[0].Type != "typing" {
		t.Fatalf("expected typing broadcast, got %+v", conn.frames)
	}
	users := conn.frames[0].Payload.([]stream.TypingUser)
	if len(users) != 1 || users[0].UserName != "Ana" {
		t.Fatalf("unexpected typing snapshot %+v", users)
	}

	// Simulate the expiry wakeup with an aged entry.
	actor.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	actor.HandleAlarm(ctx)
	last := conn.frames[len(conn.frames)-1]
	if last.Type != "typing" {
		t.Fatalf("expected typing broadcast on expiry, got %q", last.Type)
	}
	if users := last.Payload.([]stream.TypingUser); len(users) != 0 {
		t.Fatalf("expected empty typing snapshot after expiry, got %+v", users)
	}
}
