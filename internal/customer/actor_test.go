package customer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"engagestack.local/engage-core/internal/db"
	"engagestack.local/engage-core/internal/model"
)

type fakeProvider struct {
	reply string
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
	return model.CompletionResponse{Content: p.reply, Model: req.Model}, nil
}

func newTestActor(t *testing.T, customerID string, provider model.Provider) *Actor {
	t.Helper()
	gormDB, err := db.Open("sqlite", filepath.Join(t.TempDir(), "customer.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := NewStore(gormDB)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	registry := model.NewRegistry()
	if provider != nil {
		registry.Register(enrichProvider, provider)
	}
	return NewActor(nil, store, registry, customerID)
}

func TestProfileUpsertPreservesCreatedAt(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	ctx := context.Background()

	first, err := actor.UpsertProfile(ctx, Profile{TenantID: "tenant_1", Name: "Ada"})
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	second, err := actor.UpsertProfile(ctx, Profile{TenantID: "tenant_1", Name: "Ada Lovelace", Company: "Analytical Engines"})
	if err != nil {
		t.Fatalf("upsert profile again: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed on update: %v vs %v", second.CreatedAt, first.CreatedAt)
	}

	got, err := actor.Profile(ctx)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.Name != "Ada Lovelace" || got.Company != "Analytical Engines" {
		t.Fatalf("unexpected profile: %+v", got)
	}
}

func TestContactPointPrimaryUniquePerType(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	ctx := context.Background()

	if _, err := actor.SetContactPoint(ctx, ContactPoint{Type: "email", Value: "a@example.com", Primary: true}); err != nil {
		t.Fatalf("set contact point: %v", err)
	}
	if _, err := actor.SetContactPoint(ctx, ContactPoint{Type: "email", Value: "b@example.com", Primary: true}); err != nil {
		t.Fatalf("set second contact point: %v", err)
	}
	if _, err := actor.SetContactPoint(ctx, ContactPoint{Type: "phone", Value: "+15550001111", Primary: true}); err != nil {
		t.Fatalf("set phone contact point: %v", err)
	}

	points, err := actor.ContactPoints(ctx)
	if err != nil {
		t.Fatalf("get contact points: %v", err)
	}
	primaryEmails := 0
	for _, p := range points {
		if p.Type == "email" && p.Primary {
			primaryEmails++
			if p.Value != "b@example.com" {
				t.Fatalf("wrong primary email: %s", p.Value)
			}
		}
	}
	if primaryEmails != 1 {
		t.Fatalf("expected exactly one primary email, got %d", primaryEmails)
	}
}

func TestMessageRecordsActivityAndContext(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	ctx := context.Background()

	if _, err := actor.ReceiveMessage(ctx, "email", "Hello", "I need help with billing"); err != nil {
		t.Fatalf("receive message: %v", err)
	}
	if _, err := actor.SendMessage(ctx, "email", "Re: Hello", "Happy to help"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	msgs, err := actor.Messages(ctx, "email", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID <= msgs[1].ID {
		t.Fatalf("expected newest-first ordering: %d then %d", msgs[0].ID, msgs[1].ID)
	}

	activities, err := actor.Activities(ctx, 10)
	if err != nil {
		t.Fatalf("get activities: %v", err)
	}
	if len(activities) != 2 {
		t.Fatalf("expected 2 activity entries, got %d", len(activities))
	}

	aiCtx, err := actor.AIContext(ctx)
	if err != nil {
		t.Fatalf("get ai context: %v", err)
	}
	if aiCtx.Summary == "" {
		t.Fatal("expected last-interaction summary to be set")
	}
	if aiCtx.EngagementLevel != EngagementLow {
		t.Fatalf("expected low engagement at 2 interactions, got %s", aiCtx.EngagementLevel)
	}
}

func TestEngagementLevelRisesWithInteractions(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	ctx := context.Background()

	for i := 0; i < mediumEngagementThreshold+1; i++ {
		if _, err := actor.ReceiveMessage(ctx, "sms", "", "ping"); err != nil {
			t.Fatalf("receive message %d: %v", i, err)
		}
	}
	aiCtx, err := actor.AIContext(ctx)
	if err != nil {
		t.Fatalf("get ai context: %v", err)
	}
	if aiCtx.EngagementLevel != EngagementMedium {
		t.Fatalf("expected medium engagement past threshold, got %s", aiCtx.EngagementLevel)
	}

	for i := 0; i < highEngagementThreshold-mediumEngagementThreshold; i++ {
		if _, err := actor.ReceiveMessage(ctx, "sms", "", "ping"); err != nil {
			t.Fatalf("receive message: %v", err)
		}
	}
	aiCtx, err = actor.AIContext(ctx)
	if err != nil {
		t.Fatalf("get ai context: %v", err)
	}
	if aiCtx.EngagementLevel != EngagementHigh {
		t.Fatalf("expected high engagement past threshold, got %s", aiCtx.EngagementLevel)
	}
}

func TestCallUpdateWithSummaryRefreshesContext(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	ctx := context.Background()

	call, err := actor.LogCall(ctx, Call{Direction: DirectionInbound, DurationSecs: 300})
	if err != nil {
		t.Fatalf("log call: %v", err)
	}

	summary := "Discussed renewal pricing"
	updated, err := actor.UpdateCall(ctx, call.ID, CallPatch{Summary: &summary})
	if err != nil {
		t.Fatalf("update call: %v", err)
	}
	if updated.Summary != summary {
		t.Fatalf("summary not applied: %q", updated.Summary)
	}

	aiCtx, err := actor.AIContext(ctx)
	if err != nil {
		t.Fatalf("get ai context: %v", err)
	}
	if aiCtx.Summary == "" || aiCtx.Summary != "Last interaction via call: "+summary {
		t.Fatalf("expected call summary in context, got %q", aiCtx.Summary)
	}
}

func TestUpdateUnknownCall(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	summary := "x"
	if _, err := actor.UpdateCall(context.Background(), "missing", CallPatch{Summary: &summary}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnrichContextMergesAndCapsInsights(t *testing.T) {
	provider := &fakeProvider{
		reply: `{"summary":"Evaluating the enterprise plan","key_facts":["Uses SSO","Team of 40"],` +
			`"pain_points":["Slow onboarding"],"goals":["Launch by Q4"],` +
			`"preferences":{"contact_channel":"email"},"conversation_style":"direct","sentiment_trend":"positive"}`,
	}
	actor := newTestActor(t, "cust_1", provider)
	ctx := context.Background()

	if _, err := actor.ReceiveMessage(ctx, "email", "", "We are evaluating the enterprise plan"); err != nil {
		t.Fatalf("receive message: %v", err)
	}

	// Seed facts near the cap so the merge has to trim.
	seed, err := actor.AIContext(ctx)
	if err != nil {
		t.Fatalf("get ai context: %v", err)
	}
	for i := 0; i < maxKeyFacts; i++ {
		seed.KeyFacts = append(seed.KeyFacts, "fact "+string(rune('a'+i)))
	}
	if err := actor.store.SaveAIContext(ctx, "cust_1", seed); err != nil {
		t.Fatalf("seed context: %v", err)
	}

	enriched, err := actor.EnrichContextWithAI(ctx)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected one completion call, got %d", provider.calls)
	}
	if enriched.Summary != "Evaluating the enterprise plan" {
		t.Fatalf("summary not replaced: %q", enriched.Summary)
	}
	if len(enriched.KeyFacts) != maxKeyFacts {
		t.Fatalf("expected facts capped at %d, got %d", maxKeyFacts, len(enriched.KeyFacts))
	}
	last := enriched.KeyFacts[len(enriched.KeyFacts)-1]
	if last != "Team of 40" {
		t.Fatalf("expected newest facts kept, tail is %q", last)
	}
	if len(enriched.PainPoints) != 1 || enriched.PainPoints[0].Resolved {
		t.Fatalf("expected one open pain point, got %+v", enriched.PainPoints)
	}
	if enriched.Preferences["contact_channel"] != "email" {
		t.Fatalf("preference not merged: %+v", enriched.Preferences)
	}

	// Re-running with identical insights must not duplicate the pain point.
	again, err := actor.EnrichContextWithAI(ctx)
	if err != nil {
		t.Fatalf("enrich again: %v", err)
	}
	if len(again.PainPoints) != 1 {
		t.Fatalf("pain point duplicated: %+v", again.PainPoints)
	}
}

func TestTruncateCutsOnRuneBoundary(t *testing.T) {
	got := truncate("ééééé", 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated string is not valid UTF-8: %q", got)
	}
	if got != "éé…" {
		t.Fatalf("got %q, want %q", got, "éé…")
	}

	if s := "short"; truncate(s, 10) != s {
		t.Fatalf("string inside the limit was modified: %q", truncate(s, 10))
	}
}

func TestUpdateAIContextDefaultsEngagementLevel(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	ctx := context.Background()

	saved, err := actor.UpdateAIContext(ctx, AIContext{Summary: "Hand-edited summary"})
	if err != nil {
		t.Fatalf("update context: %v", err)
	}
	if saved.EngagementLevel != EngagementLow {
		t.Fatalf("expected default engagement level, got %q", saved.EngagementLevel)
	}
	if saved.UpdatedAt.IsZero() {
		t.Fatalf("expected UpdatedAt to be stamped")
	}

	got, err := actor.AIContext(ctx)
	if err != nil {
		t.Fatalf("read back context: %v", err)
	}
	if got.Summary != "Hand-edited summary" {
		t.Fatalf("summary not persisted: %+v", got)
	}
}

func TestResolvePainPoint(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	ctx := context.Background()

	seed := AIContext{PainPoints: []PainPoint{{Description: "Slow onboarding"}}, UpdatedAt: time.Now().UTC()}
	if err := actor.store.SaveAIContext(ctx, "cust_1", seed); err != nil {
		t.Fatalf("seed context: %v", err)
	}

	resolved, err := actor.ResolvePainPoint(ctx, "Slow onboarding")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.PainPoints[0].Resolved || resolved.PainPoints[0].ResolvedAt == nil {
		t.Fatalf("pain point not marked resolved: %+v", resolved.PainPoints[0])
	}

	if _, err := actor.ResolvePainPoint(ctx, "Slow onboarding"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound resolving twice, got %v", err)
	}
}

func TestExportThenErase(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	ctx := context.Background()

	if _, err := actor.UpsertProfile(ctx, Profile{TenantID: "tenant_1", Name: "Ada"}); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	if _, err := actor.ReceiveMessage(ctx, "email", "", "hello"); err != nil {
		t.Fatalf("receive message: %v", err)
	}
	if _, err := actor.AddNote(ctx, Note{Content: "VIP"}); err != nil {
		t.Fatalf("add note: %v", err)
	}
	if _, err := actor.CreateTask(ctx, Task{Title: "Follow up"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	export, err := actor.ExportData(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if export.Profile == nil || len(export.Messages) != 1 || len(export.Notes) != 1 || len(export.Tasks) != 1 {
		t.Fatalf("incomplete export: %+v", export)
	}
	if len(export.Activities) == 0 {
		t.Fatal("expected activity timeline in export")
	}

	if err := actor.DeleteAllData(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}

	if _, err := actor.Profile(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected profile erased, got %v", err)
	}
	after, err := actor.ExportData(ctx)
	if err != nil {
		t.Fatalf("export after erase: %v", err)
	}
	if after.Profile != nil || len(after.Messages) != 0 || len(after.Notes) != 0 ||
		len(after.Tasks) != 0 || len(after.Activities) != 0 || after.AIContext != nil {
		t.Fatalf("data survived erasure: %+v", after)
	}
}

func TestNotePinningOrdersFirst(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	ctx := context.Background()

	first, err := actor.AddNote(ctx, Note{Content: "older"})
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if _, err := actor.AddNote(ctx, Note{Content: "newer"}); err != nil {
		t.Fatalf("add note: %v", err)
	}
	if err := actor.SetNotePinned(ctx, first.ID, true); err != nil {
		t.Fatalf("pin note: %v", err)
	}

	notes, err := actor.Notes(ctx)
	if err != nil {
		t.Fatalf("get notes: %v", err)
	}
	if len(notes) != 2 || notes[0].Content != "older" || !notes[0].Pinned {
		t.Fatalf("expected pinned note first, got %+v", notes)
	}

	if err := actor.SetNotePinned(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown note, got %v", err)
	}
}

func TestTaskTransitions(t *testing.T) {
	actor := newTestActor(t, "cust_1", nil)
	ctx := context.Background()

	task, err := actor.CreateTask(ctx, Task{Title: "Send proposal"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != TaskStatusOpen {
		t.Fatalf("expected open default, got %s", task.Status)
	}

	inProgress := TaskStatusInProgress
	updated, err := actor.UpdateTask(ctx, task.ID, TaskPatch{Status: &inProgress})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.Status != TaskStatusInProgress {
		t.Fatalf("status not applied: %s", updated.Status)
	}

	done := TaskStatusDone
	if _, err := actor.UpdateTask(ctx, task.ID, TaskPatch{Status: &done}); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	tasks, err := actor.Tasks(ctx)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != TaskStatusDone {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}
