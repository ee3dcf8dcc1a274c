package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"engagestack.local/engage-core/internal/db"
	"engagestack.local/engage-core/internal/model"
	"engagestack.local/engage-core/internal/queue"
	"engagestack.local/engage-core/internal/sandbox"
)

type fakeAlarms struct {
	setAt   []time.Time
	cleared int
}

func (f *fakeAlarms) SetAlarm(at time.Time) { f.setAt = append(f.setAt, at) }
func (f *fakeAlarms) ClearAlarm()           { f.cleared++ }

type fakeCustomers struct {
	added   []string
	removed []string
	fields  map[string]string
	err     error
}

func (f *fakeCustomers) AddTag(_ context.Context, _, tag string) error {
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, tag)
	return nil
}

func (f *fakeCustomers) RemoveTag(_ context.Context, _, tag string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, tag)
	return nil
}

func (f *fakeCustomers) UpdateField(_ context.Context, _, field, value string) error {
	if f.err != nil {
		return f.err
	}
	if f.fields == nil {
		f.fields = make(map[string]string)
	}
	f.fields[field] = value
	return nil
}

type fakeRunner struct {
	result sandbox.ExecuteResult
	err    error
	last   sandbox.ExecuteRequest
}

func (f *fakeRunner) Execute(_ context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error) {
	f.last = req
	if f.err != nil {
		return sandbox.ExecuteResult{}, f.err
	}
	return f.result, nil
}

type fakeProvider struct {
	reply string
	last  model.CompletionRequest
}

func (p *fakeProvider) Complete(_ context.Context, req model.CompletionRequest) (model.CompletionResponse, error) {
	p.last = req
	return model.CompletionResponse{Content: p.reply}, nil
}

type testEnv struct {
	actor     *Actor
	alarms    *fakeAlarms
	customers *fakeCustomers
	runner    *fakeRunner
	sends     *queue.MemoryQueue
	provider  *fakeProvider
}

func newTestEnv(t *testing.T, executionID string) *testEnv {
	t.Helper()
	gormDB, err := db.Open("sqlite", filepath.Join(t.TempDir(), "wf.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := NewStore(gormDB)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	env := &testEnv{
		alarms:    &fakeAlarms{},
		customers: &fakeCustomers{},
		runner:    &fakeRunner{},
		sends:     queue.NewMemoryQueue(),
		provider:  &fakeProvider{reply: "generated"},
	}
	registry := model.NewRegistry()
	registry.Register(defaultStepProvider, env.provider)
	env.actor = NewActor(ActorDeps{
		Store:     store,
		Models:    registry,
		SendQueue: env.sends,
		Customers: env.customers,
		Runner:    env.runner,
	}, executionID, env.alarms)
	return env
}

func node(id string, typ NodeType, cfg any) Node {
	n := Node{ID: id, Type: typ}
	if cfg != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			panic(err)
		}
		n.Data = data
	}
	return n
}

func startParams(def Definition, vars map[string]any) StartParams {
	return StartParams{
		TenantID:   "tenant_1",
		WorkflowID: "wf_1",
		CustomerID: "cust_1",
		Definition: def,
		Variables:  vars,
	}
}

func TestExecuteRequiresExactlyOneStartNode(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t, "exec_1")
	def := Definition{Nodes: []Node{node("a", NodeAIResponse, AIResponseConfig{Prompt: "hi"})}}
	if _, err := env.actor.ExecuteWorkflow(ctx, startParams(def, nil)); err == nil {
		t.Fatal("expected error with no start node")
	}

	env = newTestEnv(t, "exec_2")
	def = Definition{Nodes: []Node{node("s1", NodeStart, nil), node("s2", NodeStart, nil)}}
	if _, err := env.actor.ExecuteWorkflow(ctx, startParams(def, nil)); err == nil {
		t.Fatal("expected error with two start nodes")
	}
}

func TestLinearRunCompletes(t *testing.T) {
	env := newTestEnv(t, "exec_1")
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("ai", NodeAIResponse, AIResponseConfig{Prompt: "Say hello to {{customer.name}}"}),
		},
		Edges: []Edge{{From: "start", To: "ai"}},
	}
	vars := map[string]any{"customer": map[string]any{"id": "cust_1", "name": "Ada"}}

	exec, err := env.actor.ExecuteWorkflow(context.Background(), startParams(def, vars))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if env.provider.last.Messages[0].Content != "Say hello to Ada" {
		t.Fatalf("prompt not interpolated: %q", env.provider.last.Messages[0].Content)
	}
	if exec.Context["aiResponse"] != "generated" {
		t.Fatalf("aiResponse not stored: %v", exec.Context["aiResponse"])
	}

	history, err := env.actor.History(context.Background())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].NodeID != "start" || history[1].NodeID != "ai" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestWaitThenAlarmResumesExactlyOnce(t *testing.T) {
	env := newTestEnv(t, "exec_1")
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("wait", NodeWait, WaitConfig{Duration: 5, Unit: "minutes"}),
			node("tag", NodeAddTag, TagConfig{Tag: "followed-up"}),
		},
		Edges: []Edge{
			{From: "start", To: "wait"},
			{From: "wait", To: "tag"},
		},
	}

	exec, err := env.actor.ExecuteWorkflow(context.Background(), startParams(def, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusWaiting {
		t.Fatalf("status = %s, want waiting", exec.Status)
	}
	if exec.WaitUntil == nil {
		t.Fatal("wait_until not set")
	}
	if len(env.alarms.setAt) != 1 || !env.alarms.setAt[0].Equal(*exec.WaitUntil) {
		t.Fatalf("alarm not scheduled at wake time: %+v", env.alarms.setAt)
	}
	if len(env.customers.added) != 0 {
		t.Fatal("tag step ran before the wait elapsed")
	}

	if err := env.actor.HandleAlarm(context.Background()); err != nil {
		t.Fatalf("alarm: %v", err)
	}
	after, err := env.actor.Execution(context.Background())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if after.Status != StatusCompleted {
		t.Fatalf("status after alarm = %s, want completed", after.Status)
	}
	if len(env.customers.added) != 1 || env.customers.added[0] != "followed-up" {
		t.Fatalf("tag step did not run on resume: %+v", env.customers.added)
	}

	// A spurious second wakeup must not re-run anything.
	if err := env.actor.HandleAlarm(context.Background()); err != nil {
		t.Fatalf("spurious alarm: %v", err)
	}
	if len(env.customers.added) != 1 {
		t.Fatalf("spurious alarm duplicated the resume: %+v", env.customers.added)
	}
}

func TestConditionRouting(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("check", NodeCondition, ConditionConfig{Field: "customer.plan", Operator: "equals", Value: "pro"}),
			node("yes", NodeAddTag, TagConfig{Tag: "pro-user"}),
			node("no", NodeAddTag, TagConfig{Tag: "free-user"}),
		},
		Edges: []Edge{
			{From: "start", To: "check"},
			{From: "check", To: "yes", Label: "true"},
			{From: "check", To: "no", Label: "false"},
		},
	}

	cases := []struct {
		name string
		plan string
		want string
	}{
		{"matching value follows true edge", "pro", "pro-user"},
		{"non-matching value follows false edge", "free", "free-user"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, "exec_"+tc.plan)
			vars := map[string]any{"customer": map[string]any{"id": "cust_1", "plan": tc.plan}}
			exec, err := env.actor.ExecuteWorkflow(context.Background(), startParams(def, vars))
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if exec.Status != StatusCompleted {
				t.Fatalf("status = %s, want completed", exec.Status)
			}
			if len(env.customers.added) != 1 || env.customers.added[0] != tc.want {
				t.Fatalf("routed to %+v, want %s", env.customers.added, tc.want)
			}
		})
	}
}

func TestConditionFallsBackToFirstEdgeWithoutLabels(t *testing.T) {
	env := newTestEnv(t, "exec_1")
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("check", NodeCondition, ConditionConfig{Field: "missing", Operator: "is_set"}),
			node("only", NodeAddTag, TagConfig{Tag: "fallback"}),
		},
		Edges: []Edge{
			{From: "start", To: "check"},
			{From: "check", To: "only"},
		},
	}

	exec, err := env.actor.ExecuteWorkflow(context.Background(), startParams(def, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if len(env.customers.added) != 1 || env.customers.added[0] != "fallback" {
		t.Fatalf("expected fallback edge taken, got %+v", env.customers.added)
	}
}

func TestSendEmailEnqueuesAndOtherChannelsReportNotSent(t *testing.T) {
	env := newTestEnv(t, "exec_1")
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("email", NodeSendEmail, SendMessageConfig{To: "{{customer.email}}", Subject: "Hi {{customer.name}}", Body: "Welcome"}),
			node("sms", NodeSendMessage, SendMessageConfig{Channel: "sms", Body: "Welcome"}),
		},
		Edges: []Edge{
			{From: "start", To: "email"},
			{From: "email", To: "sms"},
		},
	}
	vars := map[string]any{"customer": map[string]any{"id": "cust_1", "name": "Ada", "email": "ada@example.com"}}

	exec, err := env.actor.ExecuteWorkflow(context.Background(), startParams(def, vars))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}

	sends := env.sends.Sends()
	if len(sends) != 1 {
		t.Fatalf("expected 1 queued email, got %d", len(sends))
	}
	if sends[0].To != "ada@example.com" || sends[0].Subject != "Hi Ada" {
		t.Fatalf("unexpected send: %+v", sends[0])
	}
	if sends[0].WorkflowExecutionID != "exec_1" {
		t.Fatalf("send not linked to execution: %+v", sends[0])
	}
	if _, err := uuid.Parse(sends[0].MessageID); err != nil {
		t.Fatalf("message id %q is not a uuid: %v", sends[0].MessageID, err)
	}

	history, _ := env.actor.History(context.Background())
	last := history[len(history)-1]
	if last.NodeID != "sms" || last.Outcome != OutcomeCompleted || last.Detail == "" {
		t.Fatalf("unexpected sms step entry: %+v", last)
	}
	if want := `sent:false channel "sms" not implemented`; last.Detail != want {
		t.Fatalf("detail = %q, want %q", last.Detail, want)
	}
}

func TestStepErrorFailsRunAndKeepsHistory(t *testing.T) {
	env := newTestEnv(t, "exec_1")
	env.customers.err = errors.New("customer actor unavailable")
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("tag", NodeAddTag, TagConfig{Tag: "x"}),
			node("never", NodeAIResponse, AIResponseConfig{Prompt: "unreachable"}),
		},
		Edges: []Edge{
			{From: "start", To: "tag"},
			{From: "tag", To: "never"},
		},
	}

	exec, err := env.actor.ExecuteWorkflow(context.Background(), startParams(def, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.Error == "" {
		t.Fatal("error detail not recorded")
	}

	history, _ := env.actor.History(context.Background())
	if len(history) != 2 {
		t.Fatalf("expected partial history of 2 entries, got %d", len(history))
	}
	if history[1].Outcome != OutcomeFailed {
		t.Fatalf("failed step outcome = %s", history[1].Outcome)
	}
}

func TestTerminalRunsClearCurrentNode(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t, "exec_failed")
	env.customers.err = errors.New("customer actor unavailable")
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("bad", NodeAddTag, TagConfig{Tag: "x"}),
		},
		Edges: []Edge{{From: "start", To: "bad"}},
	}
	exec, err := env.actor.ExecuteWorkflow(ctx, startParams(def, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusFailed || exec.CurrentNode != "" {
		t.Fatalf("failed run keeps a current node: %s %q", exec.Status, exec.CurrentNode)
	}
	if after, _ := env.actor.Execution(ctx); after.CurrentNode != "" {
		t.Fatalf("failed run persisted with current node %q", after.CurrentNode)
	}

	env = newTestEnv(t, "exec_cancelled")
	def = Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("wait", NodeWait, WaitConfig{Duration: 1, Unit: "hours"}),
		},
		Edges: []Edge{{From: "start", To: "wait"}},
	}
	if _, err := env.actor.ExecuteWorkflow(ctx, startParams(def, nil)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	cancelled, err := env.actor.Cancel(ctx)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CurrentNode != "" {
		t.Fatalf("cancelled run keeps current node %q", cancelled.CurrentNode)
	}
	if after, _ := env.actor.Execution(ctx); after.CurrentNode != "" {
		t.Fatalf("cancelled run persisted with current node %q", after.CurrentNode)
	}
}

func TestRebuiltActorReArmsWaitAlarm(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "exec_1")
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("wait", NodeWait, WaitConfig{Duration: 5, Unit: "minutes"}),
			node("tag", NodeAddTag, TagConfig{Tag: "followed-up"}),
		},
		Edges: []Edge{
			{From: "start", To: "wait"},
			{From: "wait", To: "tag"},
		},
	}
	if _, err := env.actor.ExecuteWorkflow(ctx, startParams(def, nil)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// A restart rebuilds the actor on the same store; the in-memory alarm is
	// gone, so construction must schedule a fresh one at the wait deadline.
	alarms := &fakeAlarms{}
	rebuilt := NewActor(ActorDeps{
		Store:     env.actor.store,
		Models:    env.actor.models,
		SendQueue: env.sends,
		Customers: env.customers,
		Runner:    env.runner,
	}, "exec_1", alarms)

	exec, err := rebuilt.Execution(ctx)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if len(alarms.setAt) != 1 || !alarms.setAt[0].Equal(*exec.WaitUntil) {
		t.Fatalf("rebuilt actor did not re-arm the wait alarm: %+v", alarms.setAt)
	}

	if err := rebuilt.HandleAlarm(ctx); err != nil {
		t.Fatalf("alarm: %v", err)
	}
	after, _ := rebuilt.Execution(ctx)
	if after.Status != StatusCompleted {
		t.Fatalf("status after resume = %s, want completed", after.Status)
	}
	if len(env.customers.added) != 1 || env.customers.added[0] != "followed-up" {
		t.Fatalf("tag step did not run after restart: %+v", env.customers.added)
	}
}

func TestRebuiltActorResumesRunAbandonedMidDrive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "exec_1")
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("tag", NodeAddTag, TagConfig{Tag: "recovered"}),
		},
		Edges: []Edge{{From: "start", To: "tag"}},
	}

	// A run persisted as running with an advanced pointer is what a crash
	// between step commits leaves behind.
	now := time.Now().UTC()
	abandoned := Execution{
		ExecutionID: "exec_1",
		TenantID:    "tenant_1",
		WorkflowID:  "wf_1",
		CustomerID:  "cust_1",
		Status:      StatusRunning,
		CurrentNode: "tag",
		Definition:  def,
		Context:     map[string]any{"customer": map[string]any{"id": "cust_1"}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := env.actor.store.CreateExecution(ctx, abandoned); err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	alarms := &fakeAlarms{}
	rebuilt := NewActor(ActorDeps{
		Store:     env.actor.store,
		Customers: env.customers,
	}, "exec_1", alarms)
	if len(alarms.setAt) != 1 {
		t.Fatalf("rebuilt actor did not schedule an immediate wakeup: %+v", alarms.setAt)
	}

	if err := rebuilt.HandleAlarm(ctx); err != nil {
		t.Fatalf("alarm: %v", err)
	}
	after, _ := rebuilt.Execution(ctx)
	if after.Status != StatusCompleted {
		t.Fatalf("status after recovery = %s, want completed", after.Status)
	}
	if len(env.customers.added) != 1 || env.customers.added[0] != "recovered" {
		t.Fatalf("run did not resume from the committed node: %+v", env.customers.added)
	}
}

func TestWebhookCapturesResponse(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"score": 87}`)
	}))
	defer server.Close()

	env := newTestEnv(t, "exec_1")
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("hook", NodeWebhook, WebhookConfig{URL: server.URL}),
			node("check", NodeCondition, ConditionConfig{Field: "webhookResponse.score", Operator: "greater_than", Value: "50"}),
			node("yes", NodeAddTag, TagConfig{Tag: "high-score"}),
		},
		Edges: []Edge{
			{From: "start", To: "hook"},
			{From: "hook", To: "check"},
			{From: "check", To: "yes", Label: "true"},
		},
	}
	vars := map[string]any{"customer": map[string]any{"id": "cust_1", "name": "Ada"}}

	exec, err := env.actor.ExecuteWorkflow(context.Background(), startParams(def, vars))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if received["customer"] == nil {
		t.Fatal("webhook did not receive the context body")
	}
	if len(env.customers.added) != 1 || env.customers.added[0] != "high-score" {
		t.Fatalf("condition did not see webhookResponse: %+v", env.customers.added)
	}
}

func TestRunCodeStoresResultAndVariables(t *testing.T) {
	env := newTestEnv(t, "exec_1")
	env.runner.result = sandbox.ExecuteResult{
		Result:    float64(42),
		Variables: map[string]any{"segment": "enterprise"},
	}
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("code", NodeRunCode, RunCodeConfig{
				Code:           "return score(input.name)",
				InputMapping:   map[string]string{"name": "customer.name"},
				OutputVariable: "leadScore",
			}),
		},
		Edges: []Edge{{From: "start", To: "code"}},
	}
	vars := map[string]any{"customer": map[string]any{"id": "cust_1", "name": "Ada"}}

	exec, err := env.actor.ExecuteWorkflow(context.Background(), startParams(def, vars))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if env.runner.last.Input["name"] != "Ada" {
		t.Fatalf("input mapping not applied: %+v", env.runner.last.Input)
	}
	if exec.Context["leadScore"] != float64(42) {
		t.Fatalf("result not stored: %v", exec.Context["leadScore"])
	}
	if exec.Context["segment"] != "enterprise" {
		t.Fatalf("extra variables not merged: %v", exec.Context["segment"])
	}
}

func TestRunCodeTimeoutFailsStep(t *testing.T) {
	env := newTestEnv(t, "exec_1")
	env.runner.err = sandbox.ErrTimeout
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("code", NodeRunCode, RunCodeConfig{Code: "while(true){}", TimeoutMs: 50}),
		},
		Edges: []Edge{{From: "start", To: "code"}},
	}

	exec, err := env.actor.ExecuteWorkflow(context.Background(), startParams(def, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if env.runner.last.TimeoutMs != 50 {
		t.Fatalf("timeout not forwarded: %d", env.runner.last.TimeoutMs)
	}
}

func TestCancelClearsPendingAlarm(t *testing.T) {
	env := newTestEnv(t, "exec_1")
	def := Definition{
		Nodes: []Node{
			node("start", NodeStart, nil),
			node("wait", NodeWait, WaitConfig{Duration: 1, Unit: "hours"}),
			node("tag", NodeAddTag, TagConfig{Tag: "late"}),
		},
		Edges: []Edge{
			{From: "start", To: "wait"},
			{From: "wait", To: "tag"},
		},
	}

	if _, err := env.actor.ExecuteWorkflow(context.Background(), startParams(def, nil)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	cancelled, err := env.actor.Cancel(context.Background())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if env.alarms.cleared == 0 {
		t.Fatal("pending alarm not cleared on cancel")
	}

	// A stale alarm that still fires must not resume the cancelled run.
	if err := env.actor.HandleAlarm(context.Background()); err != nil {
		t.Fatalf("stale alarm: %v", err)
	}
	after, _ := env.actor.Execution(context.Background())
	if after.Status != StatusCancelled || len(env.customers.added) != 0 {
		t.Fatalf("cancelled run was resumed: %s %+v", after.Status, env.customers.added)
	}

	if _, err := env.actor.Cancel(context.Background()); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal on second cancel, got %v", err)
	}
}
