package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"engagestack.local/engage-core/internal/ids"
	"engagestack.local/engage-core/internal/model"
	"engagestack.local/engage-core/internal/queue"
	"engagestack.local/engage-core/internal/sandbox"
)

// AlarmScheduler is the slice of the runtime instance the actor needs: one
// pending wakeup, used to resume wait steps.
type AlarmScheduler interface {
	SetAlarm(at time.Time)
	ClearAlarm()
}

// CustomerClient routes tag and field mutations to the owning customer
// actor. The workflow's local context copy is a best-effort cache on top of
// it, used only for same-run condition evaluation.
type CustomerClient interface {
	AddTag(ctx context.Context, customerID, tag string) error
	RemoveTag(ctx context.Context, customerID, tag string) error
	UpdateField(ctx context.Context, customerID, field, value string) error
}

// CodeRunner dispatches sandboxed tenant code.
type CodeRunner interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error)
}

// Actor drives one workflow execution. All methods run inside the runtime
// instance's serialized context.
type Actor struct {
	logger      *log.Logger
	store       *Store
	models      *model.Registry
	sendQueue   queue.Queue
	customers   CustomerClient
	runner      CodeRunner
	httpClient  *http.Client
	executionID string
	alarms      AlarmScheduler

	now func() time.Time
}

type ActorDeps struct {
	Logger     *log.Logger
	Store      *Store
	Models     *model.Registry
	SendQueue  queue.Queue
	Customers  CustomerClient
	Runner     CodeRunner
	HTTPClient *http.Client
}

func NewActor(deps ActorDeps, executionID string, alarms AlarmScheduler) *Actor {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	a := &Actor{
		logger:      logger,
		store:       deps.Store,
		models:      deps.Models,
		sendQueue:   deps.SendQueue,
		customers:   deps.Customers,
		runner:      deps.Runner,
		httpClient:  httpClient,
		executionID: executionID,
		alarms:      alarms,
		now:         func() time.Time { return time.Now().UTC() },
	}
	a.restoreWakeup()
	return a
}

// restoreWakeup re-arms the instance alarm from persisted run state. A
// waiting run must always have a scheduled wakeup, and alarms do not survive
// a process restart, so a rebuilt actor wakes at the recorded deadline. A run
// persisted as running means the process died mid-drive; it wakes immediately
// and resumes from the last committed node.
func (a *Actor) restoreWakeup() {
	if a.store == nil || a.alarms == nil {
		return
	}
	exec, err := a.store.GetExecution(context.Background(), a.executionID)
	if err != nil {
		return
	}
	switch {
	case exec.Status == StatusWaiting && exec.WaitUntil != nil:
		a.alarms.SetAlarm(*exec.WaitUntil)
	case exec.Status == StatusRunning:
		a.alarms.SetAlarm(a.now())
	}
}

// StartParams seed a new execution.
type StartParams struct {
	TenantID   string
	WorkflowID string
	CustomerID string
	Definition Definition
	Variables  map[string]any

	// Set when the run was started by an event rather than directly.
	TriggerEvent string
	TriggerData  map[string]any
}

// ExecuteWorkflow snapshots the definition, locates the unique start node,
// and enters the drive loop.
func (a *Actor) ExecuteWorkflow(ctx context.Context, params StartParams) (Execution, error) {
	if _, err := a.store.GetExecution(ctx, a.executionID); err == nil {
		return Execution{}, ErrAlreadyRunning
	} else if !errors.Is(err, ErrNotFound) {
		return Execution{}, err
	}

	start, err := findStartNode(params.Definition)
	if err != nil {
		return Execution{}, err
	}

	now := a.now()
	exec := Execution{
		ExecutionID: a.executionID,
		TenantID:    params.TenantID,
		WorkflowID:  params.WorkflowID,
		CustomerID:  params.CustomerID,
		Status:      StatusRunning,
		CurrentNode: start.ID,
		Definition:  params.Definition,
		Context:     buildContext(params),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateExecution(ctx, exec); err != nil {
		return Execution{}, err
	}

	if err := a.drive(ctx, &exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

func buildContext(params StartParams) map[string]any {
	vars := make(map[string]any, len(params.Variables)+1)
	for k, v := range params.Variables {
		vars[k] = v
	}
	if _, ok := vars["customer"]; !ok {
		vars["customer"] = map[string]any{"id": params.CustomerID}
	}
	if params.TriggerEvent != "" {
		vars["trigger"] = map[string]any{
			"event": params.TriggerEvent,
			"data":  params.TriggerData,
		}
	}
	return vars
}

func findStartNode(def Definition) (Node, error) {
	var start Node
	found := 0
	for _, node := range def.Nodes {
		if node.Type == NodeStart {
			start = node
			found++
		}
	}
	switch found {
	case 0:
		return Node{}, fmt.Errorf("workflow has no start node")
	case 1:
		return start, nil
	default:
		return Node{}, fmt.Errorf("workflow has %d start nodes, want exactly one", found)
	}
}

// drive executes steps until the run waits, completes, or fails. A step
// error terminates the run as failed with the partial history preserved.
func (a *Actor) drive(ctx context.Context, exec *Execution) error {
	for exec.Status == StatusRunning && exec.CurrentNode != "" {
		node, ok := nodeByID(exec.Definition, exec.CurrentNode)
		if !ok {
			return a.fail(ctx, exec, fmt.Errorf("node %q not found in definition", exec.CurrentNode))
		}

		result, stepErr := a.executeNode(ctx, exec, node)

		entry := HistoryEntry{
			NodeID:    node.ID,
			NodeType:  node.Type,
			Outcome:   OutcomeCompleted,
			Detail:    result.detail,
			CreatedAt: a.now(),
		}
		if stepErr != nil {
			entry.Outcome = OutcomeFailed
			entry.Detail = stepErr.Error()
		}
		if err := a.store.AppendHistory(ctx, a.executionID, entry); err != nil {
			return err
		}
		if stepErr != nil {
			return a.fail(ctx, exec, stepErr)
		}
		if exec.Status == StatusWaiting {
			break
		}

		next := nextNode(exec.Definition, node.ID, result.branch)
		if next == "" {
			exec.Status = StatusCompleted
			exec.CurrentNode = ""
			break
		}
		exec.CurrentNode = next

		// Commit the advanced pointer so a recycled process resumes from the
		// next uncompleted step instead of replaying the run from the start.
		exec.UpdatedAt = a.now()
		if err := a.store.SaveExecution(ctx, *exec); err != nil {
			return err
		}
	}

	exec.UpdatedAt = a.now()
	return a.store.SaveExecution(ctx, *exec)
}

func (a *Actor) fail(ctx context.Context, exec *Execution, cause error) error {
	a.logger.Printf("execution %s failed at node %s: %v", a.executionID, exec.CurrentNode, cause)
	exec.Status = StatusFailed
	exec.Error = cause.Error()
	exec.CurrentNode = ""
	exec.UpdatedAt = a.now()
	return a.store.SaveExecution(ctx, *exec)
}

// nodeByID looks a node up in the snapshot.
func nodeByID(def Definition, id string) (Node, bool) {
	for _, node := range def.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return Node{}, false
}

// nextNode picks the outgoing edge. A branch label routes to the matching
// labeled edge; otherwise the first outgoing edge wins. Empty means no edge.
func nextNode(def Definition, from, branch string) string {
	first := ""
	for _, edge := range def.Edges {
		if edge.From != from {
			continue
		}
		if branch != "" && edge.Label == branch {
			return edge.To
		}
		if first == "" {
			first = edge.To
		}
	}
	return first
}

// ResumeExecution manually resumes a waiting run. It shares the wakeup
// handler's resume path so both behave identically.
func (a *Actor) ResumeExecution(ctx context.Context) (Execution, error) {
	exec, err := a.store.GetExecution(ctx, a.executionID)
	if err != nil {
		return Execution{}, err
	}
	if exec.Status != StatusWaiting {
		return Execution{}, ErrNotWaiting
	}
	a.alarms.ClearAlarm()
	if err := a.resumeFromWait(ctx, &exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// HandleAlarm fires when a wait step's wake time arrives, or immediately
// after a restart when restoreWakeup found a run the process abandoned
// mid-drive. A stale alarm against a terminal run is a no-op.
func (a *Actor) HandleAlarm(ctx context.Context) error {
	exec, err := a.store.GetExecution(ctx, a.executionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	switch exec.Status {
	case StatusWaiting:
		return a.resumeFromWait(ctx, &exec)
	case StatusRunning:
		return a.drive(ctx, &exec)
	default:
		return nil
	}
}

// resumeFromWait computes the next node off the wait node's outgoing edges,
// flips the run back to running, and re-enters the drive loop.
func (a *Actor) resumeFromWait(ctx context.Context, exec *Execution) error {
	exec.Status = StatusRunning
	exec.WaitUntil = nil
	exec.CurrentNode = nextNode(exec.Definition, exec.CurrentNode, "")
	if exec.CurrentNode == "" {
		exec.Status = StatusCompleted
		exec.UpdatedAt = a.now()
		return a.store.SaveExecution(ctx, *exec)
	}
	return a.drive(ctx, exec)
}

// Cancel terminates the run and clears any pending wakeup so a stale alarm
// cannot resume it.
func (a *Actor) Cancel(ctx context.Context) (Execution, error) {
	exec, err := a.store.GetExecution(ctx, a.executionID)
	if err != nil {
		return Execution{}, err
	}
	if exec.Status.Terminal() {
		return Execution{}, ErrTerminal
	}
	a.alarms.ClearAlarm()
	exec.Status = StatusCancelled
	exec.CurrentNode = ""
	exec.WaitUntil = nil
	exec.UpdatedAt = a.now()
	if err := a.store.SaveExecution(ctx, exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

func (a *Actor) Execution(ctx context.Context) (Execution, error) {
	return a.store.GetExecution(ctx, a.executionID)
}

func (a *Actor) History(ctx context.Context) ([]HistoryEntry, error) {
	return a.store.GetHistory(ctx, a.executionID)
}

// Message ids cross system boundaries (Kafka, the delivery log, provider
// receipts), so they use the canonical UUID form.
func newMessageID() string {
	return ids.NewUUID()
}
