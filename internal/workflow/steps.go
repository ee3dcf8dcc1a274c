package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"engagestack.local/engage-core/internal/model"
	"engagestack.local/engage-core/internal/queue"
	"engagestack.local/engage-core/internal/sandbox"
)

const (
	defaultStepProvider = "anthropic"
	defaultStepModelID  = "claude-sonnet-4-20250514"
	defaultStepTokens   = 1024

	defaultCodeTimeout = 10 * time.Second
)

type stepResult struct {
	detail string
	branch string
}

// executeNode dispatches on the node type. A returned error fails the run;
// a nil error with a detail records a completed step.
func (a *Actor) executeNode(ctx context.Context, exec *Execution, node Node) (stepResult, error) {
	switch node.Type {
	case NodeStart:
		return stepResult{detail: "started"}, nil
	case NodeWait:
		return a.stepWait(exec, node)
	case NodeCondition:
		return a.stepCondition(exec, node)
	case NodeSendMessage, NodeSendEmail:
		return a.stepSend(ctx, exec, node)
	case NodeAddTag, NodeRemoveTag:
		return a.stepTag(ctx, exec, node)
	case NodeUpdateField:
		return a.stepUpdateField(ctx, exec, node)
	case NodeWebhook:
		return a.stepWebhook(ctx, exec, node)
	case NodeAIResponse:
		return a.stepAIResponse(ctx, exec, node)
	case NodeRunCode:
		return a.stepRunCode(ctx, exec, node)
	default:
		return stepResult{}, fmt.Errorf("unknown node type %q", node.Type)
	}
}

func decodeConfig[T any](node Node) (T, error) {
	var cfg T
	if len(node.Data) == 0 {
		return cfg, fmt.Errorf("node %s has no configuration", node.ID)
	}
	if err := json.Unmarshal(node.Data, &cfg); err != nil {
		return cfg, fmt.Errorf("node %s configuration: %w", node.ID, err)
	}
	return cfg, nil
}

func (a *Actor) stepWait(exec *Execution, node Node) (stepResult, error) {
	cfg, err := decodeConfig[WaitConfig](node)
	if err != nil {
		return stepResult{}, err
	}
	duration, err := waitDuration(cfg)
	if err != nil {
		return stepResult{}, err
	}

	wakeAt := a.now().Add(duration)
	exec.Status = StatusWaiting
	exec.WaitUntil = &wakeAt
	if a.alarms != nil {
		a.alarms.SetAlarm(wakeAt)
	}
	return stepResult{detail: fmt.Sprintf("waiting until %s", wakeAt.Format(time.RFC3339))}, nil
}

func waitDuration(cfg WaitConfig) (time.Duration, error) {
	if cfg.Duration <= 0 {
		return 0, fmt.Errorf("wait duration must be positive, got %d", cfg.Duration)
	}
	base := time.Duration(cfg.Duration)
	switch cfg.Unit {
	case "seconds", "second", "":
		return base * time.Second, nil
	case "minutes", "minute":
		return base * time.Minute, nil
	case "hours", "hour":
		return base * time.Hour, nil
	case "days", "day":
		return base * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown wait unit %q", cfg.Unit)
	}
}

func (a *Actor) stepCondition(exec *Execution, node Node) (stepResult, error) {
	cfg, err := decodeConfig[ConditionConfig](node)
	if err != nil {
		return stepResult{}, err
	}
	matched, err := evaluateCondition(exec.Context, cfg)
	if err != nil {
		return stepResult{}, err
	}
	branch := "false"
	if matched {
		branch = "true"
	}
	return stepResult{detail: fmt.Sprintf("%s %s -> %s", cfg.Field, cfg.Operator, branch), branch: branch}, nil
}

func evaluateCondition(vars map[string]any, cfg ConditionConfig) (bool, error) {
	value, present := resolvePath(vars, cfg.Field)

	switch cfg.Operator {
	case "is_set":
		return present && value != nil, nil
	case "is_not_set":
		return !present || value == nil, nil
	}

	actual := ""
	if present {
		actual = stringify(value)
	}
	switch cfg.Operator {
	case "equals":
		return actual == cfg.Value, nil
	case "not_equals":
		return actual != cfg.Value, nil
	case "contains":
		return strings.Contains(actual, cfg.Value), nil
	case "greater_than", "less_than":
		left, err := strconv.ParseFloat(actual, 64)
		if err != nil {
			return false, nil
		}
		right, err := strconv.ParseFloat(cfg.Value, 64)
		if err != nil {
			return false, fmt.Errorf("condition value %q is not numeric", cfg.Value)
		}
		if cfg.Operator == "greater_than" {
			return left > right, nil
		}
		return left < right, nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", cfg.Operator)
	}
}

// stepSend enqueues email onto the send queue; other channels are accepted
// but not implemented yet and report sent:false.
func (a *Actor) stepSend(ctx context.Context, exec *Execution, node Node) (stepResult, error) {
	cfg, err := decodeConfig[SendMessageConfig](node)
	if err != nil {
		return stepResult{}, err
	}
	channel := cfg.Channel
	if node.Type == NodeSendEmail {
		channel = "email"
	}
	if channel != "email" {
		return stepResult{detail: fmt.Sprintf("sent:false channel %q not implemented", channel)}, nil
	}

	to := interpolate(cfg.To, exec.Context)
	if to == "" || strings.Contains(to, "{{") {
		return stepResult{}, fmt.Errorf("send_email: unresolved recipient %q", cfg.To)
	}
	send := queue.EmailSend{
		MessageID:           newMessageID(),
		TenantID:            exec.TenantID,
		CustomerID:          exec.CustomerID,
		WorkflowExecutionID: exec.ExecutionID,
		To:                  to,
		Subject:             interpolate(cfg.Subject, exec.Context),
		Body:                interpolate(cfg.Body, exec.Context),
		EnqueuedAt:          a.now(),
	}
	if err := a.sendQueue.Enqueue(ctx, send); err != nil {
		return stepResult{}, fmt.Errorf("enqueue email: %w", err)
	}
	return stepResult{detail: "sent:true queued " + send.MessageID}, nil
}

// stepTag delegates to the customer actor, then mirrors the change into the
// local context so later condition steps see it without a round trip. The
// local copy may go stale under concurrent external edits.
func (a *Actor) stepTag(ctx context.Context, exec *Execution, node Node) (stepResult, error) {
	cfg, err := decodeConfig[TagConfig](node)
	if err != nil {
		return stepResult{}, err
	}
	tag := interpolate(cfg.Tag, exec.Context)

	if node.Type == NodeAddTag {
		if err := a.customers.AddTag(ctx, exec.CustomerID, tag); err != nil {
			return stepResult{}, fmt.Errorf("add tag: %w", err)
		}
		mirrorTag(exec.Context, tag, true)
		return stepResult{detail: "added tag " + tag}, nil
	}
	if err := a.customers.RemoveTag(ctx, exec.CustomerID, tag); err != nil {
		return stepResult{}, fmt.Errorf("remove tag: %w", err)
	}
	mirrorTag(exec.Context, tag, false)
	return stepResult{detail: "removed tag " + tag}, nil
}

func (a *Actor) stepUpdateField(ctx context.Context, exec *Execution, node Node) (stepResult, error) {
	cfg, err := decodeConfig[FieldConfig](node)
	if err != nil {
		return stepResult{}, err
	}
	value := interpolate(cfg.Value, exec.Context)
	if err := a.customers.UpdateField(ctx, exec.CustomerID, cfg.Field, value); err != nil {
		return stepResult{}, fmt.Errorf("update field: %w", err)
	}
	customerMap(exec.Context)[cfg.Field] = value
	return stepResult{detail: fmt.Sprintf("set %s=%s", cfg.Field, value)}, nil
}

func customerMap(vars map[string]any) map[string]any {
	m, ok := vars["customer"].(map[string]any)
	if !ok {
		m = make(map[string]any)
		vars["customer"] = m
	}
	return m
}

func mirrorTag(vars map[string]any, tag string, add bool) {
	customer := customerMap(vars)
	existing, _ := customer["tags"].([]any)
	if add {
		for _, t := range existing {
			if t == tag {
				return
			}
		}
		customer["tags"] = append(existing, tag)
		return
	}
	kept := existing[:0]
	for _, t := range existing {
		if t != tag {
			kept = append(kept, t)
		}
	}
	customer["tags"] = kept
}

// stepWebhook posts the current context and captures the parsed response
// into webhookResponse for downstream steps.
func (a *Actor) stepWebhook(ctx context.Context, exec *Execution, node Node) (stepResult, error) {
	cfg, err := decodeConfig[WebhookConfig](node)
	if err != nil {
		return stepResult{}, err
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(exec.Context)
	if err != nil {
		return stepResult{}, fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, interpolate(cfg.URL, exec.Context), bytes.NewReader(body))
	if err != nil {
		return stepResult{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return stepResult{}, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return stepResult{}, fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return stepResult{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var parsed any
	if len(payload) > 0 && json.Unmarshal(payload, &parsed) == nil {
		exec.Context["webhookResponse"] = parsed
	}
	return stepResult{detail: fmt.Sprintf("webhook status %d", resp.StatusCode)}, nil
}

func (a *Actor) stepAIResponse(ctx context.Context, exec *Execution, node Node) (stepResult, error) {
	cfg, err := decodeConfig[AIResponseConfig](node)
	if err != nil {
		return stepResult{}, err
	}
	provider, ok := a.models.Get(defaultStepProvider)
	if !ok {
		return stepResult{}, fmt.Errorf("model provider %q is not registered", defaultStepProvider)
	}

	prompt := interpolate(cfg.Prompt, exec.Context)
	resp, err := provider.Complete(ctx, model.CompletionRequest{
		Model:     defaultStepModelID,
		Messages:  []model.Message{{Role: model.RoleUser, Content: prompt}},
		MaxTokens: defaultStepTokens,
	})
	if err != nil {
		return stepResult{}, fmt.Errorf("ai_response completion: %w", err)
	}

	output := cfg.OutputVariable
	if output == "" {
		output = "aiResponse"
	}
	exec.Context[output] = resp.Content
	return stepResult{detail: "stored response in " + output}, nil
}

// stepRunCode dispatches sandboxed code with explicit input mapping and a
// hard timeout. Timeout or sandbox failure fails the step with the elapsed
// time visible.
func (a *Actor) stepRunCode(ctx context.Context, exec *Execution, node Node) (stepResult, error) {
	cfg, err := decodeConfig[RunCodeConfig](node)
	if err != nil {
		return stepResult{}, err
	}
	timeout := defaultCodeTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	input := make(map[string]any, len(cfg.InputMapping))
	for param, path := range cfg.InputMapping {
		if value, ok := resolvePath(exec.Context, path); ok {
			input[param] = value
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := a.now()
	result, err := a.runner.Execute(runCtx, sandbox.ExecuteRequest{
		TenantID:  exec.TenantID,
		Code:      cfg.Code,
		Input:     input,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		elapsed := a.now().Sub(started)
		return stepResult{}, fmt.Errorf("run_code failed after %s: %w", elapsed.Round(time.Millisecond), err)
	}

	output := cfg.OutputVariable
	if output == "" {
		output = "codeResult"
	}
	exec.Context[output] = result.Result
	for name, value := range result.Variables {
		exec.Context[name] = value
	}
	return stepResult{detail: fmt.Sprintf("completed in %s", result.Elapsed.Round(time.Millisecond))}, nil
}
