package workflow

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("workflow: execution not found")
	ErrAlreadyRunning = errors.New("workflow: execution already started")
	ErrNotWaiting     = errors.New("workflow: execution is not waiting")
	ErrTerminal       = errors.New("workflow: execution is in a terminal state")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeWait        NodeType = "wait"
	NodeCondition   NodeType = "condition"
	NodeSendMessage NodeType = "send_message"
	NodeSendEmail   NodeType = "send_email"
	NodeAddTag      NodeType = "add_tag"
	NodeRemoveTag   NodeType = "remove_tag"
	NodeUpdateField NodeType = "update_field"
	NodeWebhook     NodeType = "webhook"
	NodeAIResponse  NodeType = "ai_response"
	NodeRunCode     NodeType = "run_code"
)

// Node is one step of a definition. Data carries the type-specific
// configuration, decoded into the matching config variant at execution time.
type Node struct {
	ID   string          `json:"id"`
	Type NodeType        `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Edge connects two nodes. Label routes condition outcomes ("true"/"false").
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

type Definition struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Per-type step configurations.

type WaitConfig struct {
	Duration int64  `json:"duration"`
	Unit     string `json:"unit"` // seconds, minutes, hours, days
}

type ConditionConfig struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`
}

type SendMessageConfig struct {
	Channel string `json:"channel"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	To      string `json:"to,omitempty"`
}

type TagConfig struct {
	Tag string `json:"tag"`
}

type FieldConfig struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type WebhookConfig struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

type AIResponseConfig struct {
	Prompt         string `json:"prompt"`
	OutputVariable string `json:"output_variable,omitempty"`
}

type RunCodeConfig struct {
	Code           string            `json:"code"`
	InputMapping   map[string]string `json:"input_mapping,omitempty"`
	OutputVariable string            `json:"output_variable,omitempty"`
	TimeoutMs      int64             `json:"timeout_ms,omitempty"`
}

// HistoryEntry records one executed step.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	NodeID    string    `json:"node_id"`
	NodeType  NodeType  `json:"node_type"`
	Outcome   string    `json:"outcome"` // completed, failed
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Execution is the persisted run state.
type Execution struct {
	ExecutionID string         `json:"execution_id"`
	TenantID    string         `json:"tenant_id"`
	WorkflowID  string         `json:"workflow_id"`
	CustomerID  string         `json:"customer_id"`
	Status      Status         `json:"status"`
	CurrentNode string         `json:"current_node,omitempty"`
	Definition  Definition     `json:"definition"`
	Context     map[string]any `json:"context"`
	WaitUntil   *time.Time     `json:"wait_until,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
