package conversation

import (
	"errors"
	"time"
)

var (
	ErrAlreadyInitialized = errors.New("conversation already initialized")
	ErrNotInitialized     = errors.New("conversation not initialized")
	ErrNotFound           = errors.New("not found")
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusPending  Status = "pending"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Metadata is the conversation's single descriptor row.
type Metadata struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	CustomerID     string    `json:"customer_id"`
	Channel        string    `json:"channel"`
	Status         Status    `json:"status"`
	Priority       string    `json:"priority,omitempty"`
	AssignedAgent  string    `json:"assigned_agent,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	AIEnabled      bool      `json:"ai_enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MetadataPatch carries the mutable metadata fields; nil means unchanged.
type MetadataPatch struct {
	Status        *Status   `json:"status,omitempty"`
	Priority      *string   `json:"priority,omitempty"`
	AssignedAgent *string   `json:"assigned_agent,omitempty"`
	Tags          *[]string `json:"tags,omitempty"`
	AIEnabled     *bool     `json:"ai_enabled,omitempty"`
}

// Message is one immutable log entry. IDs increase monotonically in insertion
// order.
type Message struct {
	ID          int64     `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	SenderID    string    `json:"sender_id,omitempty"`
	SenderName  string    `json:"sender_name,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	TokenCount  int64     `json:"token_count,omitempty"`
	AIGenerated bool      `json:"is_ai_generated"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewMessage is the caller-supplied part of a message.
type NewMessage struct {
	Role        Role     `json:"role"`
	Content     string   `json:"content"`
	SenderID    string   `json:"sender_id,omitempty"`
	SenderName  string   `json:"sender_name,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// AIState is the conversation's single generation-settings row.
type AIState struct {
	SystemPrompt string  `json:"system_prompt"`
	TotalTokens  int64   `json:"total_tokens"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	ModelID      string  `json:"model_id"`
	Provider     string  `json:"provider"`
}

type ReadReceipt struct {
	UserID    string    `json:"user_id"`
	MessageID int64     `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}
