package customer

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type EngagementLevel string

const (
	EngagementLow    EngagementLevel = "low"
	EngagementMedium EngagementLevel = "medium"
	EngagementHigh   EngagementLevel = "high"
)

type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
)

// Profile is the customer's singleton descriptor row.
type Profile struct {
	CustomerID      string            `json:"customer_id"`
	TenantID        string            `json:"tenant_id"`
	Name            string            `json:"name"`
	Email           string            `json:"email,omitempty"`
	Phone           string            `json:"phone,omitempty"`
	WhatsAppID      string            `json:"whatsapp_id,omitempty"`
	Company         string            `json:"company,omitempty"`
	Title           string            `json:"title,omitempty"`
	LifecycleStatus string            `json:"lifecycle_status,omitempty"`
	LeadScore       int               `json:"lead_score"`
	Tags            []string          `json:"tags,omitempty"`
	CustomFields    map[string]string `json:"custom_fields,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ContactPoint is one typed reachable address. At most one primary per type.
type ContactPoint struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Value   string `json:"value"`
	Primary bool   `json:"primary"`
}

// ChannelMessage is one per-channel, directional message in the customer's
// unified history.
type ChannelMessage struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	Direction Direction `json:"direction"`
	Content   string    `json:"content"`
	Subject   string    `json:"subject,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Call struct {
	ID           string     `json:"id"`
	Direction    Direction  `json:"direction"`
	DurationSecs int        `json:"duration_secs"`
	RecordingURL string     `json:"recording_url,omitempty"`
	Transcript   string     `json:"transcript,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Sentiment    string     `json:"sentiment,omitempty"`
	ActionItems  []string   `json:"action_items,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CallPatch carries updatable call fields; nil means unchanged.
type CallPatch struct {
	RecordingURL *string   `json:"recording_url,omitempty"`
	Transcript   *string   `json:"transcript,omitempty"`
	Summary      *string   `json:"summary,omitempty"`
	Sentiment    *string   `json:"sentiment,omitempty"`
	ActionItems  *[]string `json:"action_items,omitempty"`
}

// Activity is one append-only timeline entry.
type Activity struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type Note struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id,omitempty"`
	Content   string    `json:"content"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    string     `json:"priority,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type TaskPatch struct {
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	Status      *TaskStatus `json:"status,omitempty"`
	Priority    *string     `json:"priority,omitempty"`
	DueAt       *time.Time  `json:"due_at,omitempty"`
}

type PainPoint struct {
	Description string     `json:"description"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// AIContext is the derived memory of the relationship, refreshed after every
// interaction and merged in bulk by the LLM enrichment pass.
type AIContext struct {
	Summary           string            `json:"summary,omitempty"`
	KeyFacts          []string          `json:"key_facts,omitempty"`
	PainPoints        []PainPoint       `json:"pain_points,omitempty"`
	Goals             []string          `json:"goals,omitempty"`
	Preferences       map[string]string `json:"preferences,omitempty"`
	ConversationStyle string            `json:"conversation_style,omitempty"`
	SentimentTrend    string            `json:"sentiment_trend,omitempty"`
	EngagementLevel   EngagementLevel   `json:"engagement_level,omitempty"`
	LifetimeValue     float64           `json:"lifetime_value,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Export is the complete single-shot dump of everything the actor owns.
type Export struct {
	Profile       *Profile         `json:"profile,omitempty"`
	ContactPoints []ContactPoint   `json:"contact_points,omitempty"`
	Messages      []ChannelMessage `json:"messages,omitempty"`
	Calls         []Call           `json:"calls,omitempty"`
	Activities    []Activity       `json:"activities,omitempty"`
	Notes         []Note           `json:"notes,omitempty"`
	Tasks         []Task           `json:"tasks,omitempty"`
	AIContext     *AIContext       `json:"ai_context,omitempty"`
	ExportedAt    time.Time        `json:"exported_at"`
}
