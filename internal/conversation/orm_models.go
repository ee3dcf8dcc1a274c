package conversation

import (
	"encoding/json"
	"time"
)

type metaRow struct {
	ConversationID string    `gorm:"primaryKey;size:191"`
	TenantID       string    `gorm:"size:191;not null;index"`
	CustomerID     string    `gorm:"size:191;not null"`
	Channel        string    `gorm:"size:64;not null"`
	Status         string    `gorm:"size:32;not null"`
	Priority       string    `gorm:"size:32"`
	AssignedAgent  string    `gorm:"size:191"`
	TagsJSON       string    `gorm:"type:text"`
	AIEnabled      bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (metaRow) TableName() string {
	return "conversation_meta"
}

func (r metaRow) toRecord() Metadata {
	return Metadata{
		ConversationID: r.ConversationID,
		TenantID:       r.TenantID,
		CustomerID:     r.CustomerID,
		Channel:        r.Channel,
		Status:         Status(r.Status),
		Priority:       r.Priority,
		AssignedAgent:  r.AssignedAgent,
		Tags:           decodeStringList(r.TagsJSON),
		AIEnabled:      r.AIEnabled,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func metaRowFromRecord(rec Metadata) metaRow {
	return metaRow{
		ConversationID: rec.ConversationID,
		TenantID:       rec.TenantID,
		CustomerID:     rec.CustomerID,
		Channel:        rec.Channel,
		Status:         string(rec.Status),
		Priority:       rec.Priority,
		AssignedAgent:  rec.AssignedAgent,
		TagsJSON:       encodeStringList(rec.Tags),
		AIEnabled:      rec.AIEnabled,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

type messageRow struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	ConversationID  string    `gorm:"size:191;not null;index:idx_conv_messages,priority:1"`
	Role            string    `gorm:"size:32;not null"`
	Content         string    `gorm:"type:text;not null"`
	SenderID        string    `gorm:"size:191"`
	SenderName      string    `gorm:"size:191"`
	AttachmentsJSON string    `gorm:"type:text"`
	TokenCount      int64     `gorm:"not null;default:0"`
	AIGenerated     bool      `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;index:idx_conv_messages,priority:2"`
}

func (messageRow) TableName() string {
	return "conversation_messages"
}

func (r messageRow) toRecord() Message {
	return Message{
		ID:          r.ID,
		Role:        Role(r.Role),
		Content:     r.Content,
		SenderID:    r.SenderID,
		SenderName:  r.SenderName,
		Attachments: decodeStringList(r.AttachmentsJSON),
		TokenCount:  r.TokenCount,
		AIGenerated: r.AIGenerated,
		CreatedAt:   r.CreatedAt,
	}
}

type aiStateRow struct {
	ConversationID string  `gorm:"primaryKey;size:191"`
	SystemPrompt   string  `gorm:"type:text"`
	TotalTokens    int64   `gorm:"not null;default:0"`
	Temperature    float64 `gorm:"not null"`
	MaxTokens      int     `gorm:"not null"`
	ModelID        string  `gorm:"size:191"`
	Provider       string  `gorm:"size:64"`
}

func (aiStateRow) TableName() string {
	return "conversation_ai_state"
}

func (r aiStateRow) toRecord() AIState {
	return AIState{
		SystemPrompt: r.SystemPrompt,
		TotalTokens:  r.TotalTokens,
		Temperature:  r.Temperature,
		MaxTokens:    r.MaxTokens,
		ModelID:      r.ModelID,
		Provider:     r.Provider,
	}
}

type readReceiptRow struct {
	ConversationID string    `gorm:"primaryKey;size:191"`
	UserID         string    `gorm:"primaryKey;size:191"`
	MessageID      int64     `gorm:"primaryKey"`
	ReadAt         time.Time `gorm:"not null"`
}

func (readReceiptRow) TableName() string {
	return "conversation_read_receipts"
}

func encodeStringList(values []string) string {
	if len(values) == 0 {
		return ""
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}
