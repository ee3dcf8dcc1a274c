package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists conversation state. Every query is scoped to one
// conversation id, so two actor instances never touch each other's rows.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&metaRow{}, &messageRow{}, &aiStateRow{}, &readReceiptRow{}); err != nil {
		return fmt.Errorf("migrate conversation tables: %w", err)
	}
	return nil
}

// CreateMetadata inserts the singleton metadata row. A second call for the
// same conversation fails with ErrAlreadyInitialized and changes nothing.
func (s *Store) CreateMetadata(ctx context.Context, rec Metadata) error {
	var existing metaRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", rec.ConversationID).
		Take(&existing).Error
	if err == nil {
		return ErrAlreadyInitialized
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("check metadata: %w", err)
	}

	row := metaRowFromRecord(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}
	return nil
}

func (s *Store) GetMetadata(ctx context.Context, conversationID string) (Metadata, error) {
	var row metaRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Metadata{}, ErrNotInitialized
		}
		return Metadata{}, fmt.Errorf("get metadata: %w", err)
	}
	return row.toRecord(), nil
}

func (s *Store) UpdateMetadata(ctx context.Context, conversationID string, patch MetadataPatch, now time.Time) (Metadata, error) {
	current, err := s.GetMetadata(ctx, conversationID)
	if err != nil {
		return Metadata{}, err
	}

	if patch.Status != nil {
		current.Status = *patch.Status
	}
	if patch.Priority != nil {
		current.Priority = *patch.Priority
	}
	if patch.AssignedAgent != nil {
		current.AssignedAgent = *patch.AssignedAgent
	}
	if patch.Tags != nil {
		current.Tags = *patch.Tags
	}
	if patch.AIEnabled != nil {
		current.AIEnabled = *patch.AIEnabled
	}
	current.UpdatedAt = now

	row := metaRowFromRecord(current)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return Metadata{}, fmt.Errorf("update metadata: %w", err)
	}
	return current, nil
}

// AppendMessage inserts the message and bumps the conversation's updated_at.
// The stored row with its assigned id is returned.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg NewMessage, tokenCount int64, aiGenerated bool, now time.Time) (Message, error) {
	row := messageRow{
		ConversationID:  conversationID,
		Role:            string(msg.Role),
		Content:         msg.Content,
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		AttachmentsJSON: encodeStringList(msg.Attachments),
		TokenCount:      tokenCount,
		AIGenerated:     aiGenerated,
		CreatedAt:       now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		res := tx.Model(&metaRow{}).
			Where("conversation_id = ?", conversationID).
			Update("updated_at", now)
		if res.Error != nil {
			return fmt.Errorf("bump updated_at: %w", res.Error)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return row.toRecord(), nil
}

// GetMessages returns a newest-first page.
func (s *Store) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// RecentMessages returns the last n messages in oldest-first order, the shape
// an LLM prompt wants.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		n = 20
	}
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	out := make([]Message, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.toRecord()
	}
	return out, nil
}

func (s *Store) GetAIState(ctx context.Context, conversationID string) (AIState, error) {
	var row aiStateRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AIState{}, ErrNotFound
		}
		return AIState{}, fmt.Errorf("get ai state: %w", err)
	}
	return row.toRecord(), nil
}

func (s *Store) SaveAIState(ctx context.Context, conversationID string, state AIState) error {
	row := aiStateRow{
		ConversationID: conversationID,
		SystemPrompt:   state.SystemPrompt,
		TotalTokens:    state.TotalTokens,
		Temperature:    state.Temperature,
		MaxTokens:      state.MaxTokens,
		ModelID:        state.ModelID,
		Provider:       state.Provider,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save ai state: %w", err)
	}
	return nil
}

func (s *Store) AddTokenUsage(ctx context.Context, conversationID string, tokens int64) error {
	res := s.db.WithContext(ctx).Model(&aiStateRow{}).
		Where("conversation_id = ?", conversationID).
		Update("total_tokens", gorm.Expr("total_tokens + ?", tokens))
	if res.Error != nil {
		return fmt.Errorf("add token usage: %w", res.Error)
	}
	return nil
}

// UpsertReadReceipt is last-write-wins per (user, message) pair.
func (s *Store) UpsertReadReceipt(ctx context.Context, conversationID, userID string, messageID int64, readAt time.Time) error {
	row := readReceiptRow{
		ConversationID: conversationID,
		UserID:         userID,
		MessageID:      messageID,
		ReadAt:         readAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"read_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert read receipt: %w", err)
	}
	return nil
}
