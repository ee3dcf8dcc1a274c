package customer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"engagestack.local/engage-core/internal/ids"
)

// Store persists customer state, every query scoped to one customer id.
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
	err := s.db.AutoMigrate(
		&profileRow{},
		&contactPointRow{},
		&channelMessageRow{},
		&callRow{},
		&activityRow{},
		&noteRow{},
		&taskRow{},
		&aiContextRow{},
	)
	if err != nil {
		return fmt.Errorf("migrate customer tables: %w", err)
	}
	return nil
}

func (s *Store) UpsertProfile(ctx context.Context, rec Profile) (Profile, error) {
	now := time.Now().UTC()
	var current profileRow
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", rec.CustomerID).
		Take(&current).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, fmt.Errorf("get profile: %w", err)
		}
		rec.CreatedAt = now
		rec.UpdatedAt = now
		row := profileRowFromRecord(rec)
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return Profile{}, fmt.Errorf("create profile: %w", err)
		}
		return rec, nil
	}

	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = now
	row := profileRowFromRecord(rec)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return rec, nil
}

func (s *Store) GetProfile(ctx context.Context, customerID string) (Profile, error) {
	var row profileRow
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return row.toRecord(), nil
}

// SetContactPoint adds a contact point; marking it primary demotes any other
// primary of the same type.
func (s *Store) SetContactPoint(ctx context.Context, customerID string, point ContactPoint) (ContactPoint, error) {
	if point.ID == "" {
		point.ID = ids.New()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if point.Primary {
			res := tx.Model(&contactPointRow{}).
				Where("customer_id = ? AND type = ? AND is_primary = ?", customerID, point.Type, true).
				Update("is_primary", false)
			if res.Error != nil {
				return fmt.Errorf("demote primary contact point: %w", res.Error)
			}
		}
		row := contactPointRow{
			ID:         point.ID,
			CustomerID: customerID,
			Type:       point.Type,
			Value:      point.Value,
			IsPrimary:  point.Primary,
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save contact point: %w", err)
		}
		return nil
	})
	if err != nil {
		return ContactPoint{}, err
	}
	return point, nil
}

func (s *Store) GetContactPoints(ctx context.Context, customerID string) ([]ContactPoint, error) {
	var rows []contactPointRow
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("type ASC, is_primary DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get contact points: %w", err)
	}
	out := make([]ContactPoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, customerID, channel string, direction Direction, subject, content string, now time.Time) (ChannelMessage, error) {
	row := channelMessageRow{
		CustomerID: customerID,
		Channel:    channel,
		Direction:  string(direction),
		Subject:    subject,
		Content:    content,
		CreatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ChannelMessage{}, fmt.Errorf("create message: %w", err)
	}
	return row.toRecord(), nil
}

func (s *Store) GetMessages(ctx context.Context, customerID, channel string, limit int) ([]ChannelMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("id DESC").
		Limit(limit)
	if channel != "" {
		query = query.Where("channel = ?", channel)
	}
	var rows []channelMessageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	out := make([]ChannelMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *Store) CreateCall(ctx context.Context, customerID string, call Call, now time.Time) (Call, error) {
	if call.ID == "" {
		call.ID = ids.New()
	}
	call.CreatedAt = now
	call.UpdatedAt = now
	row := callRow{
		ID:              call.ID,
		CustomerID:      customerID,
		Direction:       string(call.Direction),
		DurationSecs:    call.DurationSecs,
		RecordingURL:    call.RecordingURL,
		Transcript:      call.Transcript,
		Summary:         call.Summary,
		Sentiment:       call.Sentiment,
		ActionItemsJSON: encodeStringList(call.ActionItems),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Call{}, fmt.Errorf("create call: %w", err)
	}
	return call, nil
}

func (s *Store) UpdateCall(ctx context.Context, customerID, callID string, patch CallPatch, now time.Time) (Call, error) {
	var row callRow
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND id = ?", customerID, callID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Call{}, ErrNotFound
		}
		return Call{}, fmt.Errorf("get call: %w", err)
	}

	if patch.RecordingURL != nil {
		row.RecordingURL = *patch.RecordingURL
	}
	if patch.Transcript != nil {
		row.Transcript = *patch.Transcript
	}
	if patch.Summary != nil {
		row.Summary = *patch.Summary
	}
	if patch.Sentiment != nil {
		row.Sentiment = *patch.Sentiment
	}
	if patch.ActionItems != nil {
		row.ActionItemsJSON = encodeStringList(*patch.ActionItems)
	}
	row.UpdatedAt = now

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return Call{}, fmt.Errorf("update call: %w", err)
	}
	return row.toRecord(), nil
}

func (s *Store) GetCalls(ctx context.Context, customerID string, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []callRow
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get calls: %w", err)
	}
	out := make([]Call, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *Store) AppendActivity(ctx context.Context, customerID, kind, description string, now time.Time) error {
	row := activityRow{
		CustomerID:  customerID,
		Kind:        kind,
		Description: description,
		CreatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func (s *Store) GetActivities(ctx context.Context, customerID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []activityRow
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get activities: %w", err)
	}
	out := make([]Activity, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *Store) CreateNote(ctx context.Context, customerID string, note Note, now time.Time) (Note, error) {
	if note.ID == "" {
		note.ID = ids.New()
	}
	note.CreatedAt = now
	note.UpdatedAt = now
	row := noteRow{
		ID:         note.ID,
		CustomerID: customerID,
		AuthorID:   note.AuthorID,
		Content:    note.Content,
		Pinned:     note.Pinned,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Note{}, fmt.Errorf("create note: %w", err)
	}
	return note, nil
}

func (s *Store) SetNotePinned(ctx context.Context, customerID, noteID string, pinned bool, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&noteRow{}).
		Where("customer_id = ? AND id = ?", customerID, noteID).
		Updates(map[string]any{"pinned": pinned, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("pin note: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetNotes(ctx context.Context, customerID string) ([]Note, error) {
	var rows []noteRow
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("pinned DESC, created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get notes: %w", err)
	}
	out := make([]Note, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *Store) CreateTask(ctx context.Context, customerID string, task Task, now time.Time) (Task, error) {
	if task.ID == "" {
		task.ID = ids.New()
	}
	if task.Status == "" {
		task.Status = TaskStatusOpen
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	row := taskRow{
		ID:          task.ID,
		CustomerID:  customerID,
		Title:       task.Title,
		Description: task.Description,
		Status:      string(task.Status),
		Priority:    task.Priority,
		DueAt:       task.DueAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

func (s *Store) UpdateTask(ctx context.Context, customerID, taskID string, patch TaskPatch, now time.Time) (Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND id = ?", customerID, taskID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}

	if patch.Title != nil {
		row.Title = *patch.Title
	}
	if patch.Description != nil {
		row.Description = *patch.Description
	}
	if patch.Status != nil {
		row.Status = string(*patch.Status)
	}
	if patch.Priority != nil {
		row.Priority = *patch.Priority
	}
	if patch.DueAt != nil {
		row.DueAt = patch.DueAt
	}
	row.UpdatedAt = now

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return row.toRecord(), nil
}

func (s *Store) GetTasks(ctx context.Context, customerID string) ([]Task, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	out := make([]Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *Store) GetAIContext(ctx context.Context, customerID string) (AIContext, error) {
	var row aiContextRow
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AIContext{}, ErrNotFound
		}
		return AIContext{}, fmt.Errorf("get ai context: %w", err)
	}
	return row.toRecord(), nil
}

func (s *Store) SaveAIContext(ctx context.Context, customerID string, rec AIContext) error {
	row := aiContextRowFromRecord(customerID, rec)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save ai context: %w", err)
	}
	return nil
}

// CountInteractionsSince counts messages plus calls after the cutoff, the
// input to the engagement-level derivation.
func (s *Store) CountInteractionsSince(ctx context.Context, customerID string, since time.Time) (int64, error) {
	var messages int64
	err := s.db.WithContext(ctx).Model(&channelMessageRow{}).
		Where("customer_id = ? AND created_at >= ?", customerID, since).
		Count(&messages).Error
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	var calls int64
	err = s.db.WithContext(ctx).Model(&callRow{}).
		Where("customer_id = ? AND created_at >= ?", customerID, since).
		Count(&calls).Error
	if err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return messages + calls, nil
}

// DeleteAll erases every owned row. The tables are independent, so statement
// order carries no correctness weight.
func (s *Store) DeleteAll(ctx context.Context, customerID string) error {
	tables := []any{
		&profileRow{},
		&contactPointRow{},
		&channelMessageRow{},
		&callRow{},
		&activityRow{},
		&noteRow{},
		&taskRow{},
		&aiContextRow{},
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			if err := tx.Where("customer_id = ?", customerID).Delete(table).Error; err != nil {
				return fmt.Errorf("delete customer rows: %w", err)
			}
		}
		return nil
	})
}
