package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type executionRow struct {
	ExecutionID    string     `gorm:"primaryKey;size:64"`
	TenantID       string     `gorm:"size:191;not null;index"`
	WorkflowID     string     `gorm:"size:191;not null;index"`
	CustomerID     string     `gorm:"size:191;not null;index"`
	Status         string     `gorm:"size:32;not null"`
	CurrentNode    string     `gorm:"size:191"`
	DefinitionJSON string     `gorm:"type:text;not null"`
	ContextJSON    string     `gorm:"type:text"`
	WaitUntil      *time.Time `gorm:""`
	Error          string     `gorm:"type:text"`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (executionRow) TableName() string { return "workflow_executions" }

type historyRow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	ExecutionID string    `gorm:"size:64;not null;index"`
	NodeID      string    `gorm:"size:191;not null"`
	NodeType    string    `gorm:"size:32;not null"`
	Outcome     string    `gorm:"size:16;not null"`
	Detail      string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (historyRow) TableName() string { return "workflow_step_history" }

// Store persists execution state and step history, scoped by execution id.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&executionRow{}, &historyRow{}); err != nil {
		return nil, fmt.Errorf("migrate workflow tables: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) CreateExecution(ctx context.Context, exec Execution) error {
	row, err := executionRowFromRecord(exec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *Store) SaveExecution(ctx context.Context, exec Execution) error {
	row, err := executionRowFromRecord(exec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	var row executionRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Execution{}, ErrNotFound
		}
		return Execution{}, fmt.Errorf("get execution: %w", err)
	}
	return row.toRecord()
}

func (s *Store) AppendHistory(ctx context.Context, executionID string, entry HistoryEntry) error {
	row := historyRow{
		ExecutionID: executionID,
		NodeID:      entry.NodeID,
		NodeType:    string(entry.NodeType),
		Outcome:     entry.Outcome,
		Detail:      entry.Detail,
		CreatedAt:   entry.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *Store) GetHistory(ctx context.Context, executionID string) ([]HistoryEntry, error) {
	var rows []historyRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, HistoryEntry{
			ID:        row.ID,
			NodeID:    row.NodeID,
			NodeType:  NodeType(row.NodeType),
			Outcome:   row.Outcome,
			Detail:    row.Detail,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func executionRowFromRecord(exec Execution) (executionRow, error) {
	definition, err := json.Marshal(exec.Definition)
	if err != nil {
		return executionRow{}, fmt.Errorf("encode definition: %w", err)
	}
	contextJSON := ""
	if len(exec.Context) > 0 {
		encoded, err := json.Marshal(exec.Context)
		if err != nil {
			return executionRow{}, fmt.Errorf("encode context: %w", err)
		}
		contextJSON = string(encoded)
	}
	return executionRow{
		ExecutionID:    exec.ExecutionID,
		TenantID:       exec.TenantID,
		WorkflowID:     exec.WorkflowID,
		CustomerID:     exec.CustomerID,
		Status:         string(exec.Status),
		CurrentNode:    exec.CurrentNode,
		DefinitionJSON: string(definition),
		ContextJSON:    contextJSON,
		WaitUntil:      exec.WaitUntil,
		Error:          exec.Error,
		CreatedAt:      exec.CreatedAt,
		UpdatedAt:      exec.UpdatedAt,
	}, nil
}

func (r executionRow) toRecord() (Execution, error) {
	exec := Execution{
		ExecutionID: r.ExecutionID,
		TenantID:    r.TenantID,
		WorkflowID:  r.WorkflowID,
		CustomerID:  r.CustomerID,
		Status:      Status(r.Status),
		CurrentNode: r.CurrentNode,
		WaitUntil:   r.WaitUntil,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.DefinitionJSON), &exec.Definition); err != nil {
		return Execution{}, fmt.Errorf("decode definition: %w", err)
	}
	if r.ContextJSON != "" {
		if err := json.Unmarshal([]byte(r.ContextJSON), &exec.Context); err != nil {
			return Execution{}, fmt.Errorf("decode context: %w", err)
		}
	}
	if exec.Context == nil {
		exec.Context = make(map[string]any)
	}
	return exec, nil
}
