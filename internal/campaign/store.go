package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type campaignRow struct {
	CampaignID string     `gorm:"primaryKey;size:64"`
	TenantID   string     `gorm:"size:191;not null;index"`
	Status     string     `gorm:"size:16;not null"`
	ConfigJSON string     `gorm:"type:text;not null"`
	StartedAt  *time.Time `gorm:""`
	CreatedAt  time.Time  `gorm:"not null"`
	UpdatedAt  time.Time  `gorm:"not null"`
}

func (campaignRow) TableName() string { return "campaigns" }

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&campaignRow{}); err != nil {
		return nil, fmt.Errorf("migrate campaign table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Create(ctx context.Context, state State) error {
	row, err := rowFromState(state)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, state State) error {
	row, err := rowFromState(state)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save campaign: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, campaignID string) (State, error) {
	var row campaignRow
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("get campaign: %w", err)
	}
	return row.toState()
}

func rowFromState(state State) (campaignRow, error) {
	encoded, err := json.Marshal(state.Config)
	if err != nil {
		return campaignRow{}, fmt.Errorf("encode campaign config: %w", err)
	}
	return campaignRow{
		CampaignID: state.Config.CampaignID,
		TenantID:   state.Config.TenantID,
		Status:     string(state.Status),
		ConfigJSON: string(encoded),
		StartedAt:  state.StartedAt,
		CreatedAt:  state.CreatedAt,
		UpdatedAt:  state.UpdatedAt,
	}, nil
}

func (r campaignRow) toState() (State, error) {
	state := State{
		Status:    Status(r.Status),
		StartedAt: r.StartedAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.ConfigJSON), &state.Config); err != nil {
		return State{}, fmt.Errorf("decode campaign config: %w", err)
	}
	return state, nil
}
