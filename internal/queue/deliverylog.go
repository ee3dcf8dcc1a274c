package queue

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"engagestack.local/engage-core/internal/ids"
)

type DeliveryStatus string

const (
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

type deliveryRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	MessageID  string    `gorm:"size:64;index"`
	TenantID   string    `gorm:"size:191;index"`
	CustomerID string    `gorm:"size:191"`
	CampaignID string    `gorm:"size:191"`
	Status     string    `gorm:"size:32;not null"`
	Reason     string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (deliveryRow) TableName() string {
	return "email_delivery_log"
}

// GormDeliveryLog persists terminal send outcomes.
type GormDeliveryLog struct {
	db *gorm.DB
}

func NewGormDeliveryLog(db *gorm.DB) (*GormDeliveryLog, error) {
	if err := db.AutoMigrate(&deliveryRow{}); err != nil {
		return nil, fmt.Errorf("migrate delivery log: %w", err)
	}
	return &GormDeliveryLog{db: db}, nil
}

func (l *GormDeliveryLog) RecordDelivered(ctx context.Context, send EmailSend) error {
	return l.record(ctx, send, DeliveryStatusDelivered, "")
}

func (l *GormDeliveryLog) RecordFailed(ctx context.Context, send EmailSend, reason string) error {
	return l.record(ctx, send, DeliveryStatusFailed, reason)
}

func (l *GormDeliveryLog) record(ctx context.Context, send EmailSend, status DeliveryStatus, reason string) error {
	row := deliveryRow{
		ID:         ids.New(),
		MessageID:  send.MessageID,
		TenantID:   send.TenantID,
		CustomerID: send.CustomerID,
		CampaignID: send.CampaignID,
		Status:     string(status),
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record delivery outcome: %w", err)
	}
	return nil
}
