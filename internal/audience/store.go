// Package audience persists campaign recipient lists and their per-recipient
// delivery outcomes.
package audience

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"engagestack.local/engage-core/internal/ids"
)

type RecipientStatus string

const (
	StatusPending   RecipientStatus = "pending"
	StatusSent      RecipientStatus = "sent"
	StatusDelivered RecipientStatus = "delivered"
	StatusReplied   RecipientStatus = "replied"
	StatusFailed    RecipientStatus = "failed"
)

// Recipient is one audience row joined with the customer's contact fields.
type Recipient struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	CustomerID string          `json:"customer_id"`
	Name       string          `json:"name,omitempty"`
	Email      string          `json:"email,omitempty"`
	Phone      string          `json:"phone,omitempty"`
	Status     RecipientStatus `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
}

// Stats aggregates per-status counts for one campaign. Delivered and Replied
// are upgrades of Sent reported by the external delivery pipeline, so
// Sent+Delivered+Replied is the number of dispatched recipients.
type Stats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Replied   int64 `json:"replied"`
	Failed    int64 `json:"failed"`
}

// RetryPolicy bounds how many times a transiently failed recipient is retried
// and how long it cools down between attempts. The zero policy fails the
// recipient on the first error.
type RetryPolicy struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// Store is the audience persistence surface the campaign actor drives.
type Store interface {
	AddRecipients(ctx context.Context, campaignID string, customerIDs []string) (int, error)
	PendingBatch(ctx context.Context, campaignID string, limit int) ([]Recipient, error)
	MarkSent(ctx context.Context, recipientID string) error
	MarkFailed(ctx context.Context, recipientID, reason string, policy RetryPolicy) error
	MarkDelivered(ctx context.Context, campaignID, customerID string) error
	MarkReplied(ctx context.Context, campaignID, customerID string) error
	DispatchedSince(ctx context.Context, campaignID string, since time.Time) (int64, error)
	Counts(ctx context.Context, campaignID string) (Stats, error)
}

type recipientRow struct {
	ID            string     `gorm:"primaryKey;size:64"`
	CampaignID    string     `gorm:"size:64;not null;index:idx_campaign_status,priority:1"`
	CustomerID    string     `gorm:"size:191;not null"`
	Status        string     `gorm:"size:16;not null;index:idx_campaign_status,priority:2"`
	Reason        string     `gorm:"size:255"`
	Attempts      int        `gorm:"not null;default:0"`
	NextAttemptAt *time.Time `gorm:""`
	DispatchedAt  *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (recipientRow) TableName() string { return "campaign_audience" }

// GormStore joins audience rows against customer profiles when pulling
// batches, so dispatch sees current contact fields.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&recipientRow{}); err != nil {
		return nil, fmt.Errorf("migrate audience table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) AddRecipients(ctx context.Context, campaignID string, customerIDs []string) (int, error) {
	now := time.Now().UTC()
	rows := make([]recipientRow, 0, len(customerIDs))
	for _, customerID := range customerIDs {
		rows = append(rows, recipientRow{
			ID:         ids.New(),
			CampaignID: campaignID,
			CustomerID: customerID,
			Status:     string(StatusPending),
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, fmt.Errorf("add recipients: %w", err)
	}
	return len(rows), nil
}

// PendingBatch skips recipients still cooling down after a failed attempt.
func (s *GormStore) PendingBatch(ctx context.Context, campaignID string, limit int) ([]Recipient, error) {
	var out []Recipient
	err := s.db.WithContext(ctx).
		Table("campaign_audience").
		Select("campaign_audience.id, campaign_audience.campaign_id, campaign_audience.customer_id, "+
			"campaign_audience.status, campaign_audience.reason, campaign_audience.attempts, "+
			"customer_profiles.name, customer_profiles.email, customer_profiles.phone").
		Joins("LEFT JOIN customer_profiles ON customer_profiles.customer_id = campaign_audience.customer_id").
		Where("campaign_audience.campaign_id = ? AND campaign_audience.status = ?", campaignID, string(StatusPending)).
		Where("campaign_audience.next_attempt_at IS NULL OR campaign_audience.next_attempt_at <= ?", time.Now().UTC()).
		Order("campaign_audience.created_at ASC").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("pending batch: %w", err)
	}
	return out, nil
}

func (s *GormStore) MarkSent(ctx context.Context, recipientID string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&recipientRow{}).
		Where("id = ?", recipientID).
		Updates(map[string]any{
			"status":        string(StatusSent),
			"reason":        "",
			"dispatched_at": &now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("mark recipient sent: %w", res.Error)
	}
	return nil
}

// MarkFailed records one failed attempt. While attempts remain under the
// policy's maximum the recipient goes back to pending with a cooldown
// deadline; otherwise the failure is terminal.
func (s *GormStore) MarkFailed(ctx context.Context, recipientID, reason string, policy RetryPolicy) error {
	var row recipientRow
	if err := s.db.WithContext(ctx).Where("id = ?", recipientID).Take(&row).Error; err != nil {
		return fmt.Errorf("mark recipient failed: %w", err)
	}

	now := time.Now().UTC()
	row.Attempts++
	updates := map[string]any{
		"attempts":   row.Attempts,
		"reason":     reason,
		"updated_at": now,
	}
	if row.Attempts < policy.MaxAttempts {
		next := now.Add(policy.Cooldown)
		updates["status"] = string(StatusPending)
		updates["next_attempt_at"] = &next
	} else {
		updates["status"] = string(StatusFailed)
		updates["next_attempt_at"] = nil
	}

	res := s.db.WithContext(ctx).Model(&recipientRow{}).
		Where("id = ?", recipientID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("mark recipient failed: %w", res.Error)
	}
	return nil
}

// MarkDelivered upgrades a sent recipient on a delivery receipt. A receipt
// for a recipient in any other state is stale and ignored.
func (s *GormStore) MarkDelivered(ctx context.Context, campaignID, customerID string) error {
	return s.upgrade(ctx, campaignID, customerID, StatusDelivered, []string{string(StatusSent)})
}

// MarkReplied upgrades a sent or delivered recipient when the customer
// responds.
func (s *GormStore) MarkReplied(ctx context.Context, campaignID, customerID string) error {
	return s.upgrade(ctx, campaignID, customerID, StatusReplied, []string{string(StatusSent), string(StatusDelivered)})
}

func (s *GormStore) upgrade(ctx context.Context, campaignID, customerID string, status RecipientStatus, from []string) error {
	res := s.db.WithContext(ctx).Model(&recipientRow{}).
		Where("campaign_id = ? AND customer_id = ? AND status IN ?", campaignID, customerID, from).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("mark recipient %s: %w", status, res.Error)
	}
	return nil
}

// DispatchedSince counts recipients dispatched inside the trailing window,
// regardless of what the delivery pipeline reported afterwards.
func (s *GormStore) DispatchedSince(ctx context.Context, campaignID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&recipientRow{}).
		Where("campaign_id = ? AND dispatched_at >= ?", campaignID, since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count dispatched: %w", err)
	}
	return n, nil
}

func (s *GormStore) Counts(ctx context.Context, campaignID string) (Stats, error) {
	type bucket struct {
		Status string
		N      int64
	}
	var buckets []bucket
	err := s.db.WithContext(ctx).Model(&recipientRow{}).
		Select("status, count(*) as n").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&buckets).Error
	if err != nil {
		return Stats{}, fmt.Errorf("count audience: %w", err)
	}

	var stats Stats
	for _, b := range buckets {
		stats.Total += b.N
		switch RecipientStatus(b.Status) {
		case StatusPending:
			stats.Pending = b.N
		case StatusSent:
			stats.Sent = b.N
		case StatusDelivered:
			stats.Delivered = b.N
		case StatusReplied:
			stats.Replied = b.N
		case StatusFailed:
			stats.Failed = b.N
		}
	}
	return stats, nil
}
