package customer

import (
	"encoding/json"
	"time"
)

type profileRow struct {
	CustomerID       string    `gorm:"primaryKey;size:191"`
	TenantID         string    `gorm:"size:191;not null;index"`
	Name             string    `gorm:"size:191"`
	Email            string    `gorm:"size:191"`
	Phone            string    `gorm:"size:64"`
	WhatsAppID       string    `gorm:"size:64"`
	Company          string    `gorm:"size:191"`
	Title            string    `gorm:"size:191"`
	LifecycleStatus  string    `gorm:"size:64"`
	LeadScore        int       `gorm:"not null;default:0"`
	TagsJSON         string    `gorm:"type:text"`
	CustomFieldsJSON string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (profileRow) TableName() string { return "customer_profiles" }

func (r profileRow) toRecord() Profile {
	return Profile{
		CustomerID:      r.CustomerID,
		TenantID:        r.TenantID,
		Name:            r.Name,
		Email:           r.Email,
		Phone:           r.Phone,
		WhatsAppID:      r.WhatsAppID,
		Company:         r.Company,
		Title:           r.Title,
		LifecycleStatus: r.LifecycleStatus,
		LeadScore:       r.LeadScore,
		Tags:            decodeStringList(r.TagsJSON),
		CustomFields:    decodeStringMap(r.CustomFieldsJSON),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func profileRowFromRecord(rec Profile) profileRow {
	return profileRow{
		CustomerID:       rec.CustomerID,
		TenantID:         rec.TenantID,
		Name:             rec.Name,
		Email:            rec.Email,
		Phone:            rec.Phone,
		WhatsAppID:       rec.WhatsAppID,
		Company:          rec.Company,
		Title:            rec.Title,
		LifecycleStatus:  rec.LifecycleStatus,
		LeadScore:        rec.LeadScore,
		TagsJSON:         encodeStringList(rec.Tags),
		CustomFieldsJSON: encodeStringMap(rec.CustomFields),
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

type contactPointRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	CustomerID string `gorm:"size:191;not null;index"`
	Type       string `gorm:"size:32;not null"`
	Value      string `gorm:"size:191;not null"`
	IsPrimary  bool   `gorm:"not null"`
}

func (contactPointRow) TableName() string { return "customer_contact_points" }

func (r contactPointRow) toRecord() ContactPoint {
	return ContactPoint{ID: r.ID, Type: r.Type, Value: r.Value, Primary: r.IsPrimary}
}

type channelMessageRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	CustomerID string    `gorm:"size:191;not null;index:idx_customer_messages,priority:1"`
	Channel    string    `gorm:"size:32;not null;index:idx_customer_messages,priority:2"`
	Direction  string    `gorm:"size:16;not null"`
	Subject    string    `gorm:"size:255"`
	Content    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (channelMessageRow) TableName() string { return "customer_messages" }

func (r channelMessageRow) toRecord() ChannelMessage {
	return ChannelMessage{
		ID:        r.ID,
		Channel:   r.Channel,
		Direction: Direction(r.Direction),
		Subject:   r.Subject,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
	}
}

type callRow struct {
	ID              string    `gorm:"primaryKey;size:64"`
	CustomerID      string    `gorm:"size:191;not null;index"`
	Direction       string    `gorm:"size:16;not null"`
	DurationSecs    int       `gorm:"not null;default:0"`
	RecordingURL    string    `gorm:"size:512"`
	Transcript      string    `gorm:"type:text"`
	Summary         string    `gorm:"type:text"`
	Sentiment       string    `gorm:"size:32"`
	ActionItemsJSON string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (callRow) TableName() string { return "customer_calls" }

func (r callRow) toRecord() Call {
	return Call{
		ID:           r.ID,
		Direction:    Direction(r.Direction),
		DurationSecs: r.DurationSecs,
		RecordingURL: r.RecordingURL,
		Transcript:   r.Transcript,
		Summary:      r.Summary,
		Sentiment:    r.Sentiment,
		ActionItems:  decodeStringList(r.ActionItemsJSON),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type activityRow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	CustomerID  string    `gorm:"size:191;not null;index"`
	Kind        string    `gorm:"size:64;not null"`
	Description string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (activityRow) TableName() string { return "customer_activities" }

func (r activityRow) toRecord() Activity {
	return Activity{ID: r.ID, Kind: r.Kind, Description: r.Description, CreatedAt: r.CreatedAt}
}

type noteRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	CustomerID string    `gorm:"size:191;not null;index"`
	AuthorID   string    `gorm:"size:191"`
	Content    string    `gorm:"type:text;not null"`
	Pinned     bool      `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (noteRow) TableName() string { return "customer_notes" }

func (r noteRow) toRecord() Note {
	return Note{
		ID:        r.ID,
		AuthorID:  r.AuthorID,
		Content:   r.Content,
		Pinned:    r.Pinned,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type taskRow struct {
	ID          string     `gorm:"primaryKey;size:64"`
	CustomerID  string     `gorm:"size:191;not null;index"`
	Title       string     `gorm:"size:255;not null"`
	Description string     `gorm:"type:text"`
	Status      string     `gorm:"size:32;not null"`
	Priority    string     `gorm:"size:32"`
	DueAt       *time.Time `gorm:"index"`
	CreatedAt   time.Time  `gorm:"not null"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

func (taskRow) TableName() string { return "customer_tasks" }

func (r taskRow) toRecord() Task {
	return Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Status:      TaskStatus(r.Status),
		Priority:    r.Priority,
		DueAt:       r.DueAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type aiContextRow struct {
	CustomerID      string    `gorm:"primaryKey;size:191"`
	Summary         string    `gorm:"type:text"`
	KeyFactsJSON    string    `gorm:"type:text"`
	PainPointsJSON  string    `gorm:"type:text"`
	GoalsJSON       string    `gorm:"type:text"`
	PreferencesJSON string    `gorm:"type:text"`
	Style           string    `gorm:"size:64"`
	SentimentTrend  string    `gorm:"size:32"`
	EngagementLevel string    `gorm:"size:16"`
	LifetimeValue   float64   `gorm:"not null;default:0"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (aiContextRow) TableName() string { return "customer_ai_context" }

func (r aiContextRow) toRecord() AIContext {
	rec := AIContext{
		Summary:           r.Summary,
		KeyFacts:          decodeStringList(r.KeyFactsJSON),
		Goals:             decodeStringList(r.GoalsJSON),
		Preferences:       decodeStringMap(r.PreferencesJSON),
		ConversationStyle: r.Style,
		SentimentTrend:    r.SentimentTrend,
		EngagementLevel:   EngagementLevel(r.EngagementLevel),
		LifetimeValue:     r.LifetimeValue,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.PainPointsJSON != "" {
		_ = json.Unmarshal([]byte(r.PainPointsJSON), &rec.PainPoints)
	}
	return rec
}

func aiContextRowFromRecord(customerID string, rec AIContext) aiContextRow {
	painPoints := ""
	if len(rec.PainPoints) > 0 {
		if encoded, err := json.Marshal(rec.PainPoints); err == nil {
			painPoints = string(encoded)
		}
	}
	return aiContextRow{
		CustomerID:      customerID,
		Summary:         rec.Summary,
		KeyFactsJSON:    encodeStringList(rec.KeyFacts),
		PainPointsJSON:  painPoints,
		GoalsJSON:       encodeStringList(rec.Goals),
		PreferencesJSON: encodeStringMap(rec.Preferences),
		Style:           rec.ConversationStyle,
		SentimentTrend:  rec.SentimentTrend,
		EngagementLevel: string(rec.EngagementLevel),
		LifetimeValue:   rec.LifetimeValue,
		UpdatedAt:       rec.UpdatedAt,
	}
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

func encodeStringMap(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeStringMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var values map[string]string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}
