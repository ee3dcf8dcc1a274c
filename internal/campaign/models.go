package campaign

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("campaign: not found")
	ErrInvalidState    = errors.New("campaign: operation not valid in current state")
	ErrOutsideSchedule = errors.New("campaign: current time is outside the schedule window")
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusArchived
}

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelVoice    Channel = "voice"
	ChannelWhatsApp Channel = "whatsapp"
)

// Schedule bounds when a running campaign may dispatch, evaluated in the
// campaign's timezone. Empty Days means every day; empty times mean all day.
type Schedule struct {
	Days      []time.Weekday `json:"days,omitempty"`
	StartTime string         `json:"start_time,omitempty"` // "09:00"
	EndTime   string         `json:"end_time,omitempty"`   // "17:00"
}

// Config is the immutable campaign definition. MaxPerHour caps dispatches in
// any trailing hour; RetryAttempts and CooldownMinutes govern how transient
// per-recipient failures are retried.
type Config struct {
	CampaignID      string   `json:"campaign_id"`
	TenantID        string   `json:"tenant_id"`
	Name            string   `json:"name"`
	Channel         Channel  `json:"channel"`
	Timezone        string   `json:"timezone,omitempty"`
	Schedule        Schedule `json:"schedule"`
	Subject         string   `json:"subject,omitempty"`
	Body            string   `json:"body,omitempty"`
	MaxConcurrency  int      `json:"max_concurrency,omitempty"`
	MaxPerHour      int      `json:"max_per_hour,omitempty"`
	RetryAttempts   int      `json:"retry_attempts,omitempty"`
	CooldownMinutes int      `json:"cooldown_minutes,omitempty"`
}

// State is the persisted run state.
type State struct {
	Config    Config     `json:"config"`
	Status    Status     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// withinWindow reports whether now falls inside the schedule, evaluated in
// the configured timezone.
func withinWindow(cfg Config, now time.Time) (bool, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return false, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}
	local := now.In(loc)

	if len(cfg.Schedule.Days) > 0 {
		match := false
		for _, day := range cfg.Schedule.Days {
			if local.Weekday() == day {
				match = true
				break
			}
		}
		if !match {
			return false, nil
		}
	}

	minutes := local.Hour()*60 + local.Minute()
	if cfg.Schedule.StartTime != "" {
		start, err := parseClock(cfg.Schedule.StartTime)
		if err != nil {
			return false, err
		}
		if minutes < start {
			return false, nil
		}
	}
	if cfg.Schedule.EndTime != "" {
		end, err := parseClock(cfg.Schedule.EndTime)
		if err != nil {
			return false, err
		}
		if minutes >= end {
			return false, nil
		}
	}
	return true, nil
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("parse schedule time %q: %w", value, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
