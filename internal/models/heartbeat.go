package models

import "time"

// Heartbeat is a recurring, condition-gated proactive message rule bound to
// a user and channel.
type Heartbeat struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	UserID      string `gorm:"size:64;not null;index" json:"user_id"`
	ChannelID   string `gorm:"size:128;not null" json:"channel_id"`
	ChannelType string `gorm:"size:32" json:"channel_type"`
	IntervalMs  int64  `json:"interval_ms"`
	// Schedule is an optional cron expression; when set it replaces the
	// IntervalMs rule for deciding whether the heartbeat is due.
	Schedule string `gorm:"size:128" json:"schedule,omitempty"`

	Generator string `gorm:"size:64" json:"generator,omitempty"`
	Condition string `gorm:"size:64" json:"condition,omitempty"`
	Message   string `gorm:"type:text" json:"message,omitempty"`

	QuietStart *int    `json:"quiet_start,omitempty"`
	QuietEnd   *int    `json:"quiet_end,omitempty"`
	SkipDays   IntList `gorm:"type:text" json:"skip_days,omitempty"` // 0 = Sunday

	MaxPerDay       int        `json:"max_per_day,omitempty"` // 0 = unlimited
	SentToday       int        `json:"sent_today"`
	LastResetDate   string     `gorm:"size:10" json:"last_reset_date"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	HeartbeatCount  int        `json:"heartbeat_count"`
	Active          bool       `gorm:"index" json:"active"`
	Metadata        JSONMap    `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
