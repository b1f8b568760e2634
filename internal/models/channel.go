package models

import "time"

// Channel statuses.
const (
	ChannelActive = "active"
	ChannelClosed = "closed"
)

// Channel is a messaging scope shared by a bounded set of agents.
// Participants has set semantics; order carries no meaning.
type Channel struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	Name          string     `gorm:"size:128;not null" json:"name"`
	SessionID     string     `gorm:"size:36;index" json:"session_id,omitempty"`
	Participants  StringList `gorm:"type:text" json:"participant_ids"`
	Status        string     `gorm:"size:16;default:active;index" json:"status"`
	Metadata      JSONMap    `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}
