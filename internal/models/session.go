package models

import "time"

// SessionStatus is the lifecycle state of a collaboration session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is a bounded multi-agent task context. It owns exactly one Channel.
type Session struct {
	ID                 string        `gorm:"primaryKey;size:36" json:"id"`
	Name               string        `gorm:"size:128;not null" json:"name"`
	ChannelID          string        `gorm:"size:36;uniqueIndex" json:"channel_id"`
	Participants       StringList    `gorm:"type:text" json:"participant_agent_ids"`
	CoordinatorAgentID string        `gorm:"size:64;not null" json:"coordinator_agent_id"`
	Objective          string        `gorm:"type:text" json:"objective"`
	Status             SessionStatus `gorm:"size:16;default:active;index" json:"status"`
	SharedContext      JSONMap       `gorm:"type:text" json:"shared_context,omitempty"`
	Result             string        `gorm:"type:text" json:"result,omitempty"`
	Error              string        `gorm:"type:text" json:"error,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	CompletedAt        *time.Time    `gorm:"index" json:"completed_at,omitempty"`
}

// SessionMessage is one entry of a session's ordered message history.
// Payload holds the JSON encoding of the Message as it was sent.
type SessionMessage struct {
	Seq         uint        `gorm:"primaryKey;autoIncrement"`
	SessionID   string      `gorm:"size:36;not null;index"`
	MessageID   string      `gorm:"size:36;not null"`
	Type        MessageType `gorm:"size:16"`
	FromAgentID string      `gorm:"size:64"`
	Payload     string      `gorm:"type:text"`
	CreatedAt   time.Time
}
