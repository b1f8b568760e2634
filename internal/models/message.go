package models

import "time"

// MessageType classifies an agent message.
type MessageType string

const (
	MessageRequest   MessageType = "request"
	MessageResponse  MessageType = "response"
	MessageBroadcast MessageType = "broadcast"
	MessageHandoff   MessageType = "handoff"
	MessageStatus    MessageType = "status"
)

// MessagePriority orders messages for delivery.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// Message is one agent-to-agent protocol message. Seq is assigned by the
// store on insert and orders the channel's message log; two messages may
// share a Timestamp but never a Seq.
type Message struct {
	Seq              uint            `gorm:"primaryKey;autoIncrement" json:"-"`
	ID               string          `gorm:"size:36;uniqueIndex;not null" json:"id"`
	Type             MessageType     `gorm:"size:16;not null" json:"type"`
	FromAgentID      string          `gorm:"size:64;not null" json:"from_agent_id"`
	ToAgentID        string          `gorm:"size:64" json:"to_agent_id,omitempty"`
	ChannelID        string          `gorm:"size:36;not null;index" json:"channel_id"`
	Content          string          `gorm:"type:text" json:"content"`
	Context          JSONMap         `gorm:"type:text" json:"context,omitempty"`
	Priority         MessagePriority `gorm:"size:8;default:normal" json:"priority"`
	ReplyToMessageID string          `gorm:"size:36" json:"reply_to_message_id,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	ExpiresAt        *time.Time      `gorm:"index" json:"expires_at,omitempty"`
}
