package models

import "time"

// AgentStatus of an orchestrated agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentWaiting AgentStatus = "waiting"
	AgentError   AgentStatus = "error"
	AgentStopped AgentStatus = "stopped"
)

// Agent is a tracked participant in orchestration.
type Agent struct {
	ID            string      `gorm:"primaryKey;size:64" json:"id"`
	PersonaID     string      `gorm:"size:64;index" json:"persona_id"`
	PersonaType   string      `gorm:"size:64" json:"persona_type,omitempty"`
	Status        AgentStatus `gorm:"size:16;default:idle;index" json:"status"`
	CurrentTask   string      `gorm:"size:36" json:"current_task,omitempty"`
	ChannelID     string      `gorm:"size:36;index" json:"channel_id,omitempty"`
	ParentAgentID string      `gorm:"size:64;index" json:"parent_agent_id,omitempty"`
	SubAgentIDs   StringList  `gorm:"type:text" json:"sub_agent_ids"`
	CreatedAt     time.Time   `json:"created_at"`
	LastActiveAt  time.Time   `gorm:"index" json:"last_active_at"`
}

// AgentMetrics is the per-agent counter record kept alongside Agent.
type AgentMetrics struct {
	AgentID               string    `gorm:"primaryKey;size:64" json:"agent_id"`
	TotalTasks            int       `json:"total_tasks"`
	CompletedTasks        int       `json:"completed_tasks"`
	FailedTasks           int       `json:"failed_tasks"`
	MessagesSent          int       `json:"messages_sent"`
	MessagesReceived      int       `json:"messages_received"`
	AverageResponseTimeMs float64   `json:"average_response_time_ms"`
	Errors                int       `json:"errors"`
	UpdatedAt             time.Time `json:"updated_at"`
}
