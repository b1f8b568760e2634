package models

import "time"

// TaskPriority of a background task.
type TaskPriority string

const (
	TaskCritical TaskPriority = "critical"
	TaskHigh     TaskPriority = "high"
	TaskNormal   TaskPriority = "normal"
	TaskLow      TaskPriority = "low"
)

// Rank orders priorities ascending: lower rank dequeues first.
// Unknown priorities rank with normal.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskCritical:
		return 0
	case TaskHigh:
		return 1
	case TaskLow:
		return 3
	default:
		return 2
	}
}

// TaskStatus of a background task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a unit of deferred work. Seq is the insertion sequence and breaks
// ties between tasks created within the same clock tick.
type Task struct {
	Seq                 uint         `gorm:"primaryKey;autoIncrement" json:"-"`
	ID                  string       `gorm:"size:36;uniqueIndex;not null" json:"id"`
	Name                string       `gorm:"size:256;not null" json:"name"`
	Description         string       `gorm:"type:text" json:"description,omitempty"`
	AssignedAgentID     string       `gorm:"size:64;index" json:"assigned_agent_id,omitempty"`
	RequiredPersonaType string       `gorm:"size:64" json:"required_persona_type,omitempty"`
	Priority            TaskPriority `gorm:"size:16;default:normal" json:"priority"`
	PriorityRank        int          `gorm:"index:idx_task_queue,priority:2" json:"-"`
	Status              TaskStatus   `gorm:"size:16;default:queued;index:idx_task_queue,priority:1" json:"status"`
	Progress            int          `gorm:"default:0" json:"progress"`
	OvernightEligible   bool         `gorm:"default:false" json:"overnight_eligible"`
	RetryCount          int          `gorm:"default:0" json:"retry_count"`
	MaxRetries          int          `json:"max_retries"`
	Result              string       `gorm:"type:text" json:"result,omitempty"`
	Error               string       `gorm:"type:text" json:"error,omitempty"`
	Metadata            JSONMap      `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt           time.Time    `gorm:"index:idx_task_queue,priority:3" json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	// StartedAt is cleared when a timed-out task is reclaimed, so it marks
	// the start of the current attempt only.
	StartedAt           *time.Time   `gorm:"index" json:"started_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
}

// TaskCheckpoint is the single resumable progress snapshot of a task.
type TaskCheckpoint struct {
	TaskID     string    `gorm:"primaryKey;size:36" json:"task_id"`
	Step       int       `json:"step"`
	TotalSteps int       `json:"total_steps"`
	State      JSONMap   `gorm:"type:text" json:"state,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}
