package telegraph

import (
	"fmt"
	"strings"

	"github.com/zulandar/roundhouse/internal/collab"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/task"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// sessionStatusSeverity returns the severity for a session status.
func sessionStatusSeverity(status models.SessionStatus) string {
	switch status {
	case models.SessionCompleted:
		return "success"
	case models.SessionFailed:
		return "error"
	case models.SessionPaused:
		return "warning"
	default:
		return "info"
	}
}

// FormatSessionEvent formats a session lifecycle event.
func FormatSessionEvent(ev collab.SessionEvent) FormattedEvent {
	severity := sessionStatusSeverity(ev.Status)
	status := string(ev.Status)
	if status == "" {
		status = "updated"
	}
	fields := []Field{
		{Name: "Session", Value: ev.SessionID, Short: true},
		{Name: "Status", Value: status, Short: true},
	}
	if ev.AgentID != "" {
		fields = append(fields, Field{Name: "Agent", Value: ev.AgentID, Short: true})
	}
	return FormattedEvent{
		Title:    fmt.Sprintf("Session %s %s", ev.SessionID, status),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// FormatTaskEvent formats a reclaimed or exhausted task.
func FormatTaskEvent(ev task.ReclaimEvent) FormattedEvent {
	severity := "warning"
	verb := "re-queued after timeout"
	if ev.Status == models.TaskFailed {
		severity = "error"
		verb = "failed after exhausting retries"
	}
	return FormattedEvent{
		Title:    fmt.Sprintf("Task %s %s", ev.TaskID, verb),
		Body:     fmt.Sprintf("Attempt %d of %d", ev.RetryCount, ev.MaxRetries+1),
		Severity: severity,
		Color:    severityColor(severity),
		Fields: []Field{
			{Name: "Task", Value: ev.TaskID, Short: true},
			{Name: "Status", Value: string(ev.Status), Short: true},
		},
	}
}

// FormatHandoff formats a handoff request or resolution.
func FormatHandoff(ev collab.HandoffEvent) FormattedEvent {
	h := ev.Handoff
	severity := "info"
	title := fmt.Sprintf("Handoff %s → %s requested", h.FromAgentID, h.ToAgentID)
	switch {
	case h.Accepted != nil && *h.Accepted:
		severity = "success"
		title = fmt.Sprintf("Handoff %s → %s accepted", h.FromAgentID, h.ToAgentID)
	case h.Accepted != nil:
		severity = "warning"
		title = fmt.Sprintf("Handoff %s → %s rejected", h.FromAgentID, h.ToAgentID)
	}

	var bodyParts []string
	if h.Task != "" {
		bodyParts = append(bodyParts, h.Task)
	}
	if h.Reason != "" {
		bodyParts = append(bodyParts, "Reason: "+h.Reason)
	}
	if h.RejectionReason != "" {
		bodyParts = append(bodyParts, "Rejected: "+h.RejectionReason)
	}

	return FormattedEvent{
		Title:    title,
		Body:     strings.Join(bodyParts, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields: []Field{
			{Name: "Session", Value: h.SessionID, Short: true},
			{Name: "Handoff", Value: h.ID, Short: true},
		},
	}
}
