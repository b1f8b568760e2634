package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
)

// HandoffContextKey is the Context key a handoff message embeds its request under.
const HandoffContextKey = "handoff"

// HandoffRequest is a proposed task transfer between two session participants.
type HandoffRequest struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	FromAgentID     string         `json:"from_agent_id"`
	ToAgentID       string         `json:"to_agent_id"`
	Task            string         `json:"task"`
	Reason          string         `json:"reason"`
	Context         map[string]any `json:"context,omitempty"`
	RequestedAt     time.Time      `json:"requested_at"`
	Accepted        *bool          `json:"accepted,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

func newMessage(typ models.MessageType, from, to, channelID, content string, ctx map[string]any) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Type:        typ,
		FromAgentID: from,
		ToAgentID:   to,
		ChannelID:   channelID,
		Content:     content,
		Context:     models.JSONMap(ctx),
		Priority:    models.PriorityNormal,
		Timestamp:   time.Now(),
	}
}

// NewRequest builds a request addressed to a single agent.
func NewRequest(from, to, channelID, content string, ctx map[string]any) *Message {
	return newMessage(models.MessageRequest, from, to, channelID, content, ctx)
}

// NewResponse builds a reply to req, routed back to its sender.
func NewResponse(req *Message, from, content string, ctx map[string]any) *Message {
	msg := newMessage(models.MessageResponse, from, req.FromAgentID, req.ChannelID, content, ctx)
	msg.ReplyToMessageID = req.ID
	return msg
}

// NewBroadcast builds a message for every participant of the channel.
func NewBroadcast(from, channelID, content string, ctx map[string]any) *Message {
	return newMessage(models.MessageBroadcast, from, "", channelID, content, ctx)
}

// NewStatus builds a status update.
func NewStatus(from, channelID, status string, ctx map[string]any) *Message {
	return newMessage(models.MessageStatus, from, "", channelID, status, ctx)
}

// NewHandoff builds the high-priority message carrying req to its target.
// The full request is embedded in Context under HandoffContextKey.
func NewHandoff(req *HandoffRequest, channelID string) *Message {
	content := fmt.Sprintf("Handoff requested: %s", req.Task)
	if req.Reason != "" {
		content += " (" + req.Reason + ")"
	}
	msg := newMessage(models.MessageHandoff, req.FromAgentID, req.ToAgentID, channelID, content, map[string]any{
		HandoffContextKey: req,
	})
	msg.Priority = models.PriorityHigh
	return msg
}

// DecodeHandoff extracts the HandoffRequest embedded in a handoff message.
// It accepts both the in-process *HandoffRequest and the generic map form a
// message takes after a round trip through storage.
func DecodeHandoff(msg *Message) (*HandoffRequest, error) {
	if msg.Type != models.MessageHandoff {
		return nil, fmt.Errorf("protocol: message %s is %q, not a handoff: %w", msg.ID, msg.Type, orcherr.ErrInvalidOperation)
	}
	raw, ok := msg.Context[HandoffContextKey]
	if !ok {
		return nil, fmt.Errorf("protocol: message %s carries no handoff: %w", msg.ID, orcherr.ErrValidationFailed)
	}
	if req, ok := raw.(*HandoffRequest); ok {
		return req, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("protocol: handoff %s: %w", msg.ID, err)
	}
	var req HandoffRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("protocol: handoff %s: %v: %w", msg.ID, err, orcherr.ErrValidationFailed)
	}
	return &req, nil
}
