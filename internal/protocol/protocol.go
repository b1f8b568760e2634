// Package protocol defines the agent message envelope, typed message
// builders, validation, and acknowledgments.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
)

// Message is the protocol-level agent message.
type Message = models.Message

// Defaults for Options.
const (
	DefaultVersion        = "1.0"
	DefaultTTL            = 24 * time.Hour
	DefaultMaxMessageSize = 64 * 1024
)

// Options configures an Engine. Zero values take the defaults above.
type Options struct {
	Version        string
	DefaultTTL     time.Duration
	MaxMessageSize int
	RequireAck     bool
	Now            func() time.Time
}

// Envelope is the wire wrapper around a Message.
type Envelope struct {
	Version         string    `json:"version"`
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Payload         Message   `json:"payload"`
	RequiresAck     bool      `json:"requires_ack"`
	AckForMessageID string    `json:"ack_for_message_id,omitempty"`
}

// Engine wraps, unwraps and validates messages for one protocol version.
type Engine struct {
	version        string
	major          string
	defaultTTL     time.Duration
	maxMessageSize int
	requireAck     bool
	now            func() time.Time
}

// NewEngine creates an Engine with opts merged over the defaults.
func NewEngine(opts Options) *Engine {
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		version:        opts.Version,
		major:          majorOf(opts.Version),
		defaultTTL:     opts.DefaultTTL,
		maxMessageSize: opts.MaxMessageSize,
		requireAck:     opts.RequireAck,
		now:            opts.Now,
	}
}

// Version returns the configured protocol version.
func (e *Engine) Version() string { return e.version }

// Wrap stamps version, a fresh envelope id and the creation time around a
// copy of msg. requiresAck is ORed with the engine's RequireAck setting.
func (e *Engine) Wrap(msg *Message, requiresAck bool) *Envelope {
	return &Envelope{
		Version:     e.version,
		ID:          uuid.NewString(),
		CreatedAt:   e.now(),
		Payload:     cloneMessage(msg),
		RequiresAck: requiresAck || e.requireAck,
	}
}

// Unwrap returns a copy of the envelope payload. It fails with
// ErrIncompatibleVersion when the envelope's major version differs.
func (e *Engine) Unwrap(env *Envelope) (*Message, error) {
	if env == nil {
		return nil, fmt.Errorf("protocol: unwrap: nil envelope: %w", orcherr.ErrValidationFailed)
	}
	if majorOf(env.Version) != e.major {
		return nil, fmt.Errorf("protocol: unwrap: envelope version %q, engine %q: %w",
			env.Version, e.version, orcherr.ErrIncompatibleVersion)
	}
	msg := cloneMessage(&env.Payload)
	return &msg, nil
}

// Validate checks msg and returns every violation found. It never mutates
// msg; callers decide whether to drop or reject.
func (e *Engine) Validate(msg *Message) []orcherr.Violation {
	var v []orcherr.Violation
	if msg == nil {
		return []orcherr.Violation{{Reason: "message is nil"}}
	}
	if msg.ID == "" {
		v = append(v, orcherr.Violation{Field: "id", Reason: "required"})
	}
	switch msg.Type {
	case "":
		v = append(v, orcherr.Violation{Field: "type", Reason: "required"})
	case models.MessageRequest, models.MessageResponse, models.MessageBroadcast,
		models.MessageHandoff, models.MessageStatus:
	default:
		v = append(v, orcherr.Violation{Field: "type", Reason: fmt.Sprintf("unknown type %q", msg.Type)})
	}
	if msg.FromAgentID == "" {
		v = append(v, orcherr.Violation{Field: "from_agent_id", Reason: "required"})
	}
	if msg.ChannelID == "" {
		v = append(v, orcherr.Violation{Field: "channel_id", Reason: "required"})
	}
	if msg.Content == "" {
		v = append(v, orcherr.Violation{Field: "content", Reason: "required"})
	}
	if len(msg.Content) > e.maxMessageSize {
		v = append(v, orcherr.Violation{
			Field:  "content",
			Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(msg.Content), e.maxMessageSize),
		})
	}
	if msg.ExpiresAt != nil {
		if msg.ExpiresAt.Before(e.now()) {
			v = append(v, orcherr.Violation{Field: "expires_at", Reason: "expired"})
		} else if !msg.Timestamp.IsZero() && msg.ExpiresAt.Before(msg.Timestamp) {
			v = append(v, orcherr.Violation{Field: "expires_at", Reason: "precedes timestamp"})
		}
	}
	return v
}

// Check is Validate folded into a single *orcherr.ValidationError, or nil.
func (e *Engine) Check(msg *Message) error {
	if v := e.Validate(msg); len(v) > 0 {
		return &orcherr.ValidationError{Violations: v}
	}
	return nil
}

// Stamp sets ExpiresAt to Timestamp + DefaultTTL when it is unset.
func (e *Engine) Stamp(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.now()
	}
	if msg.ExpiresAt == nil {
		exp := msg.Timestamp.Add(e.defaultTTL)
		msg.ExpiresAt = &exp
	}
}

// CreateAck builds a low-priority status envelope acknowledging env.
func (e *Engine) CreateAck(env *Envelope, fromAgentID string) *Envelope {
	ack := NewStatus(fromAgentID, env.Payload.ChannelID, "ack", map[string]any{
		"ack_for_envelope_id": env.ID,
	})
	ack.ToAgentID = env.Payload.FromAgentID
	ack.Priority = models.PriorityLow
	ack.ReplyToMessageID = env.Payload.ID
	ack.Timestamp = e.now()

	out := e.Wrap(ack, false)
	out.AckForMessageID = env.Payload.ID
	return out
}

// Encode marshals an envelope to its JSON wire form.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// Decode parses a JSON envelope. Version compatibility is checked by Unwrap.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode: %v: %w", err, orcherr.ErrValidationFailed)
	}
	return &env, nil
}

func majorOf(version string) string {
	major, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	return major
}

func cloneMessage(msg *Message) Message {
	out := *msg
	if msg.Context != nil {
		out.Context = msg.Context.Clone()
	}
	if msg.ExpiresAt != nil {
		exp := *msg.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}
