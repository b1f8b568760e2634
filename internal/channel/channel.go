// Package channel manages channel membership, lifecycle, and the message
// log of each channel, including periodic expiry of old messages.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/loop"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
	"github.com/zulandar/roundhouse/internal/sessionstore"
)

// Defaults applied by New.
const (
	DefaultMaxChannelsPerSession     = 5
	DefaultMaxParticipantsPerChannel = 20
	DefaultMessageRetention          = 24 * time.Hour
	DefaultCleanupInterval           = time.Hour
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	Store                     *sessionstore.Store
	Events                    events.Publisher
	MaxChannelsPerSession     int
	MaxParticipantsPerChannel int
	MessageRetention          time.Duration
	CleanupInterval           time.Duration
	Logger                    *log.Logger
	Now                       func() time.Time
}

// CreateOpts describes a new channel.
type CreateOpts struct {
	Name         string
	SessionID    string
	Participants []string
	Metadata     map[string]any
}

// Event is the payload of channel lifecycle events.
type Event struct {
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// MessageEvent is the payload of channel:message events.
type MessageEvent struct {
	ChannelID string          `json:"channel_id"`
	Message   *models.Message `json:"message"`
}

// Manager owns channels and their messages.
type Manager struct {
	store           *sessionstore.Store
	events          events.Publisher
	maxPerSession   int
	maxParticipants int
	retention       time.Duration
	logger          *log.Logger
	now             func() time.Time
	cleanup         *loop.Loop
}

// New creates a Manager. Store is required.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("channel: store is required")
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.MaxChannelsPerSession <= 0 {
		opts.MaxChannelsPerSession = DefaultMaxChannelsPerSession
	}
	if opts.MaxParticipantsPerChannel <= 0 {
		opts.MaxParticipantsPerChannel = DefaultMaxParticipantsPerChannel
	}
	if opts.MessageRetention <= 0 {
		opts.MessageRetention = DefaultMessageRetention
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	m := &Manager{
		store:           opts.Store,
		events:          opts.Events,
		maxPerSession:   opts.MaxChannelsPerSession,
		maxParticipants: opts.MaxParticipantsPerChannel,
		retention:       opts.MessageRetention,
		logger:          opts.Logger,
		now:             opts.Now,
	}
	m.cleanup = loop.New(opts.CleanupInterval, m.cleanupTick)
	return m, nil
}

// MaxParticipants returns the configured per-channel participant cap.
func (m *Manager) MaxParticipants() int { return m.maxParticipants }

// CreateChannel creates an active channel. It fails with ErrLimitExceeded
// when the owning session already has the maximum number of channels or the
// initial participant set is larger than the cap.
func (m *Manager) CreateChannel(ctx context.Context, opts CreateOpts) (*models.Channel, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("channel: name is required: %w", orcherr.ErrInvalidOperation)
	}
	participants := models.StringList{}
	for _, p := range opts.Participants {
		if p != "" && !participants.Contains(p) {
			participants = append(participants, p)
		}
	}
	if len(participants) > m.maxParticipants {
		return nil, fmt.Errorf("channel: %d participants exceeds limit of %d: %w",
			len(participants), m.maxParticipants, orcherr.ErrLimitExceeded)
	}

	ch := &models.Channel{
		ID:           uuid.NewString(),
		Name:         opts.Name,
		SessionID:    opts.SessionID,
		Participants: participants,
		Status:       models.ChannelActive,
		Metadata:     models.JSONMap(opts.Metadata).Clone(),
		CreatedAt:    m.now(),
	}
	if err := m.store.CreateChannel(ctx, ch, m.maxPerSession); err != nil {
		return nil, fmt.Errorf("channel: create %q: %w", opts.Name, err)
	}
	m.emit(ctx, events.ChannelCreated, Event{ChannelID: ch.ID, SessionID: ch.SessionID})
	return ch, nil
}

// JoinChannel adds agentID to the channel. It returns false when the agent
// is already a member.
func (m *Manager) JoinChannel(ctx context.Context, channelID, agentID string) (bool, error) {
	added, err := m.store.AddParticipant(ctx, channelID, agentID, m.maxParticipants)
	if err != nil {
		return false, fmt.Errorf("channel: join %s: %w", channelID, err)
	}
	if added {
		m.emit(ctx, events.ChannelJoined, Event{ChannelID: channelID, AgentID: agentID})
	}
	return added, nil
}

// LeaveChannel removes agentID from the channel. It returns false when the
// agent was not a member.
func (m *Manager) LeaveChannel(ctx context.Context, channelID, agentID string) (bool, error) {
	removed, err := m.store.RemoveParticipant(ctx, channelID, agentID)
	if err != nil {
		return false, fmt.Errorf("channel: leave %s: %w", channelID, err)
	}
	if removed {
		m.emit(ctx, events.ChannelLeft, Event{ChannelID: channelID, AgentID: agentID})
	}
	return removed, nil
}

// CloseChannel marks the channel closed. It stays queryable but accepts no
// further messages or members.
func (m *Manager) CloseChannel(ctx context.Context, channelID string) error {
	if err := m.store.SetChannelStatus(ctx, channelID, models.ChannelClosed); err != nil {
		return fmt.Errorf("channel: close %s: %w", channelID, err)
	}
	m.emit(ctx, events.ChannelClosed, Event{ChannelID: channelID})
	return nil
}

// DeleteChannel removes the channel and all of its messages.
func (m *Manager) DeleteChannel(ctx context.Context, channelID string) error {
	if err := m.store.DeleteChannel(ctx, channelID); err != nil {
		return fmt.Errorf("channel: delete %s: %w", channelID, err)
	}
	m.emit(ctx, events.ChannelDeleted, Event{ChannelID: channelID})
	return nil
}

// StoreMessage appends msg to its channel. A missing id, timestamp or
// expiry is filled in; the expiry defaults to now plus the retention window.
func (m *Manager) StoreMessage(ctx context.Context, msg *models.Message) error {
	now := m.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.Priority == "" {
		msg.Priority = models.PriorityNormal
	}
	if msg.ExpiresAt == nil {
		exp := now.Add(m.retention)
		msg.ExpiresAt = &exp
	}
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("channel: store message in %s: %w", msg.ChannelID, err)
	}
	m.emit(ctx, events.ChannelMessage, MessageEvent{ChannelID: msg.ChannelID, Message: msg})
	return nil
}

// BroadcastToChannel stores msg in the channel and returns the participants
// other than the sender. Delivery to each recipient is the caller's job.
func (m *Manager) BroadcastToChannel(ctx context.Context, channelID string, msg *models.Message) ([]string, error) {
	msg.ChannelID = channelID
	if err := m.StoreMessage(ctx, msg); err != nil {
		return nil, err
	}
	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("channel: broadcast to %s: %w", channelID, err)
	}
	return []string(ch.Participants.Without(msg.FromAgentID)), nil
}

// CleanupExpiredMessages deletes every message whose expiry has passed and
// returns how many were removed.
func (m *Manager) CleanupExpiredMessages(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredMessages(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("channel: cleanup: %w", err)
	}
	return n, nil
}

// GetChannel returns the channel with the given id.
func (m *Manager) GetChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	return ch, nil
}

// GetMessages returns the channel's messages in storage order. A positive
// limit keeps the most recent ones.
func (m *Manager) GetMessages(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	msgs, err := m.store.MessagesForChannel(ctx, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	return msgs, nil
}

// ListChannels returns every channel, or only those of sessionID when set.
func (m *Manager) ListChannels(ctx context.Context, sessionID string) ([]models.Channel, error) {
	chs, err := m.store.ListChannels(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	return chs, nil
}

// Start runs CleanupExpiredMessages on the configured interval.
func (m *Manager) Start(ctx context.Context) error {
	return m.cleanup.Start(ctx)
}

// Stop halts the cleanup loop.
func (m *Manager) Stop() {
	m.cleanup.Stop()
}

func (m *Manager) cleanupTick(ctx context.Context) {
	n, err := m.CleanupExpiredMessages(ctx)
	if err != nil {
		m.logger.Printf("channel: cleanup tick: %v", err)
		return
	}
	if n > 0 {
		m.logger.Printf("channel: removed %d expired message(s)", n)
	}
}

func (m *Manager) emit(ctx context.Context, topic string, payload any) {
	if err := m.events.Publish(ctx, topic, payload); err != nil {
		m.logger.Printf("channel: publish %s: %v", topic, err)
	}
}
