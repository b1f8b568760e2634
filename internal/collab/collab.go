// Package collab manages collaboration sessions: their lifecycle, their
// participants and owned channel, the session message history, and the
// handoff protocol between participants.
package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/roundhouse/internal/channel"
	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/loop"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
	"github.com/zulandar/roundhouse/internal/protocol"
	"github.com/zulandar/roundhouse/internal/sessionstore"
)

// Defaults applied by New.
const (
	DefaultMaxParticipants = 10
	DefaultMaxDuration     = 24 * time.Hour
	DefaultCleanupAfter    = 48 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// Dispatcher delivers a message to a single agent. It is supplied by the
// embedding application (the agent runtime).
type Dispatcher interface {
	Deliver(ctx context.Context, agentID string, msg *models.Message) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, agentID string, msg *models.Message) error

// Deliver calls f.
func (f DispatcherFunc) Deliver(ctx context.Context, agentID string, msg *models.Message) error {
	return f(ctx, agentID, msg)
}

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	Store           *sessionstore.Store
	Channels        *channel.Manager
	Protocol        *protocol.Engine
	Events          events.Publisher
	Dispatcher      Dispatcher
	MaxParticipants int
	MaxDuration     time.Duration
	CleanupAfter    time.Duration
	CleanupInterval time.Duration
	Logger          *log.Logger
	Now             func() time.Time
}

// CreateOpts describes a new session.
type CreateOpts struct {
	Name               string
	Objective          string
	CoordinatorAgentID string
	Participants       []string
	SharedContext      map[string]any
}

// SessionEvent is the payload of session:* events.
type SessionEvent struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status,omitempty"`
	AgentID   string               `json:"agent_id,omitempty"`
	MessageID string               `json:"message_id,omitempty"`
}

// Manager owns collaboration sessions and pending handoffs.
type Manager struct {
	store           *sessionstore.Store
	channels        *channel.Manager
	protocol        *protocol.Engine
	events          events.Publisher
	dispatcher      Dispatcher
	maxParticipants int
	maxDuration     time.Duration
	cleanupAfter    time.Duration
	logger          *log.Logger
	now             func() time.Time
	loop            *loop.Loop

	mu      sync.Mutex
	pending map[string]*protocol.HandoffRequest
}

// New creates a Manager. Store and Channels are required.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("collab: store is required")
	}
	if opts.Channels == nil {
		return nil, errors.New("collab: channel manager is required")
	}
	if opts.Protocol == nil {
		opts.Protocol = protocol.NewEngine(protocol.Options{})
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = DefaultMaxParticipants
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.CleanupAfter <= 0 {
		opts.CleanupAfter = DefaultCleanupAfter
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
		channels:        opts.Channels,
		protocol:        opts.Protocol,
		events:          opts.Events,
		dispatcher:      opts.Dispatcher,
		maxParticipants: opts.MaxParticipants,
		maxDuration:     opts.MaxDuration,
		cleanupAfter:    opts.CleanupAfter,
		logger:          opts.Logger,
		now:             opts.Now,
		pending:         make(map[string]*protocol.HandoffRequest),
	}
	m.loop = loop.New(opts.CleanupInterval, m.tick)
	return m, nil
}

// CreateSession creates an active session and its dedicated channel. The
// coordinator is appended to the participants when missing.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOpts) (*models.Session, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("collab: name is required: %w", orcherr.ErrInvalidOperation)
	}
	if opts.CoordinatorAgentID == "" {
		return nil, fmt.Errorf("collab: coordinator is required: %w", orcherr.ErrInvalidOperation)
	}
	participants := models.StringList{}
	for _, p := range opts.Participants {
		if p != "" && !participants.Contains(p) {
			participants = append(participants, p)
		}
	}
	if !participants.Contains(opts.CoordinatorAgentID) {
		participants = append(participants, opts.CoordinatorAgentID)
	}
	if len(participants) > m.maxParticipants {
		return nil, fmt.Errorf("collab: %d participants exceeds limit of %d: %w",
			len(participants), m.maxParticipants, orcherr.ErrLimitExceeded)
	}

	sessionID := uuid.NewString()
	ch, err := m.channels.CreateChannel(ctx, channel.CreateOpts{
		Name:         "session:" + opts.Name,
		SessionID:    sessionID,
		Participants: participants,
	})
	if err != nil {
		return nil, fmt.Errorf("collab: create session %q: %w", opts.Name, err)
	}

	now := m.now()
	sess := &models.Session{
		ID:                 sessionID,
		Name:               opts.Name,
		ChannelID:          ch.ID,
		Participants:       participants,
		CoordinatorAgentID: opts.CoordinatorAgentID,
		Objective:          opts.Objective,
		Status:             models.SessionActive,
		SharedContext:      models.JSONMap(opts.SharedContext).Clone(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		if derr := m.channels.DeleteChannel(ctx, ch.ID); derr != nil {
			m.logger.Printf("collab: roll back channel %s: %v", ch.ID, derr)
		}
		return nil, fmt.Errorf("collab: create session %q: %w", opts.Name, err)
	}
	m.emit(ctx, events.SessionCreated, SessionEvent{SessionID: sess.ID, Status: sess.Status})
	return sess, nil
}

// GetSession returns the session with the given id.
func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("collab: %w", err)
	}
	return sess, nil
}

// ListSessions returns every session, or only those in status when set.
func (m *Manager) ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	out, err := m.store.ListSessions(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("collab: %w", err)
	}
	return out, nil
}

// History returns the session's message history in send order.
func (m *Manager) History(ctx context.Context, id string) ([]models.Message, error) {
	if _, err := m.GetSession(ctx, id); err != nil {
		return nil, err
	}
	out, err := m.store.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("collab: %w", err)
	}
	return out, nil
}

// PauseSession moves an active session to paused. It returns false, with
// no error, when the session is not active.
func (m *Manager) PauseSession(ctx context.Context, id string) (bool, error) {
	return m.transition(ctx, id, models.SessionActive, models.SessionPaused, events.SessionPaused)
}

// ResumeSession moves a paused session back to active. It returns false,
// with no error, when the session is not paused.
func (m *Manager) ResumeSession(ctx context.Context, id string) (bool, error) {
	return m.transition(ctx, id, models.SessionPaused, models.SessionActive, events.SessionResumed)
}

func (m *Manager) transition(ctx context.Context, id string, from, to models.SessionStatus, topic string) (bool, error) {
	ok, err := m.store.TransitionSession(ctx, id, from, to, m.now())
	if err != nil {
		return false, fmt.Errorf("collab: %w", err)
	}
	if !ok {
		if _, err := m.GetSession(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	m.emit(ctx, topic, SessionEvent{SessionID: id, Status: to})
	return true, nil
}

// CompleteSession marks the session completed with result and closes its
// channel. Calling it on a terminal session re-applies the transition;
// callers needing exactly-once semantics check the status first.
func (m *Manager) CompleteSession(ctx context.Context, id, result string) (*models.Session, error) {
	return m.finish(ctx, id, models.SessionCompleted, result, "", events.SessionCompleted)
}

// FailSession marks the session failed with errMsg and closes its channel.
// It re-applies on terminal sessions like CompleteSession.
func (m *Manager) FailSession(ctx context.Context, id, errMsg string) (*models.Session, error) {
	return m.finish(ctx, id, models.SessionFailed, "", errMsg, events.SessionFailed)
}

func (m *Manager) finish(ctx context.Context, id string, status models.SessionStatus, result, errMsg, topic string) (*models.Session, error) {
	sess, err := m.store.FinishSession(ctx, id, status, result, errMsg, m.now())
	if err != nil {
		return nil, fmt.Errorf("collab: %w", err)
	}
	if err := m.channels.CloseChannel(ctx, sess.ChannelID); err != nil {
		return sess, fmt.Errorf("collab: close channel of session %s: %w", id, err)
	}
	m.emit(ctx, topic, SessionEvent{SessionID: id, Status: status})
	return sess, nil
}

// AddParticipant adds agentID to the session and its channel. It returns
// false when the agent is already a participant.
func (m *Manager) AddParticipant(ctx context.Context, sessionID, agentID string) (bool, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	added, err := m.store.AddSessionParticipant(ctx, sessionID, agentID, m.maxParticipants, m.now())
	if err != nil {
		return false, fmt.Errorf("collab: %w", err)
	}
	if !added {
		return false, nil
	}
	if _, err := m.channels.JoinChannel(ctx, sess.ChannelID, agentID); err != nil {
		if _, rerr := m.store.RemoveSessionParticipant(ctx, sessionID, agentID, m.now()); rerr != nil {
			m.logger.Printf("collab: roll back participant %s in %s: %v", agentID, sessionID, rerr)
		}
		return false, fmt.Errorf("collab: add %s to session %s: %w", agentID, sessionID, err)
	}
	m.emit(ctx, events.SessionParticipantAdded, SessionEvent{SessionID: sessionID, AgentID: agentID})
	return true, nil
}

// RemoveParticipant removes agentID from the session and its channel.
// Removing the coordinator fails with ErrInvalidOperation.
func (m *Manager) RemoveParticipant(ctx context.Context, sessionID, agentID string) (bool, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	removed, err := m.store.RemoveSessionParticipant(ctx, sessionID, agentID, m.now())
	if err != nil {
		return false, fmt.Errorf("collab: %w", err)
	}
	if !removed {
		return false, nil
	}
	if _, err := m.channels.LeaveChannel(ctx, sess.ChannelID, agentID); err != nil {
		return true, fmt.Errorf("collab: remove %s from channel of session %s: %w", agentID, sessionID, err)
	}
	m.emit(ctx, events.SessionParticipantRemoved, SessionEvent{SessionID: sessionID, AgentID: agentID})
	return true, nil
}

// SendMessage validates msg, stores it in the session's channel, appends it
// to the session history, and delivers it: to ToAgentID when set, else to
// every other participant.
func (m *Manager) SendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionActive {
		return fmt.Errorf("collab: session %s is %s: %w", sessionID, sess.Status, orcherr.ErrNotActive)
	}
	if !sess.Participants.Contains(msg.FromAgentID) {
		return fmt.Errorf("collab: %s is not a participant of session %s: %w",
			msg.FromAgentID, sessionID, orcherr.ErrInvalidOperation)
	}
	if msg.ToAgentID != "" && !sess.Participants.Contains(msg.ToAgentID) {
		return fmt.Errorf("collab: %s is not a participant of session %s: %w",
			msg.ToAgentID, sessionID, orcherr.ErrInvalidOperation)
	}
	msg.ChannelID = sess.ChannelID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	m.protocol.Stamp(msg)
	if err := m.protocol.Check(msg); err != nil {
		return fmt.Errorf("collab: send to session %s: %w", sessionID, err)
	}

	var recipients []string
	if msg.ToAgentID != "" {
		if err := m.channels.StoreMessage(ctx, msg); err != nil {
			return fmt.Errorf("collab: %w", err)
		}
		recipients = []string{msg.ToAgentID}
	} else {
		recipients, err = m.channels.BroadcastToChannel(ctx, sess.ChannelID, msg)
		if err != nil {
			return fmt.Errorf("collab: %w", err)
		}
	}
	if err := m.store.AppendHistory(ctx, sessionID, msg); err != nil {
		return fmt.Errorf("collab: %w", err)
	}
	m.deliver(ctx, recipients, msg)
	m.emit(ctx, events.SessionMessage, SessionEvent{SessionID: sessionID, AgentID: msg.FromAgentID, MessageID: msg.ID})
	return nil
}

// UpdateSharedContext merges updates into the session's shared context. A
// nil value removes the key.
func (m *Manager) UpdateSharedContext(ctx context.Context, sessionID string, updates map[string]any) (*models.Session, error) {
	sess, err := m.store.MergeSharedContext(ctx, sessionID, updates, m.now())
	if err != nil {
		return nil, fmt.Errorf("collab: %w", err)
	}
	return sess, nil
}

// Cleanup deletes terminal sessions whose completion is older than the
// retention window, together with their channels and pending handoffs.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	stale, err := m.store.ListTerminalBefore(ctx, m.now().Add(-m.cleanupAfter))
	if err != nil {
		return 0, fmt.Errorf("collab: cleanup: %w", err)
	}
	removed := 0
	var errs []error
	for _, sess := range stale {
		if err := m.channels.DeleteChannel(ctx, sess.ChannelID); err != nil && !errors.Is(err, orcherr.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		if err := m.store.DeleteSession(ctx, sess.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		m.dropPendingForSession(sess.ID)
		m.emit(ctx, events.SessionDeleted, SessionEvent{SessionID: sess.ID})
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("collab: cleanup: %w", errors.Join(errs...))
	}
	return removed, nil
}

// ExpireOverdue fails every active or paused session that has been open
// longer than the maximum session duration.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := m.store.ListOpenCreatedBefore(ctx, m.now().Add(-m.maxDuration))
	if err != nil {
		return 0, fmt.Errorf("collab: expire: %w", err)
	}
	expired := 0
	var errs []error
	for _, sess := range overdue {
		msg := fmt.Sprintf("session exceeded maximum duration of %s", m.maxDuration)
		if _, err := m.FailSession(ctx, sess.ID, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		expired++
	}
	if len(errs) > 0 {
		return expired, fmt.Errorf("collab: expire: %w", errors.Join(errs...))
	}
	return expired, nil
}

// Start runs ExpireOverdue and Cleanup on the configured interval.
func (m *Manager) Start(ctx context.Context) error {
	return m.loop.Start(ctx)
}

// Stop halts the cleanup loop.
func (m *Manager) Stop() {
	m.loop.Stop()
}

func (m *Manager) tick(ctx context.Context) {
	if n, err := m.ExpireOverdue(ctx); err != nil {
		m.logger.Printf("collab: expire tick: %v", err)
	} else if n > 0 {
		m.logger.Printf("collab: failed %d overdue session(s)", n)
	}
	if n, err := m.Cleanup(ctx); err != nil {
		m.logger.Printf("collab: cleanup tick: %v", err)
	} else if n > 0 {
		m.logger.Printf("collab: removed %d finished session(s)", n)
	}
}

func (m *Manager) deliver(ctx context.Context, recipients []string, msg *models.Message) {
	if m.dispatcher == nil {
		return
	}
	for _, agentID := range recipients {
		if err := m.dispatcher.Deliver(ctx, agentID, msg); err != nil {
			m.logger.Printf("collab: deliver %s to %s: %v", msg.ID, agentID, err)
		}
	}
}

func (m *Manager) emit(ctx context.Context, topic string, payload any) {
	if err := m.events.Publish(ctx, topic, payload); err != nil {
		m.logger.Printf("collab: publish %s: %v", topic, err)
	}
}
