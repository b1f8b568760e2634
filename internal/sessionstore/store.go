// Package sessionstore persists collaboration sessions, their channels, and
// the ordered message log of each channel.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the GORM-backed session and channel store.
type Store struct {
	db *gorm.DB
}

// New creates a Store over db. The tables must already be migrated.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) with(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("sessionstore: %s %s: %w", kind, id, orcherr.ErrNotFound)
	}
	return fmt.Errorf("sessionstore: get %s %s: %w", kind, id, err)
}

// lockRow selects a single row FOR UPDATE where the backend supports it.
func lockRow(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// --- channels ---

// CreateChannel inserts a channel. When maxPerSession > 0 and the channel
// belongs to a session, the per-session channel cap is checked in the same
// transaction as the insert.
func (s *Store) CreateChannel(ctx context.Context, ch *models.Channel, maxPerSession int) error {
	return s.with(ctx).Transaction(func(tx *gorm.DB) error {
		if ch.SessionID != "" && maxPerSession > 0 {
			var n int64
			if err := tx.Model(&models.Channel{}).Where("session_id = ?", ch.SessionID).Count(&n).Error; err != nil {
				return fmt.Errorf("sessionstore: count channels for session %s: %w", ch.SessionID, err)
			}
			if int(n) >= maxPerSession {
				return fmt.Errorf("sessionstore: session %s already has %d channels: %w",
					ch.SessionID, n, orcherr.ErrLimitExceeded)
			}
		}
		if err := tx.Create(ch).Error; err != nil {
			return fmt.Errorf("sessionstore: create channel %s: %w", ch.ID, err)
		}
		return nil
	})
}

// GetChannel returns the channel with the given id.
func (s *Store) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	var ch models.Channel
	if err := s.with(ctx).Where("id = ?", id).First(&ch).Error; err != nil {
		return nil, notFound("channel", id, err)
	}
	return &ch, nil
}

// ListChannels returns channels ordered by creation time. An empty
// sessionID lists every channel.
func (s *Store) ListChannels(ctx context.Context, sessionID string) ([]models.Channel, error) {
	q := s.with(ctx).Order("created_at ASC, id ASC")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var out []models.Channel
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("sessionstore: list channels: %w", err)
	}
	return out, nil
}

// AddParticipant adds agentID to the channel's participant set. The capacity
// check and the write happen in one transaction. It reports false when the
// agent was already a member.
func (s *Store) AddParticipant(ctx context.Context, channelID, agentID string, max int) (bool, error) {
	added := false
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		var ch models.Channel
		if err := lockRow(tx).Where("id = ?", channelID).First(&ch).Error; err != nil {
			return notFound("channel", channelID, err)
		}
		if ch.Status != models.ChannelActive {
			return fmt.Errorf("sessionstore: channel %s is %s: %w", channelID, ch.Status, orcherr.ErrNotActive)
		}
		if ch.Participants.Contains(agentID) {
			return nil
		}
		if max > 0 && len(ch.Participants) >= max {
			return fmt.Errorf("sessionstore: channel %s has %d participants: %w",
				channelID, len(ch.Participants), orcherr.ErrLimitExceeded)
		}
		participants := append(ch.Participants, agentID)
		if err := tx.Model(&models.Channel{}).Where("id = ?", channelID).
			Update("participants", participants).Error; err != nil {
			return fmt.Errorf("sessionstore: add participant to %s: %w", channelID, err)
		}
		added = true
		return nil
	})
	return added, err
}

// RemoveParticipant removes agentID from the channel. It reports false when
// the agent was not a member.
func (s *Store) RemoveParticipant(ctx context.Context, channelID, agentID string) (bool, error) {
	removed := false
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		var ch models.Channel
		if err := lockRow(tx).Where("id = ?", channelID).First(&ch).Error; err != nil {
			return notFound("channel", channelID, err)
		}
		if !ch.Participants.Contains(agentID) {
			return nil
		}
		if err := tx.Model(&models.Channel{}).Where("id = ?", channelID).
			Update("participants", ch.Participants.Without(agentID)).Error; err != nil {
			return fmt.Errorf("sessionstore: remove participant from %s: %w", channelID, err)
		}
		removed = true
		return nil
	})
	return removed, err
}

// SetChannelStatus updates the channel's status.
func (s *Store) SetChannelStatus(ctx context.Context, id, status string) error {
	result := s.with(ctx).Model(&models.Channel{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("sessionstore: set channel %s status: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		// MySQL reports zero rows when the value is unchanged.
		if _, err := s.GetChannel(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteChannel removes the channel and every message stored in it.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	return s.with(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("channel_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("sessionstore: delete messages of channel %s: %w", id, err)
		}
		result := tx.Where("id = ?", id).Delete(&models.Channel{})
		if result.Error != nil {
			return fmt.Errorf("sessionstore: delete channel %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("sessionstore: channel %s: %w", id, orcherr.ErrNotFound)
		}
		return nil
	})
}

// --- messages ---

// SaveMessage appends msg to its channel's log and stamps the channel's
// last_message_at. The channel must exist and be active.
func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	return s.with(ctx).Transaction(func(tx *gorm.DB) error {
		var ch models.Channel
		if err := tx.Select("id", "status").Where("id = ?", msg.ChannelID).First(&ch).Error; err != nil {
			return notFound("channel", msg.ChannelID, err)
		}
		if ch.Status != models.ChannelActive {
			return fmt.Errorf("sessionstore: channel %s is %s: %w", ch.ID, ch.Status, orcherr.ErrNotActive)
		}
		msg.Seq = 0
		msg.Timestamp = msg.Timestamp.UTC()
		if msg.ExpiresAt != nil {
			exp := msg.ExpiresAt.UTC()
			msg.ExpiresAt = &exp
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("sessionstore: save message %s: %w", msg.ID, err)
		}
		if err := tx.Model(&models.Channel{}).Where("id = ?", ch.ID).
			Update("last_message_at", msg.Timestamp).Error; err != nil {
			return fmt.Errorf("sessionstore: touch channel %s: %w", ch.ID, err)
		}
		return nil
	})
}

// MessagesForChannel returns the channel's messages in the order they were
// stored. A positive limit keeps only the most recent messages.
func (s *Store) MessagesForChannel(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	var out []models.Message
	q := s.with(ctx).Where("channel_id = ?", channelID)
	if limit > 0 {
		q = q.Order("seq DESC").Limit(limit)
	} else {
		q = q.Order("seq ASC")
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("sessionstore: messages for channel %s: %w", channelID, err)
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// DeleteExpiredMessages removes every message whose expires_at is before
// now and returns how many were removed.
func (s *Store) DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	result := s.with(ctx).Where("expires_at IS NOT NULL AND expires_at < ?", now.UTC()).Delete(&models.Message{})
	if result.Error != nil {
		return 0, fmt.Errorf("sessionstore: delete expired messages: %w", result.Error)
	}
	return result.RowsAffected, nil
}
