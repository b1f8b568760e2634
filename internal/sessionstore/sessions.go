package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
	"gorm.io/gorm"
)

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if err := s.with(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("sessionstore: create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.with(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		return nil, notFound("session", id, err)
	}
	return &sess, nil
}

// SaveSession writes every column of sess.
func (s *Store) SaveSession(ctx context.Context, sess *models.Session) error {
	if err := s.with(ctx).Save(sess).Error; err != nil {
		return fmt.Errorf("sessionstore: save session %s: %w", sess.ID, err)
	}
	return nil
}

// ListSessions returns sessions ordered by creation time, optionally
// filtered by status.
func (s *Store) ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	q := s.with(ctx).Order("created_at ASC, id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Session
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("sessionstore: list sessions: %w", err)
	}
	return out, nil
}

// TransitionSession moves a session from one status to another with a
// conditional update. It reports false when the session was not in from.
func (s *Store) TransitionSession(ctx context.Context, id string, from, to models.SessionStatus, now time.Time) (bool, error) {
	result := s.with(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": now.UTC()})
	if result.Error != nil {
		return false, fmt.Errorf("sessionstore: transition session %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListTerminalBefore returns completed or failed sessions whose
// completed_at is before cutoff.
func (s *Store) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	var out []models.Session
	err := s.with(ctx).
		Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?",
			[]models.SessionStatus{models.SessionCompleted, models.SessionFailed}, cutoff.UTC()).
		Order("completed_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list terminal sessions: %w", err)
	}
	return out, nil
}

// ListOpenCreatedBefore returns active or paused sessions created before cutoff.
func (s *Store) ListOpenCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	var out []models.Session
	err := s.with(ctx).
		Where("status IN ? AND created_at < ?",
			[]models.SessionStatus{models.SessionActive, models.SessionPaused}, cutoff.UTC()).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list open sessions: %w", err)
	}
	return out, nil
}

// AddSessionParticipant appends agentID to the session's participant list
// under the max cap, atomically. It reports false when already present.
func (s *Store) AddSessionParticipant(ctx context.Context, id, agentID string, max int, now time.Time) (bool, error) {
	added := false
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := lockRow(tx).Where("id = ?", id).First(&sess).Error; err != nil {
			return notFound("session", id, err)
		}
		if sess.Status.Terminal() {
			return fmt.Errorf("sessionstore: session %s is %s: %w", id, sess.Status, orcherr.ErrNotActive)
		}
		if sess.Participants.Contains(agentID) {
			return nil
		}
		if max > 0 && len(sess.Participants) >= max {
			return fmt.Errorf("sessionstore: session %s has %d participants: %w",
				id, len(sess.Participants), orcherr.ErrLimitExceeded)
		}
		if err := tx.Model(&models.Session{}).Where("id = ?", id).Updates(map[string]any{
			"participants": append(sess.Participants, agentID),
			"updated_at":   now.UTC(),
		}).Error; err != nil {
			return fmt.Errorf("sessionstore: add participant to session %s: %w", id, err)
		}
		added = true
		return nil
	})
	return added, err
}

// RemoveSessionParticipant removes agentID from the session. Removing the
// coordinator fails with ErrInvalidOperation.
func (s *Store) RemoveSessionParticipant(ctx context.Context, id, agentID string, now time.Time) (bool, error) {
	removed := false
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := lockRow(tx).Where("id = ?", id).First(&sess).Error; err != nil {
			return notFound("session", id, err)
		}
		if sess.CoordinatorAgentID == agentID {
			return fmt.Errorf("sessionstore: %s coordinates session %s: %w", agentID, id, orcherr.ErrInvalidOperation)
		}
		if !sess.Participants.Contains(agentID) {
			return nil
		}
		if err := tx.Model(&models.Session{}).Where("id = ?", id).Updates(map[string]any{
			"participants": sess.Participants.Without(agentID),
			"updated_at":   now.UTC(),
		}).Error; err != nil {
			return fmt.Errorf("sessionstore: remove participant from session %s: %w", id, err)
		}
		removed = true
		return nil
	})
	return removed, err
}

// FinishSession records a terminal status with its result or error and
// stamps completed_at. Other columns are left as stored.
func (s *Store) FinishSession(ctx context.Context, id string, status models.SessionStatus, result, errMsg string, now time.Time) (*models.Session, error) {
	var sess models.Session
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockRow(tx).Where("id = ?", id).First(&sess).Error; err != nil {
			return notFound("session", id, err)
		}
		at := now.UTC()
		if err := tx.Model(&models.Session{}).Where("id = ?", id).Updates(map[string]any{
			"status":       status,
			"result":       result,
			"error":        errMsg,
			"completed_at": at,
			"updated_at":   at,
		}).Error; err != nil {
			return fmt.Errorf("sessionstore: finish session %s: %w", id, err)
		}
		sess.Status = status
		sess.Result = result
		sess.Error = errMsg
		sess.CompletedAt = &at
		sess.UpdatedAt = at
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// MergeSharedContext merges updates into the stored shared context of an
// open session. A nil value removes the key.
func (s *Store) MergeSharedContext(ctx context.Context, id string, updates map[string]any, now time.Time) (*models.Session, error) {
	var sess models.Session
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockRow(tx).Where("id = ?", id).First(&sess).Error; err != nil {
			return notFound("session", id, err)
		}
		if sess.Status.Terminal() {
			return fmt.Errorf("sessionstore: session %s is %s: %w", id, sess.Status, orcherr.ErrNotActive)
		}
		merged := sess.SharedContext.Clone()
		for k, v := range updates {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		at := now.UTC()
		if err := tx.Model(&models.Session{}).Where("id = ?", id).Updates(map[string]any{
			"shared_context": merged,
			"updated_at":     at,
		}).Error; err != nil {
			return fmt.Errorf("sessionstore: update shared context of session %s: %w", id, err)
		}
		sess.SharedContext = merged
		sess.UpdatedAt = at
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes the session and its message history. The owned
// channel is removed by the caller.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.with(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&models.SessionMessage{}).Error; err != nil {
			return fmt.Errorf("sessionstore: delete history of session %s: %w", id, err)
		}
		result := tx.Where("id = ?", id).Delete(&models.Session{})
		if result.Error != nil {
			return fmt.Errorf("sessionstore: delete session %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("sessionstore: session %s: %w", id, orcherr.ErrNotFound)
		}
		return nil
	})
}

// AppendHistory records msg at the end of the session's message history.
func (s *Store) AppendHistory(ctx context.Context, sessionID string, msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sessionstore: encode history message %s: %w", msg.ID, err)
	}
	entry := models.SessionMessage{
		SessionID:   sessionID,
		MessageID:   msg.ID,
		Type:        msg.Type,
		FromAgentID: msg.FromAgentID,
		Payload:     string(payload),
		CreatedAt:   msg.Timestamp,
	}
	if err := s.with(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("sessionstore: append history to session %s: %w", sessionID, err)
	}
	return nil
}

// History returns the session's message history in the order it was recorded.
func (s *Store) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	var rows []models.SessionMessage
	if err := s.with(ctx).Where("session_id = ?", sessionID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sessionstore: history of session %s: %w", sessionID, err)
	}
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		var m models.Message
		if err := json.Unmarshal([]byte(r.Payload), &m); err != nil {
			return nil, fmt.Errorf("sessionstore: decode history entry %d: %w", r.Seq, err)
		}
		out = append(out, m)
	}
	return out, nil
}
