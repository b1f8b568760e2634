package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
	"gorm.io/gorm"
)

// Store persists heartbeat configs and their delivery counters.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts hb.
func (s *Store) Create(ctx context.Context, hb *models.Heartbeat) error {
	if err := s.db.WithContext(ctx).Create(hb).Error; err != nil {
		return fmt.Errorf("heartbeat: create %s: %w", hb.ID, err)
	}
	return nil
}

// Get returns the heartbeat with the given id.
func (s *Store) Get(ctx context.Context, id string) (*models.Heartbeat, error) {
	var hb models.Heartbeat
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&hb).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("heartbeat: %s: %w", id, orcherr.ErrNotFound)
		}
		return nil, fmt.Errorf("heartbeat: get %s: %w", id, err)
	}
	return &hb, nil
}

// Save writes every column of hb.
func (s *Store) Save(ctx context.Context, hb *models.Heartbeat) error {
	if err := s.db.WithContext(ctx).Save(hb).Error; err != nil {
		return fmt.Errorf("heartbeat: save %s: %w", hb.ID, err)
	}
	return nil
}

// ResetDay zeroes the daily send counter and stamps date as the reset day.
// Only the counter columns are written.
func (s *Store) ResetDay(ctx context.Context, id, date string, now time.Time) error {
	return s.updateColumns(ctx, id, map[string]any{
		"sent_today":      0,
		"last_reset_date": date,
		"updated_at":      now,
	})
}

// RecordSend stamps a delivery at sentAt and bumps both send counters in
// place, leaving rule columns such as active untouched.
func (s *Store) RecordSend(ctx context.Context, id string, sentAt time.Time) error {
	return s.updateColumns(ctx, id, map[string]any{
		"last_heartbeat_at": sentAt,
		"heartbeat_count":   gorm.Expr("heartbeat_count + ?", 1),
		"sent_today":        gorm.Expr("sent_today + ?", 1),
		"updated_at":        sentAt,
	})
}

// SetActive flips the active flag.
func (s *Store) SetActive(ctx context.Context, id string, active bool, now time.Time) error {
	return s.updateColumns(ctx, id, map[string]any{
		"active":     active,
		"updated_at": now,
	})
}

func (s *Store) updateColumns(ctx context.Context, id string, cols map[string]any) error {
	result := s.db.WithContext(ctx).Model(&models.Heartbeat{}).Where("id = ?", id).Updates(cols)
	if result.Error != nil {
		return fmt.Errorf("heartbeat: update %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("heartbeat: %s: %w", id, orcherr.ErrNotFound)
	}
	return nil
}

// Delete removes the heartbeat.
func (s *Store) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Heartbeat{})
	if result.Error != nil {
		return fmt.Errorf("heartbeat: delete %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("heartbeat: %s: %w", id, orcherr.ErrNotFound)
	}
	return nil
}

// List returns heartbeats, optionally only those of userID and only active
// ones, oldest first.
func (s *Store) List(ctx context.Context, userID string, activeOnly bool) ([]models.Heartbeat, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var out []models.Heartbeat
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("heartbeat: list: %w", err)
	}
	return out, nil
}
