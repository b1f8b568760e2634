// Package task stores background tasks and implements their queue
// semantics: priority-ordered dequeue, single-slot checkpoints, and
// timeout detection for stalled work.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultMaxRetries is given to tasks created without a retry budget.
const DefaultMaxRetries = 3

// queueOrder is the total dequeue order: priority, then arrival.
const queueOrder = "priority_rank ASC, created_at ASC, seq ASC"

// StoreOpts configures a Store.
type StoreOpts struct {
	DB                *gorm.DB
	DefaultMaxRetries int
	Now               func() time.Time
}

// Store is the GORM-backed task store.
type Store struct {
	db                *gorm.DB
	defaultMaxRetries int
	now               func() time.Time
}

// NewStore creates a Store. DB is required.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, errors.New("task: db is required")
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: opts.DB, defaultMaxRetries: opts.DefaultMaxRetries, now: opts.Now}, nil
}

// CreateOpts describes a new task.
type CreateOpts struct {
	Name                string
	Description         string
	AssignedAgentID     string
	RequiredPersonaType string
	Priority            models.TaskPriority
	OvernightEligible   bool
	MaxRetries          int // 0 takes the store default
	Metadata            map[string]any
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status            models.TaskStatus
	Priority          models.TaskPriority
	AssignedAgentID   string
	PersonaType       string
	OvernightEligible *bool
	Limit             int
}

// StatusOpts carries the optional outcome recorded with a status change.
type StatusOpts struct {
	Error  string
	Result string
}

func validPriority(p models.TaskPriority) bool {
	switch p {
	case models.TaskCritical, models.TaskHigh, models.TaskNormal, models.TaskLow:
		return true
	}
	return false
}

func validStatus(s models.TaskStatus) bool {
	switch s {
	case models.TaskQueued, models.TaskRunning, models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
		return true
	}
	return false
}

func (s *Store) with(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Create inserts a queued task.
func (s *Store) Create(ctx context.Context, opts CreateOpts) (*models.Task, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("task: name is required: %w", orcherr.ErrInvalidOperation)
	}
	if opts.Priority == "" {
		opts.Priority = models.TaskNormal
	}
	if !validPriority(opts.Priority) {
		return nil, fmt.Errorf("task: unknown priority %q: %w", opts.Priority, orcherr.ErrInvalidOperation)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = s.defaultMaxRetries
	}

	now := s.now()
	t := &models.Task{
		ID:                  uuid.NewString(),
		Name:                opts.Name,
		Description:         opts.Description,
		AssignedAgentID:     opts.AssignedAgentID,
		RequiredPersonaType: opts.RequiredPersonaType,
		Priority:            opts.Priority,
		PriorityRank:        opts.Priority.Rank(),
		Status:              models.TaskQueued,
		OvernightEligible:   opts.OvernightEligible,
		MaxRetries:          opts.MaxRetries,
		Metadata:            models.JSONMap(opts.Metadata).Clone(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.with(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("task: create %q: %w", opts.Name, err)
	}
	return t, nil
}

// Get returns the task with the given id.
func (s *Store) Get(ctx context.Context, id string) (*models.Task, error) {
	return get(s.with(ctx), id)
}

func get(tx *gorm.DB, id string) (*models.Task, error) {
	var t models.Task
	if err := tx.Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task: %s: %w", id, orcherr.ErrNotFound)
		}
		return nil, fmt.Errorf("task: get %s: %w", id, err)
	}
	return &t, nil
}

// List returns tasks matching f in queue order.
func (s *Store) List(ctx context.Context, f Filter) ([]models.Task, error) {
	q := s.with(ctx).Order(queueOrder)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Priority != "" {
		q = q.Where("priority = ?", f.Priority)
	}
	if f.AssignedAgentID != "" {
		q = q.Where("assigned_agent_id = ?", f.AssignedAgentID)
	}
	if f.PersonaType != "" {
		q = q.Where("required_persona_type = ?", f.PersonaType)
	}
	if f.OvernightEligible != nil {
		q = q.Where("overnight_eligible = ?", *f.OvernightEligible)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Task
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("task: list: %w", err)
	}
	return out, nil
}

// Delete removes the task and its checkpoint.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.with(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&models.TaskCheckpoint{}).Error; err != nil {
			return fmt.Errorf("task: delete checkpoint of %s: %w", id, err)
		}
		result := tx.Where("id = ?", id).Delete(&models.Task{})
		if result.Error != nil {
			return fmt.Errorf("task: delete %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("task: %s: %w", id, orcherr.ErrNotFound)
		}
		return nil
	})
}

// Count returns the number of tasks, or of tasks in status when set.
func (s *Store) Count(ctx context.Context, status models.TaskStatus) (int64, error) {
	q := s.with(ctx).Model(&models.Task{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("task: count: %w", err)
	}
	return n, nil
}

// GetQueuedTasks returns queued tasks by priority rank, then creation time.
// A positive limit caps the result.
func (s *Store) GetQueuedTasks(ctx context.Context, limit int) ([]models.Task, error) {
	return s.List(ctx, Filter{Status: models.TaskQueued, Limit: limit})
}

// GetOvernightEligible returns queued overnight-eligible tasks whose
// priority is at or above threshold.
func (s *Store) GetOvernightEligible(ctx context.Context, threshold models.TaskPriority) ([]models.Task, error) {
	if !validPriority(threshold) {
		return nil, fmt.Errorf("task: unknown priority %q: %w", threshold, orcherr.ErrInvalidOperation)
	}
	var out []models.Task
	err := s.with(ctx).
		Where("status = ? AND overnight_eligible = ? AND priority_rank <= ?", models.TaskQueued, true, threshold.Rank()).
		Order(queueOrder).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("task: overnight eligible: %w", err)
	}
	return out, nil
}

// UpdateStatus sets the task's status. The first transition to running
// stamps started_at; the first transition to a terminal status stamps
// completed_at. Neither is moved afterwards.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, opts StatusOpts) (*models.Task, error) {
	if !validStatus(status) {
		return nil, fmt.Errorf("task: unknown status %q: %w", status, orcherr.ErrInvalidOperation)
	}
	var out *models.Task
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := get(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
		if err != nil {
			return err
		}
		now := s.now()
		updates := map[string]any{"status": status, "updated_at": now}
		if status == models.TaskRunning && t.StartedAt == nil {
			updates["started_at"] = now
			t.StartedAt = &now
		}
		if status.Terminal() && t.CompletedAt == nil {
			updates["completed_at"] = now
			t.CompletedAt = &now
		}
		if opts.Error != "" {
			updates["error"] = opts.Error
			t.Error = opts.Error
		}
		if opts.Result != "" {
			updates["result"] = opts.Result
			t.Result = opts.Result
		}
		if err := tx.Model(&models.Task{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("task: update status of %s: %w", id, err)
		}
		t.Status = status
		t.UpdatedAt = now
		out = t
		return nil
	})
	return out, err
}

// UpdateProgress sets progress, clamped to [0, 100], and returns the
// stored value.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) (int, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	result := s.with(ctx).Model(&models.Task{}).Where("id = ?", id).
		Updates(map[string]any{"progress": progress, "updated_at": s.now()})
	if result.Error != nil {
		return 0, fmt.Errorf("task: update progress of %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("task: %s: %w", id, orcherr.ErrNotFound)
	}
	return progress, nil
}

// IncrementRetry adds one to the task's retry count and returns the new
// count. Whether to re-queue or fail is the caller's decision.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Task{}).Where("id = ?", id).
			Updates(map[string]any{"retry_count": gorm.Expr("retry_count + 1"), "updated_at": s.now()})
		if result.Error != nil {
			return fmt.Errorf("task: increment retry of %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("task: %s: %w", id, orcherr.ErrNotFound)
		}
		t, err := get(tx, id)
		if err != nil {
			return err
		}
		count = t.RetryCount
		return nil
	})
	return count, err
}

// GetTimedOutTasks returns running tasks started more than timeout ago.
func (s *Store) GetTimedOutTasks(ctx context.Context, timeout time.Duration) ([]models.Task, error) {
	cutoff := s.now().Add(-timeout)
	var out []models.Task
	err := s.with(ctx).
		Where("status = ? AND started_at IS NOT NULL AND started_at < ?", models.TaskRunning, cutoff.UTC()).
		Order("started_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("task: timed out tasks: %w", err)
	}
	return out, nil
}

// Reclaim takes back a stalled running task: the retry count is
// incremented, then the task is re-queued while retries remain or failed
// permanently once they are exhausted. A re-queued task loses its
// assignment and started_at so the next run is timed afresh.
func (s *Store) Reclaim(ctx context.Context, id string) (*models.Task, error) {
	var out *models.Task
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := get(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
		if err != nil {
			return err
		}
		if t.Status != models.TaskRunning {
			return fmt.Errorf("task: reclaim %s: status is %s: %w", id, t.Status, orcherr.ErrInvalidOperation)
		}
		now := s.now()
		t.RetryCount++
		t.UpdatedAt = now
		updates := map[string]any{"retry_count": t.RetryCount, "updated_at": now}
		if t.RetryCount > t.MaxRetries {
			t.Status = models.TaskFailed
			t.Error = fmt.Sprintf("timed out after %d attempt(s)", t.RetryCount)
			t.CompletedAt = &now
			updates["status"] = t.Status
			updates["error"] = t.Error
			updates["completed_at"] = now
		} else {
			t.Status = models.TaskQueued
			t.StartedAt = nil
			t.AssignedAgentID = ""
			updates["status"] = t.Status
			updates["started_at"] = nil
			updates["assigned_agent_id"] = ""
		}
		if err := tx.Model(&models.Task{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("task: reclaim %s: %w", id, err)
		}
		out = t
		return nil
	})
	return out, err
}

// Claim atomically dequeues the head of the queue for agentID and marks it
// running. Tasks pinned to another agent or requiring another persona type
// are skipped. It fails with ErrNotFound when nothing is claimable.
func (s *Store) Claim(ctx context.Context, agentID, personaType string) (*models.Task, error) {
	if agentID == "" {
		return nil, fmt.Errorf("task: agentID is required: %w", orcherr.ErrInvalidOperation)
	}
	var claimed models.Task
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ?", models.TaskQueued).
			Where("assigned_agent_id = ? OR assigned_agent_id = ?", "", agentID)
		if personaType != "" {
			q = q.Where("required_persona_type = ? OR required_persona_type = ?", "", personaType)
		} else {
			q = q.Where("required_persona_type = ?", "")
		}
		result := q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order(queueOrder).
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("task: find queued task: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("task: no queued tasks for %s: %w", agentID, orcherr.ErrNotFound)
		}

		now := s.now()
		updates := map[string]any{
			"status":            models.TaskRunning,
			"assigned_agent_id": agentID,
			"updated_at":        now,
		}
		if claimed.StartedAt == nil {
			updates["started_at"] = now
			claimed.StartedAt = &now
		}
		res := tx.Model(&models.Task{}).
			Where("id = ? AND status = ?", claimed.ID, models.TaskQueued).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("task: claim %s: %w", claimed.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("task: claim %s: lost race: %w", claimed.ID, orcherr.ErrNotFound)
		}
		claimed.Status = models.TaskRunning
		claimed.AssignedAgentID = agentID
		claimed.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// SaveCheckpoint stores cp as the task's only checkpoint, replacing any
// previous one.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *models.TaskCheckpoint) error {
	if _, err := s.Get(ctx, cp.TaskID); err != nil {
		return err
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = s.now()
	}
	err := s.with(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"step", "total_steps", "state", "saved_at"}),
	}).Create(cp).Error
	if err != nil {
		return fmt.Errorf("task: save checkpoint of %s: %w", cp.TaskID, err)
	}
	return nil
}

// GetCheckpoint returns the task's checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, taskID string) (*models.TaskCheckpoint, error) {
	var cp models.TaskCheckpoint
	if err := s.with(ctx).Where("task_id = ?", taskID).First(&cp).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task: checkpoint of %s: %w", taskID, orcherr.ErrNotFound)
		}
		return nil, fmt.Errorf("task: get checkpoint of %s: %w", taskID, err)
	}
	return &cp, nil
}

// DeleteCheckpoint removes the task's checkpoint. It reports whether one
// existed.
func (s *Store) DeleteCheckpoint(ctx context.Context, taskID string) (bool, error) {
	result := s.with(ctx).Where("task_id = ?", taskID).Delete(&models.TaskCheckpoint{})
	if result.Error != nil {
		return false, fmt.Errorf("task: delete checkpoint of %s: %w", taskID, result.Error)
	}
	return result.RowsAffected > 0, nil
}
