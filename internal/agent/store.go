// Package agent tracks live agent state for scheduling decisions: idle
// reclamation, sub-agent trees, and per-channel rosters.
package agent

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

// Store is the GORM-backed agent store. Every agent has a metrics record
// created with it and removed with it.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store. A nil now uses the wall clock in UTC.
func NewStore(db *gorm.DB, now func() time.Time) (*Store, error) {
	if db == nil {
		return nil, errors.New("agent: db is required")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: db, now: now}, nil
}

// RegisterOpts describes a new agent. An empty ID is generated.
type RegisterOpts struct {
	ID            string
	PersonaID     string
	PersonaType   string
	ChannelID     string
	ParentAgentID string
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status        models.AgentStatus
	PersonaID     string
	PersonaType   string
	ChannelID     string
	ParentAgentID string
}

func (s *Store) with(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func validStatus(st models.AgentStatus) bool {
	switch st {
	case models.AgentIdle, models.AgentWorking, models.AgentWaiting, models.AgentError, models.AgentStopped:
		return true
	}
	return false
}

// Register inserts an idle agent and its zeroed metrics. When ParentAgentID
// is set the parent must exist and gains the agent as a sub-agent.
func (s *Store) Register(ctx context.Context, opts RegisterOpts) (*models.Agent, error) {
	if opts.PersonaID == "" {
		return nil, fmt.Errorf("agent: persona id is required: %w", orcherr.ErrInvalidOperation)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := s.now()
	a := &models.Agent{
		ID:            opts.ID,
		PersonaID:     opts.PersonaID,
		PersonaType:   opts.PersonaType,
		Status:        models.AgentIdle,
		ChannelID:     opts.ChannelID,
		ParentAgentID: opts.ParentAgentID,
		SubAgentIDs:   models.StringList{},
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Agent{}).Where("id = ?", a.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("agent: register %s: %w", a.ID, err)
		}
		if n > 0 {
			return fmt.Errorf("agent: %s already registered: %w", a.ID, orcherr.ErrInvalidOperation)
		}
		if a.ParentAgentID != "" {
			if err := addSubAgent(tx, a.ParentAgentID, a.ID); err != nil {
				return err
			}
		}
		if err := tx.Create(a).Error; err != nil {
			return fmt.Errorf("agent: register %s: %w", a.ID, err)
		}
		m := &models.AgentMetrics{AgentID: a.ID, UpdatedAt: now}
		if err := tx.Create(m).Error; err != nil {
			return fmt.Errorf("agent: create metrics for %s: %w", a.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns the agent with the given id.
func (s *Store) Get(ctx context.Context, id string) (*models.Agent, error) {
	return get(s.with(ctx), id)
}

func get(tx *gorm.DB, id string) (*models.Agent, error) {
	var a models.Agent
	if err := tx.Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("agent: %s: %w", id, orcherr.ErrNotFound)
		}
		return nil, fmt.Errorf("agent: get %s: %w", id, err)
	}
	return &a, nil
}

// List returns agents matching f, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]models.Agent, error) {
	q := s.with(ctx).Order("created_at ASC, id ASC")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.PersonaID != "" {
		q = q.Where("persona_id = ?", f.PersonaID)
	}
	if f.PersonaType != "" {
		q = q.Where("persona_type = ?", f.PersonaType)
	}
	if f.ChannelID != "" {
		q = q.Where("channel_id = ?", f.ChannelID)
	}
	if f.ParentAgentID != "" {
		q = q.Where("parent_agent_id = ?", f.ParentAgentID)
	}
	var out []models.Agent
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	return out, nil
}

// ListByChannel returns the agents currently bound to channelID.
func (s *Store) ListByChannel(ctx context.Context, channelID string) ([]models.Agent, error) {
	return s.List(ctx, Filter{ChannelID: channelID})
}

// Delete removes the agent and its metrics, and detaches it from its parent.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.with(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := get(tx, id)
		if err != nil {
			return err
		}
		if a.ParentAgentID != "" {
			parent, err := get(tx.Clauses(clause.Locking{Strength: "UPDATE"}), a.ParentAgentID)
			if err != nil && !errors.Is(err, orcherr.ErrNotFound) {
				return err
			}
			if parent != nil {
				if err := tx.Model(&models.Agent{}).Where("id = ?", parent.ID).
					Update("sub_agent_ids", parent.SubAgentIDs.Without(id)).Error; err != nil {
					return fmt.Errorf("agent: detach %s from %s: %w", id, parent.ID, err)
				}
			}
		}
		if err := tx.Where("agent_id = ?", id).Delete(&models.AgentMetrics{}).Error; err != nil {
			return fmt.Errorf("agent: delete metrics of %s: %w", id, err)
		}
		if err := tx.Where("id = ?", id).Delete(&models.Agent{}).Error; err != nil {
			return fmt.Errorf("agent: delete %s: %w", id, err)
		}
		return nil
	})
}

// UpdateStatus sets the agent's status and refreshes last_active_at. The
// timestamp never moves backwards here; use Touch to set it outright.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.AgentStatus) (*models.Agent, error) {
	if !validStatus(status) {
		return nil, fmt.Errorf("agent: unknown status %q: %w", status, orcherr.ErrInvalidOperation)
	}
	var out *models.Agent
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := get(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
		if err != nil {
			return err
		}
		updates := map[string]any{"status": status}
		if now := s.now(); now.After(a.LastActiveAt) {
			updates["last_active_at"] = now
			a.LastActiveAt = now
		}
		if err := tx.Model(&models.Agent{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("agent: update status of %s: %w", id, err)
		}
		a.Status = status
		out = a
		return nil
	})
	return out, err
}

// Touch sets last_active_at to now and leaves the status unchanged.
func (s *Store) Touch(ctx context.Context, id string) error {
	result := s.with(ctx).Model(&models.Agent{}).Where("id = ?", id).Update("last_active_at", s.now())
	if result.Error != nil {
		return fmt.Errorf("agent: touch %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("agent: %s: %w", id, orcherr.ErrNotFound)
	}
	return nil
}

// SetCurrentTask records the task the agent is working on. An empty taskID
// clears it.
func (s *Store) SetCurrentTask(ctx context.Context, id, taskID string) error {
	result := s.with(ctx).Model(&models.Agent{}).Where("id = ?", id).Update("current_task", taskID)
	if result.Error != nil {
		return fmt.Errorf("agent: set current task of %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		// Unchanged rows report zero on MySQL.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// AttachSubAgent makes childID a sub-agent of parentID. Attaching twice is a
// no-op. An agent cannot be its own sub-agent.
func (s *Store) AttachSubAgent(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		return fmt.Errorf("agent: %s cannot be its own sub-agent: %w", parentID, orcherr.ErrInvalidOperation)
	}
	return s.with(ctx).Transaction(func(tx *gorm.DB) error {
		child, err := get(tx, childID)
		if err != nil {
			return err
		}
		if err := addSubAgent(tx, parentID, childID); err != nil {
			return err
		}
		if child.ParentAgentID == parentID {
			return nil
		}
		if err := tx.Model(&models.Agent{}).Where("id = ?", childID).
			Update("parent_agent_id", parentID).Error; err != nil {
			return fmt.Errorf("agent: set parent of %s: %w", childID, err)
		}
		return nil
	})
}

func addSubAgent(tx *gorm.DB, parentID, childID string) error {
	parent, err := get(tx.Clauses(clause.Locking{Strength: "UPDATE"}), parentID)
	if err != nil {
		return err
	}
	if parent.SubAgentIDs.Contains(childID) {
		return nil
	}
	subs := append(models.StringList{}, parent.SubAgentIDs...)
	subs = append(subs, childID)
	if err := tx.Model(&models.Agent{}).Where("id = ?", parentID).
		Update("sub_agent_ids", subs).Error; err != nil {
		return fmt.Errorf("agent: attach %s to %s: %w", childID, parentID, err)
	}
	return nil
}

// GetIdleAgents returns idle agents whose last activity is older than
// threshold.
func (s *Store) GetIdleAgents(ctx context.Context, threshold time.Duration) ([]models.Agent, error) {
	cutoff := s.now().Add(-threshold).UTC()
	var out []models.Agent
	err := s.with(ctx).
		Where("status = ? AND last_active_at < ?", models.AgentIdle, cutoff).
		Order("last_active_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("agent: idle agents: %w", err)
	}
	return out, nil
}

// GetMetrics returns the agent's metrics record.
func (s *Store) GetMetrics(ctx context.Context, id string) (*models.AgentMetrics, error) {
	var m models.AgentMetrics
	if err := s.with(ctx).Where("agent_id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("agent: metrics of %s: %w", id, orcherr.ErrNotFound)
		}
		return nil, fmt.Errorf("agent: get metrics of %s: %w", id, err)
	}
	return &m, nil
}

// SaveMetrics stores m as the agent's latest metrics. The agent must exist.
func (s *Store) SaveMetrics(ctx context.Context, m *models.AgentMetrics) error {
	if _, err := s.Get(ctx, m.AgentID); err != nil {
		return err
	}
	m.UpdatedAt = s.now()
	err := s.with(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		UpdateAll: true,
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("agent: save metrics of %s: %w", m.AgentID, err)
	}
	return nil
}

// RecordMessage bumps the agent's sent or received message counter.
func (s *Store) RecordMessage(ctx context.Context, id string, sent bool) error {
	col := "messages_received"
	if sent {
		col = "messages_sent"
	}
	result := s.with(ctx).Model(&models.AgentMetrics{}).Where("agent_id = ?", id).
		Updates(map[string]any{col: gorm.Expr(col + " + 1"), "updated_at": s.now()})
	if result.Error != nil {
		return fmt.Errorf("agent: record message for %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("agent: metrics of %s: %w", id, orcherr.ErrNotFound)
	}
	return nil
}
