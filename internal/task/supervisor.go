package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/loop"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
)

// Supervisor defaults.
const (
	DefaultTimeout       = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// SupervisorOpts configures a Supervisor.
type SupervisorOpts struct {
	Store    *Store
	Events   events.Publisher
	Timeout  time.Duration
	Interval time.Duration
	Logger   *log.Logger
}

// ReclaimEvent is the payload of task:reclaimed and task:exhausted events.
type ReclaimEvent struct {
	TaskID     string            `json:"task_id"`
	Status     models.TaskStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Requeued int
	Failed   int
}

// Supervisor periodically reclaims running tasks that exceeded the timeout.
type Supervisor struct {
	store   *Store
	events  events.Publisher
	timeout time.Duration
	logger  *log.Logger
	loop    *loop.Loop
}

// NewSupervisor creates a Supervisor. Store is required.
func NewSupervisor(opts SupervisorOpts) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, errors.New("task: supervisor store is required")
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	s := &Supervisor{
		store:   opts.Store,
		events:  opts.Events,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	s.loop = loop.New(opts.Interval, s.tick)
	return s, nil
}

// Sweep reclaims every timed-out task once. A task that finished between
// the lookup and the reclaim is skipped.
func (s *Supervisor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	stalled, err := s.store.GetTimedOutTasks(ctx, s.timeout)
	if err != nil {
		return res, err
	}
	var errs []error
	for _, t := range stalled {
		reclaimed, err := s.store.Reclaim(ctx, t.ID)
		if err != nil {
			if errors.Is(err, orcherr.ErrInvalidOperation) || errors.Is(err, orcherr.ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		ev := ReclaimEvent{
			TaskID:     reclaimed.ID,
			Status:     reclaimed.Status,
			RetryCount: reclaimed.RetryCount,
			MaxRetries: reclaimed.MaxRetries,
		}
		topic := events.TaskReclaimed
		if reclaimed.Status == models.TaskFailed {
			topic = events.TaskExhausted
			res.Failed++
		} else {
			res.Requeued++
		}
		if err := s.events.Publish(ctx, topic, ev); err != nil {
			s.logger.Printf("task: publish %s for %s: %v", topic, reclaimed.ID, err)
		}
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("task: sweep: %w", errors.Join(errs...))
	}
	return res, nil
}

// Start runs Sweep on the configured interval.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.loop.Start(ctx)
}

// Stop halts the sweep loop.
func (s *Supervisor) Stop() {
	s.loop.Stop()
}

func (s *Supervisor) tick(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Printf("task: sweep tick: %v", err)
	}
	if res.Requeued > 0 || res.Failed > 0 {
		s.logger.Printf("task: reclaimed stalled tasks: %d re-queued, %d failed", res.Requeued, res.Failed)
	}
}
