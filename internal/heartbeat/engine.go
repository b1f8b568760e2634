// Package heartbeat evaluates recurring per-user proactive message rules and
// publishes a heartbeat.send event whenever one is due.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/roundhouse/internal/cron"
	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/loop"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
)

// Engine defaults.
const (
	DefaultTickInterval = time.Minute
	DefaultInterval     = 24 * time.Hour
)

// DefaultQuietHours applies to heartbeats that set no quiet hours of their own.
var DefaultQuietHours = QuietHours{Start: 22, End: 8}

// Generator produces the message for a heartbeat. An empty message means
// there is nothing to send this time.
type Generator func(ctx context.Context, hb *models.Heartbeat) (string, error)

// Condition gates a heartbeat. Returning false skips it without error.
type Condition func(ctx context.Context, hb *models.Heartbeat) (bool, error)

// QuietHours is an hour-of-day range [Start, End). Start > End wraps past
// midnight; Start == End is an empty range.
type QuietHours struct {
	Start int
	End   int
}

// Contains reports whether hour falls inside the range.
func (q QuietHours) Contains(hour int) bool {
	switch {
	case q.Start == q.End:
		return false
	case q.Start < q.End:
		return hour >= q.Start && hour < q.End
	default:
		return hour >= q.Start || hour < q.End
	}
}

// Inline binds a generator and condition to a single heartbeat without
// registering them by name. Inline bindings live only in this process.
type Inline struct {
	Generator Generator
	Condition Condition
}

// SendEvent is the heartbeat.send payload.
type SendEvent struct {
	HeartbeatID string    `json:"heartbeat_id"`
	UserID      string    `json:"user_id"`
	ChannelID   string    `json:"channel_id"`
	ChannelType string    `json:"channel_type"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Options configures an Engine.
type Options struct {
	Store             *Store
	Events            events.Publisher
	TickInterval      time.Duration
	DefaultInterval   time.Duration
	DefaultQuietHours *QuietHours
	// Location is used for quiet hours, skip days and the daily counter
	// reset. Defaults to time.Local.
	Location *time.Location
	Logger   *log.Logger
	Now      func() time.Time
}

// Engine owns the heartbeat tick loop. Construct one per process.
type Engine struct {
	store           *Store
	events          events.Publisher
	defaultInterval time.Duration
	quiet           QuietHours
	loc             *time.Location
	logger          *log.Logger
	now             func() time.Time
	loop            *loop.Loop

	mu         sync.RWMutex
	generators map[string]Generator
	conditions map[string]Condition
	inline     map[string]Inline

	// tickMu keeps one evaluation of a config from overlapping another.
	tickMu sync.Mutex
}

// NewEngine creates an Engine. Store is required.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("heartbeat: store is required")
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = DefaultInterval
	}
	quiet := DefaultQuietHours
	if opts.DefaultQuietHours != nil {
		quiet = *opts.DefaultQuietHours
	}
	if err := validHours(quiet.Start, quiet.End); err != nil {
		return nil, err
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	e := &Engine{
		store:           opts.Store,
		events:          opts.Events,
		defaultInterval: opts.DefaultInterval,
		quiet:           quiet,
		loc:             opts.Location,
		logger:          opts.Logger,
		now:             opts.Now,
		generators:      make(map[string]Generator),
		conditions:      make(map[string]Condition),
		inline:          make(map[string]Inline),
	}
	e.loop = loop.New(opts.TickInterval, func(ctx context.Context) {
		if _, err := e.Tick(ctx); err != nil {
			e.logger.Printf("heartbeat: tick: %v", err)
		}
	})
	return e, nil
}

// RegisterGenerator makes fn available to heartbeats under name.
func (e *Engine) RegisterGenerator(name string, fn Generator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generators[name] = fn
}

// RegisterCondition makes fn available to heartbeats under name.
func (e *Engine) RegisterCondition(name string, fn Condition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conditions[name] = fn
}

// Start runs Tick on the configured interval.
func (e *Engine) Start(ctx context.Context) error {
	return e.loop.Start(ctx)
}

// Stop halts the tick loop.
func (e *Engine) Stop() {
	e.loop.Stop()
}

// Running reports whether the tick loop is active.
func (e *Engine) Running() bool {
	return e.loop.Running()
}

// Register validates and stores a new heartbeat. Generator and condition
// names must already be registered; the schedule, when set, must parse.
func (e *Engine) Register(ctx context.Context, hb *models.Heartbeat, inline Inline) (*models.Heartbeat, error) {
	if hb.ID == "" {
		hb.ID = uuid.NewString()
	}
	if hb.IntervalMs <= 0 {
		hb.IntervalMs = e.defaultInterval.Milliseconds()
	}
	if err := e.validate(hb, inline); err != nil {
		return nil, err
	}
	now := e.now()
	hb.Active = true
	hb.SentToday = 0
	hb.HeartbeatCount = 0
	hb.LastHeartbeatAt = nil
	hb.LastResetDate = now.In(e.loc).Format(time.DateOnly)
	hb.CreatedAt = now
	hb.UpdatedAt = now
	if err := e.store.Create(ctx, hb); err != nil {
		return nil, err
	}
	e.bindInline(hb.ID, inline)
	return hb, nil
}

// Update validates and saves changes to an existing heartbeat's rule.
// Delivery counters are kept from the stored record.
func (e *Engine) Update(ctx context.Context, hb *models.Heartbeat, inline Inline) (*models.Heartbeat, error) {
	current, err := e.store.Get(ctx, hb.ID)
	if err != nil {
		return nil, err
	}
	if hb.IntervalMs <= 0 {
		hb.IntervalMs = e.defaultInterval.Milliseconds()
	}
	if err := e.validate(hb, inline); err != nil {
		return nil, err
	}
	hb.SentToday = current.SentToday
	hb.LastResetDate = current.LastResetDate
	hb.LastHeartbeatAt = current.LastHeartbeatAt
	hb.HeartbeatCount = current.HeartbeatCount
	hb.CreatedAt = current.CreatedAt
	hb.UpdatedAt = e.now()
	if err := e.store.Save(ctx, hb); err != nil {
		return nil, err
	}
	e.bindInline(hb.ID, inline)
	return hb, nil
}

// SetActive pauses or resumes a heartbeat.
func (e *Engine) SetActive(ctx context.Context, id string, active bool) error {
	return e.store.SetActive(ctx, id, active, e.now())
}

// Remove deletes a heartbeat and any inline bindings.
func (e *Engine) Remove(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.inline, id)
	e.mu.Unlock()
	return nil
}

// Get returns a heartbeat.
func (e *Engine) Get(ctx context.Context, id string) (*models.Heartbeat, error) {
	return e.store.Get(ctx, id)
}

// List returns heartbeats, all of them when userID is empty.
func (e *Engine) List(ctx context.Context, userID string) ([]models.Heartbeat, error) {
	return e.store.List(ctx, userID, false)
}

func (e *Engine) bindInline(id string, inline Inline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inline.Generator == nil && inline.Condition == nil {
		delete(e.inline, id)
		return
	}
	e.inline[id] = inline
}

func validHours(start, end int) error {
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return fmt.Errorf("heartbeat: quiet hours %d-%d must be within 0-23: %w", start, end, orcherr.ErrInvalidOperation)
	}
	return nil
}

func (e *Engine) validate(hb *models.Heartbeat, inline Inline) error {
	var problems []string
	if hb.UserID == "" {
		problems = append(problems, "user id is required")
	}
	if hb.ChannelID == "" {
		problems = append(problems, "channel id is required")
	}
	if (hb.QuietStart == nil) != (hb.QuietEnd == nil) {
		problems = append(problems, "quiet hours need both start and end")
	} else if hb.QuietStart != nil {
		if err := validHours(*hb.QuietStart, *hb.QuietEnd); err != nil {
			problems = append(problems, fmt.Sprintf("quiet hours %d-%d out of range", *hb.QuietStart, *hb.QuietEnd))
		}
	}
	for _, d := range hb.SkipDays {
		if d < 0 || d > 6 {
			problems = append(problems, fmt.Sprintf("skip day %d out of range 0-6", d))
		}
	}
	if hb.MaxPerDay < 0 {
		problems = append(problems, "max per day must not be negative")
	}

	e.mu.RLock()
	if hb.Generator != "" && inline.Generator == nil {
		if _, ok := e.generators[hb.Generator]; !ok {
			problems = append(problems, fmt.Sprintf("unknown generator %q", hb.Generator))
		}
	}
	if hb.Condition != "" && inline.Condition == nil {
		if _, ok := e.conditions[hb.Condition]; !ok {
			problems = append(problems, fmt.Sprintf("unknown condition %q", hb.Condition))
		}
	}
	e.mu.RUnlock()

	if hb.Generator == "" && inline.Generator == nil && hb.Message == "" {
		problems = append(problems, "a generator or a message is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("heartbeat: invalid %s: %s: %w", hb.ID, strings.Join(problems, "; "), orcherr.ErrInvalidOperation)
	}
	if hb.Schedule != "" {
		if _, err := cron.Parse(hb.Schedule); err != nil {
			return fmt.Errorf("heartbeat: schedule of %s: %w", hb.ID, err)
		}
	}
	return nil
}

// TickResult counts the outcome of one tick.
type TickResult struct {
	Evaluated int
	Sent      int
	Failed    int
}

// Tick evaluates every active heartbeat once. A failure in one config is
// logged and does not stop the others.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	var res TickResult
	active, err := e.store.List(ctx, "", true)
	if err != nil {
		return res, err
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	for i := range active {
		hb := &active[i]
		res.Evaluated++
		sent, err := e.safeEvaluate(ctx, hb)
		if err != nil {
			res.Failed++
			e.logger.Printf("heartbeat: %s: %v", hb.ID, err)
			continue
		}
		if sent {
			res.Sent++
		}
	}
	return res, nil
}

// Trigger fires a heartbeat now, bypassing the interval, quiet hour, skip
// day and daily cap gates. The condition and generator still apply.
func (e *Engine) Trigger(ctx context.Context, id string) (bool, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	hb, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return e.fire(ctx, hb, e.now())
}

func (e *Engine) safeEvaluate(ctx context.Context, hb *models.Heartbeat) (sent bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.evaluate(ctx, hb)
}

func (e *Engine) evaluate(ctx context.Context, hb *models.Heartbeat) (bool, error) {
	now := e.now()
	local := now.In(e.loc)

	today := local.Format(time.DateOnly)
	if hb.LastResetDate != today {
		if err := e.store.ResetDay(ctx, hb.ID, today, now); err != nil {
			return false, err
		}
		hb.SentToday = 0
		hb.LastResetDate = today
		hb.UpdatedAt = now
	}

	due, err := e.due(hb, now)
	if err != nil || !due {
		return false, err
	}
	if e.quietHoursFor(hb).Contains(local.Hour()) {
		return false, nil
	}
	if hb.SkipDays.Contains(int(local.Weekday())) {
		return false, nil
	}
	if hb.MaxPerDay > 0 && hb.SentToday >= hb.MaxPerDay {
		return false, nil
	}
	return e.fire(ctx, hb, now)
}

func (e *Engine) due(hb *models.Heartbeat, now time.Time) (bool, error) {
	if hb.Schedule != "" {
		from := hb.CreatedAt
		if hb.LastHeartbeatAt != nil {
			from = *hb.LastHeartbeatAt
		}
		next, err := cron.Next(hb.Schedule, from.In(e.loc))
		if err != nil {
			return false, err
		}
		return !next.After(now), nil
	}
	if hb.LastHeartbeatAt == nil {
		return true, nil
	}
	interval := time.Duration(hb.IntervalMs) * time.Millisecond
	return now.Sub(*hb.LastHeartbeatAt) >= interval, nil
}

func (e *Engine) quietHoursFor(hb *models.Heartbeat) QuietHours {
	if hb.QuietStart != nil && hb.QuietEnd != nil {
		return QuietHours{Start: *hb.QuietStart, End: *hb.QuietEnd}
	}
	return e.quiet
}

// fire runs the condition and generator, publishes, and records the send.
func (e *Engine) fire(ctx context.Context, hb *models.Heartbeat, now time.Time) (bool, error) {
	gen, cond, err := e.bindings(hb)
	if err != nil {
		return false, err
	}
	if cond != nil {
		ok, err := cond(ctx, hb)
		if err != nil {
			return false, fmt.Errorf("condition: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	msg := hb.Message
	if gen != nil {
		msg, err = gen(ctx, hb)
		if err != nil {
			return false, fmt.Errorf("generator: %w", err)
		}
	}
	if msg == "" {
		return false, nil
	}

	ev := SendEvent{
		HeartbeatID: hb.ID,
		UserID:      hb.UserID,
		ChannelID:   hb.ChannelID,
		ChannelType: hb.ChannelType,
		Message:     msg,
		Timestamp:   now,
	}
	if err := e.events.Publish(ctx, events.HeartbeatSend, ev); err != nil {
		return false, err
	}

	if err := e.store.RecordSend(ctx, hb.ID, now); err != nil {
		return true, err
	}
	hb.LastHeartbeatAt = &now
	hb.HeartbeatCount++
	hb.SentToday++
	hb.UpdatedAt = now
	return true, nil
}

// bindings resolves the heartbeat's generator and condition. A name that
// was valid at registration but is no longer registered is an error for
// this evaluation.
func (e *Engine) bindings(hb *models.Heartbeat) (Generator, Condition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inline := e.inline[hb.ID]
	gen, cond := inline.Generator, inline.Condition
	if gen == nil && hb.Generator != "" {
		fn, ok := e.generators[hb.Generator]
		if !ok {
			return nil, nil, fmt.Errorf("generator %q is not registered: %w", hb.Generator, orcherr.ErrInvalidOperation)
		}
		gen = fn
	}
	if cond == nil && hb.Condition != "" {
		fn, ok := e.conditions[hb.Condition]
		if !ok {
			return nil, nil, fmt.Errorf("condition %q is not registered: %w", hb.Condition, orcherr.ErrInvalidOperation)
		}
		cond = fn
	}
	return gen, cond, nil
}
