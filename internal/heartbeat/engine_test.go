package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) at(hour, min int) {
	c.t = time.Date(c.t.Year(), c.t.Month(), c.t.Day(), hour, min, 0, 0, time.UTC)
}

func intp(v int) *int { return &v }

func newTestEngine(t *testing.T, pub events.Publisher) (*Engine, *clock) {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// 2026-03-04 is a Wednesday.
	clk := &clock{t: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)}
	e, err := NewEngine(Options{
		Store:    NewStore(gdb),
		Events:   pub,
		Location: time.UTC,
		Now:      clk.now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e, clk
}

func mustRegister(t *testing.T, e *Engine, hb *models.Heartbeat) *models.Heartbeat {
	t.Helper()
	got, err := e.Register(context.Background(), hb, Inline{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return got
}

func tick(t *testing.T, e *Engine) TickResult {
	t.Helper()
	res, err := e.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return res
}

func TestQuietHours_Contains(t *testing.T) {
	tests := []struct {
		q    QuietHours
		hour int
		want bool
	}{
		{QuietHours{22, 8}, 23, true},
		{QuietHours{22, 8}, 5, true},
		{QuietHours{22, 8}, 22, true},
		{QuietHours{22, 8}, 8, false},
		{QuietHours{22, 8}, 10, false},
		{QuietHours{9, 17}, 12, true},
		{QuietHours{9, 17}, 17, false},
		{QuietHours{9, 17}, 3, false},
		{QuietHours{0, 0}, 0, false},
		{QuietHours{6, 6}, 6, false},
	}
	for _, tt := range tests {
		if got := tt.q.Contains(tt.hour); got != tt.want {
			t.Errorf("%+v.Contains(%d) = %v, want %v", tt.q, tt.hour, got, tt.want)
		}
	}
}

func TestNewEngine_RequiresStore(t *testing.T) {
	if _, err := NewEngine(Options{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestTick_QuietHours(t *testing.T) {
	for _, tt := range []struct {
		hour int
		sent bool
	}{
		{23, false},
		{5, false},
		{10, true},
	} {
		rec := &events.Recorder{}
		e, clk := newTestEngine(t, rec)
		mustRegister(t, e, &models.Heartbeat{
			UserID: "u1", ChannelID: "c1", Message: "hello",
			QuietStart: intp(22), QuietEnd: intp(8),
		})
		clk.at(tt.hour, 0)
		res := tick(t, e)
		if (res.Sent == 1) != tt.sent {
			t.Errorf("hour %d: sent = %d, want %v", tt.hour, res.Sent, tt.sent)
		}
	}
}

func TestTick_DefaultQuietHours(t *testing.T) {
	e, clk := newTestEngine(t, nil)
	mustRegister(t, e, &models.Heartbeat{UserID: "u1", ChannelID: "c1", Message: "hi"})
	clk.at(23, 0)
	if res := tick(t, e); res.Sent != 0 {
		t.Errorf("sent during default quiet hours")
	}

	// An explicit empty range overrides the default.
	e2, clk2 := newTestEngine(t, nil)
	mustRegister(t, e2, &models.Heartbeat{UserID: "u1", ChannelID: "c1", Message: "hi", QuietStart: intp(0), QuietEnd: intp(0)})
	clk2.at(23, 0)
	if res := tick(t, e2); res.Sent != 1 {
		t.Errorf("empty quiet range blocked send")
	}
}

func TestTick_PublishesAndStamps(t *testing.T) {
	rec := &events.Recorder{}
	e, clk := newTestEngine(t, rec)
	hb := mustRegister(t, e, &models.Heartbeat{UserID: "u1", ChannelID: "c1", ChannelType: "slack", Message: "standup?"})

	res := tick(t, e)
	if res.Evaluated != 1 || res.Sent != 1 {
		t.Fatalf("result = %+v", res)
	}
	evs := rec.Events()
	if len(evs) != 1 || evs[0].Topic != events.HeartbeatSend {
		t.Fatalf("events = %+v", evs)
	}
	ev := evs[0].Payload.(SendEvent)
	if ev.HeartbeatID != hb.ID || ev.UserID != "u1" || ev.ChannelID != "c1" || ev.Message != "standup?" || !ev.Timestamp.Equal(clk.t) {
		t.Errorf("payload = %+v", ev)
	}

	stored, _ := e.Get(context.Background(), hb.ID)
	if stored.HeartbeatCount != 1 || stored.SentToday != 1 || stored.LastHeartbeatAt == nil || !stored.LastHeartbeatAt.Equal(clk.t) {
		t.Errorf("stored = %+v", stored)
	}
}

func TestTick_Interval(t *testing.T) {
	e, clk := newTestEngine(t, nil)
	mustRegister(t, e, &models.Heartbeat{UserID: "u1", ChannelID: "c1", Message: "m", IntervalMs: time.Hour.Milliseconds()})

	if res := tick(t, e); res.Sent != 1 {
		t.Fatal("first tick should send")
	}
	clk.at(10, 30)
	if res := tick(t, e); res.Sent != 0 {
		t.Error("sent before interval elapsed")
	}
	clk.at(11, 0)
	if res := tick(t, e); res.Sent != 1 {
		t.Error("not sent after interval elapsed")
	}
}

func TestTick_MaxPerDayAndDailyReset(t *testing.T) {
	e, clk := newTestEngine(t, nil)
	hb := mustRegister(t, e, &models.Heartbeat{UserID: "u1", ChannelID: "c1", Message: "m", IntervalMs: 1, MaxPerDay: 2})

	for _, hour := range []int{10, 11, 12} {
		clk.at(hour, 0)
		tick(t, e)
	}
	stored, _ := e.Get(context.Background(), hb.ID)
	if stored.SentToday != 2 || stored.HeartbeatCount != 2 {
		t.Fatalf("after cap: %+v", stored)
	}

	clk.t = clk.t.AddDate(0, 0, 1)
	clk.at(9, 0)
	if res := tick(t, e); res.Sent != 1 {
		t.Fatal("not sent on the next day")
	}
	stored, _ = e.Get(context.Background(), hb.ID)
	if stored.SentToday != 1 || stored.LastResetDate != "2026-03-05" || stored.HeartbeatCount != 3 {
		t.Errorf("after reset: %+v", stored)
	}
}

func TestTick_SkipDays(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	mustRegister(t, e, &models.Heartbeat{UserID: "u1", ChannelID: "c1", Message: "m", SkipDays: models.IntList{3}})
	if res := tick(t, e); res.Sent != 0 {
		t.Error("sent on a skipped Wednesday")
	}
}

func TestTick_ConditionAndGenerator(t *testing.T) {
	rec := &events.Recorder{}
	e, _ := newTestEngine(t, rec)
	e.RegisterCondition("never", func(context.Context, *models.Heartbeat) (bool, error) { return false, nil })
	e.RegisterGenerator("silent", func(context.Context, *models.Heartbeat) (string, error) { return "", nil })
	e.RegisterGenerator("greet", func(_ context.Context, hb *models.Heartbeat) (string, error) {
		return "hi " + hb.UserID, nil
	})

	mustRegister(t, e, &models.Heartbeat{UserID: "a", ChannelID: "c", Message: "m", Condition: "never"})
	mustRegister(t, e, &models.Heartbeat{UserID: "b", ChannelID: "c", Generator: "silent"})
	mustRegister(t, e, &models.Heartbeat{UserID: "c", ChannelID: "c", Generator: "greet"})

	res := tick(t, e)
	if res.Evaluated != 3 || res.Sent != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	evs := rec.Events()
	if len(evs) != 1 || evs[0].Payload.(SendEvent).Message != "hi c" {
		t.Errorf("events = %+v", evs)
	}
}

func TestTick_FailuresIsolated(t *testing.T) {
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(gdb)
	clk := &clock{t: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}

	reg, _ := NewEngine(Options{Store: store, Location: time.UTC, Now: clk.now})
	reg.RegisterGenerator("gone", func(context.Context, *models.Heartbeat) (string, error) { return "x", nil })
	mustRegister(t, reg, &models.Heartbeat{UserID: "a", ChannelID: "c", Generator: "gone"})

	// A second engine over the same store lacks "gone".
	e, _ := NewEngine(Options{Store: store, Events: rec, Location: time.UTC, Now: clk.now})
	e.RegisterGenerator("boom", func(context.Context, *models.Heartbeat) (string, error) { panic("bad generator") })
	mustRegister(t, e, &models.Heartbeat{UserID: "b", ChannelID: "c", Generator: "boom"})
	mustRegister(t, e, &models.Heartbeat{UserID: "c", ChannelID: "c", Message: "ok"})

	res := tick(t, e)
	if res.Evaluated != 3 || res.Failed != 2 || res.Sent != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(rec.Events()) != 1 {
		t.Errorf("events = %d", len(rec.Events()))
	}
}

func TestTick_PublishFailureNotStamped(t *testing.T) {
	bus := events.NewBus()
	bus.Subscribe(events.HeartbeatSend, func(context.Context, events.Event) error { return errors.New("relay down") })
	e, _ := newTestEngine(t, bus)
	hb := mustRegister(t, e, &models.Heartbeat{UserID: "u1", ChannelID: "c1", Message: "m"})

	res := tick(t, e)
	if res.Failed != 1 || res.Sent != 0 {
		t.Errorf("result = %+v", res)
	}
	stored, _ := e.Get(context.Background(), hb.ID)
	if stored.LastHeartbeatAt != nil || stored.SentToday != 0 {
		t.Errorf("stamped after failed publish: %+v", stored)
	}
}

func TestTick_Schedule(t *testing.T) {
	e, clk := newTestEngine(t, nil)
	clk.at(8, 0)
	mustRegister(t, e, &models.Heartbeat{UserID: "u1", ChannelID: "c1", Message: "m", Schedule: "0 9 * * *", QuietStart: intp(0), QuietEnd: intp(0)})

	clk.at(8, 30)
	if res := tick(t, e); res.Sent != 0 {
		t.Error("sent before schedule")
	}
	clk.at(9, 0)
	if res := tick(t, e); res.Sent != 1 {
		t.Error("not sent at schedule")
	}
	clk.at(9, 1)
	if res := tick(t, e); res.Sent != 0 {
		t.Error("sent twice for one occurrence")
	}
}

func TestTrigger_BypassesGates(t *testing.T) {
	rec := &events.Recorder{}
	e, clk := newTestEngine(t, rec)
	hb := mustRegister(t, e, &models.Heartbeat{UserID: "u1", ChannelID: "c1", Message: "m", MaxPerDay: 1})
	tick(t, e)

	clk.at(23, 0)
	sent, err := e.Trigger(context.Background(), hb.ID)
	if err != nil || !sent {
		t.Fatalf("Trigger = %v, %v", sent, err)
	}
	if len(rec.Events()) != 2 {
		t.Errorf("events = %d", len(rec.Events()))
	}
	if _, err := e.Trigger(context.Background(), "ghost"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("missing: %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	tests := []struct {
		name string
		hb   models.Heartbeat
		want error
	}{
		{"no user", models.Heartbeat{ChannelID: "c", Message: "m"}, orcherr.ErrInvalidOperation},
		{"no message", models.Heartbeat{UserID: "u", ChannelID: "c"}, orcherr.ErrInvalidOperation},
		{"unknown generator", models.Heartbeat{UserID: "u", ChannelID: "c", Generator: "nope"}, orcherr.ErrInvalidOperation},
		{"unknown condition", models.Heartbeat{UserID: "u", ChannelID: "c", Message: "m", Condition: "nope"}, orcherr.ErrInvalidOperation},
		{"half quiet hours", models.Heartbeat{UserID: "u", ChannelID: "c", Message: "m", QuietStart: intp(1)}, orcherr.ErrInvalidOperation},
		{"quiet out of range", models.Heartbeat{UserID: "u", ChannelID: "c", Message: "m", QuietStart: intp(1), QuietEnd: intp(24)}, orcherr.ErrInvalidOperation},
		{"skip day", models.Heartbeat{UserID: "u", ChannelID: "c", Message: "m", SkipDays: models.IntList{7}}, orcherr.ErrInvalidOperation},
		{"bad schedule", models.Heartbeat{UserID: "u", ChannelID: "c", Message: "m", Schedule: "61 * * * *"}, orcherr.ErrInvalidCronExpression},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hb := tt.hb
			if _, err := e.Register(ctx, &hb, Inline{}); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	inline := Inline{Generator: func(context.Context, *models.Heartbeat) (string, error) { return "inline", nil }}
	hb, err := e.Register(ctx, &models.Heartbeat{UserID: "u", ChannelID: "c", Generator: "custom"}, inline)
	if err != nil {
		t.Fatalf("inline generator: %v", err)
	}
	if hb.IntervalMs != DefaultInterval.Milliseconds() || !hb.Active {
		t.Errorf("defaults = %+v", hb)
	}
}

func TestUpdateKeepsCounters(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	hb := mustRegister(t, e, &models.Heartbeat{UserID: "u1", ChannelID: "c1", Message: "m"})
	tick(t, e)

	changed := *hb
	changed.Message = "new"
	changed.HeartbeatCount = 0
	if _, err := e.Update(ctx, &changed, Inline{}); err != nil {
		t.Fatal(err)
	}
	stored, _ := e.Get(ctx, hb.ID)
	if stored.Message != "new" || stored.HeartbeatCount != 1 {
		t.Errorf("stored = %+v", stored)
	}

	if err := e.SetActive(ctx, hb.ID, false); err != nil {
		t.Fatal(err)
	}
	if res := tick(t, e); res.Evaluated != 0 {
		t.Errorf("inactive heartbeat evaluated: %+v", res)
	}
	if err := e.Remove(ctx, hb.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.Remove(ctx, hb.ID); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("second remove: %v", err)
	}
}

func TestTick_PauseDuringSendSticks(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	var id string
	gen := func(ctx context.Context, hb *models.Heartbeat) (string, error) {
		if err := e.SetActive(ctx, id, false); err != nil {
			return "", err
		}
		return "last one", nil
	}
	hb, err := e.Register(ctx, &models.Heartbeat{UserID: "u1", ChannelID: "c1"}, Inline{Generator: gen})
	if err != nil {
		t.Fatal(err)
	}
	id = hb.ID

	if res := tick(t, e); res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	stored, err := e.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Active {
		t.Error("pause made while sending was overwritten")
	}
	if stored.HeartbeatCount != 1 || stored.SentToday != 1 {
		t.Errorf("counters = %d/%d, want 1/1", stored.HeartbeatCount, stored.SentToday)
	}
}

func TestSetActive_Missing(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	if err := e.SetActive(context.Background(), "nope", false); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}
