package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s, err := NewStore(gdb, clk.now)
	if err != nil {
		t.Fatal(err)
	}
	return s, clk
}

func mustRegister(t *testing.T, s *Store, opts RegisterOpts) *models.Agent {
	t.Helper()
	a, err := s.Register(context.Background(), opts)
	if err != nil {
		t.Fatalf("Register(%+v): %v", opts, err)
	}
	return a
}

func TestNewStore_RequiresDB(t *testing.T) {
	if _, err := NewStore(nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestRegister(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	a := mustRegister(t, s, RegisterOpts{ID: "a1", PersonaID: "p1", PersonaType: "coder"})
	if a.Status != models.AgentIdle || !a.LastActiveAt.Equal(clk.t) {
		t.Errorf("agent = %+v", a)
	}
	m, err := s.GetMetrics(ctx, "a1")
	if err != nil {
		t.Fatalf("metrics created with agent: %v", err)
	}
	if m.MessagesSent != 0 || m.TotalTasks != 0 {
		t.Errorf("metrics = %+v", m)
	}

	if _, err := s.Register(ctx, RegisterOpts{ID: "a1", PersonaID: "p1"}); !errors.Is(err, orcherr.ErrInvalidOperation) {
		t.Errorf("duplicate: %v", err)
	}
	if _, err := s.Register(ctx, RegisterOpts{ID: "a2"}); !errors.Is(err, orcherr.ErrInvalidOperation) {
		t.Errorf("no persona: %v", err)
	}
	generated := mustRegister(t, s, RegisterOpts{PersonaID: "p2"})
	if generated.ID == "" {
		t.Error("expected generated id")
	}
}

func TestRegister_WithParent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, RegisterOpts{ID: "lead", PersonaID: "p"})
	mustRegister(t, s, RegisterOpts{ID: "sub", PersonaID: "p", ParentAgentID: "lead"})

	lead, _ := s.Get(ctx, "lead")
	if len(lead.SubAgentIDs) != 1 || lead.SubAgentIDs[0] != "sub" {
		t.Errorf("SubAgentIDs = %v", lead.SubAgentIDs)
	}
	if _, err := s.Register(ctx, RegisterOpts{ID: "orphan", PersonaID: "p", ParentAgentID: "ghost"}); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("missing parent: %v", err)
	}
	if _, err := s.Get(ctx, "orphan"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("orphan was stored: %v", err)
	}
}

func TestUpdateStatusAndTouch(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, RegisterOpts{ID: "a1", PersonaID: "p"})

	clk.t = clk.t.Add(time.Minute)
	a, err := s.UpdateStatus(ctx, "a1", models.AgentWorking)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != models.AgentWorking || !a.LastActiveAt.Equal(clk.t) {
		t.Errorf("after update = %+v", a)
	}

	// A clock step backwards does not move last_active_at back on update.
	later := clk.t
	clk.t = clk.t.Add(-30 * time.Second)
	a, _ = s.UpdateStatus(ctx, "a1", models.AgentWaiting)
	if !a.LastActiveAt.Equal(later) {
		t.Errorf("LastActiveAt = %v, want %v", a.LastActiveAt, later)
	}

	// Touch sets it outright and keeps the status.
	if err := s.Touch(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	a, _ = s.Get(ctx, "a1")
	if a.Status != models.AgentWaiting || !a.LastActiveAt.Equal(clk.t) {
		t.Errorf("after touch = %+v", a)
	}

	if _, err := s.UpdateStatus(ctx, "a1", "sleeping"); !errors.Is(err, orcherr.ErrInvalidOperation) {
		t.Errorf("bad status: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "ghost", models.AgentIdle); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("missing: %v", err)
	}
	if err := s.Touch(ctx, "ghost"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("touch missing: %v", err)
	}
}

func TestSetCurrentTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, RegisterOpts{ID: "a1", PersonaID: "p"})

	if err := s.SetCurrentTask(ctx, "a1", "task-9"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCurrentTask(ctx, "a1", "task-9"); err != nil {
		t.Fatalf("unchanged value: %v", err)
	}
	a, _ := s.Get(ctx, "a1")
	if a.CurrentTask != "task-9" {
		t.Errorf("CurrentTask = %q", a.CurrentTask)
	}
	if err := s.SetCurrentTask(ctx, "ghost", "x"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("missing: %v", err)
	}
}

func TestAttachSubAgent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, RegisterOpts{ID: "lead", PersonaID: "p"})
	mustRegister(t, s, RegisterOpts{ID: "w1", PersonaID: "p"})
	mustRegister(t, s, RegisterOpts{ID: "w2", PersonaID: "p"})

	for _, id := range []string{"w1", "w2", "w1"} {
		if err := s.AttachSubAgent(ctx, "lead", id); err != nil {
			t.Fatalf("attach %s: %v", id, err)
		}
	}
	lead, _ := s.Get(ctx, "lead")
	if len(lead.SubAgentIDs) != 2 {
		t.Errorf("SubAgentIDs = %v", lead.SubAgentIDs)
	}
	children, _ := s.List(ctx, Filter{ParentAgentID: "lead"})
	if len(children) != 2 {
		t.Errorf("children = %d", len(children))
	}

	if err := s.AttachSubAgent(ctx, "lead", "lead"); !errors.Is(err, orcherr.ErrInvalidOperation) {
		t.Errorf("self attach: %v", err)
	}
	if err := s.AttachSubAgent(ctx, "ghost", "w1"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("missing parent: %v", err)
	}

	if err := s.Delete(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	lead, _ = s.Get(ctx, "lead")
	if len(lead.SubAgentIDs) != 1 || lead.SubAgentIDs[0] != "w2" {
		t.Errorf("after delete SubAgentIDs = %v", lead.SubAgentIDs)
	}
}

func TestGetIdleAgents(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, RegisterOpts{ID: "stale", PersonaID: "p"})
	mustRegister(t, s, RegisterOpts{ID: "busy", PersonaID: "p"})
	_, _ = s.UpdateStatus(ctx, "busy", models.AgentWorking)
	clk.t = clk.t.Add(10 * time.Minute)
	mustRegister(t, s, RegisterOpts{ID: "fresh", PersonaID: "p"})
	clk.t = clk.t.Add(time.Minute)

	idle, err := s.GetIdleAgents(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 1 || idle[0].ID != "stale" {
		t.Errorf("idle = %+v", idle)
	}
}

func TestListByChannel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, RegisterOpts{ID: "a1", PersonaID: "p", ChannelID: "c1"})
	mustRegister(t, s, RegisterOpts{ID: "a2", PersonaID: "p", ChannelID: "c1"})
	mustRegister(t, s, RegisterOpts{ID: "a3", PersonaID: "p", ChannelID: "c2"})

	got, err := s.ListByChannel(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("roster = %+v", got)
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, RegisterOpts{ID: "a1", PersonaID: "p"})

	for _, sent := range []bool{true, true, false} {
		if err := s.RecordMessage(ctx, "a1", sent); err != nil {
			t.Fatal(err)
		}
	}
	m, _ := s.GetMetrics(ctx, "a1")
	if m.MessagesSent != 2 || m.MessagesReceived != 1 {
		t.Errorf("metrics = %+v", m)
	}

	m.TotalTasks = 5
	m.CompletedTasks = 4
	m.AverageResponseTimeMs = 1250.5
	if err := s.SaveMetrics(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetMetrics(ctx, "a1")
	if got.TotalTasks != 5 || got.AverageResponseTimeMs != 1250.5 || got.MessagesSent != 2 {
		t.Errorf("saved metrics = %+v", got)
	}

	if err := s.SaveMetrics(ctx, &models.AgentMetrics{AgentID: "ghost"}); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("save for missing agent: %v", err)
	}
	if err := s.RecordMessage(ctx, "ghost", true); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("record for missing agent: %v", err)
	}

	if err := s.Delete(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetMetrics(ctx, "a1"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("metrics survived delete: %v", err)
	}
	if err := s.Delete(ctx, "a1"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}
