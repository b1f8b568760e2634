package sessionstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
)

func newSession(t *testing.T, s *Store, id string, participants ...string) *models.Session {
	t.Helper()
	sess := &models.Session{
		ID:                 id,
		Name:               "session " + id,
		ChannelID:          "ch-" + id,
		Participants:       models.StringList(participants),
		CoordinatorAgentID: participants[0],
		Status:             models.SessionActive,
		CreatedAt:          t0,
		UpdatedAt:          t0,
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestTransitionSession(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()
	newSession(t, s, "s1", "lead")

	ok, err := s.TransitionSession(ctx, "s1", models.SessionActive, models.SessionPaused, t0)
	if err != nil || !ok {
		t.Fatalf("pause = %v, %v", ok, err)
	}
	ok, err = s.TransitionSession(ctx, "s1", models.SessionActive, models.SessionPaused, t0)
	if err != nil || ok {
		t.Errorf("second pause = %v, %v; want false", ok, err)
	}
	got, _ := s.GetSession(ctx, "s1")
	if got.Status != models.SessionPaused {
		t.Errorf("status = %s", got.Status)
	}
}

func TestSessionParticipants(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()
	newSession(t, s, "s1", "lead", "a")

	if ok, err := s.AddSessionParticipant(ctx, "s1", "b", 3, t0); err != nil || !ok {
		t.Fatalf("add b = %v, %v", ok, err)
	}
	if _, err := s.AddSessionParticipant(ctx, "s1", "c", 3, t0); !errors.Is(err, orcherr.ErrLimitExceeded) {
		t.Errorf("add past cap: %v", err)
	}
	if _, err := s.RemoveSessionParticipant(ctx, "s1", "lead", t0); !errors.Is(err, orcherr.ErrInvalidOperation) {
		t.Errorf("remove coordinator: %v", err)
	}
	if ok, err := s.RemoveSessionParticipant(ctx, "s1", "a", t0); err != nil || !ok {
		t.Errorf("remove a = %v, %v", ok, err)
	}
	got, _ := s.GetSession(ctx, "s1")
	if len(got.Participants) != 2 || !got.Participants.Contains("lead") || !got.Participants.Contains("b") {
		t.Errorf("participants = %v", got.Participants)
	}
}

func TestListTerminalBefore(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()

	old := t0.Add(-72 * time.Hour)
	recent := t0.Add(-time.Hour)
	for id, done := range map[string]*time.Time{"old": &old, "recent": &recent, "open": nil} {
		sess := newSession(t, s, id, "lead")
		if done != nil {
			sess.Status = models.SessionCompleted
			sess.CompletedAt = done
			if err := s.SaveSession(ctx, sess); err != nil {
				t.Fatal(err)
			}
		}
	}

	got, err := s.ListTerminalBefore(ctx, t0.Add(-48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "old" {
		t.Errorf("got %+v", got)
	}
}

func TestHistoryAndDeleteSession(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()
	newSession(t, s, "s1", "lead")

	for _, id := range []string{"m1", "m2"} {
		msg := &models.Message{ID: id, Type: models.MessageRequest, FromAgentID: "lead", ChannelID: "ch-s1", Content: id, Timestamp: t0}
		if err := s.AppendHistory(ctx, "s1", msg); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := s.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].ID != "m1" || hist[1].Content != "m2" {
		t.Errorf("history = %+v", hist)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("get after delete: %v", err)
	}
	hist, _ = s.History(ctx, "s1")
	if len(hist) != 0 {
		t.Errorf("history survived delete: %d", len(hist))
	}
}

func TestFinishSession_WritesOnlyOutcome(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()
	stale := newSession(t, s, "s1", "lead")

	if _, err := s.AddSessionParticipant(ctx, "s1", "a", 0, t0); err != nil {
		t.Fatal(err)
	}
	at := t0.Add(time.Minute)
	got, err := s.FinishSession(ctx, stale.ID, models.SessionFailed, "", "boom", at)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SessionFailed || got.Error != "boom" || got.CompletedAt == nil || !got.CompletedAt.Equal(at) {
		t.Errorf("finished = %+v", got)
	}
	stored, _ := s.GetSession(ctx, "s1")
	if !stored.Participants.Contains("a") || stored.Status != models.SessionFailed {
		t.Errorf("stored = %+v", stored)
	}
	if _, err := s.FinishSession(ctx, "missing", models.SessionCompleted, "", "", at); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("finish missing: %v", err)
	}
}

func TestMergeSharedContext(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()
	newSession(t, s, "s1", "lead")

	if _, err := s.MergeSharedContext(ctx, "s1", map[string]any{"a": "1", "b": "2"}, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddSessionParticipant(ctx, "s1", "x", 0, t0); err != nil {
		t.Fatal(err)
	}
	got, err := s.MergeSharedContext(ctx, "s1", map[string]any{"b": nil, "c": "3"}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if got.SharedContext["a"] != "1" || got.SharedContext["c"] != "3" {
		t.Errorf("shared = %v", got.SharedContext)
	}
	if _, ok := got.SharedContext["b"]; ok {
		t.Error("nil value should remove the key")
	}
	stored, _ := s.GetSession(ctx, "s1")
	if !stored.Participants.Contains("x") || len(stored.SharedContext) != 2 {
		t.Errorf("stored = %+v", stored)
	}

	if _, err := s.FinishSession(ctx, "s1", models.SessionCompleted, "ok", "", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MergeSharedContext(ctx, "s1", map[string]any{"d": "4"}, t0); !errors.Is(err, orcherr.ErrNotActive) {
		t.Errorf("merge into completed session: %v", err)
	}
}
