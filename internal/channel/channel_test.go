package channel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
	"github.com/zulandar/roundhouse/internal/sessionstore"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(t *testing.T, opts Options) (*Manager, *events.Recorder, *clock) {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	rec := &events.Recorder{}
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts.Store = sessionstore.New(gdb)
	opts.Events = rec
	opts.Now = clk.now
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, rec, clk
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestCreateChannel(t *testing.T) {
	m, rec, _ := newTestManager(t, Options{})
	ctx := context.Background()

	ch, err := m.CreateChannel(ctx, CreateOpts{
		Name:         "planning",
		SessionID:    "s1",
		Participants: []string{"a", "b", "a"},
		Metadata:     map[string]any{"topic": "release"},
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if ch.ID == "" || ch.Status != models.ChannelActive {
		t.Errorf("channel = %+v", ch)
	}
	if !reflect.DeepEqual([]string(ch.Participants), []string{"a", "b"}) {
		t.Errorf("participants = %v, want deduplicated [a b]", ch.Participants)
	}

	got, err := m.GetChannel(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata["topic"] != "release" || got.SessionID != "s1" {
		t.Errorf("stored channel = %+v", got)
	}
	if topics := rec.Topics(); len(topics) != 1 || topics[0] != events.ChannelCreated {
		t.Errorf("events = %v", topics)
	}
}

func TestCreateChannel_SessionLimit(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxChannelsPerSession: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.CreateChannel(ctx, CreateOpts{Name: fmt.Sprint(i), SessionID: "s1"}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := m.CreateChannel(ctx, CreateOpts{Name: "third", SessionID: "s1"})
	if !errors.Is(err, orcherr.ErrLimitExceeded) {
		t.Errorf("err = %v, want ErrLimitExceeded", err)
	}
	if _, err := m.CreateChannel(ctx, CreateOpts{Name: "other", SessionID: "s2"}); err != nil {
		t.Errorf("other session: %v", err)
	}
}

func TestCreateChannel_TooManyParticipants(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxParticipantsPerChannel: 2})
	_, err := m.CreateChannel(context.Background(), CreateOpts{Name: "x", Participants: []string{"a", "b", "c"}})
	if !errors.Is(err, orcherr.ErrLimitExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestJoinChannel(t *testing.T) {
	m, rec, _ := newTestManager(t, Options{MaxParticipantsPerChannel: 3})
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, CreateOpts{Name: "x", Participants: []string{"a"}})

	joined, err := m.JoinChannel(ctx, ch.ID, "b")
	if err != nil || !joined {
		t.Fatalf("join b = %v, %v", joined, err)
	}
	joined, err = m.JoinChannel(ctx, ch.ID, "b")
	if err != nil || joined {
		t.Errorf("rejoin b = %v, %v; want false, nil", joined, err)
	}
	if _, err := m.JoinChannel(ctx, ch.ID, "c"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.JoinChannel(ctx, ch.ID, "d"); !errors.Is(err, orcherr.ErrLimitExceeded) {
		t.Errorf("join past cap: %v", err)
	}
	if _, err := m.JoinChannel(ctx, "missing", "a"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("join missing: %v", err)
	}

	joins := 0
	for _, topic := range rec.Topics() {
		if topic == events.ChannelJoined {
			joins++
		}
	}
	if joins != 2 {
		t.Errorf("joined events = %d, want 2", joins)
	}
}

func TestJoinChannel_NeverExceedsCap(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxParticipantsPerChannel: 4})
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, CreateOpts{Name: "x"})

	for i := 0; i < 10; i++ {
		_, _ = m.JoinChannel(ctx, ch.ID, fmt.Sprintf("agent-%d", i%6))
		got, _ := m.GetChannel(ctx, ch.ID)
		if len(got.Participants) > 4 {
			t.Fatalf("participants = %d after join %d", len(got.Participants), i)
		}
	}
}

func TestCloseChannel(t *testing.T) {
	m, rec, _ := newTestManager(t, Options{})
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, CreateOpts{Name: "x", Participants: []string{"a"}})

	if err := m.CloseChannel(ctx, ch.ID); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetChannel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("closed channel should stay queryable: %v", err)
	}
	if got.Status != models.ChannelClosed {
		t.Errorf("status = %s", got.Status)
	}
	if _, err := m.JoinChannel(ctx, ch.ID, "b"); !errors.Is(err, orcherr.ErrNotActive) {
		t.Errorf("join closed: %v", err)
	}
	err = m.StoreMessage(ctx, &models.Message{Type: models.MessageStatus, FromAgentID: "a", ChannelID: ch.ID, Content: "x"})
	if !errors.Is(err, orcherr.ErrNotActive) {
		t.Errorf("store in closed: %v", err)
	}
	if err := m.CloseChannel(ctx, ch.ID); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := m.CloseChannel(ctx, "missing"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("close missing: %v", err)
	}
	if !contains(rec.Topics(), events.ChannelClosed) {
		t.Errorf("events = %v", rec.Topics())
	}
}

func TestLeaveChannel(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, CreateOpts{Name: "x", Participants: []string{"a", "b"}})

	left, err := m.LeaveChannel(ctx, ch.ID, "a")
	if err != nil || !left {
		t.Fatalf("leave = %v, %v", left, err)
	}
	left, _ = m.LeaveChannel(ctx, ch.ID, "a")
	if left {
		t.Error("second leave should report false")
	}
}

func TestStoreMessage_DefaultsExpiry(t *testing.T) {
	m, rec, clk := newTestManager(t, Options{MessageRetention: 2 * time.Hour})
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, CreateOpts{Name: "x", Participants: []string{"a"}})

	msg := &models.Message{Type: models.MessageStatus, FromAgentID: "a", ChannelID: ch.ID, Content: "hi"}
	if err := m.StoreMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" {
		t.Error("id should be generated")
	}
	if msg.ExpiresAt == nil || !msg.ExpiresAt.Equal(clk.t.Add(2*time.Hour)) {
		t.Errorf("expires_at = %v", msg.ExpiresAt)
	}
	if !contains(rec.Topics(), events.ChannelMessage) {
		t.Errorf("events = %v", rec.Topics())
	}
}

func TestBroadcastToChannel(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, CreateOpts{Name: "x", Participants: []string{"a", "b", "c"}})

	recipients, err := m.BroadcastToChannel(ctx, ch.ID, &models.Message{
		Type: models.MessageBroadcast, FromAgentID: "b", Content: "standup",
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(recipients)
	if !reflect.DeepEqual(recipients, []string{"a", "c"}) {
		t.Errorf("recipients = %v", recipients)
	}
	msgs, _ := m.GetMessages(ctx, ch.ID, 0)
	if len(msgs) != 1 || msgs[0].Content != "standup" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestCleanupExpiredMessages(t *testing.T) {
	m, _, clk := newTestManager(t, Options{})
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, CreateOpts{Name: "x", Participants: []string{"a"}})

	expired := clk.t.Add(-time.Millisecond)
	old := &models.Message{Type: models.MessageStatus, FromAgentID: "a", ChannelID: ch.ID, Content: "old", ExpiresAt: &expired}
	fresh := &models.Message{Type: models.MessageStatus, FromAgentID: "a", ChannelID: ch.ID, Content: "fresh"}
	for _, msg := range []*models.Message{old, fresh} {
		if err := m.StoreMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	n, err := m.CleanupExpiredMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	msgs, _ := m.GetMessages(ctx, ch.ID, 0)
	if len(msgs) != 1 || msgs[0].Content != "fresh" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestDeleteChannel(t *testing.T) {
	m, rec, _ := newTestManager(t, Options{})
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, CreateOpts{Name: "x", Participants: []string{"a"}})
	_ = m.StoreMessage(ctx, &models.Message{Type: models.MessageStatus, FromAgentID: "a", ChannelID: ch.ID, Content: "x"})

	if err := m.DeleteChannel(ctx, ch.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetChannel(ctx, ch.ID); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("get deleted: %v", err)
	}
	msgs, _ := m.GetMessages(ctx, ch.ID, 0)
	if len(msgs) != 0 {
		t.Errorf("messages survived delete: %d", len(msgs))
	}
	if !contains(rec.Topics(), events.ChannelDeleted) {
		t.Errorf("events = %v", rec.Topics())
	}
}

func TestListChannels(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	ctx := context.Background()
	_, _ = m.CreateChannel(ctx, CreateOpts{Name: "a", SessionID: "s1"})
	_, _ = m.CreateChannel(ctx, CreateOpts{Name: "b", SessionID: "s2"})
	_, _ = m.CreateChannel(ctx, CreateOpts{Name: "c"})

	all, _ := m.ListChannels(ctx, "")
	if len(all) != 3 {
		t.Errorf("all = %d", len(all))
	}
	s1, _ := m.ListChannels(ctx, "s1")
	if len(s1) != 1 || s1[0].Name != "a" {
		t.Errorf("s1 = %+v", s1)
	}
}

func TestStartStop_RunsCleanup(t *testing.T) {
	m, _, clk := newTestManager(t, Options{CleanupInterval: 5 * time.Millisecond})
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, CreateOpts{Name: "x", Participants: []string{"a"}})
	expired := clk.t.Add(-time.Second)
	_ = m.StoreMessage(ctx, &models.Message{Type: models.MessageStatus, FromAgentID: "a", ChannelID: ch.ID, Content: "x", ExpiresAt: &expired})

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, _ := m.GetMessages(ctx, ch.ID, 0)
		if len(msgs) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	msgs, _ := m.GetMessages(ctx, ch.ID, 0)
	if len(msgs) != 0 {
		t.Errorf("cleanup loop did not remove expired message")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
