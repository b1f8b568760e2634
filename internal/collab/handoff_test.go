package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
	"github.com/zulandar/roundhouse/internal/protocol"
)

func TestRequestHandoff(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess := f.create(t, "lead", "a", "b")

	req, err := f.m.RequestHandoff(ctx, HandoffOpts{
		SessionID: sess.ID, FromAgentID: "a", ToAgentID: "b",
		Task: "write migration", Reason: "db expertise",
		Context: map[string]any{"table": "tasks"},
	})
	if err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}
	if req.ID == "" || req.Accepted != nil {
		t.Errorf("req = %+v", req)
	}

	pending := f.m.GetPendingHandoffsForAgent("b")
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Errorf("pending for b = %+v", pending)
	}
	if len(f.m.GetPendingHandoffsForAgent("a")) != 0 {
		t.Error("a should have no pending handoffs")
	}

	recips := f.disp.recipients()
	if len(recips) != 1 || recips[0] != "b" {
		t.Errorf("deliveries = %v", recips)
	}
	msg := f.disp.got[0].msg
	if msg.Type != models.MessageHandoff || msg.Priority != models.PriorityHigh {
		t.Errorf("handoff message = %+v", msg)
	}
	embedded, err := protocol.DecodeHandoff(msg)
	if err != nil || embedded.ID != req.ID {
		t.Errorf("embedded = %+v, %v", embedded, err)
	}
	if !contains(f.rec.Topics(), events.HandoffRequested) {
		t.Errorf("events = %v", f.rec.Topics())
	}
}

func TestRequestHandoff_NonParticipants(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess := f.create(t, "lead", "a")

	tests := []struct {
		name string
		opts HandoffOpts
		want error
	}{
		{"unknown session", HandoffOpts{SessionID: "nope", FromAgentID: "a", ToAgentID: "lead", Task: "t"}, orcherr.ErrNotFound},
		{"both outsiders", HandoffOpts{SessionID: sess.ID, FromAgentID: "x", ToAgentID: "y", Task: "t"}, orcherr.ErrInvalidOperation},
		{"target outsider", HandoffOpts{SessionID: sess.ID, FromAgentID: "a", ToAgentID: "y", Task: "t"}, orcherr.ErrInvalidOperation},
		{"self", HandoffOpts{SessionID: sess.ID, FromAgentID: "a", ToAgentID: "a", Task: "t"}, orcherr.ErrInvalidOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.RequestHandoff(ctx, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if n := len(f.m.PendingHandoffs()); n != 0 {
		t.Errorf("pending = %d after failed requests", n)
	}
}

func TestAcceptHandoff(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess := f.create(t, "lead", "a", "b")
	req, _ := f.m.RequestHandoff(ctx, HandoffOpts{SessionID: sess.ID, FromAgentID: "a", ToAgentID: "b", Task: "t"})

	got, err := f.m.AcceptHandoff(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Accepted == nil || !*got.Accepted || got.CompletedAt == nil {
		t.Errorf("resolved = %+v", got)
	}
	if len(f.m.PendingHandoffs()) != 0 {
		t.Error("accepted handoff should leave the pending set")
	}

	if _, err := f.m.AcceptHandoff(ctx, req.ID); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("second accept: %v", err)
	}

	topics := f.rec.Topics()
	iReq, iAcc, iDone := indexOf(topics, events.HandoffRequested), indexOf(topics, events.HandoffAccepted), indexOf(topics, events.HandoffCompleted)
	if iReq < 0 || iAcc < iReq || iDone < iAcc {
		t.Errorf("event order = %v", topics)
	}

	hist, _ := f.m.History(ctx, sess.ID)
	last := hist[len(hist)-1]
	if last.Type != models.MessageStatus || last.Context["handoff_id"] != req.ID {
		t.Errorf("last history entry = %+v", last)
	}
}

func TestRejectHandoff(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess := f.create(t, "lead", "a", "b")
	req, _ := f.m.RequestHandoff(ctx, HandoffOpts{SessionID: sess.ID, FromAgentID: "a", ToAgentID: "b", Task: "t"})

	got, err := f.m.RejectHandoff(ctx, req.ID, "busy")
	if err != nil {
		t.Fatal(err)
	}
	if got.Accepted == nil || *got.Accepted || got.RejectionReason != "busy" {
		t.Errorf("resolved = %+v", got)
	}
	if !contains(f.rec.Topics(), events.HandoffRejected) {
		t.Errorf("events = %v", f.rec.Topics())
	}
	if _, err := f.m.AcceptHandoff(ctx, req.ID); !errors.Is(err, orcherr.ErrNotFound) {
		t.Errorf("accept after reject: %v", err)
	}
}

func TestCleanup_DropsPendingHandoffs(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess := f.create(t, "lead", "a")
	_, _ = f.m.RequestHandoff(ctx, HandoffOpts{SessionID: sess.ID, FromAgentID: "a", ToAgentID: "lead", Task: "t"})
	_, _ = f.m.CompleteSession(ctx, sess.ID, "")
	f.clk.advance(49 * time.Hour)

	if _, err := f.m.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(f.m.PendingHandoffs()); n != 0 {
		t.Errorf("pending = %d after session cleanup", n)
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
