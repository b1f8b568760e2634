package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
)

func TestNewRequest(t *testing.T) {
	msg := NewRequest("a", "b", "ch", "hello", nil)
	if msg.Type != models.MessageRequest || msg.ToAgentID != "b" || msg.Priority != models.PriorityNormal {
		t.Errorf("msg = %+v", msg)
	}
	if msg.ID == "" || msg.Timestamp.IsZero() {
		t.Error("id and timestamp should be set")
	}
}

func TestNewResponse(t *testing.T) {
	req := NewRequest("a", "b", "ch", "hello", nil)
	resp := NewResponse(req, "b", "hi", nil)
	if resp.Type != models.MessageResponse {
		t.Errorf("type = %s", resp.Type)
	}
	if resp.ToAgentID != "a" || resp.ChannelID != "ch" || resp.ReplyToMessageID != req.ID {
		t.Errorf("resp = %+v", resp)
	}
}

func TestNewBroadcast(t *testing.T) {
	msg := NewBroadcast("a", "ch", "all hands", nil)
	if msg.Type != models.MessageBroadcast || msg.ToAgentID != "" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestNewHandoff_AndDecode(t *testing.T) {
	req := &HandoffRequest{
		ID:          "h-1",
		SessionID:   "s-1",
		FromAgentID: "a",
		ToAgentID:   "b",
		Task:        "write tests",
		Reason:      "specialist",
		RequestedAt: time.Now(),
	}
	msg := NewHandoff(req, "ch")
	if msg.Type != models.MessageHandoff || msg.Priority != models.PriorityHigh {
		t.Errorf("type/priority = %s/%s", msg.Type, msg.Priority)
	}
	if msg.ToAgentID != "b" {
		t.Errorf("to = %q", msg.ToAgentID)
	}

	got, err := DecodeHandoff(msg)
	if err != nil {
		t.Fatalf("DecodeHandoff: %v", err)
	}
	if got != req {
		t.Error("in-process decode should return the embedded request")
	}
}

func TestDecodeHandoff_AfterJSONRoundTrip(t *testing.T) {
	msg := NewHandoff(&HandoffRequest{ID: "h-2", SessionID: "s", FromAgentID: "a", ToAgentID: "b", Task: "t"}, "ch")
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	got, err := DecodeHandoff(&back)
	if err != nil {
		t.Fatalf("DecodeHandoff: %v", err)
	}
	if got.ID != "h-2" || got.Task != "t" {
		t.Errorf("got = %+v", got)
	}
}

func TestDecodeHandoff_WrongType(t *testing.T) {
	_, err := DecodeHandoff(NewRequest("a", "b", "ch", "x", nil))
	if !errors.Is(err, orcherr.ErrInvalidOperation) {
		t.Errorf("err = %v", err)
	}
}

func TestDecodeHandoff_Missing(t *testing.T) {
	msg := NewRequest("a", "b", "ch", "x", nil)
	msg.Type = models.MessageHandoff
	_, err := DecodeHandoff(msg)
	if !errors.Is(err, orcherr.ErrValidationFailed) {
		t.Errorf("err = %v", err)
	}
}
