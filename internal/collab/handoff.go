package collab

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
	"github.com/zulandar/roundhouse/internal/protocol"
)

// HandoffOpts describes a handoff request.
type HandoffOpts struct {
	SessionID   string
	FromAgentID string
	ToAgentID   string
	Task        string
	Reason      string
	Context     map[string]any
}

// HandoffEvent is the payload of handoff:* events.
type HandoffEvent struct {
	Handoff protocol.HandoffRequest `json:"handoff"`
}

// RequestHandoff proposes moving a task from one participant to another.
// The request is held as pending and a handoff message is sent to the
// target through the session's channel.
func (m *Manager) RequestHandoff(ctx context.Context, opts HandoffOpts) (*protocol.HandoffRequest, error) {
	sess, err := m.GetSession(ctx, opts.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionActive {
		return nil, fmt.Errorf("collab: session %s is %s: %w", sess.ID, sess.Status, orcherr.ErrNotActive)
	}
	for _, agentID := range []string{opts.FromAgentID, opts.ToAgentID} {
		if !sess.Participants.Contains(agentID) {
			return nil, fmt.Errorf("collab: handoff: %q is not a participant of session %s: %w",
				agentID, sess.ID, orcherr.ErrInvalidOperation)
		}
	}
	if opts.FromAgentID == opts.ToAgentID {
		return nil, fmt.Errorf("collab: handoff: %s cannot hand off to itself: %w", opts.FromAgentID, orcherr.ErrInvalidOperation)
	}
	if opts.Task == "" {
		return nil, fmt.Errorf("collab: handoff: task is required: %w", orcherr.ErrInvalidOperation)
	}

	req := &protocol.HandoffRequest{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		FromAgentID: opts.FromAgentID,
		ToAgentID:   opts.ToAgentID,
		Task:        opts.Task,
		Reason:      opts.Reason,
		Context:     cloneMap(opts.Context),
		RequestedAt: m.now(),
	}

	m.mu.Lock()
	m.pending[req.ID] = req
	m.mu.Unlock()

	msg := protocol.NewHandoff(copyRequest(req), sess.ChannelID)
	msg.Timestamp = req.RequestedAt
	if err := m.SendMessage(ctx, sess.ID, msg); err != nil {
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("collab: handoff %s: %w", req.ID, err)
	}

	out := copyRequest(req)
	m.emit(ctx, events.HandoffRequested, HandoffEvent{Handoff: *out})
	return out, nil
}

// AcceptHandoff resolves a pending handoff as accepted. An id that is not
// pending, including one already resolved, fails with ErrNotFound.
func (m *Manager) AcceptHandoff(ctx context.Context, handoffID string) (*protocol.HandoffRequest, error) {
	return m.resolve(ctx, handoffID, true, "")
}

// RejectHandoff resolves a pending handoff as rejected with reason.
func (m *Manager) RejectHandoff(ctx context.Context, handoffID, reason string) (*protocol.HandoffRequest, error) {
	return m.resolve(ctx, handoffID, false, reason)
}

func (m *Manager) resolve(ctx context.Context, handoffID string, accepted bool, reason string) (*protocol.HandoffRequest, error) {
	m.mu.Lock()
	req, ok := m.pending[handoffID]
	if ok {
		delete(m.pending, handoffID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("collab: handoff %s is not pending: %w", handoffID, orcherr.ErrNotFound)
	}

	now := m.now()
	req.Accepted = &accepted
	req.CompletedAt = &now
	req.RejectionReason = reason

	verb, topic := "accepted", events.HandoffAccepted
	if !accepted {
		verb, topic = "rejected", events.HandoffRejected
	}
	m.recordResolution(ctx, req, verb)

	out := copyRequest(req)
	m.emit(ctx, topic, HandoffEvent{Handoff: *out})
	m.emit(ctx, events.HandoffCompleted, HandoffEvent{Handoff: *out})
	return out, nil
}

// recordResolution appends a status message to the session history and
// tells the requester. The session may have ended meanwhile, so failures
// are logged rather than returned.
func (m *Manager) recordResolution(ctx context.Context, req *protocol.HandoffRequest, verb string) {
	sess, err := m.store.GetSession(ctx, req.SessionID)
	if err != nil {
		m.logger.Printf("collab: record handoff %s: %v", req.ID, err)
		return
	}
	content := fmt.Sprintf("handoff %s: %s", verb, req.Task)
	if req.RejectionReason != "" {
		content += " (" + req.RejectionReason + ")"
	}
	status := protocol.NewStatus(req.ToAgentID, sess.ChannelID, content, map[string]any{
		"handoff_id": req.ID,
		"accepted":   *req.Accepted,
	})
	status.ToAgentID = req.FromAgentID
	status.Timestamp = *req.CompletedAt
	m.protocol.Stamp(status)

	if err := m.store.AppendHistory(ctx, sess.ID, status); err != nil {
		m.logger.Printf("collab: record handoff %s: %v", req.ID, err)
	}
	m.deliver(ctx, []string{req.FromAgentID}, status)
}

// GetPendingHandoffsForAgent returns the pending handoffs addressed to
// agentID, oldest first.
func (m *Manager) GetPendingHandoffsForAgent(agentID string) []*protocol.HandoffRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*protocol.HandoffRequest
	for _, req := range m.pending {
		if req.ToAgentID == agentID {
			out = append(out, copyRequest(req))
		}
	}
	sortRequests(out)
	return out
}

// PendingHandoffs returns a snapshot of every pending handoff, oldest first.
func (m *Manager) PendingHandoffs() []*protocol.HandoffRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.HandoffRequest, 0, len(m.pending))
	for _, req := range m.pending {
		out = append(out, copyRequest(req))
	}
	sortRequests(out)
	return out
}

func (m *Manager) dropPendingForSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, req := range m.pending {
		if req.SessionID == sessionID {
			delete(m.pending, id)
		}
	}
}

func sortRequests(reqs []*protocol.HandoffRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].RequestedAt.Equal(reqs[j].RequestedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
	})
}

func copyRequest(req *protocol.HandoffRequest) *protocol.HandoffRequest {
	out := *req
	out.Context = cloneMap(req.Context)
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
