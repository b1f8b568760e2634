// Package events provides the in-process publish/subscribe bus that carries
// lifecycle notifications (channel:*, session:*, handoff:*, heartbeat.send)
// from the orchestration core to interested subscribers.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Topics published by the orchestration core.
const (
	ChannelCreated = "channel:created"
	ChannelClosed  = "channel:closed"
	ChannelDeleted = "channel:deleted"
	ChannelJoined  = "channel:joined"
	ChannelLeft    = "channel:left"
	ChannelMessage = "channel:message"

	SessionCreated            = "session:created"
	SessionPaused             = "session:paused"
	SessionResumed            = "session:resumed"
	SessionCompleted          = "session:completed"
	SessionFailed             = "session:failed"
	SessionDeleted            = "session:deleted"
	SessionParticipantAdded   = "session:participant_added"
	SessionParticipantRemoved = "session:participant_removed"
	SessionMessage            = "session:message"

	HandoffRequested = "handoff:requested"
	HandoffAccepted  = "handoff:accepted"
	HandoffRejected  = "handoff:rejected"
	HandoffCompleted = "handoff:completed"

	HeartbeatSend = "heartbeat.send"

	TaskReclaimed = "task:reclaimed"
	TaskExhausted = "task:exhausted"
)

// Event is a single published notification.
type Event struct {
	Topic     string
	Timestamp time.Time
	Payload   any
}

// Handler receives events for a subscription.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the capability components need to emit events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus is an in-process Publisher with topic subscriptions. Patterns are an
// exact topic, a prefix ending in "*" ("session:*"), or "*" for everything.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   int
	now      func() time.Time
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		now:      time.Now,
	}
}

// Publish delivers the event synchronously to every matching handler.
// Handlers run outside the lock so they may publish or subscribe themselves.
// All handlers run even if some fail; the first failure is returned.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	ev := Event{Topic: topic, Timestamp: b.now(), Payload: payload}

	b.mu.RLock()
	var targets []Handler
	for pattern, entries := range b.handlers {
		if !matches(pattern, topic) {
			continue
		}
		for _, e := range entries {
			targets = append(targets, e.handler)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("events: publish %s: %d handler error(s): %w", topic, len(errs), errs[0])
	}
	return nil
}

// Subscribe registers handler for topics matching pattern. The returned
// function removes the subscription.
func (b *Bus) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[pattern] = append(b.handlers[pattern], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[pattern]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, pattern)
		} else {
			b.handlers[pattern] = filtered
		}
	}
}

func matches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return false
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, any) error { return nil }

// Recorder is a Publisher that keeps every event, for tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records the event.
func (r *Recorder) Publish(_ context.Context, topic string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Topic: topic, Timestamp: time.Now(), Payload: payload})
	return nil
}

// Topics returns the recorded topics in publish order.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Topic
	}
	return out
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
