package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/zulandar/roundhouse/internal/collab"
	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/heartbeat"
	"github.com/zulandar/roundhouse/internal/task"
)

// Subscriber is the part of the event bus the relay consumes.
type Subscriber interface {
	Subscribe(pattern string, handler events.Handler) (unsubscribe func())
}

// RelayOpts configures a Relay.
type RelayOpts struct {
	Adapter Adapter
	Bus     Subscriber
	// Platform names the adapter's platform ("slack", "discord"). Heartbeats
	// whose channel type names another platform are left alone.
	Platform string
	// AlertChannel receives lifecycle alerts (failed sessions, exhausted
	// tasks, handoffs). Empty disables alerts.
	AlertChannel string
	Logger       *log.Logger
}

// Relay forwards heartbeat.send events, and optionally lifecycle alerts, to
// a chat platform.
type Relay struct {
	adapter      Adapter
	bus          Subscriber
	platform     string
	alertChannel string
	logger       *log.Logger

	mu     sync.Mutex
	unsubs []func()
}

// NewRelay creates a Relay. Adapter and Bus are required.
func NewRelay(opts RelayOpts) (*Relay, error) {
	if opts.Adapter == nil {
		return nil, errors.New("telegraph: adapter is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("telegraph: bus is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Relay{
		adapter:      opts.Adapter,
		bus:          opts.Bus,
		platform:     opts.Platform,
		alertChannel: opts.AlertChannel,
		logger:       opts.Logger,
	}, nil
}

// Start connects the adapter and subscribes to the bus.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.unsubs) > 0 {
		return errors.New("telegraph: relay already started")
	}
	if err := r.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}
	r.unsubs = append(r.unsubs, r.bus.Subscribe(events.HeartbeatSend, r.handleHeartbeat))
	if r.alertChannel != "" {
		for _, topic := range []string{
			events.SessionFailed,
			events.SessionCompleted,
			events.TaskExhausted,
			events.HandoffRequested,
			events.HandoffAccepted,
			events.HandoffRejected,
		} {
			r.unsubs = append(r.unsubs, r.bus.Subscribe(topic, r.handleAlert))
		}
	}
	return nil
}

// Stop unsubscribes and closes the adapter.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	return r.adapter.Close()
}

// handleHeartbeat delivers a heartbeat. Delivery errors are returned so the
// heartbeat engine leaves the heartbeat unstamped and retries it.
func (r *Relay) handleHeartbeat(ctx context.Context, ev events.Event) error {
	send, ok := ev.Payload.(heartbeat.SendEvent)
	if !ok {
		return fmt.Errorf("telegraph: unexpected %s payload %T", ev.Topic, ev.Payload)
	}
	if send.ChannelType != "" && r.platform != "" && send.ChannelType != r.platform {
		return nil
	}
	err := r.adapter.Send(ctx, OutboundMessage{ChannelID: send.ChannelID, Text: send.Message})
	if err != nil {
		r.logger.Printf("telegraph: deliver heartbeat %s to %s: %v", send.HeartbeatID, send.ChannelID, err)
		return err
	}
	return nil
}

// handleAlert posts a formatted lifecycle event. Failures are logged only.
func (r *Relay) handleAlert(ctx context.Context, ev events.Event) error {
	var formatted FormattedEvent
	switch p := ev.Payload.(type) {
	case collab.SessionEvent:
		formatted = FormatSessionEvent(p)
	case task.ReclaimEvent:
		formatted = FormatTaskEvent(p)
	case collab.HandoffEvent:
		formatted = FormatHandoff(p)
	default:
		r.logger.Printf("telegraph: no format for %s payload %T", ev.Topic, ev.Payload)
		return nil
	}
	msg := OutboundMessage{
		ChannelID: r.alertChannel,
		Text:      formatted.Title,
		Events:    []FormattedEvent{formatted},
	}
	if err := r.adapter.Send(ctx, msg); err != nil {
		r.logger.Printf("telegraph: post %s alert: %v", ev.Topic, err)
	}
	return nil
}
