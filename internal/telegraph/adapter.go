// Package telegraph relays orchestration events to chat platforms (Slack,
// Discord).
package telegraph

import "context"

// Adapter is the interface platform-specific implementations satisfy. The
// relay only sends, so adapters need no inbound listener.
type Adapter interface {
	// Connect authenticates with the chat platform.
	Connect(ctx context.Context) error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close releases the platform connection.
	Close() error
}

// OutboundMessage is a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string           // target channel; empty uses the adapter default
	ThreadID  string           // thread to reply in (empty for top-level)
	Text      string           // message text (platform-native formatting)
	Events    []FormattedEvent // structured event attachments
}

// FormattedEvent is an orchestration event formatted for display in chat.
type FormattedEvent struct {
	Title    string  // event headline (e.g. "Session release-notes failed")
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}
