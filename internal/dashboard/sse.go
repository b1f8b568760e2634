package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/events"
)

// streamBuffer bounds how far a slow client can fall behind before events
// are dropped for it.
const streamBuffer = 64

var keepaliveInterval = 15 * time.Second

// sseEvent is the data frame sent for each bus event.
type sseEvent struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// handleSSE streams bus events matching the optional ?topic= pattern.
func handleSSE(bus Subscriber) gin.HandlerFunc {
	return func(c *gin.Context) {
		pattern := c.DefaultQuery("topic", "*")
		ch := make(chan events.Event, streamBuffer)
		unsubscribe := bus.Subscribe(pattern, func(_ context.Context, ev events.Event) error {
			select {
			case ch <- ev:
			default:
			}
			return nil
		})
		defer unsubscribe()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected", "topic": pattern})
		c.Writer.Flush()

		ctx := c.Request.Context()
		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				writeSSE(c.Writer, "keepalive", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ev := <-ch:
				writeSSE(c.Writer, ev.Topic, sseEvent{Topic: ev.Topic, Timestamp: ev.Timestamp, Payload: ev.Payload})
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
