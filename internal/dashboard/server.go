// Package dashboard serves a read-only JSON API over the orchestration state,
// plus a server-sent event stream of bus events.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/agent"
	"github.com/zulandar/roundhouse/internal/channel"
	"github.com/zulandar/roundhouse/internal/collab"
	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/heartbeat"
	"github.com/zulandar/roundhouse/internal/task"
)

// Subscriber is the part of the event bus the event stream needs.
type Subscriber interface {
	Subscribe(pattern string, handler events.Handler) func()
}

// Deps are the components the API reads from. All are required.
type Deps struct {
	Sessions   *collab.Manager
	Channels   *channel.Manager
	Tasks      *task.Store
	Agents     *agent.Store
	Heartbeats *heartbeat.Engine
	Bus        Subscriber
}

func (d Deps) validate() error {
	switch {
	case d.Sessions == nil:
		return errors.New("dashboard: sessions is required")
	case d.Channels == nil:
		return errors.New("dashboard: channels is required")
	case d.Tasks == nil:
		return errors.New("dashboard: tasks is required")
	case d.Agents == nil:
		return errors.New("dashboard: agents is required")
	case d.Heartbeats == nil:
		return errors.New("dashboard: heartbeats is required")
	case d.Bus == nil:
		return errors.New("dashboard: bus is required")
	}
	return nil
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Deps
	Port int
	Out  io.Writer
}

// NewRouter builds the gin engine serving the API.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, deps)
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts.Deps)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard API running at http://localhost:%d/api\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
