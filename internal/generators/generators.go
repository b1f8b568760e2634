// Package generators provides the built-in named heartbeat generators and
// conditions.
package generators

import (
	"context"
	"time"

	"github.com/zulandar/roundhouse/internal/heartbeat"
	"github.com/zulandar/roundhouse/internal/models"
)

// Names of the built-in bindings.
const (
	Static      = "static"
	Always      = "always"
	Weekdays    = "weekdays"
	GitHubPulls = "github_pulls"
)

// Registry is the part of the heartbeat engine generators register with.
type Registry interface {
	RegisterGenerator(name string, fn heartbeat.Generator)
	RegisterCondition(name string, fn heartbeat.Condition)
}

// Opts configures RegisterAll.
type Opts struct {
	// Pulls backs the github_pulls generator. Nil leaves it unregistered.
	Pulls PullLister
	// Location decides what "weekday" means. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
}

// RegisterAll registers every built-in binding with r.
func RegisterAll(r Registry, opts Opts) {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r.RegisterGenerator(Static, StaticMessage)
	r.RegisterCondition(Always, func(context.Context, *models.Heartbeat) (bool, error) { return true, nil })
	r.RegisterCondition(Weekdays, WeekdaysIn(opts.Location, opts.Now))
	if opts.Pulls != nil {
		r.RegisterGenerator(GitHubPulls, PullsSummary(opts.Pulls))
	}
}

// StaticMessage returns the heartbeat's configured message.
func StaticMessage(_ context.Context, hb *models.Heartbeat) (string, error) {
	return hb.Message, nil
}

// WeekdaysIn returns a condition that holds Monday through Friday in loc.
func WeekdaysIn(loc *time.Location, now func() time.Time) heartbeat.Condition {
	return func(context.Context, *models.Heartbeat) (bool, error) {
		switch now().In(loc).Weekday() {
		case time.Saturday, time.Sunday:
			return false, nil
		}
		return true, nil
	}
}
