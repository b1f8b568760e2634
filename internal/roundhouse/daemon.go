// Package roundhouse wires the stores, managers and engines together from
// configuration and runs their background loops as one daemon.
package roundhouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/zulandar/roundhouse/internal/agent"
	"github.com/zulandar/roundhouse/internal/channel"
	"github.com/zulandar/roundhouse/internal/collab"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/events"
	"github.com/zulandar/roundhouse/internal/generators"
	"github.com/zulandar/roundhouse/internal/heartbeat"
	"github.com/zulandar/roundhouse/internal/protocol"
	"github.com/zulandar/roundhouse/internal/sessionstore"
	"github.com/zulandar/roundhouse/internal/task"
	"github.com/zulandar/roundhouse/internal/telegraph"
	"github.com/zulandar/roundhouse/internal/telegraph/discord"
	"github.com/zulandar/roundhouse/internal/telegraph/slack"
	"gorm.io/gorm"
)

// Opts configures New.
type Opts struct {
	Config *config.Config
	DB     *gorm.DB
	// Adapter overrides the chat adapter chosen by Config.Telegraph.
	Adapter telegraph.Adapter
	// Pulls overrides the GitHub client behind the github_pulls generator.
	Pulls generators.PullLister
	// Dispatcher delivers session messages to agents. Nil drops them after
	// they are recorded.
	Dispatcher collab.Dispatcher
	Location   *time.Location
	Out        io.Writer
	Logger     *log.Logger
	Now        func() time.Time
}

// Daemon holds every component built from one configuration.
type Daemon struct {
	Bus        *events.Bus
	Protocol   *protocol.Engine
	Channels   *channel.Manager
	Sessions   *collab.Manager
	Tasks      *task.Store
	Supervisor *task.Supervisor
	Agents     *agent.Store
	Heartbeats *heartbeat.Engine
	Relay      *telegraph.Relay // nil when no chat platform is configured

	out    io.Writer
	logger *log.Logger
}

// New builds the daemon's components. Nothing runs until Run.
func New(ctx context.Context, opts Opts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("roundhouse: config is required")
	}
	if opts.DB == nil {
		return nil, errors.New("roundhouse: db is required")
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	cfg := opts.Config

	d := &Daemon{
		Bus:    events.NewBus(),
		out:    opts.Out,
		logger: opts.Logger,
	}
	d.Protocol = protocol.NewEngine(protocol.Options{
		Version:        cfg.Protocol.Version,
		DefaultTTL:     cfg.Protocol.DefaultTTL(),
		MaxMessageSize: cfg.Protocol.MaxMessageSizeBytes,
		RequireAck:     cfg.Protocol.RequireAcknowledgment,
		Now:            opts.Now,
	})

	store := sessionstore.New(opts.DB)
	var err error
	d.Channels, err = channel.New(channel.Options{
		Store:                     store,
		Events:                    d.Bus,
		MaxChannelsPerSession:     cfg.Channels.MaxChannelsPerSession,
		MaxParticipantsPerChannel: cfg.Channels.MaxParticipantsPerChannel,
		MessageRetention:          cfg.Channels.Retention(),
		CleanupInterval:           cfg.Channels.CleanupInterval(),
		Logger:                    opts.Logger,
		Now:                       opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("roundhouse: %w", err)
	}
	d.Sessions, err = collab.New(collab.Options{
		Store:           store,
		Channels:        d.Channels,
		Protocol:        d.Protocol,
		Events:          d.Bus,
		Dispatcher:      opts.Dispatcher,
		MaxParticipants: cfg.Sessions.MaxParticipants,
		MaxDuration:     cfg.Sessions.MaxDuration(),
		CleanupAfter:    cfg.Sessions.CleanupAfter(),
		CleanupInterval: cfg.Sessions.CleanupInterval(),
		Logger:          opts.Logger,
		Now:             opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("roundhouse: %w", err)
	}

	d.Tasks, err = task.NewStore(task.StoreOpts{
		DB:                opts.DB,
		DefaultMaxRetries: cfg.Tasks.DefaultMaxRetries,
		Now:               opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("roundhouse: %w", err)
	}
	d.Supervisor, err = task.NewSupervisor(task.SupervisorOpts{
		Store:    d.Tasks,
		Events:   d.Bus,
		Timeout:  cfg.Tasks.Timeout(),
		Interval: cfg.Tasks.SweepInterval(),
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("roundhouse: %w", err)
	}
	d.Agents, err = agent.NewStore(opts.DB, opts.Now)
	if err != nil {
		return nil, fmt.Errorf("roundhouse: %w", err)
	}

	var quiet *heartbeat.QuietHours
	if q := cfg.Heartbeat.DefaultQuietHours; q != nil {
		quiet = &heartbeat.QuietHours{Start: q.Start, End: q.End}
	}
	d.Heartbeats, err = heartbeat.NewEngine(heartbeat.Options{
		Store:             heartbeat.NewStore(opts.DB),
		Events:            d.Bus,
		TickInterval:      cfg.Heartbeat.TickInterval(),
		DefaultInterval:   cfg.Heartbeat.DefaultInterval(),
		DefaultQuietHours: quiet,
		Location:          opts.Location,
		Logger:            opts.Logger,
		Now:               opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("roundhouse: %w", err)
	}
	pulls := opts.Pulls
	if pulls == nil {
		pulls = generators.NewPullsClient(ctx, cfg.GitHub.Token)
	}
	generators.RegisterAll(d.Heartbeats, generators.Opts{Pulls: pulls, Location: opts.Location, Now: opts.Now})

	adapter := opts.Adapter
	if adapter == nil {
		adapter, err = NewAdapter(cfg.Telegraph)
		if err != nil {
			return nil, fmt.Errorf("roundhouse: %w", err)
		}
	}
	if adapter != nil {
		d.Relay, err = telegraph.NewRelay(telegraph.RelayOpts{
			Adapter:      adapter,
			Bus:          d.Bus,
			Platform:     cfg.Telegraph.Platform,
			AlertChannel: cfg.Telegraph.Channel,
			Logger:       opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("roundhouse: %w", err)
		}
	}
	return d, nil
}

// NewAdapter returns the chat adapter for cfg, or nil when no platform is
// configured.
func NewAdapter(cfg config.TelegraphConfig) (telegraph.Adapter, error) {
	switch cfg.Platform {
	case "":
		return nil, nil
	case "slack":
		a, err := slack.New(slack.AdapterOpts{BotToken: cfg.SlackToken, ChannelID: cfg.Channel})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "discord":
		a, err := discord.New(discord.AdapterOpts{BotToken: cfg.DiscordToken, ChannelID: cfg.Channel})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown telegraph platform %q", cfg.Platform)
	}
}

type component struct {
	name  string
	start func(context.Context) error
	stop  func()
}

// Run starts every background loop, blocks until ctx is cancelled, then
// stops them in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	components := []component{
		{"channel cleanup", d.Channels.Start, d.Channels.Stop},
		{"session cleanup", d.Sessions.Start, d.Sessions.Stop},
		{"task supervisor", d.Supervisor.Start, d.Supervisor.Stop},
	}
	if d.Relay != nil {
		// The relay subscribes before the heartbeat engine can publish.
		components = append(components, component{"telegraph relay", d.Relay.Start, func() {
			if err := d.Relay.Stop(); err != nil {
				d.logger.Printf("roundhouse: stop telegraph relay: %v", err)
			}
		}})
	}
	components = append(components, component{"heartbeat engine", d.Heartbeats.Start, d.Heartbeats.Stop})

	var started []component
	stopAll := func() {
		for i := len(started) - 1; i >= 0; i-- {
			started[i].stop()
			fmt.Fprintf(d.out, "Stopped %s\n", started[i].name)
		}
	}
	for _, c := range components {
		if err := c.start(ctx); err != nil {
			stopAll()
			return fmt.Errorf("roundhouse: start %s: %w", c.name, err)
		}
		started = append(started, c)
		fmt.Fprintf(d.out, "Started %s\n", c.name)
	}

	fmt.Fprintf(d.out, "Roundhouse running. Press Ctrl+C to stop.\n")
	<-ctx.Done()
	fmt.Fprintf(d.out, "Shutting down...\n")
	stopAll()
	return nil
}
