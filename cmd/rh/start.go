package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/dashboard"
	"github.com/zulandar/roundhouse/internal/roundhouse"
)

func newStartCmd() *cobra.Command {
	var (
		configPath string
		withAPI    bool
		port       int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the Roundhouse daemon",
		Long:  "Starts channel and session cleanup, the task supervisor, the heartbeat engine and the chat relay. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath, withAPI, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&withAPI, "dashboard", false, "also serve the dashboard API")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "dashboard port (default from config)")
	return cmd
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func dashboardDeps(d *roundhouse.Daemon) dashboard.Deps {
	return dashboard.Deps{
		Sessions:   d.Sessions,
		Channels:   d.Channels,
		Tasks:      d.Tasks,
		Agents:     d.Agents,
		Heartbeats: d.Heartbeats,
		Bus:        d.Bus,
	}
}

func runStart(cmd *cobra.Command, configPath string, withAPI bool, port int) error {
	cfg, d, err := openDaemon(cmd, configPath)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Dashboard.Port
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	apiErr := make(chan error, 1)
	if withAPI {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Deps: dashboardDeps(d),
				Port: port,
				Out:  cmd.OutOrStdout(),
			})
			if err != nil {
				cancel()
			}
			apiErr <- err
		}()
	}

	if err := d.Run(ctx); err != nil {
		return err
	}
	if withAPI {
		return <-apiErr
	}
	return nil
}

func newDashboardCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the read-only dashboard API",
		Long: "Serves the JSON dashboard API over the stored state without running the daemon loops. " +
			"Pending handoffs and live events are only visible through 'rh start --dashboard'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func runDashboard(cmd *cobra.Command, configPath string, port int) error {
	cfg, d, err := openDaemon(cmd, configPath)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Dashboard.Port
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	return dashboard.Start(ctx, dashboard.StartOpts{
		Deps: dashboardDeps(d),
		Port: port,
		Out:  cmd.OutOrStdout(),
	})
}
