package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/heartbeat"
	"github.com/zulandar/roundhouse/internal/models"
)

func newHeartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Scheduled heartbeat commands",
	}

	cmd.AddCommand(newHeartbeatAddCmd())
	cmd.AddCommand(newHeartbeatListCmd())
	cmd.AddCommand(newHeartbeatTriggerCmd())
	cmd.AddCommand(newHeartbeatSetActiveCmd("pause", "Stop a heartbeat from firing", false))
	cmd.AddCommand(newHeartbeatSetActiveCmd("resume", "Let a paused heartbeat fire again", true))
	cmd.AddCommand(newHeartbeatRemoveCmd())
	return cmd
}

func newHeartbeatAddCmd() *cobra.Command {
	var (
		configPath string
		hb         models.Heartbeat
		interval   time.Duration
		quietStart int
		quietEnd   int
		skipDays   []int
		repo       string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a heartbeat",
		Long: "Registers a proactive message. It fires on --schedule when given, otherwise every --interval, " +
			"outside quiet hours and skip days. --generator names a registered message generator (static, github_pulls).",
		RunE: func(cmd *cobra.Command, args []string) error {
			hb.IntervalMs = interval.Milliseconds()
			if cmd.Flags().Changed("quiet-start") || cmd.Flags().Changed("quiet-end") {
				hb.QuietStart, hb.QuietEnd = &quietStart, &quietEnd
			}
			hb.SkipDays = models.IntList(skipDays)
			if repo != "" {
				hb.Metadata = models.JSONMap{"repo": repo}
			}
			return runHeartbeatAdd(cmd, configPath, &hb)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&hb.UserID, "user", "", "owning user id (required)")
	cmd.Flags().StringVar(&hb.ChannelID, "channel", "", "chat channel to post to (required)")
	cmd.Flags().StringVar(&hb.ChannelType, "channel-type", "", "chat platform of the channel (slack, discord)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "minimum time between sends (default from config)")
	cmd.Flags().StringVar(&hb.Schedule, "schedule", "", "cron expression replacing --interval")
	cmd.Flags().StringVar(&hb.Generator, "generator", "", "message generator name")
	cmd.Flags().StringVar(&hb.Condition, "condition", "", "condition name gating each send")
	cmd.Flags().StringVar(&hb.Message, "message", "", "static message text")
	cmd.Flags().IntVar(&quietStart, "quiet-start", 0, "quiet hours start (0-23)")
	cmd.Flags().IntVar(&quietEnd, "quiet-end", 0, "quiet hours end (0-23)")
	cmd.Flags().IntSliceVar(&skipDays, "skip-days", nil, "weekdays to skip (0=Sunday)")
	cmd.Flags().IntVar(&hb.MaxPerDay, "max-per-day", 0, "daily send limit (0 = unlimited)")
	cmd.Flags().StringVar(&repo, "repo", "", "owner/name repository for the github_pulls generator")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func runHeartbeatAdd(cmd *cobra.Command, configPath string, hb *models.Heartbeat) error {
	_, d, err := openDaemon(cmd, configPath)
	if err != nil {
		return err
	}
	saved, err := d.Heartbeats.Register(context.Background(), hb, heartbeat.Inline{})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Registered heartbeat %s\n", saved.ID)
	if saved.Schedule != "" {
		fmt.Fprintf(out, "Schedule: %s\n", saved.Schedule)
	} else {
		fmt.Fprintf(out, "Interval: %s\n", time.Duration(saved.IntervalMs)*time.Millisecond)
	}
	return nil
}

func newHeartbeatListCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := openDaemon(cmd, configPath)
			if err != nil {
				return err
			}
			hbs, err := d.Heartbeats.List(context.Background(), userID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(hbs) == 0 {
				fmt.Fprintln(out, "No heartbeats found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tCHANNEL\tWHEN\tGENERATOR\tACTIVE\tSENT\tLAST")
			for _, hb := range hbs {
				when := hb.Schedule
				if when == "" {
					when = "every " + (time.Duration(hb.IntervalMs) * time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
					hb.ID, hb.UserID, hb.ChannelID, when, orDash(hb.Generator), hb.Active,
					hb.HeartbeatCount, formatTime(hb.LastHeartbeatAt))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func newHeartbeatTriggerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "trigger <id>",
		Short: "Send a heartbeat now",
		Long:  "Sends a heartbeat immediately, ignoring its schedule, quiet hours, skip days and daily limit. Its condition still applies.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := openDaemon(cmd, configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			out := cmd.OutOrStdout()
			if d.Relay != nil {
				if err := d.Relay.Start(ctx); err != nil {
					return err
				}
				defer d.Relay.Stop()
			} else {
				fmt.Fprintln(out, "No chat platform configured; the heartbeat is recorded but not delivered.")
			}

			sent, err := d.Heartbeats.Trigger(ctx, args[0])
			if err != nil {
				return err
			}
			if sent {
				fmt.Fprintf(out, "Sent heartbeat %s\n", args[0])
			} else {
				fmt.Fprintf(out, "Heartbeat %s skipped by its condition or produced no message\n", args[0])
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newHeartbeatSetActiveCmd(verb, short string, active bool) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := openDaemon(cmd, configPath)
			if err != nil {
				return err
			}
			if err := d.Heartbeats.SetActive(context.Background(), args[0], active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Heartbeat %s active: %t\n", args[0], active)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newHeartbeatRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := openDaemon(cmd, configPath)
			if err != nil {
				return err
			}
			if err := d.Heartbeats.Remove(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed heartbeat %s\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
