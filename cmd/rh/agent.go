package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/agent"
	"github.com/zulandar/roundhouse/internal/models"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent registry commands",
	}

	cmd.AddCommand(newAgentRegisterCmd())
	cmd.AddCommand(newAgentListCmd())
	return cmd
}

func newAgentRegisterCmd() *cobra.Command {
	var (
		configPath string
		opts       agent.RegisterOpts
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := openDaemon(cmd, configPath)
			if err != nil {
				return err
			}
			a, err := d.Agents.Register(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered agent %s (persona %s)\n", a.ID, a.PersonaID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.ID, "id", "", "agent id (generated when empty)")
	cmd.Flags().StringVar(&opts.PersonaID, "persona-id", "", "persona id (required)")
	cmd.Flags().StringVar(&opts.PersonaType, "persona-type", "", "persona type used to match tasks")
	cmd.Flags().StringVar(&opts.ChannelID, "channel", "", "channel the agent listens on")
	cmd.Flags().StringVar(&opts.ParentAgentID, "parent", "", "parent agent id")
	cmd.MarkFlagRequired("persona-id")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		persona    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := openDaemon(cmd, configPath)
			if err != nil {
				return err
			}
			agents, err := d.Agents.List(context.Background(), agent.Filter{
				Status:      models.AgentStatus(status),
				PersonaType: persona,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(agents) == 0 {
				fmt.Fprintln(out, "No agents found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPERSONA\tTYPE\tSTATUS\tTASK\tPARENT\tLAST ACTIVE")
			for _, a := range agents {
				last := a.LastActiveAt
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.PersonaID, orDash(a.PersonaType), a.Status, orDash(a.CurrentTask),
					orDash(a.ParentAgentID), formatTime(&last))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&persona, "persona-type", "", "filter by persona type")
	return cmd
}
