package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/task"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Background task queue commands",
	}

	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskQueueCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskCancelCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		configPath string
		priority   string
		opts       task.CreateOpts
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Priority = models.TaskPriority(priority)
			return runTaskAdd(cmd, configPath, opts)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name (required)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringVar(&priority, "priority", string(models.TaskNormal), "priority (critical, high, normal, low)")
	cmd.Flags().StringVar(&opts.RequiredPersonaType, "persona", "", "persona type allowed to claim the task")
	cmd.Flags().StringVar(&opts.AssignedAgentID, "agent", "", "pin the task to one agent")
	cmd.Flags().BoolVar(&opts.OvernightEligible, "overnight", false, "allow the task to run unattended overnight")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "retry limit (default from config)")
	cmd.MarkFlagRequired("name")
	return cmd
}

func runTaskAdd(cmd *cobra.Command, configPath string, opts task.CreateOpts) error {
	_, d, err := openDaemon(cmd, configPath)
	if err != nil {
		return err
	}
	t, err := d.Tasks.Create(context.Background(), opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued task %s (%s priority)\n", t.ID, t.Priority)
	return nil
}

func newTaskListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		priority   string
		agentID    string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long:  "Lists tasks in queue order with optional filters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := openDaemon(cmd, configPath)
			if err != nil {
				return err
			}
			tasks, err := d.Tasks.List(context.Background(), task.Filter{
				Status:          models.TaskStatus(status),
				Priority:        models.TaskPriority(priority),
				AssignedAgentID: agentID,
				Limit:           limit,
			})
			if err != nil {
				return err
			}
			printTasks(cmd, tasks)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by assigned agent")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func newTaskQueueCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show queued tasks in the order they will be claimed",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := openDaemon(cmd, configPath)
			if err != nil {
				return err
			}
			tasks, err := d.Tasks.GetQueuedTasks(context.Background(), limit)
			if err != nil {
				return err
			}
			printTasks(cmd, tasks)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks")
	return cmd
}

func printTasks(cmd *cobra.Command, tasks []models.Task) {
	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks found.")
		return
	}

	nameWidth := columnWidth(out, 80)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPRIORITY\tAGENT\tRETRIES\tPROGRESS")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d%%\n",
			t.ID, truncate(t.Name, nameWidth), t.Status, t.Priority, orDash(t.AssignedAgentID),
			t.RetryCount, t.MaxRetries, t.Progress)
	}
	w.Flush()
}

func newTaskShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := openDaemon(cmd, configPath)
			if err != nil {
				return err
			}
			t, err := d.Tasks.Get(context.Background(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:          %s\n", t.ID)
			fmt.Fprintf(out, "Name:        %s\n", t.Name)
			fmt.Fprintf(out, "Status:      %s\n", t.Status)
			fmt.Fprintf(out, "Priority:    %s\n", t.Priority)
			fmt.Fprintf(out, "Agent:       %s\n", orDash(t.AssignedAgentID))
			fmt.Fprintf(out, "Persona:     %s\n", orDash(t.RequiredPersonaType))
			fmt.Fprintf(out, "Progress:    %d%%\n", t.Progress)
			fmt.Fprintf(out, "Retries:     %d of %d\n", t.RetryCount, t.MaxRetries)
			fmt.Fprintf(out, "Overnight:   %t\n", t.OvernightEligible)
			fmt.Fprintf(out, "Started:     %s\n", formatTime(t.StartedAt))
			fmt.Fprintf(out, "Completed:   %s\n", formatTime(t.CompletedAt))
			if t.Description != "" {
				fmt.Fprintf(out, "\n%s\n", t.Description)
			}
			if t.Error != "" {
				fmt.Fprintf(out, "\nError: %s\n", t.Error)
			}
			if t.Result != "" {
				fmt.Fprintf(out, "\nResult: %s\n", t.Result)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := openDaemon(cmd, configPath)
			if err != nil {
				return err
			}
			t, err := d.Tasks.UpdateStatus(context.Background(), args[0], models.TaskCancelled, task.StatusOpts{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", t.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
