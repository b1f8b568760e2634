package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/cron"
)

func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron expressions",
	}

	cmd.AddCommand(newCronNextCmd())
	cmd.AddCommand(newCronDescribeCmd())
	cmd.AddCommand(newCronMatchCmd())
	return cmd
}

// parseFrom parses an RFC 3339 flag value, defaulting to now.
func parseFrom(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339", raw)
	}
	return t, nil
}

func newCronNextCmd() *cobra.Command {
	var (
		count int
		from  string
	)

	cmd := &cobra.Command{
		Use:   "next <expr>",
		Short: "Print the next times an expression fires",
		Long:  "Prints the next occurrences of a five-field cron expression or @every interval, strictly after --from.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronNext(cmd, args[0], count, from)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of occurrences")
	cmd.Flags().StringVar(&from, "from", "", "start time in RFC 3339 (default now)")
	return cmd
}

func runCronNext(cmd *cobra.Command, expr string, count int, from string) error {
	if count < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	t, err := parseFrom(from)
	if err != nil {
		return err
	}
	sched, err := cron.Parse(expr)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for n := 0; n < count; n++ {
		t, err = sched.Next(t)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, t.Format(time.RFC3339))
	}
	return nil
}

func newCronDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <expr>",
		Short: "Describe an expression in words",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := cron.Describe(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), desc)
			return nil
		},
	}
}

func newCronMatchCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "match <expr>",
		Short: "Report whether an expression matches a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseFrom(at)
			if err != nil {
				return err
			}
			ok, err := cron.Matches(args[0], t)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s matches %s\n", args[0], t.Format(time.RFC3339))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s does not match %s\n", args[0], t.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "time to test in RFC 3339 (default now)")
	return cmd
}
