package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"showrunner/internal/flags"
)

func newFlagsCommand(ctx *commandContext) *cobra.Command {
	flagsCmd := &cobra.Command{
		Use:   "flags",
		Short: "Manage feature flags and kill switches",
	}

	flagsCmd.AddCommand(newFlagsListCommand(ctx))
	flagsCmd.AddCommand(newFlagsSetCommand(ctx))
	flagsCmd.AddCommand(newFlagsKillCommand(ctx))

	return flagsCmd
}

func newFlagsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List feature flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openFlags()
			if err != nil {
				return err
			}
			all := store.List()
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No flags defined")
				return nil
			}
			rows := make([][]string, 0, len(all))
			for _, flag := range all {
				rollback := ""
				if flag.AutoRollback != nil {
					rollback = fmt.Sprintf("%d failures / %s", flag.AutoRollback.FailureThreshold, flag.AutoRollback.Window)
				}
				rows = append(rows, []string{
					flag.Name,
					yesNo(flag.Enabled),
					yesNo(flag.Experimental),
					rollback,
					flag.UpdatedAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Flag", "Enabled", "Experimental", "Auto-Rollback", "Updated"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newFlagsSetCommand(ctx *commandContext) *cobra.Command {
	var rollbackFailures int
	var rollbackWindow time.Duration

	cmd := &cobra.Command{
		Use:   "set <name> <true|false>",
		Short: "Enable or disable a feature flag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("parse flag value %q: %w", args[1], err)
			}
			store, err := ctx.openFlags()
			if err != nil {
				return err
			}
			var rollback *flags.AutoRollback
			if rollbackFailures > 0 {
				rollback = &flags.AutoRollback{
					FailureThreshold: rollbackFailures,
					Window:           rollbackWindow,
				}
			}
			if err := store.Set(args[0], enabled, rollback); err != nil {
				return err
			}
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Flag %s %s\n", args[0], state)
			return nil
		},
	}

	cmd.Flags().IntVar(&rollbackFailures, "rollback-failures", 0, "Auto-disable after this many reported failures")
	cmd.Flags().DurationVar(&rollbackWindow, "rollback-window", 5*time.Minute, "Failure counting window for auto-rollback")
	return cmd
}

func newFlagsKillCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "kill-experimental",
		Short: "Emergency-disable every experimental flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openFlags()
			if err != nil {
				return err
			}
			count, err := store.EmergencyKillAllExperimental()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Disabled %d experimental flag(s)\n", count)
			return nil
		},
	}
}
