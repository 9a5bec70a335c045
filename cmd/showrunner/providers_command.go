package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"showrunner/internal/logging"
)

func newProvidersCommand(ctx *commandContext) *cobra.Command {
	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect the provider pool",
	}
	providersCmd.AddCommand(newProvidersStatusCommand(ctx))
	return providersCmd
}

func newProvidersStatusCommand(ctx *commandContext) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show provider health, circuits, and ranking",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := ctx.buildManager(logging.NewNop())
			if err != nil {
				return err
			}
			if probe {
				mgr.CheckNow(cmd.Context())
			}

			statuses := mgr.Statuses()
			if len(statuses) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No providers configured")
				return nil
			}
			rows := make([][]string, 0, len(statuses))
			for _, status := range statuses {
				lastCheck := "never"
				if !status.LastCheck.IsZero() {
					lastCheck = status.LastCheck.Local().Format(time.RFC3339)
				}
				rows = append(rows, []string{
					status.Name,
					string(status.Health),
					string(status.Circuit),
					fmt.Sprintf("%.0f ms", status.LatencyMS),
					fmt.Sprintf("%.0f%%", status.SuccessRate*100),
					fmt.Sprintf("%.2f", status.Score),
					lastCheck,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Provider", "Health", "Circuit", "Latency", "Success", "Score", "Last Check"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "Run a live health check before rendering")
	return cmd
}
