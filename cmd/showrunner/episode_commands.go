package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"showrunner/internal/config"
	"showrunner/internal/episode"
	"showrunner/internal/logging"
)

func newEpisodeCommand(ctx *commandContext) *cobra.Command {
	episodeCmd := &cobra.Command{
		Use:   "episode",
		Short: "Manage podcast episodes",
	}

	episodeCmd.AddCommand(newEpisodeAddCommand(ctx))
	episodeCmd.AddCommand(newEpisodeListCommand(ctx))
	episodeCmd.AddCommand(newEpisodeShowCommand(ctx))
	episodeCmd.AddCommand(newEpisodeRunCommand(ctx))
	episodeCmd.AddCommand(newEpisodeAbortCommand(ctx))

	return episodeCmd
}

func newEpisodeAddCommand(ctx *commandContext) *cobra.Command {
	var episodeID string
	var budget float64

	cmd := &cobra.Command{
		Use:   "add <topic>",
		Short: "Queue a new episode for production",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := strings.TrimSpace(args[0])
			if topic == "" {
				return fmt.Errorf("episode topic is required")
			}
			return ctx.withStore(func(cfg *config.Config, store *episode.Store) error {
				limit := budget
				if limit <= 0 {
					limit = cfg.Budget.MaxEpisodeCost
				}
				id := strings.TrimSpace(episodeID)
				if id == "" {
					id = "ep-" + time.Now().UTC().Format("20060102-150405")
				}
				ep, err := store.NewEpisode(cmd.Context(), id, topic, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued episode %s (budget %s)\n", ep.EpisodeID, usd(ep.BudgetLimit))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&episodeID, "id", "", "Explicit episode identifier (defaults to a timestamp id)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "Episode budget in USD (defaults to the configured maximum)")
	return cmd
}

func newEpisodeListCommand(ctx *commandContext) *cobra.Command {
	var statusFilters []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List episodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *episode.Store) error {
				var statuses []episode.Status
				for _, raw := range statusFilters {
					statuses = append(statuses, episode.Status(strings.ToLower(strings.TrimSpace(raw))))
				}
				episodes, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(episodes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No episodes")
					return nil
				}
				rows := make([][]string, 0, len(episodes))
				for _, ep := range episodes {
					rows = append(rows, []string{
						ep.EpisodeID,
						ep.Topic,
						string(ep.Status),
						ep.CurrentStage,
						usd(ep.TotalCost),
						usd(ep.BudgetLimit),
						yesNo(ep.NeedsReview),
					})
				}
				out := renderTable(
					[]string{"Episode", "Topic", "Status", "Stage", "Spent", "Budget", "Review"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statusFilters, "status", nil, "Filter by status (pending, producing, review, completed, failed)")
	return cmd
}

func newEpisodeShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <episode-id>",
		Short: "Show one episode with its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *episode.Store) error {
				ep, err := store.GetByEpisodeID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ep == nil {
					return fmt.Errorf("episode %s not found", args[0])
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Episode:  %s\n", ep.EpisodeID)
				fmt.Fprintf(out, "Topic:    %s\n", ep.Topic)
				fmt.Fprintf(out, "Status:   %s\n", ep.Status)
				if ep.CurrentStage != "" {
					fmt.Fprintf(out, "Stage:    %s\n", ep.CurrentStage)
				}
				fmt.Fprintf(out, "Cost:     %s of %s\n", usd(ep.TotalCost), usd(ep.BudgetLimit))
				if ep.AudioPath != "" {
					fmt.Fprintf(out, "Audio:    %s\n", ep.AudioPath)
				}
				if ep.NeedsReview {
					fmt.Fprintf(out, "Review:   %s\n", ep.ReviewReason)
				}
				if ep.ErrorMessage != "" {
					fmt.Fprintf(out, "Error:    %s\n", ep.ErrorMessage)
				}

				records, err := store.StageRecords(cmd.Context(), ep.EpisodeID)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, record := range records {
					started := ""
					if record.StartedAt != nil {
						started = record.StartedAt.Local().Format(time.RFC3339)
					}
					detail := record.OutputRef
					if record.ErrorContext != "" {
						detail = record.ErrorContext
					}
					rows = append(rows, []string{
						record.Stage,
						string(record.Status),
						started,
						usd(record.CostUSD),
						detail,
					})
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderTable(
					[]string{"Stage", "Status", "Started", "Cost", "Detail"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
}

func newEpisodeRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <episode-id>",
		Short: "Produce one episode in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *episode.Store) error {
				logger, err := logging.NewFromConfig(cfg)
				if err != nil {
					return err
				}
				orch, mgr, err := ctx.buildOrchestrator(logger, store, nil)
				if err != nil {
					return err
				}

				runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()
				go func() {
					_ = mgr.Run(runCtx)
				}()

				if err := orch.Run(runCtx, args[0]); err != nil {
					return err
				}
				ep, err := store.GetByEpisodeID(cmd.Context(), args[0])
				if err != nil || ep == nil {
					return err
				}
				switch ep.Status {
				case episode.StatusCompleted:
					fmt.Fprintf(cmd.OutOrStdout(), "Episode %s completed: %s spent, audio at %s\n",
						ep.EpisodeID, usd(ep.TotalCost), ep.AudioPath)
				case episode.StatusReview:
					fmt.Fprintf(cmd.OutOrStdout(), "Episode %s needs review: %s\n", ep.EpisodeID, ep.ReviewReason)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "Episode %s finished in state %s\n", ep.EpisodeID, ep.Status)
				}
				return nil
			})
		},
	}
}

func newEpisodeAbortCommand(ctx *commandContext) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Fail all in-flight episodes (recovery after a crashed daemon)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *episode.Store) error {
				count, err := store.FailInFlight(cmd.Context(), reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %d in-flight episode(s) as failed\n", count)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "aborted by operator", "Failure reason stored on the episodes")
	return cmd
}
