package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// costRow mirrors one line of the episode cost audit log.
type costRow struct {
	EpisodeID    string
	Agent        string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Characters   int
	CostUSD      float64
	Operation    string
}

func newCostCommand(ctx *commandContext) *cobra.Command {
	costCmd := &cobra.Command{
		Use:   "cost",
		Short: "Cost reporting from the audit log",
	}
	costCmd.AddCommand(newCostReportCommand(ctx))
	return costCmd
}

func newCostReportCommand(ctx *commandContext) *cobra.Command {
	var episodeFilter string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize spend per episode from the cost audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			rows, err := readCostLog(filepath.Join(cfg.Paths.LogDir, "episode_costs.csv"))
			if err != nil {
				return err
			}
			if episodeFilter != "" {
				filtered := rows[:0]
				for _, row := range rows {
					if row.EpisodeID == episodeFilter {
						filtered = append(filtered, row)
					}
				}
				rows = filtered
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cost entries recorded")
				return nil
			}

			out := cmd.OutOrStdout()
			if episodeFilter != "" {
				fmt.Fprintln(out, renderAgentBreakdown(rows))
				return nil
			}
			fmt.Fprintln(out, renderEpisodeTotals(rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&episodeFilter, "episode", "", "Break a single episode down per agent")
	return cmd
}

func readCostLog(path string) ([]costRow, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open cost log: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var rows []costRow
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse cost log: %w", err)
		}
		if first {
			first = false
			continue // header
		}
		if len(record) < 12 {
			continue
		}
		rows = append(rows, costRow{
			EpisodeID:    record[1],
			Agent:        record[2],
			Provider:     record[3],
			Model:        record[4],
			InputTokens:  atoiOrZero(record[5]),
			OutputTokens: atoiOrZero(record[6]),
			Characters:   atoiOrZero(record[7]),
			CostUSD:      atofOrZero(record[8]),
			Operation:    record[11],
		})
	}
	return rows, nil
}

func renderEpisodeTotals(rows []costRow) string {
	type total struct {
		cost    float64
		entries int
		tokens  int
	}
	totals := make(map[string]*total)
	for _, row := range rows {
		t := totals[row.EpisodeID]
		if t == nil {
			t = &total{}
			totals[row.EpisodeID] = t
		}
		t.cost += row.CostUSD
		t.entries++
		t.tokens += row.InputTokens + row.OutputTokens
	}

	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var grand float64
	tableRows := make([][]string, 0, len(ids)+1)
	for _, id := range ids {
		t := totals[id]
		grand += t.cost
		tableRows = append(tableRows, []string{
			id,
			strconv.Itoa(t.entries),
			strconv.Itoa(t.tokens),
			usd(t.cost),
		})
	}
	tableRows = append(tableRows, []string{"total", "", "", usd(grand)})
	return renderTable(
		[]string{"Episode", "Entries", "Tokens", "Cost"},
		tableRows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
	)
}

func renderAgentBreakdown(rows []costRow) string {
	type total struct {
		cost     float64
		provider string
		entries  int
	}
	totals := make(map[string]*total)
	var grand float64
	for _, row := range rows {
		t := totals[row.Agent]
		if t == nil {
			t = &total{provider: row.Provider}
			totals[row.Agent] = t
		}
		t.cost += row.CostUSD
		t.entries++
		grand += row.CostUSD
	}

	agents := make([]string, 0, len(totals))
	for agent := range totals {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	tableRows := make([][]string, 0, len(agents)+1)
	for _, agent := range agents {
		t := totals[agent]
		tableRows = append(tableRows, []string{agent, t.provider, strconv.Itoa(t.entries), usd(t.cost)})
	}
	tableRows = append(tableRows, []string{"total", "", "", usd(grand)})
	return renderTable(
		[]string{"Agent", "Provider", "Entries", "Cost"},
		tableRows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
	)
}

func atoiOrZero(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func atofOrZero(value string) float64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}
