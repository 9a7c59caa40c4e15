package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/aliest/leadsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show dataset and sync status",
	Long: `Display the state of the stored dataset.

Shows:
  - Stored leads, total and per partition
  - CRM propagation state counts
  - Cycle totals by status, success rate and the last run`,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		leads, err := store.CountLeadsContext(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting leads: %v\n", err)
			os.Exit(1)
		}
		byPartition, err := store.CountByPartitionContext(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting partitions: %v\n", err)
			os.Exit(1)
		}
		propagation, err := store.PropagationCountsContext(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading propagation status: %v\n", err)
			os.Exit(1)
		}
		summary, err := store.RunSummaryContext(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync log: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s leadsync status\n\n", ui.RenderAccent("📊"))
		fmt.Println(ui.KeyValue("Database", cfg.Redacted().Database.DSN))
		fmt.Println(ui.KeyValue("Leads", fmt.Sprintf("%d", leads)))
		for _, name := range sortedKeys(byPartition) {
			fmt.Println(ui.KeyValue("  "+name, fmt.Sprintf("%d", byPartition[name])))
		}

		fmt.Println()
		fmt.Println(ui.RenderHeader("CRM propagation"))
		if len(propagation) == 0 {
			fmt.Println(ui.RenderMuted("no leads propagated yet"))
		}
		for _, status := range sortedKeys(propagation) {
			fmt.Println(ui.KeyValue(status, fmt.Sprintf("%d", propagation[status])))
		}

		fmt.Println()
		fmt.Println(ui.RenderHeader("Cycles"))
		if summary.Total == 0 {
			fmt.Println(ui.RenderMuted("no cycles recorded"))
			fmt.Println()
			return
		}
		fmt.Println(ui.KeyValue("Total", fmt.Sprintf("%d", summary.Total)))
		for _, status := range sortedKeys(summary.ByStatus) {
			fmt.Println(ui.KeyValue(ui.RenderStatus(status), fmt.Sprintf("%d", summary.ByStatus[status])))
		}
		fmt.Println(ui.KeyValue("Success rate", fmt.Sprintf("%.1f%%", summary.SuccessRate())))
		if !summary.LastSuccess.IsZero() {
			fmt.Println(ui.KeyValue("Last success", summary.LastSuccess.Local().Format("2006-01-02 15:04:05")))
		}
		if last := summary.LastRun; last != nil {
			line := fmt.Sprintf("%s %s", ui.RenderStatus(last.Status), last.StartedAt.Local().Format("2006-01-02 15:04:05"))
			if last.ErrorMessage != "" {
				line += " " + ui.RenderMuted(last.ErrorMessage)
			}
			fmt.Println(ui.KeyValue("Last run", line))
		}
		fmt.Println()
	},
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
