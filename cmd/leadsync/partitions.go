package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aliest/leadsync/internal/source"
	"github.com/aliest/leadsync/internal/ui"
)

var partitionsCmd = &cobra.Command{
	Use:     "partitions",
	GroupID: "inspect",
	Short:   "List the partitions of the source dataset",
	Long: `List the partitions (spreadsheet tabs or partition files) of the dataset.

Partitions selected by the partitions setting are marked with ✓. When no
partitions are configured every partition is synced.`,
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.DatasetID == "" {
			fmt.Fprintf(os.Stderr, "Error: dataset_id is not configured\n")
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		reader, err := newReader(ctx, cfg, logs.Logger("source"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		available, err := reader.ListPartitions(ctx, cfg.DatasetID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing partitions: %v\n", err)
			os.Exit(1)
		}

		selected, err := source.Resolve(available, cfg.Partitions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), err)
		}
		chosen := make(map[string]bool, len(selected))
		for _, p := range selected {
			chosen[p.ID] = true
		}

		fmt.Printf("\n%s %s (%d partitions)\n\n", ui.RenderAccent("📄"), sourceLabel(cfg), len(available))
		for _, p := range available {
			mark := " "
			if chosen[p.ID] {
				mark = ui.RenderPass("✓")
			}
			fmt.Printf("  %s %-30s %s\n", mark, p.Name, ui.RenderMuted(p.ID))
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
}
