package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	lsync "github.com/aliest/leadsync/internal/sync"
	"github.com/aliest/leadsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one reconciliation cycle",
	Long: `Run a single reconciliation cycle and exit.

The cycle validates every configured partition, replaces the stored dataset,
diffs it against the previous contents and pushes new leads to the CRM.
Leads whose CRM call failed earlier are retried after the new ones.

Exit status is 1 when the cycle ends in ERROR. A PARTIAL cycle (some CRM
calls failed) exits 0; the failed leads are retried by the next cycle.

Examples:
  leadsync sync
  leadsync sync --partition "C6 - Capital"
  leadsync sync --no-crm --json`,
	Run: func(cmd *cobra.Command, args []string) {
		partitions, _ := cmd.Flags().GetStringSlice("partition")
		noCRM, _ := cmd.Flags().GetBool("no-crm")
		asJSON, _ := cmd.Flags().GetBool("json")

		if len(partitions) > 0 {
			cfg.Partitions = partitions
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng, err := newEngine(ctx, cfg, !noCRM)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		if !asJSON {
			fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("🔄"), sourceLabel(cfg))
		}

		out := eng.orchestrator.RunCycle(ctx)

		if asJSON {
			data, _ := json.MarshalIndent(out.Summary(), "", "  ")
			fmt.Println(string(data))
		} else {
			printOutcome(out)
		}

		if out.Status == lsync.StatusError {
			eng.Close()
			os.Exit(1)
		}
	},
}

// printOutcome renders a cycle result for the terminal.
func printOutcome(out lsync.Outcome) {
	switch out.Status {
	case lsync.StatusSuccess:
		fmt.Printf("%s Cycle complete in %v\n", ui.RenderPass("✓"), out.Duration().Round(time.Millisecond))
	case lsync.StatusPartial:
		fmt.Printf("%s Cycle complete with CRM failures in %v\n", ui.RenderWarn("⚠"), out.Duration().Round(time.Millisecond))
	default:
		fmt.Printf("%s Cycle failed at %s: %v\n", ui.RenderFail("✗"), out.Stage, out.Err)
	}

	fmt.Println(ui.KeyValue("   Run", out.RunID))
	if out.Status == lsync.StatusError && out.Processed == 0 {
		return
	}

	fmt.Println(ui.KeyValue("   Rows", fmt.Sprintf("%d processed, %d stored, %d rejected, %d duplicates",
		out.Processed, out.Inserted, out.Failed, out.Duplicates)))
	for _, p := range out.Partitions {
		fmt.Println(ui.KeyValue("     "+p.Name, fmt.Sprintf("%d rows, %d rejected", p.Rows, p.Rejected)))
	}

	counts := out.Changes.Counts()
	fmt.Println(ui.KeyValue("   Changes", fmt.Sprintf("%d new, %d removed, %d unchanged",
		counts.New, counts.Removed, counts.Unchanged)))

	prop := out.Propagation
	if prop.Disabled {
		fmt.Println(ui.KeyValue("   CRM", ui.RenderMuted(fmt.Sprintf("disabled, %d pending", prop.Deferred))))
		return
	}
	fmt.Println(ui.KeyValue("   CRM", fmt.Sprintf("%d sent, %d failed, %d skipped, %d deferred",
		prop.Successful, prop.Failed, prop.Skipped, prop.Deferred)))
	for _, s := range prop.Successes {
		fmt.Printf("     %s %s (%s) deal %s\n", ui.RenderPass("+"), s.Company, s.Partition, s.DealID)
	}
	for _, f := range prop.Failures {
		fmt.Printf("     %s %s (%s): %s\n", ui.RenderFail("!"), f.Company, f.Partition, f.Error)
	}
}

func init() {
	syncCmd.Flags().StringSlice("partition", nil, "partition id or name to sync (repeatable, default: config)")
	syncCmd.Flags().Bool("no-crm", false, "skip CRM propagation; new leads stay pending")
	syncCmd.Flags().Bool("json", false, "print the outcome as JSON")
	rootCmd.AddCommand(syncCmd)
}
