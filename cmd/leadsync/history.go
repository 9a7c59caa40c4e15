package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/aliest/leadsync/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "inspect",
	Short:   "List recent reconciliation cycles",
	Long: `List cycles recorded in the sync log, newest first.

--since accepts a date (2024-05-01), a duration (36h) or natural language
such as "yesterday", "last monday" or "3 days ago".

Examples:
  leadsync history
  leadsync history --limit 50
  leadsync history --since yesterday`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		sinceText, _ := cmd.Flags().GetString("since")
		asJSON, _ := cmd.Flags().GetBool("json")

		var since time.Time
		if sinceText != "" {
			var err error
			since, err = parseSince(sinceText, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		store, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		runs, err := store.RecentRunsContext(ctx, limit, since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync log: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			data, _ := json.MarshalIndent(runs, "", "  ")
			fmt.Println(string(data))
			return
		}

		if len(runs) == 0 {
			fmt.Println(ui.RenderMuted("No cycles recorded"))
			return
		}

		for _, run := range runs {
			duration := "running"
			if !run.FinishedAt.IsZero() {
				duration = run.Duration().Round(time.Millisecond).String()
			}
			fmt.Printf("%s  %-8s %s  processed %d, inserted %d, updated %d, failed %d  (%s)\n",
				run.StartedAt.Local().Format("2006-01-02 15:04:05"),
				ui.RenderStatus(run.Status),
				ui.RenderMuted(shortID(run.RunID)),
				run.Processed, run.Inserted, run.Updated, run.Failed,
				duration,
			)
			if run.ErrorMessage != "" {
				fmt.Printf("    %s\n", ui.RenderFail(run.ErrorMessage))
			}
		}
	},
}

// parseSince turns a date, a duration or a natural-language phrase into a
// point in time before now.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t, nil
		}
	}
	if d, err := time.ParseDuration(text); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a date, duration or phrase", text)
	}
	return r.Time, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of cycles to show")
	historyCmd.Flags().String("since", "", `only cycles started after this time ("yesterday", "2024-05-01", "36h")`)
	historyCmd.Flags().Bool("json", false, "print runs as JSON")
	rootCmd.AddCommand(historyCmd)
}
