package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aliest/leadsync/internal/config"
	"github.com/aliest/leadsync/internal/daemon"
	"github.com/aliest/leadsync/internal/dashboard"
	"github.com/aliest/leadsync/internal/metrics"
	"github.com/aliest/leadsync/internal/source"
	lsync "github.com/aliest/leadsync/internal/sync"
	"github.com/aliest/leadsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run reconciliation cycles continuously",
	Long: `Run reconciliation cycles on a fixed interval until interrupted.

A cycle that ends in ERROR is retried up to sync.max_retries times,
sync.retry_delay apart. PARTIAL cycles are not retried; their failed CRM
calls are picked up by the next cycle.

With --watch and a directory source, changes to partition files trigger a
cycle early. With --dashboard, a monitoring server exposes:
  ws://localhost:8080/ws        live cycle feed
  http://localhost:8080/health  scheduler health
  http://localhost:8080/stats   scheduler and dataset statistics
  http://localhost:8080/metrics Prometheus metrics

SIGINT or SIGTERM lets the cycle in flight finish (at most
sync.shutdown_timeout) before exiting.`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("watch") {
			cfg.Sync.Watch, _ = cmd.Flags().GetBool("watch")
		}
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng, err := newEngine(ctx, cfg, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		collector := metrics.New()

		var server *dashboard.Server
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(&dashboard.Config{
				Port:    cfg.Dashboard.Port,
				Store:   eng.store,
				Metrics: collector.Handler(),
				Logger:  logs.Logger("dashboard"),
			})
		}
		handler := dashboard.NewHandler(server, collector, logs.Logger("dashboard"))

		scheduler, err := daemon.New(eng.orchestrator, &daemon.Config{
			Interval:        cfg.Sync.Interval,
			MaxRetries:      cfg.Sync.MaxRetries,
			RetryDelay:      cfg.Sync.RetryDelay,
			ShutdownTimeout: cfg.Sync.ShutdownTimeout,
			RunOnStart:      true,
			OnCycle: func(out lsync.Outcome) {
				handler.OnCycle(out)
				printOutcome(out)
			},
			Logger: logs.Logger("daemon"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating scheduler: %v\n", err)
			os.Exit(1)
		}

		if server != nil {
			server.SetScheduler(scheduler)
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer server.Stop()
		}

		var watcher *daemon.Watcher
		if cfg.Sync.Watch {
			watcher, err = newWatcher(eng, scheduler)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		fmt.Printf("%s Starting leadsync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Println(ui.KeyValue("   Source", sourceLabel(cfg)))
		fmt.Println(ui.KeyValue("   Database", cfg.Redacted().Database.DSN))
		fmt.Println(ui.KeyValue("   Interval", cfg.Sync.Interval.String()))
		if cfg.CRM.WebhookURL == "" {
			fmt.Println(ui.KeyValue("   CRM", ui.RenderWarn("disabled (no crm.webhook_url)")))
		}
		if watcher != nil {
			fmt.Println(ui.KeyValue("   Watching", eng.reader.(*source.DirReader).DatasetDir(cfg.DatasetID)))
		}
		if server != nil {
			fmt.Println(ui.KeyValue("   Dashboard", "http://"+server.GetAddr()))
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := scheduler.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting scheduler: %v\n", err)
			os.Exit(1)
		}
		if watcher != nil {
			if err := watcher.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting watcher: %v\n", err)
				_ = scheduler.Stop()
				os.Exit(1)
			}
		}

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if watcher != nil {
			_ = watcher.Stop()
		}
		if err := scheduler.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}

		stats := scheduler.Stats()
		fmt.Printf("%s Stopped after %d cycles (%.0f%% successful, %d retries)\n",
			ui.RenderPass("✓"), stats.TotalCycles, stats.SuccessRate(), stats.Retries)
	},
}

// newWatcher triggers early cycles on partition file changes. Only the
// directory source has files to watch.
func newWatcher(eng *engine, scheduler *daemon.Scheduler) (*daemon.Watcher, error) {
	dir, ok := eng.reader.(*source.DirReader)
	if !ok || cfg.Source.Kind != config.SourceDir {
		return nil, fmt.Errorf("--watch requires source.kind = %q", config.SourceDir)
	}
	return daemon.NewWatcher(dir.DatasetDir(cfg.DatasetID), 0, scheduler.Trigger, logs.Logger("watch"))
}

func init() {
	daemonCmd.Flags().Bool("watch", false, "trigger a cycle when partition files change (dir source)")
	daemonCmd.Flags().Bool("dashboard", false, "serve the monitoring dashboard")
	daemonCmd.Flags().Int("port", 8080, "dashboard port")
	rootCmd.AddCommand(daemonCmd)
}
