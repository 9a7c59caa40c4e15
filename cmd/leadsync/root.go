package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aliest/leadsync/internal/config"
	"github.com/aliest/leadsync/internal/logging"
	"github.com/aliest/leadsync/internal/ui"
)

// skipConfig marks commands that run without loading the config file.
const skipConfig = "skip-config"

var (
	v       = config.New()
	cfg     *config.Config
	logs    *logging.Output
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "leadsync",
	Short: "Reconcile spreadsheet leads into a database and a CRM",
	Long: `leadsync mirrors a partitioned lead spreadsheet into a relational store and
pushes new leads to the CRM.

Every cycle validates all partitions, replaces the stored dataset atomically,
diffs fingerprints against the previous contents and propagates the new
records. A failed validation leaves the stored dataset untouched.

Configuration is read from leadsync.toml (., ~/.config/leadsync, /etc/leadsync)
and LEADSYNC_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			ui.DisableColor()
		}
		if cmd.Annotations[skipConfig] == "true" {
			return nil
		}

		loaded, err := config.Load(v, cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return err
		}
		cfg = loaded

		logs, err = logging.New(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "config file (default: search leadsync.toml)")
	flags.String("dataset", "", "spreadsheet id or dataset directory name")
	flags.String("db", "", "database dsn")
	flags.String("db-driver", "", "database driver: sqlite, postgres or libsql")
	flags.String("log-file", "", "also write logs to this file, rotated")
	flags.Bool("no-color", false, "disable colored output")

	// Flags override the config key only when set on the command line.
	_ = v.BindPFlag("dataset_id", flags.Lookup("dataset"))
	_ = v.BindPFlag("database.dsn", flags.Lookup("db"))
	_ = v.BindPFlag("database.driver", flags.Lookup("db-driver"))
	_ = v.BindPFlag("log.file", flags.Lookup("log-file"))
}
