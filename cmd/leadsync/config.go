package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aliest/leadsync/internal/config"
	"github.com/aliest/leadsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a leadsync.toml config file",
	Long: `Write a config file with the defaults and the given settings.

When stdin is a terminal the settings are prompted for. Use --yes to accept
the flags and defaults without prompting.

Examples:
  leadsync config init
  leadsync config init --dataset 1AbC... --webhook https://example.bitrix24.com.br/rest/1/token --yes`,
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		yes, _ := cmd.Flags().GetBool("yes")

		c := config.Default()
		c.DatasetID, _ = cmd.Flags().GetString("dataset")
		c.CRM.WebhookURL, _ = cmd.Flags().GetString("webhook")
		if dsn, _ := cmd.Flags().GetString("db"); dsn != "" {
			c.Database.DSN = dsn
		}
		if driver, _ := cmd.Flags().GetString("db-driver"); driver != "" {
			c.Database.Driver = driver
		}

		if !yes && term.IsTerminal(int(os.Stdin.Fd())) {
			if err := promptConfig(c); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Aborted")
					return
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if err := c.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := config.WriteFile(path, c, force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if !force {
				fmt.Fprintf(os.Stderr, "Use --force to overwrite\n")
			}
			os.Exit(1)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		if c.CRM.WebhookURL == "" {
			fmt.Printf("%s crm.webhook_url is empty; new leads will stay pending until it is set\n", ui.RenderWarn("⚠"))
		}
	},
}

// promptConfig asks for the settings that have no usable default.
func promptConfig(c *config.Config) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Source").
				Options(
					huh.NewOption("Google Sheets", config.SourceSheets),
					huh.NewOption("Local directory", config.SourceDir),
				).
				Value(&c.Source.Kind),
			huh.NewInput().
				Title("Dataset").
				Description("Spreadsheet id, or the directory name under the source directory").
				Value(&c.DatasetID).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("dataset is required")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Source directory").
				Value(&c.Source.Dir),
		).WithHideFunc(func() bool { return c.Source.Kind != config.SourceDir }),
		huh.NewGroup(
			huh.NewInput().
				Title("Service account key file").
				Description("Leave empty to use an API key or GOOGLE_CREDENTIALS_JSON").
				Value(&c.Source.CredentialsFile),
		).WithHideFunc(func() bool { return c.Source.Kind != config.SourceSheets }),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Database driver").
				Options(huh.NewOptions("sqlite", "postgres", "libsql")...).
				Value(&c.Database.Driver),
			huh.NewInput().
				Title("Database DSN").
				Description("File path for sqlite, connection URL otherwise").
				Value(&c.Database.DSN),
			huh.NewInput().
				Title("CRM webhook URL").
				Description("Leave empty to disable CRM propagation").
				Value(&c.CRM.WebhookURL),
		),
	)
	return form.Run()
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := config.EncodeTOML(cfg.Redacted())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# config file: %s\n", used)
		} else {
			fmt.Println("# no config file found; defaults and environment")
		}
		fmt.Print(string(data))

		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "\n%s %v\n", ui.RenderWarn("⚠"), err)
		}
	},
}

func init() {
	configInitCmd.Flags().String("path", "leadsync.toml", "where to write the config file")
	configInitCmd.Flags().String("webhook", "", "CRM webhook URL")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configInitCmd.Flags().BoolP("yes", "y", false, "do not prompt")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
