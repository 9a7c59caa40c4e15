// Package config loads leadsync settings from a config file, LEADSYNC_*
// environment variables and legacy variable names, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	lsync "github.com/aliest/leadsync/internal/sync"
)

// FileName is the config file base name searched for by Load.
const FileName = "leadsync"

// Source kinds.
const (
	SourceSheets = "sheets"
	SourceDir    = "dir"
)

// Config is the effective configuration.
type Config struct {
	DatasetID  string   `toml:"dataset_id" mapstructure:"dataset_id"`
	Partitions []string `toml:"partitions" mapstructure:"partitions"`

	Source    SourceConfig    `toml:"source" mapstructure:"source"`
	Database  DatabaseConfig  `toml:"database" mapstructure:"database"`
	CRM       CRMConfig       `toml:"crm" mapstructure:"crm"`
	Sync      SyncConfig      `toml:"sync" mapstructure:"sync"`
	Dashboard DashboardConfig `toml:"dashboard" mapstructure:"dashboard"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
}

type SourceConfig struct {
	Kind            string        `toml:"kind" mapstructure:"kind"`
	Dir             string        `toml:"dir,omitempty" mapstructure:"dir"`
	CredentialsFile string        `toml:"credentials_file,omitempty" mapstructure:"credentials_file"`
	CredentialsJSON string        `toml:"credentials_json,omitempty" mapstructure:"credentials_json"`
	APIKey          string        `toml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL         string        `toml:"base_url,omitempty" mapstructure:"base_url"`
	RateLimit       float64       `toml:"rate_limit" mapstructure:"rate_limit"`
	Timeout         time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Driver           string        `toml:"driver" mapstructure:"driver"`
	DSN              string        `toml:"dsn" mapstructure:"dsn"`
	StatementTimeout time.Duration `toml:"statement_timeout" mapstructure:"statement_timeout"`
}

type CRMConfig struct {
	WebhookURL        string            `toml:"webhook_url,omitempty" mapstructure:"webhook_url"`
	Timeout           time.Duration     `toml:"timeout" mapstructure:"timeout"`
	RateLimit         float64           `toml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst         int               `toml:"rate_burst" mapstructure:"rate_burst"`
	CategoryID        string            `toml:"category_id" mapstructure:"category_id"`
	StageEntity       string            `toml:"stage_entity" mapstructure:"stage_entity"`
	ContactTaxIDField string            `toml:"contact_tax_id_field" mapstructure:"contact_tax_id_field"`
	DealTaxIDField    string            `toml:"deal_tax_id_field" mapstructure:"deal_tax_id_field"`
	DealChannelField  string            `toml:"deal_channel_field" mapstructure:"deal_channel_field"`
	DealBankField     string            `toml:"deal_bank_field" mapstructure:"deal_bank_field"`
	Banks             map[string]string `toml:"banks" mapstructure:"banks"`
}

type SyncConfig struct {
	Interval        time.Duration `toml:"interval" mapstructure:"interval"`
	MaxRetries      int           `toml:"max_retries" mapstructure:"max_retries"`
	RetryDelay      time.Duration `toml:"retry_delay" mapstructure:"retry_delay"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxPerCycle     int           `toml:"max_per_cycle" mapstructure:"max_per_cycle"`
	MaxAttempts     int           `toml:"max_attempts" mapstructure:"max_attempts"`
	ReportSuccesses int           `toml:"report_successes" mapstructure:"report_successes"`
	ReportFailures  int           `toml:"report_failures" mapstructure:"report_failures"`
	Watch           bool          `toml:"watch" mapstructure:"watch"`
}

type DashboardConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	Port    int  `toml:"port" mapstructure:"port"`
}

type LogConfig struct {
	File       string `toml:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// legacyEnv maps the variable names of older deployments onto keys.
// Values are seconds for the *_SECONDS names.
var legacyEnv = []struct {
	env     string
	key     string
	seconds bool
}{
	{env: "SPREADSHEET_ID", key: "dataset_id"},
	{env: "BITRIX_URL", key: "crm.webhook_url"},
	{env: "SYNC_INTERVAL_SECONDS", key: "sync.interval", seconds: true},
	{env: "MAX_RETRIES", key: "sync.max_retries"},
	{env: "RETRY_DELAY_SECONDS", key: "sync.retry_delay", seconds: true},
	{env: "DATABASE_URL", key: "database.dsn"},
	{env: "GOOGLE_CREDENTIALS_JSON", key: "source.credentials_json"},
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Partitions: []string{},
		Source: SourceConfig{
			Kind:      SourceSheets,
			RateLimit: 1,
			Timeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:           "sqlite",
			DSN:              "leadsync.db",
			StatementTimeout: 60 * time.Second,
		},
		CRM: CRMConfig{
			Timeout:           30 * time.Second,
			RateLimit:         2,
			RateBurst:         2,
			CategoryID:        "4",
			StageEntity:       "DEAL_STAGE_4",
			ContactTaxIDField: "UF_CRM_1734528621",
			DealTaxIDField:    "UF_CRM_1741653424",
			DealChannelField:  "UF_CRM_1748264680989",
			DealBankField:     "UF_CRM_1743684072273",
			Banks: map[string]string{
				"C6":        "116",
				"BS2":       "118",
				"SANTANDER": "120",
			},
		},
		Sync: SyncConfig{
			Interval:        300 * time.Second,
			MaxRetries:      3,
			RetryDelay:      60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxPerCycle:     50,
			MaxAttempts:     5,
			ReportSuccesses: 5,
			ReportFailures:  3,
		},
		Dashboard: DashboardConfig{Port: 8080},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// New returns a viper instance with defaults, search paths and environment
// bindings installed. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigName(FileName)
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "leadsync"))
	}
	v.AddConfigPath("/etc/leadsync")

	v.SetEnvPrefix("LEADSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("dataset_id", d.DatasetID)
	v.SetDefault("partitions", d.Partitions)

	v.SetDefault("source.kind", d.Source.Kind)
	v.SetDefault("source.dir", d.Source.Dir)
	v.SetDefault("source.credentials_file", d.Source.CredentialsFile)
	v.SetDefault("source.credentials_json", d.Source.CredentialsJSON)
	v.SetDefault("source.api_key", d.Source.APIKey)
	v.SetDefault("source.base_url", d.Source.BaseURL)
	v.SetDefault("source.rate_limit", d.Source.RateLimit)
	v.SetDefault("source.timeout", d.Source.Timeout)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.statement_timeout", d.Database.StatementTimeout)

	v.SetDefault("crm.webhook_url", d.CRM.WebhookURL)
	v.SetDefault("crm.timeout", d.CRM.Timeout)
	v.SetDefault("crm.rate_limit", d.CRM.RateLimit)
	v.SetDefault("crm.rate_burst", d.CRM.RateBurst)
	v.SetDefault("crm.category_id", d.CRM.CategoryID)
	v.SetDefault("crm.stage_entity", d.CRM.StageEntity)
	v.SetDefault("crm.contact_tax_id_field", d.CRM.ContactTaxIDField)
	v.SetDefault("crm.deal_tax_id_field", d.CRM.DealTaxIDField)
	v.SetDefault("crm.deal_channel_field", d.CRM.DealChannelField)
	v.SetDefault("crm.deal_bank_field", d.CRM.DealBankField)
	v.SetDefault("crm.banks", d.CRM.Banks)

	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.retry_delay", d.Sync.RetryDelay)
	v.SetDefault("sync.shutdown_timeout", d.Sync.ShutdownTimeout)
	v.SetDefault("sync.max_per_cycle", d.Sync.MaxPerCycle)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.report_successes", d.Sync.ReportSuccesses)
	v.SetDefault("sync.report_failures", d.Sync.ReportFailures)
	v.SetDefault("sync.watch", d.Sync.Watch)

	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// Load reads the config file (path, or the search paths when empty),
// applies environment overrides and decodes the result. A missing file is
// not an error when searching.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := applyLegacyEnv(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// viper lowercases map keys; bank prefixes are matched upper case.
	banks := make(map[string]string, len(cfg.CRM.Banks))
	for prefix, id := range cfg.CRM.Banks {
		banks[strings.ToUpper(prefix)] = id
	}
	cfg.CRM.Banks = banks
	return cfg, nil
}

// applyLegacyEnv sets keys from legacy variables unless the LEADSYNC_
// variable for the same key is present.
func applyLegacyEnv(v *viper.Viper) error {
	for _, alias := range legacyEnv {
		value, ok := os.LookupEnv(alias.env)
		if !ok || value == "" {
			continue
		}
		prefixed := "LEADSYNC_" + strings.ToUpper(strings.ReplaceAll(alias.key, ".", "_"))
		if _, set := os.LookupEnv(prefixed); set {
			continue
		}
		if alias.seconds {
			d, err := time.ParseDuration(value + "s")
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", alias.env, value, err)
			}
			v.Set(alias.key, d)
			continue
		}
		v.Set(alias.key, value)
	}
	return nil
}

// Validate checks the values needed to run a cycle. Failures are
// *sync.ConfigError.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DatasetID) == "":
		return &lsync.ConfigError{Field: "dataset_id", Reason: "is required"}
	case c.Source.Kind != SourceSheets && c.Source.Kind != SourceDir:
		return &lsync.ConfigError{Field: "source.kind", Reason: fmt.Sprintf("unknown kind %q", c.Source.Kind)}
	case c.Source.Kind == SourceDir && c.Source.Dir == "":
		return &lsync.ConfigError{Field: "source.dir", Reason: "is required for the dir source"}
	case c.Database.DSN == "":
		return &lsync.ConfigError{Field: "database.dsn", Reason: "is required"}
	case c.Sync.Interval <= 0:
		return &lsync.ConfigError{Field: "sync.interval", Reason: "must be positive"}
	case c.Sync.MaxRetries < 0:
		return &lsync.ConfigError{Field: "sync.max_retries", Reason: "must not be negative"}
	case c.Sync.MaxPerCycle < 0:
		return &lsync.ConfigError{Field: "sync.max_per_cycle", Reason: "must not be negative"}
	case c.Sync.MaxAttempts <= 0:
		return &lsync.ConfigError{Field: "sync.max_attempts", Reason: "must be positive"}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "libsql":
	default:
		return &lsync.ConfigError{Field: "database.driver", Reason: fmt.Sprintf("unknown driver %q", c.Database.Driver)}
	}
	return nil
}

// CredentialsJSON returns the service account key, reading
// source.credentials_file when the inline value is empty.
func (c *Config) CredentialsJSON() ([]byte, error) {
	if c.Source.CredentialsJSON != "" {
		return []byte(c.Source.CredentialsJSON), nil
	}
	if c.Source.CredentialsFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Source.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return data, nil
}

const redacted = "********"

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Source.CredentialsJSON != "" {
		out.Source.CredentialsJSON = redacted
	}
	if out.Source.APIKey != "" {
		out.Source.APIKey = redacted
	}
	if out.CRM.WebhookURL != "" {
		out.CRM.WebhookURL = redactURL(out.CRM.WebhookURL)
	}
	out.Database.DSN = redactDSN(out.Database.DSN)
	return &out
}

// redactURL keeps the host of a webhook and masks the token path.
func redactURL(u string) string {
	scheme := ""
	rest := u
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme, rest = rest[:i+3], rest[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		return scheme + rest[:i] + "/" + redacted
	}
	return scheme + rest
}

// redactDSN masks the password in URL-style DSNs.
func redactDSN(dsn string) string {
	i := strings.Index(dsn, "://")
	if i < 0 {
		return dsn
	}
	at := strings.LastIndex(dsn, "@")
	if at < i {
		return dsn
	}
	userinfo := dsn[i+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return dsn[:i+3] + userinfo[:colon] + ":" + redacted + dsn[at:]
	}
	return dsn
}

// EncodeTOML renders c as TOML.
func EncodeTOML(c *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes c to path as TOML. An existing file is kept unless
// overwrite is set.
func WriteFile(path string, c *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := EncodeTOML(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
