package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/aliest/leadsync/internal/config"
	"github.com/aliest/leadsync/internal/crm"
	"github.com/aliest/leadsync/internal/db"
	"github.com/aliest/leadsync/internal/source"
	lsync "github.com/aliest/leadsync/internal/sync"
)

// openStore opens the configured database and bootstraps its schema.
func openStore(c *config.Config) (*db.DB, error) {
	store, err := db.OpenWithOptions(db.Options{
		Driver:           c.Database.Driver,
		DSN:              c.Database.DSN,
		StatementTimeout: c.Database.StatementTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newReader builds the configured source reader.
func newReader(ctx context.Context, c *config.Config, logger *log.Logger) (source.Reader, error) {
	switch c.Source.Kind {
	case config.SourceDir:
		return source.NewDirReader(c.Source.Dir)
	case config.SourceSheets:
		creds, err := c.CredentialsJSON()
		if err != nil {
			return nil, err
		}
		sc := source.DefaultSheetsConfig()
		sc.CredentialsJSON = creds
		sc.APIKey = c.Source.APIKey
		if c.Source.BaseURL != "" {
			sc.BaseURL = c.Source.BaseURL
		}
		if c.Source.RateLimit > 0 {
			sc.RateLimit = c.Source.RateLimit
		}
		if c.Source.Timeout > 0 {
			sc.Timeout = c.Source.Timeout
		}
		sc.Logger = logger
		return source.NewSheetsReader(ctx, sc)
	default:
		return nil, &lsync.ConfigError{Field: "source.kind", Reason: fmt.Sprintf("unknown kind %q", c.Source.Kind)}
	}
}

// newCRM returns nil when no webhook is configured, which disables
// propagation.
func newCRM(c *config.Config, logger *log.Logger) (crm.Client, error) {
	if strings.TrimSpace(c.CRM.WebhookURL) == "" {
		return nil, nil
	}
	cc := crm.DefaultConfig()
	cc.WebhookURL = c.CRM.WebhookURL
	cc.Timeout = c.CRM.Timeout
	cc.RateLimit = c.CRM.RateLimit
	cc.RateBurst = c.CRM.RateBurst
	cc.CategoryID = c.CRM.CategoryID
	cc.StageEntity = c.CRM.StageEntity
	cc.ContactTaxIDField = c.CRM.ContactTaxIDField
	cc.DealTaxIDField = c.CRM.DealTaxIDField
	cc.DealChannelField = c.CRM.DealChannelField
	cc.DealBankField = c.CRM.DealBankField
	if len(c.CRM.Banks) > 0 {
		cc.Banks = c.CRM.Banks
	}
	cc.Logger = logger

	client, err := crm.NewBitrix(cc)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// sourceLabel is the source recorded in the audit log.
func sourceLabel(c *config.Config) string {
	if c.Source.Kind == config.SourceDir {
		return "dir:" + c.Source.Dir
	}
	return "sheets:" + c.DatasetID
}

// engine is a wired orchestrator with the collaborators it owns.
type engine struct {
	orchestrator *lsync.Orchestrator
	reader       source.Reader
	store        *db.DB
}

func (e *engine) Close() error {
	return e.store.Close()
}

// newEngine validates the config and wires an orchestrator. withCRM false
// disables propagation for this run.
func newEngine(ctx context.Context, c *config.Config, withCRM bool) (*engine, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	reader, err := newReader(ctx, c, logs.Logger("source"))
	if err != nil {
		return nil, err
	}

	var client crm.Client
	if withCRM {
		client, err = newCRM(c, logs.Logger("crm"))
		if err != nil {
			return nil, err
		}
	}

	store, err := openStore(c)
	if err != nil {
		return nil, err
	}

	options := lsync.DefaultOptions(c.DatasetID)
	options.Partitions = c.Partitions
	options.Source = sourceLabel(c)
	options.FetchTimeout = c.Source.Timeout
	options.StatementTimeout = c.Database.StatementTimeout
	options.CRMTimeout = c.CRM.Timeout
	options.MaxPerCycle = c.Sync.MaxPerCycle
	options.MaxAttempts = c.Sync.MaxAttempts
	options.ReportSuccesses = c.Sync.ReportSuccesses
	options.ReportFailures = c.Sync.ReportFailures

	orchestrator, err := lsync.New(lsync.Deps{
		Reader: reader,
		Store:  store,
		CRM:    client,
		Logger: logs.Logger("sync"),
	}, options)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &engine{orchestrator: orchestrator, reader: reader, store: store}, nil
}
