package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/aliest/leadsync/internal/crm"
	"github.com/aliest/leadsync/internal/db"
	"github.com/aliest/leadsync/internal/schema"
	"github.com/aliest/leadsync/internal/source"
)

// fakeReader serves partitions from memory.
type fakeReader struct {
	partitions []source.Partition
	fail       map[string]error
	fetched    []string
}

func (r *fakeReader) ListPartitions(ctx context.Context, datasetID string) ([]source.PartitionInfo, error) {
	infos := make([]source.PartitionInfo, 0, len(r.partitions))
	for _, p := range r.partitions {
		infos = append(infos, source.PartitionInfo{ID: p.ID, Name: p.Name})
	}
	return infos, nil
}

func (r *fakeReader) FetchPartition(ctx context.Context, datasetID, partitionID string) (*source.Partition, error) {
	r.fetched = append(r.fetched, partitionID)
	if err := r.fail[partitionID]; err != nil {
		return nil, &source.FetchError{PartitionID: partitionID, Err: err}
	}
	for _, p := range r.partitions {
		if p.ID == partitionID {
			p := p
			return &p, nil
		}
	}
	return nil, &source.FetchError{PartitionID: partitionID, Err: errors.New("not found")}
}

// fakeCRM records every upsert and fails the leads fail returns an error for.
type fakeCRM struct {
	calls []schema.Lead
	fail  func(schema.Lead) error
}

func (c *fakeCRM) UpsertDeal(ctx context.Context, lead schema.Lead) (crm.Result, error) {
	c.calls = append(c.calls, lead)
	if c.fail != nil {
		if err := c.fail(lead); err != nil {
			return crm.Result{}, err
		}
	}
	return crm.Result{Action: crm.ActionCreated, DealID: fmt.Sprintf("D%d", len(c.calls))}, nil
}

func (c *fakeCRM) companies() []string {
	out := make([]string, 0, len(c.calls))
	for _, l := range c.calls {
		out = append(out, l.Company)
	}
	return out
}

func row(taxID, company string) map[string]string {
	return map[string]string{"CNPJ": taxID, "EMPRESA": company, "Data": "05/01/2024"}
}

func partition(id, name string, rows ...map[string]string) source.Partition {
	return source.Partition{ID: id, Name: name, Rows: rows}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func openTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return database
}

func newTestOrchestrator(t *testing.T, reader source.Reader, store Store, client crm.Client, opts ...func(*Options)) *Orchestrator {
	t.Helper()

	options := DefaultOptions("dataset-1")
	for _, opt := range opts {
		opt(&options)
	}

	orch, err := New(Deps{Reader: reader, Store: store, CRM: client, Logger: quietLogger()}, options)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return orch
}

func countLeads(t *testing.T, database *db.DB) int {
	t.Helper()
	n, err := database.CountLeads()
	if err != nil {
		t.Fatalf("CountLeads() failed: %v", err)
	}
	return n
}
