package sync

import (
	"context"
	"log"
	"time"

	"github.com/aliest/leadsync/internal/schema"
)

// LeadReplacer atomically swaps the dataset content.
type LeadReplacer interface {
	ReplaceLeadsContext(ctx context.Context, leads []schema.Lead) (int, error)
}

// ReplaceResult counts what a replace did.
type ReplaceResult struct {
	Processed  int
	Inserted   int
	Rejected   int
	Partitions []PartitionResult
	// Leads are the accepted leads in source order, duplicates included.
	Leads []schema.Lead
}

// Replacer maps validated rows to leads and replaces the dataset.
type Replacer struct {
	store   LeadReplacer
	timeout time.Duration
	logger  *log.Logger
}

// NewReplacer returns a Replacer. The replace runs detached from ctx
// cancellation so a shutdown cannot interrupt it; timeout bounds it instead.
func NewReplacer(store LeadReplacer, timeout time.Duration, logger *log.Logger) *Replacer {
	return &Replacer{store: store, timeout: timeout, logger: logger}
}

// Leads maps validated rows to leads without touching the store. Rows with
// neither tax id nor phone are rejected.
func (r *Replacer) Leads(v *Validated) ReplaceResult {
	res := ReplaceResult{
		Partitions: make([]PartitionResult, 0, len(v.Partitions)),
		Leads:      make([]schema.Lead, 0, v.Rows),
	}
	for _, p := range v.Partitions {
		pr := PartitionResult{ID: p.ID, Name: p.Name, Rows: len(p.Rows)}
		for _, row := range p.Rows {
			lead := schema.FromRow(row, p.Name)
			if !lead.Accepted() {
				pr.Rejected++
				continue
			}
			pr.Accepted++
			res.Leads = append(res.Leads, lead.Normalized())
		}
		if pr.Rejected > 0 {
			r.logger.Printf("Warning: partition %q: %d rows without cnpj or telefone skipped", p.Name, pr.Rejected)
		}
		res.Processed += pr.Rows
		res.Rejected += pr.Rejected
		res.Partitions = append(res.Partitions, pr)
	}
	return res
}

// Replace deletes the dataset and inserts the accepted rows of v in one
// transaction. On error the result still carries the row counts and the
// dataset is unchanged.
func (r *Replacer) Replace(ctx context.Context, v *Validated) (ReplaceResult, error) {
	res := r.Leads(v)

	replaceCtx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		replaceCtx, cancel = context.WithTimeout(replaceCtx, r.timeout)
		defer cancel()
	}

	inserted, err := r.store.ReplaceLeadsContext(replaceCtx, res.Leads)
	if err != nil {
		return res, &PersistenceError{Op: "replace", Cause: err}
	}
	res.Inserted = inserted

	r.logger.Printf("Dataset replaced: %d rows inserted, %d rejected", res.Inserted, res.Rejected)
	return res, nil
}
