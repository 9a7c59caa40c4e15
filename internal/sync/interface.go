package sync

import (
	"context"

	"github.com/aliest/leadsync/internal/db"
	"github.com/aliest/leadsync/internal/schema"
)

// Store is the persisted side of a cycle. *db.DB implements it.
type Store interface {
	// ListLeadsContext returns every lead currently in the dataset.
	ListLeadsContext(ctx context.Context) ([]schema.Lead, error)

	// ReplaceLeadsContext deletes all leads and inserts the given ones in a
	// single transaction, returning the number inserted. On error nothing
	// changes.
	ReplaceLeadsContext(ctx context.Context, leads []schema.Lead) (int, error)

	// StartRunContext and FinishRunContext write the audit row of a cycle.
	StartRunContext(ctx context.Context, run db.Run) (int64, error)
	FinishRunContext(ctx context.Context, run db.Run) error

	// RetryableFingerprintsContext returns fingerprints whose propagation
	// is pending or failed fewer than maxAttempts times.
	RetryableFingerprintsContext(ctx context.Context, maxAttempts int) ([]string, error)

	// RecordPropagationContext stores the propagation results of a cycle.
	RecordPropagationContext(ctx context.Context, runID string, records []db.PropagationRecord) error
}

// Runner runs reconciliation cycles. *Orchestrator implements it.
type Runner interface {
	RunCycle(ctx context.Context) Outcome
}

var (
	_ Store  = (*db.DB)(nil)
	_ Runner = (*Orchestrator)(nil)
)
