package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/aliest/leadsync/internal/crm"
	"github.com/aliest/leadsync/internal/db"
	"github.com/aliest/leadsync/internal/snapshot"
	"github.com/aliest/leadsync/internal/source"
)

// SyncType is the sync_type written to sync_log.
const SyncType = "reconcile"

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Reader source.Reader
	Store  Store
	// CRM may be nil, which disables propagation.
	CRM    crm.Client
	Logger *log.Logger
}

// Options configure an Orchestrator.
type Options struct {
	DatasetID  string
	Partitions []string
	// Source is recorded in sync_log, e.g. "sheets:1AbC...".
	Source string

	FetchTimeout     time.Duration
	StatementTimeout time.Duration
	CRMTimeout       time.Duration

	MaxPerCycle     int
	MaxAttempts     int
	ReportSuccesses int
	ReportFailures  int
}

// DefaultOptions returns the defaults for datasetID.
func DefaultOptions(datasetID string) Options {
	return Options{
		DatasetID:        datasetID,
		FetchTimeout:     30 * time.Second,
		StatementTimeout: 60 * time.Second,
		CRMTimeout:       30 * time.Second,
		MaxPerCycle:      50,
		MaxAttempts:      5,
		ReportSuccesses:  5,
		ReportFailures:   3,
	}
}

// Orchestrator runs reconciliation cycles. Cycles must not overlap; the
// scheduler runs them one after another.
type Orchestrator struct {
	store    Store
	gate     *Gate
	replacer *Replacer
	pipeline *Pipeline
	options  Options
	logger   *log.Logger
}

// New validates deps and options and builds an Orchestrator. Missing
// required settings are reported as *ConfigError.
func New(deps Deps, options Options) (*Orchestrator, error) {
	if options.DatasetID == "" {
		return nil, &ConfigError{Field: "dataset_id", Reason: "is required"}
	}
	if deps.Reader == nil {
		return nil, &ConfigError{Field: "source", Reason: "reader is required"}
	}
	if deps.Store == nil {
		return nil, &ConfigError{Field: "database", Reason: "store is required"}
	}
	if options.MaxPerCycle < 0 {
		return nil, &ConfigError{Field: "sync.max_per_cycle", Reason: "must not be negative"}
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = DefaultOptions("").MaxAttempts
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if options.Source == "" {
		options.Source = options.DatasetID
	}

	return &Orchestrator{
		store:    deps.Store,
		gate:     NewGate(deps.Reader, options.DatasetID, options.Partitions, options.FetchTimeout, logger),
		replacer: NewReplacer(deps.Store, options.StatementTimeout, logger),
		pipeline: NewPipeline(deps.CRM, deps.Store, PipelineConfig{
			MaxPerCycle:     options.MaxPerCycle,
			CallTimeout:     options.CRMTimeout,
			ReportSuccesses: options.ReportSuccesses,
			ReportFailures:  options.ReportFailures,
			Logger:          logger,
		}),
		options: options,
		logger:  logger,
	}, nil
}

// Gate returns the validation gate, for listing partitions.
func (o *Orchestrator) Gate() *Gate {
	return o.gate
}

// RunCycle runs one cycle and returns its outcome. It never panics on
// collaborator errors and always writes an audit row.
func (o *Orchestrator) RunCycle(ctx context.Context) Outcome {
	out := Outcome{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Stage:     StageValidating,
	}
	o.logger.Printf("Starting cycle %s", out.RunID)

	started := o.startRun(ctx, out)

	validated, err := o.gate.Validate(ctx)
	if err != nil {
		return o.finish(ctx, out, started, err)
	}
	out.Processed = validated.Rows

	out.Stage = StageCapturingBefore
	before, err := snapshot.FromPersisted(ctx, o.store)
	if err != nil {
		return o.finish(ctx, out, started, &PersistenceError{Op: "capture snapshot", Cause: err})
	}
	if err := ctx.Err(); err != nil {
		return o.finish(ctx, out, started, fmt.Errorf("cycle cancelled before replace: %w", err))
	}

	out.Stage = StageReplacing
	replaced, err := o.replacer.Replace(ctx, validated)
	out.Partitions = replaced.Partitions
	out.Failed = replaced.Rejected
	if err != nil {
		return o.finish(ctx, out, started, err)
	}
	out.Inserted = replaced.Inserted

	out.Stage = StageDiffing
	after := snapshot.FromSource(replaced.Leads)
	out.Duplicates = after.Duplicates
	out.Changes = snapshot.Diff(before, after)
	counts := out.Changes.Counts()
	o.logger.Printf("Changes: %d new, %d removed, %d unchanged, %d duplicates",
		counts.New, counts.Removed, counts.Unchanged, out.Duplicates)

	out.Stage = StagePropagating
	out.Propagation = o.pipeline.Run(ctx, out.RunID, o.candidates(ctx, out.Changes, after))

	out.Stage = StageComplete
	switch {
	case out.Propagation.Failed > 0:
		return o.finish(ctx, out, started, fmt.Errorf("%w: %d of %d leads failed",
			ErrPartialPropagation, out.Propagation.Failed, out.Propagation.Processed))
	case out.Propagation.Err != nil:
		return o.finish(ctx, out, started, fmt.Errorf("%w: %v", ErrPartialPropagation, out.Propagation.Err))
	}
	return o.finish(ctx, out, started, nil)
}

// candidates are the new leads followed by earlier leads whose propagation
// is pending or can be retried, as long as they are still in the source.
func (o *Orchestrator) candidates(ctx context.Context, changes snapshot.ChangeSet, after *snapshot.Snapshot) []snapshot.Entry {
	out := make([]snapshot.Entry, 0, len(changes.New))
	out = append(out, changes.New...)
	if o.pipeline.Disabled() {
		return out
	}

	fps, err := o.store.RetryableFingerprintsContext(ctx, o.options.MaxAttempts)
	if err != nil {
		o.logger.Printf("Warning: failed to load retryable leads: %v", err)
		return out
	}

	seen := make(map[snapshot.Key]bool, len(out))
	for _, e := range out {
		seen[e.Key] = true
	}
	retries := 0
	for _, fp := range fps {
		key := snapshot.Key(fp)
		if seen[key] {
			continue
		}
		lead, ok := after.Get(key)
		if !ok {
			continue
		}
		seen[key] = true
		out = append(out, snapshot.Entry{Key: key, Lead: lead})
		retries++
	}
	if retries > 0 {
		o.logger.Printf("Retrying propagation of %d earlier leads", retries)
	}
	return out
}

func (o *Orchestrator) startRun(ctx context.Context, out Outcome) bool {
	_, err := o.store.StartRunContext(context.WithoutCancel(ctx), o.run(out))
	if err != nil {
		o.logger.Printf("Warning: failed to write sync log: %v", err)
		return false
	}
	return true
}

func (o *Orchestrator) finish(ctx context.Context, out Outcome, started bool, err error) Outcome {
	out.FinishedAt = time.Now()
	out.Err = err
	switch {
	case err == nil:
		out.Status = StatusSuccess
	case errors.Is(err, ErrPartialPropagation):
		out.Status = StatusPartial
	default:
		out.Status = StatusError
	}

	auditCtx := context.WithoutCancel(ctx)
	if !started {
		_, _ = o.store.StartRunContext(auditCtx, o.run(out))
	}
	run := o.run(out)
	run.FinishedAt = out.FinishedAt
	run.Status = string(out.Status)
	run.ErrorMessage = out.ErrorMessage()
	run.Details = out.details()
	if ferr := o.store.FinishRunContext(auditCtx, run); ferr != nil {
		o.logger.Printf("Warning: failed to finish sync log: %v", ferr)
	}

	switch out.Status {
	case StatusError:
		kind := "permanent"
		if temporary(err) {
			kind = "transient"
		}
		o.logger.Printf("Cycle %s failed at %s (%s): %v", out.RunID, out.Stage, kind, err)
	case StatusPartial:
		o.logger.Printf("Cycle %s partial in %v: %v", out.RunID, out.Duration(), err)
	default:
		o.logger.Printf("Cycle %s complete in %v: %d rows, %d inserted, %d new",
			out.RunID, out.Duration(), out.Processed, out.Inserted, len(out.Changes.New))
	}
	return out
}

func (o *Orchestrator) run(out Outcome) db.Run {
	return db.Run{
		RunID:     out.RunID,
		SyncType:  SyncType,
		Source:    o.options.Source,
		Processed: out.Processed,
		Inserted:  out.Inserted,
		Updated:   out.Propagation.Successful,
		Failed:    out.Failed,
		StartedAt: out.StartedAt,
	}
}
