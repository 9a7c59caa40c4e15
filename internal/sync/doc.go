// Package sync implements the lead reconciliation cycle.
//
// Overview
//
// One cycle makes the leads table an exact copy of the source dataset and
// pushes every lead that was not there before into the CRM:
//
//	source.Reader ──► Gate ──► Replacer ──► Diff ──► Pipeline ──► crm.Client
//	                   │          │           ▲          │
//	                   │          ▼           │          ▼
//	                   │        leads    before/after  propagation_status
//	                   ▼
//	              ValidationError (nothing mutated)
//
// Stages
//
// Orchestrator.RunCycle walks the stages in order and records the last
// one reached on the Outcome:
//
//	VALIDATING        fetch every partition, first failure aborts
//	CAPTURING_BEFORE  fingerprint the current table
//	REPLACING         DELETE + INSERT in one transaction
//	DIFFING           compare before and after snapshots
//	PROPAGATING       upsert new (and retryable) leads into the CRM
//	COMPLETE
//
// Nothing is written to the leads table unless every configured partition
// was read. A failed replace is rolled back, so the previous rows stay.
//
// Error Handling
//
// RunCycle never returns an error. Failures become an Outcome with status
// ERROR (validation or persistence) or PARTIAL (some CRM upserts failed),
// and every cycle leaves one row in sync_log. Callers inspect Outcome.Err
// with errors.As for *ValidationError or *PersistenceError.
//
// Retrying Propagation
//
// Leads that fail to propagate are already in the table, so they never show
// up as new again. Their fingerprints are kept in propagation_status and
// retried after the new leads of later cycles, until MaxAttempts is reached.
// Leads over the per-cycle cap are stored as pending and drain the same way.
//
// Usage
//
//	orch, err := sync.New(sync.Deps{
//	    Reader: reader,
//	    Store:  database,
//	    CRM:    client,
//	}, sync.DefaultOptions("1AbC..."))
//	if err != nil {
//	    return err
//	}
//	outcome := orch.RunCycle(ctx)
//	if outcome.Status == sync.StatusError {
//	    log.Printf("cycle failed: %v", outcome.Err)
//	}
package sync
