package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aliest/leadsync/internal/crm"
	"github.com/aliest/leadsync/internal/db"
	"github.com/aliest/leadsync/internal/snapshot"
)

// PropagationReport describes one propagated lead without personal data.
type PropagationReport struct {
	Fingerprint string `json:"fingerprint"`
	Company     string `json:"empresa,omitempty"`
	Partition   string `json:"banco,omitempty"`
	TaxID       string `json:"cnpj,omitempty"`
	Action      string `json:"action,omitempty"`
	DealID      string `json:"deal_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PropagationOutcome aggregates one propagation run. Processed is
// Successful + Failed + Skipped; Deferred leads were not attempted.
type PropagationOutcome struct {
	Processed  int                 `json:"processed"`
	Successful int                 `json:"successful"`
	Failed     int                 `json:"failed"`
	Skipped    int                 `json:"skipped"`
	Deferred   int                 `json:"deferred"`
	Successes  []PropagationReport `json:"successes,omitempty"`
	Failures   []PropagationReport `json:"failures,omitempty"`
	Disabled   bool                `json:"disabled,omitempty"`

	// Err is set when the results could not be recorded.
	Err error `json:"-"`
}

// PropagationRecorder stores propagation results.
type PropagationRecorder interface {
	RecordPropagationContext(ctx context.Context, runID string, records []db.PropagationRecord) error
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	// MaxPerCycle caps CRM calls per run; the rest is deferred. Zero means
	// no cap.
	MaxPerCycle int

	// CallTimeout bounds each CRM upsert.
	CallTimeout time.Duration

	// ReportSuccesses and ReportFailures bound the report lists.
	ReportSuccesses int
	ReportFailures  int

	Logger *log.Logger
}

// Pipeline upserts leads into the CRM one at a time. A failing lead never
// stops the others.
type Pipeline struct {
	client crm.Client
	store  PropagationRecorder
	config PipelineConfig
}

// NewPipeline returns a pipeline. A nil client disables propagation: every
// candidate is stored as pending.
func NewPipeline(client crm.Client, store PropagationRecorder, config PipelineConfig) *Pipeline {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Pipeline{client: client, store: store, config: config}
}

// Disabled reports whether there is no CRM client.
func (p *Pipeline) Disabled() bool {
	return p.client == nil
}

// Run propagates candidates in order. It stops before the next lead once
// ctx is done, and the remaining leads are deferred. The lead in flight
// runs to completion on a context detached from ctx.
func (p *Pipeline) Run(ctx context.Context, runID string, candidates []snapshot.Entry) PropagationOutcome {
	var out PropagationOutcome
	records := make([]db.PropagationRecord, 0, len(candidates))

	if p.Disabled() {
		out.Disabled = true
		out.Deferred = len(candidates)
		for _, e := range candidates {
			records = append(records, record(e, db.PropagationPending))
		}
		if len(candidates) > 0 {
			p.config.Logger.Printf("CRM disabled, %d leads left pending", len(candidates))
		}
		out.Err = p.save(ctx, runID, records)
		return out
	}

	for i, e := range candidates {
		if ctx.Err() != nil || (p.config.MaxPerCycle > 0 && out.Processed-out.Skipped >= p.config.MaxPerCycle) {
			deferred := candidates[i:]
			out.Deferred = len(deferred)
			for _, d := range deferred {
				records = append(records, record(d, db.PropagationPending))
			}
			p.config.Logger.Printf("%d leads deferred to the next cycle", len(deferred))
			break
		}

		out.Processed++
		lead := e.Lead

		if err := lead.Validate(); err != nil {
			out.Skipped++
			r := record(e, db.PropagationSkipped)
			r.Error = err.Error()
			records = append(records, r)
			continue
		}

		res, err := p.upsert(ctx, e)
		if err != nil {
			out.Failed++
			p.config.Logger.Printf("Warning: propagation failed for %s (banco=%s, etapa=%s, cnpj=%s): %v",
				lead.Label(), lead.Partition, lead.Stage, lead.MaskedTaxID(), err)

			r := record(e, db.PropagationFailed)
			r.Error = err.Error()
			records = append(records, r)
			if len(out.Failures) < p.config.ReportFailures {
				out.Failures = append(out.Failures, report(e, r))
			}
			continue
		}

		out.Successful++
		r := record(e, string(res.Action))
		r.Action = string(res.Action)
		r.DealID = res.DealID
		r.ContactID = res.ContactID
		records = append(records, r)
		if len(out.Successes) < p.config.ReportSuccesses {
			out.Successes = append(out.Successes, report(e, r))
		}
	}

	p.config.Logger.Printf("Propagation: %d processed, %d successful, %d failed, %d skipped, %d deferred",
		out.Processed, out.Successful, out.Failed, out.Skipped, out.Deferred)

	out.Err = p.save(ctx, runID, records)
	return out
}

func (p *Pipeline) upsert(ctx context.Context, e snapshot.Entry) (crm.Result, error) {
	callCtx := context.WithoutCancel(ctx)
	if p.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, p.config.CallTimeout)
		defer cancel()
	}

	res, err := p.client.UpsertDeal(callCtx, e.Lead)
	if err != nil {
		return res, err
	}
	if res.Action != crm.ActionCreated && res.Action != crm.ActionUpdated {
		return res, fmt.Errorf("unexpected upsert action %q", res.Action)
	}
	return res, nil
}

func (p *Pipeline) save(ctx context.Context, runID string, records []db.PropagationRecord) error {
	if p.store == nil || len(records) == 0 {
		return nil
	}
	if err := p.store.RecordPropagationContext(context.WithoutCancel(ctx), runID, records); err != nil {
		p.config.Logger.Printf("Warning: failed to record propagation results: %v", err)
		return &PersistenceError{Op: "record propagation", Cause: err}
	}
	return nil
}

func record(e snapshot.Entry, status string) db.PropagationRecord {
	return db.PropagationRecord{
		Fingerprint: string(e.Key),
		TaxID:       e.Lead.TaxID,
		Phone:       e.Lead.Phone,
		Company:     e.Lead.Company,
		Partition:   e.Lead.Partition,
		Status:      status,
		ProcessedAt: time.Now(),
	}
}

func report(e snapshot.Entry, r db.PropagationRecord) PropagationReport {
	return PropagationReport{
		Fingerprint: e.Key.Short(),
		Company:     e.Lead.Label(),
		Partition:   e.Lead.Partition,
		TaxID:       e.Lead.MaskedTaxID(),
		Action:      r.Action,
		DealID:      r.DealID,
		Error:       r.Error,
	}
}
