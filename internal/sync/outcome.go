package sync

import (
	"encoding/json"
	"time"

	"github.com/aliest/leadsync/internal/snapshot"
)

// Status is the final state of a cycle, as stored in sync_log.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPartial Status = "PARTIAL"
	StatusError   Status = "ERROR"
)

// Stage is a step of the cycle state machine.
type Stage string

const (
	StageValidating      Stage = "VALIDATING"
	StageCapturingBefore Stage = "CAPTURING_BEFORE"
	StageReplacing       Stage = "REPLACING"
	StageDiffing         Stage = "DIFFING"
	StagePropagating     Stage = "PROPAGATING"
	StageComplete        Stage = "COMPLETE"
)

// PartitionResult is the per-partition detail of a cycle.
type PartitionResult struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Rows     int    `json:"rows"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
}

// Outcome is the result of one reconciliation cycle.
type Outcome struct {
	RunID      string
	Status     Status
	Stage      Stage
	StartedAt  time.Time
	FinishedAt time.Time

	// Processed counts source rows, Inserted rows written to the table and
	// Failed rows rejected for lacking both tax id and phone.
	Processed int
	Inserted  int
	Failed    int
	// Duplicates is the number of source rows that collapsed onto an
	// existing fingerprint.
	Duplicates int

	Partitions  []PartitionResult
	Changes     snapshot.ChangeSet
	Propagation PropagationOutcome

	// Err is nil for SUCCESS.
	Err error
}

// Duration is the wall time of the cycle.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// ErrorMessage returns Err as text, or "" when nil.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Summary is the JSON form of an Outcome used in sync_log details and the
// dashboard feed.
type Summary struct {
	RunID       string             `json:"run_id"`
	Status      Status             `json:"status"`
	Stage       Stage              `json:"stage"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	DurationMS  int64              `json:"duration_ms"`
	Processed   int                `json:"processed"`
	Inserted    int                `json:"inserted"`
	Failed      int                `json:"failed"`
	Duplicates  int                `json:"duplicates"`
	Partitions  []PartitionResult  `json:"partitions,omitempty"`
	Changes     snapshot.Counts    `json:"changes"`
	Propagation PropagationOutcome `json:"propagation"`
	Error       string             `json:"error,omitempty"`
}

// Summary flattens the outcome, replacing the change sets by their sizes.
func (o Outcome) Summary() Summary {
	return Summary{
		RunID:       o.RunID,
		Status:      o.Status,
		Stage:       o.Stage,
		StartedAt:   o.StartedAt,
		FinishedAt:  o.FinishedAt,
		DurationMS:  o.Duration().Milliseconds(),
		Processed:   o.Processed,
		Inserted:    o.Inserted,
		Failed:      o.Failed,
		Duplicates:  o.Duplicates,
		Partitions:  o.Partitions,
		Changes:     o.Changes.Counts(),
		Propagation: o.Propagation,
		Error:       o.ErrorMessage(),
	}
}

func (o Outcome) details() json.RawMessage {
	data, err := json.Marshal(o.Summary())
	if err != nil {
		return nil
	}
	return data
}
