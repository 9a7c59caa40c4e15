package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run statuses stored in sync_log.
const (
	RunRunning = "RUNNING"
	RunSuccess = "SUCCESS"
	RunPartial = "PARTIAL"
	RunError   = "ERROR"
)

// Run is one sync_log row.
type Run struct {
	ID           int64
	RunID        string
	SyncType     string
	Source       string
	Processed    int
	Inserted     int
	Updated      int
	Failed       int
	StartedAt    time.Time
	FinishedAt   time.Time
	Status       string
	ErrorMessage string
	Details      json.RawMessage
}

// Duration is FinishedAt - StartedAt, or zero for unfinished runs.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// StartRunContext appends a RUNNING row for a cycle that is starting.
func (db *DB) StartRunContext(ctx context.Context, run Run) (int64, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	if run.RunID == "" {
		return 0, fmt.Errorf("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, db.rebind(`
		INSERT INTO sync_log (run_id, sync_type, source, started_at, status)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`), run.RunID, run.SyncType, nullString(run.Source), formatTime(run.StartedAt), run.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sync log: %w", err)
	}
	return id, nil
}

// FinishRunContext records the final counts and status of a cycle.
func (db *DB) FinishRunContext(ctx context.Context, run Run) error {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	var details sql.NullString
	if len(run.Details) > 0 {
		details = sql.NullString{String: string(run.Details), Valid: true}
	}

	res, err := db.conn.ExecContext(ctx, db.rebind(`
		UPDATE sync_log SET
			records_processed = ?,
			records_inserted = ?,
			records_updated = ?,
			records_failed = ?,
			finished_at = ?,
			status = ?,
			error_message = ?,
			details = ?
		WHERE run_id = ?
	`),
		run.Processed,
		run.Inserted,
		run.Updated,
		run.Failed,
		formatTime(run.FinishedAt),
		run.Status,
		nullString(run.ErrorMessage),
		details,
		run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync log: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sync log %s not found", run.RunID)
	}
	return nil
}

// RecentRunsContext returns up to limit runs started at or after since,
// newest first. A zero since returns the latest runs.
func (db *DB) RecentRunsContext(ctx context.Context, limit int, since time.Time) ([]Run, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT id, run_id, sync_type, source, records_processed, records_inserted,
		       records_updated, records_failed, started_at, finished_at, status,
		       error_message, details
		FROM sync_log
		WHERE started_at >= ?
		ORDER BY id DESC
		LIMIT ?
	`), formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync log: %w", err)
	}
	return runs, nil
}

func scanRun(rows *sql.Rows) (Run, error) {
	var run Run
	var source, finishedAt, errMsg, details sql.NullString
	var startedAt string
	if err := rows.Scan(
		&run.ID, &run.RunID, &run.SyncType, &source,
		&run.Processed, &run.Inserted, &run.Updated, &run.Failed,
		&startedAt, &finishedAt, &run.Status, &errMsg, &details,
	); err != nil {
		return Run{}, fmt.Errorf("failed to scan sync log: %w", err)
	}
	run.Source = source.String
	run.StartedAt = parseTime(sql.NullString{String: startedAt, Valid: true})
	run.FinishedAt = parseTime(finishedAt)
	run.ErrorMessage = errMsg.String
	if details.Valid {
		run.Details = json.RawMessage(details.String)
	}
	return run, nil
}

// RunSummary aggregates the audit log.
type RunSummary struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	LastRun     *Run           `json:"-"`
	LastSuccess time.Time      `json:"last_success"`
}

// SuccessRate is the share of finished runs that ended SUCCESS or PARTIAL.
func (s RunSummary) SuccessRate() float64 {
	finished := s.Total - s.ByStatus[RunRunning]
	if finished <= 0 {
		return 0
	}
	return float64(s.ByStatus[RunSuccess]+s.ByStatus[RunPartial]) / float64(finished) * 100
}

// RunSummaryContext aggregates sync_log.
func (db *DB) RunSummaryContext(ctx context.Context) (RunSummary, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	summary := RunSummary{ByStatus: make(map[string]int)}

	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_log GROUP BY status")
	if err != nil {
		return summary, fmt.Errorf("failed to summarize sync log: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return summary, fmt.Errorf("failed to scan sync log summary: %w", err)
		}
		summary.ByStatus[status] = n
		summary.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("failed to iterate sync log summary: %w", err)
	}

	var lastSuccess sql.NullString
	if err := db.conn.QueryRowContext(ctx, db.rebind(
		"SELECT MAX(finished_at) FROM sync_log WHERE status = ?",
	), RunSuccess).Scan(&lastSuccess); err != nil {
		return summary, fmt.Errorf("failed to query last success: %w", err)
	}
	summary.LastSuccess = parseTime(lastSuccess)

	runs, err := db.RecentRunsContext(ctx, 1, time.Time{})
	if err != nil {
		return summary, err
	}
	if len(runs) > 0 {
		summary.LastRun = &runs[0]
	}

	return summary, nil
}
