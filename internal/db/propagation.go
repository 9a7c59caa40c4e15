package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Propagation statuses, stored per fingerprint.
const (
	PropagationCreated = "created"
	PropagationUpdated = "updated"
	PropagationSkipped = "skipped"
	PropagationFailed  = "failed"
	PropagationPending = "pending"
)

// PropagationRecord is the outcome of one CRM upsert attempt, or a
// deferral when Status is PropagationPending.
type PropagationRecord struct {
	Fingerprint string
	TaxID       string
	Phone       string
	Company     string
	Partition   string
	Status      string
	Action      string
	DealID      string
	ContactID   string
	Error       string
	ProcessedAt time.Time
}

// attempted reports whether the CRM was actually called.
func (r PropagationRecord) attempted() bool {
	return r.Status == PropagationCreated || r.Status == PropagationUpdated || r.Status == PropagationFailed
}

// PropagationStatus is one propagation_status row.
type PropagationStatus struct {
	Fingerprint string
	Status      string
	DealID      string
	Attempts    int
	LastError   string
	UpdatedAt   time.Time
}

// RecordPropagationContext appends the attempts of one cycle to
// propagation_log and updates propagation_status in a single transaction.
func (db *DB) RecordPropagationContext(ctx context.Context, runID string, records []PropagationRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := db.bound(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	logStmt, err := tx.PrepareContext(ctx, db.rebind(`
		INSERT INTO propagation_log (
			run_id, fingerprint, cnpj, telefone, empresa, banco,
			status, action, deal_id, contact_id, error_message, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare propagation log insert: %w", err)
	}
	defer logStmt.Close()

	statusStmt, err := tx.PrepareContext(ctx, db.rebind(`
		INSERT INTO propagation_status (fingerprint, status, deal_id, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			status = excluded.status,
			deal_id = COALESCE(excluded.deal_id, propagation_status.deal_id),
			attempts = propagation_status.attempts + excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare propagation status upsert: %w", err)
	}
	defer statusStmt.Close()

	for _, r := range records {
		if r.ProcessedAt.IsZero() {
			r.ProcessedAt = time.Now()
		}
		ts := formatTime(r.ProcessedAt)

		if _, err := logStmt.ExecContext(ctx,
			runID, r.Fingerprint,
			nullString(r.TaxID), nullString(r.Phone), nullString(r.Company), nullString(r.Partition),
			r.Status, nullString(r.Action), nullString(r.DealID), nullString(r.ContactID),
			nullString(r.Error), ts,
		); err != nil {
			return fmt.Errorf("failed to insert propagation log for %s: %w", r.Fingerprint, err)
		}

		attempts := 0
		if r.attempted() {
			attempts = 1
		}
		if _, err := statusStmt.ExecContext(ctx,
			r.Fingerprint, r.Status, nullString(r.DealID), attempts, nullString(r.Error), ts,
		); err != nil {
			return fmt.Errorf("failed to update propagation status for %s: %w", r.Fingerprint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RetryableFingerprintsContext returns fingerprints that were deferred, or
// that failed fewer than maxAttempts times, oldest first.
func (db *DB) RetryableFingerprintsContext(ctx context.Context, maxAttempts int) ([]string, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT fingerprint FROM propagation_status
		WHERE status = ? OR (status = ? AND attempts < ?)
		ORDER BY updated_at, fingerprint
	`), PropagationPending, PropagationFailed, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

// GetPropagationStatusContext returns the status row for fingerprint, or
// false if it was never propagated.
func (db *DB) GetPropagationStatusContext(ctx context.Context, fingerprint string) (PropagationStatus, bool, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	var ps PropagationStatus
	var dealID, lastErr sql.NullString
	var updatedAt string
	err := db.conn.QueryRowContext(ctx, db.rebind(`
		SELECT fingerprint, status, deal_id, attempts, last_error, updated_at
		FROM propagation_status WHERE fingerprint = ?
	`), fingerprint).Scan(&ps.Fingerprint, &ps.Status, &dealID, &ps.Attempts, &lastErr, &updatedAt)
	if err == sql.ErrNoRows {
		return PropagationStatus{}, false, nil
	}
	if err != nil {
		return PropagationStatus{}, false, fmt.Errorf("failed to query propagation status: %w", err)
	}
	ps.DealID = dealID.String
	ps.LastError = lastErr.String
	ps.UpdatedAt = parseTime(sql.NullString{String: updatedAt, Valid: true})
	return ps, true, nil
}

// PropagationCountsContext returns propagation_status row counts by status.
func (db *DB) PropagationCountsContext(ctx context.Context) (map[string]int, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM propagation_status GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count propagation status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan propagation count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
