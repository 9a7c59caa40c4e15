package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aliest/leadsync/internal/schema"
	"github.com/aliest/leadsync/internal/snapshot"
)

// insertChunk is the number of rows per multi-row INSERT statement. Ten
// columns per row keeps every chunk well under SQLite's and PostgreSQL's
// bound-parameter limits.
const insertChunk = 200

const leadColumns = "data, cnpj, telefone, nome, empresa, consultor, forma_prospeccao, etapa, banco, fingerprint, created_at"

// ReplaceLeads atomically replaces the whole dataset with leads.
func (db *DB) ReplaceLeads(leads []schema.Lead) (int, error) {
	return db.ReplaceLeadsContext(context.Background(), leads)
}

// ReplaceLeadsContext deletes every row from leads and inserts the given
// leads inside one transaction. If any insert fails the transaction is
// rolled back and the previous rows remain. Returns the number of rows
// inserted.
func (db *DB) ReplaceLeadsContext(ctx context.Context, leads []schema.Lead) (int, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM leads"); err != nil {
		return 0, fmt.Errorf("failed to clear leads: %w", err)
	}

	now := formatTime(time.Now())
	inserted := 0
	for start := 0; start < len(leads); start += insertChunk {
		end := start + insertChunk
		if end > len(leads) {
			end = len(leads)
		}
		query, args := db.insertLeadsQuery(leads[start:end], now)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert leads %d-%d: %w", start, end-1, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		} else {
			inserted += end - start
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return inserted, nil
}

func (db *DB) insertLeadsQuery(leads []schema.Lead, now string) (string, []any) {
	const row = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	var b strings.Builder
	b.WriteString("INSERT INTO leads (" + leadColumns + ") VALUES ")
	args := make([]any, 0, len(leads)*11)
	for i, lead := range leads {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)

		n := lead.Normalized()
		args = append(args,
			nullString(n.Date),
			nullString(n.TaxID),
			nullString(n.Phone),
			nullString(n.Name),
			nullString(n.Company),
			nullString(n.Consultant),
			nullString(n.Channel),
			nullString(n.Stage),
			n.Partition,
			string(snapshot.Fingerprint(n)),
			now,
		)
	}
	return db.rebind(b.String()), args
}

// ListLeads returns every lead in insertion order.
func (db *DB) ListLeads() ([]schema.Lead, error) {
	return db.ListLeadsContext(context.Background())
}

// ListLeadsContext returns every lead in insertion order.
func (db *DB) ListLeadsContext(ctx context.Context) ([]schema.Lead, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT data, cnpj, telefone, nome, empresa, consultor, forma_prospeccao, etapa, banco
		FROM leads
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	var leads []schema.Lead
	for rows.Next() {
		var date, taxID, phone, name, company, consultant, channel, stage sql.NullString
		var partition string
		if err := rows.Scan(&date, &taxID, &phone, &name, &company, &consultant, &channel, &stage, &partition); err != nil {
			return nil, fmt.Errorf("failed to scan lead: %w", err)
		}
		leads = append(leads, schema.Lead{
			Date:       date.String,
			TaxID:      taxID.String,
			Phone:      phone.String,
			Name:       name.String,
			Company:    company.String,
			Consultant: consultant.String,
			Channel:    channel.String,
			Stage:      stage.String,
			Partition:  partition,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate leads: %w", err)
	}

	return leads, nil
}

// CountLeads returns the number of rows in the dataset.
func (db *DB) CountLeads() (int, error) {
	return db.CountLeadsContext(context.Background())
}

// CountLeadsContext returns the number of rows in the dataset.
func (db *DB) CountLeadsContext(ctx context.Context) (int, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM leads").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count leads: %w", err)
	}
	return count, nil
}

// CountByPartitionContext returns row counts keyed by partition name.
func (db *DB) CountByPartitionContext(ctx context.Context) (map[string]int, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, "SELECT banco, COUNT(*) FROM leads GROUP BY banco")
	if err != nil {
		return nil, fmt.Errorf("failed to count leads by partition: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var partition string
		var n int
		if err := rows.Scan(&partition, &n); err != nil {
			return nil, fmt.Errorf("failed to scan partition count: %w", err)
		}
		counts[partition] = n
	}
	return counts, rows.Err()
}
