// Package db persists the leads dataset, the per-cycle audit log and the
// propagation bookkeeping that lets failed CRM upserts be retried.
//
// The default store is an embedded SQLite file (ncruces/go-sqlite3, WAL
// mode). The same schema also runs on PostgreSQL through pgx and, in cgo
// builds, on remote libSQL/Turso databases.
//
// Tables:
//   - leads: one row per accepted source row, replaced wholesale each cycle
//   - sync_log: append-only, one row per reconciliation cycle
//   - propagation_log: append-only, one row per CRM upsert attempt
//   - propagation_status: latest CRM outcome per lead fingerprint
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverLibSQL   = "libsql"
)

type dialect struct {
	// sqlDriver is the database/sql driver name.
	sqlDriver string
	// numbered placeholders ($1, $2) instead of ?.
	numbered bool
	// idColumn is the auto-increment primary key definition.
	idColumn string
	// local dialects point at a file on disk.
	local bool
}

var dialects = map[string]dialect{
	DriverSQLite: {
		sqlDriver: "sqlite3",
		idColumn:  "id INTEGER PRIMARY KEY AUTOINCREMENT",
		local:     true,
	},
	DriverPostgres: {
		sqlDriver: "pgx",
		numbered:  true,
		idColumn:  "id BIGSERIAL PRIMARY KEY",
	},
}

// Options selects the backing database.
type Options struct {
	// Driver is one of DriverSQLite, DriverPostgres, DriverLibSQL.
	Driver string
	// DSN is a file path for sqlite, a connection URL otherwise.
	DSN string
	// StatementTimeout bounds every statement issued without a deadline.
	// Zero disables the bound.
	StatementTimeout time.Duration
}

// DB wraps the dataset connection.
type DB struct {
	conn    *sql.DB
	dsn     string
	driver  string
	dialect dialect
	timeout time.Duration
}

// Open opens (and creates if needed) an embedded SQLite database at path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open("leadsync.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	return OpenWithOptions(Options{Driver: DriverSQLite, DSN: path})
}

// OpenWithOptions opens the database described by opts and verifies the
// connection.
func OpenWithOptions(opts Options) (*DB, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	d, ok := dialects[opts.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("database dsn cannot be empty")
	}

	connStr := opts.DSN
	if d.local {
		path := strings.TrimPrefix(opts.DSN, "file:")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// busy_timeout and foreign_keys are per connection, so they go in
		// the DSN where every pooled connection picks them up.
		connStr = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)", path)
	}

	conn, err := sql.Open(d.sqlDriver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:    conn,
		dsn:     opts.DSN,
		driver:  opts.Driver,
		dialect: d,
		timeout: opts.StatementTimeout,
	}, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Driver returns the driver name the database was opened with.
func (db *DB) Driver() string {
	return db.driver
}

// Close closes the database connection. SQLite databases are checkpointed
// first so the WAL file does not outlive the process.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.dialect.local {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	ddl := strings.ReplaceAll(schemaSQL, "{{id}}", db.dialect.idColumn)
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS leads (
	{{id}},
	data TEXT,
	cnpj TEXT,
	telefone TEXT,
	nome TEXT,
	empresa TEXT,
	consultor TEXT,
	forma_prospeccao TEXT,
	etapa TEXT,
	banco TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	created_at TEXT NOT NULL,
	CHECK (COALESCE(cnpj, '') <> '' OR COALESCE(telefone, '') <> '')
);

CREATE INDEX IF NOT EXISTS idx_leads_fingerprint ON leads(fingerprint);
CREATE INDEX IF NOT EXISTS idx_leads_cnpj ON leads(cnpj);
CREATE INDEX IF NOT EXISTS idx_leads_banco ON leads(banco);

CREATE TABLE IF NOT EXISTS sync_log (
	{{id}},
	run_id TEXT NOT NULL UNIQUE,
	sync_type TEXT NOT NULL,
	source TEXT,
	records_processed INTEGER NOT NULL DEFAULT 0,
	records_inserted INTEGER NOT NULL DEFAULT 0,
	records_updated INTEGER NOT NULL DEFAULT 0,
	records_failed INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL,
	error_message TEXT,
	details TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log(started_at);
CREATE INDEX IF NOT EXISTS idx_sync_log_status ON sync_log(status);

CREATE TABLE IF NOT EXISTS propagation_log (
	{{id}},
	run_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	cnpj TEXT,
	telefone TEXT,
	empresa TEXT,
	banco TEXT,
	status TEXT NOT NULL,
	action TEXT,
	deal_id TEXT,
	contact_id TEXT,
	error_message TEXT,
	processed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_propagation_log_run ON propagation_log(run_id);
CREATE INDEX IF NOT EXISTS idx_propagation_log_fingerprint ON propagation_log(fingerprint);

CREATE TABLE IF NOT EXISTS propagation_status (
	fingerprint TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	deal_id TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_propagation_status_status ON propagation_status(status)
`

// bound applies the statement timeout when ctx has no deadline of its own.
func (db *DB) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.timeout)
}

// rebind rewrites ? placeholders for dialects that number them.
func (db *DB) rebind(query string) string {
	if !db.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
