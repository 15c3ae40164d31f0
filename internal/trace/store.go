// Package trace implements the durable, append-only, tenant-scoped
// persistence layer: sessions, trace events, incidents, rollouts, policy
// packages, evidence archives, retention and transparency checkpoints.
//
// Two backends are supported behind one query surface: an embedded SQLite
// file for development and a networked Postgres for production. Queries are
// written in a common dialect; the normalization layer rewrites placeholders
// and keeps the schema to portable column types (TEXT / INTEGER / REAL),
// with timestamps stored as RFC3339 text and binary payloads as base64.
package trace

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"         // Postgres driver
	_ "modernc.org/sqlite"        // SQLite driver

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/redact"
)

// Dialect identifies the backing database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store is the single owner of persisted state.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	redactor  *redact.Redactor
	isolation bool // cross-tenant admin operations forbidden when true
	logger    *log.Logger
}

// Options configure store behaviour beyond the DSN.
type Options struct {
	// Redactor applies the PII mode to trace payloads at write time.
	// Nil means mode off.
	Redactor *redact.Redactor
	// TenantIsolation makes cross-tenant admin reads fail with
	// cross_tenant_forbidden.
	TenantIsolation bool
}

// Open connects to the backend selected by the DSN and runs migrations.
// DSNs beginning with postgres:// (or postgresql://) select the networked
// backend; anything else is treated as a SQLite file path.
func Open(dsn string, opts Options) (*Store, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
		db, err = sql.Open("postgres", dsn)
		if err == nil {
			db.SetMaxOpenConns(20)
			db.SetConnMaxIdleTime(5 * time.Minute)
			err = db.Ping()
		}
	} else {
		dialect = DialectSQLite
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			// SQLite is single-writer; serialize through one connection
			// instead of fighting for file locks.
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
			for _, pragma := range []string{
				"PRAGMA foreign_keys = ON",
				"PRAGMA journal_mode = WAL",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA busy_timeout = 5000",
			} {
				if _, perr := db.Exec(pragma); perr != nil {
					err = fmt.Errorf("set pragma: %w", perr)
					break
				}
			}
		}
	}
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("open trace db: %w", err)
	}

	redactor := opts.Redactor
	if redactor == nil {
		redactor = redact.New(redact.ModeOff, "")
	}

	s := &Store{
		db:        db,
		dialect:   dialect,
		redactor:  redactor,
		isolation: opts.TenantIsolation,
		logger:    log.New(log.Writer(), "[TRACE-STORE] ", log.LstdFlags),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Dialect returns the active backend dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Redactor returns the write-time redactor (exporters reuse its mode tag).
func (s *Store) Redactor() *redact.Redactor { return s.redactor }

// rebind rewrites `?` placeholders to the backend's notation.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
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

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// isUniqueViolation detects constraint conflicts across both backends
// without depending on driver-specific error types in callers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed")
}

// timestamps are normalized to RFC3339Nano UTC text in every table.
func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// guardTenant enforces isolation mode on admin paths that cross tenants.
func (s *Store) guardTenant(requestTenant, rowTenant string) error {
	if !s.isolation || requestTenant == "" || requestTenant == rowTenant {
		return nil
	}
	return core.E(core.KindCrossTenant, "operation crosses tenant boundary")
}
