package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	// sqlite driver for local and test deployments
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no row matches
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert
	ErrDuplicate = errors.New("duplicate record")
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"
)

type DB struct {
	conn       *sql.DB
	dialect    string
	maxRetries int
}

// New opens the database named by databaseURL. postgres:// URLs use lib/pq; anything
// else is treated as a SQLite path or file: URI.
func New(ctx context.Context, databaseURL string, maxRetries int) (*DB, error) {
	dialect, dsn := parseURL(databaseURL)

	if dialect == dialectSQLite {
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	if dialect == dialectSQLite {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if maxRetries < 0 {
		maxRetries = 0
	}
	db := &DB{conn: conn, dialect: dialect, maxRetries: maxRetries}

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.withRetry(pingCtx, "ping", func() error { return conn.PingContext(pingCtx) }); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if dialect == dialectSQLite {
		if err := db.configureSQLite(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	if err := db.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dialect returns "postgres" or "sqlite"
func (db *DB) Dialect() string {
	return db.dialect
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id               TEXT PRIMARY KEY,
			identity         TEXT NOT NULL UNIQUE,
			secret_hash      TEXT NOT NULL,
			api_key_hash     TEXT NOT NULL UNIQUE,
			key_prefix       TEXT NOT NULL,
			text_tokens      BIGINT NOT NULL DEFAULT 0,
			images_processed BIGINT NOT NULL DEFAULT 0,
			last_used_at     TIMESTAMP NULL,
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := db.conn.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) configureSQLite(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

var placeholder = regexp.MustCompile(`\$\d+`)

// rebind rewrites $N placeholders for SQLite. Queries in this package use each
// placeholder once, in order.
func (db *DB) rebind(query string) string {
	if db.dialect == dialectSQLite {
		return placeholder.ReplaceAllString(query, "?")
	}
	return query
}

// withRetry runs a read, retrying transient connectivity errors up to maxRetries times
func (db *DB) withRetry(ctx context.Context, name string, op func() error) error {
	return db.retry(ctx, name, isTransient, op)
}

// withWriteRetry runs a write. Only errors proving the statement never reached the
// server are retried, since a write that committed before the connection dropped must
// not be applied twice.
func (db *DB) withWriteRetry(ctx context.Context, name string, op func() error) error {
	return db.retry(ctx, name, isUnsent, op)
}

func (db *DB) retry(ctx context.Context, name string, retryable func(error) bool, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !retryable(err) || attempt >= db.maxRetries {
			return err
		}

		log.Warn().Err(err).Str("op", name).Int("attempt", attempt+1).Msg("Transient database error, retrying")

		timer := time.NewTimer(time.Duration(attempt+1) * 50 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// isTransient reports whether err looks like a dropped or busy connection
func isTransient(err error) bool {
	if isUnsent(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08: connection exception, 57P01..03: server shutting down
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P0")
	}
	return false
}

// isUnsent reports whether err shows the statement was never executed: a stale pooled
// connection, a refused dial, a rejected connection or a busy SQLite lock.
func isUnsent(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08001: unable to connect, 08004: connection rejected
		return pqErr.Code == "08001" || pqErr.Code == "08004"
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// isUniqueViolation reports whether err is a unique constraint failure
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func parseURL(databaseURL string) (dialect, dsn string) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return dialectPostgres, databaseURL
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return dialectSQLite, sqliteDSN(strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return dialectSQLite, sqliteDSN(strings.TrimPrefix(databaseURL, "sqlite:"))
	default:
		return dialectSQLite, sqliteDSN(databaseURL)
	}
}

// sqliteDSN pins the driver's time encoding so TIMESTAMP columns scan back into time.Time
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}
