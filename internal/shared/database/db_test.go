package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"), 2)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newAccount(identity, rawKey string) *models.Account {
	now := time.Now().UTC()
	return &models.Account{
		ID:         "id-" + identity,
		Identity:   identity,
		SecretHash: "hash",
		APIKeyHash: HashAPIKey(rawKey),
		KeyPrefix:  rawKey[:4],
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestNew_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "accounts.db")

	db, err := New(context.Background(), dbPath, 0)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("Nested directories were not created")
	}
	if db.Dialect() != dialectSQLite {
		t.Errorf("Expected sqlite dialect, got %s", db.Dialect())
	}
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		in          string
		wantDialect string
		wantDSN     string
	}{
		{"postgres://u:p@localhost/db", dialectPostgres, "postgres://u:p@localhost/db"},
		{"postgresql://localhost/db", dialectPostgres, "postgresql://localhost/db"},
		{"sqlite:///tmp/a.db", dialectSQLite, "/tmp/a.db?_time_format=sqlite"},
		{"sqlite:a.db", dialectSQLite, "a.db?_time_format=sqlite"},
		{"file:a.db?cache=shared", dialectSQLite, "file:a.db?cache=shared&_time_format=sqlite"},
		{"data/a.db", dialectSQLite, "data/a.db?_time_format=sqlite"},
	}

	for _, tt := range tests {
		dialect, dsn := parseURL(tt.in)
		if dialect != tt.wantDialect || dsn != tt.wantDSN {
			t.Errorf("parseURL(%q) = (%s, %s), want (%s, %s)", tt.in, dialect, dsn, tt.wantDialect, tt.wantDSN)
		}
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{dialect: dialectSQLite}
	pg := &DB{dialect: dialectPostgres}
	query := "UPDATE accounts SET a = $1 WHERE identity = $2"

	if got := sqlite.rebind(query); got != "UPDATE accounts SET a = ? WHERE identity = ?" {
		t.Errorf("Unexpected sqlite query: %s", got)
	}
	if got := pg.rebind(query); got != query {
		t.Errorf("Postgres query should be unchanged, got %s", got)
	}
}

func TestCreateAndGetAccount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := newAccount("alice", "kx-alice-key")
	if err := db.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	got, err := db.GetAccountByIdentity(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccountByIdentity failed: %v", err)
	}
	if got.ID != a.ID || got.APIKeyHash != a.APIKeyHash {
		t.Errorf("Unexpected account: %+v", got)
	}
	if got.LastUsedAt != nil {
		t.Error("Expected nil last_used_at")
	}

	byKey, err := db.GetAccountByAPIKey(ctx, "kx-alice-key")
	if err != nil {
		t.Fatalf("GetAccountByAPIKey failed: %v", err)
	}
	if byKey.Identity != "alice" {
		t.Errorf("Expected alice, got %s", byKey.Identity)
	}
}

func TestCreateAccount_Duplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateAccount(ctx, newAccount("alice", "kx-one")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	dup := newAccount("alice", "kx-two")
	dup.ID = "other-id"
	if err := db.CreateAccount(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for identity, got %v", err)
	}

	sameKey := newAccount("bob", "kx-one")
	if err := db.CreateAccount(ctx, sameKey); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for key hash, got %v", err)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.GetAccountByIdentity(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := db.GetAccountByAPIKey(ctx, "kx-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAPIKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateAccount(ctx, newAccount("alice", "kx-old")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := db.UpdateAPIKey(ctx, "alice", HashAPIKey("kx-new"), "kx-n"); err != nil {
		t.Fatalf("UpdateAPIKey failed: %v", err)
	}

	if _, err := db.GetAccountByAPIKey(ctx, "kx-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected old key to be gone, got %v", err)
	}
	if _, err := db.GetAccountByAPIKey(ctx, "kx-new"); err != nil {
		t.Errorf("Expected new key to resolve, got %v", err)
	}

	exists, err := db.APIKeyHashExists(ctx, HashAPIKey("kx-new"))
	if err != nil || !exists {
		t.Errorf("Expected key hash to exist, got %v %v", exists, err)
	}

	if err := db.UpdateAPIKey(ctx, "nobody", "x", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAddUsage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateAccount(ctx, newAccount("alice", "kx-key")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	if err := db.AddUsage(ctx, "alice", models.CategoryTextTokens, 100); err != nil {
		t.Fatalf("AddUsage failed: %v", err)
	}
	if err := db.AddUsage(ctx, "alice", models.CategoryTextTokens, 150); err != nil {
		t.Fatalf("AddUsage failed: %v", err)
	}
	if err := db.AddUsage(ctx, "alice", models.CategoryImagesProcessed, 2); err != nil {
		t.Fatalf("AddUsage failed: %v", err)
	}

	a, err := db.GetAccountByIdentity(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccountByIdentity failed: %v", err)
	}
	if a.TextTokens != 250 || a.ImagesProcessed != 2 {
		t.Errorf("Expected 250 tokens and 2 images, got %d and %d", a.TextTokens, a.ImagesProcessed)
	}

	if err := db.AddUsage(ctx, "alice", models.Category("audio"), 1); err == nil {
		t.Error("Expected error for unknown category")
	}
	if err := db.AddUsage(ctx, "nobody", models.CategoryTextTokens, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAccount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateAccount(ctx, newAccount("alice", "kx-key")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := db.DeleteAccount(ctx, "alice"); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}
	if _, err := db.GetAccountByIdentity(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := db.DeleteAccount(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestTouchAccount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateAccount(ctx, newAccount("alice", "kx-key")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	if err := db.TouchAccount(ctx, "alice", at); err != nil {
		t.Fatalf("TouchAccount failed: %v", err)
	}

	a, err := db.GetAccountByIdentity(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccountByIdentity failed: %v", err)
	}
	if a.LastUsedAt == nil || !a.LastUsedAt.Equal(at) {
		t.Errorf("Expected last_used_at %v, got %v", at, a.LastUsedAt)
	}
}

func TestWithRetry(t *testing.T) {
	db := &DB{maxRetries: 2}
	ctx := context.Background()

	calls := 0
	err := db.withRetry(ctx, "test", func() error {
		calls++
		if calls < 3 {
			return driver.ErrBadConn
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("Expected success after 3 calls, got %v after %d", err, calls)
	}

	calls = 0
	err = db.withRetry(ctx, "test", func() error {
		calls++
		return driver.ErrBadConn
	})
	if !errors.Is(err, driver.ErrBadConn) || calls != 3 {
		t.Errorf("Expected bad conn after 3 calls, got %v after %d", err, calls)
	}

	calls = 0
	permanent := errors.New("syntax error")
	err = db.withRetry(ctx, "test", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("Expected no retry for permanent error, got %v after %d", err, calls)
	}
}

func TestWithWriteRetry(t *testing.T) {
	db := &DB{maxRetries: 2}
	ctx := context.Background()

	// the statement committed, then the reply was lost
	applied := 0
	err := db.withWriteRetry(ctx, "test", func() error {
		applied++
		return &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
	})
	if err == nil || applied != 1 {
		t.Errorf("Expected a lost reply to be returned without retry, got %v after %d calls", err, applied)
	}

	calls := 0
	err = db.withWriteRetry(ctx, "test", func() error {
		calls++
		if calls == 1 {
			return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("Expected a refused dial to be retried, got %v after %d calls", err, calls)
	}

	calls = 0
	err = db.withWriteRetry(ctx, "test", func() error {
		calls++
		return &pq.Error{Code: "08006"}
	})
	if err == nil || calls != 1 {
		t.Errorf("Expected a mid-statement connection failure not to be retried, got %v after %d calls", err, calls)
	}
}

func TestIsUnsent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"refused dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"reset read", &net.OpError{Op: "read", Err: errors.New("connection reset")}, false},
		{"pg unable to connect", &pq.Error{Code: "08001"}, true},
		{"pg connection failure", &pq.Error{Code: "08006"}, false},
		{"pg admin shutdown", &pq.Error{Code: "57P01"}, false},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
	}

	for _, tt := range tests {
		if got := isUnsent(tt.err); got != tt.want {
			t.Errorf("%s: isUnsent = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"reset read", &net.OpError{Op: "read", Err: errors.New("connection reset")}, true},
		{"pg connection failure", &pq.Error{Code: "08006"}, true},
		{"pg admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"pg unique violation", &pq.Error{Code: "23505"}, false},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"other", errors.New("no such table"), false},
	}

	for _, tt := range tests {
		if got := isTransient(tt.err); got != tt.want {
			t.Errorf("%s: isTransient = %v, want %v", tt.name, got, tt.want)
		}
	}
}
