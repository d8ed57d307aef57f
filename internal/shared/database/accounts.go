package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

const accountColumns = `id, identity, secret_hash, api_key_hash, key_prefix, text_tokens,
	images_processed, last_used_at, created_at, updated_at`

// HashAPIKey returns the stored digest of a raw API key
func HashAPIKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// CreateAccount inserts a new account. A clash on identity or key hash returns ErrDuplicate.
func (db *DB) CreateAccount(ctx context.Context, a *models.Account) error {
	query := db.rebind(`
		INSERT INTO accounts (id, identity, secret_hash, api_key_hash, key_prefix,
			text_tokens, images_processed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)

	err := db.withWriteRetry(ctx, "create_account", func() error {
		_, err := db.conn.ExecContext(ctx, query,
			a.ID,
			a.Identity,
			a.SecretHash,
			a.APIKeyHash,
			a.KeyPrefix,
			a.TextTokens,
			a.ImagesProcessed,
			a.CreatedAt,
			a.UpdatedAt,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// GetAccountByIdentity retrieves an account by its identity
func (db *DB) GetAccountByIdentity(ctx context.Context, identity string) (*models.Account, error) {
	query := db.rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE identity = $1`)
	return db.getAccount(ctx, "get_account", query, identity)
}

// GetAccountByAPIKey retrieves an account by its raw key value
func (db *DB) GetAccountByAPIKey(ctx context.Context, rawKey string) (*models.Account, error) {
	query := db.rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE api_key_hash = $1`)
	return db.getAccount(ctx, "get_account_by_key", query, HashAPIKey(rawKey))
}

// APIKeyHashExists reports whether any account holds the key digest
func (db *DB) APIKeyHashExists(ctx context.Context, keyHash string) (bool, error) {
	query := db.rebind(`SELECT COUNT(*) FROM accounts WHERE api_key_hash = $1`)

	var count int
	err := db.withRetry(ctx, "key_exists", func() error {
		return db.conn.QueryRowContext(ctx, query, keyHash).Scan(&count)
	})
	if err != nil {
		return false, fmt.Errorf("database error: %w", err)
	}
	return count > 0, nil
}

// UpdateAPIKey swaps the key of an account in a single statement
func (db *DB) UpdateAPIKey(ctx context.Context, identity, keyHash, keyPrefix string) error {
	query := db.rebind(`
		UPDATE accounts SET api_key_hash = $1, key_prefix = $2, updated_at = $3
		WHERE identity = $4
	`)
	return db.execOne(ctx, "update_api_key", query, keyHash, keyPrefix, time.Now().UTC(), identity)
}

// DeleteAccount removes the account and its counters
func (db *DB) DeleteAccount(ctx context.Context, identity string) error {
	query := db.rebind(`DELETE FROM accounts WHERE identity = $1`)
	return db.execOne(ctx, "delete_account", query, identity)
}

// AddUsage increments the counter for category by amount
func (db *DB) AddUsage(ctx context.Context, identity string, category models.Category, amount int64) error {
	var column string
	switch category {
	case models.CategoryTextTokens:
		column = "text_tokens"
	case models.CategoryImagesProcessed:
		column = "images_processed"
	default:
		return fmt.Errorf("unknown usage category %q", category)
	}

	query := db.rebind(`UPDATE accounts SET ` + column + ` = ` + column + ` + $1, updated_at = $2 WHERE identity = $3`)
	return db.execOne(ctx, "add_usage", query, amount, time.Now().UTC(), identity)
}

// TouchAccount updates the last_used_at timestamp
func (db *DB) TouchAccount(ctx context.Context, identity string, at time.Time) error {
	query := db.rebind(`UPDATE accounts SET last_used_at = $1 WHERE identity = $2`)
	return db.execOne(ctx, "touch_account", query, at.UTC(), identity)
}

func (db *DB) getAccount(ctx context.Context, name, query string, arg any) (*models.Account, error) {
	var a models.Account
	var lastUsed sql.NullTime

	err := db.withRetry(ctx, name, func() error {
		return db.conn.QueryRowContext(ctx, query, arg).Scan(
			&a.ID,
			&a.Identity,
			&a.SecretHash,
			&a.APIKeyHash,
			&a.KeyPrefix,
			&a.TextTokens,
			&a.ImagesProcessed,
			&lastUsed,
			&a.CreatedAt,
			&a.UpdatedAt,
		)
	})

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if lastUsed.Valid {
		t := lastUsed.Time
		a.LastUsedAt = &t
	}
	return &a, nil
}

// execOne runs a statement that must affect exactly one row
func (db *DB) execOne(ctx context.Context, name, query string, args ...any) error {
	var res sql.Result
	err := db.withWriteRetry(ctx, name, func() error {
		var err error
		res, err = db.conn.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("database error: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
