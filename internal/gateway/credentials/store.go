// Package credentials owns account records: registration, password checks, API key
// lookup, rotation and deletion.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/kyegomez/KosmosX-API/internal/shared/apperr"
	"github.com/kyegomez/KosmosX-API/internal/shared/database"
	"github.com/kyegomez/KosmosX-API/internal/shared/keylock"
	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

const (
	keyPrefix      = "kx-"
	keyBytes       = 32
	displayPrefix  = 10
	maxKeyAttempts = 5
	maxSecretBytes = 72
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{3,64}$`)

// Repository is the persistence the store needs. *database.DB implements it.
type Repository interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccountByIdentity(ctx context.Context, identity string) (*models.Account, error)
	GetAccountByAPIKey(ctx context.Context, rawKey string) (*models.Account, error)
	APIKeyHashExists(ctx context.Context, keyHash string) (bool, error)
	UpdateAPIKey(ctx context.Context, identity, keyHash, keyPrefix string) error
	DeleteAccount(ctx context.Context, identity string) error
	TouchAccount(ctx context.Context, identity string, at time.Time) error
}

type Store struct {
	repo       Repository
	locks      *keylock.Locks
	cost       int
	dummyHash  []byte
	touchPool  *workerpool.WorkerPool
	randReader func([]byte) (int, error)

	touchMu sync.RWMutex
	closed  bool
}

// NewStore creates a credential store. locks must be shared with the usage meter so that
// mutations of one account are serialized.
func NewStore(repo Repository, locks *keylock.Locks, bcryptCost, touchWorkers int) (*Store, error) {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	if touchWorkers <= 0 {
		touchWorkers = 1
	}

	// Compared against when the identity is unknown, so both paths cost one bcrypt check
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hasher: %w", err)
	}

	return &Store{
		repo:       repo,
		locks:      locks,
		cost:       bcryptCost,
		dummyHash:  dummy,
		touchPool:  workerpool.New(touchWorkers),
		randReader: rand.Read,
	}, nil
}

// Close waits for pending last-used updates. Touches after Close are dropped.
func (s *Store) Close() {
	s.touchMu.Lock()
	if s.closed {
		s.touchMu.Unlock()
		return
	}
	s.closed = true
	s.touchMu.Unlock()

	s.touchPool.StopWait()
}

// Register creates an account and returns its first API key
func (s *Store) Register(ctx context.Context, identity, secret string) (string, error) {
	if err := validate(identity, secret); err != nil {
		return "", err
	}

	unlock := s.locks.Lock(identity)
	defer unlock()

	_, err := s.repo.GetAccountByIdentity(ctx, identity)
	if err == nil {
		return "", apperr.New(apperr.KindDuplicateIdentity, "username already registered")
	}
	if !errors.Is(err, database.ErrNotFound) {
		return "", storageError(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to hash password", err)
	}

	rawKey, keyHash, err := s.newKey(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	account := &models.Account{
		ID:         uuid.NewString(),
		Identity:   identity,
		SecretHash: string(hash),
		APIKeyHash: keyHash,
		KeyPrefix:  rawKey[:displayPrefix],
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return "", apperr.New(apperr.KindDuplicateIdentity, "username already registered")
		}
		return "", storageError(err)
	}

	log.Info().Str("identity", identity).Str("key_prefix", account.KeyPrefix).Msg("Account registered")
	return rawKey, nil
}

// Authenticate checks a username/password pair. Any lookup failure returns false.
func (s *Store) Authenticate(ctx context.Context, identity, secret string) bool {
	_, err := s.verify(ctx, identity, secret)
	return err == nil
}

// LookupByKey resolves an API key to its account
func (s *Store) LookupByKey(ctx context.Context, rawKey string) (*models.Account, error) {
	account, err := s.repo.GetAccountByAPIKey(ctx, rawKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "api key not found")
	}
	if err != nil {
		return nil, storageError(err)
	}
	return account, nil
}

// RotateKey replaces the account's API key. The old key stops resolving once the update
// commits.
func (s *Store) RotateKey(ctx context.Context, identity, secret string) (string, error) {
	unlock := s.locks.Lock(identity)
	defer unlock()

	if _, err := s.verify(ctx, identity, secret); err != nil {
		return "", err
	}

	rawKey, keyHash, err := s.newKey(ctx)
	if err != nil {
		return "", err
	}

	prefix := rawKey[:displayPrefix]
	if err := s.repo.UpdateAPIKey(ctx, identity, keyHash, prefix); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return "", apperr.InvalidCredentials()
		}
		return "", storageError(err)
	}

	log.Info().Str("identity", identity).Str("key_prefix", prefix).Msg("API key rotated")
	return rawKey, nil
}

// Delete removes the account and all of its usage counters
func (s *Store) Delete(ctx context.Context, identity, secret string) error {
	unlock := s.locks.Lock(identity)
	defer unlock()

	if _, err := s.verify(ctx, identity, secret); err != nil {
		return err
	}

	if err := s.repo.DeleteAccount(ctx, identity); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return apperr.InvalidCredentials()
		}
		return storageError(err)
	}

	log.Info().Str("identity", identity).Msg("Account deleted")
	return nil
}

// Touch records the account as used, off the request path
func (s *Store) Touch(identity string) {
	at := time.Now()

	s.touchMu.RLock()
	defer s.touchMu.RUnlock()
	if s.closed {
		log.Debug().Str("identity", identity).Msg("Store closed, dropping last used update")
		return
	}

	s.touchPool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.repo.TouchAccount(ctx, identity, at); err != nil && !errors.Is(err, database.ErrNotFound) {
			log.Debug().Err(err).Str("identity", identity).Msg("Failed to update last used time")
		}
	})
}

// verify returns the account when the password matches
func (s *Store) verify(ctx context.Context, identity, secret string) (*models.Account, error) {
	account, err := s.repo.GetAccountByIdentity(ctx, identity)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(secret))
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.InvalidCredentials()
		}
		return nil, storageError(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.SecretHash), []byte(secret)); err != nil {
		return nil, apperr.InvalidCredentials()
	}
	return account, nil
}

// newKey generates a random key whose digest no account holds yet
func (s *Store) newKey(ctx context.Context) (string, string, error) {
	buf := make([]byte, keyBytes)
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		if _, err := s.randReader(buf); err != nil {
			return "", "", apperr.Wrap(apperr.KindInternal, "failed to generate api key", err)
		}

		rawKey := keyPrefix + hex.EncodeToString(buf)
		keyHash := database.HashAPIKey(rawKey)

		exists, err := s.repo.APIKeyHashExists(ctx, keyHash)
		if err != nil {
			return "", "", storageError(err)
		}
		if !exists {
			return rawKey, keyHash, nil
		}
		log.Warn().Int("attempt", attempt+1).Msg("Generated API key collided, regenerating")
	}
	return "", "", apperr.New(apperr.KindInternal, "failed to generate a unique api key")
}

func validate(identity, secret string) error {
	if !identityPattern.MatchString(identity) {
		return apperr.Validation("username must be 3-64 characters of letters, digits, '_', '.', '@' or '-'")
	}
	if secret == "" {
		return apperr.Validation("password is required")
	}
	if len(secret) > maxSecretBytes {
		return apperr.Validation("password must be at most 72 bytes")
	}
	return nil
}

func storageError(err error) error {
	return apperr.Wrap(apperr.KindStorage, "account storage unavailable", err)
}
