// Package auth resolves bearer API keys to accounts.
package auth

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kyegomez/KosmosX-API/internal/shared/apperr"
	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

// KeyLookup resolves a raw API key. *credentials.Store implements it.
type KeyLookup interface {
	LookupByKey(ctx context.Context, rawKey string) (*models.Account, error)
}

// maxKeyLength bounds what is sent to storage; issued keys are 67 bytes.
const maxKeyLength = 128

type Authenticator struct {
	keys KeyLookup
}

func NewAuthenticator(keys KeyLookup) *Authenticator {
	return &Authenticator{keys: keys}
}

// Authorize returns the account owning apiKey. Every failure, including storage errors,
// is the same InvalidKey error.
func (a *Authenticator) Authorize(ctx context.Context, apiKey string) (*models.Account, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" || len(apiKey) > maxKeyLength {
		return nil, apperr.InvalidKey()
	}

	account, err := a.keys.LookupByKey(ctx, apiKey)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			log.Error().Err(err).Msg("API key lookup failed")
		}
		return nil, apperr.InvalidKey()
	}
	return account, nil
}
