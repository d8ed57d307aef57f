package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kyegomez/KosmosX-API/internal/shared/apperr"
	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

type stubLookup struct {
	accounts map[string]*models.Account
	err      error
	calls    int
}

func (s *stubLookup) LookupByKey(_ context.Context, rawKey string) (*models.Account, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if a, ok := s.accounts[rawKey]; ok {
		return a, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "api key not found")
}

func TestAuthorize(t *testing.T) {
	lookup := &stubLookup{accounts: map[string]*models.Account{
		"kx-good": {Identity: "alice"},
	}}
	a := NewAuthenticator(lookup)

	account, err := a.Authorize(context.Background(), "kx-good")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if account.Identity != "alice" {
		t.Errorf("Expected alice, got %s", account.Identity)
	}
}

func TestAuthorize_UniformFailure(t *testing.T) {
	lookup := &stubLookup{accounts: map[string]*models.Account{}}
	a := NewAuthenticator(lookup)
	ctx := context.Background()

	keys := []string{"", "   ", "kx-unknown", strings.Repeat("k", 500)}

	var details []string
	for _, key := range keys {
		_, err := a.Authorize(ctx, key)
		e := apperr.As(err)
		if e.Kind != apperr.KindInvalidKey {
			t.Fatalf("Authorize(%q): expected invalid_key, got %v", key, err)
		}
		details = append(details, e.Error())
	}

	for _, d := range details[1:] {
		if d != details[0] {
			t.Errorf("Failure messages differ: %q vs %q", d, details[0])
		}
	}

	if lookup.calls != 1 {
		t.Errorf("Expected only the well-formed key to reach storage, got %d calls", lookup.calls)
	}
}

func TestAuthorize_StorageErrorFailsClosed(t *testing.T) {
	lookup := &stubLookup{err: apperr.Wrap(apperr.KindStorage, "down", errors.New("conn refused"))}
	a := NewAuthenticator(lookup)

	_, err := a.Authorize(context.Background(), "kx-any")
	if apperr.KindOf(err) != apperr.KindInvalidKey {
		t.Errorf("Expected invalid_key, got %v", err)
	}
}
