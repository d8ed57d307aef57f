package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidKey, http.StatusForbidden},
		{KindInvalidCredentials, http.StatusForbidden},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindDuplicateIdentity, http.StatusConflict},
		{KindModelError, http.StatusBadGateway},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindStorage, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("StatusFor(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("predict: %w", RateLimited(30*time.Second))
	if KindOf(err) != KindRateLimited {
		t.Errorf("Expected rate_limited, got %s", KindOf(err))
	}

	e := As(err)
	if e.RetryAfter != 30*time.Second {
		t.Errorf("Expected retry after 30s, got %s", e.RetryAfter)
	}
}

func TestAs_Untyped(t *testing.T) {
	cause := errors.New("boom")
	e := As(cause)
	if e.Kind != KindInternal {
		t.Errorf("Expected internal, got %s", e.Kind)
	}
	if !errors.Is(e, cause) {
		t.Error("Expected cause to be preserved")
	}
}

func TestUniformMessages(t *testing.T) {
	if InvalidKey().Detail != "Invalid API Key" {
		t.Errorf("Unexpected detail: %s", InvalidKey().Detail)
	}
	if InvalidCredentials().Detail != "Invalid username or password" {
		t.Errorf("Unexpected detail: %s", InvalidCredentials().Detail)
	}
}
