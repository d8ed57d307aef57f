package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v72"

	"github.com/kyegomez/KosmosX-API/internal/gateway/metering"
	"github.com/kyegomez/KosmosX-API/internal/shared/apperr"
)

type fakeSessions struct {
	params *stripe.CheckoutSessionParams
	err    error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1"}, nil
}

func TestCreate(t *testing.T) {
	fake := &fakeSessions{}
	c := &Checkout{sessions: fake, successURL: "https://example.com/ok", cancelURL: "https://example.com/cancel"}

	s, err := c.Create(context.Background(), "alice", metering.Invoice{TotalUSD: 2, TotalCents: 200})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.ID != "cs_test_1" || s.URL == "" {
		t.Errorf("Unexpected session: %+v", s)
	}

	p := fake.params
	if len(p.LineItems) != 1 {
		t.Fatalf("Expected one line item, got %d", len(p.LineItems))
	}
	item := p.LineItems[0]
	if *item.PriceData.UnitAmount != 200 || *item.PriceData.Currency != "usd" || *item.PriceData.ProductData.Name != "Tokens & Images" {
		t.Errorf("Unexpected line item: %+v", item.PriceData)
	}
	if *p.Mode != "payment" || *p.ClientReferenceID != "alice" || *p.SuccessURL != "https://example.com/ok" {
		t.Errorf("Unexpected session params")
	}
}

func TestCreate_Errors(t *testing.T) {
	fake := &fakeSessions{}
	c := &Checkout{sessions: fake}

	if _, err := c.Create(context.Background(), "alice", metering.Invoice{}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("Expected validation_error for empty invoice, got %v", err)
	}
	if fake.params != nil {
		t.Error("Stripe should not be called for an empty invoice")
	}

	fake.err = errors.New("card_declined")
	if _, err := c.Create(context.Background(), "alice", metering.Invoice{TotalCents: 100}); apperr.KindOf(err) != apperr.KindInternal {
		t.Errorf("Expected internal error, got %v", err)
	}
}

func TestNewCheckout_RequiresKey(t *testing.T) {
	if _, err := NewCheckout("", "", ""); err == nil {
		t.Error("Expected error without API key")
	}
}
