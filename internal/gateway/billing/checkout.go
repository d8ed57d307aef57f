// Package billing turns accumulated usage into a Stripe checkout session.
package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"

	"github.com/kyegomez/KosmosX-API/internal/gateway/metering"
	"github.com/kyegomez/KosmosX-API/internal/shared/apperr"
)

const lineItemName = "Tokens & Images"

// Session is a created checkout session
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type sessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type Checkout struct {
	sessions   sessionCreator
	successURL string
	cancelURL  string
}

// NewCheckout creates a Stripe-backed checkout
func NewCheckout(apiKey, successURL, cancelURL string) (*Checkout, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("stripe API key is required")
	}

	sc := &client.API{}
	sc.Init(apiKey, nil)

	return &Checkout{
		sessions:   sc.CheckoutSessions,
		successURL: successURL,
		cancelURL:  cancelURL,
	}, nil
}

// Create opens a one-off payment session for the invoice total
func (c *Checkout) Create(ctx context.Context, identity string, invoice metering.Invoice) (*Session, error) {
	if invoice.TotalCents <= 0 {
		return nil, apperr.Validation("no billable usage")
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(string(stripe.CurrencyUSD)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(lineItemName),
					},
					UnitAmount: stripe.Int64(invoice.TotalCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
		ClientReferenceID: stripe.String(identity),
	}
	params.Context = ctx

	s, err := c.sessions.New(params)
	if err != nil {
		log.Error().Err(err).Str("identity", identity).Int64("cents", invoice.TotalCents).Msg("Stripe checkout failed")
		return nil, apperr.Wrap(apperr.KindInternal, "failed to create checkout session", err)
	}

	log.Info().Str("identity", identity).Str("session", s.ID).Int64("cents", invoice.TotalCents).Msg("Checkout session created")
	return &Session{ID: s.ID, URL: s.URL}, nil
}
