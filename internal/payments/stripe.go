// Package payments wraps the Stripe SDK: creating payment intents at
// checkout and verifying webhook signatures before any event reaches the
// order store.
package payments

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/paymentintent"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/safar/go-storefront/internal/config"
	"github.com/safar/go-storefront/internal/models"
	"github.com/shopspring/decimal"
)

type StripeService struct {
	webhookSecret string
}

func NewStripeService(cfg config.StripeConfig) *StripeService {
	stripe.Key = cfg.SecretKey
	return &StripeService{webhookSecret: cfg.WebhookSecret}
}

// CreatePaymentIntent opens a payment for the order's total; the order id
// rides along in the intent metadata so the webhook can find its way back.
func (s *StripeService) CreatePaymentIntent(order *models.Order) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(order.TotalPrice.Mul(decimal.NewFromInt(100)).IntPart()),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.AddMetadata("order_id", strconv.FormatInt(order.ID, 10))

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// ParseWebhook verifies the Stripe-Signature header and returns the event.
// Unverified payloads never make it past this point.
func (s *StripeService) ParseWebhook(r *http.Request) (stripe.Event, error) {
	var event stripe.Event
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return event, err
	}
	r.Body = io.NopCloser(bytes.NewBuffer(payload))

	sigHeader := r.Header.Get("Stripe-Signature")
	return webhook.ConstructEvent(payload, sigHeader, s.webhookSecret)
}

// PaymentResultFromIntent maps a succeeded payment intent onto the record
// stored with the order. Stripe amounts are in minor units.
func PaymentResultFromIntent(pi *stripe.PaymentIntent) models.PaymentResult {
	return models.PaymentResult{
		TransactionID: pi.ID,
		Status:        "COMPLETED",
		PayerEmail:    pi.ReceiptEmail,
		AmountPaid:    decimal.NewFromInt(pi.Amount).Div(decimal.NewFromInt(100)),
	}
}
