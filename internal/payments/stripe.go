package payments

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"

	"github.com/example/repair-dispatch/internal/models"
)

// HoldRequest describes the visit-fee authorization taken at request creation.
type HoldRequest struct {
	Amount         int64
	Currency       string
	CustomerID     string
	PaymentMethod  string
	IdempotencyKey string
	Description    string
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the package-wide stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates and confirms a PaymentIntent with capture_method=manual so the
// amount is authorized but not yet taken. It returns the PaymentIntent ID.
func (s *StripeClient) Hold(ctx context.Context, req HoldRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
		params.Confirm = stripe.Bool(true)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", classify("hold", err)
	}
	if err := checkHeld(pi); err != nil {
		// requires_action and friends would never capture; drop the intent now
		if pi.Status != stripe.PaymentIntentStatusCanceled {
			if cerr := s.Cancel(ctx, pi.ID); cerr != nil {
				return "", errors.Join(err, cerr)
			}
		}
		return "", err
	}
	return pi.ID, nil
}

// checkHeld accepts only an intent whose funds are authorized and waiting
// for capture.
func checkHeld(pi *stripe.PaymentIntent) error {
	if pi.Status == stripe.PaymentIntentStatusRequiresCapture {
		return nil
	}
	return fmt.Errorf("%w: payment intent %s is %s", models.ErrPaymentDeclined, pi.ID, pi.Status)
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return classify("capture", err)
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return classify("cancel", err)
}

// Refund returns a captured PaymentIntent in full.
func (s *StripeClient) Refund(ctx context.Context, paymentIntentID string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + paymentIntentID)
	_, err := refund.New(params)
	return classify("refund", err)
}

// classify maps card errors to ErrPaymentDeclined and leaves transport or
// API errors as they are.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
		return fmt.Errorf("%w: %s: %s", models.ErrPaymentDeclined, op, se.Msg)
	}
	return fmt.Errorf("stripe %s: %w", op, err)
}
