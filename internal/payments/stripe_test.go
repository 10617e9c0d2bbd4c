package payments

import (
	"errors"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"

	"github.com/example/repair-dispatch/internal/models"
)

func TestClassify(t *testing.T) {
	if classify("hold", nil) != nil {
		t.Fatalf("nil error should stay nil")
	}

	card := &stripe.Error{Type: stripe.ErrorTypeCard, Msg: "Your card was declined."}
	if err := classify("hold", card); !errors.Is(err, models.ErrPaymentDeclined) {
		t.Fatalf("card error should map to ErrPaymentDeclined, got %v", err)
	}

	api := &stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "boom"}
	err := classify("capture", api)
	if errors.Is(err, models.ErrPaymentDeclined) {
		t.Fatalf("api error must not look like a decline")
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		t.Fatalf("api error should stay inspectable, got %v", err)
	}
}

func TestCheckHeld(t *testing.T) {
	ok := &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresCapture}
	if err := checkHeld(ok); err != nil {
		t.Fatalf("authorized intent rejected: %v", err)
	}
	for _, st := range []stripe.PaymentIntentStatus{
		stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusCanceled,
	} {
		err := checkHeld(&stripe.PaymentIntent{ID: "pi_2", Status: st})
		if !errors.Is(err, models.ErrPaymentDeclined) {
			t.Fatalf("%s: expected ErrPaymentDeclined, got %v", st, err)
		}
	}
}
