// Package escrow decides how a visit fee is covered when a request is
// created, undoes that funding if the request never gets recorded, and
// computes the settlement credit once completion is verified.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/observability"
	"github.com/example/repair-dispatch/internal/payments"
	"github.com/example/repair-dispatch/internal/subscription"
)

const (
	DefaultVisitFee             int64 = 200
	DefaultTechnicianVisitShare int64 = 150
)

// Gateway is the card processor. payments.StripeClient satisfies it.
type Gateway interface {
	Hold(ctx context.Context, req payments.HoldRequest) (string, error)
	Capture(ctx context.Context, paymentID string) error
	Cancel(ctx context.Context, paymentID string) error
	Refund(ctx context.Context, paymentID string) error
}

type Config struct {
	VisitFee             int64
	TechnicianVisitShare int64
	Currency             string
}

func DefaultConfig() Config {
	return Config{VisitFee: DefaultVisitFee, TechnicianVisitShare: DefaultTechnicianVisitShare, Currency: "inr"}
}

// FundingRequest carries what the user supplied at creation.
type FundingRequest struct {
	RequestID     string
	UserID        string
	Mode          models.FundingMode
	CustomerID    string
	PaymentMethod string
}

type Ledger struct {
	cfg     Config
	gateway Gateway
	quotas  subscription.Service
	logger  *slog.Logger
}

// NewLedger wires a ledger. A nil gateway makes pay_now unavailable.
func NewLedger(cfg Config, gateway Gateway, quotas subscription.Service, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{cfg: cfg, gateway: gateway, quotas: quotas, logger: logger}
}

func (l *Ledger) VisitFee() int64             { return l.cfg.VisitFee }
func (l *Ledger) TechnicianVisitShare() int64 { return l.cfg.TechnicianVisitShare }

// Fund secures the visit fee using exactly one mode. On error nothing is left
// held, captured or consumed.
func (l *Ledger) Fund(ctx context.Context, fr FundingRequest) (models.Funding, error) {
	switch fr.Mode {
	case models.FundingPayNow:
		return l.payNow(ctx, fr)
	case models.FundingSubscription:
		return l.waive(ctx, fr)
	case models.FundingAuto:
		q, err := l.quotas.GetQuota(ctx, fr.UserID)
		if err != nil {
			return models.Funding{}, fmt.Errorf("quota lookup: %w", err)
		}
		if q.Remaining() > 0 {
			f, err := l.waive(ctx, fr)
			if err == nil || !errors.Is(err, models.ErrQuotaExceeded) {
				return f, err
			}
			// another request took the last visit in between
		}
		return l.payNow(ctx, fr)
	default:
		return models.Funding{}, fmt.Errorf("%w: unknown funding mode %q", models.ErrValidation, fr.Mode)
	}
}

func (l *Ledger) payNow(ctx context.Context, fr FundingRequest) (models.Funding, error) {
	if l.gateway == nil {
		observability.FundingTotal.WithLabelValues(string(models.FundingPayNow), "unavailable").Inc()
		return models.Funding{}, fmt.Errorf("%w: card payments are not configured", models.ErrPaymentDeclined)
	}
	// an intent without a payment method can never be captured
	if fr.PaymentMethod == "" {
		observability.FundingTotal.WithLabelValues(string(models.FundingPayNow), "no_payment_method").Inc()
		return models.Funding{}, fmt.Errorf("%w: no payment method supplied", models.ErrPaymentDeclined)
	}
	id, err := l.gateway.Hold(ctx, payments.HoldRequest{
		Amount:         l.cfg.VisitFee,
		Currency:       l.cfg.Currency,
		CustomerID:     fr.CustomerID,
		PaymentMethod:  fr.PaymentMethod,
		IdempotencyKey: "visit-fee-" + fr.RequestID,
		Description:    "visit fee for request " + fr.RequestID,
	})
	if err != nil {
		observability.FundingTotal.WithLabelValues(string(models.FundingPayNow), "hold_failed").Inc()
		return models.Funding{}, err
	}
	if err := l.gateway.Capture(ctx, id); err != nil {
		observability.FundingTotal.WithLabelValues(string(models.FundingPayNow), "capture_failed").Inc()
		if cerr := l.gateway.Cancel(ctx, id); cerr != nil {
			l.logger.Error("release hold after failed capture", "payment_id", id, "request_id", fr.RequestID, "error", cerr)
		}
		return models.Funding{}, err
	}
	observability.FundingTotal.WithLabelValues(string(models.FundingPayNow), "ok").Inc()
	return models.Funding{
		Mode:         models.FundingPayNow,
		VisitFee:     l.cfg.VisitFee,
		VisitFeePaid: true,
		PaymentRef:   id,
	}, nil
}

func (l *Ledger) waive(ctx context.Context, fr FundingRequest) (models.Funding, error) {
	if _, err := l.quotas.ConsumeFreeVisit(ctx, fr.UserID); err != nil {
		observability.FundingTotal.WithLabelValues(string(models.FundingSubscription), "rejected").Inc()
		return models.Funding{}, err
	}
	observability.FundingTotal.WithLabelValues(string(models.FundingSubscription), "ok").Inc()
	return models.Funding{
		Mode:               models.FundingSubscription,
		VisitFee:           l.cfg.VisitFee,
		SubscriptionWaived: true,
	}, nil
}

// Compensate undoes a funding whose request could not be recorded.
func (l *Ledger) Compensate(ctx context.Context, userID string, f models.Funding) error {
	var err error
	switch f.Mode {
	case models.FundingPayNow:
		if l.gateway == nil || f.PaymentRef == "" {
			return nil
		}
		err = l.gateway.Refund(ctx, f.PaymentRef)
	case models.FundingSubscription:
		err = l.quotas.ReleaseFreeVisit(ctx, userID)
	default:
		return nil
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	observability.CompensationsTotal.WithLabelValues(string(f.Mode), result).Inc()
	return err
}

// FundAndRecord funds the request, then runs record. If record fails the
// funding is compensated and the record error is returned.
func (l *Ledger) FundAndRecord(ctx context.Context, fr FundingRequest, record func(models.Funding) error) (models.Funding, error) {
	f, err := l.Fund(ctx, fr)
	if err != nil {
		return models.Funding{}, err
	}
	if err := record(f); err != nil {
		// the caller's context may already be gone; compensation must still run
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if cerr := l.Compensate(cctx, fr.UserID, f); cerr != nil {
			l.logger.Error("funding compensation failed",
				"request_id", fr.RequestID, "user_id", fr.UserID, "mode", f.Mode, "payment_ref", f.PaymentRef, "error", cerr)
			return models.Funding{}, errors.Join(err, fmt.Errorf("compensate funding: %w", cerr))
		}
		l.logger.Warn("funding compensated after failed create", "request_id", fr.RequestID, "mode", f.Mode)
		return models.Funding{}, err
	}
	return f, nil
}

// Settlement computes the credit owed to the assigned technician.
func (l *Ledger) Settlement(r *models.ServiceRequest, at time.Time) models.LedgerEntry {
	var cost int64
	if r.EstimatedCost != nil {
		cost = *r.EstimatedCost
	}
	share := r.TechnicianShare
	if share == 0 {
		share = l.cfg.TechnicianVisitShare
	}
	return models.LedgerEntry{
		RequestID:    r.ID,
		TechnicianID: r.TechnicianID,
		VisitShare:   share,
		ServiceCost:  cost,
		Total:        share + cost,
		CreatedAt:    at,
	}
}
