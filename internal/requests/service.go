// Package requests runs the service-request lifecycle: creation with
// funding, exclusive acceptance, the technician and user actions, completion
// verification with settlement, and cancellation with its penalties.
package requests

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/repair-dispatch/internal/cancellation"
	"github.com/example/repair-dispatch/internal/escrow"
	"github.com/example/repair-dispatch/internal/geo"
	"github.com/example/repair-dispatch/internal/lifecycle"
	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/observability"
	"github.com/example/repair-dispatch/internal/otp"
	"github.com/example/repair-dispatch/internal/storage"
)

// Dispatcher fans requests out to technicians. *dispatch.Broadcaster
// satisfies it.
type Dispatcher interface {
	Broadcast(ctx context.Context, requestID string) error
	Withdraw(ctx context.Context, requestID string) error
	Requeue(ctx context.Context, requestID, droppedBy string) error
	ListFor(ctx context.Context, technicianID string) ([]models.Offer, error)
}

// CodeNotifier delivers a completion code to the owning user.
type CodeNotifier interface {
	DeliverCode(userID, requestID, code string) error
}

// StatusPublisher receives every committed status change.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, r *models.ServiceRequest, ev models.Event) error
}

// Deps are the collaborators of a Service. Codes and Events are optional.
type Deps struct {
	Store    storage.RequestStore
	Geo      geo.Geo
	Dispatch Dispatcher
	Ledger   *escrow.Ledger
	OTP      *otp.Verifier
	Policy   cancellation.Policy
	Codes    CodeNotifier
	Events   StatusPublisher
	Logger   *slog.Logger
}

type Service struct {
	store    storage.RequestStore
	geo      geo.Geo
	dispatch Dispatcher
	ledger   *escrow.Ledger
	otp      *otp.Verifier
	policy   cancellation.Policy
	codes    CodeNotifier
	events   StatusPublisher
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    d.Store,
		geo:      d.Geo,
		dispatch: d.Dispatch,
		ledger:   d.Ledger,
		otp:      d.OTP,
		policy:   d.Policy,
		codes:    d.Codes,
		events:   d.Events,
		logger:   logger.With("component", "requests"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// CreateInput is what a user submits to open a request.
type CreateInput struct {
	UserID        string
	Description   string
	ApplianceRef  string
	ImageRefs     []string
	PreferredSlot string
	ScheduledDate *time.Time
	Location      models.Location

	// FundingMode defaults to auto.
	FundingMode   models.FundingMode
	CustomerID    string
	PaymentMethod string
}

func (in CreateInput) validate() error {
	var missing []string
	if strings.TrimSpace(in.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(in.Description) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(in.ApplianceRef) == "" {
		missing = append(missing, "appliance_ref")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", models.ErrValidation, strings.Join(missing, ", "))
	}
	loc := in.Location
	if loc.GPS == nil && loc.Address == nil {
		return fmt.Errorf("%w: location needs coordinates or an address", models.ErrValidation)
	}
	if g := loc.GPS; g != nil && (g.Lat < -90 || g.Lat > 90 || g.Lon < -180 || g.Lon > 180) {
		return fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	if a := loc.Address; a != nil && (strings.TrimSpace(a.Line1) == "" || strings.TrimSpace(a.City) == "") {
		return fmt.Errorf("%w: address needs line1 and city", models.ErrValidation)
	}
	switch in.FundingMode {
	case models.FundingPayNow:
		if strings.TrimSpace(in.PaymentMethod) == "" {
			return fmt.Errorf("%w: pay_now needs a payment_method", models.ErrValidation)
		}
	case "", models.FundingSubscription, models.FundingAuto:
	default:
		return fmt.Errorf("%w: unknown funding mode %q", models.ErrValidation, in.FundingMode)
	}
	return nil
}

// Create funds and persists a new pending request, then broadcasts it. A
// request is never stored without its funding, and funding is rolled back
// when the store rejects the request.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.ServiceRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	mode := in.FundingMode
	if mode == "" {
		mode = models.FundingAuto
	}
	loc := in.Location
	loc.Manual = loc.GPS == nil && loc.Address != nil
	now := s.now()
	r := &models.ServiceRequest{
		ID:              s.newID(),
		UserID:          in.UserID,
		Status:          models.StatusPending,
		Description:     strings.TrimSpace(in.Description),
		ApplianceRef:    in.ApplianceRef,
		ImageRefs:       in.ImageRefs,
		PreferredSlot:   in.PreferredSlot,
		ScheduledDate:   in.ScheduledDate,
		Location:        loc,
		TechnicianShare: s.ledger.TechnicianVisitShare(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ev := models.Event{
		RequestID:  r.ID,
		ToStatus:   models.StatusPending,
		Action:     string(lifecycle.ActionCreate),
		ActorParty: models.PartyUser,
		ActorID:    in.UserID,
		CreatedAt:  now,
	}
	fr := escrow.FundingRequest{
		RequestID:     r.ID,
		UserID:        in.UserID,
		Mode:          mode,
		CustomerID:    in.CustomerID,
		PaymentMethod: in.PaymentMethod,
	}
	_, err := s.ledger.FundAndRecord(ctx, fr, func(f models.Funding) error {
		r.Funding = f
		ev.Detail = "funding=" + string(f.Mode)
		return s.store.Create(ctx, r, ev)
	})
	if err != nil {
		observability.TransitionsTotal.WithLabelValues(string(lifecycle.ActionCreate), "error").Inc()
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(lifecycle.ActionCreate), "ok").Inc()
	s.logger.Info("request created", "request_id", r.ID, "user_id", r.UserID, "funding", r.Funding.Mode)
	s.publish(ctx, r, ev)

	if err := s.dispatch.Broadcast(ctx, r.ID); err != nil {
		s.logger.Warn("initial broadcast failed", "request_id", r.ID, "error", err)
	}
	return s.store.Get(ctx, r.ID)
}

func (s *Service) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Events(ctx context.Context, id string) ([]models.Event, error) {
	return s.store.Events(ctx, id)
}

// Queue lists the open offers visible to a technician.
func (s *Service) Queue(ctx context.Context, technicianID string) ([]models.Offer, error) {
	return s.dispatch.ListFor(ctx, technicianID)
}

// RegisterTechnician records a technician's verification and availability
// as decided by onboarding. Routine position reports never change these.
func (s *Service) RegisterTechnician(ctx context.Context, t models.TechnicianAvailability) error {
	if t.ID == "" {
		return fmt.Errorf("%w: technician id required", models.ErrValidation)
	}
	if t.Updated.IsZero() {
		t.Updated = s.now()
	}
	if err := s.geo.Upsert(ctx, t); err != nil {
		return err
	}
	s.logger.Info("technician registered", "technician_id", t.ID, "verified", t.Verified, "available", t.Available)
	return nil
}

func (s *Service) TechnicianAccount(ctx context.Context, id string) (models.TechnicianAccount, error) {
	return s.store.TechnicianAccount(ctx, id)
}

func (s *Service) UserAccount(ctx context.Context, id string) (models.UserAccount, error) {
	return s.store.UserAccount(ctx, id)
}

// step is one guarded lifecycle write. build fills in the next state and any
// side effects on the mutation.
type step struct {
	action lifecycle.Action
	actor  models.Actor
	detail string
	build  func(cur, next *models.ServiceRequest, m *storage.Mutation) error
}

// apply checks st against the transition table and the caller, then writes
// the next state conditionally on the status and version that were read.
func (s *Service) apply(ctx context.Context, cur *models.ServiceRequest, st step) (*models.ServiceRequest, models.Event, error) {
	to, err := lifecycle.Check(cur, st.action)
	if err != nil {
		return nil, models.Event{}, s.reject(st.action, err)
	}
	if err := lifecycle.Authorize(cur, st.action, st.actor); err != nil {
		return nil, models.Event{}, s.reject(st.action, err)
	}
	now := s.now()
	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = now
	ev := models.Event{
		RequestID:  cur.ID,
		FromStatus: cur.Status,
		ToStatus:   to,
		Action:     string(st.action),
		ActorParty: st.actor.Party,
		ActorID:    st.actor.ID,
		Detail:     st.detail,
		CreatedAt:  now,
	}
	m := storage.Mutation{Next: next, ExpectedStatus: cur.Status, ExpectedVersion: cur.Version, Event: ev}
	if st.build != nil {
		if err := st.build(cur, next, &m); err != nil {
			return nil, models.Event{}, s.reject(st.action, err)
		}
	}
	out, err := s.store.Apply(ctx, m)
	if err != nil {
		return nil, models.Event{}, s.reject(st.action, err)
	}
	observability.TransitionsTotal.WithLabelValues(string(st.action), "ok").Inc()
	s.logger.Info("request transition",
		"request_id", out.ID, "action", st.action, "from", cur.Status, "to", out.Status,
		"actor_party", st.actor.Party, "actor_id", st.actor.ID, "version", out.Version)
	s.publish(ctx, out, m.Event)
	return out, m.Event, nil
}

// run loads the request and applies st to it.
func (s *Service) run(ctx context.Context, id string, st step) (*models.ServiceRequest, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out, _, err := s.apply(ctx, cur, st)
	return out, err
}

func (s *Service) reject(a lifecycle.Action, err error) error {
	observability.TransitionsTotal.WithLabelValues(string(a), resultLabel(err)).Inc()
	return err
}

func (s *Service) publish(ctx context.Context, r *models.ServiceRequest, ev models.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishStatus(ctx, r, ev); err != nil {
		s.logger.Warn("publish status event failed", "request_id", r.ID, "action", ev.Action, "error", err)
	}
}

// setAvailable flips the technician's availability in the geo index. The
// index is advisory so failures are only logged.
func (s *Service) setAvailable(ctx context.Context, technicianID string, available bool) {
	if technicianID == "" {
		return
	}
	if err := s.geo.SetAvailable(ctx, technicianID, available); err != nil {
		s.logger.Warn("geo availability update failed", "technician_id", technicianID, "available", available, "error", err)
	}
}
