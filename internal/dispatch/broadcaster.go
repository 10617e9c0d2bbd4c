// Package dispatch makes open requests visible to nearby technicians and
// keeps retrying, with backoff, while nobody is around.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/repair-dispatch/internal/eta"
	"github.com/example/repair-dispatch/internal/geo"
	"github.com/example/repair-dispatch/internal/lifecycle"
	"github.com/example/repair-dispatch/internal/matcher"
	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/observability"
	"github.com/example/repair-dispatch/internal/storage"
)

const (
	DefaultRadiusKm = 10.0
	DefaultTopN     = 20
)

type Config struct {
	RadiusKm float64
	TopN     int
	Retry    RetryConfig
}

func DefaultConfig() Config {
	return Config{RadiusKm: DefaultRadiusKm, TopN: DefaultTopN, Retry: DefaultRetryConfig()}
}

// StatusPublisher receives every status change the broadcaster commits.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, r *models.ServiceRequest, ev models.Event) error
}

// Deps are the collaborators of a Broadcaster. Notifier, ETA and Events are optional.
type Deps struct {
	Store    storage.RequestStore
	Geo      geo.Geo
	Queue    Queue
	Notifier Notifier
	ETA      *eta.Estimator
	Events   StatusPublisher
	Logger   *slog.Logger
}

type Broadcaster struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	retries *retrier
	now     func() time.Time
}

func NewBroadcaster(cfg Config, deps Deps) *Broadcaster {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = DefaultRadiusKm
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	def := DefaultRetryConfig()
	if cfg.Retry.Initial <= 0 {
		cfg.Retry.Initial = def.Initial
	}
	if cfg.Retry.Max < cfg.Retry.Initial {
		cfg.Retry.Max = max(def.Max, cfg.Retry.Initial)
	}
	if cfg.Retry.Timeout <= 0 {
		cfg.Retry.Timeout = def.Timeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{cfg: cfg, deps: deps, logger: logger.With("component", "broadcaster"), now: time.Now}
	b.retries = newRetrier(cfg.Retry, b.retryAttempt, b.expire)
	return b
}

// Broadcast offers the request to the current best candidates. When there
// are none, or the attempt fails, a backoff loop keeps trying until the
// retry window closes.
func (b *Broadcaster) Broadcast(ctx context.Context, requestID string) error {
	done, err := b.broadcastOnce(ctx, requestID)
	if done {
		b.retries.Stop(requestID)
		return err
	}
	if b.retries.Schedule(requestID) {
		b.logger.Info("broadcast retry scheduled", "request_id", requestID)
	}
	return err
}

// Withdraw hides the request from every candidate and stops its retries.
func (b *Broadcaster) Withdraw(ctx context.Context, requestID string) error {
	b.retries.Stop(requestID)
	techs, err := b.deps.Queue.Withdraw(ctx, requestID)
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", requestID, err)
	}
	if b.deps.Notifier != nil {
		for _, t := range techs {
			if err := b.deps.Notifier.WithdrawOffer(t, requestID); err != nil && !errors.Is(err, ErrNoSession) {
				b.logger.Warn("withdraw notice failed", "request_id", requestID, "technician_id", t, "error", err)
			}
		}
	}
	return nil
}

// Requeue rebroadcasts a request a technician dropped, never offering it
// back to that technician.
func (b *Broadcaster) Requeue(ctx context.Context, requestID, droppedBy string) error {
	if droppedBy != "" {
		if err := b.deps.Queue.Exclude(ctx, requestID, droppedBy); err != nil {
			return fmt.Errorf("exclude %s from %s: %w", droppedBy, requestID, err)
		}
	}
	return b.Broadcast(ctx, requestID)
}

func (b *Broadcaster) ListFor(ctx context.Context, technicianID string) ([]models.Offer, error) {
	return b.deps.Queue.ListFor(ctx, technicianID)
}

// Visible reports whether technicianID currently holds an offer for requestID.
func (b *Broadcaster) Visible(ctx context.Context, requestID, technicianID string) (bool, error) {
	offers, err := b.deps.Queue.ListFor(ctx, technicianID)
	if err != nil {
		return false, err
	}
	for _, o := range offers {
		if o.RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}

// Resume restarts broadcasting for requests left open by a previous process.
func (b *Broadcaster) Resume(ctx context.Context) error {
	waiting, err := b.deps.Store.Open(ctx)
	if err != nil {
		return err
	}
	for _, r := range waiting {
		if err := b.Broadcast(ctx, r.ID); err != nil {
			b.logger.Warn("resume broadcast failed", "request_id", r.ID, "error", err)
		}
	}
	b.logger.Info("broadcasts resumed", "count", len(waiting))
	return nil
}

// Retrying reports whether a backoff loop is running for requestID.
func (b *Broadcaster) Retrying(requestID string) bool { return b.retries.Active(requestID) }

func (b *Broadcaster) Close() { b.retries.Close() }

// broadcastOnce reports done when the request found candidates or no
// longer needs any.
func (b *Broadcaster) broadcastOnce(ctx context.Context, requestID string) (bool, error) {
	r, err := b.deps.Store.Get(ctx, requestID)
	if err != nil {
		return errors.Is(err, models.ErrNotFound), err
	}
	if !open(r) {
		return true, nil
	}
	if r.Location.GPS == nil {
		// address-only requests cannot be placed on the map
		b.logger.Warn("request has no coordinates", "request_id", r.ID)
		observability.BroadcastRetriesTotal.Inc()
		return false, nil
	}

	cands, err := b.candidates(ctx, r)
	if err != nil {
		return false, err
	}
	observability.BroadcastCandidates.Observe(float64(len(cands)))
	if len(cands) == 0 {
		observability.BroadcastRetriesTotal.Inc()
		b.logger.Info("no candidates in range", "request_id", r.ID, "radius_km", b.cfg.RadiusKm)
		return false, nil
	}

	if r.Status == models.StatusPending {
		r, err = b.markBroadcasted(ctx, r)
		if err != nil {
			return false, err
		}
	}

	offers := make(map[string]models.Offer, len(cands))
	for _, c := range cands {
		offers[c.TechnicianID] = b.offer(ctx, r, c)
	}
	if err := b.deps.Queue.Publish(ctx, r.ID, offers); err != nil {
		return false, fmt.Errorf("publish candidates: %w", err)
	}

	// an accept may have landed while candidates were being published
	if cur, err := b.deps.Store.Get(ctx, r.ID); err == nil && !open(cur) {
		_, _ = b.deps.Queue.Withdraw(ctx, r.ID)
		return true, nil
	}

	b.push(r.ID, offers)
	b.logger.Info("request broadcast", "request_id", r.ID, "candidates", len(cands))
	return true, nil
}

func (b *Broadcaster) candidates(ctx context.Context, r *models.ServiceRequest) ([]models.Candidate, error) {
	hits, err := b.deps.Geo.Nearby(ctx, *r.Location.GPS, b.cfg.RadiusKm, 0)
	if err != nil {
		return nil, fmt.Errorf("geo nearby: %w", err)
	}
	excluded, err := b.deps.Queue.Excluded(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("excluded technicians: %w", err)
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.Technician.Eligible() {
			ids = append(ids, h.Technician.ID)
		}
	}
	scores, err := b.deps.Store.Reliability(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("reliability: %w", err)
	}
	return matcher.Rank(hits, scores, excluded, b.cfg.TopN), nil
}

func (b *Broadcaster) markBroadcasted(ctx context.Context, r *models.ServiceRequest) (*models.ServiceRequest, error) {
	actor := models.SystemActor()
	to, err := lifecycle.Check(r, lifecycle.ActionBroadcast)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Authorize(r, lifecycle.ActionBroadcast, actor); err != nil {
		return nil, err
	}
	now := b.now()
	next := r.Clone()
	next.Status = to
	next.UpdatedAt = now
	ev := models.Event{
		RequestID:  r.ID,
		FromStatus: r.Status,
		ToStatus:   to,
		Action:     string(lifecycle.ActionBroadcast),
		ActorParty: actor.Party,
		ActorID:    actor.ID,
		CreatedAt:  now,
	}
	out, err := b.deps.Store.Apply(ctx, storage.Mutation{Next: next, ExpectedStatus: r.Status, ExpectedVersion: r.Version, Event: ev})
	if err != nil {
		observability.TransitionsTotal.WithLabelValues(string(lifecycle.ActionBroadcast), "error").Inc()
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(lifecycle.ActionBroadcast), "ok").Inc()
	if b.deps.Events != nil {
		if err := b.deps.Events.PublishStatus(ctx, out, ev); err != nil {
			b.logger.Warn("publish status event failed", "request_id", r.ID, "error", err)
		}
	}
	return out, nil
}

func (b *Broadcaster) offer(ctx context.Context, r *models.ServiceRequest, c models.Candidate) models.Offer {
	o := models.Offer{
		RequestID:    r.ID,
		ApplianceRef: r.ApplianceRef,
		Description:  r.Description,
		Location:     r.Location,
		DistanceKm:   c.DistanceKm,
	}
	if b.deps.ETA != nil {
		o.ETASeconds = b.deps.ETA.Seconds(ctx, c.Loc, *r.Location.GPS)
	} else {
		o.ETASeconds = eta.EstimateSeconds(c.Loc, *r.Location.GPS, 0)
	}
	return o
}

func (b *Broadcaster) push(requestID string, offers map[string]models.Offer) {
	if b.deps.Notifier == nil {
		return
	}
	for tech, o := range offers {
		err := b.deps.Notifier.PushOffer(tech, o)
		switch {
		case err == nil:
			observability.OffersPushedTotal.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrNoSession):
			observability.OffersPushedTotal.WithLabelValues("offline").Inc()
		default:
			observability.OffersPushedTotal.WithLabelValues("error").Inc()
			b.logger.Warn("offer push failed", "request_id", requestID, "technician_id", tech, "error", err)
		}
	}
}

func (b *Broadcaster) retryAttempt(ctx context.Context, requestID string) bool {
	done, err := b.broadcastOnce(ctx, requestID)
	if err != nil {
		b.logger.Warn("broadcast retry failed", "request_id", requestID, "error", err)
	}
	return done
}

func (b *Broadcaster) expire(ctx context.Context, requestID string) {
	if err := b.deps.Store.FlagUnfulfilled(ctx, requestID); err != nil {
		b.logger.Error("flag unfulfilled failed", "request_id", requestID, "error", err)
		return
	}
	observability.UnfulfilledTotal.Inc()
	b.logger.Warn("request unfulfilled", "request_id", requestID, "window", b.cfg.Retry.Timeout.String())
}

func open(r *models.ServiceRequest) bool {
	return !r.Assigned() && (r.Status == models.StatusPending || r.Status == models.StatusBroadcasted)
}
