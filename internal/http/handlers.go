package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/repair-dispatch/internal/dispatch"
	"github.com/example/repair-dispatch/internal/geo"
	"github.com/example/repair-dispatch/internal/ingest"
	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/requests"
)

const (
	headerActorType = "X-Actor-Type"
	headerActorID   = "X-Actor-ID"
)

// LocationSink receives technician position reports. The Kafka producer
// and GeoSink both satisfy it.
type LocationSink interface {
	PublishLocation(ctx context.Context, t models.TechnicianAvailability) error
}

// GeoSink writes reports straight into the geo index, for deployments
// without a location topic. Only the position is applied.
type GeoSink struct{ Geo geo.Geo }

func (g GeoSink) PublishLocation(ctx context.Context, t models.TechnicianAvailability) error {
	return g.Geo.UpdateLocation(ctx, t.ID, t.Loc, t.Updated)
}

type Server struct {
	Requests  *requests.Service
	Locations LocationSink
	WSReg     *dispatch.WSRegistry
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(svc *requests.Service, locations LocationSink, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Requests: svc, Locations: locations, WSReg: ws, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/technician/locations", s.handleTechnicianLocation).Methods("POST")
	s.mux.HandleFunc("/internal/technicians/{id}", s.handleRegisterTechnician).Methods("PUT")
	s.mux.HandleFunc("/internal/requests/{id}/cancel", s.handleSystemCancel).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreate).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGet).Methods("GET")
	api.HandleFunc("/requests/{id}/events", s.handleEvents).Methods("GET")

	api.HandleFunc("/requests/{id}/accept", s.action(s.Requests.Accept)).Methods("POST")
	api.HandleFunc("/requests/{id}/on-the-way", s.action(s.Requests.MarkOnTheWay)).Methods("POST")
	api.HandleFunc("/requests/{id}/estimate", s.handleEstimate).Methods("POST")
	api.HandleFunc("/requests/{id}/approve", s.action(s.Requests.ApproveEstimate)).Methods("POST")
	api.HandleFunc("/requests/{id}/start", s.action(s.Requests.BeginWork)).Methods("POST")
	api.HandleFunc("/requests/{id}/complete", s.action(s.Requests.RequestCompletion)).Methods("POST")
	api.HandleFunc("/requests/{id}/verify", s.handleVerify).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods("POST")

	api.HandleFunc("/technicians/{id}/queue", s.handleQueue).Methods("GET")
	api.HandleFunc("/technicians/{id}/account", s.handleTechnicianAccount).Methods("GET")
	api.HandleFunc("/users/{id}/account", s.handleUserAccount).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/technicians/{id}", s.handleWS(models.PartyTechnician))
	s.mux.HandleFunc("/ws/users/{id}", s.handleWS(models.PartyUser))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleTechnicianLocation(w http.ResponseWriter, r *http.Request) {
	var t models.TechnicianAvailability
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	if err := ingest.ValidateLocation(t); err != nil {
		s.writeError(w, r, err)
		return
	}
	if t.Updated.IsZero() {
		t.Updated = time.Now().UTC()
	}
	if err := s.Locations.PublishLocation(r.Context(), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerRequest struct {
	Loc       models.Coord `json:"loc"`
	Verified  bool         `json:"verified"`
	Available bool         `json:"available"`
}

func (s *Server) handleRegisterTechnician(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	t := models.TechnicianAvailability{ID: mux.Vars(r)["id"], Loc: body.Loc, Verified: body.Verified, Available: body.Available}
	if err := ingest.ValidateLocation(t); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Requests.RegisterTechnician(r.Context(), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRequest struct {
	Description   string             `json:"description"`
	ApplianceRef  string             `json:"appliance_ref"`
	ImageRefs     []string           `json:"image_refs"`
	PreferredSlot string             `json:"preferred_slot"`
	ScheduledDate *time.Time         `json:"scheduled_date"`
	Location      models.Location    `json:"location"`
	FundingMode   models.FundingMode `json:"funding_mode"`
	CustomerID    string             `json:"customer_id"`
	PaymentMethod string             `json:"payment_method"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actor.Party != models.PartyUser {
		s.writeError(w, r, fmt.Errorf("%w: only users create requests", models.ErrForbidden))
		return
	}
	var body createRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	sr, err := s.Requests.Create(r.Context(), requests.CreateInput{
		UserID:        actor.ID,
		Description:   body.Description,
		ApplianceRef:  body.ApplianceRef,
		ImageRefs:     body.ImageRefs,
		PreferredSlot: body.PreferredSlot,
		ScheduledDate: body.ScheduledDate,
		Location:      body.Location,
		FundingMode:   body.FundingMode,
		CustomerID:    body.CustomerID,
		PaymentMethod: body.PaymentMethod,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sr)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sr, err := s.Requests.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.Requests.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

type actionFunc func(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error)

// action adapts a body-less lifecycle action to a handler.
func (s *Server) action(fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		sr, err := fn(r.Context(), mux.Vars(r)["id"], actor)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sr)
	}
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Cost int64 `json:"cost"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	sr, err := s.Requests.SubmitEstimate(r.Context(), mux.Vars(r)["id"], actor, body.Cost)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	sr, err := s.Requests.VerifyCompletion(r.Context(), mux.Vars(r)["id"], actor, body.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cancel(w, r, actor)
}

// handleSystemCancel is the operator path; it is mounted outside /api.
func (s *Server) handleSystemCancel(w http.ResponseWriter, r *http.Request) {
	s.cancel(w, r, models.SystemActor())
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	var body struct {
		Reason string `json:"reason"`
	}
	// the body is optional
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	sr, err := s.Requests.Cancel(r.Context(), mux.Vars(r)["id"], actor, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	offers, err := s.Requests.Queue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleTechnicianAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Requests.TechnicianAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleUserAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Requests.UserAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

var upgrader = websocket.Upgrader{}

// handleWS keeps a push session open until the client goes away. Clients
// never send anything meaningful; reads only detect the disconnect.
func (s *Server) handleWS(party models.Party) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("ws upgrade failed", "party", party, "id", id, "error", err)
			return
		}
		s.WSReg.Add(party, id, conn)
		s.logger.Info("ws session opened", "party", party, "id", id)
		defer func() {
			s.WSReg.Remove(party, id, conn)
			_ = conn.Close()
			s.logger.Info("ws session closed", "party", party, "id", id)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func actorFrom(r *http.Request) (models.Actor, error) {
	party := models.Party(strings.ToLower(strings.TrimSpace(r.Header.Get(headerActorType))))
	id := strings.TrimSpace(r.Header.Get(headerActorID))
	switch party {
	case models.PartyUser, models.PartyTechnician:
		if id == "" {
			return models.Actor{}, fmt.Errorf("%w: %s header required", models.ErrForbidden, headerActorID)
		}
		return models.Actor{Party: party, ID: id}, nil
	case models.PartySystem:
		return models.Actor{}, fmt.Errorf("%w: system actions are internal only", models.ErrForbidden)
	case "":
		return models.Actor{}, fmt.Errorf("%w: %s header required", models.ErrForbidden, headerActorType)
	default:
		return models.Actor{}, fmt.Errorf("%w: unknown actor type %q", models.ErrForbidden, party)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrAlreadyAssigned):
		return http.StatusConflict
	case errors.Is(err, models.ErrOtpMismatch), errors.Is(err, models.ErrOtpExpired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrOtpRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrQuotaExceeded), errors.Is(err, models.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the stable machine-readable reason returned to clients.
func errorCode(err error) string {
	for _, c := range []struct {
		err  error
		code string
	}{
		{models.ErrValidation, "validation_error"},
		{models.ErrForbidden, "forbidden"},
		{models.ErrNotFound, "not_found"},
		{models.ErrInvalidTransition, "invalid_transition"},
		{models.ErrConflict, "conflict"},
		{models.ErrAlreadyAssigned, "already_assigned"},
		{models.ErrOtpMismatch, "otp_mismatch"},
		{models.ErrOtpExpired, "otp_expired"},
		{models.ErrOtpRateLimited, "otp_rate_limited"},
		{models.ErrQuotaExceeded, "quota_exceeded"},
		{models.ErrPaymentDeclined, "payment_declined"},
	} {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.loggerFor(r).Error("request failed", "route", routeTemplate(r), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": errorCode(err), "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
