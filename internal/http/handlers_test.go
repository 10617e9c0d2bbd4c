package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/repair-dispatch/internal/cancellation"
	"github.com/example/repair-dispatch/internal/dispatch"
	"github.com/example/repair-dispatch/internal/escrow"
	"github.com/example/repair-dispatch/internal/geo"
	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/otp"
	"github.com/example/repair-dispatch/internal/payments"
	"github.com/example/repair-dispatch/internal/requests"
	"github.com/example/repair-dispatch/internal/storage"
	"github.com/example/repair-dispatch/internal/subscription"
)

type okGateway struct{}

func (okGateway) Hold(context.Context, payments.HoldRequest) (string, error) { return "pi_test", nil }
func (okGateway) Capture(context.Context, string) error                     { return nil }
func (okGateway) Cancel(context.Context, string) error                      { return nil }
func (okGateway) Refund(context.Context, string) error                      { return nil }

type testEnv struct {
	ts *httptest.Server
	ws *dispatch.WSRegistry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	index := geo.NewIndex()
	ws := dispatch.NewWSRegistry(logger)
	push := dispatch.NewPushDispatcher("", ws)

	b := dispatch.NewBroadcaster(dispatch.Config{
		Retry: dispatch.RetryConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Timeout: time.Second},
	}, dispatch.Deps{Store: store, Geo: index, Queue: dispatch.NewMemoryQueue(time.Hour), Notifier: push, Logger: logger})
	t.Cleanup(b.Close)

	svc := requests.NewService(requests.Deps{
		Store:    store,
		Geo:      index,
		Dispatch: b,
		Ledger:   escrow.NewLedger(escrow.DefaultConfig(), okGateway{}, subscription.NewMemoryService(), logger),
		OTP:      otp.NewVerifier(otp.Config{TTL: 15 * time.Minute, BcryptCost: bcrypt.MinCost, MaxAttempts: 5, RefillEvery: time.Minute}),
		Policy:   cancellation.DefaultPolicy(),
		Codes:    push,
		Logger:   logger,
	})
	ts := httptest.NewServer(NewServer(svc, GeoSink{Geo: index}, ws, logger))
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, ws: ws}
}

func (e *testEnv) call(t *testing.T, method, path string, actor models.Actor, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	if actor.Party != "" {
		req.Header.Set(headerActorType, string(actor.Party))
		req.Header.Set(headerActorID, actor.ID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *testEnv) technician(t *testing.T, id string, northKm float64) {
	t.Helper()
	code, body := e.call(t, http.MethodPut, "/internal/technicians/"+id, models.Actor{}, map[string]any{
		"loc":       map[string]float64{"lat": 12.9716 + northKm/111.2, "lon": 77.5946},
		"verified":  true,
		"available": true,
	})
	require.Equal(t, http.StatusNoContent, code, string(body))
	e.ping(t, id, northKm)
}

// ping sends a routine position report, the way the technician app does.
func (e *testEnv) ping(t *testing.T, id string, northKm float64) {
	t.Helper()
	code, body := e.call(t, http.MethodPost, "/internal/technician/locations", models.Actor{}, map[string]any{
		"technician_id": id,
		"loc":           map[string]float64{"lat": 12.9716 + northKm/111.2, "lon": 77.5946},
		"verified":      true,
		"available":     true,
	})
	require.Equal(t, http.StatusNoContent, code, string(body))
}

func (e *testEnv) create(t *testing.T) models.ServiceRequest {
	t.Helper()
	code, body := e.call(t, http.MethodPost, "/api/v1/requests", models.UserActor("u1"), map[string]any{
		"description":    "AC not cooling",
		"appliance_ref":  "ac-7",
		"location":       map[string]any{"gps": map[string]float64{"lat": 12.9716, "lon": 77.5946}},
		"funding_mode":   "pay_now",
		"payment_method": "pm_card_visa",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	var r models.ServiceRequest
	require.NoError(t, json.Unmarshal(body, &r))
	return r
}

func errorBody(t *testing.T, body []byte) string {
	t.Helper()
	var e map[string]string
	require.NoError(t, json.Unmarshal(body, &e))
	return e["error"]
}

func TestCreateQueueAndAcceptRace(t *testing.T) {
	e := newTestEnv(t)
	e.technician(t, "A", 1)
	e.technician(t, "B", 2)
	r := e.create(t)
	assert.Equal(t, models.StatusBroadcasted, r.Status)

	code, body := e.call(t, http.MethodGet, "/api/v1/technicians/B/queue", models.Actor{}, nil)
	require.Equal(t, http.StatusOK, code)
	var offers []models.Offer
	require.NoError(t, json.Unmarshal(body, &offers))
	require.Len(t, offers, 1)
	assert.Equal(t, r.ID, offers[0].RequestID)

	code, body = e.call(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/accept", models.TechnicianActor("A"), nil)
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = e.call(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/accept", models.TechnicianActor("B"), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_assigned", errorBody(t, body))

	code, body = e.call(t, http.MethodGet, "/api/v1/technicians/B/queue", models.Actor{}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))

	code, body = e.call(t, http.MethodGet, "/api/v1/requests/"+r.ID+"/events", models.Actor{}, nil)
	require.Equal(t, http.StatusOK, code)
	var evs []models.Event
	require.NoError(t, json.Unmarshal(body, &evs))
	require.Len(t, evs, 3)
	assert.Equal(t, "accept", evs[2].Action)
}

func TestRequestErrors(t *testing.T) {
	e := newTestEnv(t)
	e.technician(t, "A", 1)
	r := e.create(t)

	code, body := e.call(t, http.MethodPost, "/api/v1/requests", models.Actor{}, map[string]any{})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", errorBody(t, body))

	code, _ = e.call(t, http.MethodPost, "/api/v1/requests", models.TechnicianActor("A"), map[string]any{})
	assert.Equal(t, http.StatusForbidden, code)

	code, body = e.call(t, http.MethodPost, "/api/v1/requests", models.UserActor("u1"), map[string]any{"description": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", errorBody(t, body))

	code, _ = e.call(t, http.MethodPost, "/api/v1/requests", models.UserActor("u1"), map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.call(t, http.MethodGet, "/api/v1/requests/nope", models.Actor{}, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", errorBody(t, body))

	code, body = e.call(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/approve", models.UserActor("u1"), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", errorBody(t, body))

	code, _ = e.call(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/cancel", models.TechnicianActor("A"), nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.call(t, http.MethodPost, "/internal/technician/locations", models.Actor{}, map[string]any{"technician_id": "", "loc": map[string]float64{"lat": 1, "lon": 1}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.call(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/cancel", models.UserActor("u1"), map[string]string{"reason": "fixed it myself"})
	require.Equal(t, http.StatusOK, code, string(body))
	var got models.ServiceRequest
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "fixed it myself", got.CancelReason)
}

func TestPositionReportKeepsTechnicianBusy(t *testing.T) {
	e := newTestEnv(t)
	e.technician(t, "A", 1)
	first := e.create(t)

	code, body := e.call(t, http.MethodPost, "/api/v1/requests/"+first.ID+"/accept", models.TechnicianActor("A"), nil)
	require.Equal(t, http.StatusOK, code, string(body))

	// the app keeps reporting available=true while on the job
	e.ping(t, "A", 1.2)

	second := e.create(t)
	code, body = e.call(t, http.MethodPost, "/api/v1/requests/"+second.ID+"/accept", models.TechnicianActor("A"), nil)
	assert.Equal(t, http.StatusForbidden, code, string(body))

	code, body = e.call(t, http.MethodGet, "/api/v1/requests/"+second.ID, models.Actor{}, nil)
	require.Equal(t, http.StatusOK, code)
	var got models.ServiceRequest
	require.NoError(t, json.Unmarshal(body, &got))
	assert.False(t, got.Assigned())
}

func TestSystemActorIsInternalOnly(t *testing.T) {
	e := newTestEnv(t)
	e.technician(t, "A", 1)
	r := e.create(t)
	code, body := e.call(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/accept", models.TechnicianActor("A"), nil)
	require.Equal(t, http.StatusOK, code, string(body))
	code, body = e.call(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/on-the-way", models.TechnicianActor("A"), nil)
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = e.call(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/cancel", models.SystemActor(), nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", errorBody(t, body))

	code, body = e.call(t, http.MethodGet, "/api/v1/requests/"+r.ID, models.Actor{}, nil)
	require.Equal(t, http.StatusOK, code)
	var got models.ServiceRequest
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.StatusOnTheWay, got.Status)

	code, body = e.call(t, http.MethodPost, "/internal/requests/"+r.ID+"/cancel", models.Actor{}, map[string]string{"reason": "fraud review"})
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.PartySystem, got.CancelledBy)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.ErrValidation:        http.StatusBadRequest,
		models.ErrForbidden:         http.StatusForbidden,
		models.ErrNotFound:          http.StatusNotFound,
		models.ErrInvalidTransition: http.StatusConflict,
		models.ErrConflict:          http.StatusConflict,
		models.ErrAlreadyAssigned:   http.StatusConflict,
		models.ErrOtpMismatch:       http.StatusUnprocessableEntity,
		models.ErrOtpExpired:        http.StatusUnprocessableEntity,
		models.ErrOtpRateLimited:    http.StatusTooManyRequests,
		models.ErrQuotaExceeded:     http.StatusPaymentRequired,
		models.ErrPaymentDeclined:   http.StatusPaymentRequired,
		fmt.Errorf("boom"):          http.StatusInternalServerError,
	}
	for err, want := range cases {
		wrapped := fmt.Errorf("%w: detail", err)
		assert.Equal(t, want, statusFor(wrapped), err.Error())
	}
}

func TestCompletionCodeOverWebsocket(t *testing.T) {
	e := newTestEnv(t)
	e.technician(t, "A", 1)
	r := e.create(t)
	tech := models.TechnicianActor("A")
	user := models.UserActor("u1")
	base := "/api/v1/requests/" + r.ID

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/users/u1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.ws.Connected(models.PartyUser, "u1") }, time.Second, 5*time.Millisecond)

	for _, step := range []struct {
		path  string
		actor models.Actor
		body  any
	}{
		{"/accept", tech, nil},
		{"/on-the-way", tech, nil},
		{"/estimate", tech, map[string]int64{"cost": 1200}},
		{"/approve", user, nil},
		{"/start", tech, nil},
		{"/complete", tech, nil},
	} {
		code, body := e.call(t, http.MethodPost, base+step.path, step.actor, step.body)
		require.Equal(t, http.StatusOK, code, "%s: %s", step.path, body)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, dispatch.MessageCompletionCode, msg.Type)
	assert.Equal(t, r.ID, msg.Payload["request_id"])

	code, body := e.call(t, http.MethodPost, base+"/verify", user, map[string]string{"code": "not-it"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "otp_mismatch", errorBody(t, body))

	code, body = e.call(t, http.MethodPost, base+"/verify", user, map[string]string{"code": msg.Payload["code"]})
	require.Equal(t, http.StatusOK, code, string(body))
	var settled models.ServiceRequest
	require.NoError(t, json.Unmarshal(body, &settled))
	assert.True(t, settled.OTPVerified)

	code, body = e.call(t, http.MethodGet, "/api/v1/technicians/A/account", models.Actor{}, nil)
	require.Equal(t, http.StatusOK, code)
	var acct models.TechnicianAccount
	require.NoError(t, json.Unmarshal(body, &acct))
	assert.Equal(t, int64(1350), acct.Balance)
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.call(t, http.MethodGet, "/healthz", models.Actor{}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))
}
