package storage

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/repair-dispatch/internal/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func columnNames() []string {
	raw := strings.Split(requestColumns, ",")
	out := make([]string, len(raw))
	for i, c := range raw {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

// requestRow renders a stored request in column order.
func requestRow(id, technicianID string, status models.Status, version int, now time.Time) *sqlmock.Rows {
	var tech interface{}
	if technicianID != "" {
		tech = technicianID
	}
	return sqlmock.NewRows(columnNames()).AddRow(
		id, "u1", tech, string(status), version,
		"washer leaking", "washer-9", "{a.jpg}", nil, nil,
		12.97, 77.59, []byte(`{"line1":"1 Main St","city":"Pune"}`), false,
		"pay_now", 200, true, false, "pi_1",
		nil, 150,
		nil, nil, false, false,
		now, now, nil, nil, nil, nil, nil,
	)
}

func TestPostgresGet(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id`)).
		WithArgs("r1").
		WillReturnRows(requestRow("r1", "", models.StatusPending, 0, now))

	r, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, []string{"a.jpg"}, r.ImageRefs)
	require.NotNil(t, r.Location.GPS)
	assert.Equal(t, 77.59, r.Location.GPS.Lon)
	require.NotNil(t, r.Location.Address)
	assert.Equal(t, "Pune", r.Location.Address.City)
	assert.Equal(t, models.FundingPayNow, r.Funding.Mode)
	assert.Nil(t, r.EstimatedCost)
	assert.False(t, r.Assigned())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id`)).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresAssignWins(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE service_requests`)).
		WithArgs("r1", "t1", now).
		WillReturnRows(requestRow("r1", "t1", models.StatusAccepted, 2, now))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO request_events`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r, err := s.Assign(context.Background(), "r1", "t1", now, models.Event{RequestID: "r1", FromStatus: models.StatusBroadcasted, Action: "accept"})
	require.NoError(t, err)
	assert.Equal(t, "t1", r.TechnicianID)
	assert.Equal(t, models.StatusAccepted, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAssignLoses(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE service_requests`)).
		WithArgs("r1", "t2", now).
		WillReturnRows(sqlmock.NewRows(columnNames()))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id`)).
		WithArgs("r1").
		WillReturnRows(requestRow("r1", "t1", models.StatusAccepted, 2, now))

	_, err := s.Assign(context.Background(), "r1", "t2", now, models.Event{RequestID: "r1"})
	assert.ErrorIs(t, err, models.ErrAlreadyAssigned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE service_requests`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	next := &models.ServiceRequest{ID: "r1", Status: models.StatusOnTheWay, TechnicianID: "t1"}
	_, err := s.Apply(context.Background(), Mutation{Next: next, ExpectedStatus: models.StatusAccepted, ExpectedVersion: 2})
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplySettlement(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	cost := int64(1200)
	next := &models.ServiceRequest{ID: "r1", UserID: "u1", TechnicianID: "t1", Status: models.StatusCompleted, OTPVerified: true, EstimatedCost: &cost, TechnicianShare: 150}
	entry := &models.LedgerEntry{RequestID: "r1", TechnicianID: "t1", VisitShare: 150, ServiceCost: 1200, Total: 1350, CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE service_requests`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO request_events`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger_entries`)).
		WithArgs("r1", "t1", int64(150), int64(1200), int64(1350), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO technician_accounts`)).
		WithArgs("t1", int64(1350), models.DefaultReliability).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := s.Apply(context.Background(), Mutation{Next: next, ExpectedStatus: models.StatusCompleted, ExpectedVersion: 7, Credit: entry})
	require.NoError(t, err)
	assert.Equal(t, 8, out.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyDuplicateCreditSkipsBalance(t *testing.T) {
	s, mock := newMockStore(t)
	next := &models.ServiceRequest{ID: "r1", TechnicianID: "t1", Status: models.StatusCompleted, OTPVerified: true}
	entry := &models.LedgerEntry{RequestID: "r1", TechnicianID: "t1", Total: 150}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE service_requests`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO request_events`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger_entries`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	_, err := s.Apply(context.Background(), Mutation{Next: next, ExpectedStatus: models.StatusCompleted, ExpectedVersion: 1, Credit: entry})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReliabilityDefaults(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT technician_id, reliability FROM technician_accounts`)).
		WillReturnRows(sqlmock.NewRows([]string{"technician_id", "reliability"}).AddRow("t1", 80))

	got, err := s.Reliability(context.Background(), []string{"t1", "t2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"t1": 80, "t2": 100}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyLoyaltyPenalty(t *testing.T) {
	s, mock := newMockStore(t)
	next := &models.ServiceRequest{ID: "r1", UserID: "u1", TechnicianID: "t1", Status: models.StatusCancelled}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE service_requests`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO request_events`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO user_accounts (user_id, loyalty_points) VALUES ($1, $2)`)).
		WithArgs("u1", int64(-15)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := s.Apply(context.Background(), Mutation{
		Next: next, ExpectedStatus: models.StatusOnTheWay, ExpectedVersion: 3,
		LoyaltyUserID: "u1", LoyaltyDelta: -15,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyReliabilityPenalty(t *testing.T) {
	s, mock := newMockStore(t)
	next := &models.ServiceRequest{ID: "r1", UserID: "u1", Status: models.StatusBroadcasted}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE service_requests`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO request_events`)).WillReturnResult(sqlmock.NewResult(1, 1))
	// every placeholder is a single typed value; no arithmetic on untyped params
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO technician_accounts (technician_id, balance, reliability) VALUES ($1, 0, $2)`)).
		WithArgs("t1", models.DefaultReliability-5, -5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.Apply(context.Background(), Mutation{
		Next: next, ExpectedStatus: models.StatusOnTheWay, ExpectedVersion: 3,
		ReliabilityTechnicianID: "t1", ReliabilityDelta: -5,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyPenaltyFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	next := &models.ServiceRequest{ID: "r1", Status: models.StatusBroadcasted}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE service_requests`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO request_events`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO technician_accounts`)).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := s.Apply(context.Background(), Mutation{
		Next: next, ExpectedStatus: models.StatusOnTheWay, ExpectedVersion: 3,
		ReliabilityTechnicianID: "t1", ReliabilityDelta: -5,
	})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
