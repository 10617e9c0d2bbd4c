package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/repair-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, user_id, technician_id, status, version,
	description, appliance_ref, image_refs, preferred_slot, scheduled_date,
	gps_lat, gps_lon, address, manual_location,
	funding_mode, visit_fee, visit_fee_paid, subscription_waived, payment_ref,
	estimated_cost, technician_share,
	completion_code_hash, completion_code_expiry, otp_verified, unfulfilled,
	created_at, updated_at, accepted_at, completed_at, cancelled_at, cancel_reason, cancelled_by`

func (p *PostgresStore) Create(ctx context.Context, r *models.ServiceRequest, ev models.Event) error {
	var lat, lon sql.NullFloat64
	if r.Location.GPS != nil {
		lat = sql.NullFloat64{Float64: r.Location.GPS.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: r.Location.GPS.Lon, Valid: true}
	}
	var addr sql.NullString
	if r.Location.Address != nil {
		b, err := json.Marshal(r.Location.Address)
		if err != nil {
			return fmt.Errorf("encode address: %w", err)
		}
		addr = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO service_requests (`+requestColumns+`) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10,
		$11, $12, $13, $14,
		$15, $16, $17, $18, $19,
		$20, $21,
		$22, $23, $24, $25,
		$26, $27, $28, $29, $30, $31, $32)`,
		r.ID, r.UserID, nullString(r.TechnicianID), string(r.Status), r.Version,
		r.Description, r.ApplianceRef, pq.Array(r.ImageRefs), r.PreferredSlot, r.ScheduledDate,
		lat, lon, addr, r.Location.Manual,
		string(r.Funding.Mode), r.Funding.VisitFee, r.Funding.VisitFeePaid, r.Funding.SubscriptionWaived, r.Funding.PaymentRef,
		r.EstimatedCost, r.TechnicianShare,
		r.CompletionCodeHash, r.CompletionCodeExpiry, r.OTPVerified, r.Unfulfilled,
		r.CreatedAt, r.UpdatedAt, r.AcceptedAt, r.CompletedAt, r.CancelledAt, r.CancelReason, string(r.CancelledBy),
	)
	if err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", models.ErrNotFound, id)
	}
	return r, err
}

func (p *PostgresStore) Assign(ctx context.Context, id, technicianID string, at time.Time, ev models.Event) (*models.ServiceRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE service_requests
		SET technician_id = $2,
		    status = 'accepted',
		    version = version + 1,
		    accepted_at = $3,
		    updated_at = $3
		WHERE id = $1
		  AND technician_id IS NULL
		  AND status IN ('pending', 'broadcasted')
		RETURNING `+requestColumns, id, technicianID, at)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		cur, gerr := p.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, assignable(cur)
	}
	if err != nil {
		return nil, err
	}
	ev.ToStatus = models.StatusAccepted
	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) Apply(ctx context.Context, m Mutation) (*models.ServiceRequest, error) {
	n := m.Next
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE service_requests
		SET technician_id = $1,
		    status = $2,
		    version = version + 1,
		    estimated_cost = $3,
		    technician_share = $4,
		    completion_code_hash = $5,
		    completion_code_expiry = $6,
		    otp_verified = $7,
		    updated_at = $8,
		    accepted_at = $9,
		    completed_at = $10,
		    cancelled_at = $11,
		    cancel_reason = $12,
		    cancelled_by = $13
		WHERE id = $14 AND status = $15 AND version = $16`,
		nullString(n.TechnicianID), string(n.Status),
		n.EstimatedCost, n.TechnicianShare,
		n.CompletionCodeHash, n.CompletionCodeExpiry, n.OTPVerified,
		n.UpdatedAt, n.AcceptedAt, n.CompletedAt, n.CancelledAt, n.CancelReason, string(n.CancelledBy),
		n.ID, string(m.ExpectedStatus), m.ExpectedVersion,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected != 1 {
		return nil, fmt.Errorf("%w: request %s moved from %s v%d", models.ErrConflict, n.ID, m.ExpectedStatus, m.ExpectedVersion)
	}

	if err := insertEvent(ctx, tx, m.Event); err != nil {
		return nil, err
	}
	if m.Credit != nil {
		if err := credit(ctx, tx, *m.Credit); err != nil {
			return nil, err
		}
	}
	if m.LoyaltyUserID != "" && m.LoyaltyDelta != 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_accounts (user_id, loyalty_points) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET loyalty_points = user_accounts.loyalty_points + EXCLUDED.loyalty_points`,
			m.LoyaltyUserID, m.LoyaltyDelta); err != nil {
			return nil, err
		}
	}
	if m.ReliabilityTechnicianID != "" && m.ReliabilityDelta != 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO technician_accounts (technician_id, balance, reliability) VALUES ($1, 0, $2)
			ON CONFLICT (technician_id) DO UPDATE SET reliability = technician_accounts.reliability + $3`,
			m.ReliabilityTechnicianID, models.DefaultReliability+m.ReliabilityDelta, m.ReliabilityDelta); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := n.Clone()
	out.Version = m.ExpectedVersion + 1
	return out, nil
}

// credit writes the ledger entry and bumps the balance only on first insert.
func credit(ctx context.Context, tx *sql.Tx, e models.LedgerEntry) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (request_id, technician_id, visit_share, service_cost, total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO NOTHING`,
		e.RequestID, e.TechnicianID, e.VisitShare, e.ServiceCost, e.Total, e.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO technician_accounts (technician_id, balance, reliability) VALUES ($1, $2, $3)
		ON CONFLICT (technician_id) DO UPDATE SET balance = technician_accounts.balance + EXCLUDED.balance`,
		e.TechnicianID, e.Total, models.DefaultReliability)
	return err
}

func (p *PostgresStore) FlagUnfulfilled(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE service_requests SET unfulfilled = TRUE
		WHERE id = $1 AND status IN ('pending', 'broadcasted')`, id)
	return err
}

func (p *PostgresStore) Open(ctx context.Context) ([]*models.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM service_requests
		WHERE status IN ('pending', 'broadcasted') AND NOT unfulfilled
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Events(ctx context.Context, requestID string) ([]models.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, from_status, to_status, action, actor_party, actor_id, detail, created_at
		FROM request_events WHERE request_id = $1 ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.RequestID, &e.FromStatus, &e.ToStatus, &e.Action, &e.ActorParty, &e.ActorID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		// every stored request has at least its creation event
		return nil, fmt.Errorf("%w: request %s", models.ErrNotFound, requestID)
	}
	return out, nil
}

func (p *PostgresStore) TechnicianAccount(ctx context.Context, id string) (models.TechnicianAccount, error) {
	a := models.TechnicianAccount{TechnicianID: id}
	err := p.db.QueryRowContext(ctx, `SELECT balance, reliability FROM technician_accounts WHERE technician_id = $1`, id).
		Scan(&a.Balance, &a.Reliability)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TechnicianAccount{TechnicianID: id, Reliability: models.DefaultReliability}, nil
	}
	return a, err
}

func (p *PostgresStore) UserAccount(ctx context.Context, id string) (models.UserAccount, error) {
	a := models.UserAccount{UserID: id}
	err := p.db.QueryRowContext(ctx, `SELECT loyalty_points FROM user_accounts WHERE user_id = $1`, id).Scan(&a.LoyaltyPoints)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserAccount{UserID: id}, nil
	}
	return a, err
}

func (p *PostgresStore) Reliability(ctx context.Context, ids []string) (map[string]int, error) {
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		out[id] = models.DefaultReliability
	}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT technician_id, reliability FROM technician_accounts WHERE technician_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var score int
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		out[id] = score
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, e models.Event) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO request_events (request_id, from_status, to_status, action, actor_party, actor_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.RequestID, string(e.FromStatus), string(e.ToStatus), e.Action, string(e.ActorParty), e.ActorID, e.Detail, e.CreatedAt)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	var technicianID, paymentRef, hash, cancelReason, cancelledBy, preferredSlot sql.NullString
	var lat, lon sql.NullFloat64
	var addr []byte
	var estimated sql.NullInt64
	var scheduled, expiry, acceptedAt, completedAt, cancelledAt sql.NullTime

	err := s.Scan(
		&r.ID, &r.UserID, &technicianID, &r.Status, &r.Version,
		&r.Description, &r.ApplianceRef, pq.Array(&r.ImageRefs), &preferredSlot, &scheduled,
		&lat, &lon, &addr, &r.Location.Manual,
		&r.Funding.Mode, &r.Funding.VisitFee, &r.Funding.VisitFeePaid, &r.Funding.SubscriptionWaived, &paymentRef,
		&estimated, &r.TechnicianShare,
		&hash, &expiry, &r.OTPVerified, &r.Unfulfilled,
		&r.CreatedAt, &r.UpdatedAt, &acceptedAt, &completedAt, &cancelledAt, &cancelReason, &cancelledBy,
	)
	if err != nil {
		return nil, err
	}

	r.TechnicianID = technicianID.String
	r.PreferredSlot = preferredSlot.String
	r.Funding.PaymentRef = paymentRef.String
	r.CompletionCodeHash = hash.String
	r.CancelReason = cancelReason.String
	r.CancelledBy = models.Party(cancelledBy.String)
	if lat.Valid && lon.Valid {
		r.Location.GPS = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	if len(addr) > 0 {
		var a models.Address
		if err := json.Unmarshal(addr, &a); err != nil {
			return nil, fmt.Errorf("decode address: %w", err)
		}
		r.Location.Address = &a
	}
	if estimated.Valid {
		v := estimated.Int64
		r.EstimatedCost = &v
	}
	r.ScheduledDate = toTimePtr(scheduled)
	r.CompletionCodeExpiry = toTimePtr(expiry)
	r.AcceptedAt = toTimePtr(acceptedAt)
	r.CompletedAt = toTimePtr(completedAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	return &r, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
