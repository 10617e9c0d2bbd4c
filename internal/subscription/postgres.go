package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/repair-dispatch/internal/models"
)

type PostgresService struct {
	db *sql.DB
}

func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

func (p *PostgresService) GetQuota(ctx context.Context, userID string) (models.Quota, error) {
	q := models.Quota{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT tier, free_visits_used, free_visits_allowed, period_end
		FROM subscriptions WHERE user_id = $1`, userID,
	).Scan(&q.Tier, &q.Used, &q.Allowed, &q.PeriodEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Quota{UserID: userID, Tier: models.TierBasic}, nil
	}
	if err != nil {
		return models.Quota{}, err
	}
	return q, nil
}

// ConsumeFreeVisit takes one visit with a single conditional update so the
// used counter can never pass the allowance.
func (p *PostgresService) ConsumeFreeVisit(ctx context.Context, userID string) (models.Quota, error) {
	q := models.Quota{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET free_visits_used = free_visits_used + 1
		WHERE user_id = $1
		  AND free_visits_used < free_visits_allowed
		  AND period_end > NOW()
		RETURNING tier, free_visits_used, free_visits_allowed, period_end`, userID,
	).Scan(&q.Tier, &q.Used, &q.Allowed, &q.PeriodEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Quota{}, fmt.Errorf("%w: user %s", models.ErrQuotaExceeded, userID)
	}
	if err != nil {
		return models.Quota{}, err
	}
	return q, nil
}

func (p *PostgresService) ReleaseFreeVisit(ctx context.Context, userID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET free_visits_used = free_visits_used - 1
		WHERE user_id = $1 AND free_visits_used > 0`, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: no free visit to release for user %s", models.ErrNotFound, userID)
	}
	return nil
}
