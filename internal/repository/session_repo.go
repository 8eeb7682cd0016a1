package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/listenrewards/internal/models"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

// CreateTx records an accepted session inside the given transaction.
func (r *SessionRepo) CreateTx(ctx context.Context, tx pgx.Tx, s *models.Session) error {
	return tx.QueryRow(ctx, `
		INSERT INTO listening_sessions (id, identity, start_time, end_time, duration_seconds, credited_seconds, station_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING accepted_at
	`, s.ID, s.Identity, s.StartTime, s.EndTime, s.DurationSeconds, s.CreditedSeconds, s.StationID).Scan(&s.AcceptedAt)
}

// ListByIdentity returns the most recent accepted sessions, newest first.
func (r *SessionRepo) ListByIdentity(ctx context.Context, identity string, limit int) ([]*models.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, identity, start_time, end_time, duration_seconds, credited_seconds, station_id, accepted_at
		FROM listening_sessions WHERE identity = $1 ORDER BY end_time DESC LIMIT $2
	`, identity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Identity, &s.StartTime, &s.EndTime, &s.DurationSeconds, &s.CreditedSeconds, &s.StationID, &s.AcceptedAt); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}
