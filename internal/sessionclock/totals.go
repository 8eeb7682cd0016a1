package sessionclock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const totalsSchema = `
CREATE TABLE IF NOT EXISTS listening_totals (
    identity TEXT PRIMARY KEY,
    local_seconds INTEGER NOT NULL DEFAULT 0,
    verified_seconds INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);`

// Totals is the advisory per-identity running total kept on the device.
type Totals struct {
	Identity        string
	LocalSeconds    int64
	VerifiedSeconds int64
	UpdatedAt       time.Time
}

// TotalsDB stores Totals in a local SQLite file.
type TotalsDB struct {
	db  *sql.DB
	now func() time.Time
}

// OpenTotals opens (creating if needed) the SQLite file at path.
func OpenTotals(path string) (*TotalsDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(totalsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create totals table: %w", err)
	}
	return &TotalsDB{db: db, now: time.Now}, nil
}

func (t *TotalsDB) Close() error { return t.db.Close() }

func (t *TotalsDB) AddLocal(ctx context.Context, identity string, seconds int64) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO listening_totals (identity, local_seconds, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			local_seconds = local_seconds + excluded.local_seconds,
			updated_at = excluded.updated_at`,
		identity, seconds, t.now().UTC())
	return err
}

// SetVerified records the server-confirmed total. It never moves backwards.
func (t *TotalsDB) SetVerified(ctx context.Context, identity string, total int64) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO listening_totals (identity, verified_seconds, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			verified_seconds = MAX(verified_seconds, excluded.verified_seconds),
			updated_at = excluded.updated_at`,
		identity, total, t.now().UTC())
	return err
}

// Get returns the stored totals; an unknown identity has zero totals.
func (t *TotalsDB) Get(ctx context.Context, identity string) (*Totals, error) {
	out := &Totals{Identity: identity}
	err := t.db.QueryRowContext(ctx,
		`SELECT local_seconds, verified_seconds, updated_at FROM listening_totals WHERE identity = ?`, identity,
	).Scan(&out.LocalSeconds, &out.VerifiedSeconds, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
