package repository

import (
	"context"
	"database/sql"
	"time"
)

// ConversionRepository records business events (e.g. a paid charge) that end
// a recipient's drip sequence.
type ConversionRepository struct {
	DB *sql.DB
}

func (r *ConversionRepository) IsConverted(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversions WHERE reference = $1)`, reference).Scan(&exists)
	return exists, err
}

// MarkConverted is idempotent; the first conversion time is kept.
func (r *ConversionRepository) MarkConverted(ctx context.Context, reference string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO conversions (reference, converted_at) VALUES ($1, $2)
		ON CONFLICT (reference) DO NOTHING`, reference, at)
	return err
}

// IdempotencyRepository keeps control-command responses in Postgres.
type IdempotencyRepository struct {
	DB *sql.DB
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := r.DB.QueryRowContext(ctx,
		`SELECT response FROM idempotency_keys WHERE key=$1 AND expires_at > NOW()`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *IdempotencyRepository) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, response, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET response = EXCLUDED.response, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= NOW()`,
		key, value, time.Now().Add(ttl))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

var (
	_ ConversionStore  = (*ConversionRepository)(nil)
	_ IdempotencyStore = (*IdempotencyRepository)(nil)
)
