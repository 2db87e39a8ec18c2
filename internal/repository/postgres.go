package repository

import "database/sql"

// NewPostgresStore wires every Postgres-backed store onto one pool.
func NewPostgresStore(db *sql.DB) Store {
	return Store{
		Campaigns:   &CampaignRepository{DB: db},
		Recipients:  &RecipientRepository{DB: db},
		Drip:        &DripRepository{DB: db},
		Conversions: &ConversionRepository{DB: db},
		Idempotency: &IdempotencyRepository{DB: db},
	}
}
