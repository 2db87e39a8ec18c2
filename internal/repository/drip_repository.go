package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/model"
)

// DripRepository stores drip enrollments and their attempts in Postgres.
type DripRepository struct {
	DB *sql.DB
}

const enrollmentColumns = `id, campaign_id, address, phone, email, display_name, variables,
	origin_reference, origin_event_time, state, claimed_at, claimed_by, created_at`

func scanEnrollment(row rowScanner) (model.DripEnrollment, error) {
	var (
		e    model.DripEnrollment
		vars []byte
	)
	err := row.Scan(&e.ID, &e.CampaignID, &e.Address, &e.Phone, &e.Email, &e.DisplayName, &vars,
		&e.OriginReference, &e.OriginEventTime, &e.State, &e.ClaimedAt, &e.ClaimedBy, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &e.Variables); err != nil {
			return e, fmt.Errorf("decode variables of enrollment %d: %w", e.ID, err)
		}
	}
	return e, nil
}

func (r *DripRepository) Enroll(ctx context.Context, campaignID int64, es []model.DripEnrollment) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO drip_enrollments (campaign_id, address, phone, email, display_name, variables,
			origin_reference, origin_event_time, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'awaiting', NOW())`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range es {
		vars, err := encodeVars(e.Variables)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, campaignID, e.Address, e.Phone, e.Email, e.DisplayName, vars,
			e.OriginReference, e.OriginEventTime)
		if err != nil {
			if isUniqueViolation(err) {
				return appErrors.Duplicate(e.Address)
			}
			return fmt.Errorf("enroll %s: %w", e.Address, err)
		}
	}
	return tx.Commit()
}

func (r *DripRepository) queryEnrollments(ctx context.Context, query string, args ...any) ([]model.DripEnrollment, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.DripEnrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *DripRepository) ListLiveEnrollments(ctx context.Context, campaignID int64) ([]model.DripEnrollment, error) {
	return r.queryEnrollments(ctx, `SELECT `+enrollmentColumns+` FROM drip_enrollments
		WHERE campaign_id=$1 AND state IN ('awaiting', 'in_progress') ORDER BY id`, campaignID)
}

func (r *DripRepository) ListEnrollments(ctx context.Context, campaignID int64, offset, limit int) ([]model.DripEnrollment, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM drip_enrollments WHERE campaign_id=$1`, campaignID).Scan(&total); err != nil {
		return nil, 0, err
	}
	out, err := r.queryEnrollments(ctx, `SELECT `+enrollmentColumns+` FROM drip_enrollments
		WHERE campaign_id=$1 ORDER BY id LIMIT $2 OFFSET $3`, campaignID, limit, offset)
	return out, total, err
}

func (r *DripRepository) MessagesByEnrollment(ctx context.Context, campaignID int64) (map[int64][]model.DripMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, enrollment_id, campaign_id, step_index, channel, status, error_message, attempted_at
		FROM drip_messages WHERE campaign_id=$1 ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64][]model.DripMessage{}
	for rows.Next() {
		var m model.DripMessage
		if err := rows.Scan(&m.ID, &m.EnrollmentID, &m.CampaignID, &m.StepIndex, &m.Channel,
			&m.Status, &m.ErrorMessage, &m.AttemptedAt); err != nil {
			return nil, err
		}
		out[m.EnrollmentID] = append(out[m.EnrollmentID], m)
	}
	return out, rows.Err()
}

// ClaimEnrollment takes the per-enrollment lease. An owner may re-claim its
// own lease; anyone may take an expired one.
func (r *DripRepository) ClaimEnrollment(ctx context.Context, id int64, owner string, lease time.Duration, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE drip_enrollments
		SET claimed_at=$1, claimed_by=$2
		WHERE id=$3 AND (claimed_at IS NULL OR claimed_by=$2 OR claimed_at < $4)`,
		now, owner, id, now.Add(-lease))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *DripRepository) ReleaseEnrollment(ctx context.Context, id int64, owner string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE drip_enrollments SET claimed_at=NULL, claimed_by='' WHERE id=$1 AND claimed_by=$2`, id, owner)
	return err
}

func (r *DripRepository) RecordMessage(ctx context.Context, m *model.DripMessage) error {
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO drip_messages (enrollment_id, campaign_id, step_index, channel, status, error_message, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (enrollment_id, step_index, channel) DO NOTHING
		RETURNING id`,
		m.EnrollmentID, m.CampaignID, m.StepIndex, m.Channel, m.Status, m.ErrorMessage, m.AttemptedAt,
	).Scan(&m.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	// Conflict: an outcome for this attempt already exists.
	var existing model.RecipientStatus
	err = r.DB.QueryRowContext(ctx, `
		SELECT id, status FROM drip_messages WHERE enrollment_id=$1 AND step_index=$2 AND channel=$3`,
		m.EnrollmentID, m.StepIndex, m.Channel,
	).Scan(&m.ID, &existing)
	if err != nil {
		return err
	}
	if existing != m.Status {
		return fmt.Errorf("attempt %d/%d/%s is %s: %w", m.EnrollmentID, m.StepIndex, m.Channel, existing, appErrors.ErrAlreadyFinalized)
	}
	return nil
}

// SetEnrollmentState never moves an enrollment out of converted.
func (r *DripRepository) SetEnrollmentState(ctx context.Context, id int64, state model.EnrollmentState) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE drip_enrollments SET state=$1 WHERE id=$2 AND state <> 'converted'`, state, id)
	return err
}

var _ DripStore = (*DripRepository)(nil)
