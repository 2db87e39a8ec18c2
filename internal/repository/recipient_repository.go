package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/model"
)

// RecipientRepository is the Postgres recipient store.
type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `id, campaign_id, address, display_name, variables, status, error_message, sent_at, claimed_at, claimed_by, created_at`

func scanRecipient(row rowScanner) (model.Recipient, error) {
	var (
		r    model.Recipient
		vars []byte
	)
	err := row.Scan(&r.ID, &r.CampaignID, &r.Address, &r.DisplayName, &vars, &r.Status,
		&r.ErrorMessage, &r.SentAt, &r.ClaimedAt, &r.ClaimedBy, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &r.Variables); err != nil {
			return r, fmt.Errorf("decode variables of recipient %d: %w", r.ID, err)
		}
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func encodeVars(v map[string]string) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// BulkInsert inserts pending rows and bumps total_recipients in one
// transaction. A duplicate address aborts the whole batch.
func (r *RecipientRepository) BulkInsert(ctx context.Context, campaignID int64, rs []model.Recipient) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recipients (campaign_id, address, display_name, variables, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', NOW())`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range rs {
		vars, err := encodeVars(rec.Variables)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, campaignID, rec.Address, rec.DisplayName, vars); err != nil {
			if isUniqueViolation(err) {
				return appErrors.Duplicate(rec.Address)
			}
			return fmt.Errorf("insert recipient %s: %w", rec.Address, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET total_recipients = total_recipients + $1, updated_at=NOW() WHERE id=$2`,
		len(rs), campaignID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	return tx.Commit()
}

// finalize writes a terminal status and increments the matching counter in
// the same transaction, so the cached counters never drift from the rows.
func (r *RecipientRepository) finalize(ctx context.Context, id int64, status model.RecipientStatus, errMsg string, at time.Time) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sentAt *time.Time
	if status == model.RecipientSent {
		sentAt = &at
	}

	var campaignID int64
	err = tx.QueryRowContext(ctx, `
		UPDATE recipients
		SET status=$1, sent_at=$2, error_message=$3, claimed_at=NULL, claimed_by=''
		WHERE id=$4 AND status='pending'
		RETURNING campaign_id`,
		status, sentAt, errMsg, id,
	).Scan(&campaignID)
	if errors.Is(err, sql.ErrNoRows) {
		var current model.RecipientStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM recipients WHERE id=$1`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("recipient %d: %w", id, appErrors.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if current == status {
			return nil
		}
		return fmt.Errorf("recipient %d is %s: %w", id, current, appErrors.ErrAlreadyFinalized)
	}
	if err != nil {
		return err
	}

	counter := "failed_count"
	if status == model.RecipientSent {
		counter = "sent_count"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET `+counter+` = `+counter+` + 1, updated_at=NOW() WHERE id=$1`, campaignID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *RecipientRepository) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	return r.finalize(ctx, id, model.RecipientSent, "", sentAt)
}

func (r *RecipientRepository) MarkFailed(ctx context.Context, id int64, errMsg string, at time.Time) error {
	return r.finalize(ctx, id, model.RecipientFailed, errMsg, at)
}

// NextPendingBatch claims with FOR UPDATE SKIP LOCKED so concurrent runners
// never receive the same row.
func (r *RecipientRepository) NextPendingBatch(ctx context.Context, campaignID int64, limit int, owner string, lease time.Duration, now time.Time) ([]model.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `
		WITH claimable AS (
			SELECT id FROM recipients
			WHERE campaign_id = $1
			  AND status = 'pending'
			  AND (claimed_at IS NULL OR claimed_at < $2 OR claimed_by = $5)
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE recipients r
		SET claimed_at = $4, claimed_by = $5
		FROM claimable c
		WHERE r.id = c.id
		RETURNING r.id, r.campaign_id, r.address, r.display_name, r.variables, r.status,
		          r.error_message, r.sent_at, r.claimed_at, r.claimed_by, r.created_at`,
		campaignID, now.Add(-lease), limit, now, owner)
	if err != nil {
		return nil, fmt.Errorf("claim query failed: %w", err)
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID int64, offset, limit int, status string) ([]model.Recipient, int, error) {
	where := ` WHERE campaign_id=$1`
	args := []interface{}{campaignID}
	if status != "" {
		where += ` AND status=$2`
		args = append(args, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipients`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := `SELECT ` + recipientColumns + ` FROM recipients` + where +
		fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []model.Recipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (r *RecipientRepository) CountByStatus(ctx context.Context, campaignID int64) (map[model.RecipientStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM recipients WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.RecipientStatus]int{model.RecipientPending: 0, model.RecipientSent: 0, model.RecipientFailed: 0}
	for rows.Next() {
		var (
			status model.RecipientStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ RecipientStore = (*RecipientRepository)(nil)
