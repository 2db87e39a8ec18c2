package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/model"
)

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, owner_id, name, kind, category, status, message_template, channel,
    pacing_mode, pacing_interval, pacing_min, pacing_max,
    total_recipients, sent_count, failed_count, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Name, &c.Kind, &c.Category, &c.Status, &c.MessageTemplate, &c.Channel,
		&c.Pacing.Mode, &c.Pacing.IntervalSeconds, &c.Pacing.MinSeconds, &c.Pacing.MaxSeconds,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.CreatedAt, &c.StartedAt, &c.CompletedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

// Create inserts the campaign and its drip steps in one transaction.
func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
        INSERT INTO campaigns (owner_id, name, kind, category, status, message_template, channel,
            pacing_mode, pacing_interval, pacing_min, pacing_max, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING id
    `
	err = tx.QueryRowContext(ctx, query,
		c.OwnerID, c.Name, c.Kind, c.Category, c.Status, c.MessageTemplate, c.Channel,
		c.Pacing.Mode, c.Pacing.IntervalSeconds, c.Pacing.MinSeconds, c.Pacing.MaxSeconds, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	for _, s := range c.Steps {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO drip_steps (campaign_id, step_index, delay_unit, delay_value, channel, template_override)
            VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, s.StepIndex, s.Delay.Unit, s.Delay.Value, s.Channel, s.TemplateOverride,
		)
		if err != nil {
			return fmt.Errorf("insert drip step %d: %w", s.StepIndex, err)
		}
	}
	return tx.Commit()
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	if c.Kind == model.KindDrip {
		if c.Steps, err = r.steps(ctx, id); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (r *CampaignRepository) steps(ctx context.Context, campaignID int64) ([]model.DripStep, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT step_index, delay_unit, delay_value, channel, template_override
        FROM drip_steps WHERE campaign_id=$1 ORDER BY step_index`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []model.DripStep
	for rows.Next() {
		var s model.DripStep
		if err := rows.Scan(&s.StepIndex, &s.Delay.Unit, &s.Delay.Value, &s.Channel, &s.TemplateOverride); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, kind, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if kind != "" {
		where += fmt.Sprintf(" AND kind=$%d", argPos)
		args = append(args, kind)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) ListLive(ctx context.Context) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status IN ('running', 'active') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CompareAndSetStatus is the only way a campaign status changes.
func (r *CampaignRepository) CompareAndSetStatus(ctx context.Context, id int64, from, to model.Status, at time.Time) error {
	query := `
        UPDATE campaigns
        SET status=$1,
            updated_at=$2,
            started_at=CASE WHEN $1 IN ('running', 'active') THEN COALESCE(started_at, $2) ELSE started_at END,
            completed_at=CASE WHEN $1 IN ('completed', 'cancelled') THEN $2 ELSE completed_at END
        WHERE id=$3 AND status=$4
    `
	res, err := r.DB.ExecContext(ctx, query, to, at, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Lost the race or the campaign is gone; report which.
	var current string
	err = r.DB.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.NewCampaignNotFound(id)
	}
	if err != nil {
		return err
	}
	return appErrors.Transition(current, "move to "+string(to))
}

// RecountCounters locks the campaign row before counting recipients. A
// concurrent finalize has already updated its recipient row when it blocks on
// that lock, so its increment lands after our overwrite and is not counted
// here.
func (r *CampaignRepository) RecountCounters(ctx context.Context, id int64) (Recount, error) {
	var rc Recount

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return rc, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`SELECT sent_count, failed_count FROM campaigns WHERE id=$1 FOR UPDATE`, id,
	).Scan(&rc.CachedSent, &rc.CachedFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return rc, appErrors.NewCampaignNotFound(id)
	}
	if err != nil {
		return rc, err
	}

	err = tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FILTER (WHERE status='sent'),
               COUNT(*) FILTER (WHERE status='failed'),
               COUNT(*) FILTER (WHERE status='pending')
        FROM recipients WHERE campaign_id=$1
    `, id).Scan(&rc.Sent, &rc.Failed, &rc.Pending)
	if err != nil {
		return rc, err
	}

	if rc.Drift() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE campaigns SET sent_count=$1, failed_count=$2, updated_at=NOW() WHERE id=$3`,
			rc.Sent, rc.Failed, id); err != nil {
			return rc, err
		}
	}
	return rc, tx.Commit()
}

// Delete relies on ON DELETE CASCADE for steps, recipients and enrollments.
func (r *CampaignRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

var _ CampaignStore = (*CampaignRepository)(nil)
