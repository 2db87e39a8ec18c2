package repository

import (
	"context"
	"time"

	"github.com/unclebandit/campaign-scheduler/internal/model"
)

// CampaignStore persists Campaign records and their drip steps.
type CampaignStore interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, kind, status string) ([]*model.Campaign, int, error)
	// ListLive returns campaigns a runner should be attached to.
	ListLive(ctx context.Context) ([]*model.Campaign, error)
	// CompareAndSetStatus moves id from -> to only if the stored status is
	// still from. A lost race returns ErrInvalidTransition.
	CompareAndSetStatus(ctx context.Context, id int64, from, to model.Status, at time.Time) error
	// RecountCounters recomputes sent/failed from the recipient rows and
	// overwrites the cached counters in one atomic step. Finalizations that
	// race with it are never lost.
	RecountCounters(ctx context.Context, id int64) (Recount, error)
	// Delete removes a campaign together with its steps, recipients and
	// enrollments.
	Delete(ctx context.Context, id int64) error
}

// Recount is the outcome of RecountCounters.
type Recount struct {
	CachedSent   int
	CachedFailed int
	Sent         int
	Failed       int
	Pending      int
}

// Drift reports whether the cached counters disagreed with the rows.
func (r Recount) Drift() bool {
	return r.CachedSent != r.Sent || r.CachedFailed != r.Failed
}

// RecipientStore holds one row per (campaign, address) of a broadcast.
type RecipientStore interface {
	// BulkInsert adds pending rows and bumps total_recipients atomically.
	BulkInsert(ctx context.Context, campaignID int64, rs []model.Recipient) error
	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string, at time.Time) error
	// NextPendingBatch claims up to limit pending rows in insertion order.
	// Claims older than lease are treated as abandoned; owner may re-claim its own.
	NextPendingBatch(ctx context.Context, campaignID int64, limit int, owner string, lease time.Duration, now time.Time) ([]model.Recipient, error)
	ListByCampaign(ctx context.Context, campaignID int64, offset, limit int, status string) ([]model.Recipient, int, error)
	CountByStatus(ctx context.Context, campaignID int64) (map[model.RecipientStatus]int, error)
}

// DripStore holds enrollments and their per-attempt messages.
type DripStore interface {
	Enroll(ctx context.Context, campaignID int64, es []model.DripEnrollment) error
	ListLiveEnrollments(ctx context.Context, campaignID int64) ([]model.DripEnrollment, error)
	ListEnrollments(ctx context.Context, campaignID int64, offset, limit int) ([]model.DripEnrollment, int, error)
	MessagesByEnrollment(ctx context.Context, campaignID int64) (map[int64][]model.DripMessage, error)
	ClaimEnrollment(ctx context.Context, id int64, owner string, lease time.Duration, now time.Time) (bool, error)
	ReleaseEnrollment(ctx context.Context, id int64, owner string) error
	// RecordMessage writes the terminal outcome of one attempt. Same outcome
	// twice is a no-op, a different one is ErrAlreadyFinalized.
	RecordMessage(ctx context.Context, m *model.DripMessage) error
	SetEnrollmentState(ctx context.Context, id int64, state model.EnrollmentState) error
}

// ConversionStore is the business event source for drip short-circuiting.
type ConversionStore interface {
	IsConverted(ctx context.Context, reference string) (bool, error)
	MarkConverted(ctx context.Context, reference string, at time.Time) error
}

// IdempotencyStore remembers responses to control commands.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// PutIfAbsent stores value unless key exists; it reports whether it stored.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Store bundles every persistence concern of the scheduler.
type Store struct {
	Campaigns   CampaignStore
	Recipients  RecipientStore
	Drip        DripStore
	Conversions ConversionStore
	Idempotency IdempotencyStore
}
