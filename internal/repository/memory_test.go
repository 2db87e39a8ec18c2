package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/model"
)

func newBroadcast(t *testing.T, m *MemoryStore, addrs ...string) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	c := &model.Campaign{Name: "launch", Kind: model.KindBroadcast, MessageTemplate: "hi {{ name }}"}
	require.NoError(t, m.Create(ctx, c))
	var rs []model.Recipient
	for _, a := range addrs {
		rs = append(rs, model.Recipient{Address: a})
	}
	require.NoError(t, m.BulkInsert(ctx, c.ID, rs))
	return c
}

func TestMemoryBulkInsertRejectsDuplicates(t *testing.T) {
	m := NewMemoryStore()
	c := newBroadcast(t, m, "a", "b")

	err := m.BulkInsert(context.Background(), c.ID, []model.Recipient{{Address: "c"}, {Address: "a"}})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateRecipient)

	got, _ := m.GetByID(context.Background(), c.ID)
	assert.Equal(t, 2, got.TotalRecipients, "a rejected batch adds nothing")
}

func TestMemoryFinalizeIsIdempotentAndCountsOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c := newBroadcast(t, m, "a", "b")
	batch, err := m.NextPendingBatch(ctx, c.ID, 10, "r1", time.Minute, time.Now())
	require.NoError(t, err)
	require.Len(t, batch, 2)

	now := time.Now()
	require.NoError(t, m.MarkSent(ctx, batch[0].ID, now))
	require.NoError(t, m.MarkSent(ctx, batch[0].ID, now))
	assert.ErrorIs(t, m.MarkFailed(ctx, batch[0].ID, "boom", now), appErrors.ErrAlreadyFinalized)
	require.NoError(t, m.MarkFailed(ctx, batch[1].ID, "boom", now))

	got, _ := m.GetByID(ctx, c.ID)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)

	stats, _ := m.CountByStatus(ctx, c.ID)
	assert.Equal(t, 0, stats[model.RecipientPending])
}

func TestMemoryNextPendingBatchHonoursLease(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c := newBroadcast(t, m, "a", "b", "c")
	now := time.Now()

	first, err := m.NextPendingBatch(ctx, c.ID, 2, "r1", time.Minute, now)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].Address)

	second, _ := m.NextPendingBatch(ctx, c.ID, 10, "r2", time.Minute, now.Add(time.Second))
	require.Len(t, second, 1)
	assert.Equal(t, "c", second[0].Address)

	// r1 crashed; its claims become reclaimable after the lease
	later, _ := m.NextPendingBatch(ctx, c.ID, 10, "r2", time.Minute, now.Add(2*time.Minute))
	assert.Len(t, later, 3)
}

func TestMemoryCompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c := newBroadcast(t, m)
	now := time.Now()

	require.NoError(t, m.CompareAndSetStatus(ctx, c.ID, model.StatusDraft, model.StatusRunning, now))
	err := m.CompareAndSetStatus(ctx, c.ID, model.StatusDraft, model.StatusRunning, now)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	got, _ := m.GetByID(ctx, c.ID)
	require.NotNil(t, got.StartedAt)

	assert.ErrorIs(t, m.CompareAndSetStatus(ctx, 999, model.StatusDraft, model.StatusRunning, now), appErrors.ErrNotFound)
}

func TestMemoryDripEnrollmentLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c := &model.Campaign{Name: "recovery", Kind: model.KindDrip}
	require.NoError(t, m.Create(ctx, c))
	require.NoError(t, m.Enroll(ctx, c.ID, []model.DripEnrollment{{Address: "u1", OriginEventTime: time.Now()}}))
	assert.ErrorIs(t, m.Enroll(ctx, c.ID, []model.DripEnrollment{{Address: "u1"}}), appErrors.ErrDuplicateRecipient)

	live, _ := m.ListLiveEnrollments(ctx, c.ID)
	require.Len(t, live, 1)
	id := live[0].ID

	now := time.Now()
	ok, err := m.ClaimEnrollment(ctx, id, "r1", time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = m.ClaimEnrollment(ctx, id, "r2", time.Minute, now)
	assert.False(t, ok)
	require.NoError(t, m.ReleaseEnrollment(ctx, id, "r1"))
	ok, _ = m.ClaimEnrollment(ctx, id, "r2", time.Minute, now)
	assert.True(t, ok)

	msg := &model.DripMessage{EnrollmentID: id, CampaignID: c.ID, StepIndex: 0, Channel: model.ChannelEmail, Status: model.RecipientSent, AttemptedAt: now}
	require.NoError(t, m.RecordMessage(ctx, msg))
	dup := *msg
	require.NoError(t, m.RecordMessage(ctx, &dup))
	dup.Status = model.RecipientFailed
	assert.ErrorIs(t, m.RecordMessage(ctx, &dup), appErrors.ErrAlreadyFinalized)

	history, _ := m.MessagesByEnrollment(ctx, c.ID)
	assert.Len(t, history[id], 1)

	require.NoError(t, m.SetEnrollmentState(ctx, id, model.StateConverted))
	require.NoError(t, m.SetEnrollmentState(ctx, id, model.StateInProgress))
	all, _, _ := m.ListEnrollments(ctx, c.ID, 0, 10)
	assert.Equal(t, model.StateConverted, all[0].State, "converted is final")

	live, _ = m.ListLiveEnrollments(ctx, c.ID)
	assert.Empty(t, live)
}

func TestMemoryIdempotencyExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	stored, _ := m.PutIfAbsent(ctx, "k", []byte("v1"), time.Hour)
	assert.True(t, stored)
	stored, _ = m.PutIfAbsent(ctx, "k", []byte("v2"), time.Hour)
	assert.False(t, stored)

	v, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	stored, _ = m.PutIfAbsent(ctx, "short", []byte("x"), -time.Second)
	assert.True(t, stored)
	_, ok, _ = m.Get(ctx, "short")
	assert.False(t, ok)
}

func TestMemoryRecountCountersRepairsUnderOneLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c := newBroadcast(t, m, "a", "b", "c")
	batch, err := m.NextPendingBatch(ctx, c.ID, 10, "r1", time.Minute, time.Now())
	require.NoError(t, err)
	require.NoError(t, m.MarkSent(ctx, batch[0].ID, time.Now()))
	require.NoError(t, m.MarkFailed(ctx, batch[1].ID, "boom", time.Now()))
	require.NoError(t, m.SetCounters(ctx, c.ID, 0, 4))

	rc, err := m.RecountCounters(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, Recount{CachedSent: 0, CachedFailed: 4, Sent: 1, Failed: 1, Pending: 1}, rc)
	assert.True(t, rc.Drift())

	got, _ := m.GetByID(ctx, c.ID)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)

	_, err = m.RecountCounters(ctx, 999)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestMemoryDeleteRemovesChildRows(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c := newBroadcast(t, m, "a", "b")
	keep := newBroadcast(t, m, "a")

	require.NoError(t, m.Delete(ctx, c.ID))
	_, err := m.GetByID(ctx, c.ID)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	rows, total, err := m.ListByCampaign(ctx, c.ID, 0, 10, "")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 0, total)

	_, total, _ = m.ListByCampaign(ctx, keep.ID, 0, 10, "")
	assert.Equal(t, 1, total)
	assert.ErrorIs(t, m.Delete(ctx, c.ID), appErrors.ErrNotFound)
}
