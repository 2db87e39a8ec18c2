package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-scheduler/internal/model"
	"github.com/unclebandit/campaign-scheduler/internal/pacing"
	"github.com/unclebandit/campaign-scheduler/internal/repository"
)

func activeDrip(t *testing.T, mem *repository.MemoryStore, steps []model.DripStep, es ...model.DripEnrollment) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	c := &model.Campaign{
		Name:            "cart recovery",
		Kind:            model.KindDrip,
		Category:        "abandoned_cart",
		MessageTemplate: "Hi {{ name }}, your cart is waiting",
		Pacing:          pacing.Fixed(0),
		Steps:           steps,
	}
	require.NoError(t, mem.Create(ctx, c))
	require.NoError(t, mem.Enroll(ctx, c.ID, es))
	require.NoError(t, mem.CompareAndSetStatus(ctx, c.ID, model.StatusDraft, model.StatusActive, time.Now()))
	return c
}

func enrollmentState(t *testing.T, mem *repository.MemoryStore, campaignID int64, address string) model.EnrollmentState {
	t.Helper()
	all, _, err := mem.ListEnrollments(context.Background(), campaignID, 0, 100)
	require.NoError(t, err)
	for _, e := range all {
		if e.Address == address {
			return e.State
		}
	}
	t.Fatalf("enrollment %s not found", address)
	return ""
}

func TestDripConversionShortCircuitsSequence(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore()
	origin := time.Now().Add(-2 * time.Hour)
	steps := []model.DripStep{
		{StepIndex: 0, Delay: model.Delay{Unit: model.UnitMinutes, Value: 30}, Channel: model.ChannelWhatsApp},
		{StepIndex: 1, Delay: model.Delay{Unit: model.UnitHours, Value: 1}, Channel: model.ChannelEmail},
	}
	c := activeDrip(t, mem, steps,
		model.DripEnrollment{Address: "paid", Phone: "+1", OriginReference: "charge-1", OriginEventTime: origin},
		model.DripEnrollment{Address: "open", Phone: "+2", OriginReference: "charge-2", OriginEventTime: origin},
	)
	require.NoError(t, mem.MarkConverted(ctx, "charge-1", time.Now()))

	snd := &fakeSender{}
	m := NewManager(deps(mem.Store(), snd, &recordingFeed{}), fastOpts, nil)
	m.Wake(c.ID)

	require.Eventually(t, func() bool {
		return enrollmentState(t, mem, c.ID, "open") == model.StateInProgress
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, model.StateConverted, enrollmentState(t, mem, c.ID, "paid"))
	calls := snd.Calls()
	require.Len(t, calls, 1, "step 1 is an hour away, the converted enrollment gets nothing")
	assert.Equal(t, "+2", calls[0].Address)
	assert.Equal(t, model.ChannelWhatsApp, calls[0].Channel)
}

func TestDripBothChannelsThenExhausted(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore()
	steps := []model.DripStep{
		{StepIndex: 0, Delay: model.Delay{Unit: model.UnitMinutes, Value: 0}, Channel: model.ChannelBoth, TemplateOverride: "Last chance {{ name }}"},
	}
	c := activeDrip(t, mem, steps, model.DripEnrollment{
		Address: "u1", Phone: "+55", Email: "u1@example.com", DisplayName: "Ana", OriginEventTime: time.Now().Add(-time.Minute),
	})

	snd := &fakeSender{fail: map[string]bool{"u1@example.com": true}}
	m := NewManager(deps(mem.Store(), snd, &recordingFeed{}), fastOpts, nil)
	m.Wake(c.ID)

	require.Eventually(t, func() bool {
		return enrollmentState(t, mem, c.ID, "u1") == model.StateExhausted
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Shutdown(ctx))

	calls := snd.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, call{Address: "+55", Channel: model.ChannelWhatsApp, Body: "Last chance Ana"}, calls[0])
	assert.Equal(t, "u1@example.com", calls[1].Address)

	history, _ := mem.MessagesByEnrollment(ctx, c.ID)
	for _, msgs := range history {
		require.Len(t, msgs, 2)
		assert.Equal(t, model.RecipientSent, msgs[0].Status)
		assert.Equal(t, model.RecipientFailed, msgs[1].Status, "a failed channel still counts as attempted")
	}
}

func TestDripCapLimitsSteps(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore()
	zero := model.Delay{Unit: model.UnitMinutes, Value: 0}
	steps := []model.DripStep{
		{StepIndex: 0, Delay: zero, Channel: model.ChannelEmail},
		{StepIndex: 1, Delay: zero, Channel: model.ChannelEmail},
		{StepIndex: 2, Delay: zero, Channel: model.ChannelEmail},
	}
	c := activeDrip(t, mem, steps, model.DripEnrollment{Address: "u@x.io", OriginEventTime: time.Now().Add(-time.Minute)})

	opts := fastOpts
	opts.DripCap = func(category string) int {
		if category == "abandoned_cart" {
			return 2
		}
		return 0
	}
	snd := &fakeSender{}
	m := NewManager(deps(mem.Store(), snd, &recordingFeed{}), opts, nil)
	m.Wake(c.ID)

	require.Eventually(t, func() bool {
		return enrollmentState(t, mem, c.ID, "u@x.io") == model.StateExhausted
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Shutdown(ctx))
	assert.Len(t, snd.Calls(), 2)
}

func TestParkedDripWakesForNewEnrollment(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore()
	steps := []model.DripStep{{StepIndex: 0, Delay: model.Delay{Unit: model.UnitMinutes, Value: 0}, Channel: model.ChannelEmail}}
	c := activeDrip(t, mem, steps)

	snd := &fakeSender{}
	m := NewManager(deps(mem.Store(), snd, &recordingFeed{}), fastOpts, nil)
	defer m.Shutdown(ctx)
	m.Wake(c.ID)
	require.Eventually(t, func() bool { return m.Running(c.ID) }, time.Second, time.Millisecond)

	require.NoError(t, mem.Enroll(ctx, c.ID, []model.DripEnrollment{{Address: "late@x.io", OriginEventTime: time.Now()}}))
	m.Wake(c.ID)
	require.Eventually(t, func() bool { return len(snd.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Running(c.ID), "drip runners park instead of exiting")
}
