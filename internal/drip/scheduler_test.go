package drip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-scheduler/internal/model"
)

var origin = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func recoverySteps() []model.DripStep {
	return []model.DripStep{
		{StepIndex: 0, Delay: model.Delay{Unit: model.UnitMinutes, Value: 30}, Channel: model.ChannelWhatsApp},
		{StepIndex: 1, Delay: model.Delay{Unit: model.UnitHours, Value: 2}, Channel: model.ChannelEmail},
		{StepIndex: 2, Delay: model.Delay{Unit: model.UnitDays, Value: 1}, Channel: model.ChannelWhatsApp},
	}
}

func sent(step int, ch model.Channel, at time.Time) model.DripMessage {
	return model.DripMessage{StepIndex: step, Channel: ch, Status: model.RecipientSent, AttemptedAt: at}
}

func TestComputeNextDueSequencing(t *testing.T) {
	steps := recoverySteps()

	d, ok := ComputeNextDue(State{OriginEventTime: origin}, steps, 0)
	require.True(t, ok)
	assert.Equal(t, 0, d.Step.StepIndex)
	assert.Equal(t, origin.Add(30*time.Minute), d.FireAt)
	assert.Equal(t, []model.Channel{model.ChannelWhatsApp}, d.Channels)

	firstAt := origin.Add(31 * time.Minute)
	st := State{OriginEventTime: origin, Messages: []model.DripMessage{sent(0, model.ChannelWhatsApp, firstAt)}}
	d, ok = ComputeNextDue(st, steps, 0)
	require.True(t, ok)
	assert.Equal(t, 1, d.Step.StepIndex)
	assert.Equal(t, firstAt.Add(2*time.Hour), d.FireAt)

	st.Messages = append(st.Messages,
		sent(1, model.ChannelEmail, firstAt.Add(2*time.Hour)),
		sent(2, model.ChannelWhatsApp, firstAt.Add(26*time.Hour)),
	)
	_, ok = ComputeNextDue(st, steps, 0)
	assert.False(t, ok)
}

func TestComputeNextDueFailedAttemptCountsAsAttempted(t *testing.T) {
	at := origin.Add(40 * time.Minute)
	st := State{OriginEventTime: origin, Messages: []model.DripMessage{
		{StepIndex: 0, Channel: model.ChannelWhatsApp, Status: model.RecipientFailed, AttemptedAt: at},
	}}
	d, ok := ComputeNextDue(st, recoverySteps(), 0)
	require.True(t, ok)
	assert.Equal(t, 1, d.Ordinal)
	assert.Equal(t, at.Add(2*time.Hour), d.FireAt)
}

func TestComputeNextDueBothChannels(t *testing.T) {
	steps := []model.DripStep{
		{StepIndex: 0, Delay: model.Delay{Unit: model.UnitMinutes, Value: 10}, Channel: model.ChannelBoth},
		{StepIndex: 1, Delay: model.Delay{Unit: model.UnitHours, Value: 1}, Channel: model.ChannelEmail},
	}

	d, ok := ComputeNextDue(State{OriginEventTime: origin}, steps, 0)
	require.True(t, ok)
	assert.Equal(t, []model.Channel{model.ChannelWhatsApp, model.ChannelEmail}, d.Channels)

	// only whatsapp tried: step 0 is still owed, on email only
	wa := origin.Add(11 * time.Minute)
	st := State{OriginEventTime: origin, Messages: []model.DripMessage{sent(0, model.ChannelWhatsApp, wa)}}
	d, ok = ComputeNextDue(st, steps, 0)
	require.True(t, ok)
	assert.Equal(t, 0, d.Step.StepIndex)
	assert.Equal(t, origin.Add(10*time.Minute), d.FireAt)
	assert.Equal(t, []model.Channel{model.ChannelEmail}, d.Channels)

	// email failed: step attempted, reference is the latest channel attempt
	em := origin.Add(12 * time.Minute)
	st.Messages = append(st.Messages, model.DripMessage{StepIndex: 0, Channel: model.ChannelEmail, Status: model.RecipientFailed, AttemptedAt: em})
	d, ok = ComputeNextDue(st, steps, 0)
	require.True(t, ok)
	assert.Equal(t, 1, d.Step.StepIndex)
	assert.Equal(t, em.Add(time.Hour), d.FireAt)
}

func TestComputeNextDueCap(t *testing.T) {
	steps := recoverySteps()
	st := State{OriginEventTime: origin, Messages: []model.DripMessage{
		sent(0, model.ChannelWhatsApp, origin.Add(30*time.Minute)),
		sent(1, model.ChannelEmail, origin.Add(3*time.Hour)),
	}}
	_, ok := ComputeNextDue(st, steps, 2)
	assert.False(t, ok, "cap of 2 should exhaust after two steps")

	_, ok = ComputeNextDue(st, steps, 10)
	assert.True(t, ok, "cap above authored steps changes nothing")
}

func TestComputeNextDueUnorderedAndGappedSteps(t *testing.T) {
	steps := []model.DripStep{
		{StepIndex: 5, Delay: model.Delay{Unit: model.UnitHours, Value: 1}, Channel: model.ChannelEmail},
		{StepIndex: 2, Delay: model.Delay{Unit: model.UnitMinutes, Value: 5}, Channel: model.ChannelWhatsApp},
	}
	d, ok := ComputeNextDue(State{OriginEventTime: origin}, steps, 0)
	require.True(t, ok)
	assert.Equal(t, 2, d.Step.StepIndex)
	assert.Equal(t, origin.Add(5*time.Minute), d.FireAt)
}

func TestDerive(t *testing.T) {
	steps := recoverySteps()
	assert.Equal(t, model.StateAwaiting, Derive(State{OriginEventTime: origin}, steps, 0, false))
	assert.Equal(t, model.StateConverted, Derive(State{OriginEventTime: origin}, steps, 0, true))

	st := State{OriginEventTime: origin, Messages: []model.DripMessage{sent(0, model.ChannelWhatsApp, origin)}}
	assert.Equal(t, model.StateInProgress, Derive(st, steps, 0, false))
	assert.Equal(t, model.StateExhausted, Derive(st, steps, 1, false))
	assert.Equal(t, model.StateConverted, Derive(st, steps, 1, true))
}

func TestPlan(t *testing.T) {
	steps := recoverySteps()
	now := origin.Add(time.Hour)
	enrollments := []model.DripEnrollment{
		{ID: 1, OriginEventTime: origin.Add(20 * time.Minute), State: model.StateAwaiting}, // due at +50m
		{ID: 2, OriginEventTime: origin, State: model.StateAwaiting},                       // due at +30m
		{ID: 3, OriginEventTime: origin.Add(45 * time.Minute), State: model.StateAwaiting}, // due at +75m
		{ID: 4, OriginEventTime: origin, State: model.StateConverted},
		{ID: 5, OriginEventTime: origin, State: model.StateInProgress},
	}
	history := map[int64][]model.DripMessage{
		5: {
			sent(0, model.ChannelWhatsApp, origin),
			sent(1, model.ChannelEmail, origin),
			sent(2, model.ChannelWhatsApp, origin),
		},
	}

	due, next, exhausted := Plan(enrollments, history, steps, 0, now)
	require.Len(t, due, 2)
	assert.Equal(t, int64(2), due[0].Enrollment.ID)
	assert.Equal(t, int64(1), due[1].Enrollment.ID)
	require.NotNil(t, next)
	assert.Equal(t, origin.Add(75*time.Minute), *next)
	assert.Equal(t, []int64{5}, exhausted)
}

func TestValidateSteps(t *testing.T) {
	assert.Error(t, ValidateSteps(nil))
	assert.NoError(t, ValidateSteps(recoverySteps()))
	assert.Error(t, ValidateSteps([]model.DripStep{
		{StepIndex: 1, Delay: model.Delay{Unit: model.UnitHours, Value: 1}, Channel: model.ChannelEmail},
		{StepIndex: 1, Delay: model.Delay{Unit: model.UnitHours, Value: 1}, Channel: model.ChannelEmail},
	}))
	assert.Error(t, ValidateSteps([]model.DripStep{
		{StepIndex: 0, Delay: model.Delay{Unit: "weeks", Value: 1}, Channel: model.ChannelEmail},
	}))
	assert.Error(t, ValidateSteps([]model.DripStep{
		{StepIndex: 0, Delay: model.Delay{Unit: model.UnitHours, Value: 1}, Channel: "sms"},
	}))
}
