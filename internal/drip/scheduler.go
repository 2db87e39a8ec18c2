// Package drip decides when, and on which channels, the next message of a
// recovery sequence is due for one enrollment.
//
// The schedule is derived entirely from the enrollment's origin event time
// and the attempts recorded so far. Nothing here touches storage.
package drip

import (
	"sort"
	"time"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/model"
)

// State is the per-enrollment history the scheduler works from.
type State struct {
	OriginEventTime time.Time
	Messages        []model.DripMessage
}

// StepRecord is one step whose channels were all attempted.
type StepRecord struct {
	StepIndex   int
	AttemptedAt time.Time
	Outcomes    map[model.Channel]model.RecipientStatus
}

// Due describes the next step owed to an enrollment.
type Due struct {
	Ordinal  int // number of steps already attempted
	Step     model.DripStep
	FireAt   time.Time
	Channels []model.Channel // channels of Step not attempted yet
}

// ExpandChannel returns the single-channel sub-attempts of a step channel.
func ExpandChannel(c model.Channel) []model.Channel {
	switch c {
	case model.ChannelBoth:
		return []model.Channel{model.ChannelWhatsApp, model.ChannelEmail}
	case model.ChannelWhatsApp, model.ChannelEmail:
		return []model.Channel{c}
	}
	return nil
}

// EffectiveSteps applies the platform cap. A cap <= 0 means no cap.
func EffectiveSteps(authored, cap int) int {
	if cap > 0 && cap < authored {
		return cap
	}
	return authored
}

// SortSteps returns the steps ordered by StepIndex without mutating the input.
func SortSteps(steps []model.DripStep) []model.DripStep {
	out := make([]model.DripStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out
}

// ValidateSteps checks authored steps: non-empty, strictly increasing indices,
// known channels and non-negative delays.
func ValidateSteps(steps []model.DripStep) error {
	if len(steps) == 0 {
		return appErrors.Validation("drip campaign needs at least one step")
	}
	for i, s := range steps {
		if i > 0 && s.StepIndex <= steps[i-1].StepIndex {
			return appErrors.Validation("step_index must be strictly increasing (step %d after %d)", s.StepIndex, steps[i-1].StepIndex)
		}
		if s.StepIndex < 0 {
			return appErrors.Validation("step_index must be >= 0, got %d", s.StepIndex)
		}
		if !s.Channel.Valid() {
			return appErrors.Validation("step %d: unknown channel %q", s.StepIndex, s.Channel)
		}
		if !s.Delay.Valid() {
			return appErrors.Validation("step %d: invalid delay %d %s", s.StepIndex, s.Delay.Value, s.Delay.Unit)
		}
	}
	return nil
}

// History returns the attempted steps in firing order, followed by the
// partially attempted step (if any) as the second result.
func History(steps []model.DripStep, msgs []model.DripMessage) ([]StepRecord, *StepRecord) {
	byStep := map[int]map[model.Channel]model.DripMessage{}
	for _, m := range msgs {
		if m.Status != model.RecipientSent && m.Status != model.RecipientFailed {
			continue
		}
		if byStep[m.StepIndex] == nil {
			byStep[m.StepIndex] = map[model.Channel]model.DripMessage{}
		}
		byStep[m.StepIndex][m.Channel] = m
	}

	var done []StepRecord
	for _, s := range SortSteps(steps) {
		rec := StepRecord{StepIndex: s.StepIndex, Outcomes: map[model.Channel]model.RecipientStatus{}}
		complete := true
		for _, ch := range ExpandChannel(s.Channel) {
			m, ok := byStep[s.StepIndex][ch]
			if !ok {
				complete = false
				continue
			}
			rec.Outcomes[ch] = m.Status
			if m.AttemptedAt.After(rec.AttemptedAt) {
				rec.AttemptedAt = m.AttemptedAt
			}
		}
		if !complete {
			if len(rec.Outcomes) > 0 {
				return done, &rec
			}
			return done, nil
		}
		done = append(done, rec)
	}
	return done, nil
}

// ComputeNextDue returns the next step owed to the enrollment, or false when
// the (capped) sequence is exhausted. The sequence is strictly ordered: step n
// is never due before step n-1 has been attempted on every channel.
func ComputeNextDue(st State, steps []model.DripStep, cap int) (Due, bool) {
	ordered := SortSteps(steps)
	effective := EffectiveSteps(len(ordered), cap)

	done, partial := History(ordered, st.Messages)
	n := len(done)
	if n >= effective {
		return Due{}, false
	}

	ref := st.OriginEventTime
	if n > 0 {
		ref = done[n-1].AttemptedAt
	}
	step := ordered[n]
	due := Due{
		Ordinal: n,
		Step:    step,
		FireAt:  ref.Add(step.Delay.Duration()),
	}
	for _, ch := range ExpandChannel(step.Channel) {
		if partial != nil {
			if _, tried := partial.Outcomes[ch]; tried {
				continue
			}
		}
		due.Channels = append(due.Channels, ch)
	}
	return due, true
}

// Derive computes the terminal status of an enrollment. Conversion wins over
// everything else.
func Derive(st State, steps []model.DripStep, cap int, converted bool) model.EnrollmentState {
	if converted {
		return model.StateConverted
	}
	if _, ok := ComputeNextDue(st, steps, cap); !ok {
		return model.StateExhausted
	}
	if len(st.Messages) > 0 {
		return model.StateInProgress
	}
	return model.StateAwaiting
}

// Candidate pairs an enrollment with its computed due step.
type Candidate struct {
	Enrollment model.DripEnrollment
	Due        Due
}

// Plan splits enrollments into those due at now (ordered by fire time, then
// enrollment id) and the earliest future fire time among the rest. exhausted
// lists enrollments with nothing left to send.
func Plan(enrollments []model.DripEnrollment, history map[int64][]model.DripMessage, steps []model.DripStep, cap int, now time.Time) (due []Candidate, next *time.Time, exhausted []int64) {
	for _, e := range enrollments {
		if e.State.Finished() {
			continue
		}
		d, ok := ComputeNextDue(State{OriginEventTime: e.OriginEventTime, Messages: history[e.ID]}, steps, cap)
		if !ok {
			exhausted = append(exhausted, e.ID)
			continue
		}
		if !d.FireAt.After(now) {
			due = append(due, Candidate{Enrollment: e, Due: d})
			continue
		}
		if next == nil || d.FireAt.Before(*next) {
			t := d.FireAt
			next = &t
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Due.FireAt.Equal(due[j].Due.FireAt) {
			return due[i].Enrollment.ID < due[j].Enrollment.ID
		}
		return due[i].Due.FireAt.Before(due[j].Due.FireAt)
	})
	return due, next, exhausted
}
