package model

import "testing"

func TestTransitionTable(t *testing.T) {
	actions := []Action{ActionStart, ActionPause, ActionResume, ActionCancel}

	cases := []struct {
		kind Kind
		from Status
		want map[Action]Status // missing action means rejected
	}{
		{KindBroadcast, StatusDraft, map[Action]Status{ActionStart: StatusRunning}},
		{KindBroadcast, StatusRunning, map[Action]Status{ActionPause: StatusPaused, ActionCancel: StatusCancelled}},
		{KindBroadcast, StatusPaused, map[Action]Status{ActionResume: StatusRunning, ActionCancel: StatusCancelled}},
		{KindBroadcast, StatusCompleted, nil},
		{KindBroadcast, StatusCancelled, nil},
		{KindDrip, StatusDraft, map[Action]Status{ActionStart: StatusActive}},
		{KindDrip, StatusActive, map[Action]Status{ActionPause: StatusPaused}},
		{KindDrip, StatusPaused, map[Action]Status{ActionResume: StatusActive}},
	}

	for _, tc := range cases {
		for _, a := range actions {
			to, ok := Transition(tc.kind, tc.from, a)
			want, allowed := tc.want[a]
			if ok != allowed {
				t.Errorf("%s %s + %s: allowed=%v, want %v", tc.kind, tc.from, a, ok, allowed)
				continue
			}
			if allowed && to != want {
				t.Errorf("%s %s + %s: got %s, want %s", tc.kind, tc.from, a, to, want)
			}
			if !allowed && to != tc.from {
				t.Errorf("%s %s + %s: rejected transition changed status to %s", tc.kind, tc.from, a, to)
			}
		}
	}
}

func TestTerminalAndLive(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() || StatusPaused.Terminal() {
		t.Error("terminal statuses are completed and cancelled only")
	}
	for _, s := range []Status{StatusRunning, StatusActive} {
		if !(&Campaign{Status: s}).Live() {
			t.Errorf("%s should be live", s)
		}
	}
	if (&Campaign{Status: StatusPaused}).Live() {
		t.Error("paused is not live")
	}
}

func TestDelayDuration(t *testing.T) {
	cases := map[Delay]int64{
		{Unit: UnitMinutes, Value: 30}: 1800,
		{Unit: UnitHours, Value: 2}:    7200,
		{Unit: UnitDays, Value: 1}:     86400,
		{Unit: "weeks", Value: 1}:      0,
	}
	for d, secs := range cases {
		if got := int64(d.Duration().Seconds()); got != secs {
			t.Errorf("%+v: got %ds, want %ds", d, got, secs)
		}
	}
}
