package pacing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/model"
)

func TestNextDelayFixed(t *testing.T) {
	assert.Equal(t, 15*time.Second, NextDelay(Fixed(15)))
	assert.Equal(t, time.Duration(0), NextDelay(Fixed(0)))
}

func TestNextDelayJitterBounds(t *testing.T) {
	p := Jittered(3, 9)
	seen := map[time.Duration]bool{}
	for i := 0; i < 10000; i++ {
		d := NextDelay(p)
		require.GreaterOrEqual(t, d, 3*time.Second)
		require.LessOrEqual(t, d, 9*time.Second)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1, "jittered delays should not all be identical")
	// both bounds are reachable
	assert.True(t, seen[3*time.Second])
	assert.True(t, seen[9*time.Second])
}

func TestNextDelayJitterDegenerateRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.Equal(t, 5*time.Second, NextDelay(Jittered(5, 5)))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       model.Pacing
		wantErr bool
	}{
		{"fixed zero", Fixed(0), false},
		{"fixed negative", Fixed(-1), true},
		{"jittered ok", Jittered(1, 5), false},
		{"jittered equal", Jittered(2, 2), false},
		{"jittered zero min", Jittered(0, 5), true},
		{"jittered max below min", Jittered(5, 4), true},
		{"unknown mode", model.Pacing{Mode: "burst"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.p)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, appErrors.ErrValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}
