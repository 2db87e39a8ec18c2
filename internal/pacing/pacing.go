// Package pacing computes the wait between two consecutive sends of a campaign.
package pacing

import (
	"math/rand"
	"time"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/model"
)

// Fixed returns a constant-interval policy.
func Fixed(seconds int) model.Pacing {
	return model.Pacing{Mode: model.PacingFixed, IntervalSeconds: seconds}
}

// Jittered returns a policy drawing uniformly from [min, max] seconds.
func Jittered(min, max int) model.Pacing {
	return model.Pacing{Mode: model.PacingJittered, MinSeconds: min, MaxSeconds: max}
}

func Validate(p model.Pacing) error {
	switch p.Mode {
	case model.PacingFixed:
		if p.IntervalSeconds < 0 {
			return appErrors.Validation("pacing interval must be >= 0, got %d", p.IntervalSeconds)
		}
	case model.PacingJittered:
		if p.MinSeconds <= 0 {
			return appErrors.Validation("jittered pacing min must be > 0, got %d", p.MinSeconds)
		}
		if p.MaxSeconds < p.MinSeconds {
			return appErrors.Validation("jittered pacing max (%d) must be >= min (%d)", p.MaxSeconds, p.MinSeconds)
		}
	default:
		return appErrors.Validation("unknown pacing mode %q", p.Mode)
	}
	return nil
}

// NextDelay returns the delay before the next send. Jittered draws are
// independent per call and inclusive on both bounds.
func NextDelay(p model.Pacing) time.Duration {
	switch p.Mode {
	case model.PacingJittered:
		lo, hi := p.MinSeconds, p.MaxSeconds
		if hi < lo {
			hi = lo
		}
		secs := lo + rand.Intn(hi-lo+1)
		return time.Duration(secs) * time.Second
	default:
		if p.IntervalSeconds <= 0 {
			return 0
		}
		return time.Duration(p.IntervalSeconds) * time.Second
	}
}
