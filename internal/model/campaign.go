// internal/model/campaign.go
package model

import "time"

type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindDrip      Kind = "drip"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusActive    Status = "active"
)

// Action is a control command against a campaign.
type Action string

const (
	ActionStart  Action = "start"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelBoth     Channel = "both"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelEmail, ChannelBoth:
		return true
	}
	return false
}

type PacingMode string

const (
	PacingFixed    PacingMode = "fixed"
	PacingJittered PacingMode = "jittered"
)

type Pacing struct {
	Mode            PacingMode `db:"pacing_mode" json:"mode"`
	IntervalSeconds int        `db:"pacing_interval" json:"interval_seconds,omitempty"`
	MinSeconds      int        `db:"pacing_min" json:"min_seconds,omitempty"`
	MaxSeconds      int        `db:"pacing_max" json:"max_seconds,omitempty"`
}

type Campaign struct {
	ID              int64      `db:"id" json:"id"`
	OwnerID         string     `db:"owner_id" json:"owner_id"`
	Name            string     `db:"name" json:"name"`
	Kind            Kind       `db:"kind" json:"kind"`
	Category        string     `db:"category" json:"category,omitempty"`
	Status          Status     `db:"status" json:"status"`
	MessageTemplate string     `db:"message_template" json:"message_template"`
	Channel         Channel    `db:"channel" json:"channel"`
	Pacing          Pacing     `json:"pacing"`
	Steps           []DripStep `json:"steps,omitempty"`
	TotalRecipients int        `db:"total_recipients" json:"total_recipients"`
	SentCount       int        `db:"sent_count" json:"sent_count"`
	FailedCount     int        `db:"failed_count" json:"failed_count"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Live reports whether a runner should be attached to the campaign.
func (c *Campaign) Live() bool {
	return c.Status == StatusRunning || c.Status == StatusActive
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Transition returns the status reached by applying action to a campaign of
// the given kind currently in from. ok is false for illegal pairs.
func Transition(kind Kind, from Status, action Action) (to Status, ok bool) {
	live := StatusRunning
	if kind == KindDrip {
		live = StatusActive
	}
	switch action {
	case ActionStart:
		if from == StatusDraft {
			return live, true
		}
	case ActionPause:
		if from == live {
			return StatusPaused, true
		}
	case ActionResume:
		if from == StatusPaused {
			return live, true
		}
	case ActionCancel:
		if kind == KindBroadcast && (from == StatusRunning || from == StatusPaused) {
			return StatusCancelled, true
		}
	}
	return from, false
}

// Progress is a consistent snapshot of a campaign's counters.
type Progress struct {
	CampaignID int64  `json:"campaign_id"`
	Status     Status `json:"status"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Pending    int    `json:"pending"`
	Total      int    `json:"total"`
}
