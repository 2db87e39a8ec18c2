// internal/model/drip.go
package model

import "time"

type DelayUnit string

const (
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
	UnitDays    DelayUnit = "days"
)

type Delay struct {
	Unit  DelayUnit `json:"unit"`
	Value int       `json:"value"`
}

// Duration normalizes the delay: minutes x60, hours x3600, days x86400 seconds.
func (d Delay) Duration() time.Duration {
	var secs int64
	switch d.Unit {
	case UnitMinutes:
		secs = int64(d.Value) * 60
	case UnitHours:
		secs = int64(d.Value) * 3600
	case UnitDays:
		secs = int64(d.Value) * 86400
	}
	return time.Duration(secs) * time.Second
}

func (d Delay) Valid() bool {
	switch d.Unit {
	case UnitMinutes, UnitHours, UnitDays:
		return d.Value >= 0
	}
	return false
}

type DripStep struct {
	StepIndex        int     `db:"step_index" json:"step_index"`
	Delay            Delay   `json:"delay"`
	Channel          Channel `db:"channel" json:"channel"`
	TemplateOverride string  `db:"template_override" json:"template_override,omitempty"`
}

type EnrollmentState string

const (
	StateAwaiting   EnrollmentState = "awaiting"
	StateInProgress EnrollmentState = "in_progress"
	StateExhausted  EnrollmentState = "exhausted"
	StateConverted  EnrollmentState = "converted"
)

// Finished reports whether the enrollment left drip scheduling.
func (s EnrollmentState) Finished() bool {
	return s == StateExhausted || s == StateConverted
}

// DripEnrollment is one recipient taking part in a drip campaign.
type DripEnrollment struct {
	ID              int64             `db:"id" json:"id"`
	CampaignID      int64             `db:"campaign_id" json:"campaign_id"`
	Address         string            `db:"address" json:"address"`
	Phone           string            `db:"phone" json:"phone,omitempty"`
	Email           string            `db:"email" json:"email,omitempty"`
	DisplayName     string            `db:"display_name" json:"display_name,omitempty"`
	Variables       map[string]string `db:"variables" json:"variables,omitempty"`
	OriginReference string            `db:"origin_reference" json:"origin_reference"`
	OriginEventTime time.Time         `db:"origin_event_time" json:"origin_event_time"`
	State           EnrollmentState   `db:"state" json:"state"`
	ClaimedAt       *time.Time        `db:"claimed_at" json:"claimed_at,omitempty"`
	ClaimedBy       string            `db:"claimed_by" json:"-"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
}

// AddressFor picks the address used on a single channel.
func (e *DripEnrollment) AddressFor(c Channel) string {
	switch c {
	case ChannelWhatsApp:
		if e.Phone != "" {
			return e.Phone
		}
	case ChannelEmail:
		if e.Email != "" {
			return e.Email
		}
	}
	return e.Address
}

func (e *DripEnrollment) Contact() Contact {
	return Contact{Address: e.Address, DisplayName: e.DisplayName, Variables: e.Variables}
}

// DripMessage records one attempt: (enrollment, step, single channel).
type DripMessage struct {
	ID           int64           `db:"id" json:"id"`
	EnrollmentID int64           `db:"enrollment_id" json:"enrollment_id"`
	CampaignID   int64           `db:"campaign_id" json:"campaign_id"`
	StepIndex    int             `db:"step_index" json:"step_index"`
	Channel      Channel         `db:"channel" json:"channel"`
	Status       RecipientStatus `db:"status" json:"status"` // sent, failed
	ErrorMessage string          `db:"error_message" json:"error_message,omitempty"`
	AttemptedAt  time.Time       `db:"attempted_at" json:"attempted_at"`
}
