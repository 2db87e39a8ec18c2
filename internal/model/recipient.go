// internal/model/recipient.go
package model

import "time"

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

type Recipient struct {
	ID           int64             `db:"id" json:"id"`
	CampaignID   int64             `db:"campaign_id" json:"campaign_id"`
	Address      string            `db:"address" json:"address"`
	DisplayName  string            `db:"display_name" json:"display_name,omitempty"`
	Variables    map[string]string `db:"variables" json:"variables,omitempty"`
	Status       RecipientStatus   `db:"status" json:"status"` // pending, sent, failed
	ErrorMessage string            `db:"error_message" json:"error_message,omitempty"`
	SentAt       *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	ClaimedAt    *time.Time        `db:"claimed_at" json:"claimed_at,omitempty"`
	ClaimedBy    string            `db:"claimed_by" json:"-"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
}

// Contact is the data a template is rendered against.
type Contact struct {
	Address     string
	DisplayName string
	Variables   map[string]string
}

// Bindings flattens the contact into template variables.
func (c Contact) Bindings() map[string]any {
	out := make(map[string]any, len(c.Variables)+3)
	for k, v := range c.Variables {
		out[k] = v
	}
	out["name"] = c.DisplayName
	out["display_name"] = c.DisplayName
	out["address"] = c.Address
	return out
}

func (r *Recipient) Contact() Contact {
	return Contact{Address: r.Address, DisplayName: r.DisplayName, Variables: r.Variables}
}
