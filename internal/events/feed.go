package events

import (
	"strconv"
	"time"

	"github.com/cskr/pubsub"

	"github.com/unclebandit/campaign-scheduler/internal/model"
)

const allTopic = "campaigns"

type Type string

const (
	TypeStatus   Type = "status"
	TypeProgress Type = "progress"
	TypeFault    Type = "fault"
)

// Event is one change-feed entry for a campaign.
type Event struct {
	Type       Type            `json:"type"`
	CampaignID int64           `json:"campaign_id"`
	Status     model.Status    `json:"status,omitempty"`
	Progress   *model.Progress `json:"progress,omitempty"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}

// Feed fans campaign events out to subscribers. Every event goes to the
// campaign topic and to the all-campaigns topic.
type Feed struct {
	ps *pubsub.PubSub
}

func NewFeed(capacity int) *Feed {
	return &Feed{ps: pubsub.New(capacity)}
}

func topic(campaignID int64) string {
	return "campaign:" + strconv.FormatInt(campaignID, 10)
}

func (f *Feed) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	f.ps.Pub(e, topic(e.CampaignID), allTopic)
}

// Subscribe listens to one campaign, or to all campaigns when id is 0.
func (f *Feed) Subscribe(campaignID int64) chan interface{} {
	if campaignID == 0 {
		return f.ps.Sub(allTopic)
	}
	return f.ps.Sub(topic(campaignID))
}

// Unsubscribe drains ch while detaching it so a pending publish never blocks.
func (f *Feed) Unsubscribe(ch chan interface{}, campaignID int64) {
	go func() {
		for range ch {
		}
	}()
	if campaignID == 0 {
		f.ps.Unsub(ch, allTopic)
		return
	}
	f.ps.Unsub(ch, topic(campaignID))
}

func (f *Feed) Close() {
	f.ps.Shutdown()
}
