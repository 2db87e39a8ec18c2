package repository

import (
	"context"

	"github.com/unclebandit/campaign-scheduler/internal/model"
)

// Progress reports a campaign snapshot. Broadcasts read the cached counters;
// drips count attempts, with Pending being the enrollments still live.
func Progress(ctx context.Context, s Store, c *model.Campaign) (model.Progress, error) {
	p := model.Progress{CampaignID: c.ID, Status: c.Status}
	if c.Kind == model.KindBroadcast {
		p.Sent, p.Failed, p.Total = c.SentCount, c.FailedCount, c.TotalRecipients
		p.Pending = p.Total - p.Sent - p.Failed
		return p, nil
	}

	history, err := s.Drip.MessagesByEnrollment(ctx, c.ID)
	if err != nil {
		return p, err
	}
	for _, msgs := range history {
		for _, m := range msgs {
			if m.Status == model.RecipientSent {
				p.Sent++
			} else {
				p.Failed++
			}
		}
	}
	live, err := s.Drip.ListLiveEnrollments(ctx, c.ID)
	if err != nil {
		return p, err
	}
	_, total, err := s.Drip.ListEnrollments(ctx, c.ID, 0, 1)
	if err != nil {
		return p, err
	}
	p.Pending, p.Total = len(live), total
	return p, nil
}
