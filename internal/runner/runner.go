package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-scheduler/internal/drip"
	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/events"
	"github.com/unclebandit/campaign-scheduler/internal/metrics"
	"github.com/unclebandit/campaign-scheduler/internal/model"
	"github.com/unclebandit/campaign-scheduler/internal/pacing"
	"github.com/unclebandit/campaign-scheduler/internal/repository"
	"github.com/unclebandit/campaign-scheduler/internal/sender"
)

// Renderer turns a template and a contact into the message body.
type Renderer interface {
	Render(template string, contact model.Contact) (string, error)
}

// Publisher receives change-feed events.
type Publisher interface {
	Publish(e events.Event)
}

// park means "sleep until woken".
const park time.Duration = -1

// Options tune a runner. Zero values fall back to the defaults below.
type Options struct {
	DispatchTimeout    time.Duration
	ClaimLease         time.Duration
	LeasePoll          time.Duration
	BookkeepingRetries int
	BookkeepingBackoff time.Duration
	// DripCap returns the platform message cap for a drip category, 0 for none.
	DripCap   func(category string) int
	Now       func() time.Time
	NextDelay func(model.Pacing) time.Duration
}

func (o Options) withDefaults() Options {
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 2 * time.Minute
	}
	if o.LeasePoll <= 0 {
		o.LeasePoll = 5 * time.Second
	}
	if o.BookkeepingRetries <= 0 {
		o.BookkeepingRetries = 5
	}
	if o.BookkeepingBackoff <= 0 {
		o.BookkeepingBackoff = 200 * time.Millisecond
	}
	if o.DripCap == nil {
		o.DripCap = func(string) int { return 0 }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NextDelay == nil {
		o.NextDelay = pacing.NextDelay
	}
	return o
}

// Runner drives one campaign: a single sequential loop that claims, renders,
// dispatches, records, then sleeps per the pacing policy.
type Runner struct {
	campaignID int64
	owner      string
	store      repository.Store
	sender     sender.Sender
	renderer   Renderer
	feed       Publisher
	log        *zap.Logger
	opts       Options

	wake chan struct{}
	stop chan struct{}
}

// Deps groups the collaborators shared by every runner.
type Deps struct {
	Store    repository.Store
	Sender   sender.Sender
	Renderer Renderer
	Feed     Publisher
	Log      *zap.Logger
}

func New(campaignID int64, owner string, d Deps, opts Options) *Runner {
	return &Runner{
		campaignID: campaignID,
		owner:      owner,
		store:      d.Store,
		sender:     d.Sender,
		renderer:   d.Renderer,
		feed:       d.Feed,
		log:        d.Log.With(zap.Int64("campaign_id", campaignID)),
		opts:       opts.withDefaults(),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Wake interrupts a parked drip runner so it re-plans now.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stop asks the loop to exit after the in-flight send. Safe to call twice.
func (r *Runner) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

func (r *Runner) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Run loops until the campaign leaves its live status, Stop is called, ctx
// ends, or bookkeeping cannot be persisted (a *RunnerFault).
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner attached")
	defer r.log.Info("runner detached")

	for {
		if r.stopped() || ctx.Err() != nil {
			return nil
		}
		c, err := retry(ctx, r, "load campaign", func(ctx context.Context) (*model.Campaign, error) {
			return r.store.Campaigns.GetByID(ctx, r.campaignID)
		})
		if err != nil {
			if errors.Is(err, appErrors.ErrNotFound) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !c.Live() {
			r.log.Debug("campaign not live", zap.String("status", string(c.Status)))
			return nil
		}

		var (
			wait time.Duration
			done bool
		)
		if c.Kind == model.KindDrip {
			wait, err = r.dripStep(ctx, c)
		} else {
			wait, done, err = r.broadcastStep(ctx, c)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if done {
			return nil
		}
		if !r.sleep(ctx, wait, c.Kind == model.KindDrip) {
			return nil
		}
	}
}

// sleep waits d (forever when d == park). It returns false when the runner
// should exit. wakeable lets Wake cut the wait short.
func (r *Runner) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	if d == 0 {
		return !r.stopped() && ctx.Err() == nil
	}
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	var wake <-chan struct{}
	if wakeable {
		wake = r.wake
	}
	select {
	case <-timeout:
		return true
	case <-wake:
		return true
	case <-r.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// ====================== Broadcast ======================

func (r *Runner) broadcastStep(ctx context.Context, c *model.Campaign) (time.Duration, bool, error) {
	now := r.opts.Now()
	batch, err := retry(ctx, r, "claim recipient", func(ctx context.Context) ([]model.Recipient, error) {
		return r.store.Recipients.NextPendingBatch(ctx, c.ID, 1, r.owner, r.opts.ClaimLease, now)
	})
	if err != nil {
		return 0, true, err
	}

	if len(batch) == 0 {
		stats, err := retry(ctx, r, "count recipients", func(ctx context.Context) (map[model.RecipientStatus]int, error) {
			return r.store.Recipients.CountByStatus(ctx, c.ID)
		})
		if err != nil {
			return 0, true, err
		}
		if stats[model.RecipientPending] > 0 {
			// every pending row is leased by another runner
			return r.opts.LeasePoll, false, nil
		}
		return 0, true, r.complete(ctx, c)
	}

	rec := batch[0]
	if r.stopped() {
		// the claim lapses on its own; this owner re-claims it on resume
		return 0, true, nil
	}
	if err := r.deliver(ctx, c, rec); err != nil {
		return 0, true, err
	}
	r.publishProgress(ctx, c.ID)
	return r.opts.NextDelay(c.Pacing), false, nil
}

// renderFailure tags err as a render failure unless the renderer already did.
func renderFailure(err error) error {
	if errors.Is(err, appErrors.ErrRenderFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", appErrors.ErrRenderFailed, err)
}

func (r *Runner) deliver(ctx context.Context, c *model.Campaign, rec model.Recipient) error {
	log := r.log.With(zap.Int64("recipient_id", rec.ID), zap.String("channel", string(c.Channel)))

	var sendErr error
	body, err := r.renderer.Render(c.MessageTemplate, rec.Contact())
	if err != nil {
		sendErr = renderFailure(err)
	} else {
		_, sendErr = r.dispatch(ctx, c.Kind, rec.Address, c.Channel, body)
	}

	at := r.opts.Now()
	// terminal writes survive shutdown so a delivered message is never resent
	wctx := context.WithoutCancel(ctx)
	if sendErr != nil {
		log.Warn("delivery failed", zap.Error(sendErr))
		err = r.persist(wctx, "mark failed", func(ctx context.Context) error {
			return r.store.Recipients.MarkFailed(ctx, rec.ID, sendErr.Error(), at)
		})
	} else {
		err = r.persist(wctx, "mark sent", func(ctx context.Context) error {
			return r.store.Recipients.MarkSent(ctx, rec.ID, at)
		})
	}
	if errors.Is(err, appErrors.ErrAlreadyFinalized) {
		log.Warn("recipient finalized elsewhere", zap.Error(err))
		return nil
	}
	return err
}

func (r *Runner) complete(ctx context.Context, c *model.Campaign) error {
	err := r.persist(ctx, "complete campaign", func(ctx context.Context) error {
		return r.store.Campaigns.CompareAndSetStatus(ctx, c.ID, model.StatusRunning, model.StatusCompleted, r.opts.Now())
	})
	if errors.Is(err, appErrors.ErrInvalidTransition) {
		// paused or cancelled meanwhile
		return nil
	}
	if err != nil {
		return err
	}
	r.log.Info("campaign completed")
	r.feed.Publish(events.Event{Type: events.TypeStatus, CampaignID: c.ID, Status: model.StatusCompleted})
	r.publishProgress(ctx, c.ID)
	return nil
}

// ====================== Drip ======================

func (r *Runner) dripStep(ctx context.Context, c *model.Campaign) (time.Duration, error) {
	enrollments, err := retry(ctx, r, "list enrollments", func(ctx context.Context) ([]model.DripEnrollment, error) {
		return r.store.Drip.ListLiveEnrollments(ctx, c.ID)
	})
	if err != nil {
		return 0, err
	}
	history, err := retry(ctx, r, "load drip history", func(ctx context.Context) (map[int64][]model.DripMessage, error) {
		return r.store.Drip.MessagesByEnrollment(ctx, c.ID)
	})
	if err != nil {
		return 0, err
	}

	stepCap := r.opts.DripCap(c.Category)
	now := r.opts.Now()
	due, next, exhausted := drip.Plan(enrollments, history, c.Steps, stepCap, now)

	for _, id := range exhausted {
		if err := r.persist(ctx, "mark exhausted", func(ctx context.Context) error {
			return r.store.Drip.SetEnrollmentState(ctx, id, model.StateExhausted)
		}); err != nil {
			return 0, err
		}
	}

	for _, cand := range due {
		ok, err := retry(ctx, r, "claim enrollment", func(ctx context.Context) (bool, error) {
			return r.store.Drip.ClaimEnrollment(ctx, cand.Enrollment.ID, r.owner, r.opts.ClaimLease, now)
		})
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		dispatched, err := r.fireStep(ctx, c, cand, history[cand.Enrollment.ID], stepCap)
		if rerr := r.store.Drip.ReleaseEnrollment(context.WithoutCancel(ctx), cand.Enrollment.ID, r.owner); rerr != nil {
			r.log.Warn("release enrollment failed", zap.Int64("recipient_id", cand.Enrollment.ID), zap.Error(rerr))
		}
		if err != nil {
			return 0, err
		}
		r.publishProgress(ctx, c.ID)
		if !dispatched {
			return 0, nil
		}
		return r.opts.NextDelay(c.Pacing), nil
	}

	if len(due) > 0 {
		// everything due is claimed by another runner
		return r.opts.LeasePoll, nil
	}
	if next == nil {
		r.log.Debug("drip parked, nothing scheduled")
		return park, nil
	}
	return next.Sub(now), nil
}

// fireStep sends every missing channel of the due step. It reports false when
// the enrollment converted and nothing was sent.
func (r *Runner) fireStep(ctx context.Context, c *model.Campaign, cand drip.Candidate, prior []model.DripMessage, stepCap int) (bool, error) {
	e := cand.Enrollment
	log := r.log.With(zap.Int64("recipient_id", e.ID), zap.Int("step", cand.Due.Step.StepIndex))

	if e.OriginReference != "" {
		converted, err := retry(ctx, r, "conversion check", func(ctx context.Context) (bool, error) {
			return r.store.Conversions.IsConverted(ctx, e.OriginReference)
		})
		if err != nil {
			return false, err
		}
		if converted {
			log.Info("enrollment converted, sequence stopped")
			return false, r.persist(ctx, "mark converted", func(ctx context.Context) error {
				return r.store.Drip.SetEnrollmentState(ctx, e.ID, model.StateConverted)
			})
		}
	}

	template := cand.Due.Step.TemplateOverride
	if template == "" {
		template = c.MessageTemplate
	}
	body, renderErr := r.renderer.Render(template, e.Contact())

	msgs := append([]model.DripMessage(nil), prior...)
	wctx := context.WithoutCancel(ctx)
	for _, ch := range cand.Due.Channels {
		if r.stopped() {
			break
		}
		sendErr := renderErr
		if sendErr != nil {
			sendErr = renderFailure(renderErr)
		} else {
			_, sendErr = r.dispatch(ctx, c.Kind, e.AddressFor(ch), ch, body)
		}

		m := model.DripMessage{
			EnrollmentID: e.ID,
			CampaignID:   c.ID,
			StepIndex:    cand.Due.Step.StepIndex,
			Channel:      ch,
			Status:       model.RecipientSent,
			AttemptedAt:  r.opts.Now(),
		}
		if sendErr != nil {
			log.Warn("delivery failed", zap.String("channel", string(ch)), zap.Error(sendErr))
			m.Status = model.RecipientFailed
			m.ErrorMessage = sendErr.Error()
		}
		err := r.persist(wctx, "record drip message", func(ctx context.Context) error {
			return r.store.Drip.RecordMessage(ctx, &m)
		})
		if err != nil && !errors.Is(err, appErrors.ErrAlreadyFinalized) {
			return true, err
		}
		msgs = append(msgs, m)
	}

	state := drip.Derive(drip.State{OriginEventTime: e.OriginEventTime, Messages: msgs}, c.Steps, stepCap, false)
	return true, r.persist(wctx, "update enrollment", func(ctx context.Context) error {
		return r.store.Drip.SetEnrollmentState(ctx, e.ID, state)
	})
}

// ====================== Shared ======================

// dispatch calls the sender under the dispatch timeout. Shutdown does not
// abort an in-flight send.
func (r *Runner) dispatch(ctx context.Context, kind model.Kind, address string, ch model.Channel, body string) (sender.DeliveryReceipt, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.DispatchTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := r.sender.Send(dctx, address, ch, body)
	metrics.DispatchDuration.WithLabelValues(string(kind), string(ch)).Observe(time.Since(start).Seconds())

	result := "sent"
	if err != nil {
		result = "failed"
		err = appErrors.Delivery(err)
	}
	metrics.DispatchTotal.WithLabelValues(string(kind), string(ch), result).Inc()
	return receipt, err
}

func (r *Runner) publishProgress(ctx context.Context, campaignID int64) {
	c, err := r.store.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return
	}
	p, err := repository.Progress(ctx, r.store, c)
	if err != nil {
		r.log.Debug("progress snapshot failed", zap.Error(err))
		return
	}
	r.feed.Publish(events.Event{Type: events.TypeProgress, CampaignID: campaignID, Status: c.Status, Progress: &p})
}

// permanent errors describe state, retrying cannot change them.
func permanent(err error) bool {
	return errors.Is(err, appErrors.ErrAlreadyFinalized) ||
		errors.Is(err, appErrors.ErrNotFound) ||
		errors.Is(err, appErrors.ErrInvalidTransition) ||
		errors.Is(err, appErrors.ErrDuplicateRecipient) ||
		errors.Is(err, context.Canceled)
}

func (r *Runner) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := retry(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// retry runs a store operation with exponential backoff. Exhausting the
// attempts yields a *RunnerFault.
func retry[T any](ctx context.Context, r *Runner, op string, fn func(context.Context) (T, error)) (T, error) {
	backoff := r.opts.BookkeepingBackoff
	var (
		v   T
		err error
	)
	for attempt := 1; attempt <= r.opts.BookkeepingRetries; attempt++ {
		v, err = fn(ctx)
		if err == nil || permanent(err) {
			return v, err
		}
		r.log.Warn("bookkeeping failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == r.opts.BookkeepingRetries {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return v, ctx.Err()
		}
		backoff *= 2
	}
	return v, &appErrors.RunnerFault{CampaignID: r.campaignID, Attempts: r.opts.BookkeepingRetries, Err: fmt.Errorf("%s: %w", op, err)}
}
