// internal/service/campaign_service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-scheduler/internal/drip"
	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/events"
	"github.com/unclebandit/campaign-scheduler/internal/metrics"
	"github.com/unclebandit/campaign-scheduler/internal/model"
	"github.com/unclebandit/campaign-scheduler/internal/pacing"
	"github.com/unclebandit/campaign-scheduler/internal/repository"
)

// RunnerControl attaches and detaches campaign runners, either in process
// (runner.Manager) or through the control queue (queue.ControlPublisher).
type RunnerControl interface {
	Wake(campaignID int64)
	Stop(campaignID int64)
}

type EventPublisher interface {
	Publish(e events.Event)
}

type CampaignService struct {
	Store          repository.Store
	Runners        RunnerControl
	Templates      *TemplateService
	Feed           EventPublisher
	Log            *zap.Logger
	IdempotencyTTL time.Duration
	Now            func() time.Time
}

type RecipientInput struct {
	Address     string            `json:"address"`
	DisplayName string            `json:"display_name"`
	Variables   map[string]string `json:"variables,omitempty"`
}

type EnrollInput struct {
	Address         string            `json:"address"`
	Phone           string            `json:"phone"`
	Email           string            `json:"email"`
	DisplayName     string            `json:"display_name"`
	Variables       map[string]string `json:"variables,omitempty"`
	OriginReference string            `json:"origin_reference"`
	OriginEventTime time.Time         `json:"origin_event_time"`
}

type CreateCampaignInput struct {
	OwnerID         string           `json:"owner_id"`
	Name            string           `json:"name"`
	Kind            model.Kind       `json:"kind"`
	Category        string           `json:"category"`
	MessageTemplate string           `json:"message_template"`
	Channel         model.Channel    `json:"channel"`
	Pacing          model.Pacing     `json:"pacing"`
	Steps           []model.DripStep `json:"steps"`
	Recipients      []RecipientInput `json:"recipients"`
	Enrollments     []EnrollInput    `json:"enrollments"`
}

// CommandResult is the outcome of a control command. Replayed is set when an
// idempotency key matched an earlier call.
type CommandResult struct {
	CampaignID     int64        `json:"campaign_id"`
	Status         model.Status `json:"status"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Replayed       bool         `json:"replayed"`
}

type ReconcileResult struct {
	Before model.Progress `json:"before"`
	After  model.Progress `json:"after"`
	Drift  bool           `json:"drift"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *CampaignService) publish(e events.Event) {
	if s.Feed != nil {
		s.Feed.Publish(e)
	}
}

// ====================== Create ======================

func cleanRecipients(in []RecipientInput) ([]model.Recipient, error) {
	out := make([]model.Recipient, 0, len(in))
	seen := map[string]bool{}
	for _, r := range in {
		addr := strings.TrimSpace(r.Address)
		if addr == "" {
			continue
		}
		if seen[addr] {
			return nil, appErrors.Duplicate(addr)
		}
		seen[addr] = true
		out = append(out, model.Recipient{Address: addr, DisplayName: strings.TrimSpace(r.DisplayName), Variables: r.Variables})
	}
	return out, nil
}

func (s *CampaignService) cleanEnrollments(in []EnrollInput) ([]model.DripEnrollment, error) {
	out := make([]model.DripEnrollment, 0, len(in))
	seen := map[string]bool{}
	for _, e := range in {
		addr := strings.TrimSpace(e.Address)
		if addr == "" {
			addr = strings.TrimSpace(e.Phone)
		}
		if addr == "" {
			addr = strings.TrimSpace(e.Email)
		}
		if addr == "" {
			return nil, appErrors.Validation("enrollment needs an address, phone or email")
		}
		if seen[addr] {
			return nil, appErrors.Duplicate(addr)
		}
		seen[addr] = true
		origin := e.OriginEventTime
		if origin.IsZero() {
			origin = s.now()
		}
		out = append(out, model.DripEnrollment{
			Address:         addr,
			Phone:           strings.TrimSpace(e.Phone),
			Email:           strings.TrimSpace(e.Email),
			DisplayName:     strings.TrimSpace(e.DisplayName),
			Variables:       e.Variables,
			OriginReference: strings.TrimSpace(e.OriginReference),
			OriginEventTime: origin,
		})
	}
	return out, nil
}

// CreateCampaign validates the input and stores a draft campaign with its
// recipients (broadcast) or initial enrollments (drip).
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.Validation("name is required")
	}
	if in.Pacing.Mode == "" {
		in.Pacing.Mode = model.PacingFixed
	}
	if err := pacing.Validate(in.Pacing); err != nil {
		return nil, err
	}

	c := &model.Campaign{
		OwnerID:         in.OwnerID,
		Name:            strings.TrimSpace(in.Name),
		Kind:            in.Kind,
		Category:        strings.ToLower(strings.TrimSpace(in.Category)),
		Status:          model.StatusDraft,
		MessageTemplate: in.MessageTemplate,
		Channel:         in.Channel,
		Pacing:          in.Pacing,
	}

	var (
		recipients  []model.Recipient
		enrollments []model.DripEnrollment
		err         error
	)
	switch in.Kind {
	case model.KindBroadcast:
		if in.Channel != model.ChannelWhatsApp && in.Channel != model.ChannelEmail {
			return nil, appErrors.Validation("broadcast channel must be whatsapp or email")
		}
		if err := s.Templates.Validate(in.MessageTemplate); err != nil {
			return nil, err
		}
		if recipients, err = cleanRecipients(in.Recipients); err != nil {
			return nil, err
		}
		if len(recipients) == 0 {
			return nil, appErrors.Validation("at least one recipient with an address is required")
		}
	case model.KindDrip:
		if err := drip.ValidateSteps(in.Steps); err != nil {
			return nil, err
		}
		for _, st := range in.Steps {
			tpl := st.TemplateOverride
			if strings.TrimSpace(tpl) == "" {
				tpl = in.MessageTemplate
			}
			if err := s.Templates.Validate(tpl); err != nil {
				return nil, fmt.Errorf("step %d: %w", st.StepIndex, err)
			}
		}
		c.Steps = drip.SortSteps(in.Steps)
		if enrollments, err = s.cleanEnrollments(in.Enrollments); err != nil {
			return nil, err
		}
	default:
		return nil, appErrors.Validation("kind must be broadcast or drip")
	}

	if err := s.Store.Campaigns.Create(ctx, c); err != nil {
		return nil, err
	}
	if len(recipients) > 0 {
		if err := s.Store.Recipients.BulkInsert(ctx, c.ID, recipients); err != nil {
			return nil, s.discard(ctx, c.ID, err)
		}
		c.TotalRecipients = len(recipients)
	}
	if len(enrollments) > 0 {
		if err := s.Store.Drip.Enroll(ctx, c.ID, enrollments); err != nil {
			return nil, s.discard(ctx, c.ID, err)
		}
	}
	s.Log.Info("campaign created", zap.Int64("campaign_id", c.ID), zap.String("kind", string(c.Kind)))
	return c, nil
}

// discard removes a campaign whose initial rows could not be written so a
// failed create leaves nothing behind. cause is returned unchanged.
func (s *CampaignService) discard(ctx context.Context, id int64, cause error) error {
	if err := s.Store.Campaigns.Delete(context.WithoutCancel(ctx), id); err != nil {
		s.Log.Error("failed to discard partially created campaign",
			zap.Int64("campaign_id", id), zap.Error(err))
	}
	return cause
}

// AddRecipients appends recipients to a draft broadcast.
func (s *CampaignService) AddRecipients(ctx context.Context, id int64, in []RecipientInput) (int, error) {
	c, err := s.Store.Campaigns.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Kind != model.KindBroadcast {
		return 0, appErrors.Validation("recipients belong to broadcast campaigns, use enrollments for drip")
	}
	if c.Status != model.StatusDraft {
		return 0, appErrors.Transition(string(c.Status), "add recipients")
	}
	recipients, err := cleanRecipients(in)
	if err != nil {
		return 0, err
	}
	if len(recipients) == 0 {
		return 0, appErrors.Validation("at least one recipient with an address is required")
	}
	if err := s.Store.Recipients.BulkInsert(ctx, id, recipients); err != nil {
		return 0, err
	}
	return len(recipients), nil
}

// EnrollRecipients adds recipients to a drip campaign. An active campaign's
// runner is woken to plan them.
func (s *CampaignService) EnrollRecipients(ctx context.Context, id int64, in []EnrollInput) (int, error) {
	c, err := s.Store.Campaigns.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Kind != model.KindDrip {
		return 0, appErrors.Validation("enrollments belong to drip campaigns")
	}
	enrollments, err := s.cleanEnrollments(in)
	if err != nil {
		return 0, err
	}
	if len(enrollments) == 0 {
		return 0, appErrors.Validation("nothing to enroll")
	}
	if err := s.Store.Drip.Enroll(ctx, id, enrollments); err != nil {
		return 0, err
	}
	if c.Status == model.StatusActive {
		s.Runners.Wake(id)
	}
	return len(enrollments), nil
}

// RecordConversion marks a business event (e.g. a paid charge) converted.
// Drip runners check it right before each dispatch.
func (s *CampaignService) RecordConversion(ctx context.Context, reference string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return appErrors.Validation("reference is required")
	}
	return s.Store.Conversions.MarkConverted(ctx, reference, s.now())
}

// ====================== Control commands ======================

func (s *CampaignService) Start(ctx context.Context, id int64, idemKey string) (*CommandResult, error) {
	return s.command(ctx, id, model.ActionStart, idemKey)
}

func (s *CampaignService) Pause(ctx context.Context, id int64, idemKey string) (*CommandResult, error) {
	return s.command(ctx, id, model.ActionPause, idemKey)
}

func (s *CampaignService) Resume(ctx context.Context, id int64, idemKey string) (*CommandResult, error) {
	return s.command(ctx, id, model.ActionResume, idemKey)
}

func (s *CampaignService) Cancel(ctx context.Context, id int64, idemKey string) (*CommandResult, error) {
	return s.command(ctx, id, model.ActionCancel, idemKey)
}

func idempotencyKey(id int64, action model.Action, key string) string {
	return fmt.Sprintf("campaign:%d:%s:%s", id, action, key)
}

func (s *CampaignService) replay(ctx context.Context, id int64, action model.Action, key string) (*CommandResult, bool, error) {
	raw, ok, err := s.Store.Idempotency.Get(ctx, idempotencyKey(id, action, key))
	if err != nil || !ok {
		return nil, false, err
	}
	var res CommandResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("decode stored result: %w", err)
	}
	res.Replayed = true
	return &res, true, nil
}

// command applies action with a compare-and-set on the status read. Only
// successful results are remembered under the idempotency key.
func (s *CampaignService) command(ctx context.Context, id int64, action model.Action, key string) (*CommandResult, error) {
	res, err := s.execute(ctx, id, action, key)
	result := "ok"
	switch {
	case err != nil:
		result = "rejected"
	case res.Replayed:
		result = "replayed"
	}
	metrics.ControlCommands.WithLabelValues(string(action), result).Inc()
	return res, err
}

func (s *CampaignService) execute(ctx context.Context, id int64, action model.Action, key string) (*CommandResult, error) {
	if key != "" {
		if res, ok, err := s.replay(ctx, id, action, key); err != nil || ok {
			return res, err
		}
	}

	c, err := s.Store.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	to, ok := model.Transition(c.Kind, c.Status, action)
	if !ok {
		return nil, appErrors.Transition(string(c.Status), string(action))
	}
	if err := s.Store.Campaigns.CompareAndSetStatus(ctx, id, c.Status, to, s.now()); err != nil {
		if key != "" && errors.Is(err, appErrors.ErrInvalidTransition) {
			// a concurrent call with the same key may have won
			if res, ok, rerr := s.replay(ctx, id, action, key); rerr == nil && ok {
				return res, nil
			}
		}
		return nil, err
	}

	switch action {
	case model.ActionStart, model.ActionResume:
		s.Runners.Wake(id)
	case model.ActionPause, model.ActionCancel:
		s.Runners.Stop(id)
	}
	s.publish(events.Event{Type: events.TypeStatus, CampaignID: id, Status: to})
	s.Log.Info("campaign status changed",
		zap.Int64("campaign_id", id),
		zap.String("action", string(action)),
		zap.String("from", string(c.Status)),
		zap.String("to", string(to)),
	)

	res := &CommandResult{CampaignID: id, Status: to, IdempotencyKey: key}
	if key != "" {
		raw, _ := json.Marshal(res)
		if _, err := s.Store.Idempotency.PutIfAbsent(ctx, idempotencyKey(id, action, key), raw, s.idempotencyTTL()); err != nil {
			s.Log.Warn("failed to store idempotency key", zap.Int64("campaign_id", id), zap.Error(err))
		}
	}
	return res, nil
}

func (s *CampaignService) idempotencyTTL() time.Duration {
	if s.IdempotencyTTL > 0 {
		return s.IdempotencyTTL
	}
	return 24 * time.Hour
}

// ====================== Reads ======================

func (s *CampaignService) GetCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.Store.Campaigns.GetByID(ctx, id)
}

func paginate(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, kind, status string) ([]model.Campaign, map[string]int, error) {
	page, pageSize, offset := paginate(page, pageSize)

	ptrs, total, err := s.Store.Campaigns.ListCampaigns(ctx, offset, pageSize, kind, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

func (s *CampaignService) ListRecipients(ctx context.Context, id int64, page, pageSize int, status string) ([]model.Recipient, map[string]int, error) {
	if _, err := s.Store.Campaigns.GetByID(ctx, id); err != nil {
		return nil, nil, err
	}
	page, pageSize, offset := paginate(page, pageSize)
	rs, total, err := s.Store.Recipients.ListByCampaign(ctx, id, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}
	return rs, pagination(page, pageSize, total), nil
}

func (s *CampaignService) ListEnrollments(ctx context.Context, id int64, page, pageSize int) ([]model.DripEnrollment, map[string]int, error) {
	if _, err := s.Store.Campaigns.GetByID(ctx, id); err != nil {
		return nil, nil, err
	}
	page, pageSize, offset := paginate(page, pageSize)
	es, total, err := s.Store.Drip.ListEnrollments(ctx, id, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return es, pagination(page, pageSize, total), nil
}

func (s *CampaignService) GetProgress(ctx context.Context, id int64) (model.Progress, error) {
	c, err := s.Store.Campaigns.GetByID(ctx, id)
	if err != nil {
		return model.Progress{}, err
	}
	return repository.Progress(ctx, s.Store, c)
}

// Reconcile recounts a broadcast's recipient rows and rewrites the cached
// counters when they drifted. The recount and the rewrite happen in one
// store operation so a delivery finalized meanwhile is never lost.
func (s *CampaignService) Reconcile(ctx context.Context, id int64) (*ReconcileResult, error) {
	c, err := s.Store.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Kind != model.KindBroadcast {
		p, err := repository.Progress(ctx, s.Store, c)
		if err != nil {
			return nil, err
		}
		return &ReconcileResult{Before: p, After: p}, nil
	}

	rc, err := s.Store.Campaigns.RecountCounters(ctx, id)
	if err != nil {
		return nil, err
	}
	before := model.Progress{
		CampaignID: id,
		Status:     c.Status,
		Sent:       rc.CachedSent,
		Failed:     rc.CachedFailed,
		Total:      c.TotalRecipients,
	}
	before.Pending = before.Total - before.Sent - before.Failed
	res := &ReconcileResult{Before: before, After: before}
	if !rc.Drift() {
		return res, nil
	}

	metrics.CounterDrift.Inc()
	s.Log.Warn("campaign counters drifted",
		zap.Int64("campaign_id", id),
		zap.Int("cached_sent", rc.CachedSent), zap.Int("sent", rc.Sent),
		zap.Int("cached_failed", rc.CachedFailed), zap.Int("failed", rc.Failed),
	)
	res.Drift = true
	res.After.Sent, res.After.Failed, res.After.Pending = rc.Sent, rc.Failed, rc.Pending
	return res, nil
}

// ReconcileLive reconciles every live broadcast; run periodically.
func (s *CampaignService) ReconcileLive(ctx context.Context) error {
	live, err := s.Store.Campaigns.ListLive(ctx)
	if err != nil {
		return err
	}
	for _, c := range live {
		if c.Kind != model.KindBroadcast {
			continue
		}
		if _, err := s.Reconcile(ctx, c.ID); err != nil {
			s.Log.Warn("reconcile failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
		}
	}
	return nil
}

// PreviewMessage renders the campaign template (or override) for one recipient.
func (s *CampaignService) PreviewMessage(ctx context.Context, id int64, r RecipientInput, override *string) (string, error) {
	c, err := s.Store.Campaigns.GetByID(ctx, id)
	if err != nil {
		return "", err
	}

	contact := model.Contact{Address: r.Address, DisplayName: r.DisplayName, Variables: r.Variables}
	if override != nil && strings.TrimSpace(*override) != "" {
		return s.Templates.RenderOnce(*override, contact)
	}
	if strings.TrimSpace(c.MessageTemplate) == "" {
		return "", appErrors.Validation("template cannot be empty")
	}
	return s.Templates.Render(c.MessageTemplate, contact)
}
