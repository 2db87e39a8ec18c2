// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/handler"
	"github.com/unclebandit/campaign-scheduler/internal/service"
)

const IdempotencyHeader = "Idempotency-Key"

// CampaignController serves the mutating side of the campaign API.
type CampaignController struct {
	CampaignService *service.CampaignService
	Log             *zap.Logger
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return appErrors.Validation("invalid body: %v", err)
	}
	return nil
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := decode(r, &body); err != nil {
		handler.WriteError(w, err)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusCreated, campaign)
}

type commandFunc func(ctx context.Context, id int64, idemKey string) (*service.CommandResult, error)

// command runs a control command; the Idempotency-Key header is echoed back.
func (c *CampaignController) command(fn commandFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key != "" {
			w.Header().Set(IdempotencyHeader, key)
		}

		id, err := handler.CampaignID(r)
		if err != nil {
			handler.WriteError(w, err)
			return
		}

		result, err := fn(r.Context(), id, key)
		if err != nil {
			c.Log.Info("command rejected", zap.Int64("campaign_id", id), zap.String("path", r.URL.Path), zap.Error(err))
			handler.WriteError(w, err)
			return
		}
		handler.WriteJSON(w, http.StatusOK, result)
	}
}

func (c *CampaignController) Start() http.HandlerFunc  { return c.command(c.CampaignService.Start) }
func (c *CampaignController) Pause() http.HandlerFunc  { return c.command(c.CampaignService.Pause) }
func (c *CampaignController) Resume() http.HandlerFunc { return c.command(c.CampaignService.Resume) }
func (c *CampaignController) Cancel() http.HandlerFunc { return c.command(c.CampaignService.Cancel) }

func (c *CampaignController) AddRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := handler.CampaignID(r)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	var body struct {
		Recipients []service.RecipientInput `json:"recipients"`
	}
	if err := decode(r, &body); err != nil {
		handler.WriteError(w, err)
		return
	}

	added, err := c.CampaignService.AddRecipients(r.Context(), id, body.Recipients)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, map[string]interface{}{"campaign_id": id, "added": added})
}

func (c *CampaignController) EnrollRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := handler.CampaignID(r)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	var body struct {
		Enrollments []service.EnrollInput `json:"enrollments"`
	}
	if err := decode(r, &body); err != nil {
		handler.WriteError(w, err)
		return
	}

	enrolled, err := c.CampaignService.EnrollRecipients(r.Context(), id, body.Enrollments)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, map[string]interface{}{"campaign_id": id, "enrolled": enrolled})
}

func (c *CampaignController) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := handler.CampaignID(r)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	result, err := c.CampaignService.Reconcile(r.Context(), id)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, result)
}

// RecordConversion receives business events (e.g. a completed payment) that
// end drip sequences for the matching origin reference.
func (c *CampaignController) RecordConversion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reference string `json:"reference"`
	}
	if err := decode(r, &body); err != nil {
		handler.WriteError(w, err)
		return
	}

	if err := c.CampaignService.RecordConversion(r.Context(), body.Reference); err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, map[string]string{"reference": body.Reference, "status": "converted"})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, err := handler.CampaignID(r)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	var body struct {
		Recipient        service.RecipientInput `json:"recipient"`
		OverrideTemplate *string                `json:"override_template"`
	}
	if err := decode(r, &body); err != nil {
		handler.WriteError(w, err)
		return
	}

	rendered, err := c.CampaignService.PreviewMessage(r.Context(), id, body.Recipient, body.OverrideTemplate)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"address":          body.Recipient.Address,
	})
}
