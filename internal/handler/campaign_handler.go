// internal/handler/campaign_handler.go
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-scheduler/internal/events"
	"github.com/unclebandit/campaign-scheduler/internal/model"
	"github.com/unclebandit/campaign-scheduler/internal/service"
)

// CampaignHandler serves the read side of the campaign API and the change feed.
type CampaignHandler struct {
	Service   *service.CampaignService
	Feed      *events.Feed
	Log       *zap.Logger
	Heartbeat time.Duration
}

func NewCampaignHandler(svc *service.CampaignService, feed *events.Feed, log *zap.Logger) *CampaignHandler {
	return &CampaignHandler{Service: svc, Feed: feed, Log: log, Heartbeat: 15 * time.Second}
}

// ListCampaignsHandler returns a paginated list of campaigns
func (h *CampaignHandler) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	campaigns, pagination, err := h.Service.ListCampaigns(r.Context(), queryInt(r, "page"), queryInt(r, "page_size"), q.Get("kind"), q.Get("status"))
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

// GetCampaignHandler returns one campaign with its current progress
func (h *CampaignHandler) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id, err := CampaignID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	campaign, err := h.Service.GetCampaign(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	progress, err := h.Service.GetProgress(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, struct {
		*model.Campaign
		Progress model.Progress `json:"progress"`
	}{campaign, progress})
}

func (h *CampaignHandler) GetProgressHandler(w http.ResponseWriter, r *http.Request) {
	id, err := CampaignID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	progress, err := h.Service.GetProgress(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, progress)
}

func (h *CampaignHandler) ListRecipientsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := CampaignID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	rs, pagination, err := h.Service.ListRecipients(r.Context(), id, queryInt(r, "page"), queryInt(r, "page_size"), r.URL.Query().Get("status"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"data": rs, "pagination": pagination})
}

func (h *CampaignHandler) ListEnrollmentsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := CampaignID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	es, pagination, err := h.Service.ListEnrollments(r.Context(), id, queryInt(r, "page"), queryInt(r, "page_size"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"data": es, "pagination": pagination})
}

// EventsHandler streams the campaign's change feed as server-sent events,
// starting with a progress snapshot.
func (h *CampaignHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := CampaignID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	ch := h.Feed.Subscribe(id)
	defer h.Feed.Unsubscribe(ch, id)

	progress, err := h.Service.GetProgress(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, events.Event{Type: events.TypeProgress, CampaignID: id, Status: progress.Status, Progress: &progress, At: time.Now()})
	flusher.Flush()

	every := h.Heartbeat
	if every <= 0 {
		every = 15 * time.Second
	}
	heartbeat := time.NewTicker(every)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			e, ok := msg.(events.Event)
			if !ok {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				h.Log.Debug("event stream closed", zap.Int64("campaign_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
