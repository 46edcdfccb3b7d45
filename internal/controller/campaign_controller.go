// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailcast-backend/internal/errors"
	"github.com/unclebandit/mailcast-backend/internal/service"
)

// CampaignController serves the compose UI: enqueue, list, preview and test sends.
type CampaignController struct {
	CampaignService *service.CampaignService
	Logger          zerolog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (c *CampaignController) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := appErrors.StatusCode(err)
	if status >= http.StatusInternalServerError {
		c.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// CreateCampaign enqueues a campaign for the whole selected audience.
func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.EnqueueInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	campaign, err := c.CampaignService.Enqueue(r.Context(), body)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	tenantID, _ := strconv.Atoi(r.URL.Query().Get("tenant_id"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, tenantID, status)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	campaignID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	var body struct {
		SubscriberID int     `json:"subscriber_id"`
		OverrideBody *string `json:"override_body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	msg, err := c.CampaignService.RenderPreview(r.Context(), campaignID, body.SubscriberID, body.OverrideBody)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject":       msg.Subject,
		"html":          msg.HTML,
		"text":          msg.Text,
		"from":          msg.From,
		"reply_to":      msg.ReplyTo,
		"used_override": body.OverrideBody != nil,
		"subscriber_id": body.SubscriberID,
	})
}

// SendTest sends one verification message; no campaign is created.
func (c *CampaignController) SendTest(w http.ResponseWriter, r *http.Request) {
	var body service.TestInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	id, err := c.CampaignService.SendTest(r.Context(), body)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
}
