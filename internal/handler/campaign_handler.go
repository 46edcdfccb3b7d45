// internal/handler/campaign_handler.go
package handler

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailcast-backend/internal/errors"
	"github.com/unclebandit/mailcast-backend/internal/service"
)

// CampaignHandler serves campaign reads, progress polling and the
// recipient-facing unsubscribe and open-tracking links.
type CampaignHandler struct {
	Service  *service.CampaignService
	Progress *service.ProgressReporter
	Logger   zerolog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, r *http.Request, err error) {
	status := appErrors.StatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func campaignID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	return id, err == nil && id > 0
}

func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(r)
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, details)
}

// GetStatusHandler is polled by the compose UI until the campaign is terminal.
func (h *CampaignHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(r)
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	progress, err := h.Progress.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, progress)
}

var unsubscribePage = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
{{if .OK}}<p>You have been unsubscribed and will not receive further emails.</p>
{{else}}<p>This unsubscribe link has expired or is invalid.</p>{{end}}
</body></html>
`))

// UnsubscribeHandler serves both the link in the email body (GET) and
// List-Unsubscribe-Post one-click requests (POST).
func (h *CampaignHandler) UnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	ok, err := h.Service.Unsubscribe(r.Context(), token)
	if err != nil {
		h.Logger.Error().Err(err).Msg("unsubscribe failed")
		http.Error(w, "unsubscribe failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	if r.Method == http.MethodPost {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	unsubscribePage.Execute(w, struct{ OK bool }{ok})
}

// transparentGIF is a 1x1 transparent GIF.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

func (h *CampaignHandler) OpenPixelHandler(w http.ResponseWriter, r *http.Request) {
	h.Service.RecordOpen(r.Context(), chi.URLParam(r, "token"))

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Write(transparentGIF)
}
