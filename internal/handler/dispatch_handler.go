package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailcast-backend/internal/errors"
	"github.com/unclebandit/mailcast-backend/internal/service"
)

type TickRunner interface {
	RunOnce(ctx context.Context) (*service.TickSummary, error)
}

// DispatchHandler is the endpoint the external scheduler calls once per period.
type DispatchHandler struct {
	Runner TickRunner
	Secret string
	Logger zerolog.Logger
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// TriggerTick checks configuration and the shared secret before any
// campaign is touched, then runs one tick and returns its summary.
func (h *DispatchHandler) TriggerTick(w http.ResponseWriter, r *http.Request) {
	if h.Secret == "" {
		h.Logger.Error().Msg("dispatch trigger rejected: DISPATCH_SECRET is not set")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": appErrors.ErrDispatchSecretMissing.Error()})
		return
	}

	token, ok := bearerToken(r)
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.Secret)) != 1 {
		h.Logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("dispatch trigger rejected: bad credentials")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": appErrors.ErrUnauthorized.Error()})
		return
	}

	// The tick outlives a disconnecting caller; the runner bounds it.
	summary, err := h.Runner.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
