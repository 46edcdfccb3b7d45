package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcast-backend/internal/app"
	"github.com/unclebandit/mailcast-backend/internal/controller"
	"github.com/unclebandit/mailcast-backend/internal/handler"
)

func newRouter(a *app.App) http.Handler {
	campaignController := &controller.CampaignController{
		CampaignService: a.Service,
		Logger:          a.Logger,
	}
	campaignHandler := &handler.CampaignHandler{
		Service:  a.Service,
		Progress: a.Progress,
		Logger:   a.Logger,
	}
	dispatchHandler := &handler.DispatchHandler{
		Runner: a.Runner,
		Secret: a.Config.Dispatch.Secret,
		Logger: a.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.Logger))
	r.Use(middleware.Recoverer)

	// Campaign routes
	r.Post("/campaigns", campaignController.CreateCampaign)
	r.Get("/campaigns", campaignController.ListCampaigns)
	r.Post("/campaigns/test-send", campaignController.SendTest)
	r.Get("/campaigns/{id}", campaignHandler.GetCampaignHandlerWithStats)
	r.Get("/campaigns/{id}/status", campaignHandler.GetStatusHandler)
	r.Post("/campaigns/{id}/preview", campaignController.PersonalizedPreview)

	// Dispatcher trigger for the external scheduler
	r.Post("/internal/dispatch/tick", dispatchHandler.TriggerTick)

	// Links embedded in sent emails
	r.Get("/unsubscribe/{token}", campaignHandler.UnsubscribeHandler)
	r.Post("/unsubscribe/{token}", campaignHandler.UnsubscribeHandler)
	r.Get("/o/{token}.gif", campaignHandler.OpenPixelHandler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
