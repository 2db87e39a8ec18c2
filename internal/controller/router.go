package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/campaign-scheduler/internal/config"
	"github.com/unclebandit/campaign-scheduler/internal/handler"
	"github.com/unclebandit/campaign-scheduler/internal/metrics"
)

// NewRouter wires the campaign API, health check and metrics endpoint.
func NewRouter(ctrl *CampaignController, h *handler.CampaignHandler, cfg config.APIConfig, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", IdempotencyHeader},
		ExposedHeaders: []string{IdempotencyHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(cfg.RatePerSec, cfg.Burst))

		r.Post("/conversions", ctrl.RecordConversion)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", ctrl.CreateCampaign)
			r.Get("/", h.ListCampaignsHandler)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCampaignHandler)
				r.Get("/progress", h.GetProgressHandler)
				r.Get("/recipients", h.ListRecipientsHandler)
				r.Post("/recipients", ctrl.AddRecipients)
				r.Get("/enrollments", h.ListEnrollmentsHandler)
				r.Post("/enrollments", ctrl.EnrollRecipients)
				r.Get("/events", h.EventsHandler)

				r.Post("/start", ctrl.Start())
				r.Post("/pause", ctrl.Pause())
				r.Post("/resume", ctrl.Resume())
				r.Post("/cancel", ctrl.Cancel())
				r.Post("/reconcile", ctrl.Reconcile)
				r.Post("/personalized-preview", ctrl.PersonalizedPreview)
			})
		})
	})

	return r
}

// rateLimit applies one token bucket to the whole API. rps <= 0 disables it.
func rateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				metrics.HTTPRateLimited.Inc()
				w.Header().Set("Retry-After", "1")
				handler.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
