package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Handler        *Handler
	Health         *HealthHandler
	Logger         *zap.Logger
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	// PublicRateLimit caps booking wizard and cancellation requests per
	// client IP and minute. Zero disables the limit.
	PublicRateLimit int
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	h := cfg.Handler
	r.Group(func(r chi.Router) {
		if cfg.PublicRateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.PublicRateLimit, time.Minute))
		}
		r.Get("/availability/dates", h.AvailableDates)
		r.Get("/availability/slots", h.AvailableSlots)
		r.Post("/appointments", h.CreateAppointment)
		r.Get("/cancellations/{token}", h.PreviewCancellation)
		r.Post("/cancellations/{token}", h.CancelByToken)
	})

	// Dashboard routes arrive pre-authenticated from the gateway.
	r.Get("/appointments", h.ListAppointments)
	r.Get("/appointments/{id}", h.GetAppointment)
	r.Post("/appointments/{id}/status", h.SetStatus)
	r.Post("/appointments/{id}/reschedule", h.Reschedule)
	r.Post("/absences", h.CreateAbsence)
	r.Post("/absences/{id}/cascade", h.CascadeAbsence)
	r.Delete("/absences/{id}", h.DeleteAbsence)
	r.Post("/patients/{id}/anonymize", h.AnonymizePatient)
	r.Post("/slots/generate", h.GenerateSlots)

	return r
}
