// Package app wires application components and startup helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/campaign-dialer/internal/adapter/httpserver"
	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	"github.com/fairyhunter13/campaign-dialer/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(httpserver.SecurityHeaders)
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   append(ParseOrigins(cfg.CORSAllowOrigins), cfg.FrontendURL),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Carrier callbacks and probes stay unauthenticated.
	r.Post("/exotel/webhook/status", srv.WebhookStatusHandler())
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/auth/login", srv.LoginHandler())

	// Operator API: rate limited, bearer-guarded when configured.
	r.Group(func(gr chi.Router) {
		gr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		if cfg.AuthEnabled() {
			gr.Use(httpserver.BearerGuard([]byte(cfg.JWTSecret)))
		}

		gr.Post("/scheduling/schedule", srv.ScheduleHandler())
		gr.Post("/scheduling/{id}/cancel", srv.CancelScheduleHandler())
		gr.Post("/scheduling/{id}/reschedule", srv.RescheduleHandler())

		gr.Post("/calls/outbound", srv.OutboundCallHandler())

		gr.Post("/campaigns", srv.CreateCampaignHandler())
		gr.Post("/campaigns/{id}/contacts", srv.AddContactsHandler())
		gr.Post("/campaigns/{id}/contacts/{contactId}/cancel", srv.CancelContactHandler())
		gr.Post("/campaigns/{id}/start", srv.StartCampaignHandler())
		gr.Post("/campaigns/{id}/pause", srv.PauseCampaignHandler())
		gr.Post("/campaigns/{id}/resume", srv.ResumeCampaignHandler())
		gr.Get("/campaigns/{id}/stats", srv.CampaignStatsHandler())

		gr.Post("/maintenance/cleanup-slots/{campaignId}", srv.CleanupSlotsHandler())
	})

	return r
}
