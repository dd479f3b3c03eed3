// Package app wires the HTTP router and the background maintenance
// loops shared by the server and worker processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/scribeworks/transcriptd/internal/adapter/httpserver"
	"github.com/scribeworks/transcriptd/internal/adapter/observability"
	"github.com/scribeworks/transcriptd/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// An empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	out := make([]string, 0, 4)
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and
// routes. API-key auth guards everything except the liveness probe and
// the metrics endpoint.
func BuildRouter(cfg config.Config, srv *httpserver.Server, auth *httpserver.KeyAuth) http.Handler {
	r := chi.NewRouter()

	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.server")
	})
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Window", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Coarse per-IP limit in front of the per-key limiter, so a single
	// misbehaving client cannot exhaust the auth path either.
	r.Use(httprate.LimitByIP(cfg.RateLimitRequests*2, time.Minute))

	r.Get("/health", srv.HealthHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(ar chi.Router) {
		if auth != nil {
			ar.Use(auth.Middleware)
		}
		ar.Post("/transcribe", srv.TranscribeHandler())
		ar.Get("/transcribe/{id}", srv.StatusHandler())
		ar.Delete("/transcribe/{id}", srv.CancelHandler())
		ar.Get("/jobs", srv.ListJobsHandler())

		ar.Route("/admin", func(adm chi.Router) {
			adm.Get("/health", srv.AdminHealthHandler())
			adm.Get("/errors", srv.ListErrorsHandler())
			adm.Get("/audit/verify", srv.VerifyAuditHandler())
			adm.Get("/audit/custody", srv.CustodyHandler())
			adm.Get("/audit/failed-auth", srv.FailedAuthHandler())
		})
	})

	return httpserver.SecurityHeaders(r)
}
