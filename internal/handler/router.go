package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Mounter registers a group of routes.
type Mounter interface {
	Routes(r chi.Router)
}

type RouterConfig struct {
	Public             Mounter
	Admin              Mounter
	AdminToken         string
	RateLimitPerMinute int
	Logger             *zap.Logger
}

// NewRouter assembles the HTTP surface: public API, token-guarded admin API,
// health and metrics. Everything under /api/ is rate limited per client IP.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "service": "dropleopard"})
	})
	r.Handle("/metrics", promhttp.Handler())

	limiter := NewIPRateLimiter(cfg.RateLimitPerMinute)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		cfg.Public.Routes(r)
		r.Group(func(r chi.Router) {
			r.Use(RequireToken(cfg.AdminToken))
			cfg.Admin.Routes(r)
		})
	})
	return r
}
