package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mmeshcher/pointshop/internal/metrics"
	custommiddleware "github.com/mmeshcher/pointshop/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса обмена баллов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	if h.cfg.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Content-Encoding", "Accept-Encoding"},
		MaxAge:         300,
	}))
	r.Use(metrics.Instrument)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	if h.cfg.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(h.cfg.RequestTimeout))
	}

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/catalog", h.Catalog)

	r.Group(func(r chi.Router) {
		if h.cfg.LoginLimiter != nil {
			r.Use(h.cfg.LoginLimiter.Middleware)
		}
		r.Get("/auth/login", h.Login)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/session/refresh", h.Refresh)
		r.Get("/update", h.Refresh)

		r.Post("/redeem", h.Redeem)
		r.Post("/buy", h.Redeem)

		r.Get("/history", h.History)
	})

	r.Route("/review", func(r chi.Router) {
		r.Use(custommiddleware.ReviewerAuth(h.cfg.ReviewerToken))

		r.Post("/transactions/{id}", h.Review)
		r.Post("/users/{id}/credits", h.Credit)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
