package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zenrent/hmrc-connect/internal/api/handler"
	mw "github.com/zenrent/hmrc-connect/internal/api/middleware"
	"github.com/zenrent/hmrc-connect/internal/api/response"
	"github.com/zenrent/hmrc-connect/internal/config"
	"github.com/zenrent/hmrc-connect/internal/core"
)

type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	services *core.Services
	pool     *pgxpool.Pool
	cfg      *config.Config
}

func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, services *core.Services, cfg *config.Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		services: services,
		pool:     pool,
		cfg:      cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		connection := handler.NewConnection(s.services.Auth, s.services.RateLimiter)

		// The callback is HMRC's browser redirect: it carries only code and
		// state, never a bearer token. The state comparison against the
		// stored auth request binds it to the initiating user.
		r.Get("/hmrc/callback", connection.Callback)

		r.Group(func(r chi.Router) {
			r.Use(mw.SessionAuth([]byte(s.cfg.SessionJWTSecret)))

			r.Post("/hmrc/connect", connection.Connect)
			r.Get("/hmrc/connection", connection.Status)
			r.Delete("/hmrc/connection", connection.Disconnect)

			clientData := handler.NewClientData(s.services.ClientData)
			r.Post("/hmrc/client-data", clientData.Put)

			submission := handler.NewSubmission(s.services.Submissions)
			r.Post("/submissions", submission.Submit)
			r.Post("/submissions/drafts", submission.SaveDraft)
			r.Get("/submissions", submission.List)
			r.Get("/submissions/{id}", submission.Get)
			r.Put("/submissions/{id}", submission.Update)
			r.Post("/submissions/{id}/poll", submission.Poll)
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Ping(r.Context()); err != nil {
		response.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Shutdown releases resources owned by the server's services.
func (s *Server) Shutdown(context.Context) error {
	s.services.Close()
	return nil
}
