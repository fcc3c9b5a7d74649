// Package server provides the status HTTP server: health, system and
// cache stats, scheduler state, recent alerts and the CSV export.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/alerts"
	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/market"
	"github.com/karthikm/nsewatch/internal/options"
	"github.com/karthikm/nsewatch/internal/scheduler"
	"github.com/karthikm/nsewatch/internal/universe"
)

// Config holds server wiring
type Config struct {
	Port      int
	Quotes    *cache.QuoteStore
	History   *cache.HistoryStore
	AlertLog  *alerts.Log
	Cooldown  *alerts.CooldownManager
	Scheduler *scheduler.Scheduler
	Evaluator *options.Evaluator
	Universe  *universe.Universe
	Calendar  *market.Calendar
	Log       zerolog.Logger
}

// Server is the read-only status API. It never mutates pipeline state.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	handlers *Handlers
	log      zerolog.Logger
}

// New creates the server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		handlers: NewHandlers(cfg.Quotes, cfg.History, cfg.AlertLog, cfg.Cooldown,
			cfg.Scheduler, cfg.Evaluator, cfg.Universe, cfg.Calendar, cfg.Log),
		log: cfg.Log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/system", s.handlers.HandleSystem)
		r.Get("/cache/stats", s.handlers.HandleCacheStats)
		r.Get("/scheduler", s.handlers.HandleScheduler)
		r.Get("/evaluator", s.handlers.HandleEvaluator)
		r.Get("/universe", s.handlers.HandleUniverse)
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/recent", s.handlers.HandleRecentAlerts)
			r.Get("/export", s.handlers.HandleExportCSV)
		})
	})
}

// Router exposes the handler tree for tests
func (s *Server) Router() http.Handler { return s.router }

// Start blocks on ListenAndServe
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting status server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down status server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
