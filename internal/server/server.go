// Package server provides the HTTP server and routing for the liquidity API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/config"
	"github.com/aristath/liquidity/internal/database"
	"github.com/aristath/liquidity/internal/modules/agent"
	"github.com/aristath/liquidity/internal/modules/ingest"
	"github.com/aristath/liquidity/internal/modules/registry"
	"github.com/aristath/liquidity/internal/modules/series"
	"github.com/aristath/liquidity/internal/modules/snapshots"
)

// Config holds everything the server needs: the store, the domain services
// and the runtime settings.
type Config struct {
	Log          zerolog.Logger
	DB           *database.DB
	Config       *config.Config
	SeriesRepo   *series.Repository
	RegistryRepo *registry.Repository
	Snapshots    *snapshots.Service
	SnapRepo     *snapshots.Repository
	Ingest       *ingest.Service
	Agent        *agent.Service
}

// Server is the HTTP server.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	db             *database.DB
	cfg            *config.Config
	seriesRepo     *series.Repository
	registryRepo   *registry.Repository
	snapshots      *snapshots.Service
	snapRepo       *snapshots.Repository
	ingest         *ingest.Service
	agent          *agent.Service
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		db:             cfg.DB,
		cfg:            cfg.Config,
		seriesRepo:     cfg.SeriesRepo,
		registryRepo:   cfg.RegistryRepo,
		snapshots:      cfg.Snapshots,
		snapRepo:       cfg.SnapRepo,
		ingest:         cfg.Ingest,
		agent:          cfg.Agent,
		systemHandlers: NewSystemHandlers(cfg.Log, cfg.Config.DataDir, cfg.DB),
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // ask_stream holds the connection open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupMiddleware configures middleware.
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/system/status", s.systemHandlers.HandleSystemStatus)

	s.router.Get("/series/list", s.handleSeriesList)
	s.router.Get("/series/{seriesID}", s.handleSeries)

	s.router.Get("/indicators", s.handleIndicators)
	s.router.Get("/indicators/list", s.handleIndicatorsList)
	s.router.Get("/indicators/{indicatorID}/history", s.handleIndicatorHistory)
	s.router.Get("/registry/buckets", s.handleRegistryBuckets)

	s.router.Get("/snapshot", s.handleSnapshot)
	s.router.Get("/snapshot/history", s.handleSnapshotHistory)
	s.router.Get("/router", s.handleRouter)

	s.router.Post("/events/recompute", s.handleRecompute)
	s.router.Post("/events/backfill_history", s.handleBackfillHistory)
	s.router.Post("/events/ingest", s.handleIngest)

	s.router.Post("/llm/brief", s.handleBrief)
	s.router.Get("/llm/ask_stream", s.handleAskStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
