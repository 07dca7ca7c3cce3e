package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/config"
	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
	"github.com/JakeFAU/spidermini-crawler/internal/metrics"
)

const (
	enqueueTimeout = 5 * time.Second
	readyTimeout   = 2 * time.Second
)

// Seeder schedules an asynchronous crawl of a newly seeded URL.
type Seeder interface {
	Enqueue(ctx context.Context, url string) error
}

// HealthChecker reports whether a downstream dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server wires HTTP handlers to the frontier store and the seed queue.
type Server struct {
	router    chi.Router
	store     crawler.FrontierStore
	seeder    Seeder
	predictor HealthChecker
	frontier  *FrontierHandler
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. seeder and
// predictor may be nil.
func NewServer(
	store crawler.FrontierStore,
	seeder Seeder,
	predictor HealthChecker,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		store:     store,
		seeder:    seeder,
		predictor: predictor,
		frontier:  NewFrontierHandler(store, logger),
		cfg:       cfg,
		logger:    logger.Named("api"),
	}

	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.NotFound(s.notFound)
	r.MethodNotAllowed(s.notFound)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/", s.submitSeed)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/urls", s.submitSeed)
			r.Get("/urls", s.frontier.GetURL)
			r.Get("/urls/pending", s.frontier.ListPending)
			r.Get("/stats", s.frontier.Stats)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz pings the store and, when configured, the predictor.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "store not configured"})
		return
	}
	if _, err := s.store.CountByStatus(ctx); err != nil {
		s.logger.Warn("readiness store check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "store unavailable"})
		return
	}
	if s.predictor != nil {
		if err := s.predictor.Health(ctx); err != nil {
			s.logger.Warn("readiness predictor check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "predictor unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

// submitSeed accepts a URL, inserts it as pending and, if it was new, schedules
// an asynchronous crawl.
func (s *Server) submitSeed(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeSeedURL(w, r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errUnsupportedMediaType) {
			status = http.StatusUnsupportedMediaType
		}
		writeError(w, status, err.Error())
		return
	}
	if !crawler.IsValidHTTPURL(raw) {
		writeError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}
	url, err := crawler.NormalizeURL(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}

	inserted, err := s.store.UpsertPending(r.Context(), url)
	if err != nil {
		s.logger.Error("seed upsert failed", zap.String("url", url), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store url")
		return
	}
	if !inserted {
		writeJSON(w, http.StatusAccepted, seedResponse{Message: "URL already known", URL: url})
		return
	}

	s.enqueue(r.Context(), url)
	writeJSON(w, http.StatusAccepted, seedResponse{Message: "URL accepted for crawling", URL: url})
}

// enqueue hands url to the seed queue. A failure only delays the crawl until
// the next batch cycle picks the pending row up.
func (s *Server) enqueue(ctx context.Context, url string) {
	if s.seeder == nil {
		return
	}
	queueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	if err := s.seeder.Enqueue(queueCtx, url); err != nil {
		s.logger.Warn("seed enqueue failed; leaving url for the batch cycle",
			zap.String("url", url),
			zap.Error(err),
		)
	}
}

type seedResponse struct {
	Message string `json:"message"`
	URL     string `json:"url"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
