// Package httpserver is the HTTP front door (C8): it accepts OpenAI- and
// Anthropic-shaped requests, authenticates them, routes them through the
// router and pipeline, bridges streaming responses over SSE, and exposes
// the operational surface (/health, /ready, /shutdown, /daemon/*,
// /metrics). Route registration and middleware assembly are grounded on
// the teacher's cmd/agentflow/server.go and middleware.go.
package httpserver

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/credential"
	"github.com/routecodex/routecodex/internal/health"
	"github.com/routecodex/routecodex/internal/metrics"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/protocol"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/snapshot"
)

// Options configures a Server at construction. APIKeys and StopPassword
// gate authentication and /shutdown respectively; an empty APIKeys list
// disables API-key auth (local-only deployments).
type Options struct {
	APIKeys              []string
	CORSAllowedOrigins   []string
	RateLimitRPS         float64
	RateLimitBurst       int
	StopPassword         string
	OnShutdownRequested  func()

	// OnReloadRequested, when set, lets the /daemon/clock/restart
	// endpoint trigger the same in-process config reload SIGUSR2 does
	// (§4.9), so sibling CLI commands and the guardian's broadcast-restart
	// can drive a reload without a signal.
	OnReloadRequested func() error
	// ListClockClients, when set, backs GET /daemon/clock-client/list
	// with the guardian's current registrations.
	ListClockClients func() ([]map[string]interface{}, error)
}

// Server wires the router, pipeline factory, credential store, and health
// tracker into one chi.Router. It is constructed once by the supervisor
// and handed a fresh ResolvedConfig on every reload via SetConfig.
type Server struct {
	opts    Options
	router  *router.Router
	health  *health.Tracker
	creds   *credential.Store
	pipes   *pipeline.Factory
	snap    *snapshot.Sink
	metrics *metrics.Collector
	logger  *zap.Logger

	providers atomic.Pointer[map[string]config.ProviderProfile]

	pipelineMu    sync.Mutex
	pipelineCache map[string]*pipeline.Pipeline

	startedAt time.Time
	mux       *chi.Mux
}

func New(
	r *router.Router,
	tracker *health.Tracker,
	creds *credential.Store,
	pipes *pipeline.Factory,
	snap *snapshot.Sink,
	mc *metrics.Collector,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mc == nil {
		mc = metrics.NewCollector("routecodex")
	}
	s := &Server{
		opts:          opts,
		router:        r,
		health:        tracker,
		creds:         creds,
		pipes:         pipes,
		snap:          snap,
		metrics:       mc,
		logger:        logger,
		pipelineCache: make(map[string]*pipeline.Pipeline),
		startedAt:     time.Now(),
	}
	empty := make(map[string]config.ProviderProfile)
	s.providers.Store(&empty)
	s.mux = s.buildRouter()
	return s
}

// SetConfig installs a freshly resolved config: the provider map feeds the
// pipeline factory, and it invalidates the pipeline cache so the next
// request on each target rebuilds against the new ProviderProfile.
func (s *Server) SetConfig(cfg config.ResolvedConfig) {
	providers := make(map[string]config.ProviderProfile, len(cfg.Providers))
	for k, v := range cfg.Providers {
		providers[k] = v
	}
	s.providers.Store(&providers)

	s.pipelineMu.Lock()
	s.pipelineCache = make(map[string]*pipeline.Pipeline)
	s.pipelineMu.Unlock()
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(s.recoveryMiddleware)
	r.Use(s.requestIDMiddleware)
	r.Use(s.requestLoggerMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		MaxAge:         86400,
	}))
	r.Use(s.otelTracingMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Post("/shutdown", s.handleShutdown)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/daemon", func(dr chi.Router) {
		dr.Get("/status", s.handleDaemonStatus)
		dr.Get("/clock/status", s.handleDaemonStatus)
		dr.Post("/clock/restart", s.handleClockRestart)
		dr.Get("/clock-client/list", s.handleClockClientList)
	})

	r.Group(func(api chi.Router) {
		api.Use(s.apiKeyAuthMiddleware)
		api.Use(s.rateLimiterMiddleware())
		api.Get("/v1/models", s.handleListModels)
		api.Post("/v1/chat/completions", s.handleChatCompletions)
		api.Post("/v1/completions", s.handleCompletions)
		api.Post("/v1/messages", s.handleAnthropicMessages)
	})

	return r
}

func newRequestID() string { return uuid.NewString() }

func (s *Server) providerProfiles() map[string]config.ProviderProfile {
	return *s.providers.Load()
}

func (s *Server) pipelineFor(target protocol.RouteTarget) (*pipeline.Pipeline, error) {
	key := target.String()

	s.pipelineMu.Lock()
	if p, ok := s.pipelineCache[key]; ok {
		s.pipelineMu.Unlock()
		return p, nil
	}
	s.pipelineMu.Unlock()

	profile, ok := s.providerProfiles()[target.ProviderID]
	if !ok {
		return nil, &protocol.Error{Kind: protocol.KindConfigInvalid, Message: "unknown provider " + target.ProviderID, HTTPStatus: 500}
	}
	p, err := s.pipes.Build(target, profile)
	if err != nil {
		return nil, err
	}

	s.pipelineMu.Lock()
	s.pipelineCache[key] = p
	s.pipelineMu.Unlock()
	return p, nil
}

func (s *Server) secretFor(target protocol.RouteTarget) (string, error) {
	rec, err := s.creds.Resolve(target.ProviderID, target.KeyAlias)
	if err != nil {
		return "", err
	}
	return rec.Secret, nil
}

func (s *Server) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]interface{}{
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"providers":     len(s.providerProfiles()),
	})
}

// handleClockRestart lets a sibling CLI command (or the guardian's
// broadcast-restart) drive the same atomic reload SIGUSR2 triggers,
// without needing to signal this process directly.
func (s *Server) handleClockRestart(w http.ResponseWriter, r *http.Request) {
	if s.opts.OnReloadRequested == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]interface{}{"error": "reload not wired"})
		return
	}
	if err := s.opts.OnReloadRequested(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "reloaded"})
}

// handleClockClientList reports every process currently registered with
// the guardian, when this instance has one attached.
func (s *Server) handleClockClientList(w http.ResponseWriter, r *http.Request) {
	if s.opts.ListClockClients == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"clients": []map[string]interface{}{}})
		return
	}
	clients, err := s.opts.ListClockClients()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": clients})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if len(s.providerProfiles()) == 0 {
		writeJSON(w, 503, map[string]interface{}{"status": "not_ready"})
		return
	}
	writeJSON(w, 200, map[string]interface{}{"status": "ready"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// handleShutdown requires the stop password (ROUTECODEX_STOP_PASSWORD) in
// the X-Rcc-Stop-Password header before invoking the supervisor's shutdown
// hook; with no password configured, every request is refused. The
// guardian's /stop is gated separately, by its own stop token.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.opts.StopPassword == "" || r.Header.Get("X-Rcc-Stop-Password") != s.opts.StopPassword {
		writeJSON(w, 401, map[string]interface{}{"error": "unauthorized"})
		return
	}
	writeJSON(w, 200, map[string]interface{}{"status": "shutting_down"})
	if s.opts.OnShutdownRequested != nil {
		go s.opts.OnShutdownRequested()
	}
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := make([]map[string]interface{}, 0)
	for providerID, profile := range s.providerProfiles() {
		for modelID := range profile.Models {
			models = append(models, map[string]interface{}{
				"id":      modelID,
				"object":  "model",
				"owned_by": providerID,
			})
		}
	}
	writeJSON(w, 200, map[string]interface{}{"object": "list", "data": models})
}
