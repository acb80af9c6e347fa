// Package controlapi wires the catalog store, the ingestion/build/launch
// pipelines, the job engine, and the bundle store behind one HTTP surface:
// registering repositories, triggering builds and launches, publishing job
// bundles, and kicking off job runs. Authentication and authorization are
// enforced by internal/rbac-and-tokens; every mutating route also runs
// through its audit middleware.
package controlapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/buildpipeline"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlerecovery"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlestore"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/eventbus"
	"github.com/benediktbwimmer/apphub-controlplane/internal/ingestion"
	"github.com/benediktbwimmer/apphub-controlplane/internal/jobengine"
	"github.com/benediktbwimmer/apphub-controlplane/internal/launchpipeline"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
	rbacandtokens "github.com/benediktbwimmer/apphub-controlplane/internal/rbac-and-tokens"
)

// Config holds the listener and CORS settings for the control API, layered
// over the application-wide internal/config.HTTP block.
type Config struct {
	ListenAddr       string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	CORSEnabled      bool
	CORSAllowOrigins []string
}

// Server is the HTTP surface over the catalog-and-execution control plane.
type Server struct {
	cfg Config

	Store      catalog.Store
	Queue      queue.Queue
	Bundles    bundlestore.Backend
	BundleTTL  time.Duration
	Ingestion  *ingestion.Pipeline
	Builds     *buildpipeline.Pipeline
	Launches   *launchpipeline.Pipeline
	Jobs       *jobengine.Engine
	Recovery   *bundlerecovery.Recoverer
	Events     *eventbus.Bus
	Auth       *rbacandtokens.Manager
	BundleSigningSecret string

	Log *zap.Logger

	httpServer *http.Server
}

// New builds a Server. Every dependency is required except Auth, which may
// be nil to run the control API with no authentication (local development
// only — production wiring always supplies a Manager).
func New(cfg Config, store catalog.Store, q queue.Queue, bundles bundlestore.Backend, bundleSigningSecret string, bundleTTL time.Duration,
	ingest *ingestion.Pipeline, builds *buildpipeline.Pipeline, launches *launchpipeline.Pipeline, jobs *jobengine.Engine,
	recovery *bundlerecovery.Recoverer, events *eventbus.Bus, auth *rbacandtokens.Manager, log *zap.Logger) *Server {
	return &Server{
		cfg: cfg, Store: store, Queue: q, Bundles: bundles, BundleSigningSecret: bundleSigningSecret, BundleTTL: bundleTTL,
		Ingestion: ingest, Builds: builds, Launches: launches, Jobs: jobs, Recovery: recovery, Events: events, Auth: auth, Log: log,
	}
}

// Router builds the full gorilla/mux handler, middleware chain applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)

	if s.Auth != nil {
		r.HandleFunc("/auth/token", s.handleIssueToken).Methods(http.MethodPost)
	}

	if s.Events != nil {
		r.HandleFunc("/api/v1/events", s.Events.ServeWS).Methods(http.MethodGet)
	}

	s.registerRepositoryRoutes(r)
	s.registerBuildRoutes(r)
	s.registerLaunchRoutes(r)
	s.registerJobRoutes(r)
	s.registerSearchRoutes(r)

	// The bundle download URL bundlestore.LocalBackend.SignedURL mints is a
	// bare path outside /api/v1 so that it can be handed to an
	// unauthenticated downloader carrying only its signed token.
	r.HandleFunc("/job-bundles/{slug}/versions/{version}/download", s.handleDownloadBundle).Methods(http.MethodGet)

	return s.applyMiddleware(r)
}

func (s *Server) applyMiddleware(h http.Handler) http.Handler {
	// Each wrap becomes the new outermost layer: Recovery ends up innermost
	// and, when auth is configured, AuthMiddleware outermost.
	h = RecoveryMiddleware(s.Log)(h)
	h = RequestIDMiddleware()(h)
	if s.cfg.CORSEnabled {
		h = CORSMiddleware(s.cfg.CORSAllowOrigins)(h)
	}
	if s.Auth != nil {
		h = rbacandtokens.AuditMiddleware(s.Auth, s.Log)(h)
		h = rbacandtokens.AuthzMiddleware(s.Auth, s.Log)(h)
		h = rbacandtokens.AuthMiddleware(s.Auth, s.Log)(h)
	}
	return h
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.Log.Info("starting control API", zap.String("addr", s.cfg.ListenAddr), zap.Bool("auth_enabled", s.Auth != nil))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control API listener: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleIssueToken mints an operator token for the given roles. Intended to
// be gated behind an operator-only bootstrap credential in production;
// exposed here so the control API is self-contained for local use.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string                    `json:"subject"`
		Roles   []rbacandtokens.Role      `json:"roles"`
		TTL     time.Duration             `json:"ttlSeconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.Subject == "" || len(req.Roles) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "subject and roles are required")
		return
	}
	ttl := req.TTL * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := s.Auth.GenerateToken(req.Subject, req.Roles, nil, ttl)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
