// Package web implements the http server for the sqlbatch service: it
// accepts batch submissions, dispatches them sync or async, and exposes
// job status and execution history.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"github.com/go-pkgz/syncs"
	"golang.org/x/crypto/bcrypt"

	"github.com/hgollnick/sqlbatch/app/history"
	"github.com/hgollnick/sqlbatch/app/registry"
	"github.com/hgollnick/sqlbatch/app/runner"
)

// BatchRunner executes an ordered batch of statements, one record per
// non-blank statement. An error return is a batch-level fault.
type BatchRunner interface {
	Run(ctx context.Context, commands []string) ([]runner.Record, error)
	RunWithRows(ctx context.Context, commands []string) ([]runner.Record, error)
}

// Notifier delivers completion notifications to a destination url
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
}

// submitLimiter caps the rate of batch submissions per client
var submitLimiter = tollbooth.NewLimiter(50, nil)

// Server is the web server with all handlers and the dispatch logic
type Server struct {
	runner   BatchRunner
	tracker  *history.Tracker
	registry *registry.Registry

	version       string
	authUser      string
	authHash      string // bcrypt hash, empty disables auth
	maxConcurrent int    // 0 means unbounded async fan-out
	webhookURL    string
	notifier      Notifier

	pool   *syncs.SizedGroup // set in Run when maxConcurrent > 0
	runCtx context.Context   // base context for async units, set in Run
}

// Config holds server configuration
type Config struct {
	Runner        BatchRunner
	Tracker       *history.Tracker
	Registry      *registry.Registry
	Version       string
	AuthUser      string
	AuthHash      string // bcrypt hash for basic auth, empty to disable
	MaxConcurrent int    // bound on concurrent async batches, 0 for unbounded
	WebhookURL    string // notification destination, empty to disable
	Notifier      Notifier
}

// New creates a web server
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("web server initialization failed: Runner is required")
	}
	if cfg.Tracker == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("web server initialization failed: Tracker and Registry are required")
	}

	s := &Server{
		runner:        cfg.Runner,
		tracker:       cfg.Tracker,
		registry:      cfg.Registry,
		version:       cfg.Version,
		authUser:      cfg.AuthUser,
		authHash:      cfg.AuthHash,
		maxConcurrent: cfg.MaxConcurrent,
		webhookURL:    cfg.WebhookURL,
		notifier:      cfg.Notifier,
	}
	return s, nil
}

// Run starts the web server, blocking until the context is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	s.runCtx = ctx
	if s.maxConcurrent > 0 {
		log.Printf("[INFO] async batches bounded to %d concurrent", s.maxConcurrent)
		s.pool = syncs.NewSizedGroup(s.maxConcurrent)
	}

	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // sync batches block until done
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("sqlbatch", "hgollnick", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(1024*1024), // 1MB max request size, batches can be large
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.authHash != "" {
		log.Printf("[INFO] basic auth enabled for user %q", s.authUser)
		router.Use(rest.BasicAuth(s.checkAuth))
	}

	router.HandleFunc("GET /", s.handleHealth)

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.With(tollbooth.HTTPMiddleware(submitLimiter)).HandleFunc("POST /commands", s.handleSubmit)
		api.HandleFunc("GET /jobs/{id}", s.handleJobStatus)
		api.HandleFunc("GET /history", s.handleHistory)
		api.HandleFunc("DELETE /history", s.handleClear)
	})

	return router
}

// checkAuth verifies basic auth credentials against the configured bcrypt hash
func (s *Server) checkAuth(user, passwd string) bool {
	if user != s.authUser {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.authHash), []byte(passwd)) == nil
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"status": "error", "error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
