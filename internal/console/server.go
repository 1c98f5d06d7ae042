// Package console serves the operator console's JSON API: console sign-in,
// managed CLI dispatch, telemetry lookup, status and metrics.
package console

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"mooconsole/internal/appinsights"
	"mooconsole/internal/auth"
	"mooconsole/internal/dispatch"
	"mooconsole/internal/isolation"
	"mooconsole/internal/session"
)

// SessionCookie carries the opaque session ID.
const SessionCookie = "mooconsole_session"

// Dispatcher is the subset of dispatch.Dispatcher the handlers call.
type Dispatcher interface {
	Login(ctx context.Context, id auth.Identity, opts dispatch.LoginOptions, receivedAt time.Time) dispatch.Response
	Logout(ctx context.Context, id auth.Identity, elevate bool, receivedAt time.Time) dispatch.Response
	Execute(ctx context.Context, id auth.Identity, args []string, elevate bool, receivedAt time.Time) dispatch.Response
	InFlight() int64
}

// Contexts is the subset of isolation.Manager the handlers use.
type Contexts interface {
	CreateContext(user string) (isolation.Context, error)
	DestroyContext(user string)
	SweepIdle(now time.Time, threshold time.Duration) []string
	List() []isolation.Context
	Len() int
}

// Config holds the console server's collaborators and settings.
type Config struct {
	Addr          string
	Authenticator auth.Authenticator
	Sessions      session.Store
	Contexts      Contexts
	Dispatcher    Dispatcher
	Insights      *appinsights.Client
	Audit         *AuditLogger
	Metrics       *Metrics

	IdleTimeout     time.Duration // isolation context lifetime; defaults to isolation.DefaultIdleTimeout
	WriteTimeout    time.Duration // must exceed the longest command timeout
	CookieSecure    bool
	LoginRatePerMin float64
	Backend         string // reported by /api/status

	Now    func() time.Time
	Logger *log.Logger
}

// Server is the console HTTP server.
type Server struct {
	cfg     Config
	router  *mux.Router
	server  *http.Server
	limiter *loginLimiter
	now     func() time.Time
	started time.Time
	logger  *log.Logger
}

// NewServer wires the routes and middleware.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("authenticator cannot be nil")
	}
	if cfg.Contexts == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("contexts and dispatcher are required")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewMemoryStore(cfg.Now)
	}
	if cfg.Insights == nil {
		cfg.Insights = appinsights.New(appinsights.Config{})
	}
	if cfg.Audit == nil {
		cfg.Audit, _ = NewAuditLogger("")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = isolation.DefaultIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 6 * time.Minute
	}
	if cfg.LoginRatePerMin <= 0 {
		cfg.LoginRatePerMin = 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[console] ", log.LstdFlags|log.Lmsgprefix)
	}

	s := &Server{
		cfg:     cfg,
		limiter: newLoginLimiter(cfg.LoginRatePerMin, cfg.Now),
		now:     cfg.Now,
		started: cfg.Now(),
		logger:  cfg.Logger,
	}

	cfg.Metrics.registerGauges(
		func() float64 { return float64(cfg.Contexts.Len()) },
		func() float64 { return float64(cfg.Sessions.Len()) },
		func() float64 { return float64(cfg.Dispatcher.InFlight()) },
	)

	s.router = s.routes()
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.receivedAt, s.sweep)

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.cfg.Metrics.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/login", s.handleAdminLogin).Methods(http.MethodPost)
	admin.HandleFunc("/logout", s.handleAdminLogout).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireSession)
	api.HandleFunc("/moo-login", s.handleMooLogin).Methods(http.MethodPost)
	api.HandleFunc("/moo-logout", s.handleMooLogout).Methods(http.MethodPost)
	api.HandleFunc("/execute-command", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/search-appinsights", s.handleSearchAppInsights).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "Not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"success": false, "message": "Method not allowed"})
	})

	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("console listening on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
