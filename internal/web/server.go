// Package web implements the web action gateway (spec §4.8): a single
// authenticated WebSocket that streams an initial state snapshot and then
// exchanges typed client actions / server broadcasts for the lifetime of
// the connection, plus the plain HTTP surface (login, setup, account,
// metrics) that the teacher's dashboard server used the same way.
package web

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simpleadmin/sadmin/internal/auth"
	"github.com/simpleadmin/sadmin/internal/events"
	"github.com/simpleadmin/sadmin/internal/model"
)

// ObjectStore is the subset of internal/store.Store the gateway reads and
// writes directly (spec §4.1/§4.8).
type ObjectStore interface {
	GetNewest(id int64) (model.Object, bool, error)
	ListNewest() ([]model.Object, error)
	ListNewestByType(typeID int64) ([]model.Object, error)
	InsertVersion(id int64, name, category string, content model.ObjectContent, typ int64, author, comment string) (int64, int64, error)
	GetHistory(id int64) ([]model.Object, error)
	GetVersion(id, version int64) (model.Object, bool, error)
	ListMessages(limit int) ([]model.Message, error)
	SetMessagesDismissed(upToID int64) error
}

// Planner builds a deployment plan against the object store (spec §4.2).
// Implemented by internal/planner.Planner.
type Planner interface {
	Build(ctx context.Context, focus int64) (*PlanResult, error)
}

// PlanResult is what a planner run hands back to the gateway.
type PlanResult struct {
	Actions []model.PlanAction
	Errors  []string // non-empty => InvalidTree (spec §7)
}

// Executor drives a built plan to completion (spec §4.3).
// Implemented by internal/executor.Executor.
type Executor interface {
	Start(ctx context.Context, actions []model.PlanAction) error
	Stop()
	Cancel()
	Status() ExecutorStatus
	ToggleObject(host int64, name string, enabled bool) error
	MarkDeployed(host int64, name string) error
}

// ExecutorStatus mirrors the executor's Idle/BuildingTree/InvalidTree/
// ReviewChanges/Deploying/Done state machine (spec §4.3).
type ExecutorStatus string

const (
	ExecIdle           ExecutorStatus = "Idle"
	ExecBuildingTree   ExecutorStatus = "BuildingTree"
	ExecInvalidTree    ExecutorStatus = "InvalidTree"
	ExecReviewChanges  ExecutorStatus = "ReviewChanges"
	ExecDeploying      ExecutorStatus = "Deploying"
	ExecDone           ExecutorStatus = "Done"
)

// HostRegistry reports which hosts currently hold a live agent connection
// (spec §4.4/§4.8, backed by internal/hostserver).
type HostRegistry interface {
	UpHosts() []int64
}

// Dependencies is what the web gateway needs from the rest of the
// application (grounded on the teacher's Dependencies DI struct).
type Dependencies struct {
	Store          ObjectStore
	Planner        Planner
	Executor       Executor
	Hosts          HostRegistry
	EventBus       *events.Bus
	Auth           *auth.Service
	MetricsEnabled bool
	CookieSecure   bool
	Version        string
	Commit         string
	Log            *slog.Logger
}

// Server is the HTTP(S) server exposing the login/setup/account surface
// and the /sysadmin gateway.
type Server struct {
	deps      Dependencies
	mux       *http.ServeMux
	tmpl      *template.Template
	server    *http.Server
	startTime time.Time
	tlsCert   string
	tlsKey    string
	gw        *gateway
}

// Mux exposes the underlying router so other HTTP surfaces sharing this
// process (the registry's /v2/ API) can register routes onto the same
// listener instead of opening a second port.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// SetTLS configures TLS certificate and key paths for HTTPS serving.
func (s *Server) SetTLS(cert, key string) {
	s.tlsCert = cert
	s.tlsKey = key
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:      deps,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		gw:        newGateway(deps),
	}
	s.parseTemplates()
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	handler := http.Handler(s.mux)
	if s.deps.Auth != nil {
		handler = s.setupRedirectHandler(s.mux)
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the /sysadmin socket is long-lived
		IdleTimeout:  120 * time.Second,
	}
	if s.tlsCert != "" {
		s.deps.Log.Info("web gateway listening (TLS)", "addr", addr)
		return s.server.ListenAndServeTLS(s.tlsCert, s.tlsKey)
	}
	s.deps.Log.Info("web gateway listening", "addr", addr)
	return s.server.ListenAndServe()
}

// setupRedirectHandler redirects all non-setup requests to /setup when
// first-run setup is needed (grounded on the teacher's first-run wizard
// gate, here driven by auth.Service.NeedsSetup instead of a TOTP wizard).
func (s *Server) setupRedirectHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Auth.NeedsSetup() {
			p := r.URL.Path
			if p != "/setup" && !strings.HasPrefix(p, "/static/") &&
				p != "/favicon.ico" {
				http.Redirect(w, r, "/setup", http.StatusSeeOther)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) parseTemplates() {
	s.tmpl = template.Must(template.New("").Parse(pageTemplates))
}

func (s *Server) registerRoutes() {
	authMw := auth.AuthMiddleware(s.deps.Auth)
	csrfMw := auth.CSRFMiddleware
	authed := func(h http.HandlerFunc) http.Handler {
		return authMw(csrfMw(h))
	}

	if s.deps.MetricsEnabled {
		s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		})
	}

	s.mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.mux.HandleFunc("GET /login", s.handleLoginPage)
	s.mux.HandleFunc("POST /login", s.apiLogin)
	s.mux.HandleFunc("GET /setup", s.handleSetupPage)
	s.mux.HandleFunc("POST /setup", s.apiSetup)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.HandleFunc("GET /logout", s.handleLogout)

	s.mux.Handle("GET /account", authed(s.handleAccountPage))
	s.mux.Handle("POST /api/auth/change-password", authed(s.apiChangePassword))
	s.mux.Handle("GET /api/auth/sessions", authed(s.apiListSessions))
	s.mux.Handle("DELETE /api/auth/sessions/{token}", authed(s.apiRevokeSession))
	s.mux.Handle("POST /api/auth/tokens", authed(s.apiCreateToken))
	s.mux.Handle("DELETE /api/auth/tokens/{id}", authed(s.apiDeleteToken))
	s.mux.Handle("GET /api/auth/me", authed(s.apiGetMe))

	s.mux.Handle("GET /{$}", authed(s.handleIndexPage))
	s.mux.Handle("GET /sysadmin", authed(s.gw.serveWS))
}
