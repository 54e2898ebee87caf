// Package web is the HTTP surface: calendar reads, conflict checks, guarded
// writes, image extraction and the database webhook.
package web

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"nestcal/internal/backend"
	"nestcal/internal/config"
	"nestcal/internal/conflict"
	"nestcal/internal/feed"
	appLog "nestcal/internal/log"
	"nestcal/internal/metrics"
	"nestcal/internal/model"
	"nestcal/internal/record"
)

// Checker is the Conflict Guard.
type Checker interface {
	Check(ctx context.Context, c conflict.Candidate) (conflict.Result, error)
}

// Backend is the hosted write path and extraction service.
type Backend interface {
	FetchEvent(ctx context.Context, group, id string) (model.Event, error)
	InsertEvent(ctx context.Context, ev model.Event) (model.Event, error)
	UpdateEvent(ctx context.Context, id string, patch record.Raw) (model.Event, error)
	Delegate(ctx context.Context, ev model.Event, to string) (model.Event, error)
	ExtractEventFromImage(ctx context.Context, image []byte, mimeType string) (backend.Suggestion, error)
}

// CalendarSource serves published calendars.
type CalendarSource interface {
	Calendar(group string) (*feed.Calendar, bool)
	Relays(group string) []feed.Relay
}

// Loader reads a nest outside the view loop, for nests the view has not
// seen yet.
type Loader interface {
	Load(ctx context.Context, group string) (feed.Snapshot, error)
	Track(groups ...string)
}

// Publisher feeds the view.
type Publisher interface {
	Publish(ctx context.Context, m feed.Message) error
}

// Deps are the collaborators of a Server. Backend, Extra and Metrics may
// be nil.
type Deps struct {
	Guard   Checker
	Backend Backend
	View    CalendarSource
	Loader  Loader
	Hub     Publisher
	Extra   feed.ExtraSource
	Metrics *metrics.Collector
}

// Server provides the HTTP API.
type Server struct {
	cfg      *config.Config
	deps     Deps
	inflight *inflight
	router   chi.Router
}

// NewServer wires routes for cfg and deps.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps, inflight: newInflight()}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled", "listen", s.cfg.Listen)
			r.Use(s.basicAuth)
		}
		if s.deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
		}
		r.Route("/api", func(r chi.Router) {
			r.Use(withSession)
			r.Get("/events", s.handleEvents)
			r.Post("/events/check", s.handleCheck)
			r.Post("/events", s.handleCreate)
			r.Patch("/events/{id}", s.handleUpdate)
			r.Post("/events/{id}/delegate", s.handleDelegate)
			r.Get("/relays", s.handleRelays)
			r.Post("/extract", s.handleExtract)
			r.Post("/hooks/events", s.handleHook)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="nestcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
