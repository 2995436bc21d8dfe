// Package server exposes the HTTP API and the WebSocket endpoint.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/christopherjohns/noticeboard/internal/account"
	"github.com/christopherjohns/noticeboard/internal/broadcast"
	"github.com/christopherjohns/noticeboard/internal/identity"
	"github.com/christopherjohns/noticeboard/internal/notification"
	"github.com/christopherjohns/noticeboard/internal/ratelimit"
	"github.com/christopherjohns/noticeboard/internal/ws"
)

// Deps are the components the server routes to.
type Deps struct {
	Accounts      *account.Store
	Sessions      *identity.Registry
	Notifications *notification.Service
	Dispatcher    *broadcast.Dispatcher
	Hub           *ws.Hub
	Channels      http.Handler
	Metrics       http.Handler
	AuthLimiter   *ratelimit.IPLimiter
	Log           zerolog.Logger
}

// Options tune the HTTP surface.
type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	CookieName        string
	CookieSecure      bool
}

// Server is the main HTTP server for the noticeboard.
type Server struct {
	deps Deps
	opts Options
	log  zerolog.Logger
	http *http.Server
}

// New creates a new Server listening on opts.Addr.
func New(deps Deps, opts Options) *Server {
	if opts.CookieName == "" {
		opts.CookieName = identity.DefaultCookieName
	}
	s := &Server{deps: deps, opts: opts, log: deps.Log}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.opts.Addr).Msg("http listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked
// WebSocket connections are not waited for; the hub closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.Channels != nil {
		r.Method(http.MethodGet, "/ws", s.deps.Channels)
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.deps.AuthLimiter != nil {
				r.Use(s.deps.AuthLimiter.Middleware(s.handleRateLimited))
			}
			r.Post("/signup", s.handleSignup)
			r.Post("/login", s.handleLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Post("/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
			r.Get("/notifications", s.handleHistory)
			r.Post("/notifications", s.handlePost)
			r.With(requireAdmin).Get("/presence", s.handlePresence)
		})
	})
	return r
}

// requestLogger logs one line per request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
