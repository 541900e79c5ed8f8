package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsync/internal/calendarview"
	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/feed"
	"gitea.jw6.us/james/calsync/internal/http/csrf"
	apierrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/http/ratelimit"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/syncer"
	"gitea.jw6.us/james/calsync/internal/vault"
)

// Authenticator is the app sign-in surface.
type Authenticator interface {
	BeginOAuth(w http.ResponseWriter, r *http.Request)
	HandleOAuthCallback(w http.ResponseWriter, r *http.Request)
	Logout(w http.ResponseWriter, r *http.Request)
	RequireSession(next http.Handler) http.Handler
}

// Syncer is the part of the sync orchestrator driven over HTTP.
type Syncer interface {
	Link(ctx context.Context, userID int64, code string) (*store.LinkedAccount, error)
	Unlink(ctx context.Context, userID, accountID int64) error
	SetRelevance(ctx context.Context, userID, calendarID int64, relevant bool) error
	Refresh(ctx context.Context, calendarID int64) (syncer.Result, error)
	HandleNotification(ctx context.Context, n syncer.Notification) (syncer.Target, error)
}

// Linker builds the provider consent URL.
type Linker interface {
	AuthCodeURL(state string, withMail bool) string
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Config *config.Config
	Store  *store.Store
	Auth   Authenticator
	Syncer Syncer
	Linker Linker
	Vault  *vault.Vault
	Hub    *feed.Hub
	Log    logrus.FieldLogger
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func(ctx context.Context) error
	Now   func() time.Time
}

type server struct {
	cfg    *config.Config
	store  *store.Store
	auth   Authenticator
	sync   Syncer
	linker Linker
	vault  *vault.Vault
	hub    *feed.Hub
	view   *calendarview.View
	log    logrus.FieldLogger
	ready  func(ctx context.Context) error
	now    func() time.Time

	mu    sync.Mutex
	weeks map[weeksKey]*calendarview.Weeks
}

type weeksKey struct {
	loc       string
	weekStart time.Weekday
}

// NewRouter wires all HTTP routes.
func NewRouter(d Deps) http.Handler {
	s := &server{
		cfg:    d.Config,
		store:  d.Store,
		auth:   d.Auth,
		sync:   d.Syncer,
		linker: d.Linker,
		vault:  d.Vault,
		hub:    d.Hub,
		view:   calendarview.NewView(d.Store.Events),
		log:    d.Log,
		ready:  d.Ready,
		now:    d.Now,
		weeks:  make(map[weeksKey]*calendarview.Weeks),
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	apierrors.SetLogger(s.log)

	// Auth endpoints: 5 requests per second, burst of 10
	authLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, s.cfg.TrustedProxies)
	// Google pushes bursts when many calendars change at once.
	webhookLimiter := ratelimit.NewIPRateLimiter(rate.Limit(50), 200, 5*time.Minute, s.cfg.TrustedProxies)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.ready(ctx); err != nil {
				http.Error(w, "unready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.cfg.PrometheusEnabled {
		r.Get("/metrics", metrics.Handler().ServeHTTP)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(authLimiter.Middleware())
		r.Get("/login", s.auth.BeginOAuth)
		r.Get("/callback", s.auth.HandleOAuthCallback)
	})
	r.With(s.auth.RequireSession, csrf.Middleware(s.cfg)).Post("/auth/logout", s.auth.Logout)

	r.With(webhookLimiter.Middleware()).Post(s.cfg.Google.WebhookPath, s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireSession)
		r.Use(authLimiter.Middleware())
		r.Get("/link/google", s.beginLink)
		r.Get(s.cfg.Google.RedirectPath, s.completeLink)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.RequireSession)
		r.Use(csrf.Middleware(s.cfg))

		r.Get("/session", s.getSession)

		r.Get("/accounts", s.listAccounts)
		r.Delete("/accounts/{id}", s.unlinkAccount)
		r.Get("/accounts/{id}/calendars", s.listCalendars)

		r.Put("/calendars/{id}/relevance", s.setRelevance)
		r.Post("/calendars/{id}/refresh", s.refreshCalendar)
		r.Get("/calendars/{id}/export.ics", s.exportCalendar)

		r.Get("/events", s.listEvents)
		r.Get("/events/stream", s.streamWeeks)
		r.Get("/days/{date}/layout", s.dayLayout)
		r.Get("/weeks/{offset}", s.weekLayout)
	})

	return r
}

// weeksFor returns the shared week cache for a zone and week start.
func (s *server) weeksFor(loc *time.Location, weekStart time.Weekday) *calendarview.Weeks {
	key := weeksKey{loc: loc.String(), weekStart: weekStart}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.weeks[key]
	if !ok {
		w = calendarview.NewWeeks(loc, weekStart, s.now, s.log)
		s.weeks[key] = w
	}
	return w
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			}).Debug("request")
		})
	}
}
