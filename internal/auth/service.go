package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/vault"
)

const (
	loginCookie = "calsync_login"
	loginTTL    = 10 * time.Minute
)

var errLoginState = errors.New("login state mismatch")

// Options configures Service. Endpoint and Verifier skip OIDC discovery
// when both are set.
type Options struct {
	Config     *config.Config
	Users      store.UserRepository
	Sessions   *SessionManager
	Vault      *vault.Vault
	Log        logrus.FieldLogger
	HTTPClient *http.Client
	Endpoint   oauth2.Endpoint
	Verifier   *oidc.IDTokenVerifier
}

// Service runs the OIDC sign-in flow for the app itself. Linking Google
// calendars is a separate consent handled by the sync layer.
type Service struct {
	users      store.UserRepository
	sessions   *SessionManager
	vault      *vault.Vault
	log        logrus.FieldLogger
	oauth      oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	secure     bool
	now        func() time.Time
}

type loginState struct {
	State   string `json:"state"`
	Nonce   string `json:"nonce"`
	Expires int64  `json:"exp"`
}

func NewService(ctx context.Context, opts Options) (*Service, error) {
	cfg := opts.Config
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	endpoint, verifier := opts.Endpoint, opts.Verifier
	if verifier == nil || endpoint.AuthURL == "" {
		issuer := cfg.OAuth.IssuerURL
		if issuer == "" {
			issuer = strings.TrimSuffix(cfg.OAuth.DiscoveryURL, "/.well-known/openid-configuration")
		}
		p, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery: %w", err)
		}
		endpoint = p.Endpoint()
		verifier = p.Verifier(&oidc.Config{ClientID: cfg.OAuth.ClientID})
	}

	return &Service{
		users:    opts.Users,
		sessions: opts.Sessions,
		vault:    opts.Vault,
		log:      log,
		oauth: oauth2.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			RedirectURL:  strings.TrimRight(cfg.BaseURL, "/") + cfg.OAuth.RedirectPath,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier:   verifier,
		httpClient: httpClient,
		secure:     secureBase(cfg.BaseURL),
		now:        time.Now,
	}, nil
}

// BeginOAuth redirects to the identity provider.
func (s *Service) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	st := loginState{State: uuid.NewString(), Nonce: uuid.NewString(), Expires: s.now().Add(loginTTL).Unix()}
	sealed, err := s.vault.SealJSON(st)
	if err != nil {
		s.log.WithError(err).Error("seal login state")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookie,
		Value:    sealed,
		Path:     "/auth",
		MaxAge:   int(loginTTL / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oauth.AuthCodeURL(st.State, oidc.Nonce(st.Nonce)), http.StatusFound)
}

// HandleOAuthCallback completes the flow and starts a session.
func (s *Service) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.readLoginState(r)
	if err != nil {
		s.log.WithError(err).Warn("oauth callback rejected")
		http.Error(w, "login expired, please try again", http.StatusBadRequest)
		return
	}
	s.clearLoginState(w)

	if e := r.URL.Query().Get("error"); e != "" {
		http.Error(w, "login was not completed: "+e, http.StatusForbidden)
		return
	}

	user, err := s.completeLogin(ctx, r.URL.Query().Get("code"), st.Nonce)
	if err != nil {
		s.log.WithError(err).Warn("oauth login failed")
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}
	if err := s.sessions.Issue(w, user.ID); err != nil {
		s.log.WithError(err).Error("issue session")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.log.WithField("user_id", user.ID).Info("user signed in")
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Service) readLoginState(r *http.Request) (loginState, error) {
	var st loginState
	c, err := r.Cookie(loginCookie)
	if err != nil {
		return st, fmt.Errorf("%w: no login cookie", errLoginState)
	}
	if err := s.vault.OpenJSON(c.Value, &st); err != nil {
		return st, fmt.Errorf("%w: %v", errLoginState, err)
	}
	if st.State == "" || st.State != r.URL.Query().Get("state") {
		return st, errLoginState
	}
	if !time.Unix(st.Expires, 0).After(s.now()) {
		return st, fmt.Errorf("%w: expired", errLoginState)
	}
	return st, nil
}

func (s *Service) clearLoginState(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: loginCookie, Value: "", Path: "/auth", MaxAge: -1, HttpOnly: true, Secure: s.secure})
}

func (s *Service) completeLogin(ctx context.Context, code, nonce string) (*store.User, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	token, err := s.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, s.httpClient), code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, errors.New("token response has no id_token")
	}
	idToken, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	if idToken.Nonce != nonce {
		return nil, errors.New("id token nonce mismatch")
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return s.users.UpsertOAuthUser(ctx, idToken.Subject, claims.Email)
}

// Logout ends the session.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	if wantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireSession loads the session user into the request context. API
// callers get 401; browsers are sent to the login page.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.sessions.CurrentUserID(r)
		if ok {
			user, err := s.users.GetByID(r.Context(), uid)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
				return
			case errors.Is(err, store.ErrNotFound):
				s.sessions.Clear(w)
			default:
				s.log.WithError(err).Error("load session user")
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
		}

		if wantsJSON(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		http.Redirect(w, r, "/auth/login", http.StatusFound)
	})
}

func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/") || strings.Contains(r.Header.Get("Accept"), "application/json")
}
