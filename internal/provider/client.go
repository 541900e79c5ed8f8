// Package provider wraps the Google OAuth token endpoint and Calendar v3 API.
//
// The client is stateless apart from its configuration. It never retries;
// every failure is returned as an *Error whose Kind tells the caller whether
// to retry, resync or give up on the account.
package provider

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
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"gitea.jw6.us/james/calsync/internal/vault"
)

const (
	// CalendarListResource registers a watch on the account's calendar list
	// instead of a single calendar.
	CalendarListResource = "calendarList"

	ScopeEmail    = "email"
	ScopeCalendar = calendar.CalendarReadonlyScope
	ScopeMailSend = "https://www.googleapis.com/auth/gmail.send"

	googleIssuer   = "https://accounts.google.com"
	googleJWKSURL  = "https://www.googleapis.com/oauth2/v3/certs"
	googleUserInfo = "https://openidconnect.googleapis.com/v1/userinfo"

	pageSize = 250
)

type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Endpoint overrides the Calendar API base URL.
	Endpoint    string
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	HTTPClient *http.Client
	Vault      *vault.Vault
	WebhookURL string
	// WatchTTL is the requested lifetime of new push channels. Zero lets Google decide.
	WatchTTL time.Duration
	// Verifier checks Google id_tokens. Nil uses Google's published keys.
	Verifier *oidc.IDTokenVerifier
}

// Client talks to Google on behalf of linked accounts.
type Client struct {
	oauth       *oauth2.Config
	endpoint    string
	userInfoURL string
	httpClient  *http.Client
	vault       *vault.Vault
	webhookURL  string
	watchTTL    time.Duration
	verifier    *oidc.IDTokenVerifier
}

// Grant is the result of a successful authorization code exchange. The
// refresh token is only held in encrypted form.
type Grant struct {
	AccessToken  *oauth2.Token
	RefreshToken vault.EncryptedSecret
	Scopes       []string
	Subject      string
	Email        string
}

// AccessToken is a short-lived credential. Rotated is set when Google issued
// a new refresh token alongside it.
type AccessToken struct {
	Token   *oauth2.Token
	Rotated *vault.EncryptedSecret
}

type CalendarList struct {
	Items []*calendar.CalendarListEntry
}

// EventPage holds every item returned by a full or incremental fetch.
type EventPage struct {
	Items         []*calendar.Event
	NextSyncToken string
	Full          bool
}

type Watch struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

func New(opts Options) (*Client, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.New("provider: client id and secret are required")
	}
	if opts.Vault == nil {
		return nil, errors.New("provider: vault is required")
	}

	endpoint := google.Endpoint
	if opts.AuthURL != "" {
		endpoint.AuthURL = opts.AuthURL
	}
	if opts.TokenURL != "" {
		endpoint.TokenURL = opts.TokenURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	verifier := opts.Verifier
	if verifier == nil {
		ctx := oidc.ClientContext(context.Background(), httpClient)
		verifier = oidc.NewVerifier(googleIssuer, oidc.NewRemoteKeySet(ctx, googleJWKSURL), &oidc.Config{ClientID: opts.ClientID})
	}

	userInfo := opts.UserInfoURL
	if userInfo == "" {
		userInfo = googleUserInfo
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, ScopeEmail, ScopeCalendar},
		},
		endpoint:    opts.Endpoint,
		userInfoURL: userInfo,
		httpClient:  httpClient,
		vault:       opts.Vault,
		webhookURL:  opts.WebhookURL,
		watchTTL:    opts.WatchTTL,
		verifier:    verifier,
	}, nil
}

// AuthCodeURL builds the consent URL. Offline access with a forced consent
// prompt makes Google return a refresh token on every exchange.
func (c *Client) AuthCodeURL(state string, withMail bool) string {
	conf := *c.oauth
	if withMail {
		conf.Scopes = append(append([]string{}, c.oauth.Scopes...), ScopeMailSend)
	}
	return conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

func (c *Client) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// Exchange trades an authorization code for tokens and the Google identity.
func (c *Client) Exchange(ctx context.Context, code string) (*Grant, error) {
	token, err := c.oauth.Exchange(c.ctx(ctx), code)
	if err != nil {
		return nil, classify("exchange", err)
	}
	if token.RefreshToken == "" {
		return nil, &Error{Kind: KindOther, Op: "exchange", Err: ErrNoRefreshToken}
	}

	secret, err := c.vault.EncryptString(vault.PurposeRefreshToken, token.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	grant := &Grant{
		AccessToken:  &oauth2.Token{AccessToken: token.AccessToken, TokenType: token.TokenType, Expiry: token.Expiry},
		RefreshToken: secret,
		Scopes:       grantedScopes(token),
	}
	if err := c.identify(ctx, token, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

func grantedScopes(token *oauth2.Token) []string {
	raw, _ := token.Extra("scope").(string)
	return strings.Fields(raw)
}

type identityClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// identify reads the account identity from the verified id_token, falling
// back to the userinfo endpoint when Google did not send one.
func (c *Client) identify(ctx context.Context, token *oauth2.Token, grant *Grant) error {
	var claims identityClaims
	if raw, ok := token.Extra("id_token").(string); ok && raw != "" {
		idToken, err := c.verifier.Verify(ctx, raw)
		if err != nil {
			return &Error{Kind: KindUnauthorized, Op: "verify id_token", Err: err}
		}
		if err := idToken.Claims(&claims); err != nil {
			return fmt.Errorf("decode id_token claims: %w", err)
		}
	} else {
		if err := c.userInfo(ctx, token, &claims); err != nil {
			return err
		}
	}
	if claims.Subject == "" {
		return &Error{Kind: KindOther, Op: "identify", Err: errors.New("missing subject")}
	}
	grant.Subject = claims.Subject
	grant.Email = claims.Email
	return nil
}

func (c *Client) userInfo(ctx context.Context, token *oauth2.Token, claims *identityClaims) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return err
	}
	resp, err := oauth2.NewClient(c.ctx(ctx), oauth2.StaticTokenSource(token)).Do(req)
	if err != nil {
		return classify("userinfo", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		kind := KindOther
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			kind = KindUnauthorized
		case resp.StatusCode >= http.StatusInternalServerError:
			kind = KindTransient
		}
		return &Error{Kind: kind, Op: "userinfo", Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	if err := json.NewDecoder(resp.Body).Decode(claims); err != nil {
		return fmt.Errorf("decode userinfo: %w", err)
	}
	return nil
}

// RefreshAccessToken decrypts the stored refresh token and trades it for a
// fresh access token. A rejected grant is reported as KindUnauthorized.
func (c *Client) RefreshAccessToken(ctx context.Context, secret vault.EncryptedSecret) (*AccessToken, error) {
	refresh, err := c.vault.DecryptString(vault.PurposeRefreshToken, secret)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	token, err := c.oauth.TokenSource(c.ctx(ctx), &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return nil, classify("refresh", err)
	}

	out := &AccessToken{Token: &oauth2.Token{AccessToken: token.AccessToken, TokenType: token.TokenType, Expiry: token.Expiry}}
	if token.RefreshToken != "" && token.RefreshToken != refresh {
		rotated, err := c.vault.EncryptString(vault.PurposeRefreshToken, token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt rotated refresh token: %w", err)
		}
		out.Rotated = &rotated
	}
	return out, nil
}

func (c *Client) service(ctx context.Context, token *oauth2.Token) (*calendar.Service, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(c.ctx(ctx), oauth2.StaticTokenSource(token))),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars pages through the account's calendar list.
func (c *Client) ListCalendars(ctx context.Context, token *oauth2.Token) (*CalendarList, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}
	out := &CalendarList{}
	err = svc.CalendarList.List().MaxResults(pageSize).Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			if item != nil && !item.Deleted {
				out.Items = append(out.Items, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("list calendars", err)
	}
	return out, nil
}

// ListEvents fetches every changed event since syncToken, or all events when
// syncToken is empty. Recurring series are expanded into instances.
func (c *Client) ListEvents(ctx context.Context, token *oauth2.Token, calendarID, syncToken string) (*EventPage, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}
	call := svc.Events.List(calendarID).
		SingleEvents(true).
		ShowDeleted(true).
		MaxResults(pageSize)
	if syncToken != "" {
		call = call.SyncToken(syncToken)
	}

	out := &EventPage{Full: syncToken == ""}
	err = call.Pages(ctx, func(page *calendar.Events) error {
		out.Items = append(out.Items, page.Items...)
		if page.NextSyncToken != "" {
			out.NextSyncToken = page.NextSyncToken
		}
		return nil
	})
	if err != nil {
		return nil, classify("list events", err)
	}
	return out, nil
}

// RegisterWatch opens a push channel for a calendar or, with
// CalendarListResource, for the calendar list. channelToken is echoed back by
// Google in every notification.
func (c *Client) RegisterWatch(ctx context.Context, token *oauth2.Token, resourceID, channelToken string) (*Watch, error) {
	if c.webhookURL == "" {
		return nil, &Error{Kind: KindOther, Op: "watch", Err: errors.New("no webhook address configured")}
	}
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}
	channel := &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: c.webhookURL,
		Token:   channelToken,
	}
	if c.watchTTL > 0 {
		channel.Params = map[string]string{"ttl": fmt.Sprintf("%d", int64(c.watchTTL/time.Second))}
	}

	var created *calendar.Channel
	if resourceID == CalendarListResource {
		created, err = svc.CalendarList.Watch(channel).Context(ctx).Do()
	} else {
		created, err = svc.Events.Watch(resourceID, channel).Context(ctx).Do()
	}
	if err != nil {
		return nil, classify("watch", err)
	}

	w := &Watch{ChannelID: created.Id, ResourceID: created.ResourceId}
	if w.ChannelID == "" {
		w.ChannelID = channel.Id
	}
	if created.Expiration > 0 {
		w.Expiration = time.UnixMilli(created.Expiration).UTC()
	}
	return w, nil
}

// StopWatch closes a push channel. Google answers 404 for channels that
// already expired, which is not an error here.
func (c *Client) StopWatch(ctx context.Context, token *oauth2.Token, channelID, resourceID string) error {
	svc, err := c.service(ctx, token)
	if err != nil {
		return err
	}
	err = svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		err = classify("stop watch", err)
		var perr *Error
		if errors.As(err, &perr) && perr.Status == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}
