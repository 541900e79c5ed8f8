package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/feed"
	"gitea.jw6.us/james/calsync/internal/logging"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/syncer"
	"gitea.jw6.us/james/calsync/internal/vault"
)

// testUserHeader selects the signed-in user in tests.
const testUserHeader = "X-Test-User"

var testNow = time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

type fakeAuth struct{}

func (fakeAuth) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://idp.example/authorize", http.StatusFound)
}

func (fakeAuth) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (fakeAuth) Logout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (fakeAuth) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(testUserHeader), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		user := &store.User{ID: id, PrimaryEmail: "user" + strconv.FormatInt(id, 10) + "@example.com"}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

type fakeSyncer struct {
	mu            sync.Mutex
	linked        []string
	linkErr       error
	unlinked      []int64
	unlinkErr     error
	relevance     map[int64]bool
	refreshErr    error
	refreshed     []int64
	notifications []syncer.Notification
	notifyErr     error
}

func (f *fakeSyncer) Link(_ context.Context, userID int64, code string) (*store.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linked = append(f.linked, strconv.FormatInt(userID, 10)+":"+code)
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	return &store.LinkedAccount{ID: 1, UserID: userID}, nil
}

func (f *fakeSyncer) Unlink(_ context.Context, userID, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unlinkErr != nil {
		return f.unlinkErr
	}
	f.unlinked = append(f.unlinked, accountID)
	return nil
}

func (f *fakeSyncer) SetRelevance(_ context.Context, userID, calendarID int64, relevant bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relevance == nil {
		f.relevance = map[int64]bool{}
	}
	f.relevance[calendarID] = relevant
	return nil
}

func (f *fakeSyncer) Refresh(_ context.Context, calendarID int64) (syncer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, calendarID)
	if f.refreshErr != nil {
		return syncer.Result{}, f.refreshErr
	}
	return syncer.Result{CalendarID: calendarID, State: syncer.StateWatching, Upserted: 3}, nil
}

func (f *fakeSyncer) HandleNotification(_ context.Context, n syncer.Notification) (syncer.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	if f.notifyErr != nil {
		return syncer.Target{}, f.notifyErr
	}
	return syncer.Target{AccountID: 1, CalendarID: 10, UserID: 7}, nil
}

type fakeLinker struct{}

func (fakeLinker) AuthCodeURL(state string, withMail bool) string {
	return "https://accounts.example/auth?mail=" + strconv.FormatBool(withMail) + "&state=" + url.QueryEscape(state)
}

// The fake repositories embed the store interfaces and override only what
// the handlers call.

type fakeAccounts struct {
	store.LinkedAccountRepository
	accounts map[int64]store.LinkedAccount
}

func (f *fakeAccounts) GetByID(_ context.Context, id int64) (*store.LinkedAccount, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (f *fakeAccounts) ListByUser(_ context.Context, userID int64) ([]store.LinkedAccount, error) {
	var out []store.LinkedAccount
	for _, a := range f.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeCalendars struct {
	store.CalendarRepository
	calendars map[int64]store.Calendar
}

func (f *fakeCalendars) GetByID(_ context.Context, id int64) (*store.Calendar, error) {
	c, ok := f.calendars[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (f *fakeCalendars) ListByAccount(_ context.Context, accountID int64) ([]store.Calendar, error) {
	var out []store.Calendar
	for _, c := range f.calendars {
		if c.LinkedAccountID == accountID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeEvents struct {
	store.EventRepository
	mu     sync.Mutex
	events []store.Event
	ranges []store.EventRange
}

func (f *fakeEvents) ListRange(_ context.Context, r store.EventRange) ([]store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, r)
	users := map[int64]bool{}
	for _, id := range r.UserIDs() {
		users[id] = true
	}
	var out []store.Event
	for _, e := range f.events {
		if users[e.UserID] && e.Start.Before(r.To) && e.End.After(r.From) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) ListForCalendar(_ context.Context, calendarID int64) ([]store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Event
	for _, e := range f.events {
		if e.CalendarID == calendarID {
			out = append(out, e)
		}
	}
	return out, nil
}

type testEnv struct {
	handler http.Handler
	syncer  *fakeSyncer
	events  *fakeEvents
	hub     *feed.Hub
	vault   *vault.Vault
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{BaseURL: "http://localhost:8080", HouseholdUserIDs: []int64{7, 8}}
	cfg.Google.WebhookPath = "/webhooks/google"
	cfg.Google.RedirectPath = "/link/google/callback"
	cfg.Sync.AccountTimeout = time.Minute

	v, err := vault.New(bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	mon := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	events := &fakeEvents{events: []store.Event{
		{ID: 1, UserID: 7, CalendarID: 10, ExternalEventID: "a", Title: "standup", Start: mon.Add(9 * time.Hour), End: mon.Add(10 * time.Hour)},
		{ID: 2, UserID: 8, CalendarID: 20, ExternalEventID: "b", Title: "school run", Start: mon.Add(8 * time.Hour), End: mon.Add(9 * time.Hour)},
		{ID: 3, UserID: 9, CalendarID: 30, ExternalEventID: "c", Title: "outsider", Start: mon.Add(8 * time.Hour), End: mon.Add(9 * time.Hour)},
	}}
	st := &store.Store{
		LinkedAccounts: &fakeAccounts{accounts: map[int64]store.LinkedAccount{
			1: {ID: 1, UserID: 7, Provider: store.ProviderGoogle, Email: "seven@example.com"},
			2: {ID: 2, UserID: 9, Provider: store.ProviderGoogle, Email: "nine@example.com"},
		}},
		Calendars: &fakeCalendars{calendars: map[int64]store.Calendar{
			10: {ID: 10, LinkedAccountID: 1, UserID: 7, ProviderCalendarID: "primary", Summary: "Seven", TimeZone: "UTC", SyncRelevant: true, SyncStatus: store.SyncStatusOK},
			30: {ID: 30, LinkedAccountID: 2, UserID: 9, ProviderCalendarID: "primary", Summary: "Nine", TimeZone: "UTC"},
		}},
		Events: events,
	}

	env := &testEnv{syncer: &fakeSyncer{}, events: events, hub: feed.NewHub(), vault: v}
	env.handler = NewRouter(Deps{
		Config: cfg,
		Store:  st,
		Auth:   fakeAuth{},
		Syncer: env.syncer,
		Linker: fakeLinker{},
		Vault:  v,
		Hub:    env.hub,
		Log:    logging.Discard(),
		Now:    func() time.Time { return testNow },
	})
	return env
}
