package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/vault"
)

const (
	testUser     = int64(7)
	testAccount  = int64(1)
	testCalendar = int64(10)
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	db   *memDB
	prov *fakeProvider
	orch *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db := newMemDB()
	db.addAccount(store.LinkedAccount{
		ID:                testAccount,
		UserID:            testUser,
		Provider:          store.ProviderGoogle,
		ProviderAccountID: "sub-1",
		RefreshToken:      vault.EncryptedSecret{IV: "iv", Ciphertext: "ct", AuthTag: "tag"},
	})
	db.addCalendar(store.Calendar{
		ID:                 testCalendar,
		LinkedAccountID:    testAccount,
		UserID:             testUser,
		ProviderCalendarID: "primary",
		TimeZone:           "Europe/Zurich",
		AccessRole:         store.AccessRoleOwner,
		SyncRelevant:       true,
		Watch: store.WatchState{
			ChannelID:     "ch-old",
			ResourceID:    "res-old",
			Expiration:    testNow.Add(72 * time.Hour),
			NextSyncToken: "abc",
		},
	})

	prov := newFakeProvider(testNow)
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	orch := New(db.store(), prov, NewChannelSigner([]byte("0123456789abcdef0123456789abcdef")), opts)
	t.Cleanup(orch.Close)
	return &harness{db: db, prov: prov, orch: orch}
}

func storedEvent(externalID, title string) store.Event {
	return store.Event{
		UserID:          testUser,
		CalendarID:      testCalendar,
		ExternalEventID: externalID,
		Title:           title,
		Start:           time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		End:             time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestRefreshIncrementalUpdatesOnlyReturnedEvents(t *testing.T) {
	h := newHarness(t, Options{})
	h.db.addEvent(storedEvent("a", "old title"))
	h.db.addEvent(storedEvent("b", "untouched"))
	h.prov.events = func(_ context.Context, _, syncToken string) (*provider.EventPage, error) {
		if syncToken != "abc" {
			t.Fatalf("expected incremental fetch with abc, got %q", syncToken)
		}
		return &provider.EventPage{
			Items:         []*calendar.Event{timedEvent("a", "new title", "2025-06-02T09:00:00Z", "2025-06-02T10:30:00Z")},
			NextSyncToken: "def",
		}, nil
	}

	res, err := h.orch.Refresh(context.Background(), testCalendar)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if res.Full || res.Upserted != 1 || res.Deleted != 0 || res.State != StateWatching {
		t.Fatalf("unexpected result %+v", res)
	}

	a, _ := h.db.event(testCalendar, "a")
	if a.Title != "new title" || !a.End.Equal(time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("event a not updated: %+v", a)
	}
	b, ok := h.db.event(testCalendar, "b")
	if !ok || b.Title != "untouched" {
		t.Fatalf("event b changed: %+v", b)
	}

	cal := h.db.calendar(testCalendar)
	if cal.Watch.LastSyncToken != "abc" || cal.Watch.NextSyncToken != "def" {
		t.Fatalf("tokens = %q/%q", cal.Watch.LastSyncToken, cal.Watch.NextSyncToken)
	}
	if cal.SyncStatus != store.SyncStatusOK || cal.EventCount != 2 {
		t.Fatalf("status %q count %d", cal.SyncStatus, cal.EventCount)
	}
	if h.prov.count("register:primary") != 0 {
		t.Fatal("valid watch must not be re-registered")
	}
	if got := h.db.notifications(); !reflect.DeepEqual(got, []int64{testUser}) {
		t.Fatalf("notifications = %v", got)
	}
}

func TestInvalidSyncTokenForcesFullResync(t *testing.T) {
	h := newHarness(t, Options{})
	h.db.addEvent(storedEvent("a", "kept"))
	h.db.addEvent(storedEvent("gone", "vanished upstream"))
	h.prov.events = func(_ context.Context, _, syncToken string) (*provider.EventPage, error) {
		if syncToken == "abc" {
			return nil, &provider.Error{Kind: provider.KindSyncTokenInvalid, Op: "events.list", Status: http.StatusGone}
		}
		cal := h.db.calendar(testCalendar)
		if cal.Watch.NextSyncToken != "" || cal.Watch.LastSyncToken != "" {
			t.Errorf("tokens not cleared before full fetch: %+v", cal.Watch)
		}
		return &provider.EventPage{
			Items:         []*calendar.Event{timedEvent("a", "kept", "2025-06-02T09:00:00Z", "2025-06-02T10:00:00Z")},
			NextSyncToken: "xyz",
			Full:          true,
		}, nil
	}

	res, err := h.orch.Refresh(context.Background(), testCalendar)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	want := []string{"refresh", "list_events:primary:abc", "list_events:primary:"}
	if got := h.prov.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if !res.Full || res.Deleted != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := h.db.event(testCalendar, "gone"); ok {
		t.Fatal("event missing from full fetch should be pruned")
	}
	if cal := h.db.calendar(testCalendar); cal.Watch.NextSyncToken != "xyz" || cal.Watch.LastSyncToken != "" {
		t.Fatalf("tokens = %+v", cal.Watch)
	}
}

func TestExpiredWatchIsRenewedBeforeListing(t *testing.T) {
	h := newHarness(t, Options{})
	h.db.mu.Lock()
	h.db.calendars[testCalendar].Watch.Expiration = testNow.Add(-time.Minute)
	h.db.mu.Unlock()

	if _, err := h.orch.Refresh(context.Background(), testCalendar); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	want := []string{"refresh", "register:primary", "stop:ch-old", "list_events:primary:"}
	if got := h.prov.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	cal := h.db.calendar(testCalendar)
	if cal.Watch.ChannelID != "ch-1" || cal.Watch.ResourceID != "res-primary" {
		t.Fatalf("watch not recorded: %+v", cal.Watch)
	}
	if cal.Watch.NextSyncToken != "next-primary" || cal.NeedsPolling {
		t.Fatalf("unexpected watch state: %+v polling=%v", cal.Watch, cal.NeedsPolling)
	}
}

func TestWatchRegistrationFailureFallsBackToPolling(t *testing.T) {
	h := newHarness(t, Options{})
	h.db.mu.Lock()
	h.db.calendars[testCalendar].Watch.Expiration = testNow.Add(-time.Minute)
	h.db.mu.Unlock()
	h.prov.registerErr = &provider.Error{Kind: provider.KindOther, Op: "watch", Status: http.StatusBadRequest}

	res, err := h.orch.Refresh(context.Background(), testCalendar)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if res.State != StatePolling {
		t.Fatalf("state = %v, want polling", res.State)
	}
	if h.prov.count("list_events:primary:abc") != 1 {
		t.Fatalf("polling must keep the cursor, calls = %v", h.prov.Calls())
	}
	cal := h.db.calendar(testCalendar)
	if !cal.NeedsPolling || cal.Watch.HasChannel() || cal.SyncStatus != store.SyncStatusPolling {
		t.Fatalf("unexpected calendar %+v", cal)
	}
}

func TestRefreshTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.prov.events = func(context.Context, string, string) (*provider.EventPage, error) {
		return &provider.EventPage{
			Items: []*calendar.Event{
				timedEvent("a", "one", "2025-06-02T09:00:00Z", "2025-06-02T10:00:00Z"),
				timedEvent("b", "two", "2025-06-03T09:00:00Z", "2025-06-03T10:00:00Z"),
			},
			NextSyncToken: "abc",
		}, nil
	}

	if _, err := h.orch.Refresh(context.Background(), testCalendar); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	first, _ := h.db.event(testCalendar, "a")
	if _, err := h.orch.Refresh(context.Background(), testCalendar); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	second, _ := h.db.event(testCalendar, "a")

	if n := h.db.eventCount(testCalendar); n != 2 {
		t.Fatalf("event count = %d, want 2", n)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("re-applying the same page changed the event:\n%+v\n%+v", first, second)
	}
}

func TestConcurrentRefreshIsCoalesced(t *testing.T) {
	h := newHarness(t, Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	h.prov.events = func(context.Context, string, string) (*provider.EventPage, error) {
		close(entered)
		<-release
		return &provider.EventPage{NextSyncToken: "def"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Refresh(context.Background(), testCalendar)
		done <- err
	}()
	<-entered

	res, err := h.orch.Refresh(context.Background(), testCalendar)
	if err != nil {
		t.Fatalf("coalesced Refresh error: %v", err)
	}
	if !res.Coalesced {
		t.Fatalf("second refresh should be coalesced, got %+v", res)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Refresh error: %v", err)
	}
	if n := h.prov.count("list_events:primary:abc"); n != 1 {
		t.Fatalf("sync token consumed %d times", n)
	}
}

func TestUnauthorizedFlagsAccountForReauth(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 3})
	h.prov.refresh = func() (*provider.AccessToken, error) {
		return nil, &provider.Error{Kind: provider.KindUnauthorized, Op: "token", Status: http.StatusBadRequest}
	}

	_, err := h.orch.Refresh(context.Background(), testCalendar)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
	if n := h.prov.count("refresh"); n != 1 {
		t.Fatalf("unauthorized must not be retried, refresh called %d times", n)
	}
	account, _ := h.db.account(testAccount)
	if !account.NeedsReauth {
		t.Fatal("account should need re-authentication")
	}
	if cal := h.db.calendar(testCalendar); cal.SyncStatus != store.SyncStatusReauthRequired {
		t.Fatalf("status = %q", cal.SyncStatus)
	}

	if err := h.orch.PollAll(context.Background()); err != nil {
		t.Fatalf("PollAll error: %v", err)
	}
	if n := h.prov.count("refresh"); n != 1 {
		t.Fatalf("flagged account must be skipped by polling, refresh called %d times", n)
	}
}

func TestUndecryptableRefreshTokenFlagsAccountForReauth(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 3})
	h.prov.refresh = func() (*provider.AccessToken, error) {
		return nil, fmt.Errorf("decrypt refresh token: %w", vault.ErrAuthenticationFailed)
	}

	_, err := h.orch.Refresh(context.Background(), testCalendar)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
	account, _ := h.db.account(testAccount)
	if !account.NeedsReauth {
		t.Fatal("account should need re-authentication")
	}
	if cal := h.db.calendar(testCalendar); cal.SyncStatus != store.SyncStatusReauthRequired {
		t.Fatalf("status = %q", cal.SyncStatus)
	}

	for i := 0; i < 3; i++ {
		if err := h.orch.PollAll(context.Background()); err != nil {
			t.Fatalf("PollAll error: %v", err)
		}
	}
	if n := h.prov.count("refresh"); n != 1 {
		t.Fatalf("the same secret must not be decrypted again, refresh called %d times", n)
	}
}

func TestRefreshFetchesTokenOnlyOnceWhenRacing(t *testing.T) {
	h := newHarness(t, Options{})
	rotated := vault.EncryptedSecret{IV: "iv2", Ciphertext: "ct2", AuthTag: "tag2"}
	entered := make(chan struct{})
	release := make(chan struct{})
	h.prov.refresh = func() (*provider.AccessToken, error) {
		close(entered)
		<-release
		return &provider.AccessToken{Token: &oauth2.Token{AccessToken: "access"}, Rotated: &rotated}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Refresh(context.Background(), testCalendar)
		done <- err
	}()
	<-entered

	res, err := h.orch.Refresh(context.Background(), testCalendar)
	if err != nil {
		t.Fatalf("second Refresh error: %v", err)
	}
	if !res.Coalesced {
		t.Fatalf("second refresh should be coalesced, got %+v", res)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Refresh error: %v", err)
	}
	if n := h.prov.count("refresh"); n != 1 {
		t.Fatalf("token endpoint called %d times, want 1", n)
	}
}

func TestTransientFailureIsRetriedThenDegrades(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 2})
	h.db.addEvent(storedEvent("a", "keep me"))
	h.prov.events = func(context.Context, string, string) (*provider.EventPage, error) {
		return nil, &provider.Error{Kind: provider.KindTransient, Op: "events.list", Status: http.StatusServiceUnavailable}
	}

	_, err := h.orch.Refresh(context.Background(), testCalendar)
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
	if n := h.prov.count("list_events:primary:abc"); n != 3 {
		t.Fatalf("list_events called %d times, want 3", n)
	}
	cal := h.db.calendar(testCalendar)
	if cal.SyncStatus != store.SyncStatusDegraded || cal.SyncError == "" {
		t.Fatalf("unexpected status %q %q", cal.SyncStatus, cal.SyncError)
	}
	if cal.Watch.NextSyncToken != "abc" {
		t.Fatal("degraded pass must keep the cursor")
	}
	if _, ok := h.db.event(testCalendar, "a"); !ok {
		t.Fatal("degraded pass must not delete data")
	}
}

func TestApplySkipsBirthdaysAndBrokenEvents(t *testing.T) {
	h := newHarness(t, Options{})
	h.db.addEvent(storedEvent("cancelled", "will be removed"))
	h.prov.events = func(context.Context, string, string) (*provider.EventPage, error) {
		birthday := timedEvent("bday", "Birthday", "2025-06-04T00:00:00Z", "2025-06-05T00:00:00Z")
		birthday.EventType = "birthday"
		return &provider.EventPage{
			Items: []*calendar.Event{
				birthday,
				{Id: "broken", Summary: "no times"},
				timedEvent("good", "Standup", "2025-06-02T09:00:00Z", "2025-06-02T09:15:00Z"),
				{Id: "cancelled", Status: "cancelled"},
			},
			NextSyncToken: "def",
		}, nil
	}

	res, err := h.orch.Refresh(context.Background(), testCalendar)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if res.Upserted != 1 || res.Skipped != 2 || res.Deleted != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := h.db.event(testCalendar, "bday"); ok {
		t.Fatal("birthday events must not be stored")
	}
	if _, ok := h.db.event(testCalendar, "cancelled"); ok {
		t.Fatal("cancelled event should be deleted")
	}
	if _, ok := h.db.event(testCalendar, "good"); !ok {
		t.Fatal("valid event should be stored")
	}
}

func TestUnlinkCancelsInflightPass(t *testing.T) {
	h := newHarness(t, Options{})
	entered := make(chan struct{})
	h.prov.events = func(ctx context.Context, _, _ string) (*provider.EventPage, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Refresh(context.Background(), testCalendar)
		done <- err
	}()
	<-entered

	if err := h.orch.Unlink(context.Background(), testUser, testAccount); err != nil {
		t.Fatalf("Unlink error: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrUnlinked) {
			t.Fatalf("expected ErrUnlinked, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight pass was not cancelled")
	}

	if _, ok := h.db.account(testAccount); ok {
		t.Fatal("account should be deleted")
	}
	if h.db.eventCount(testCalendar) != 0 || h.db.calendar(testCalendar).ID != 0 {
		t.Fatal("calendars and events should cascade")
	}
	if h.prov.count("stop:ch-old") != 1 {
		t.Fatalf("watch should be stopped, calls = %v", h.prov.Calls())
	}
}

func TestUnlinkRejectsOtherUsersAccount(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.orch.Unlink(context.Background(), testUser+1, testAccount); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok := h.db.account(testAccount); !ok {
		t.Fatal("account must survive")
	}
}

func TestRotatedRefreshTokenIsStored(t *testing.T) {
	h := newHarness(t, Options{})
	rotated := vault.EncryptedSecret{IV: "iv2", Ciphertext: "ct2", AuthTag: "tag2"}
	h.prov.refresh = func() (*provider.AccessToken, error) {
		return &provider.AccessToken{Token: &oauth2.Token{AccessToken: "access"}, Rotated: &rotated}, nil
	}

	if _, err := h.orch.Refresh(context.Background(), testCalendar); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	account, _ := h.db.account(testAccount)
	if account.RefreshToken != rotated {
		t.Fatalf("refresh token = %+v", account.RefreshToken)
	}
}

func TestLinkStoresAccountAndSyncsRelevantCalendars(t *testing.T) {
	h := newHarness(t, Options{})
	h.prov.grant = &provider.Grant{
		Subject:      "sub-2",
		Email:        "second@example.com",
		Scopes:       []string{"openid", provider.ScopeCalendar, provider.ScopeMailSend},
		RefreshToken: vault.EncryptedSecret{IV: "a", Ciphertext: "b", AuthTag: "c"},
	}
	h.prov.calendars = []*calendar.CalendarListEntry{
		{Id: "second@example.com", AccessRole: store.AccessRoleOwner, Primary: true, TimeZone: "Europe/Berlin"},
		{Id: "holidays", AccessRole: store.AccessRoleReader},
		{Id: "boss", AccessRole: store.AccessRoleFreeBusyReader},
	}

	account, err := h.orch.Link(context.Background(), testUser, "code")
	if err != nil {
		t.Fatalf("Link error: %v", err)
	}
	if !account.CanSendMail || account.Email != "second@example.com" {
		t.Fatalf("unexpected account %+v", account)
	}

	cals, _ := h.db.store().Calendars.ListByAccount(context.Background(), account.ID)
	if len(cals) != 3 {
		t.Fatalf("expected 3 calendars, got %d", len(cals))
	}
	for _, c := range cals {
		relevant := c.ProviderCalendarID != "boss"
		if c.SyncRelevant != relevant {
			t.Fatalf("calendar %s relevant=%v", c.ProviderCalendarID, c.SyncRelevant)
		}
		if relevant && (c.SyncStatus != store.SyncStatusOK || !c.Watch.HasChannel()) {
			t.Fatalf("calendar %s not synced: %+v", c.ProviderCalendarID, c)
		}
	}
	if h.prov.count("list_events:boss:") != 0 {
		t.Fatal("free/busy calendar must not be fetched")
	}
	if h.prov.count("register:"+provider.CalendarListResource) != 1 {
		t.Fatalf("calendar list watch not registered, calls = %v", h.prov.Calls())
	}
	if h.prov.channelToken("holidays") == "" {
		t.Fatal("calendar watch should carry a channel token")
	}
}

func TestLinkWithoutRefreshTokenFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.prov.grant = &provider.Grant{Subject: "sub-3"}
	if _, err := h.orch.Link(context.Background(), testUser, "code"); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestLinkWithoutOfflineGrantFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.prov.exchangeErr = &provider.Error{Kind: provider.KindOther, Op: "exchange", Err: provider.ErrNoRefreshToken}
	if _, err := h.orch.Link(context.Background(), testUser, "code"); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
	if len(h.db.accounts) != 1 {
		t.Fatal("no account should be stored")
	}
}

func TestSyncCalendarListAddsAndRemoves(t *testing.T) {
	h := newHarness(t, Options{})
	h.db.addCalendar(store.Calendar{ID: 11, LinkedAccountID: testAccount, UserID: testUser, ProviderCalendarID: "old", SyncRelevant: true})
	h.db.addEvent(store.Event{UserID: testUser, CalendarID: 11, ExternalEventID: "x"})
	h.prov.calendars = []*calendar.CalendarListEntry{
		{Id: "primary", AccessRole: store.AccessRoleOwner, Primary: true},
		{Id: "new", AccessRole: store.AccessRoleWriter},
	}

	if err := h.orch.SyncCalendarList(context.Background(), testAccount); err != nil {
		t.Fatalf("SyncCalendarList error: %v", err)
	}
	if h.db.calendar(11).ID != 0 || h.db.eventCount(11) != 0 {
		t.Fatal("vanished calendar should be removed with its events")
	}
	if h.prov.count("list_events:new:") != 1 {
		t.Fatalf("new calendar should get a full fetch, calls = %v", h.prov.Calls())
	}
	if h.prov.count("list_events:primary:abc") != 0 {
		t.Fatal("known calendars are left to their own passes")
	}
}

func TestPollAllRefreshesEachAccountOnce(t *testing.T) {
	h := newHarness(t, Options{Concurrency: 2})
	h.db.addAccount(store.LinkedAccount{ID: 2, UserID: 8, Provider: store.ProviderGoogle, ProviderAccountID: "sub-9"})
	h.db.addCalendar(store.Calendar{ID: 20, LinkedAccountID: 2, UserID: 8, ProviderCalendarID: "a", SyncRelevant: true,
		Watch: store.WatchState{ChannelID: "c20", ResourceID: "r20", Expiration: testNow.Add(time.Hour)}})
	h.db.addCalendar(store.Calendar{ID: 21, LinkedAccountID: 2, UserID: 8, ProviderCalendarID: "b", SyncRelevant: true,
		Watch: store.WatchState{ChannelID: "c21", ResourceID: "r21", Expiration: testNow.Add(time.Hour)}})
	h.db.addCalendar(store.Calendar{ID: 22, LinkedAccountID: 2, UserID: 8, ProviderCalendarID: "hidden"})

	if err := h.orch.PollAll(context.Background()); err != nil {
		t.Fatalf("PollAll error: %v", err)
	}
	if n := h.prov.count("refresh"); n != 2 {
		t.Fatalf("expected one token refresh per account, got %d", n)
	}
	for _, call := range []string{"list_events:primary:abc", "list_events:a:", "list_events:b:"} {
		if h.prov.count(call) != 1 {
			t.Fatalf("missing %s in %v", call, h.prov.Calls())
		}
	}
	if h.prov.count("list_events:hidden:") != 0 {
		t.Fatal("irrelevant calendar must not be polled")
	}
}

func TestRenewWatchesReregistersExpiringChannels(t *testing.T) {
	h := newHarness(t, Options{RenewBefore: 96 * time.Hour})

	if err := h.orch.RenewWatches(context.Background()); err != nil {
		t.Fatalf("RenewWatches error: %v", err)
	}
	calls := h.prov.Calls()
	reg, list := -1, -1
	for i, c := range calls {
		switch c {
		case "register:primary":
			reg = i
		case "list_events:primary:":
			list = i
		}
	}
	if reg < 0 || list < 0 || reg > list {
		t.Fatalf("expected registration before a full fetch, calls = %v", calls)
	}
	if cal := h.db.calendar(testCalendar); cal.Watch.Expiration != testNow.Add(7*24*time.Hour) {
		t.Fatalf("expiration = %v", cal.Watch.Expiration)
	}
}

func TestSetRelevanceTriggersRefresh(t *testing.T) {
	h := newHarness(t, Options{})
	h.db.mu.Lock()
	h.db.calendars[testCalendar].SyncRelevant = false
	h.db.mu.Unlock()

	if err := h.orch.SetRelevance(context.Background(), testUser, testCalendar, true); err != nil {
		t.Fatalf("SetRelevance error: %v", err)
	}
	h.orch.Close()
	if !h.db.calendar(testCalendar).SyncRelevant {
		t.Fatal("relevance not stored")
	}
	if h.prov.count("list_events:primary:abc") != 1 {
		t.Fatalf("enabling sync should refresh, calls = %v", h.prov.Calls())
	}
	if err := h.orch.SetRelevance(context.Background(), testUser+1, testCalendar, false); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign calendar, got %v", err)
	}
}

func TestHandleNotification(t *testing.T) {
	h := newHarness(t, Options{})
	token, err := h.orch.signer.Sign(Target{AccountID: testAccount, CalendarID: testCalendar, UserID: testUser})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	target, err := h.orch.HandleNotification(context.Background(), Notification{
		ChannelID: "ch-old", ResourceID: "res-old", ResourceState: ResourceStateSync, Token: token,
	})
	if err != nil || target.CalendarID != testCalendar {
		t.Fatalf("sync handshake: target=%+v err=%v", target, err)
	}

	_, err = h.orch.HandleNotification(context.Background(), Notification{
		ChannelID: "ch-old", ResourceID: "res-old", ResourceState: "exists", Token: "forged",
	})
	if !errors.Is(err, ErrInvalidChannelToken) {
		t.Fatalf("expected ErrInvalidChannelToken, got %v", err)
	}

	_, err = h.orch.HandleNotification(context.Background(), Notification{ChannelID: "nope", ResourceID: "nope", Token: token})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}

	if _, err := h.orch.HandleNotification(context.Background(), Notification{
		ChannelID: "ch-old", ResourceID: "res-old", ResourceState: "exists", Token: token,
	}); err != nil {
		t.Fatalf("change notification: %v", err)
	}
	h.orch.Close()
	if n := h.prov.count("list_events:primary:abc"); n != 1 {
		t.Fatalf("only the change notification should refresh, got %d passes", n)
	}
}
