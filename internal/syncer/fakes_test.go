package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/vault"
)

// memDB is an in-memory stand-in for the PostgreSQL repositories, including
// the cascades and foreign keys the orchestrator relies on.
type memDB struct {
	mu        sync.Mutex
	nextID    int64
	accounts  map[int64]*store.LinkedAccount
	calendars map[int64]*store.Calendar
	lists     map[int64]*store.WatchState
	events    map[int64]map[string]store.Event
	notified  []int64
}

func newMemDB() *memDB {
	return &memDB{
		nextID:    1000,
		accounts:  make(map[int64]*store.LinkedAccount),
		calendars: make(map[int64]*store.Calendar),
		lists:     make(map[int64]*store.WatchState),
		events:    make(map[int64]map[string]store.Event),
	}
}

func (db *memDB) store() *store.Store {
	return &store.Store{
		LinkedAccounts:      fakeAccounts{db},
		Calendars:           fakeCalendars{db},
		CalendarListWatches: fakeLists{db},
		Events:              fakeEvents{db},
	}
}

func (db *memDB) id() int64 {
	db.nextID++
	return db.nextID
}

func (db *memDB) addAccount(a store.LinkedAccount) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.accounts[a.ID] = &a
}

func (db *memDB) addCalendar(c store.Calendar) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c.SyncStatus == "" {
		c.SyncStatus = store.SyncStatusPending
	}
	db.calendars[c.ID] = &c
}

func (db *memDB) addEvent(e store.Event) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.events[e.CalendarID] == nil {
		db.events[e.CalendarID] = make(map[string]store.Event)
	}
	if e.ID == 0 {
		e.ID = db.id()
	}
	db.events[e.CalendarID][e.ExternalEventID] = e
}

func (db *memDB) calendar(id int64) store.Calendar {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.calendars[id]; ok {
		return *c
	}
	return store.Calendar{}
}

func (db *memDB) account(id int64) (store.LinkedAccount, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.accounts[id]
	if !ok {
		return store.LinkedAccount{}, false
	}
	return *a, true
}

func (db *memDB) event(calendarID int64, externalID string) (store.Event, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.events[calendarID][externalID]
	return e, ok
}

func (db *memDB) eventCount(calendarID int64) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.events[calendarID])
}

func (db *memDB) notifications() []int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]int64(nil), db.notified...)
}

func (db *memDB) deleteCalendarLocked(id int64) {
	delete(db.calendars, id)
	delete(db.events, id)
}

type fakeAccounts struct{ db *memDB }

func (f fakeAccounts) Upsert(_ context.Context, a store.LinkedAccount) (*store.LinkedAccount, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, existing := range f.db.accounts {
		if existing.UserID == a.UserID && existing.Provider == a.Provider && existing.ProviderAccountID == a.ProviderAccountID {
			existing.Email, existing.Scopes, existing.RefreshToken = a.Email, a.Scopes, a.RefreshToken
			existing.CanSendMail, existing.NeedsReauth = a.CanSendMail, false
			out := *existing
			return &out, nil
		}
	}
	a.ID = f.db.id()
	a.NeedsReauth = false
	f.db.accounts[a.ID] = &a
	out := a
	return &out, nil
}

func (f fakeAccounts) GetByID(_ context.Context, id int64) (*store.LinkedAccount, error) {
	a, ok := f.db.account(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (f fakeAccounts) ListByUser(_ context.Context, userID int64) ([]store.LinkedAccount, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []store.LinkedAccount
	for _, a := range f.db.accounts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f fakeAccounts) UpdateRefreshToken(_ context.Context, id int64, secret vault.EncryptedSecret) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.RefreshToken = secret
	return nil
}

func (f fakeAccounts) SetNeedsReauth(_ context.Context, id int64, needsReauth bool) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.NeedsReauth = needsReauth
	return nil
}

func (f fakeAccounts) Delete(_ context.Context, userID, id int64) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.accounts[id]
	if !ok || a.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.db.accounts, id)
	delete(f.db.lists, id)
	for cid, c := range f.db.calendars {
		if c.LinkedAccountID == id {
			f.db.deleteCalendarLocked(cid)
		}
	}
	return nil
}

type fakeCalendars struct{ db *memDB }

func (f fakeCalendars) UpsertFromProvider(_ context.Context, cal store.Calendar) (*store.Calendar, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.accounts[cal.LinkedAccountID]; !ok {
		return nil, store.ErrParentGone
	}
	for _, c := range f.db.calendars {
		if c.LinkedAccountID == cal.LinkedAccountID && c.ProviderCalendarID == cal.ProviderCalendarID {
			c.Summary, c.TimeZone, c.Primary = cal.Summary, cal.TimeZone, cal.Primary
			c.BackgroundColor, c.ForegroundColor = cal.BackgroundColor, cal.ForegroundColor
			out := *c
			return &out, nil
		}
	}
	cal.ID = f.db.id()
	cal.SyncStatus = store.SyncStatusPending
	f.db.calendars[cal.ID] = &cal
	out := cal
	return &out, nil
}

func (f fakeCalendars) GetByID(_ context.Context, id int64) (*store.Calendar, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.calendars[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (f fakeCalendars) list(match func(*store.Calendar) bool) []store.Calendar {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []store.Calendar
	for _, c := range f.db.calendars {
		if match(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f fakeCalendars) ListByAccount(_ context.Context, accountID int64) ([]store.Calendar, error) {
	return f.list(func(c *store.Calendar) bool { return c.LinkedAccountID == accountID }), nil
}

func (f fakeCalendars) syncable(c *store.Calendar) bool {
	a, ok := f.db.accounts[c.LinkedAccountID]
	return ok && !a.NeedsReauth && c.SyncRelevant
}

func (f fakeCalendars) ListSyncable(context.Context) ([]store.Calendar, error) {
	return f.list(f.syncable), nil
}

func (f fakeCalendars) ListWatchesExpiringBefore(_ context.Context, before time.Time) ([]store.Calendar, error) {
	return f.list(func(c *store.Calendar) bool {
		return f.syncable(c) && (c.Watch.Expiration.IsZero() || c.Watch.Expiration.Before(before))
	}), nil
}

func (f fakeCalendars) FindByWatch(_ context.Context, channelID, resourceID string) (*store.Calendar, error) {
	found := f.list(func(c *store.Calendar) bool {
		return c.Watch.ChannelID == channelID && c.Watch.ResourceID == resourceID
	})
	if len(found) == 0 {
		return nil, store.ErrNotFound
	}
	return &found[0], nil
}

func (f fakeCalendars) DeleteMissing(_ context.Context, accountID int64, keep []string) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		kept[k] = true
	}
	var n int64
	for id, c := range f.db.calendars {
		if c.LinkedAccountID == accountID && !kept[c.ProviderCalendarID] {
			f.db.deleteCalendarLocked(id)
			n++
		}
	}
	return n, nil
}

func (f fakeCalendars) update(id int64, fn func(*store.Calendar)) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.calendars[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(c)
	return nil
}

func (f fakeCalendars) SetRelevance(_ context.Context, userID, id int64, relevant bool) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.calendars[id]
	if !ok || c.UserID != userID {
		return store.ErrNotFound
	}
	c.SyncRelevant = relevant
	return nil
}

func (f fakeCalendars) SaveWatch(_ context.Context, id int64, watch store.WatchState, needsPolling bool) error {
	return f.update(id, func(c *store.Calendar) {
		c.Watch = watch
		c.NeedsPolling = needsPolling
	})
}

func (f fakeCalendars) SaveSyncTokens(_ context.Context, id int64, last, next string) error {
	return f.update(id, func(c *store.Calendar) {
		c.Watch.LastSyncToken, c.Watch.NextSyncToken = last, next
	})
}

func (f fakeCalendars) ClearSyncTokens(_ context.Context, id int64) error {
	return f.update(id, func(c *store.Calendar) {
		c.Watch.LastSyncToken, c.Watch.NextSyncToken = "", ""
	})
}

func (f fakeCalendars) UpdateSyncStatus(_ context.Context, id int64, status store.SyncStatus, message string) error {
	return f.update(id, func(c *store.Calendar) {
		c.SyncStatus, c.SyncError = status, message
	})
}

func (f fakeCalendars) UpdateEventCount(_ context.Context, id int64) error {
	return f.update(id, func(c *store.Calendar) {
		c.EventCount = len(f.db.events[id])
	})
}

type fakeLists struct{ db *memDB }

func (f fakeLists) Get(_ context.Context, accountID int64) (*store.WatchState, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	w, ok := f.db.lists[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *w
	return &out, nil
}

func (f fakeLists) Save(_ context.Context, accountID int64, watch store.WatchState) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.accounts[accountID]; !ok {
		return store.ErrParentGone
	}
	f.db.lists[accountID] = &watch
	return nil
}

func (f fakeLists) FindByWatch(_ context.Context, channelID, resourceID string) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for id, w := range f.db.lists {
		if w.ChannelID == channelID && w.ResourceID == resourceID {
			return id, nil
		}
	}
	return 0, store.ErrNotFound
}

type fakeEvents struct{ db *memDB }

func (f fakeEvents) Upsert(_ context.Context, e store.Event) (*store.Event, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.calendars[e.CalendarID]; !ok {
		return nil, store.ErrParentGone
	}
	if f.db.events[e.CalendarID] == nil {
		f.db.events[e.CalendarID] = make(map[string]store.Event)
	}
	if existing, ok := f.db.events[e.CalendarID][e.ExternalEventID]; ok {
		e.ID = existing.ID
	} else {
		e.ID = f.db.id()
	}
	f.db.events[e.CalendarID][e.ExternalEventID] = e
	out := e
	return &out, nil
}

func (f fakeEvents) DeleteByExternalID(_ context.Context, calendarID int64, externalID string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	delete(f.db.events[calendarID], externalID)
	return nil
}

func (f fakeEvents) GetByExternalID(_ context.Context, calendarID int64, externalID string) (*store.Event, error) {
	e, ok := f.db.event(calendarID, externalID)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (f fakeEvents) ListRange(_ context.Context, r store.EventRange) ([]store.Event, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	users := make(map[int64]bool)
	for _, id := range r.UserIDs() {
		users[id] = true
	}
	var out []store.Event
	for _, byID := range f.db.events {
		for _, e := range byID {
			if users[e.UserID] && e.Start.Before(r.To) && (e.End.After(r.From) || !e.Start.Before(r.From)) {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (f fakeEvents) ListForCalendar(_ context.Context, calendarID int64) ([]store.Event, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []store.Event
	for _, e := range f.db.events[calendarID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalEventID < out[j].ExternalEventID })
	return out, nil
}

func (f fakeEvents) NotifyChanged(_ context.Context, userID int64) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.db.notified = append(f.db.notified, userID)
	return nil
}

// fakeProvider records every call in order. Behaviour is configured per test
// through the function fields.
type fakeProvider struct {
	mu    sync.Mutex
	calls []string
	now   time.Time
	seq   int

	grant       *provider.Grant
	exchangeErr error
	calendars   []*calendar.CalendarListEntry
	refresh     func() (*provider.AccessToken, error)
	events      func(ctx context.Context, calendarID, syncToken string) (*provider.EventPage, error)
	registerErr error
	tokens      map[string]string
}

func newFakeProvider(now time.Time) *fakeProvider {
	return &fakeProvider{now: now, tokens: make(map[string]string)}
}

func (p *fakeProvider) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakeProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProvider) count(call string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (p *fakeProvider) channelToken(resource string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens[resource]
}

func (p *fakeProvider) Exchange(context.Context, string) (*provider.Grant, error) {
	p.record("exchange")
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	if p.grant == nil {
		return nil, &provider.Error{Kind: provider.KindUnauthorized, Op: "exchange", Err: fmt.Errorf("invalid_grant")}
	}
	return p.grant, nil
}

func (p *fakeProvider) RefreshAccessToken(context.Context, vault.EncryptedSecret) (*provider.AccessToken, error) {
	p.record("refresh")
	if p.refresh != nil {
		return p.refresh()
	}
	return &provider.AccessToken{Token: &oauth2.Token{AccessToken: "access"}}, nil
}

func (p *fakeProvider) ListCalendars(context.Context, *oauth2.Token) (*provider.CalendarList, error) {
	p.record("list_calendars")
	return &provider.CalendarList{Items: p.calendars}, nil
}

func (p *fakeProvider) ListEvents(ctx context.Context, _ *oauth2.Token, calendarID, syncToken string) (*provider.EventPage, error) {
	p.record("list_events:" + calendarID + ":" + syncToken)
	if p.events != nil {
		return p.events(ctx, calendarID, syncToken)
	}
	return &provider.EventPage{Full: syncToken == "", NextSyncToken: "next-" + calendarID}, nil
}

func (p *fakeProvider) RegisterWatch(_ context.Context, _ *oauth2.Token, resourceID, channelToken string) (*provider.Watch, error) {
	p.record("register:" + resourceID)
	if p.registerErr != nil {
		return nil, p.registerErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.tokens[resourceID] = channelToken
	return &provider.Watch{
		ChannelID:  fmt.Sprintf("ch-%d", p.seq),
		ResourceID: "res-" + resourceID,
		Expiration: p.now.Add(7 * 24 * time.Hour),
	}, nil
}

func (p *fakeProvider) StopWatch(_ context.Context, _ *oauth2.Token, channelID, _ string) error {
	p.record("stop:" + channelID)
	return nil
}

func timedEvent(id, title, start, end string) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: title,
		Status:  "confirmed",
		Start:   &calendar.EventDateTime{DateTime: start},
		End:     &calendar.EventDateTime{DateTime: end},
	}
}
