package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
)

// ErrUnknownChannel is returned by Lookup when no calendar or calendar list
// owns the channel.
var ErrUnknownChannel = errors.New("unknown watch channel")

// WatchRegistry reads and writes persisted watch state. Nothing else in the
// process caches whether a calendar is watched.
type WatchRegistry struct {
	accounts  store.LinkedAccountRepository
	calendars store.CalendarRepository
	lists     store.CalendarListWatchRepository
}

func NewWatchRegistry(st *store.Store) *WatchRegistry {
	return &WatchRegistry{
		accounts:  st.LinkedAccounts,
		calendars: st.Calendars,
		lists:     st.CalendarListWatches,
	}
}

// Lookup resolves a push channel to the calendar or calendar list it watches.
func (r *WatchRegistry) Lookup(ctx context.Context, channelID, resourceID string) (Target, error) {
	if channelID == "" || resourceID == "" {
		return Target{}, ErrUnknownChannel
	}
	cal, err := r.calendars.FindByWatch(ctx, channelID, resourceID)
	switch {
	case err == nil:
		return Target{AccountID: cal.LinkedAccountID, CalendarID: cal.ID, UserID: cal.UserID}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Target{}, fmt.Errorf("lookup calendar watch: %w", err)
	}

	accountID, err := r.lists.FindByWatch(ctx, channelID, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		return Target{}, ErrUnknownChannel
	}
	if err != nil {
		return Target{}, fmt.Errorf("lookup calendar list watch: %w", err)
	}
	account, err := r.accounts.GetByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return Target{}, ErrUnknownChannel
	}
	if err != nil {
		return Target{}, fmt.Errorf("load account: %w", err)
	}
	return Target{AccountID: account.ID, UserID: account.UserID, List: true}, nil
}

// NeedsRenewal reports whether w is missing or expires within the given window.
func NeedsRenewal(w store.WatchState, now time.Time, within time.Duration) bool {
	return w.Expired(now.Add(within))
}

// Record stores a freshly registered channel. A new channel invalidates the
// previous sync cursor, so both tokens are cleared.
func (r *WatchRegistry) Record(ctx context.Context, calendarID int64, w *provider.Watch) error {
	state := store.WatchState{ChannelID: w.ChannelID, ResourceID: w.ResourceID, Expiration: w.Expiration}
	if err := r.calendars.SaveWatch(ctx, calendarID, state, false); err != nil {
		return fmt.Errorf("record watch: %w", err)
	}
	return nil
}

// RecordFailure drops the channel and flags the calendar for polling. The
// sync cursor is kept since no new channel was created.
func (r *WatchRegistry) RecordFailure(ctx context.Context, calendarID int64, prev store.WatchState) error {
	state := store.WatchState{LastSyncToken: prev.LastSyncToken, NextSyncToken: prev.NextSyncToken}
	if err := r.calendars.SaveWatch(ctx, calendarID, state, true); err != nil {
		return fmt.Errorf("record watch failure: %w", err)
	}
	return nil
}

// ListWatch returns the calendar-list channel of an account, or a zero state.
func (r *WatchRegistry) ListWatch(ctx context.Context, accountID int64) (store.WatchState, error) {
	w, err := r.lists.Get(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return store.WatchState{}, nil
	}
	if err != nil {
		return store.WatchState{}, err
	}
	return *w, nil
}

// RecordList stores the calendar-list channel of an account.
func (r *WatchRegistry) RecordList(ctx context.Context, accountID int64, w *provider.Watch) error {
	state := store.WatchState{ChannelID: w.ChannelID, ResourceID: w.ResourceID, Expiration: w.Expiration}
	if err := r.lists.Save(ctx, accountID, state); err != nil {
		return fmt.Errorf("record list watch: %w", err)
	}
	return nil
}

// Invalidate clears both sync tokens so the next fetch is a full one.
func (r *WatchRegistry) Invalidate(ctx context.Context, calendarID int64) error {
	if err := r.calendars.ClearSyncTokens(ctx, calendarID); err != nil {
		return fmt.Errorf("clear sync tokens: %w", err)
	}
	return nil
}

// Advance stores next as the cursor; the previous cursor moves to last.
func (r *WatchRegistry) Advance(ctx context.Context, calendarID int64, prev store.WatchState, next string) error {
	if next == "" {
		return nil
	}
	if err := r.calendars.SaveSyncTokens(ctx, calendarID, prev.NextSyncToken, next); err != nil {
		return fmt.Errorf("save sync tokens: %w", err)
	}
	return nil
}
