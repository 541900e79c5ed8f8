package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/translate"
)

// tokenFunc yields the access token for a pass. It is called only once the
// pass holds the calendar.
type tokenFunc func(ctx context.Context) (*oauth2.Token, error)

func staticToken(token *oauth2.Token) tokenFunc {
	return func(context.Context) (*oauth2.Token, error) { return token, nil }
}

// calendarPass serialises a pass over one calendar and classifies its outcome.
// Channels expiring within renewWithin are re-registered before fetching.
func (o *Orchestrator) calendarPass(ctx context.Context, account *store.LinkedAccount, calendarID int64, tokens tokenFunc, kind string, renewWithin time.Duration) (Result, error) {
	res := Result{CalendarID: calendarID}
	pctx, release, ok, err := o.acquire(ctx, passKey{id: calendarID}, account.ID)
	if err != nil {
		return res, err
	}
	if !ok {
		metrics.IncRefreshCoalesced()
		res.Coalesced, res.State = true, StateRefreshing
		return res, nil
	}
	defer release()

	start := time.Now()
	token, err := tokens(pctx)
	if err == nil {
		res, err = o.syncCalendar(pctx, account, calendarID, token, renewWithin)
	}
	if err != nil {
		err = o.settle(pctx, account, []int64{calendarID}, err)
	}
	metrics.ObserveSyncPass(kind, resultLabel(err), start)
	metrics.AddEventsUpserted(res.Upserted)
	metrics.AddEventsDeleted(res.Deleted)
	return res, err
}

func (o *Orchestrator) syncCalendar(ctx context.Context, account *store.LinkedAccount, calendarID int64, token *oauth2.Token, renewWithin time.Duration) (Result, error) {
	res := Result{CalendarID: calendarID, State: StateRefreshing}

	// Re-read under the pass so the cursor is never one another pass already consumed.
	cal, err := o.store.Calendars.GetByID(ctx, calendarID)
	if err != nil {
		return res, fmt.Errorf("load calendar: %w", err)
	}
	log := o.log.WithFields(logrus.Fields{"account_id": account.ID, "calendar_id": cal.ID})

	watch := cal.Watch
	if NeedsRenewal(watch, o.opts.Now(), renewWithin) {
		res.State = StateExpired
		watch, err = o.renewWatch(ctx, log, cal, token)
		if err != nil {
			return res, err
		}
	}

	page, err := o.listEvents(ctx, token, cal.ProviderCalendarID, watch.NextSyncToken)
	if err != nil && provider.IsSyncTokenInvalid(err) {
		log.Info("sync token rejected; running full resync")
		res.State = StateExpired
		if err := o.registry.Invalidate(ctx, cal.ID); err != nil {
			return res, err
		}
		watch.LastSyncToken, watch.NextSyncToken = "", ""
		page, err = o.listEvents(ctx, token, cal.ProviderCalendarID, "")
	}
	if err != nil {
		return res, err
	}
	res.Full = page.Full

	seen, err := o.apply(ctx, log, cal, page.Items, &res)
	if err != nil {
		return res, err
	}
	if page.Full {
		if err := o.prune(ctx, cal.ID, seen, &res); err != nil {
			return res, err
		}
	}
	if err := o.registry.Advance(ctx, cal.ID, watch, page.NextSyncToken); err != nil {
		return res, err
	}
	if err := o.store.Calendars.UpdateEventCount(ctx, cal.ID); err != nil {
		return res, fmt.Errorf("update event count: %w", err)
	}

	status := store.SyncStatusOK
	res.State = StateWatching
	if !watch.HasChannel() {
		status = store.SyncStatusPolling
		res.State = StatePolling
	}
	if err := o.store.Calendars.UpdateSyncStatus(ctx, cal.ID, status, ""); err != nil {
		return res, fmt.Errorf("update sync status: %w", err)
	}
	if res.changed() {
		if err := o.store.Events.NotifyChanged(ctx, cal.UserID); err != nil {
			log.WithError(err).Warn("notify subscribers")
		}
	}
	log.WithFields(logrus.Fields{
		"full":     res.Full,
		"upserted": res.Upserted,
		"deleted":  res.Deleted,
		"skipped":  res.Skipped,
		"state":    res.State.String(),
	}).Debug("calendar synced")
	return res, nil
}

func (o *Orchestrator) listEvents(ctx context.Context, token *oauth2.Token, calendarID, syncToken string) (*provider.EventPage, error) {
	return call(ctx, o, func(ctx context.Context) (*provider.EventPage, error) {
		return o.provider.ListEvents(ctx, token, calendarID, syncToken)
	})
}

// renewWatch registers a new channel for cal and returns the watch state the
// fetch should use. A failed registration is not fatal: the calendar falls
// back to polling with its existing cursor.
func (o *Orchestrator) renewWatch(ctx context.Context, log logrus.FieldLogger, cal *store.Calendar, token *oauth2.Token) (store.WatchState, error) {
	old := cal.Watch
	channelToken, err := o.signer.Sign(Target{AccountID: cal.LinkedAccountID, CalendarID: cal.ID, UserID: cal.UserID})
	if err != nil {
		return old, err
	}
	w, err := call(ctx, o, func(ctx context.Context) (*provider.Watch, error) {
		return o.provider.RegisterWatch(ctx, token, cal.ProviderCalendarID, channelToken)
	})
	if err != nil {
		if provider.IsUnauthorized(err) || errors.Is(err, context.Canceled) {
			return old, err
		}
		metrics.IncWatchRegistration("failed")
		log.WithError(err).Warn("watch registration failed; falling back to polling")
		if err := o.registry.RecordFailure(ctx, cal.ID, old); err != nil {
			return old, err
		}
		return store.WatchState{LastSyncToken: old.LastSyncToken, NextSyncToken: old.NextSyncToken}, nil
	}

	metrics.IncWatchRegistration("ok")
	if err := o.registry.Record(ctx, cal.ID, w); err != nil {
		return old, err
	}
	if old.HasChannel() && old.ChannelID != w.ChannelID {
		if err := o.provider.StopWatch(ctx, token, old.ChannelID, old.ResourceID); err != nil {
			log.WithError(err).Debug("stop replaced channel")
		}
	}
	log.WithField("expires", w.Expiration).Info("watch registered")
	return store.WatchState{ChannelID: w.ChannelID, ResourceID: w.ResourceID, Expiration: w.Expiration}, nil
}

// apply persists one page of provider events and returns the ids it saw.
// Failures of single events are isolated: the event is skipped and the rest
// of the page still lands.
func (o *Orchestrator) apply(ctx context.Context, log logrus.FieldLogger, cal *store.Calendar, items []*calendar.Event, res *Result) (map[string]struct{}, error) {
	in := translate.Input{
		UserID:           cal.UserID,
		CalendarID:       cal.ID,
		BackgroundColor:  cal.BackgroundColor,
		CalendarTimeZone: cal.TimeZone,
	}
	seen := make(map[string]struct{}, len(items))
	for _, raw := range items {
		if raw == nil {
			continue
		}
		if translate.IsCancelled(raw) {
			if raw.Id == "" {
				continue
			}
			if err := o.store.Events.DeleteByExternalID(ctx, cal.ID, raw.Id); err != nil {
				return seen, fmt.Errorf("delete cancelled event: %w", err)
			}
			res.Deleted++
			continue
		}
		if translate.IsExcluded(raw) {
			res.Skipped++
			continue
		}

		out, err := translate.TranslateResult(raw, in)
		if err != nil {
			var terr *translate.Error
			if !errors.As(err, &terr) {
				return seen, err
			}
			metrics.IncTranslationError()
			log.WithError(err).WithField("event_id", raw.Id).Warn("skipping untranslatable event")
			res.Skipped++
			// Keep whatever was stored before so a full resync does not prune it.
			if raw.Id != "" {
				seen[raw.Id] = struct{}{}
			}
			continue
		}
		if len(out.Dropped) > 0 {
			log.WithFields(logrus.Fields{"event_id": raw.Id, "lines": out.Dropped}).Debug("dropped recurrence lines")
		}
		if _, err := o.store.Events.Upsert(ctx, out.Event); err != nil {
			return seen, fmt.Errorf("upsert event: %w", err)
		}
		seen[raw.Id] = struct{}{}
		res.Upserted++
	}
	return seen, nil
}

// prune removes stored events a full fetch no longer returned.
func (o *Orchestrator) prune(ctx context.Context, calendarID int64, seen map[string]struct{}, res *Result) error {
	stored, err := o.store.Events.ListForCalendar(ctx, calendarID)
	if err != nil {
		return err
	}
	for _, ev := range stored {
		if _, ok := seen[ev.ExternalEventID]; ok {
			continue
		}
		if err := o.store.Events.DeleteByExternalID(ctx, calendarID, ev.ExternalEventID); err != nil {
			return fmt.Errorf("prune event: %w", err)
		}
		res.Deleted++
	}
	return nil
}
