package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Link exchanges an authorization code, stores the linked account and runs
// the initial full sync of every relevant calendar. Linking the same provider
// account again updates it in place.
func (o *Orchestrator) Link(ctx context.Context, userID int64, code string) (*store.LinkedAccount, error) {
	grant, err := o.provider.Exchange(ctx, code)
	if errors.Is(err, provider.ErrNoRefreshToken) {
		return nil, fmt.Errorf("%w: %w", ErrNoRefreshToken, err)
	}
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if grant.RefreshToken.IsZero() {
		return nil, ErrNoRefreshToken
	}

	account, err := o.store.LinkedAccounts.Upsert(ctx, store.LinkedAccount{
		UserID:            userID,
		Provider:          store.ProviderGoogle,
		ProviderAccountID: grant.Subject,
		Email:             grant.Email,
		Scopes:            grant.Scopes,
		RefreshToken:      grant.RefreshToken,
		CanSendMail:       hasScope(grant.Scopes, provider.ScopeMailSend),
	})
	if err != nil {
		return nil, fmt.Errorf("store linked account: %w", err)
	}
	o.log.WithFields(logrus.Fields{"account_id": account.ID, "user_id": userID}).Info("account linked")

	if err := o.syncAccountCalendars(ctx, account, grant.AccessToken, kindLink, true); err != nil {
		return account, err
	}
	return account, nil
}

func hasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// SyncCalendarList re-enumerates the account's calendars: new ones are added
// and synced, vanished ones removed.
func (o *Orchestrator) SyncCalendarList(ctx context.Context, accountID int64) error {
	account, err := o.store.LinkedAccounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnlinked
		}
		return fmt.Errorf("load account: %w", err)
	}
	if account.NeedsReauth {
		return ErrReauthRequired
	}
	token, err := o.accessToken(ctx, account)
	if err != nil {
		return o.settle(ctx, account, nil, err)
	}
	return o.syncAccountCalendars(ctx, account, token, kindList, false)
}

// syncAccountCalendars refreshes calendar metadata under the account's list
// pass, then syncs calendars one by one. With all unset only calendars that
// were not known before are synced.
func (o *Orchestrator) syncAccountCalendars(ctx context.Context, account *store.LinkedAccount, token *oauth2.Token, kind string, all bool) error {
	lctx, release, ok, err := o.acquire(ctx, passKey{list: true, id: account.ID}, account.ID)
	if err != nil {
		return err
	}
	if !ok {
		metrics.IncRefreshCoalesced()
		return nil
	}
	start := time.Now()
	targets, err := o.syncList(lctx, account, token, all)
	release()
	if err != nil {
		err = o.settle(ctx, account, nil, err)
		metrics.ObserveSyncPass(kindList, resultLabel(err), start)
		return err
	}
	metrics.ObserveSyncPass(kindList, "ok", start)

	var firstErr error
	for _, id := range targets {
		_, err := o.calendarPass(ctx, account, id, staticToken(token), kind, 0)
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if errors.Is(err, ErrReauthRequired) || errors.Is(err, ErrUnlinked) {
			break
		}
	}
	return firstErr
}

func (o *Orchestrator) syncList(ctx context.Context, account *store.LinkedAccount, token *oauth2.Token, all bool) ([]int64, error) {
	log := o.log.WithField("account_id", account.ID)

	existing, err := o.store.Calendars.ListByAccount(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		known[c.ProviderCalendarID] = struct{}{}
	}

	list, err := call(ctx, o, func(ctx context.Context) (*provider.CalendarList, error) {
		return o.provider.ListCalendars(ctx, token)
	})
	if err != nil {
		return nil, err
	}

	var (
		keep    []string
		targets []int64
	)
	for _, entry := range list.Items {
		if entry == nil || entry.Id == "" {
			continue
		}
		cal, err := o.store.Calendars.UpsertFromProvider(ctx, store.Calendar{
			LinkedAccountID:    account.ID,
			UserID:             account.UserID,
			ProviderCalendarID: entry.Id,
			Summary:            entry.Summary,
			TimeZone:           entry.TimeZone,
			AccessRole:         entry.AccessRole,
			BackgroundColor:    entry.BackgroundColor,
			ForegroundColor:    entry.ForegroundColor,
			Primary:            entry.Primary,
			SyncRelevant:       entry.AccessRole != store.AccessRoleFreeBusyReader,
		})
		if err != nil {
			return nil, err
		}
		keep = append(keep, entry.Id)
		if !cal.SyncRelevant {
			continue
		}
		if _, ok := known[entry.Id]; all || !ok {
			targets = append(targets, cal.ID)
		}
	}

	if len(keep) == 0 {
		log.Warn("provider returned no calendars; keeping stored ones")
	} else {
		removed, err := o.store.Calendars.DeleteMissing(ctx, account.ID, keep)
		if err != nil {
			return nil, err
		}
		if removed > 0 {
			log.WithField("removed", removed).Info("removed calendars no longer present upstream")
			if err := o.store.Events.NotifyChanged(ctx, account.UserID); err != nil {
				log.WithError(err).Warn("notify subscribers")
			}
		}
	}

	if err := o.ensureListWatch(ctx, log, account, token, 0); err != nil {
		return nil, err
	}
	return targets, nil
}

// ensureListWatch keeps a calendar-list channel alive. Only an unauthorized
// grant or cancellation is fatal.
func (o *Orchestrator) ensureListWatch(ctx context.Context, log logrus.FieldLogger, account *store.LinkedAccount, token *oauth2.Token, within time.Duration) error {
	current, err := o.registry.ListWatch(ctx, account.ID)
	if err != nil {
		return err
	}
	if !NeedsRenewal(current, o.opts.Now(), within) {
		return nil
	}
	channelToken, err := o.signer.Sign(Target{AccountID: account.ID, UserID: account.UserID, List: true})
	if err != nil {
		return err
	}
	w, err := call(ctx, o, func(ctx context.Context) (*provider.Watch, error) {
		return o.provider.RegisterWatch(ctx, token, provider.CalendarListResource, channelToken)
	})
	if err != nil {
		if provider.IsUnauthorized(err) || errors.Is(err, context.Canceled) {
			return err
		}
		metrics.IncWatchRegistration("failed")
		log.WithError(err).Warn("calendar list watch registration failed")
		return nil
	}
	metrics.IncWatchRegistration("ok")
	if err := o.registry.RecordList(ctx, account.ID, w); err != nil {
		return err
	}
	if current.HasChannel() {
		if err := o.provider.StopWatch(ctx, token, current.ChannelID, current.ResourceID); err != nil {
			log.WithError(err).Debug("stop replaced list channel")
		}
	}
	return nil
}

// PollAll refreshes every syncable calendar, a bounded number of accounts at
// a time. Each account gets its own deadline so one stuck account cannot
// stall the batch.
func (o *Orchestrator) PollAll(ctx context.Context) error {
	cals, err := o.store.Calendars.ListSyncable(ctx)
	if err != nil {
		return fmt.Errorf("list syncable calendars: %w", err)
	}
	o.forEachAccount(ctx, cals, kindPoll, 0)
	return ctx.Err()
}

// RenewWatches re-registers channels expiring within RenewBefore. New
// channels start from a full fetch.
func (o *Orchestrator) RenewWatches(ctx context.Context) error {
	cals, err := o.store.Calendars.ListWatchesExpiringBefore(ctx, o.opts.Now().Add(o.opts.RenewBefore))
	if err != nil {
		return fmt.Errorf("list expiring watches: %w", err)
	}
	o.forEachAccount(ctx, cals, kindRenew, o.opts.RenewBefore)
	return ctx.Err()
}

func (o *Orchestrator) forEachAccount(ctx context.Context, cals []store.Calendar, kind string, renewWithin time.Duration) {
	var (
		order  []int64
		groups = make(map[int64][]int64)
	)
	for _, c := range cals {
		if _, ok := groups[c.LinkedAccountID]; !ok {
			order = append(order, c.LinkedAccountID)
		}
		groups[c.LinkedAccountID] = append(groups[c.LinkedAccountID], c.ID)
	}

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, accountID := range order {
		accountID := accountID
		ids := groups[accountID]
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, o.opts.AccountTimeout)
			defer cancel()
			o.pollAccount(actx, accountID, ids, kind, renewWithin)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) pollAccount(ctx context.Context, accountID int64, calendarIDs []int64, kind string, renewWithin time.Duration) {
	log := o.log.WithFields(logrus.Fields{"account_id": accountID, "kind": kind})
	account, err := o.store.LinkedAccounts.GetByID(ctx, accountID)
	if err != nil {
		log.WithError(err).Debug("skip account")
		return
	}
	if account.NeedsReauth {
		return
	}
	token, err := o.accessToken(ctx, account)
	if err != nil {
		err = o.settle(ctx, account, calendarIDs, err)
		log.WithError(err).Warn("access token refresh failed")
		return
	}
	if err := o.ensureListWatch(ctx, log, account, token, renewWithin); err != nil {
		if settled := o.settle(ctx, account, nil, err); errors.Is(settled, ErrReauthRequired) {
			o.markCalendars(context.WithoutCancel(ctx), log, calendarIDs, store.SyncStatusReauthRequired, "")
			return
		}
	}

	var synced, coalesced int
	for _, id := range calendarIDs {
		res, err := o.calendarPass(ctx, account, id, staticToken(token), kind, renewWithin)
		if err != nil {
			if errors.Is(err, ErrReauthRequired) || errors.Is(err, ErrUnlinked) {
				log.WithError(err).Warn("account pass stopped")
				return
			}
			continue
		}
		if res.Coalesced {
			coalesced++
			continue
		}
		synced++
	}
	log.WithFields(logrus.Fields{"synced": synced, "coalesced": coalesced}).Debug("account pass finished")
}

// Unlink removes a linked account owned by userID. Running passes for the
// account are cancelled and channels are stopped on a best-effort basis;
// anything a pass writes afterwards is rejected by the cascade.
func (o *Orchestrator) Unlink(ctx context.Context, userID, accountID int64) error {
	account, err := o.store.LinkedAccounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account.UserID != userID {
		return store.ErrNotFound
	}
	log := o.log.WithField("account_id", accountID)

	o.mu.Lock()
	o.unlinking[accountID] = struct{}{}
	for _, p := range o.inflight {
		if p.accountID == accountID {
			p.cancel()
		}
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.unlinking, accountID)
		o.mu.Unlock()
	}()

	o.stopChannels(ctx, log, account)

	if err := o.store.LinkedAccounts.Delete(ctx, userID, accountID); err != nil {
		return fmt.Errorf("delete linked account: %w", err)
	}
	log.Info("account unlinked")
	if err := o.store.Events.NotifyChanged(ctx, userID); err != nil {
		log.WithError(err).Warn("notify subscribers")
	}
	return nil
}

func (o *Orchestrator) stopChannels(ctx context.Context, log logrus.FieldLogger, account *store.LinkedAccount) {
	if account.NeedsReauth {
		return
	}
	var channels []store.WatchState
	cals, err := o.store.Calendars.ListByAccount(ctx, account.ID)
	if err != nil {
		log.WithError(err).Warn("list calendars for unlink")
	}
	for _, c := range cals {
		if c.Watch.HasChannel() {
			channels = append(channels, c.Watch)
		}
	}
	if lw, err := o.registry.ListWatch(ctx, account.ID); err == nil && lw.HasChannel() {
		channels = append(channels, lw)
	}
	if len(channels) == 0 {
		return
	}

	at, err := o.provider.RefreshAccessToken(ctx, account.RefreshToken)
	if err != nil {
		log.WithError(err).Info("cannot stop channels; they will expire on their own")
		return
	}
	for _, w := range channels {
		if err := o.provider.StopWatch(ctx, at.Token, w.ChannelID, w.ResourceID); err != nil {
			log.WithError(err).WithField("channel_id", w.ChannelID).Debug("stop channel")
		}
	}
}

// SetRelevance toggles whether a calendar takes part in sync. Turning it on
// starts a refresh right away.
func (o *Orchestrator) SetRelevance(ctx context.Context, userID, calendarID int64, relevant bool) error {
	if err := o.store.Calendars.SetRelevance(ctx, userID, calendarID, relevant); err != nil {
		return err
	}
	if err := o.store.Events.NotifyChanged(ctx, userID); err != nil {
		o.log.WithError(err).WithField("calendar_id", calendarID).Warn("notify subscribers")
	}
	if !relevant {
		return nil
	}
	cal, err := o.store.Calendars.GetByID(ctx, calendarID)
	if err != nil {
		return err
	}
	o.Trigger(Target{AccountID: cal.LinkedAccountID, CalendarID: cal.ID, UserID: userID})
	return nil
}
