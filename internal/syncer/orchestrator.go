// Package syncer keeps linked calendars in step with the provider.
//
// Every pass over a calendar goes through the Orchestrator, which holds at
// most one pass per calendar at a time. A request for a calendar that is
// already being refreshed is coalesced: it returns immediately and the
// running pass picks up the change.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/vault"
)

var (
	// ErrReauthRequired means the provider rejected the account's grant.
	ErrReauthRequired = errors.New("linked account needs re-authentication")
	// ErrDegraded means the pass gave up after retrying transient failures.
	// Stored data is left untouched.
	ErrDegraded = errors.New("sync degraded")
	// ErrUnlinked means the account or calendar disappeared during the pass.
	ErrUnlinked = errors.New("linked account was removed")
	// ErrNoRefreshToken is returned by Link when the provider did not issue
	// an offline grant.
	ErrNoRefreshToken = errors.New("provider did not return a refresh token")
)

// Provider is the part of provider.Client the orchestrator drives.
type Provider interface {
	Exchange(ctx context.Context, code string) (*provider.Grant, error)
	RefreshAccessToken(ctx context.Context, secret vault.EncryptedSecret) (*provider.AccessToken, error)
	ListCalendars(ctx context.Context, token *oauth2.Token) (*provider.CalendarList, error)
	ListEvents(ctx context.Context, token *oauth2.Token, calendarID, syncToken string) (*provider.EventPage, error)
	RegisterWatch(ctx context.Context, token *oauth2.Token, resourceID, channelToken string) (*provider.Watch, error)
	StopWatch(ctx context.Context, token *oauth2.Token, channelID, resourceID string) error
}

type Options struct {
	// MaxRetries bounds retries of transient provider failures per call.
	MaxRetries int
	RetryBase  time.Duration
	// AccountTimeout caps one account's share of a batch job.
	AccountTimeout time.Duration
	Concurrency    int
	// RenewBefore is how far ahead of expiration RenewWatches re-registers channels.
	RenewBefore time.Duration
	Now         func() time.Time
	Logger      logrus.FieldLogger
}

func (o *Options) defaults() {
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.AccountTimeout <= 0 {
		o.AccountTimeout = 2 * time.Minute
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.RenewBefore <= 0 {
		o.RenewBefore = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = l
	}
}

// Pass kinds used as the metrics label.
const (
	kindRefresh = "refresh"
	kindPoll    = "poll"
	kindLink    = "link"
	kindRenew   = "renew"
	kindList    = "calendar_list"
)

// Result summarises one calendar pass.
type Result struct {
	CalendarID int64
	State      State
	Coalesced  bool
	Full       bool
	Upserted   int
	Deleted    int
	Skipped    int
}

func (r Result) changed() bool {
	return r.Upserted > 0 || r.Deleted > 0
}

type passKey struct {
	list bool
	id   int64
}

type pass struct {
	accountID int64
	cancel    context.CancelFunc
}

type Orchestrator struct {
	store    *store.Store
	registry *WatchRegistry
	provider Provider
	signer   *ChannelSigner
	opts     Options
	log      logrus.FieldLogger

	mu        sync.Mutex
	inflight  map[passKey]*pass
	unlinking map[int64]struct{}
	closed    bool

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(st *store.Store, p Provider, signer *ChannelSigner, opts Options) *Orchestrator {
	opts.defaults()
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     st,
		registry:  NewWatchRegistry(st),
		provider:  p,
		signer:    signer,
		opts:      opts,
		log:       opts.Logger,
		inflight:  make(map[passKey]*pass),
		unlinking: make(map[int64]struct{}),
		base:      base,
		stop:      stop,
	}
}

// Registry exposes the watch registry backing the orchestrator.
func (o *Orchestrator) Registry() *WatchRegistry { return o.registry }

// Close cancels background passes started by Trigger and waits for them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()
	o.wg.Wait()
}

// acquire registers a pass for key. It returns false when one is already
// running. The returned context is cancelled by Unlink.
func (o *Orchestrator) acquire(ctx context.Context, key passKey, accountID int64) (context.Context, func(), bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, gone := o.unlinking[accountID]; gone {
		return nil, nil, false, ErrUnlinked
	}
	if _, busy := o.inflight[key]; busy {
		return nil, nil, false, nil
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &pass{accountID: accountID, cancel: cancel}
	o.inflight[key] = p
	release := func() {
		cancel()
		o.mu.Lock()
		if o.inflight[key] == p {
			delete(o.inflight, key)
		}
		o.mu.Unlock()
	}
	return pctx, release, true, nil
}

func (o *Orchestrator) busy(key passKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[key]
	return ok
}

func (o *Orchestrator) backoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(o.opts.MaxRetries), retry.NewExponential(o.opts.RetryBase))
}

// call runs a provider call, retrying it while it fails transiently.
func call[T any](ctx context.Context, o *Orchestrator, fn func(context.Context) (T, error)) (T, error) {
	return retry.DoValue(ctx, o.backoff(), func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil && provider.IsTransient(err) {
			return v, retry.RetryableError(err)
		}
		return v, err
	})
}

// accessToken exchanges the stored refresh token and persists a rotated one.
func (o *Orchestrator) accessToken(ctx context.Context, account *store.LinkedAccount) (*oauth2.Token, error) {
	at, err := call(ctx, o, func(ctx context.Context) (*provider.AccessToken, error) {
		return o.provider.RefreshAccessToken(ctx, account.RefreshToken)
	})
	if err != nil {
		return nil, err
	}
	if at.Rotated != nil {
		if err := o.store.LinkedAccounts.UpdateRefreshToken(ctx, account.ID, *at.Rotated); err != nil {
			return nil, fmt.Errorf("store rotated refresh token: %w", err)
		}
		account.RefreshToken = *at.Rotated
	}
	return at.Token, nil
}

// Refresh runs one pass over a calendar. A pass already running for the
// calendar makes this call return immediately with Coalesced set.
func (o *Orchestrator) Refresh(ctx context.Context, calendarID int64) (Result, error) {
	res := Result{CalendarID: calendarID}
	if o.busy(passKey{id: calendarID}) {
		metrics.IncRefreshCoalesced()
		res.Coalesced, res.State = true, StateRefreshing
		return res, nil
	}
	cal, err := o.store.Calendars.GetByID(ctx, calendarID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return res, ErrUnlinked
		}
		return res, fmt.Errorf("load calendar: %w", err)
	}
	account, err := o.store.LinkedAccounts.GetByID(ctx, cal.LinkedAccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return res, ErrUnlinked
		}
		return res, fmt.Errorf("load account: %w", err)
	}
	if account.NeedsReauth {
		return res, ErrReauthRequired
	}

	return o.calendarPass(ctx, account, cal.ID, func(ctx context.Context) (*oauth2.Token, error) {
		return o.accessToken(ctx, account)
	}, kindRefresh, 0)
}

// Trigger refreshes target in the background.
func (o *Orchestrator) Trigger(t Target) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(o.base, o.opts.AccountTimeout)
		defer cancel()
		log := o.log.WithField("account_id", t.AccountID)
		if t.List {
			if err := o.SyncCalendarList(ctx, t.AccountID); err != nil {
				log.WithError(err).Warn("calendar list sync failed")
			}
			return
		}
		res, err := o.Refresh(ctx, t.CalendarID)
		if err != nil {
			log.WithError(err).WithField("calendar_id", t.CalendarID).Warn("triggered refresh failed")
			return
		}
		log.WithFields(logrus.Fields{
			"calendar_id": t.CalendarID,
			"coalesced":   res.Coalesced,
			"upserted":    res.Upserted,
			"deleted":     res.Deleted,
		}).Debug("triggered refresh finished")
	}()
}

// Notification is a push message from the provider.
type Notification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
	Token         string
}

// ResourceStateSync is sent once when a channel is created.
const ResourceStateSync = "sync"

// HandleNotification verifies a push message and starts a refresh of the
// watched resource. The initial sync handshake is acknowledged without a pass.
func (o *Orchestrator) HandleNotification(ctx context.Context, n Notification) (Target, error) {
	target, err := o.registry.Lookup(ctx, n.ChannelID, n.ResourceID)
	if err != nil {
		return Target{}, err
	}
	if err := o.signer.Verify(n.Token, target); err != nil {
		return Target{}, err
	}
	if n.ResourceState == ResourceStateSync {
		return target, nil
	}
	o.Trigger(target)
	return target, nil
}

// settle classifies a failed pass, records the outcome on the affected
// calendars and returns one of ErrReauthRequired, ErrDegraded or ErrUnlinked.
func (o *Orchestrator) settle(ctx context.Context, account *store.LinkedAccount, calendarIDs []int64, err error) error {
	log := o.log.WithField("account_id", account.ID)
	if discarded(err) {
		log.WithError(err).Debug("sync pass discarded")
		return fmt.Errorf("%w: %w", ErrUnlinked, err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if provider.IsUnauthorized(err) || unreadableGrant(err) {
		log.WithError(err).Warn("grant rejected or unreadable; account needs re-authentication")
		if serr := o.store.LinkedAccounts.SetNeedsReauth(wctx, account.ID, true); serr != nil && !discarded(serr) {
			log.WithError(serr).Error("flag account for re-authentication")
		}
		account.NeedsReauth = true
		o.markCalendars(wctx, log, calendarIDs, store.SyncStatusReauthRequired, "")
		return fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}

	log.WithError(err).Warn("sync degraded")
	o.markCalendars(wctx, log, calendarIDs, store.SyncStatusDegraded, err.Error())
	return fmt.Errorf("%w: %w", ErrDegraded, err)
}

// unreadableGrant reports a stored refresh token that no longer decrypts.
// Retrying it cannot succeed.
func unreadableGrant(err error) bool {
	return errors.Is(err, vault.ErrAuthenticationFailed) || errors.Is(err, vault.ErrMalformedSecret)
}

func (o *Orchestrator) markCalendars(ctx context.Context, log logrus.FieldLogger, ids []int64, status store.SyncStatus, message string) {
	for _, id := range ids {
		if err := o.store.Calendars.UpdateSyncStatus(ctx, id, status, message); err != nil && !discarded(err) {
			log.WithError(err).WithField("calendar_id", id).Error("update sync status")
		}
	}
}

// discarded reports errors that mean the pass lost a race with unlinking or
// shutdown. Their results are thrown away.
func discarded(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, store.ErrParentGone) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, ErrUnlinked)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReauthRequired):
		return "reauth_required"
	case errors.Is(err, ErrUnlinked):
		return "discarded"
	default:
		return "degraded"
	}
}
