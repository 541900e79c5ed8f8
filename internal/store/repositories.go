package store

import (
	"context"
	"time"

	"gitea.jw6.us/james/calsync/internal/vault"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	UpsertOAuthUser(ctx context.Context, subject, email string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
}

// LinkedAccountRepository handles linked provider accounts.
type LinkedAccountRepository interface {
	// Upsert inserts or updates by (user, provider, provider account id).
	Upsert(ctx context.Context, account LinkedAccount) (*LinkedAccount, error)
	GetByID(ctx context.Context, id int64) (*LinkedAccount, error)
	ListByUser(ctx context.Context, userID int64) ([]LinkedAccount, error)
	UpdateRefreshToken(ctx context.Context, id int64, secret vault.EncryptedSecret) error
	SetNeedsReauth(ctx context.Context, id int64, needsReauth bool) error
	// Delete removes the account and cascades to its calendars, watches and events.
	Delete(ctx context.Context, userID, id int64) error
}

// CalendarRepository handles calendars and their embedded watch state.
type CalendarRepository interface {
	// UpsertFromProvider refreshes provider metadata. Access role and the
	// initial relevance are only written on insert; watch state is never touched.
	UpsertFromProvider(ctx context.Context, cal Calendar) (*Calendar, error)
	GetByID(ctx context.Context, id int64) (*Calendar, error)
	ListByAccount(ctx context.Context, accountID int64) ([]Calendar, error)
	// ListSyncable returns relevant calendars of accounts that do not need re-authentication.
	ListSyncable(ctx context.Context) ([]Calendar, error)
	ListWatchesExpiringBefore(ctx context.Context, before time.Time) ([]Calendar, error)
	FindByWatch(ctx context.Context, channelID, resourceID string) (*Calendar, error)
	// DeleteMissing removes account calendars whose provider id is not in keep.
	DeleteMissing(ctx context.Context, accountID int64, keep []string) (int64, error)
	SetRelevance(ctx context.Context, userID, id int64, relevant bool) error
	SaveWatch(ctx context.Context, id int64, watch WatchState, needsPolling bool) error
	SaveSyncTokens(ctx context.Context, id int64, last, next string) error
	ClearSyncTokens(ctx context.Context, id int64) error
	UpdateSyncStatus(ctx context.Context, id int64, status SyncStatus, message string) error
	UpdateEventCount(ctx context.Context, id int64) error
}

// CalendarListWatchRepository tracks the per-account calendar-list channel.
type CalendarListWatchRepository interface {
	Get(ctx context.Context, accountID int64) (*WatchState, error)
	Save(ctx context.Context, accountID int64, watch WatchState) error
	FindByWatch(ctx context.Context, channelID, resourceID string) (int64, error)
}

// EventRepository handles event storage keyed by (calendar, external event id).
type EventRepository interface {
	Upsert(ctx context.Context, event Event) (*Event, error)
	DeleteByExternalID(ctx context.Context, calendarID int64, externalID string) error
	GetByExternalID(ctx context.Context, calendarID int64, externalID string) (*Event, error)
	ListRange(ctx context.Context, r EventRange) ([]Event, error)
	ListForCalendar(ctx context.Context, calendarID int64) ([]Event, error)
	// NotifyChanged signals subscribers that a user's events changed.
	NotifyChanged(ctx context.Context, userID int64) error
}
