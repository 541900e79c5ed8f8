package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"gitea.jw6.us/james/calsync/internal/vault"
)

// EventsChannel is the PostgreSQL NOTIFY channel carrying changed user ids.
const EventsChannel = "calsync_events"

// userRepo implements UserRepository.
type userRepo struct {
	pool dbPool
}

func (r *userRepo) UpsertOAuthUser(ctx context.Context, subject, email string) (*User, error) {
	defer observeDB(ctx, "users.upsert")()
	const q = `INSERT INTO users (oauth_subject, primary_email, last_login_at)
VALUES ($1, $2, NOW())
ON CONFLICT (oauth_subject) DO UPDATE SET primary_email = EXCLUDED.primary_email, last_login_at = NOW()
RETURNING id, oauth_subject, primary_email, created_at, last_login_at`
	var u User
	if err := r.pool.QueryRow(ctx, q, subject, email).Scan(&u.ID, &u.OAuthSubject, &u.PrimaryEmail, &u.CreatedAt, &u.LastLoginAt); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return &u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "users.get")()
	const q = `SELECT id, oauth_subject, primary_email, created_at, last_login_at FROM users WHERE id=$1`
	var u User
	if err := r.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.OAuthSubject, &u.PrimaryEmail, &u.CreatedAt, &u.LastLoginAt); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// linkedAccountRepo implements LinkedAccountRepository.
type linkedAccountRepo struct {
	pool dbPool
}

const linkedAccountColumns = `id, user_id, provider, provider_account_id, email, scopes, refresh_token, can_send_mail, needs_reauth, created_at, updated_at`

func scanLinkedAccount(row pgx.Row) (*LinkedAccount, error) {
	var (
		a     LinkedAccount
		token []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderAccountID, &a.Email, &a.Scopes, &token, &a.CanSendMail, &a.NeedsReauth, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if len(token) > 0 {
		if err := json.Unmarshal(token, &a.RefreshToken); err != nil {
			return nil, fmt.Errorf("decode refresh token: %w", err)
		}
	}
	return &a, nil
}

func (r *linkedAccountRepo) Upsert(ctx context.Context, account LinkedAccount) (*LinkedAccount, error) {
	defer observeDB(ctx, "linked_accounts.upsert")()
	token, err := json.Marshal(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encode refresh token: %w", err)
	}
	q := `INSERT INTO linked_accounts (user_id, provider, provider_account_id, email, scopes, refresh_token, can_send_mail, needs_reauth)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
ON CONFLICT (user_id, provider, provider_account_id) DO UPDATE SET
	email = EXCLUDED.email,
	scopes = EXCLUDED.scopes,
	refresh_token = EXCLUDED.refresh_token,
	can_send_mail = EXCLUDED.can_send_mail,
	needs_reauth = FALSE,
	updated_at = NOW()
RETURNING ` + linkedAccountColumns
	a, err := scanLinkedAccount(r.pool.QueryRow(ctx, q, account.UserID, account.Provider, account.ProviderAccountID, account.Email, account.Scopes, token, account.CanSendMail))
	if err != nil {
		return nil, fmt.Errorf("upsert linked account: %w", err)
	}
	return a, nil
}

func (r *linkedAccountRepo) GetByID(ctx context.Context, id int64) (*LinkedAccount, error) {
	defer observeDB(ctx, "linked_accounts.get")()
	a, err := scanLinkedAccount(r.pool.QueryRow(ctx, `SELECT `+linkedAccountColumns+` FROM linked_accounts WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (r *linkedAccountRepo) ListByUser(ctx context.Context, userID int64) ([]LinkedAccount, error) {
	defer observeDB(ctx, "linked_accounts.list")()
	rows, err := r.pool.Query(ctx, `SELECT `+linkedAccountColumns+` FROM linked_accounts WHERE user_id=$1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	defer rows.Close()

	var out []LinkedAccount
	for rows.Next() {
		a, err := scanLinkedAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan linked account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *linkedAccountRepo) UpdateRefreshToken(ctx context.Context, id int64, secret vault.EncryptedSecret) error {
	defer observeDB(ctx, "linked_accounts.rotate_token")()
	token, err := json.Marshal(secret)
	if err != nil {
		return fmt.Errorf("encode refresh token: %w", err)
	}
	return execOne(ctx, r.pool, `UPDATE linked_accounts SET refresh_token=$2, updated_at=NOW() WHERE id=$1`, id, token)
}

func (r *linkedAccountRepo) SetNeedsReauth(ctx context.Context, id int64, needsReauth bool) error {
	defer observeDB(ctx, "linked_accounts.needs_reauth")()
	return execOne(ctx, r.pool, `UPDATE linked_accounts SET needs_reauth=$2, updated_at=NOW() WHERE id=$1`, id, needsReauth)
}

func (r *linkedAccountRepo) Delete(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "linked_accounts.delete")()
	return execOne(ctx, r.pool, `DELETE FROM linked_accounts WHERE id=$1 AND user_id=$2`, id, userID)
}

// calendarRepo implements CalendarRepository.
type calendarRepo struct {
	pool dbPool
}

const calendarColumns = `c.id, c.linked_account_id, c.user_id, c.provider_calendar_id, c.summary, c.time_zone, c.access_role,
	c.background_color, c.foreground_color, c.is_primary, c.sync_relevant, c.event_count, c.needs_polling,
	c.sync_status, c.sync_error, c.watch_channel_id, c.watch_resource_id, c.watch_expiration,
	c.last_sync_token, c.next_sync_token, c.last_synced_at, c.created_at`

func scanCalendar(row pgx.Row) (*Calendar, error) {
	var (
		c          Calendar
		status     string
		expiration *time.Time
	)
	if err := row.Scan(&c.ID, &c.LinkedAccountID, &c.UserID, &c.ProviderCalendarID, &c.Summary, &c.TimeZone, &c.AccessRole,
		&c.BackgroundColor, &c.ForegroundColor, &c.Primary, &c.SyncRelevant, &c.EventCount, &c.NeedsPolling,
		&status, &c.SyncError, &c.Watch.ChannelID, &c.Watch.ResourceID, &expiration,
		&c.Watch.LastSyncToken, &c.Watch.NextSyncToken, &c.LastSyncedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.SyncStatus = SyncStatus(status)
	if expiration != nil {
		c.Watch.Expiration = *expiration
	}
	return &c, nil
}

func collectCalendars(rows pgx.Rows) ([]Calendar, error) {
	defer rows.Close()
	var out []Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *calendarRepo) UpsertFromProvider(ctx context.Context, cal Calendar) (*Calendar, error) {
	defer observeDB(ctx, "calendars.upsert")()
	q := `WITH upserted AS (
	INSERT INTO calendars AS c (linked_account_id, user_id, provider_calendar_id, summary, time_zone, access_role, background_color, foreground_color, is_primary, sync_relevant)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (linked_account_id, provider_calendar_id) DO UPDATE SET
		summary = EXCLUDED.summary,
		time_zone = EXCLUDED.time_zone,
		background_color = EXCLUDED.background_color,
		foreground_color = EXCLUDED.foreground_color,
		is_primary = EXCLUDED.is_primary
	RETURNING *
)
SELECT ` + calendarColumns + ` FROM upserted c`
	c, err := scanCalendar(r.pool.QueryRow(ctx, q, cal.LinkedAccountID, cal.UserID, cal.ProviderCalendarID, cal.Summary, cal.TimeZone,
		cal.AccessRole, cal.BackgroundColor, cal.ForegroundColor, cal.Primary, cal.SyncRelevant))
	if err != nil {
		return nil, fmt.Errorf("upsert calendar: %w", mapWriteError(err))
	}
	return c, nil
}

func (r *calendarRepo) GetByID(ctx context.Context, id int64) (*Calendar, error) {
	defer observeDB(ctx, "calendars.get")()
	c, err := scanCalendar(r.pool.QueryRow(ctx, `SELECT `+calendarColumns+` FROM calendars c WHERE c.id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *calendarRepo) ListByAccount(ctx context.Context, accountID int64) ([]Calendar, error) {
	defer observeDB(ctx, "calendars.list")()
	rows, err := r.pool.Query(ctx, `SELECT `+calendarColumns+` FROM calendars c WHERE c.linked_account_id=$1 ORDER BY c.is_primary DESC, c.id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	return collectCalendars(rows)
}

func (r *calendarRepo) ListSyncable(ctx context.Context) ([]Calendar, error) {
	defer observeDB(ctx, "calendars.list_syncable")()
	rows, err := r.pool.Query(ctx, `SELECT `+calendarColumns+` FROM calendars c
JOIN linked_accounts a ON a.id = c.linked_account_id
WHERE c.sync_relevant AND NOT a.needs_reauth
ORDER BY c.linked_account_id, c.id`)
	if err != nil {
		return nil, fmt.Errorf("list syncable calendars: %w", err)
	}
	return collectCalendars(rows)
}

func (r *calendarRepo) ListWatchesExpiringBefore(ctx context.Context, before time.Time) ([]Calendar, error) {
	defer observeDB(ctx, "calendars.list_expiring")()
	rows, err := r.pool.Query(ctx, `SELECT `+calendarColumns+` FROM calendars c
JOIN linked_accounts a ON a.id = c.linked_account_id
WHERE c.sync_relevant AND NOT a.needs_reauth
	AND (c.watch_expiration IS NULL OR c.watch_expiration < $1)
ORDER BY c.linked_account_id, c.id`, before)
	if err != nil {
		return nil, fmt.Errorf("list expiring watches: %w", err)
	}
	return collectCalendars(rows)
}

func (r *calendarRepo) FindByWatch(ctx context.Context, channelID, resourceID string) (*Calendar, error) {
	defer observeDB(ctx, "calendars.find_by_watch")()
	c, err := scanCalendar(r.pool.QueryRow(ctx, `SELECT `+calendarColumns+` FROM calendars c
WHERE c.watch_channel_id=$1 AND c.watch_resource_id=$2`, channelID, resourceID))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *calendarRepo) DeleteMissing(ctx context.Context, accountID int64, keep []string) (int64, error) {
	defer observeDB(ctx, "calendars.delete_missing")()
	if keep == nil {
		keep = []string{}
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM calendars WHERE linked_account_id=$1 AND NOT (provider_calendar_id = ANY($2))`, accountID, keep)
	if err != nil {
		return 0, fmt.Errorf("delete missing calendars: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *calendarRepo) SetRelevance(ctx context.Context, userID, id int64, relevant bool) error {
	defer observeDB(ctx, "calendars.set_relevance")()
	return execOne(ctx, r.pool, `UPDATE calendars SET sync_relevant=$3 WHERE id=$1 AND user_id=$2`, id, userID, relevant)
}

func (r *calendarRepo) SaveWatch(ctx context.Context, id int64, watch WatchState, needsPolling bool) error {
	defer observeDB(ctx, "calendars.save_watch")()
	return execOne(ctx, r.pool, `UPDATE calendars SET
	watch_channel_id=$2, watch_resource_id=$3, watch_expiration=$4,
	last_sync_token=$5, next_sync_token=$6, needs_polling=$7
WHERE id=$1`, id, watch.ChannelID, watch.ResourceID, nullTime(watch.Expiration), watch.LastSyncToken, watch.NextSyncToken, needsPolling)
}

func (r *calendarRepo) SaveSyncTokens(ctx context.Context, id int64, last, next string) error {
	defer observeDB(ctx, "calendars.save_tokens")()
	return execOne(ctx, r.pool, `UPDATE calendars SET last_sync_token=$2, next_sync_token=$3, last_synced_at=NOW() WHERE id=$1`, id, last, next)
}

func (r *calendarRepo) ClearSyncTokens(ctx context.Context, id int64) error {
	defer observeDB(ctx, "calendars.clear_tokens")()
	return execOne(ctx, r.pool, `UPDATE calendars SET last_sync_token='', next_sync_token='' WHERE id=$1`, id)
}

func (r *calendarRepo) UpdateSyncStatus(ctx context.Context, id int64, status SyncStatus, message string) error {
	defer observeDB(ctx, "calendars.sync_status")()
	return execOne(ctx, r.pool, `UPDATE calendars SET sync_status=$2, sync_error=$3 WHERE id=$1`, id, string(status), message)
}

func (r *calendarRepo) UpdateEventCount(ctx context.Context, id int64) error {
	defer observeDB(ctx, "calendars.event_count")()
	return execOne(ctx, r.pool, `UPDATE calendars SET event_count=(SELECT COUNT(*) FROM events WHERE calendar_id=$1) WHERE id=$1`, id)
}

// calendarListWatchRepo implements CalendarListWatchRepository.
type calendarListWatchRepo struct {
	pool dbPool
}

func (r *calendarListWatchRepo) Get(ctx context.Context, accountID int64) (*WatchState, error) {
	defer observeDB(ctx, "calendar_list_watches.get")()
	var (
		w          WatchState
		expiration *time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT channel_id, resource_id, expiration, last_sync_token, next_sync_token
FROM calendar_list_watches WHERE linked_account_id=$1`, accountID).Scan(&w.ChannelID, &w.ResourceID, &expiration, &w.LastSyncToken, &w.NextSyncToken)
	if err != nil {
		return nil, notFound(err)
	}
	if expiration != nil {
		w.Expiration = *expiration
	}
	return &w, nil
}

func (r *calendarListWatchRepo) Save(ctx context.Context, accountID int64, watch WatchState) error {
	defer observeDB(ctx, "calendar_list_watches.save")()
	const q = `INSERT INTO calendar_list_watches (linked_account_id, channel_id, resource_id, expiration, last_sync_token, next_sync_token)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (linked_account_id) DO UPDATE SET
	channel_id = EXCLUDED.channel_id,
	resource_id = EXCLUDED.resource_id,
	expiration = EXCLUDED.expiration,
	last_sync_token = EXCLUDED.last_sync_token,
	next_sync_token = EXCLUDED.next_sync_token`
	if _, err := r.pool.Exec(ctx, q, accountID, watch.ChannelID, watch.ResourceID, nullTime(watch.Expiration), watch.LastSyncToken, watch.NextSyncToken); err != nil {
		return fmt.Errorf("save calendar list watch: %w", mapWriteError(err))
	}
	return nil
}

func (r *calendarListWatchRepo) FindByWatch(ctx context.Context, channelID, resourceID string) (int64, error) {
	defer observeDB(ctx, "calendar_list_watches.find")()
	var accountID int64
	err := r.pool.QueryRow(ctx, `SELECT linked_account_id FROM calendar_list_watches WHERE channel_id=$1 AND resource_id=$2`, channelID, resourceID).Scan(&accountID)
	if err != nil {
		return 0, notFound(err)
	}
	return accountID, nil
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool dbPool
}

const eventColumns = `id, user_id, calendar_id, external_event_id, recurring_root_id, title, description, start_at, end_at,
	is_all_day, visibility, creator, organizer, attendees, location, event_type, recurrence, background_color, updated_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		e                             Event
		creator, organizer, attendees []byte
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.CalendarID, &e.ExternalEventID, &e.RecurringRootID, &e.Title, &e.Description, &e.Start, &e.End,
		&e.AllDay, &e.Visibility, &creator, &organizer, &attendees, &e.Location, &e.EventType, &e.Recurrence, &e.BackgroundColor, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if len(creator) > 0 && string(creator) != "null" {
		e.Creator = &Person{}
		if err := json.Unmarshal(creator, e.Creator); err != nil {
			return nil, fmt.Errorf("decode creator: %w", err)
		}
	}
	if len(organizer) > 0 && string(organizer) != "null" {
		e.Organizer = &Person{}
		if err := json.Unmarshal(organizer, e.Organizer); err != nil {
			return nil, fmt.Errorf("decode organizer: %w", err)
		}
	}
	if len(attendees) > 0 {
		if err := json.Unmarshal(attendees, &e.Attendees); err != nil {
			return nil, fmt.Errorf("decode attendees: %w", err)
		}
	}
	e.Start = e.Start.UTC()
	e.End = e.End.UTC()
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *eventRepo) Upsert(ctx context.Context, event Event) (*Event, error) {
	defer observeDB(ctx, "events.upsert")()
	creator, err := jsonOrNil(event.Creator)
	if err != nil {
		return nil, err
	}
	organizer, err := jsonOrNil(event.Organizer)
	if err != nil {
		return nil, err
	}
	attendees := event.Attendees
	if attendees == nil {
		attendees = []Attendee{}
	}
	attendeesJSON, err := json.Marshal(attendees)
	if err != nil {
		return nil, fmt.Errorf("encode attendees: %w", err)
	}
	recurrence := event.Recurrence
	if recurrence == nil {
		recurrence = []string{}
	}

	q := `INSERT INTO events (user_id, calendar_id, external_event_id, recurring_root_id, title, description, start_at, end_at,
	is_all_day, visibility, creator, organizer, attendees, location, event_type, recurrence, background_color)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (calendar_id, external_event_id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	recurring_root_id = EXCLUDED.recurring_root_id,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	start_at = EXCLUDED.start_at,
	end_at = EXCLUDED.end_at,
	is_all_day = EXCLUDED.is_all_day,
	visibility = EXCLUDED.visibility,
	creator = EXCLUDED.creator,
	organizer = EXCLUDED.organizer,
	attendees = EXCLUDED.attendees,
	location = EXCLUDED.location,
	event_type = EXCLUDED.event_type,
	recurrence = EXCLUDED.recurrence,
	background_color = EXCLUDED.background_color,
	updated_at = NOW()
RETURNING ` + eventColumns
	e, err := scanEvent(r.pool.QueryRow(ctx, q, event.UserID, event.CalendarID, event.ExternalEventID, event.RecurringRootID, event.Title,
		event.Description, event.Start, event.End, event.AllDay, event.Visibility, creator, organizer, attendeesJSON, event.Location,
		event.EventType, recurrence, event.BackgroundColor))
	if err != nil {
		return nil, fmt.Errorf("upsert event: %w", mapWriteError(err))
	}
	return e, nil
}

func (r *eventRepo) DeleteByExternalID(ctx context.Context, calendarID int64, externalID string) error {
	defer observeDB(ctx, "events.delete")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM events WHERE calendar_id=$1 AND external_event_id=$2`, calendarID, externalID); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

func (r *eventRepo) GetByExternalID(ctx context.Context, calendarID int64, externalID string) (*Event, error) {
	defer observeDB(ctx, "events.get")()
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE calendar_id=$1 AND external_event_id=$2`, calendarID, externalID))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (r *eventRepo) ListRange(ctx context.Context, rng EventRange) ([]Event, error) {
	defer observeDB(ctx, "events.list_range")()
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM events
WHERE user_id = ANY($1) AND start_at < $3 AND (end_at > $2 OR start_at >= $2)
	AND calendar_id IN (SELECT id FROM calendars WHERE sync_relevant)
ORDER BY start_at, id`, rng.UserIDs(), rng.From, rng.To)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

func (r *eventRepo) ListForCalendar(ctx context.Context, calendarID int64) ([]Event, error) {
	defer observeDB(ctx, "events.list_calendar")()
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE calendar_id=$1 ORDER BY start_at, id`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}
	return collectEvents(rows)
}

func (r *eventRepo) NotifyChanged(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "events.notify")()
	if _, err := r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, EventsChannel, strconv.FormatInt(userID, 10)); err != nil {
		return fmt.Errorf("notify events changed: %w", err)
	}
	return nil
}

func execOne(ctx context.Context, pool dbPool, q string, args ...any) error {
	tag, err := pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func jsonOrNil(p *Person) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode person: %w", err)
	}
	return b, nil
}
