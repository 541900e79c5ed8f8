package store

import (
	"time"

	"gitea.jw6.us/james/calsync/internal/vault"
)

// User represents a person authenticated via OAuth.
type User struct {
	ID           int64
	OAuthSubject string
	PrimaryEmail string
	CreatedAt    time.Time
	LastLoginAt  time.Time
}

// ProviderGoogle is the only provider currently linked.
const ProviderGoogle = "google"

// LinkedAccount is one OAuth-connected provider identity of a user.
type LinkedAccount struct {
	ID                int64
	UserID            int64
	Provider          string
	ProviderAccountID string
	Email             string
	Scopes            []string
	RefreshToken      vault.EncryptedSecret
	CanSendMail       bool
	NeedsReauth       bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasScope reports whether the account granted scope.
func (a LinkedAccount) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Access roles reported by the provider.
const (
	AccessRoleFreeBusyReader = "freeBusyReader"
	AccessRoleReader         = "reader"
	AccessRoleWriter         = "writer"
	AccessRoleOwner          = "owner"
)

// SyncStatus is the diagnostic state of a calendar's last sync pass.
type SyncStatus string

const (
	SyncStatusPending        SyncStatus = "pending"
	SyncStatusOK             SyncStatus = "ok"
	SyncStatusPolling        SyncStatus = "polling"
	SyncStatusDegraded       SyncStatus = "degraded"
	SyncStatusReauthRequired SyncStatus = "reauth_required"
)

// WatchState describes one provider push channel and the sync cursor bound to it.
// NextSyncToken is only valid for the channel identified by (ChannelID, ResourceID).
type WatchState struct {
	ChannelID     string
	ResourceID    string
	Expiration    time.Time
	LastSyncToken string
	NextSyncToken string
}

// HasChannel reports whether a push channel is registered.
func (w WatchState) HasChannel() bool {
	return w.ChannelID != "" && w.ResourceID != ""
}

// Expired reports whether the channel is missing or has passed its expiration.
func (w WatchState) Expired(now time.Time) bool {
	if !w.HasChannel() {
		return true
	}
	return !w.Expiration.After(now)
}

// Calendar is one provider calendar belonging to a linked account.
type Calendar struct {
	ID                 int64
	LinkedAccountID    int64
	UserID             int64
	ProviderCalendarID string
	Summary            string
	TimeZone           string
	AccessRole         string
	BackgroundColor    string
	ForegroundColor    string
	Primary            bool
	SyncRelevant       bool
	EventCount         int
	NeedsPolling       bool
	SyncStatus         SyncStatus
	SyncError          string
	Watch              WatchState
	LastSyncedAt       *time.Time
	CreatedAt          time.Time
}

// Person is an event creator or organizer.
type Person struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Self        bool   `json:"self,omitempty"`
}

// Attendee is one invitee of an event.
type Attendee struct {
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// Event is a calendar entry synchronized from a provider. Start and End are
// absolute instants in UTC.
type Event struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"userId"`
	CalendarID      int64      `json:"calendarId"`
	ExternalEventID string     `json:"externalEventId"`
	RecurringRootID string     `json:"recurringRootId,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	AllDay          bool       `json:"allDay"`
	Visibility      string     `json:"visibility,omitempty"`
	Creator         *Person    `json:"creator,omitempty"`
	Organizer       *Person    `json:"organizer,omitempty"`
	Attendees       []Attendee `json:"attendees,omitempty"`
	Location        string     `json:"location,omitempty"`
	EventType       string     `json:"eventType,omitempty"`
	Recurrence      []string   `json:"recurrence,omitempty"`
	BackgroundColor string     `json:"backgroundColor,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// EventRange selects events for a user and optional members.
type EventRange struct {
	UserID    int64
	MemberIDs []int64
	From      time.Time
	To        time.Time
}

// UserIDs returns the owner followed by distinct member ids.
func (r EventRange) UserIDs() []int64 {
	ids := []int64{r.UserID}
	seen := map[int64]struct{}{r.UserID: {}}
	for _, id := range r.MemberIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
