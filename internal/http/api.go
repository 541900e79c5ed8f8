package httpserver

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/calendarview"
	"gitea.jw6.us/james/calsync/internal/export"
	"gitea.jw6.us/james/calsync/internal/http/csrf"
	apierrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/syncer"
)

const maxRange = 62 * 24 * time.Hour

var errForbiddenMember = errors.New("member not in household")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func currentUser(r *http.Request) *store.User {
	u, _ := auth.UserFromContext(r.Context())
	return u
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

type accountView struct {
	ID          int64     `json:"id"`
	Provider    string    `json:"provider"`
	Email       string    `json:"email"`
	Scopes      []string  `json:"scopes"`
	CanSendMail bool      `json:"canSendMail"`
	NeedsReauth bool      `json:"needsReauth"`
	CreatedAt   time.Time `json:"createdAt"`
}

type calendarView struct {
	ID              int64      `json:"id"`
	AccountID       int64      `json:"accountId"`
	Summary         string     `json:"summary"`
	TimeZone        string     `json:"timeZone"`
	AccessRole      string     `json:"accessRole"`
	BackgroundColor string     `json:"backgroundColor"`
	ForegroundColor string     `json:"foregroundColor"`
	Primary         bool       `json:"primary"`
	SyncRelevant    bool       `json:"syncRelevant"`
	EventCount      int        `json:"eventCount"`
	SyncStatus      string     `json:"syncStatus"`
	SyncError       string     `json:"syncError,omitempty"`
	Watching        bool       `json:"watching"`
	LastSyncedAt    *time.Time `json:"lastSyncedAt,omitempty"`
}

func toCalendarView(c store.Calendar) calendarView {
	return calendarView{
		ID:              c.ID,
		AccountID:       c.LinkedAccountID,
		Summary:         c.Summary,
		TimeZone:        c.TimeZone,
		AccessRole:      c.AccessRole,
		BackgroundColor: c.BackgroundColor,
		ForegroundColor: c.ForegroundColor,
		Primary:         c.Primary,
		SyncRelevant:    c.SyncRelevant,
		EventCount:      c.EventCount,
		SyncStatus:      string(c.SyncStatus),
		SyncError:       c.SyncError,
		Watching:        c.Watch.HasChannel() && !c.NeedsPolling,
		LastSyncedAt:    c.LastSyncedAt,
	}
}

func (s *server) getSession(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    u.ID,
		"email":     u.PrimaryEmail,
		"csrfToken": csrf.TokenFromContext(r.Context()),
	})
}

func (s *server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.LinkedAccounts.ListByUser(r.Context(), currentUser(r).ID)
	if err != nil {
		apierrors.InternalError(w, r, err, "list accounts")
		return
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView{
			ID:          a.ID,
			Provider:    a.Provider,
			Email:       a.Email,
			Scopes:      a.Scopes,
			CanSendMail: a.CanSendMail,
			NeedsReauth: a.NeedsReauth,
			CreatedAt:   a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) unlinkAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		apierrors.BadRequestError(w, r, err, err.Error())
		return
	}
	if err := s.sync.Unlink(r.Context(), currentUser(r).ID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.NotFound(w, r)
			return
		}
		apierrors.InternalError(w, r, err, "unlink account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) ownedAccount(r *http.Request, id int64) (*store.LinkedAccount, error) {
	a, err := s.store.LinkedAccounts.GetByID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if a.UserID != currentUser(r).ID {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (s *server) ownedCalendar(r *http.Request, id int64) (*store.Calendar, error) {
	c, err := s.store.Calendars.GetByID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if c.UserID != currentUser(r).ID {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *server) listCalendars(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		apierrors.BadRequestError(w, r, err, err.Error())
		return
	}
	if _, err := s.ownedAccount(r, id); err != nil {
		s.lookupError(w, r, err, "load account")
		return
	}
	cals, err := s.store.Calendars.ListByAccount(r.Context(), id)
	if err != nil {
		apierrors.InternalError(w, r, err, "list calendars")
		return
	}
	out := make([]calendarView, 0, len(cals))
	for _, c := range cals {
		out = append(out, toCalendarView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) lookupError(w http.ResponseWriter, r *http.Request, err error, message string) {
	if errors.Is(err, store.ErrNotFound) {
		apierrors.NotFound(w, r)
		return
	}
	apierrors.InternalError(w, r, err, message)
}

func (s *server) setRelevance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		apierrors.BadRequestError(w, r, err, err.Error())
		return
	}
	var body struct {
		Relevant *bool `json:"relevant"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil || body.Relevant == nil {
		apierrors.BadRequestError(w, r, err, `body must be {"relevant": true|false}`)
		return
	}
	if err := s.sync.SetRelevance(r.Context(), currentUser(r).ID, id, *body.Relevant); err != nil {
		s.lookupError(w, r, err, "set relevance")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) refreshCalendar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		apierrors.BadRequestError(w, r, err, err.Error())
		return
	}
	if _, err := s.ownedCalendar(r, id); err != nil {
		s.lookupError(w, r, err, "load calendar")
		return
	}

	res, err := s.sync.Refresh(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, syncer.ErrReauthRequired):
		apierrors.Write(w, r, http.StatusConflict, "the linked account must be reconnected")
		return
	case errors.Is(err, syncer.ErrUnlinked):
		apierrors.NotFound(w, r)
		return
	case errors.Is(err, syncer.ErrDegraded):
		apierrors.LogError(r, "refresh degraded", err)
		apierrors.Write(w, r, http.StatusBadGateway, "calendar provider unavailable, try again later")
		return
	default:
		apierrors.InternalError(w, r, err, "refresh calendar")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calendarId": res.CalendarID,
		"state":      res.State.String(),
		"coalesced":  res.Coalesced,
		"full":       res.Full,
		"upserted":   res.Upserted,
		"deleted":    res.Deleted,
		"skipped":    res.Skipped,
	})
}

func (s *server) exportCalendar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		apierrors.BadRequestError(w, r, err, err.Error())
		return
	}
	cal, err := s.ownedCalendar(r, id)
	if err != nil {
		s.lookupError(w, r, err, "load calendar")
		return
	}
	events, err := s.store.Events.ListForCalendar(r.Context(), id)
	if err != nil {
		apierrors.InternalError(w, r, err, "list calendar events")
		return
	}
	etag := exportETag(cal.ID, events)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="calendar-%d.ics"`, id))
	if err := export.WriteICS(w, *cal, events, s.now()); err != nil {
		apierrors.LogError(r, "write ics", err)
	}
}

// exportETag covers event identity and modification time only. DTSTAMP is
// left out so unchanged calendars revalidate.
func exportETag(calendarID int64, events []store.Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\n", calendarID)
	for _, e := range events {
		fmt.Fprintf(h, "%s %d\n", e.ExternalEventID, e.UpdatedAt.UnixNano())
	}
	return fmt.Sprintf("\"%x\"", h.Sum(nil))
}

// members parses the members query parameter and checks each id against
// the household.
func (s *server) members(r *http.Request) ([]int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("members"))
	if raw == "" {
		return nil, nil
	}
	me := currentUser(r).ID
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid member id %q", part)
		}
		if !s.cfg.SameHousehold(me, id) {
			return nil, fmt.Errorf("%w: %d", errForbiddenMember, id)
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *server) membersOrFail(w http.ResponseWriter, r *http.Request) ([]int64, bool) {
	m, err := s.members(r)
	if err == nil {
		return m, true
	}
	if errors.Is(err, errForbiddenMember) {
		apierrors.Write(w, r, http.StatusForbidden, err.Error())
	} else {
		apierrors.BadRequestError(w, r, err, err.Error())
	}
	return nil, false
}

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		apierrors.BadRequestError(w, r, err, "from must be an RFC 3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		apierrors.BadRequestError(w, r, err, "to must be an RFC 3339 timestamp")
		return
	}
	if !to.After(from) || to.Sub(from) > maxRange {
		apierrors.BadRequestError(w, r, errors.New("bad range"), "to must be after from and at most 62 days later")
		return
	}
	members, ok := s.membersOrFail(w, r)
	if !ok {
		return
	}
	events, err := s.store.Events.ListRange(r.Context(), store.EventRange{UserID: currentUser(r).ID, MemberIDs: members, From: from, To: to})
	if err != nil {
		apierrors.InternalError(w, r, err, "list events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type viewParams struct {
	loc       *time.Location
	weekStart time.Weekday
	geom      calendarview.Geometry
	members   []int64
}

// parseViewParams reads tz, weekStart, height, width and members.
func (s *server) parseViewParams(w http.ResponseWriter, r *http.Request) (viewParams, bool) {
	q := r.URL.Query()
	p := viewParams{loc: time.UTC, weekStart: time.Monday, geom: calendarview.DefaultGeometry()}

	if tz := q.Get("tz"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			apierrors.BadRequestError(w, r, err, "unknown time zone")
			return p, false
		}
		p.loc = loc
	}
	if ws := q.Get("weekStart"); ws != "" {
		n, err := strconv.Atoi(ws)
		if err != nil || n < 0 || n > 6 {
			apierrors.BadRequestError(w, r, err, "weekStart must be 0 (Sunday) to 6")
			return p, false
		}
		p.weekStart = time.Weekday(n)
	}
	for name, dst := range map[string]*float64{"height": &p.geom.Height, "width": &p.geom.Width} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 100000 {
			apierrors.BadRequestError(w, r, err, name+" must be a positive number")
			return p, false
		}
		*dst = v
	}
	members, ok := s.membersOrFail(w, r)
	if !ok {
		return p, false
	}
	p.members = members
	return p, true
}

func (s *server) dayLayout(w http.ResponseWriter, r *http.Request) {
	p, ok := s.parseViewParams(w, r)
	if !ok {
		return
	}
	date, err := time.ParseInLocation("2006-01-02", chi.URLParam(r, "date"), p.loc)
	if err != nil {
		apierrors.BadRequestError(w, r, err, "date must be YYYY-MM-DD")
		return
	}
	day, err := s.view.Day(r.Context(), currentUser(r).ID, p.members, date, p.geom)
	if err != nil {
		apierrors.InternalError(w, r, err, "day layout")
		return
	}
	writeJSON(w, http.StatusOK, day)
}

func (s *server) weekLayout(w http.ResponseWriter, r *http.Request) {
	p, ok := s.parseViewParams(w, r)
	if !ok {
		return
	}
	offset, err := strconv.Atoi(chi.URLParam(r, "offset"))
	if err != nil || offset > calendarview.MaxOffset || offset < -calendarview.MaxOffset {
		apierrors.BadRequestError(w, r, err, "offset must be a week number relative to this week")
		return
	}
	week, err := s.view.Week(r.Context(), s.weeksFor(p.loc, p.weekStart), offset, currentUser(r).ID, p.members, p.geom)
	if err != nil {
		apierrors.InternalError(w, r, err, "week layout")
		return
	}
	writeJSON(w, http.StatusOK, week)
}
