// Package translate converts Google Calendar event payloads into store events.
//
// Translation is pure: it never mutates its input, never reads the clock and
// always produces the same event for the same payload and time zone inputs.
package translate

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/store"
)

// Provider event types and statuses that need special handling.
const (
	EventTypeBirthday = "birthday"
	StatusCancelled   = "cancelled"
)

// Input carries the calendar context a payload is translated against.
type Input struct {
	UserID           int64
	CalendarID       int64
	BackgroundColor  string
	CalendarTimeZone string
}

// Error reports a payload that cannot become an event.
type Error struct {
	EventID string
	Field   string
	Reason  string
}

func (e *Error) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("translate event: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("translate event %s: %s: %s", e.EventID, e.Field, e.Reason)
}

// Result is the translated event plus recurrence lines that could not be parsed.
type Result struct {
	Event   store.Event
	Dropped []string
}

// IsCancelled reports whether the provider marked the event as removed.
func IsCancelled(raw *calendar.Event) bool {
	return raw != nil && raw.Status == StatusCancelled
}

// IsExcluded reports whether the event type is never synchronized.
func IsExcluded(raw *calendar.Event) bool {
	return raw != nil && raw.EventType == EventTypeBirthday
}

// Translate converts raw into a store event. See TranslateResult for the
// recurrence lines that were dropped.
func Translate(raw *calendar.Event, in Input) (store.Event, error) {
	res, err := TranslateResult(raw, in)
	if err != nil {
		return store.Event{}, err
	}
	return res.Event, nil
}

func TranslateResult(raw *calendar.Event, in Input) (Result, error) {
	if raw == nil {
		return Result{}, &Error{Field: "event", Reason: "missing payload"}
	}
	if raw.Id == "" {
		return Result{}, &Error{Field: "id", Reason: "missing"}
	}

	start, startAllDay, err := resolveTime(raw.Start, in.CalendarTimeZone)
	if err != nil {
		return Result{}, &Error{EventID: raw.Id, Field: "start", Reason: err.Error()}
	}
	end, _, err := resolveTime(raw.End, in.CalendarTimeZone)
	if err != nil {
		return Result{}, &Error{EventID: raw.Id, Field: "end", Reason: err.Error()}
	}
	if end.Before(start) {
		return Result{}, &Error{EventID: raw.Id, Field: "end", Reason: "before start"}
	}

	recurrence, dropped := NormalizeRecurrence(raw.Recurrence)

	ev := store.Event{
		UserID:          in.UserID,
		CalendarID:      in.CalendarID,
		ExternalEventID: raw.Id,
		RecurringRootID: RecurringRootID(raw),
		Title:           raw.Summary,
		Description:     raw.Description,
		Start:           start,
		End:             end,
		AllDay:          startAllDay,
		Visibility:      raw.Visibility,
		Location:        raw.Location,
		EventType:       raw.EventType,
		Recurrence:      recurrence,
		BackgroundColor: in.BackgroundColor,
	}
	if raw.Creator != nil {
		ev.Creator = &store.Person{Email: raw.Creator.Email, DisplayName: raw.Creator.DisplayName, Self: raw.Creator.Self}
	}
	if raw.Organizer != nil {
		ev.Organizer = &store.Person{Email: raw.Organizer.Email, DisplayName: raw.Organizer.DisplayName, Self: raw.Organizer.Self}
	}
	if len(raw.Attendees) > 0 {
		ev.Attendees = make([]store.Attendee, 0, len(raw.Attendees))
		for _, a := range raw.Attendees {
			if a == nil {
				continue
			}
			ev.Attendees = append(ev.Attendees, store.Attendee{
				Email:          a.Email,
				Name:           a.DisplayName,
				ResponseStatus: a.ResponseStatus,
			})
		}
	}
	return Result{Event: ev, Dropped: dropped}, nil
}

// resolveTime returns the absolute instant of t and whether it was date-only.
// A date-only value resolves at local midnight in the event's own zone, then
// the calendar's zone, then UTC.
func resolveTime(t *calendar.EventDateTime, calendarTZ string) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, fmt.Errorf("missing")
	}
	if t.DateTime != "" {
		instant, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid dateTime %q", t.DateTime)
		}
		return instant.UTC(), false, nil
	}
	if t.Date == "" {
		return time.Time{}, false, fmt.Errorf("missing date and dateTime")
	}
	loc := zoneFor(t.TimeZone, calendarTZ)
	day, err := time.ParseInLocation("2006-01-02", t.Date, loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid date %q", t.Date)
	}
	return day.UTC(), true, nil
}

// zoneFor picks the first loadable zone among the event zone and the calendar zone.
func zoneFor(eventTZ, calendarTZ string) *time.Location {
	for _, name := range []string{eventTZ, calendarTZ} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// RecurringRootID derives the series id an event belongs to. Instance ids are
// truncated at their first "_" occurrence suffix; a series master roots at itself.
func RecurringRootID(raw *calendar.Event) string {
	if raw == nil {
		return ""
	}
	if id := raw.RecurringEventId; id != "" {
		if i := strings.IndexByte(id, '_'); i >= 0 {
			return id[:i]
		}
		return id
	}
	if len(raw.Recurrence) > 0 {
		if i := strings.IndexByte(raw.Id, '_'); i >= 0 {
			return raw.Id[:i]
		}
		return raw.Id
	}
	return ""
}

// NormalizeRecurrence re-serializes RRULE and EXRULE lines in canonical form.
// RDATE and EXDATE lines are kept as received. Lines that fail to parse are
// returned separately and left out of the result.
func NormalizeRecurrence(lines []string) ([]string, []string) {
	if len(lines) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(lines))
	var dropped []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, body, ok := strings.Cut(line, ":")
		if !ok {
			dropped = append(dropped, line)
			continue
		}
		switch key := strings.ToUpper(name); key {
		case "RRULE", "EXRULE":
			opt, err := rrule.StrToROption(body)
			if err != nil {
				dropped = append(dropped, line)
				continue
			}
			out = append(out, key+":"+opt.RRuleString())
		default:
			if strings.HasPrefix(key, "RDATE") || strings.HasPrefix(key, "EXDATE") {
				out = append(out, line)
				continue
			}
			dropped = append(dropped, line)
		}
	}
	return out, dropped
}
