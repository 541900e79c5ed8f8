// Package export renders synchronized calendars as iCalendar documents.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"gitea.jw6.us/james/calsync/internal/store"
)

const productID = "-//calsync//calendar export//EN"

// WriteICS writes cal and its events as a PUBLISH calendar. All-day events
// are written as dates in the calendar's time zone.
func WriteICS(w io.Writer, cal store.Calendar, events []store.Event, now time.Time) error {
	loc := time.UTC
	if cal.TimeZone != "" {
		l, err := time.LoadLocation(cal.TimeZone)
		if err != nil {
			return fmt.Errorf("calendar time zone %q: %w", cal.TimeZone, err)
		}
		loc = l
	}

	out := ical.NewCalendar()
	out.SetMethod(ical.MethodPublish)
	out.SetProductId(productID)
	out.SetXWRCalName(cal.Summary)
	out.SetXWRTimezone(loc.String())

	for _, ev := range events {
		vev := out.AddEvent(ev.ExternalEventID + "@" + cal.ProviderCalendarID)
		vev.SetDtStampTime(now)
		if !ev.UpdatedAt.IsZero() {
			vev.SetModifiedAt(ev.UpdatedAt)
		}
		if ev.AllDay {
			vev.SetAllDayStartAt(ev.Start.In(loc))
			vev.SetAllDayEndAt(ev.End.In(loc))
		} else {
			vev.SetStartAt(ev.Start)
			vev.SetEndAt(ev.End)
		}
		vev.SetSummary(ev.Title)
		if ev.Description != "" {
			vev.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			vev.SetLocation(ev.Location)
		}
		if ev.Visibility == "private" || ev.Visibility == "confidential" {
			vev.SetClass(ical.ClassificationPrivate)
		}
		if ev.Organizer != nil && ev.Organizer.Email != "" {
			var params []ical.PropertyParameter
			if ev.Organizer.DisplayName != "" {
				params = append(params, ical.WithCN(ev.Organizer.DisplayName))
			}
			vev.SetOrganizer("mailto:"+ev.Organizer.Email, params...)
		}
		for _, a := range ev.Attendees {
			if a.Email == "" {
				continue
			}
			vev.AddAttendee(a.Email, participation(a.ResponseStatus))
		}
		// Series masters carry their rules; expanded instances do not.
		for _, line := range ev.Recurrence {
			if rule, ok := strings.CutPrefix(line, "RRULE:"); ok {
				vev.AddRrule(rule)
			}
		}
	}
	return out.SerializeTo(w)
}

func participation(status string) ical.ParticipationStatus {
	switch status {
	case "accepted":
		return ical.ParticipationStatusAccepted
	case "declined":
		return ical.ParticipationStatusDeclined
	case "tentative":
		return ical.ParticipationStatusTentative
	default:
		return ical.ParticipationStatusNeedsAction
	}
}
