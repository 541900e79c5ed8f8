// Package calendarview builds the week and day models the calendar UI scrolls
// through. Week skeletons are cached per offset; events are always read fresh
// from the store and laid out per day.
package calendarview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gitea.jw6.us/james/calsync/internal/layout"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/windowcache"
)

// MaxOffset bounds how far from the current week a view may scroll.
const MaxOffset = 52 * 100

var ErrOutOfRange = errors.New("week offset out of range")

// Week is the skeleton of one displayed week. Days are local midnights.
type Week struct {
	Offset int         `json:"offset"`
	Start  time.Time   `json:"start"`
	Days   []time.Time `json:"days"`
}

// Weeks hands out week skeletons relative to the week containing now.
type Weeks struct {
	loc       *time.Location
	weekStart time.Weekday
	now       func() time.Time
	cache     *windowcache.Cache[Week]

	mu     sync.Mutex
	anchor time.Time
}

func NewWeeks(loc *time.Location, weekStart time.Weekday, now func() time.Time, log logrus.FieldLogger, opts ...windowcache.Option) *Weeks {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	w := &Weeks{loc: loc, weekStart: weekStart, now: now}
	if log != nil {
		opts = append(opts, windowcache.WithErrorHandler(func(offset int, err error) {
			log.WithError(err).WithField("offset", offset).Warn("week computation failed; showing current week")
		}))
	}
	w.cache = windowcache.New(w.compute, opts...)
	return w
}

func (w *Weeks) compute(offset int) (Week, error) {
	if offset > MaxOffset || offset < -MaxOffset {
		return Week{}, fmt.Errorf("%w: %d", ErrOutOfRange, offset)
	}
	w.mu.Lock()
	anchor := w.anchor
	w.mu.Unlock()
	start := anchor.AddDate(0, 0, 7*offset)

	days := make([]time.Time, 7)
	for i := range days {
		days[i] = start.AddDate(0, 0, i)
	}
	return Week{Offset: offset, Start: start, Days: days}, nil
}

// currentStart is the first day of the week containing now.
func (w *Weeks) currentStart() time.Time {
	now := w.now().In(w.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, w.loc)
	back := (int(today.Weekday()) - int(w.weekStart) + 7) % 7
	return today.AddDate(0, 0, -back)
}

// Get returns the week at offset. Offsets that cannot be computed fall back
// to the current week. Cached weeks are dropped once the current week moves.
func (w *Weeks) Get(offset int) Week {
	start := w.currentStart()
	w.mu.Lock()
	if !start.Equal(w.anchor) {
		w.anchor = start
		w.cache.Invalidate()
	}
	w.mu.Unlock()
	return w.cache.Get(offset)
}

func (w *Weeks) Location() *time.Location { return w.loc }

// Len reports how many weeks are cached.
func (w *Weeks) Len() int { return w.cache.Len() }

// Close releases the cache; later Gets still work but are not cached.
func (w *Weeks) Close() { w.cache.Close() }

// EventSource is the query side of the event store.
type EventSource interface {
	ListRange(ctx context.Context, r store.EventRange) ([]store.Event, error)
}

// Geometry sizes a drawn day.
type Geometry struct {
	Height    float64
	Width     float64
	GapPx     float64
	MinHeight float64
}

// DefaultGeometry matches layout.DefaultParams.
func DefaultGeometry() Geometry {
	p := layout.DefaultParams(time.Time{})
	return Geometry{Height: p.DayPixelHeight, Width: p.TotalWidth, GapPx: p.GapPx, MinHeight: p.MinHeightPx}
}

// Placed is one timed event with its position in the day.
type Placed struct {
	Event  store.Event   `json:"event"`
	Layout layout.Layout `json:"layout"`
}

// Day is the drawable content of one day.
type Day struct {
	Date   time.Time     `json:"date"`
	AllDay []store.Event `json:"allDay"`
	Timed  []Placed      `json:"timed"`
}

// WeekView is a week skeleton with its laid out days.
type WeekView struct {
	Week Week  `json:"week"`
	Days []Day `json:"days"`
}

// View answers day and week queries for a user and optional members.
type View struct {
	events EventSource
}

func NewView(events EventSource) *View {
	return &View{events: events}
}

// Day loads and lays out the events of the local day containing date.
func (v *View) Day(ctx context.Context, userID int64, members []int64, date time.Time, g Geometry) (Day, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	end := start.AddDate(0, 0, 1)
	events, err := v.events.ListRange(ctx, store.EventRange{UserID: userID, MemberIDs: members, From: start, To: end})
	if err != nil {
		return Day{}, fmt.Errorf("load day events: %w", err)
	}
	return arrangeDay(events, start, end, g), nil
}

// Week loads one week in a single query and lays out each day.
func (v *View) Week(ctx context.Context, weeks *Weeks, offset int, userID int64, members []int64, g Geometry) (WeekView, error) {
	wk := weeks.Get(offset)
	from := wk.Days[0]
	to := wk.Days[len(wk.Days)-1].AddDate(0, 0, 1)
	events, err := v.events.ListRange(ctx, store.EventRange{UserID: userID, MemberIDs: members, From: from, To: to})
	if err != nil {
		return WeekView{}, fmt.Errorf("load week events: %w", err)
	}
	out := WeekView{Week: wk, Days: make([]Day, len(wk.Days))}
	for i, d := range wk.Days {
		out.Days[i] = arrangeDay(events, d, d.AddDate(0, 0, 1), g)
	}
	return out, nil
}

func arrangeDay(events []store.Event, start, end time.Time, g Geometry) Day {
	day := Day{Date: start, AllDay: []store.Event{}, Timed: []Placed{}}
	var (
		items  []layout.Item
		placed []store.Event
	)
	for _, ev := range events {
		if ev.AllDay {
			if ev.Start.Before(end) && ev.End.After(start) {
				day.AllDay = append(day.AllDay, ev)
			}
			continue
		}
		s, e, ok := layout.ClampToDay(ev.Start, ev.End, start, end)
		if !ok {
			continue
		}
		items = append(items, layout.Item{ID: ev.ID, Start: s, End: e})
		placed = append(placed, ev)
	}
	if len(items) == 0 {
		return day
	}

	p := layout.Params{
		DayStart: start,
		// DST days are 23 or 25 hours long.
		DayMinutes:     end.Sub(start).Minutes(),
		DayPixelHeight: g.Height,
		TotalWidth:     g.Width,
		GapPx:          g.GapPx,
		MinHeightPx:    g.MinHeight,
	}
	for i, l := range layout.Compute(items, p) {
		day.Timed = append(day.Timed, Placed{Event: placed[i], Layout: l})
	}
	return day
}
