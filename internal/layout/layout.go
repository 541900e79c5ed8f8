// Package layout places the events of one day into side-by-side columns.
//
// Events are split into conflict groups (sets connected by transitive
// overlap). Each group is laid out on its own: events get the leftmost free
// column, then grow right over columns that hold nothing they overlap.
// Geometry is linear in time vertically and in columns horizontally.
package layout

import (
	"sort"
	"time"
)

// Item is one event of the displayed day. Start and End must already be
// clamped to the day (see ClampToDay).
type Item struct {
	ID    int64
	Start time.Time
	End   time.Time
}

// Params are presentation parameters. Gaps and minimum heights are tunable
// and carry no meaning for grouping or column assignment.
type Params struct {
	// DayStart is the instant drawn at top 0.
	DayStart time.Time
	// DayMinutes is the length of the drawn day; defaults to 1440.
	DayMinutes     float64
	DayPixelHeight float64
	TotalWidth     float64
	// GapPx is subtracted from every height and width.
	GapPx float64
	// MinHeightPx floors the height of very short events.
	MinHeightPx float64
}

// DefaultParams draws a day 1440px high and 100 units wide.
func DefaultParams(dayStart time.Time) Params {
	return Params{
		DayStart:       dayStart,
		DayMinutes:     24 * 60,
		DayPixelHeight: 24 * 60,
		TotalWidth:     100,
		GapPx:          2,
		MinHeightPx:    15,
	}
}

func (p Params) normalized(items []Item) Params {
	if p.DayMinutes <= 0 {
		p.DayMinutes = 24 * 60
	}
	if p.DayPixelHeight <= 0 {
		p.DayPixelHeight = p.DayMinutes
	}
	if p.TotalWidth <= 0 {
		p.TotalWidth = 100
	}
	if p.DayStart.IsZero() && len(items) > 0 {
		s := items[0].Start
		p.DayStart = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, s.Location())
	}
	return p
}

// Layout is the placement of one event.
type Layout struct {
	EventID int64   `json:"eventId"`
	Top     float64 `json:"top"`
	Height  float64 `json:"height"`
	Left    float64 `json:"left"`
	Width   float64 `json:"width"`
	// Group indexes the conflict group in Groups order.
	Group  int `json:"group"`
	Column int `json:"column"`
	// Span is the number of columns the event covers, starting at Column.
	Span int `json:"span"`
	// Columns is the column count of the event's group.
	Columns int `json:"columns"`
}

// Overlaps reports whether a and b share any instant. Touching intervals do
// not overlap.
func Overlaps(a, b Item) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Groups partitions items into conflict groups. Each group holds indexes into
// items ordered by start time, ties kept in input order. Groups appear in the
// order of their first member in items.
func Groups(items []Item) [][]int {
	visited := make([]bool, len(items))
	var groups [][]int
	for root := range items {
		if visited[root] {
			continue
		}
		visited[root] = true
		group := []int{}
		stack := []int{root}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			group = append(group, cur)
			for next := range items {
				if !visited[next] && Overlaps(items[cur], items[next]) {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
		sort.Ints(group)
		sort.SliceStable(group, func(i, j int) bool {
			return items[group[i]].Start.Before(items[group[j]].Start)
		})
		groups = append(groups, group)
	}
	return groups
}

// AssignColumns places the members of one group (as returned by Groups) into
// columns. It returns the column of each member, aligned with group, and the
// number of columns used, which is the group's largest set of mutually
// overlapping events.
func AssignColumns(items []Item, group []int) ([]int, int) {
	cols := make([]int, len(group))
	var last []int // index into items of the last event placed in each column
	for pos, idx := range group {
		placed := false
		for c, prev := range last {
			if !Overlaps(items[prev], items[idx]) {
				cols[pos] = c
				last[c] = idx
				placed = true
				break
			}
		}
		if !placed {
			cols[pos] = len(last)
			last = append(last, idx)
		}
	}
	return cols, len(last)
}

// spans computes how far right each member may grow: through every following
// column that holds no event it overlaps.
func spans(items []Item, group, cols []int, columns int) []int {
	byColumn := make([][]int, columns)
	for pos, idx := range group {
		byColumn[cols[pos]] = append(byColumn[cols[pos]], idx)
	}
	out := make([]int, len(group))
	for pos, idx := range group {
		span := 1
	grow:
		for c := cols[pos] + 1; c < columns; c++ {
			for _, other := range byColumn[c] {
				if Overlaps(items[idx], items[other]) {
					break grow
				}
			}
			span++
		}
		out[pos] = span
	}
	return out
}

// Compute lays out items. The result is aligned with items.
func Compute(items []Item, p Params) []Layout {
	if len(items) == 0 {
		return nil
	}
	p = p.normalized(items)
	out := make([]Layout, len(items))
	for g, group := range Groups(items) {
		cols, columns := AssignColumns(items, group)
		widths := spans(items, group, cols, columns)
		for pos, idx := range group {
			it := items[idx]
			startMin := it.Start.Sub(p.DayStart).Minutes()
			durMin := it.End.Sub(it.Start).Minutes()

			height := durMin*p.DayPixelHeight/p.DayMinutes - p.GapPx
			if height < p.MinHeightPx {
				height = p.MinHeightPx
			}
			width := float64(widths[pos])*p.TotalWidth/float64(columns) - p.GapPx
			if width < 0 {
				width = 0
			}
			out[idx] = Layout{
				EventID: it.ID,
				Top:     startMin * p.DayPixelHeight / p.DayMinutes,
				Height:  height,
				Left:    float64(cols[pos]) * p.TotalWidth / float64(columns),
				Width:   width,
				Group:   g,
				Column:  cols[pos],
				Span:    widths[pos],
				Columns: columns,
			}
		}
	}
	return out
}

// ClampToDay cuts [start, end) to [dayStart, dayEnd). ok is false when the
// event does not touch the day. Zero-length events inside the day are kept.
func ClampToDay(start, end, dayStart, dayEnd time.Time) (time.Time, time.Time, bool) {
	if end.Before(start) {
		end = start
	}
	if !start.Before(dayEnd) || (start.Before(dayStart) && !end.After(dayStart)) {
		return time.Time{}, time.Time{}, false
	}
	if start.Before(dayStart) {
		start = dayStart
	}
	if end.After(dayEnd) {
		end = dayEnd
	}
	return start, end, true
}
