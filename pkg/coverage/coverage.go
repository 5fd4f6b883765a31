// coverage tracks which stretches of time the captures have covered. Each
// finished capture contributes a span [Started, Ended]; a Collector converts a
// sorted sequence of spans into maximal covered intervals (spans separated by
// less than maxGap are joined), and the gaps between those intervals are the
// stretches of the stream that no capture saw.

package coverage

import (
	"sort"
	"sync"
	"time"

	"github.com/msteffen/capsup/pkg/timecmp"
)

// Interval is a stretch of time [Start, End]
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End - Start
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Collector converts a sequence of spans, sorted by start time, into
// intervals. Overlapping spans, and spans separated by no more than maxGap,
// belong to the same interval
type Collector struct {
	// maxGap is the largest gap between two spans in the same interval. Process
	// startup makes consecutive single-slot captures a few milliseconds apart
	// even though nothing was missed
	maxGap time.Duration

	// lower and upper bound for all intervals in the collection (intervals that
	// extend past either are truncated)
	l, r time.Time

	// current interval ('end' advances until a gap wider than maxGap is found)
	start, end time.Time
	started    bool
	intervals  []Interval
}

// NewCollector returns a Collector of intervals within [l, r]
func NewCollector(l, r time.Time, maxGap time.Duration) *Collector {
	return &Collector{l: l, r: r, maxGap: maxGap}
}

// Add adds a span to 'c'. Returns false once spans start after 'r', so that
// spans can be fed to 'c' in a loop of the form 'for ... c.Add(s) {}'
func (c *Collector) Add(s Interval) bool {
	if s.Start.After(c.r) {
		return false
	}
	if c.started && s.Start.Sub(c.end) <= c.maxGap {
		if s.End.After(c.end) {
			c.end = s.End // interval still going: move 'end' to the right
		}
		return true
	}
	c.addInterval()
	c.start, c.end, c.started = s.Start, s.End, true
	return true
}

// Finish indicates that no more spans will be added. It closes the last
// interval and returns the complete collection
func (c *Collector) Finish() []Interval {
	c.addInterval()
	c.started = false
	return c.intervals
}

func (c *Collector) addInterval() {
	if !c.started {
		return
	}
	toAdd := Interval{Start: timecmp.Max(c.l, c.start), End: timecmp.Min(c.r, c.end)}
	if !toAdd.End.After(toAdd.Start) {
		return // zero duration, or entirely outside [l, r]
	}
	c.intervals = append(c.intervals, toAdd)
}

// Tracker accumulates capture spans and answers coverage queries. Safe for
// concurrent use
type Tracker struct {
	maxGap    time.Duration
	retention time.Duration

	mu    sync.Mutex
	spans []Interval // sorted by Start
}

// NewTracker returns a Tracker that joins spans at most 'maxGap' apart and
// forgets spans that ended more than 'retention' before the newest one
func NewTracker(maxGap, retention time.Duration) *Tracker {
	return &Tracker{maxGap: maxGap, retention: retention}
}

// Record adds the span of one capture
func (t *Tracker) Record(start, end time.Time) {
	if end.Before(start) {
		start, end = end, start
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.spans), func(i int) bool { return t.spans[i].Start.After(start) })
	t.spans = append(t.spans, Interval{})
	copy(t.spans[i+1:], t.spans[i:])
	t.spans[i] = Interval{Start: start, End: end}

	if t.retention > 0 {
		cutoff := t.newest().Add(-t.retention)
		n := 0
		for n < len(t.spans) && t.spans[n].End.Before(cutoff) {
			n++
		}
		t.spans = t.spans[n:]
	}
}

func (t *Tracker) newest() time.Time {
	var result time.Time
	for _, s := range t.spans {
		if s.End.After(result) {
			result = s.End
		}
	}
	return result
}

// Covered returns the covered intervals within [from, to]
func (t *Tracker) Covered(from, to time.Time) []Interval {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := NewCollector(from, to, t.maxGap)
	for _, s := range t.spans {
		if !c.Add(s) {
			break
		}
	}
	return c.Finish()
}

// Gaps returns the stretches of [from, to] that no capture covered
func (t *Tracker) Gaps(from, to time.Time) []Interval {
	var result []Interval
	cursor := from
	for _, iv := range t.Covered(from, to) {
		if iv.Start.After(cursor) {
			result = append(result, Interval{Start: cursor, End: iv.Start})
		}
		cursor = timecmp.Max(cursor, iv.End)
	}
	if to.After(cursor) {
		result = append(result, Interval{Start: cursor, End: to})
	}
	return result
}

// Span returns the earliest start and latest end recorded. 'ok' is false if
// nothing has been recorded
func (t *Tracker) Span() (first, last time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) == 0 {
		return first, last, false
	}
	return t.spans[0].Start, t.newest(), true
}
