// bucket maps event timestamps to the aggregate file that holds them. An
// aggregate file covers one wall-clock hour or one wall-clock day in a fixed
// location, and is named by that window's key (e.g. cap_20261016_13.pcapng)

package bucket

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Granularity is the width of a bucket
type Granularity int

const (
	Hour Granularity = iota
	Day
)

// ParseGranularity parses "hour" or "day" (case-insensitive)
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hour", "hourly", "h":
		return Hour, nil
	case "day", "daily", "d":
		return Day, nil
	}
	return 0, fmt.Errorf("unknown bucket granularity %q (expected \"hour\" or \"day\")", s)
}

func (g Granularity) String() string {
	if g == Day {
		return "day"
	}
	return "hour"
}

// Interval is the nominal width of a bucket. Wall-clock buckets around DST
// transitions may be shorter or longer; Next() is authoritative
func (g Granularity) Interval() time.Duration {
	if g == Day {
		return 24 * time.Hour
	}
	return time.Hour
}

func (g Granularity) layout() string {
	if g == Day {
		return "20060102"
	}
	return "20060102_15"
}

// Window is the part of a straddling segment that falls into one bucket:
// every event with From <= t < To has key Key
type Window struct {
	Key      string
	From, To time.Time
}

// Resolver derives bucket keys and aggregate file paths. A Resolver must not
// change location during a run, or the same instant could map to two files
type Resolver struct {
	Granularity Granularity
	Location    *time.Location

	// Dir, Prefix and Ext determine aggregate file paths: Dir/<Prefix><key><Ext>
	Dir    string
	Prefix string
	Ext    string
}

func (r *Resolver) loc() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// Key returns the key of the bucket containing 't'
func (r *Resolver) Key(t time.Time) string {
	return t.In(r.loc()).Format(r.Granularity.layout())
}

// Path returns the aggregate file that holds bucket 'key'
func (r *Resolver) Path(key string) string {
	return filepath.Join(r.Dir, r.Prefix+key+r.Ext)
}

// Straddles returns true if 'first' and 'last' fall into different buckets
func (r *Resolver) Straddles(first, last time.Time) bool {
	return r.Key(first) != r.Key(last)
}

// Start returns the first instant of the bucket containing 't'
func (r *Resolver) Start(t time.Time) time.Time {
	t = t.In(r.loc())
	if r.Granularity == Day {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, r.loc())
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, r.loc())
}

// Next returns the first instant after 't' that belongs to a different bucket,
// so Key() is constant on [t, Next(t)). The repeated fall-back hour keeps its
// key. time.Date makes no promise about nonexistent (spring-forward) wall
// times, so candidates that don't move forward are skipped
func (r *Resolver) Next(t time.Time) time.Time {
	t = t.In(r.loc())
	key := r.Key(t)
	for step := 1; ; step++ {
		var next time.Time
		if r.Granularity == Day {
			next = time.Date(t.Year(), t.Month(), t.Day()+step, 0, 0, 0, 0, r.loc())
		} else {
			next = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+step, 0, 0, 0, r.loc())
		}
		if next.After(t) && r.Key(next) != key {
			return next
		}
	}
}

// Windows splits [first, last] at bucket boundaries. The first window starts
// at 'first' (truncated to the second) and the last one ends at the boundary
// after 'last', so together they cover every event in the range exactly once
func (r *Resolver) Windows(first, last time.Time) []Window {
	var result []Window
	from := first.Truncate(time.Second)
	for !from.After(last) {
		to := r.Next(from)
		result = append(result, Window{Key: r.Key(from), From: from, To: to})
		from = to
	}
	return result
}

// ParseLocation accepts "UTC", "Local" or an IANA zone name. An empty string
// means UTC
func ParseLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid bucket location %q: %v", name, err)
	}
	return loc, nil
}
