package rotator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msteffen/capsup/pkg/bucket"
	"github.com/msteffen/capsup/pkg/captool"
	"github.com/msteffen/capsup/pkg/clock"
)

func newT(t *testing.T, cfg Config) *Rotator {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.Command == nil {
		cfg.Command = captool.FakeCapture
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

// collect runs 'r' for 'd', then stops it and returns every segment it
// produced, in launch order
func collect(t *testing.T, r *Rotator, d time.Duration) []Segment {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	var segs []Segment
	deadline := time.After(d + 20*time.Second)
	for {
		select {
		case s, ok := <-r.Finished():
			if !ok {
				require.NoError(t, <-errCh)
				sort.Slice(segs, func(i, j int) bool { return segs[i].Seq < segs[j].Seq })
				return segs
			}
			segs = append(segs, s)
		case <-deadline:
			t.Fatal("rotator did not stop")
		}
	}
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []Config{
		{},
		{Dir: dir, Slots: 3},
		{Dir: dir, Duration: 10 * time.Second, Overlap: 10 * time.Second, Slots: 2},
		{Dir: dir, Duration: 500 * time.Millisecond, Slots: 1},
		{Dir: dir, Command: captool.Template{"tshark", "-w", "{outptu}"}},
	} {
		_, err := New(cfg)
		assert.Error(t, err, "%+v", cfg)
	}

	r, err := New(Config{Dir: dir, Slots: 1, Overlap: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), r.cfg.Overlap, "single slot never overlaps")
	assert.Equal(t, DefaultDuration, r.cfg.Duration)
	assert.Equal(t, captool.DefaultCapture, r.cfg.Command)

	// one slot unless asked for two, so packets aren't captured twice
	r, err = New(Config{Dir: dir, Overlap: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, r.cfg.Slots)
	assert.Equal(t, time.Duration(0), r.cfg.Overlap)
}

func TestPlan(t *testing.T) {
	r := newT(t, Config{Duration: time.Minute, Overlap: 5 * time.Second, Slots: 2})
	t0 := time.Date(2026, 10, 16, 13, 0, 0, 0, time.UTC)

	dur, next := r.Plan(t0)
	assert.Equal(t, time.Minute, dur)
	assert.Equal(t, t0.Add(55*time.Second), next)

	single := newT(t, Config{Duration: time.Minute, Slots: 1})
	dur, next = single.Plan(t0)
	assert.Equal(t, time.Minute, dur)
	assert.Equal(t, t0.Add(time.Minute), next)
}

func TestPlanDayBoundary(t *testing.T) {
	r := newT(t, Config{Duration: time.Minute, Overlap: 5 * time.Second, Slots: 2})
	midnight := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

	dur, next := r.Plan(midnight.Add(-30 * time.Second))
	assert.Equal(t, 35*time.Second, dur, "cut at midnight plus the overlap")
	assert.Equal(t, midnight, next, "next capture starts exactly at midnight")

	// a capture that ends exactly at midnight isn't cut
	dur, next = r.Plan(midnight.Add(-time.Minute))
	assert.Equal(t, time.Minute, dur)
	assert.Equal(t, midnight.Add(-5*time.Second), next)

	single := newT(t, Config{Duration: time.Minute, Slots: 1})
	dur, next = single.Plan(midnight.Add(-30 * time.Second))
	assert.Equal(t, 30*time.Second, dur)
	assert.Equal(t, midnight, next)
}

func TestPlanJustBeforeBoundary(t *testing.T) {
	midnight := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	single := newT(t, Config{Duration: time.Minute, Slots: 1})

	// the plan is cut exactly at midnight...
	dur, next := single.Plan(midnight.Add(-300 * time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, dur)
	assert.Equal(t, midnight, next)

	// ...but the capture program can only be asked for whole seconds, so this
	// capture runs 700ms into the next day
	assert.Equal(t, int64(1), captureSeconds(dur))
	assert.Equal(t, int64(1), captureSeconds(0))
	assert.Equal(t, int64(2), captureSeconds(1500*time.Millisecond))
	assert.Equal(t, int64(60), captureSeconds(time.Minute))
}

func TestPlanLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	r := newT(t, Config{Duration: time.Minute, Overlap: 5 * time.Second, Slots: 2, Location: ny})

	// local midnight on 2026-10-17 is 04:00 UTC (EDT)
	localMidnight := time.Date(2026, 10, 17, 4, 0, 0, 0, time.UTC)
	dur, next := r.Plan(localMidnight.Add(-20 * time.Second))
	assert.Equal(t, 25*time.Second, dur)
	assert.True(t, localMidnight.Equal(next))

	// UTC midnight is an ordinary instant in New York
	dur, _ = r.Plan(time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC).Add(-20 * time.Second))
	assert.Equal(t, time.Minute, dur)
}

// Walking the schedule across several days (including a DST change) never
// leaves a gap, and never runs more than 'overlap' into the next day
func TestScheduleCoverage(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	for _, slots := range []int{1, 2} {
		r := newT(t, Config{Duration: 7 * time.Minute, Overlap: 13 * time.Second, Slots: slots, Location: ny})
		days := &bucket.Resolver{Granularity: bucket.Day, Location: ny}
		overlap := r.cfg.Overlap

		tc := clock.NewTestingClock(time.Date(2026, 10, 30, 20, 3, 17, 0, time.UTC))
		end := tc.Now().Add(4 * 24 * time.Hour)
		for tc.Now().Before(end) {
			start := tc.Now()
			dur, next := r.Plan(start)
			require.True(t, next.After(start))
			require.False(t, next.After(start.Add(dur)), "gap after capture at %s", start)
			boundary := days.Next(start)
			require.False(t, start.Add(dur).After(boundary.Add(overlap)),
				"capture at %s runs past %s", start, boundary.Add(overlap))
			if slots == 1 {
				require.True(t, start.Add(dur).Equal(next))
			}
			tc.Set(next)
		}
	}
}

func TestSegmentPath(t *testing.T) {
	r := newT(t, Config{Dir: "/work"})
	est := time.FixedZone("EST", -5*3600)
	p := r.SegmentPath(time.Date(2026, 10, 16, 8, 5, 9, 0, est), 7)
	assert.Equal(t, "/work/seg_20261016T130509Z_000007.pcapng", p)

	// later captures sort after earlier ones
	a := r.SegmentPath(time.Date(2026, 10, 16, 13, 0, 0, 0, time.UTC), 9)
	b := r.SegmentPath(time.Date(2026, 10, 16, 13, 0, 55, 0, time.UTC), 10)
	assert.True(t, a < b)
}

func TestRunSingleSlot(t *testing.T) {
	r := newT(t, Config{Duration: time.Second, Slots: 1})
	segs := collect(t, r, 2500*time.Millisecond)

	require.True(t, len(segs) >= 2, "got %d segments", len(segs))
	for i, s := range segs {
		assert.Equal(t, i+1, s.Seq)
		assert.NoError(t, s.Err)
		assert.FileExists(t, s.Path)
		assert.False(t, s.Ended.Before(s.Started))
		if i > 0 {
			// one at a time
			assert.False(t, s.Started.Before(segs[i-1].Ended))
			assert.True(t, segs[i-1].Path < s.Path)
		}
	}
	assert.Empty(t, r.Live())
}

func TestRunTwoSlotsOverlap(t *testing.T) {
	r := newT(t, Config{Duration: 2 * time.Second, Overlap: time.Second, Slots: 2})
	segs := collect(t, r, 3500*time.Millisecond)

	require.True(t, len(segs) >= 3, "got %d segments", len(segs))
	for i := 1; i < len(segs); i++ {
		assert.True(t, segs[i].Started.Before(segs[i-1].Ended),
			"capture %d started after capture %d ended", segs[i].Seq, segs[i-1].Seq)
	}
	assert.Empty(t, r.Live())
}

func TestLive(t *testing.T) {
	r := newT(t, Config{Duration: 30 * time.Second, Slots: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		live := r.Live()
		if len(live) != 1 {
			return false
		}
		_, err := os.Stat(live[0])
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	live := r.Live()[0]
	assert.True(t, strings.HasPrefix(filepath.Base(live), "seg_"))

	cancel()
	s, ok := <-r.Finished()
	require.True(t, ok)
	assert.Equal(t, live, s.Path)
	assert.NoError(t, s.Err, "stopping isn't a failure")
	_, ok = <-r.Finished()
	assert.False(t, ok)
	require.NoError(t, <-done)
	assert.Empty(t, r.Live())
}

func TestStopGraceKill(t *testing.T) {
	// ignores SIGTERM (and so does its 'sleep')
	stubborn := captool.Template{"sh", "-c", "trap '' TERM; date +%s > {output}; sleep {duration}"}
	r := newT(t, Config{Command: stubborn, Duration: 30 * time.Second, Slots: 1, StopGrace: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	require.Eventually(t, func() bool {
		live := r.Live()
		if len(live) != 1 {
			return false
		}
		info, err := os.Stat(live[0])
		return err == nil && info.Size() > 0
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	cancel()
	var segs []Segment
	for s := range r.Finished() {
		segs = append(segs, s)
	}
	assert.True(t, time.Since(start) < 10*time.Second, "capture was not killed")
	require.Len(t, segs, 1)
	assert.NoError(t, segs[0].Err)
	assert.FileExists(t, segs[0].Path)
}

func TestRestartBackoff(t *testing.T) {
	dir := t.TempDir()
	count := filepath.Join(dir, "launches")
	failing := captool.Template{"sh", "-c", "echo x >> " + count + "; exit 3", "{duration}", "{output}"}
	r := newT(t, Config{Dir: dir, Command: failing, Duration: time.Second, Slots: 1, RestartBackoff: time.Minute})
	segs := collect(t, r, 1500*time.Millisecond)

	assert.Empty(t, segs, "failed captures that wrote nothing aren't announced")
	data, err := os.ReadFile(count)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "x"), "relaunched without backing off")
}
