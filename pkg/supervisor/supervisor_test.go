package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msteffen/capsup/pkg/bucket"
	"github.com/msteffen/capsup/pkg/captool"
	"github.com/msteffen/capsup/pkg/merge"
	"github.com/msteffen/capsup/pkg/rotator"
)

// fakeSource is a Source whose channel and live set are controlled by the test
type fakeSource struct {
	ch   chan rotator.Segment
	mu   sync.Mutex
	live []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan rotator.Segment, 16)}
}

func (f *fakeSource) Finished() <-chan rotator.Segment { return f.ch }

func (f *fakeSource) Live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.live...)
}

func (f *fakeSource) setLive(paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = paths
}

// fakePipeline records the segments it's given, and deletes them if 'consume'
// is set
type fakePipeline struct {
	consume bool
	mu      sync.Mutex
	seen    []string
}

func (f *fakePipeline) Process(ctx context.Context, segment string) merge.Result {
	f.mu.Lock()
	f.seen = append(f.seen, filepath.Base(segment))
	f.mu.Unlock()
	if f.consume {
		os.Remove(segment)
	}
	return merge.Result{Segment: segment, State: merge.Merged}
}

func (f *fakePipeline) Seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("1760619598\n"), 0644))
	return path
}

func runT(t *testing.T, s *Supervisor) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func waitT(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not exit")
	}
}

func testConfig(dir string) Config {
	return Config{Dir: dir, IdleInterval: 20 * time.Millisecond, BusyInterval: 5 * time.Millisecond}
}

func TestHandoff(t *testing.T) {
	dir := t.TempDir()
	src, p := newFakeSource(), &fakePipeline{consume: true}
	var announced []int
	cfg := testConfig(dir)
	cfg.IdleInterval = time.Hour // announcements only
	cfg.OnCapture = func(s rotator.Segment) { announced = append(announced, s.Seq) }
	s := New(cfg, src, p)

	a := touch(t, dir, "seg_20261016T130000Z_000001.pcapng")
	b := touch(t, dir, "seg_20261016T130055Z_000002.pcapng")
	done := runT(t, s)
	src.ch <- rotator.Segment{Path: a, Seq: 1}
	src.ch <- rotator.Segment{Path: b, Seq: 2}
	close(src.ch)
	waitT(t, done)

	assert.Equal(t, []string{filepath.Base(a), filepath.Base(b)}, p.Seen())
	assert.Equal(t, []int{1, 2}, announced)
	assert.Equal(t, 2, s.Stats().Results["merged"])
}

func TestPollSkipsLive(t *testing.T) {
	dir := t.TempDir()
	src, p := newFakeSource(), &fakePipeline{consume: true}
	s := New(testConfig(dir), src, p)

	old := touch(t, dir, "seg_20261016T120000Z_000007.pcapng")
	live := touch(t, dir, "seg_20261016T130000Z_000001.pcapng")
	touch(t, dir, "notes.txt")
	touch(t, dir, ".seg_hidden.pcapng")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "seg_dir.pcapng"), 0755))
	src.setLive(live)

	done := runT(t, s)
	require.Eventually(t, func() bool { return len(p.Seen()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{filepath.Base(old)}, p.Seen())

	// give the poller a few more rounds; the live segment must not be touched
	time.Sleep(100 * time.Millisecond)
	assert.FileExists(t, live)
	assert.Len(t, p.Seen(), 1)

	// once every capture has exited, the final sweep takes everything
	close(src.ch)
	waitT(t, done)
	assert.Equal(t, []string{filepath.Base(old), filepath.Base(live)}, p.Seen())
	assert.NoFileExists(t, live)
}

func TestPollOrder(t *testing.T) {
	dir := t.TempDir()
	src, p := newFakeSource(), &fakePipeline{consume: true}
	names := []string{
		"seg_20261016T130055Z_000002.pcapng",
		"seg_20261016T130000Z_000001.pcapng",
		"seg_20261016T130150Z_000003.pcapng",
	}
	for _, n := range names {
		touch(t, dir, n)
	}
	s := New(testConfig(dir), src, p)
	close(src.ch)
	waitT(t, runT(t, s))

	sort.Strings(names)
	assert.Equal(t, names, p.Seen())
}

func TestProcessedOnce(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	// segments that the pipeline fails to remove are still only processed once
	p := &fakePipeline{consume: false}
	s := New(testConfig(dir), src, p)

	a := touch(t, dir, "seg_20261016T130000Z_000001.pcapng")
	done := runT(t, s)
	src.ch <- rotator.Segment{Path: a, Seq: 1}
	time.Sleep(100 * time.Millisecond)
	close(src.ch)
	waitT(t, done)

	assert.Equal(t, []string{filepath.Base(a)}, p.Seen())
}

func TestAnnouncedButGone(t *testing.T) {
	dir := t.TempDir()
	src, p := newFakeSource(), &fakePipeline{consume: true}
	s := New(testConfig(dir), src, p)
	src.ch <- rotator.Segment{Path: filepath.Join(dir, "seg_gone.pcapng"), Seq: 1}
	close(src.ch)
	waitT(t, runT(t, s))
	assert.Empty(t, p.Seen())
}

func TestCancel(t *testing.T) {
	dir := t.TempDir()
	src, p := newFakeSource(), &fakePipeline{}
	s := New(testConfig(dir), src, p)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor ignored cancellation")
	}
}

// The rotator and supervisor together: after the rotator is stopped and the
// supervisor drains, every captured segment is in an aggregate file and the
// working directory is empty
func TestDrainOnShutdown(t *testing.T) {
	root := t.TempDir()
	work, out := filepath.Join(root, "work"), filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(out, 0755))

	rot, err := rotator.New(rotator.Config{
		Dir:      work,
		Command:  captool.FakeCapture,
		Duration: time.Second,
		Slots:    1,
	})
	require.NoError(t, err)
	resolver := &bucket.Resolver{Granularity: bucket.Hour, Location: time.UTC, Dir: out, Prefix: "cap_", Ext: ".pcapng"}
	pipeline := merge.New(merge.Config{SettleDelay: 0, RetryDelay: 0, FailedDir: filepath.Join(work, "failed")},
		resolver,
		&captool.Oracle{Cmd: captool.FakeQuery},
		&captool.Splitter{Cmd: captool.FakeSplit},
		&captool.Merger{Cmd: captool.FakeMerge},
		nil)

	var captured int
	cfg := testConfig(work)
	cfg.OnCapture = func(rotator.Segment) { captured++ }
	sup := New(cfg, rot, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	rotDone := make(chan error, 1)
	go func() { rotDone <- rot.Run(ctx) }()
	supDone := runT(t, sup)

	time.Sleep(2500 * time.Millisecond)
	cancel()
	require.NoError(t, <-rotDone)
	waitT(t, supDone)

	require.True(t, captured >= 2, "only %d segments captured", captured)
	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.Type().IsRegular(), "left in working dir: %s", e.Name())
	}
	var events int
	aggregates, err := os.ReadDir(out)
	require.NoError(t, err)
	require.NotEmpty(t, aggregates)
	for _, e := range aggregates {
		events += len(captool.ReadSegment(t, filepath.Join(out, e.Name())))
	}
	// each fake segment holds one event, except possibly the last, if it was
	// stopped before writing it
	assert.True(t, events == captured || events == captured-1, "%d events from %d segments", events, captured)
}
