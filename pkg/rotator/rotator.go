// rotator runs the external capture program back to back (or, with two
// slots, overlapping) so that the stream is captured without gaps, one bounded
// segment file at a time. Every capture that exits is announced on the
// Finished() channel, which is the supervisor's signal that the segment file
// is complete and may be merged.

package rotator

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/msteffen/capsup/pkg/bucket"
	"github.com/msteffen/capsup/pkg/captool"
	"github.com/msteffen/capsup/pkg/clock"
)

const (
	DefaultPrefix         = "seg_"
	DefaultExt            = ".pcapng"
	DefaultDuration       = 60 * time.Second
	DefaultOverlap        = 5 * time.Second
	DefaultStopGrace      = 5 * time.Second
	DefaultRestartBackoff = 5 * time.Second

	// a capture that fails sooner than this after starting is assumed to be
	// failing on startup (bad interface, missing binary) and is not restarted
	// right away
	fastFailure = time.Second

	// nameLayout is the UTC start time embedded in segment file names
	nameLayout = "20060102T150405Z"
)

// Config configures a Rotator
type Config struct {
	// Dir is the working directory that segment files are written to
	Dir    string
	Prefix string
	Ext    string

	// Command is the capture program. Placeholders: {duration} (whole seconds)
	// and {output}
	Command captool.Template

	Duration time.Duration
	// Overlap is how long consecutive captures run concurrently. Ignored when
	// Slots is 1
	Overlap time.Duration
	// Slots is the number of captures that may run at once (1 or 2)
	Slots int

	StopGrace      time.Duration
	RestartBackoff time.Duration

	// Location determines where day boundaries fall. Defaults to UTC
	Location *time.Location
	Clock    clock.Clock
}

// Segment is a capture that has exited. Its file is complete
type Segment struct {
	Path    string
	Seq     int
	Started time.Time
	Ended   time.Time
	// Err is set if the capture program failed. The file may still hold
	// useful data, so it's merged like any other
	Err error
}

// Rotator schedules captures. Create one with New and start it with Run
type Rotator struct {
	cfg  Config
	days *bucket.Resolver

	finished chan Segment

	mu           sync.Mutex
	live         map[string]struct{}
	backoffUntil time.Time
}

// New validates 'cfg', fills in defaults, and returns a Rotator
func New(cfg Config) (*Rotator, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("rotator: working directory must be set")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Ext == "" {
		cfg.Ext = DefaultExt
	}
	if len(cfg.Command) == 0 {
		cfg.Command = captool.DefaultCapture
	}
	if err := cfg.Command.Check("duration", "output"); err != nil {
		return nil, fmt.Errorf("rotator: invalid capture command: %v", err)
	}
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Slots == 0 {
		cfg.Slots = 1
	}
	switch cfg.Slots {
	case 1:
		cfg.Overlap = 0
	case 2:
		if cfg.Overlap < 0 || cfg.Overlap >= cfg.Duration {
			return nil, fmt.Errorf("rotator: overlap (%v) must be in [0, duration (%v))", cfg.Overlap, cfg.Duration)
		}
	default:
		return nil, fmt.Errorf("rotator: slots must be 1 or 2, but was %d", cfg.Slots)
	}
	if cfg.Duration < time.Second {
		return nil, fmt.Errorf("rotator: duration must be at least 1s, but was %v", cfg.Duration)
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.RestartBackoff < 0 {
		cfg.RestartBackoff = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Rotator{
		cfg:      cfg,
		days:     &bucket.Resolver{Granularity: bucket.Day, Location: cfg.Location},
		finished: make(chan Segment, 16),
		live:     make(map[string]struct{}),
	}, nil
}

// Finished returns the handoff channel. It receives every capture that exits,
// and is closed once Run has returned and no capture is running
func (r *Rotator) Finished() <-chan Segment {
	return r.finished
}

// Live returns the segment files that captures are currently writing
func (r *Rotator) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]string, 0, len(r.live))
	for p := range r.live {
		result = append(result, p)
	}
	sort.Strings(result)
	return result
}

// Plan returns the duration of a capture launched at 't', and when the next
// capture should launch. Captures are cut at day boundaries, so that no
// segment spans more than 'overlap' of the next day.
//
// The capture program only takes whole seconds (see captureSeconds), so a
// capture launched less than 1s before a boundary with no overlap (always the
// case with one slot) still runs for 1s and ends up to 1s into the next day.
// The merge pipeline splits such a segment at the boundary like any other
func (r *Rotator) Plan(t time.Time) (dur time.Duration, next time.Time) {
	boundary := r.days.Next(t)
	if t.Add(r.cfg.Duration).After(boundary) {
		return boundary.Sub(t) + r.cfg.Overlap, boundary
	}
	if r.cfg.Slots == 1 {
		return r.cfg.Duration, t.Add(r.cfg.Duration)
	}
	return r.cfg.Duration, t.Add(r.cfg.Duration - r.cfg.Overlap)
}

// SegmentPath returns the file that capture 'seq', started at 'started', writes
func (r *Rotator) SegmentPath(started time.Time, seq int) string {
	name := fmt.Sprintf("%s%s_%06d%s", r.cfg.Prefix, started.UTC().Format(nameLayout), seq, r.cfg.Ext)
	return filepath.Join(r.cfg.Dir, name)
}

// Run launches captures until 'ctx' is cancelled, then stops the running
// captures and closes the Finished() channel. Shutdown isn't an error: Run
// only returns non-nil if it can't start at all
func (r *Rotator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(r.finished)
		log.Info("all captures stopped")
	}()
	if err := os.MkdirAll(r.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("could not create working directory: %v", err)
	}

	slots := make(chan struct{}, r.cfg.Slots)
	exited := make(chan struct{}, 1)
	next := r.cfg.Clock.Now()
	for seq := 1; ; seq++ {
		// wait for a free slot, then for the scheduled start time
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		target := next
		if r.cfg.Slots == 1 {
			// the previous capture has exited, so don't wait for the planned
			// time (it may have exited early)
			target = time.Time{}
		}
		if !r.waitUntil(ctx, r.startAfter(target), exited) {
			<-slots
			return nil
		}

		started := r.cfg.Clock.Now()
		if started.Before(next) || r.cfg.Slots == 1 {
			next = started
		}
		dur, planned := r.Plan(next)
		if started.After(next) {
			// shorten the capture so that it still ends when planned
			dur -= started.Sub(next)
			if dur < time.Second {
				dur = time.Second
			}
		}
		next = planned

		path := r.SegmentPath(started, seq)
		r.setLive(path, true)
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			seg := r.capture(ctx, path, seq, started, dur)
			r.setLive(path, false)
			<-slots
			select {
			case exited <- struct{}{}:
			default:
			}
			if _, err := os.Stat(path); err != nil {
				log.Warnf("capture %d produced no file: %v", seq, err)
				return
			}
			r.finished <- seg
		}(seq)
	}
}

// captureSeconds is the {duration} passed to the capture program for a
// capture planned to last 'dur': whole seconds, rounded up, at least 1
func captureSeconds(dur time.Duration) int64 {
	if secs := int64(math.Ceil(dur.Seconds())); secs > 1 {
		return secs
	}
	return 1
}

// capture runs one capture program to completion (or until 'ctx' is cancelled)
func (r *Rotator) capture(ctx context.Context, path string, seq int, started time.Time, dur time.Duration) Segment {
	seg := Segment{Path: path, Seq: seq, Started: started}
	secs := captureSeconds(dur)
	argv, err := r.cfg.Command.Expand(map[string]string{
		"duration": strconv.FormatInt(secs, 10),
		"output":   path,
	})
	if err != nil {
		seg.Err = err
		seg.Ended = r.cfg.Clock.Now()
		return seg
	}
	log.WithFields(log.Fields{"seq": seq, "duration": secs}).Infof("starting capture to %s", path)

	cmd := exec.Command(argv[0], argv[1:]...)
	// own process group, so that stopping the capture also stops anything it
	// spawned (tshark runs dumpcap)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr := log.WithField("seq", seq).WriterLevel(log.DebugLevel)
	defer stderr.Close()
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		seg.Err = fmt.Errorf("could not start capture: %v", err)
	} else {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			seg.Err = err
		case <-ctx.Done():
			seg.Err = r.stop(cmd.Process.Pid, done)
		}
	}
	seg.Ended = r.cfg.Clock.Now()

	if seg.Err != nil {
		log.Errorf("capture %d (%s) failed: %v", seq, path, seg.Err)
		if seg.Ended.Sub(started) < fastFailure {
			r.mu.Lock()
			r.backoffUntil = seg.Ended.Add(r.cfg.RestartBackoff)
			r.mu.Unlock()
		}
	} else {
		log.Infof("capture %d finished: %s", seq, path)
	}
	return seg
}

// stop terminates the process group 'pid' leads: SIGTERM, then SIGKILL if it
// hasn't exited after StopGrace. Returns nil if the capture exited on SIGTERM
func (r *Rotator) stop(pid int, done <-chan error) error {
	log.Infof("stopping capture (pid %d)", pid)
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		log.Warnf("could not signal capture %d: %v", pid, err)
	}
	timer := time.NewTimer(r.cfg.StopGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		if isSignal(err, unix.SIGTERM) {
			return nil
		}
		return err
	case <-timer.C:
	}
	log.Warnf("capture %d did not exit within %v; killing it", pid, r.cfg.StopGrace)
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		log.Errorf("could not kill capture %d: %v", pid, err)
	}
	err := <-done
	if isSignal(err, unix.SIGKILL) {
		return nil
	}
	return err
}

// isSignal returns true if 'err' reports that a process was killed by 'sig'
func isSignal(err error, sig syscall.Signal) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == sig
}

func (r *Rotator) startAfter(next time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backoffUntil.After(next) && r.backoffUntil.After(r.cfg.Clock.Now()) {
		log.Warnf("capture failed on startup; waiting until %s to retry",
			r.backoffUntil.Format(time.RFC3339))
		return r.backoffUntil
	}
	return next
}

// waitUntil blocks until the clock reads 't', or until no capture is running
// (the stream must never go uncaptured, even if a capture exits early).
// Returns false if 'ctx' was cancelled first
func (r *Rotator) waitUntil(ctx context.Context, t time.Time, exited <-chan struct{}) bool {
	for {
		d := t.Sub(r.cfg.Clock.Now())
		if d <= 0 || r.idle() {
			return ctx.Err() == nil
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
			return true
		case <-exited:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

func (r *Rotator) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live) == 0 && !r.backoffUntil.After(r.cfg.Clock.Now())
}

func (r *Rotator) setLive(path string, live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if live {
		r.live[path] = struct{}{}
	} else {
		delete(r.live, path)
	}
}
