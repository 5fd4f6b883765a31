package capd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/msteffen/capsup/client"
	"github.com/msteffen/capsup/pkg/captool"
	"github.com/msteffen/capsup/pkg/clock"
	"github.com/msteffen/capsup/pkg/config"
	"github.com/msteffen/capsup/pkg/coverage"
	"github.com/msteffen/capsup/pkg/journal"
	"github.com/msteffen/capsup/pkg/merge"
	"github.com/msteffen/capsup/pkg/rotator"
	"github.com/msteffen/capsup/pkg/supervisor"
)

const (
	// coverageWindow is how far back /status reports capture coverage
	coverageWindow = 24 * time.Hour

	// coverageMaxGap is the largest gap between consecutive captures that still
	// counts as continuous (single-slot captures are a process startup apart)
	coverageMaxGap = 2 * time.Second
)

// Daemon runs the capture rotator and the merge supervisor side by side, and
// coordinates their shutdown: a stop request stops the rotator, whose closed
// handoff channel tells the supervisor to drain and exit
type Daemon struct {
	//// Not owned
	clock clock.Clock

	//// Owned
	cfg        *config.Config
	rotator    *rotator.Rotator
	pipeline   *merge.Pipeline
	supervisor *supervisor.Supervisor
	journal    *journal.Journal // nil if disabled
	coverage   *coverage.Tracker

	// stop is cancelled (once) to begin a graceful shutdown
	stopCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{} // closed once Run has returned

	startTime time.Time
}

// New creates the daemon's directories and components. Failure to create a
// directory is the only fatal startup error
func New(cfg *config.Config, c clock.Clock) (*Daemon, error) {
	if c == nil {
		c = clock.System
	}
	for _, dir := range []string{cfg.Capture.WorkDir, cfg.Output.Dir, cfg.Merge.FailedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("could not create directory %s: %v", dir, err)
		}
	}
	resolver, err := cfg.Resolver()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		clock:     c,
		cfg:       cfg,
		coverage:  coverage.NewTracker(coverageMaxGap, coverageWindow),
		stopped:   make(chan struct{}),
		startTime: c.Now(),
	}
	d.stopCtx, d.stop = context.WithCancel(context.Background())

	d.rotator, err = rotator.New(rotator.Config{
		Dir:            cfg.Capture.WorkDir,
		Command:        captool.Template(cfg.Capture.Command),
		Duration:       cfg.Capture.Duration,
		Overlap:        cfg.Capture.Overlap,
		Slots:          cfg.Capture.Slots,
		StopGrace:      cfg.Capture.StopGrace,
		RestartBackoff: cfg.Capture.RestartBackoff,
		Location:       resolver.Location,
		Clock:          c,
	})
	if err != nil {
		return nil, err
	}

	var ledger merge.Ledger
	if cfg.JournalEnabled() {
		d.journal, err = journal.Open(cfg.Merge.Journal)
		if err != nil {
			// merging still works without the journal, only crash dedup is lost
			log.Errorf("could not open merge journal (continuing without it): %v", err)
			d.journal = nil
		} else {
			ledger = d.journal
		}
	}
	d.pipeline = merge.New(merge.Config{
		Retries:       cfg.Merge.Retries,
		RetryDelay:    cfg.Merge.RetryDelay,
		SettleDelay:   cfg.Merge.SettleDelay,
		FailedDir:     cfg.Merge.FailedDir,
		MaxSplitDepth: cfg.Merge.MaxSplitDepth,
	}, resolver,
		&captool.Oracle{Cmd: captool.Template(cfg.Merge.QueryCommand)},
		&captool.Splitter{Cmd: captool.Template(cfg.Merge.SplitCommand)},
		&captool.Merger{Cmd: captool.Template(cfg.Merge.MergeCommand)},
		ledger)

	d.supervisor = supervisor.New(supervisor.Config{
		Dir:          cfg.Capture.WorkDir,
		IdleInterval: cfg.Supervisor.IdleInterval,
		BusyInterval: cfg.Supervisor.BusyInterval,
		OnCapture: func(s rotator.Segment) {
			d.coverage.Record(s.Started, s.Ended)
		},
	}, d.rotator, d.pipeline)
	return d, nil
}

// Run captures and merges until Stop is called (or 'ctx' is cancelled, which
// is treated the same way), then waits for every capture to exit and every
// finished segment to be merged. Shutdown is not an error
func (d *Daemon) Run(ctx context.Context) error {
	defer close(d.stopped)
	defer d.stop() // releases the goroutine below if the rotator failed
	defer func() {
		if d.journal != nil {
			if err := d.journal.Close(); err != nil {
				log.Errorf("could not close merge journal: %v", err)
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			d.Stop()
		case <-d.stopCtx.Done():
		}
	}()

	merge.CleanStale(d.cfg.Capture.WorkDir, d.cfg.Output.Dir)
	log.Infof("capturing to %s, merging into %s", d.cfg.Capture.WorkDir, d.cfg.Output.Dir)

	// the supervisor's context is never cancelled by a stop request: it must
	// drain everything the rotator produced before it exits
	var eg errgroup.Group
	eg.Go(func() error {
		return d.rotator.Run(d.stopCtx)
	})
	eg.Go(func() error {
		return d.supervisor.Run(context.WithoutCancel(ctx))
	})
	err := eg.Wait()
	log.Info("capture daemon stopped")
	return err
}

// Stop begins a graceful shutdown. It returns immediately, and may be called
// any number of times from any goroutine
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		log.Warn("stop requested; finishing captures and merging remaining segments")
		d.stop()
	})
	return nil
}

// Stopping returns true once Stop has been called
func (d *Daemon) Stopping() bool {
	return d.stopCtx.Err() != nil
}

// Done returns a channel that's closed once Run has returned
func (d *Daemon) Done() <-chan struct{} {
	return d.stopped
}

// Status implements the corresponding method of client.CaptureSupervisorAPI
func (d *Daemon) Status() (*client.StatusResponse, error) {
	now := d.clock.Now()
	stats := d.supervisor.Stats()
	m := d.pipeline.Monitor.Status()
	resp := &client.StatusResponse{
		UptimeSecs: int64(now.Sub(d.startTime) / time.Second),
		Stopping:   d.Stopping(),
		Live:       d.rotator.Live(),
		Processed:  stats.Results,
		LastPoll:   unixOrZero(stats.LastPoll),
		Merge: client.MergeStatus{
			Healthy:             m.Healthy,
			Created:             m.Created,
			Merged:              m.Merged,
			Discarded:           m.Discarded,
			Split:               m.Split,
			Failed:              m.Failed,
			MergeAttempts:       m.MergeAttempts,
			ConsecutiveFailures: m.ConsecutiveFailures,
			LastSuccess:         unixOrZero(m.LastSuccess),
			LastAttempt:         unixOrZero(m.LastAttempt),
			LastError:           m.LastError,
		},
	}
	if first, last, ok := d.coverage.Span(); ok {
		from := now.Add(-coverageWindow)
		if first.After(from) {
			from = first
		}
		for _, iv := range d.coverage.Covered(from, last) {
			resp.Coverage.Covered = append(resp.Coverage.Covered, toClientInterval(iv))
		}
		for _, iv := range d.coverage.Gaps(from, last) {
			resp.Coverage.Gaps = append(resp.Coverage.Gaps, toClientInterval(iv))
		}
	}
	return resp, nil
}

// Failed implements the corresponding method of client.CaptureSupervisorAPI.
// Journal entries are used when the journal is enabled; otherwise the failed
// directory is listed
func (d *Daemon) Failed() (*client.FailedResponse, error) {
	resp := &client.FailedResponse{}
	if d.journal != nil {
		entries, err := d.journal.List(journal.Failed)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			resp.Segments = append(resp.Segments, client.FailedSegment{
				Path:     e.Segment,
				Bucket:   e.Bucket,
				Attempts: e.Attempts,
				Detail:   e.Detail,
				Updated:  e.Updated.Unix(),
			})
		}
		return resp, nil
	}

	entries, err := os.ReadDir(d.cfg.Merge.FailedDir)
	if err != nil {
		return nil, fmt.Errorf("could not list %s: %v", d.cfg.Merge.FailedDir, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		seg := client.FailedSegment{Path: d.cfg.Merge.FailedDir + string(os.PathSeparator) + e.Name()}
		if info, err := e.Info(); err == nil {
			seg.Updated = info.ModTime().Unix()
		}
		resp.Segments = append(resp.Segments, seg)
	}
	sort.Slice(resp.Segments, func(i, j int) bool {
		return resp.Segments[i].Updated < resp.Segments[j].Updated
	})
	return resp, nil
}

var _ client.CaptureSupervisorAPI = (*Daemon)(nil)

func toClientInterval(iv coverage.Interval) client.Interval {
	return client.Interval{Start: iv.Start.Unix(), End: iv.End.Unix()}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
