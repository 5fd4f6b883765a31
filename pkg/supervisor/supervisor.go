// supervisor is the single consumer of finished segments. Segments arrive two
// ways: the rotator announces each capture as it exits (the normal path), and
// the working directory is polled for segments nobody announced (leftovers
// from a previous run, or captures whose announcement was lost). Either way
// each segment is handed to the merge pipeline exactly once per run.

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/msteffen/capsup/pkg/merge"
	"github.com/msteffen/capsup/pkg/rotator"
)

const (
	DefaultIdleInterval = 10 * time.Second
	DefaultBusyInterval = time.Second
)

// Source produces finished segments (implemented by rotator.Rotator)
type Source interface {
	Finished() <-chan rotator.Segment
	Live() []string
}

// Pipeline folds one segment into the aggregate files (implemented by
// merge.Pipeline)
type Pipeline interface {
	Process(ctx context.Context, segment string) merge.Result
}

// Config configures a Supervisor
type Config struct {
	// Dir is the working directory polled for segments matching
	// <Prefix>*<Ext>
	Dir    string
	Prefix string
	Ext    string

	// IdleInterval is the poll interval after a poll that found nothing;
	// BusyInterval is used after a poll that found something
	IdleInterval time.Duration
	BusyInterval time.Duration

	// OnCapture, if set, is called with every segment the source announces
	OnCapture func(rotator.Segment)
}

// Supervisor feeds finished segments to a Pipeline. It is not durable: the
// set of processed segments lives in memory, and a restart relies on the
// working directory (plus the merge journal) to find what is left
type Supervisor struct {
	cfg      Config
	source   Source
	pipeline Pipeline

	// processed holds every path handed to the pipeline this run. A path is
	// added before it's processed, so a segment that's both announced and
	// found by a poll is only merged once
	processed map[string]struct{}

	mu       sync.Mutex
	lastPoll time.Time
	results  map[merge.State]int
}

// New returns a Supervisor reading from 'source' and writing via 'pipeline'
func New(cfg Config, source Source, pipeline Pipeline) *Supervisor {
	if cfg.Prefix == "" {
		cfg.Prefix = rotator.DefaultPrefix
	}
	if cfg.Ext == "" {
		cfg.Ext = rotator.DefaultExt
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.BusyInterval <= 0 {
		cfg.BusyInterval = DefaultBusyInterval
	}
	return &Supervisor{
		cfg:       cfg,
		source:    source,
		pipeline:  pipeline,
		processed: make(map[string]struct{}),
		results:   make(map[merge.State]int),
	}
}

// Run processes segments until the source's Finished() channel is closed,
// which means every capture has exited. It then processes whatever is left in
// the working directory and returns nil. Cancelling 'ctx' abandons the drain
// and returns ctx.Err(); segments left behind are picked up by the next run
func (s *Supervisor) Run(ctx context.Context) error {
	finished := s.source.Finished()
	timer := time.NewTimer(0) // poll once at startup for leftovers
	defer timer.Stop()
	for {
		select {
		case seg, ok := <-finished:
			if !ok {
				log.Info("all captures have exited; merging remaining segments")
				s.poll(ctx, true)
				log.Info("merge supervisor finished")
				return nil
			}
			if s.cfg.OnCapture != nil {
				s.cfg.OnCapture(seg)
			}
			s.handle(ctx, seg.Path)
		case <-timer.C:
			interval := s.cfg.IdleInterval
			if s.poll(ctx, false) > 0 {
				interval = s.cfg.BusyInterval
			}
			timer.Reset(interval)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// poll processes every unprocessed segment in the working directory, oldest
// first. Unless 'final' is set, segments that are still being captured are
// skipped. Returns the number of segments processed
func (s *Supervisor) poll(ctx context.Context, final bool) int {
	s.mu.Lock()
	s.lastPoll = time.Now()
	s.mu.Unlock()

	// list the directory before asking what's live: a capture that starts in
	// between isn't in the listing, and one that's live in the listing is
	// still live (or has finished) when asked
	candidates, err := s.candidates()
	if err != nil {
		log.Errorf("could not list %s: %v", s.cfg.Dir, err)
		return 0
	}
	live := make(map[string]struct{})
	if !final {
		for _, p := range s.source.Live() {
			live[p] = struct{}{}
		}
	}

	var n int
	for _, path := range candidates {
		if ctx.Err() != nil {
			return n
		}
		if _, ok := live[path]; ok {
			continue
		}
		if _, ok := s.processed[path]; ok {
			continue
		}
		log.Infof("found unannounced segment %s", path)
		s.handle(ctx, path)
		n++
	}
	return n
}

// candidates returns the segment files in the working directory, sorted by
// name (which is creation order)
func (s *Supervisor) candidates() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") ||
			!strings.HasPrefix(name, s.cfg.Prefix) || !strings.HasSuffix(name, s.cfg.Ext) {
			continue
		}
		result = append(result, filepath.Join(s.cfg.Dir, name))
	}
	sort.Strings(result)
	return result, nil
}

// handle sends one segment through the pipeline. Failures are logged and
// counted; they never stop the loop
func (s *Supervisor) handle(ctx context.Context, path string) {
	if _, ok := s.processed[path]; ok {
		log.Debugf("%s was already processed", path)
		return
	}
	s.processed[path] = struct{}{}
	if _, err := os.Stat(path); err != nil {
		log.Warnf("segment %s is gone: %v", path, err)
		return
	}

	r := s.pipeline.Process(ctx, path)
	s.mu.Lock()
	s.results[r.State]++
	s.mu.Unlock()
	fields := log.Fields{"segment": filepath.Base(path), "state": r.State.String()}
	if r.Pieces > 0 {
		fields["pieces"] = r.Pieces
	}
	if r.Err != nil {
		log.WithFields(fields).Errorf("could not merge segment: %v", r.Err)
		return
	}
	log.WithFields(fields).Info("segment done")
}

// Stats is a snapshot of the supervisor's progress
type Stats struct {
	LastPoll time.Time
	// Results counts processed segments by terminal state
	Results map[string]int
}

// Stats returns a snapshot of the supervisor's progress. Safe to call from any
// goroutine
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := Stats{LastPoll: s.lastPoll, Results: make(map[string]int, len(s.results))}
	for st, n := range s.results {
		result.Results[st.String()] = n
	}
	return result
}
