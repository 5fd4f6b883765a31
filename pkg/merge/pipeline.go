package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/msteffen/capsup/pkg/bucket"
	"github.com/msteffen/capsup/pkg/journal"
)

// Oracle reports the first and last event timestamps in a segment
type Oracle interface {
	Range(ctx context.Context, path string) (first, last time.Time, ok bool)
}

// Splitter writes the events of 'input' in [from, to) to 'output'
type Splitter interface {
	Extract(ctx context.Context, input, output string, from, to time.Time) error
}

// Config holds the pipeline's tunables. Zero values are replaced by defaults
// in New
type Config struct {
	Retries       int
	RetryDelay    time.Duration
	SettleDelay   time.Duration
	FailedDir     string
	MaxSplitDepth int
}

const (
	DefaultRetries       = 5
	DefaultRetryDelay    = 2 * time.Second
	DefaultSettleDelay   = 2 * time.Second
	DefaultMaxSplitDepth = 2
)

// Result describes what happened to one finished segment
type Result struct {
	Segment string
	State   State
	Pieces  int // number of pieces the segment was split into (0 if unsplit)
	Err     error
}

// Pipeline resolves, splits and merges finished segments. It's not safe for
// concurrent use: Process must be called from one goroutine at a time
type Pipeline struct {
	//// Not owned
	resolver *bucket.Resolver
	oracle   Oracle
	splitter Splitter

	exec        executor
	settleDelay time.Duration
	maxDepth    int

	// Monitor accumulates outcome counters across calls to Process
	Monitor *Monitor
}

// New returns a Pipeline that folds segments into the aggregate files of
// 'resolver'. 'ledger' may be nil, in which case merges aren't journaled
func New(cfg Config, resolver *bucket.Resolver, oracle Oracle, splitter Splitter, merger Merger, ledger Ledger) *Pipeline {
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.MaxSplitDepth <= 0 {
		cfg.MaxSplitDepth = DefaultMaxSplitDepth
	}
	if cfg.FailedDir == "" {
		cfg.FailedDir = filepath.Join(resolver.Dir, "failed")
	}
	m := &Monitor{}
	return &Pipeline{
		resolver: resolver,
		oracle:   oracle,
		splitter: splitter,
		exec: executor{
			resolver:   resolver,
			merger:     merger,
			ledger:     ledger,
			monitor:    m,
			retries:    cfg.Retries,
			retryDelay: cfg.RetryDelay,
			failedDir:  cfg.FailedDir,
			sleep:      time.Sleep,
		},
		settleDelay: cfg.SettleDelay,
		maxDepth:    cfg.MaxSplitDepth,
		Monitor:     m,
	}
}

// SetSleep replaces time.Sleep for the settle and retry delays (for tests)
func (p *Pipeline) SetSleep(sleep func(time.Duration)) {
	p.exec.sleep = sleep
}

// FailedDir is where segments that could not be merged are moved
func (p *Pipeline) FailedDir() string {
	return p.exec.failedDir
}

// item is one unit of work in the queue: a top-level segment or a piece of a
// split segment
type item struct {
	path  string
	depth int
	scope *splitScope // nil for a top-level segment

	// edge is set on the pieces holding the first or last event of the
	// segment they were split from. Those pieces can't be empty
	edge bool
}

// splitScope owns the scratch directory holding the pieces of one split
// segment. When the last piece reaches a terminal state, the scope deletes (or
// preserves) the segment it split, removes its directory, and reports to its
// parent
type splitScope struct {
	origin  item
	dir     string
	pending int
	folded  int // pieces that reached Merged
	errs    []error
	closed  bool
}

// Process takes one finished segment through resolve -> (split) -> merge. When
// it returns, 'segment' and any scratch files derived from it are gone from
// the working directory: merged into an aggregate file, discarded because it
// held no events, or moved to the failed dir
func (p *Pipeline) Process(ctx context.Context, segment string) (result Result) {
	result = Result{Segment: segment}
	if p.settleDelay > 0 {
		p.exec.sleep(p.settleDelay)
	}

	var (
		queue  = []item{{path: segment}}
		scopes []*splitScope
		top    State
		errs   []error
	)
	defer func() {
		// only reached with open scopes if something below panicked
		for i := len(scopes) - 1; i >= 0; i-- {
			if !scopes[i].closed {
				p.abandon(scopes[i])
			}
		}
	}()

	// finish records the terminal state of 'it' and closes every scope that
	// this completes
	var finish func(it item, s State, err error)
	finish = func(it item, s State, err error) {
		if it.scope == nil {
			if err != nil {
				errs = append(errs, err)
			}
			top = s
			return
		}
		sc := it.scope
		if err != nil {
			sc.errs = append(sc.errs, err)
		}
		switch {
		case s == Merged:
			sc.folded++
		case s == Discarded && it.edge:
			sc.errs = append(sc.errs, fmt.Errorf("%s held no events, but its window contains the first or last event of %s",
				it.path, sc.origin.path))
		}
		sc.pending--
		if sc.pending > 0 {
			return
		}
		s, err = p.closeScope(sc)
		finish(sc.origin, s, err)
	}

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		first, last, ok := p.oracle.Range(ctx, it.path)
		if !ok {
			p.discard(it.path)
			finish(it, Discarded, nil)
			continue
		}
		if !p.resolver.Straddles(first, last) {
			s, err := p.exec.fold(ctx, it.path, p.resolver.Key(first))
			finish(it, s, err)
			continue
		}
		if it.depth >= p.maxDepth {
			err := fmt.Errorf("%s still straddles a bucket boundary (%s - %s) after %d splits",
				it.path, first.Format(time.RFC3339), last.Format(time.RFC3339), it.depth)
			p.exec.monitor.RecordFailure(0, err)
			finish(it, Failed, p.exec.preserve(it.path, p.resolver.Key(first), p.exec.fingerprint(it.path), 0, err))
			continue
		}

		sc, pieces := p.split(ctx, it, first, last)
		scopes = append(scopes, sc)
		result.Pieces += len(pieces)
		if len(pieces) == 0 {
			sc.pending = 1 // closed by the finish() call below
			finish(item{scope: sc}, Discarded, nil)
			continue
		}
		sc.pending = len(pieces)
		// pieces go to the front so that one segment is finished before the
		// next begins
		queue = append(pieces, queue...)
	}

	result.State = top
	result.Err = errors.Join(errs...)
	return result
}

// split extracts one piece per bucket window of [first, last] into a new
// scratch directory beside it.path
func (p *Pipeline) split(ctx context.Context, it item, first, last time.Time) (*splitScope, []item) {
	p.exec.monitor.RecordSplit()
	sc := &splitScope{
		origin: it,
		dir:    filepath.Join(filepath.Dir(it.path), ".split-"+uuid.NewString()),
	}
	windows := p.resolver.Windows(first, last)
	log.Infof("splitting %s into %d pieces (%s - %s)", it.path, len(windows),
		first.Format(time.RFC3339), last.Format(time.RFC3339))
	if err := os.Mkdir(sc.dir, 0755); err != nil {
		sc.errs = append(sc.errs, fmt.Errorf("could not create scratch dir for %s: %v", it.path, err))
		return sc, nil
	}

	base := filepath.Base(it.path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	var pieces []item
	for i, w := range windows {
		// the first window contains 'first' and the last contains 'last', so
		// the splitter must have written something for both. Windows in between
		// may legitimately be empty (e.g. the capture saw no traffic for an hour)
		edge := i == 0 || i == len(windows)-1
		out := filepath.Join(sc.dir, fmt.Sprintf("%s.%s%s", stem, w.Key, ext))
		if err := p.splitter.Extract(ctx, it.path, out, w.From, w.To); err != nil {
			log.Errorf("could not extract %s from %s: %v", w.Key, it.path, err)
			sc.errs = append(sc.errs, fmt.Errorf("could not extract %s from %s: %v", w.Key, it.path, err))
			removeIfExists(out)
			continue
		}
		if info, err := os.Stat(out); err != nil || info.Size() == 0 {
			removeIfExists(out)
			if edge {
				log.Errorf("extracting %s from %s produced no output", w.Key, it.path)
				sc.errs = append(sc.errs, fmt.Errorf("extracting %s from %s produced no output", w.Key, it.path))
			}
			continue
		}
		pieces = append(pieces, item{path: out, depth: it.depth + 1, scope: sc, edge: edge})
	}
	return sc, pieces
}

// closeScope runs once every piece of 'sc' is terminal. The split segment is
// deleted only if every window was extracted and at least one piece reached
// an aggregate file; otherwise it's preserved
func (p *Pipeline) closeScope(sc *splitScope) (State, error) {
	sc.closed = true
	defer func() {
		if err := os.RemoveAll(sc.dir); err != nil {
			log.Errorf("could not remove scratch dir %s: %v", sc.dir, err)
		}
	}()
	err := errors.Join(sc.errs...)
	if err == nil && sc.folded == 0 {
		err = fmt.Errorf("split of %s produced no merged pieces", sc.origin.path)
	}
	if err == nil {
		if rmErr := os.Remove(sc.origin.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return Failed, fmt.Errorf("could not remove split segment %s: %v", sc.origin.path, rmErr)
		}
		return Merged, nil
	}
	// some events of the original may not have reached an aggregate file
	dst, pErr := preserveFile(sc.origin.path, p.exec.failedDir)
	if pErr != nil {
		log.Errorf("could not preserve %s: %v", sc.origin.path, pErr)
		return Failed, err
	}
	log.Warnf("split of %s was incomplete; preserved it at %s", sc.origin.path, dst)
	if hash := p.exec.fingerprint(dst); hash != "" {
		p.exec.record(journal.Entry{Hash: hash, Segment: dst, Outcome: journal.Failed, Detail: err.Error()})
	}
	return Failed, err
}

// abandon preserves everything left in an unfinished scope
func (p *Pipeline) abandon(sc *splitScope) {
	sc.closed = true
	if entries, err := os.ReadDir(sc.dir); err == nil {
		for _, e := range entries {
			if _, err := preserveFile(filepath.Join(sc.dir, e.Name()), p.exec.failedDir); err != nil {
				log.Errorf("could not preserve %s: %v", e.Name(), err)
			}
		}
	}
	if _, err := os.Stat(sc.origin.path); err == nil {
		if _, err := preserveFile(sc.origin.path, p.exec.failedDir); err != nil {
			log.Errorf("could not preserve %s: %v", sc.origin.path, err)
		}
	}
	if err := os.RemoveAll(sc.dir); err != nil {
		log.Errorf("could not remove scratch dir %s: %v", sc.dir, err)
	}
}

// discard removes a segment with no readable events
func (p *Pipeline) discard(path string) {
	hash := p.exec.fingerprint(path)
	log.Warnf("%s contains no events; discarding it", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Errorf("could not remove %s: %v", path, err)
	}
	p.exec.monitor.RecordDiscarded()
	p.exec.record(journal.Entry{Hash: hash, Segment: path, Outcome: journal.Discarded})
}

// CleanStale removes scratch directories and merge temp files left behind by a
// previous run that died mid-split or mid-merge. A scratch directory only
// holds pieces of a segment that is still in the working directory, so
// dropping it loses nothing: the segment is split again
func CleanStale(workDir, aggregateDir string) {
	for _, pattern := range []string{
		filepath.Join(workDir, ".split-*"),
		filepath.Join(aggregateDir, ".*.merge-*"),
		filepath.Join(aggregateDir, ".*.copy-*"),
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			log.Infof("removing stale %s", m)
			if err := os.RemoveAll(m); err != nil {
				log.Errorf("could not remove %s: %v", m, err)
			}
		}
	}
}
