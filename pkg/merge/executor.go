package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/msteffen/capsup/pkg/bucket"
	"github.com/msteffen/capsup/pkg/journal"
)

// Merger combines an aggregate file and a segment into a new file. It must not
// modify either input
type Merger interface {
	Merge(ctx context.Context, aggregate, segment, output string) error
}

// Ledger records segment outcomes durably (implemented by journal.Journal)
type Ledger interface {
	Folded(hash string) (bool, error)
	Record(e journal.Entry) error
}

// executor folds single-bucket segments into aggregate files. Only one
// executor may touch a given output directory at a time: aggregate files are
// replaced with rename and nothing else locks them
type executor struct {
	//// Not owned
	resolver *bucket.Resolver
	merger   Merger
	ledger   Ledger // may be nil
	monitor  *Monitor

	retries    int
	retryDelay time.Duration
	failedDir  string
	sleep      func(time.Duration)
}

// fold moves 'segment' into the aggregate file for 'key'. On success the
// segment no longer exists. On failure it has been moved to the failed dir
func (e *executor) fold(ctx context.Context, segment, key string) (State, error) {
	hash := e.fingerprint(segment)
	if hash != "" {
		folded, err := e.ledger.Folded(hash)
		if err != nil {
			log.Warnf("could not check journal for %s (will merge anyway): %v", segment, err)
		} else if folded {
			// a previous run replaced the aggregate but died before deleting
			// the segment
			log.Warnf("%s was already merged into %s; removing it", segment, key)
			if err := os.Remove(segment); err != nil {
				return Failed, fmt.Errorf("could not remove already-merged segment %s: %v", segment, err)
			}
			return Merged, nil
		}
	}

	aggregate := e.resolver.Path(key)
	_, err := os.Stat(aggregate)
	switch {
	case os.IsNotExist(err):
		return e.create(segment, aggregate, key, hash)
	case err != nil:
		e.monitor.RecordFailure(0, err)
		return Failed, e.preserve(segment, key, hash, 0, err)
	}
	return e.merge(ctx, segment, aggregate, key, hash)
}

// create renames 'segment' into place as a new aggregate file
func (e *executor) create(segment, aggregate, key, hash string) (State, error) {
	e.record(journal.Entry{Hash: hash, Segment: segment, Bucket: key, Outcome: journal.Pending})
	if err := moveFile(segment, aggregate); err != nil {
		e.monitor.RecordFailure(0, err)
		return Failed, e.preserve(segment, key, hash, 0, err)
	}
	if err := syncDir(filepath.Dir(aggregate)); err != nil {
		log.Warnf("could not sync %s: %v", filepath.Dir(aggregate), err)
	}
	e.record(journal.Entry{Hash: hash, Segment: segment, Bucket: key, Outcome: journal.Created})
	e.monitor.RecordCreated()
	log.Infof("created new aggregate file %s from %s", aggregate, segment)
	return Merged, nil
}

// merge runs the merge tool into a temp file next to 'aggregate' and renames
// the result over it, retrying up to e.retries times
func (e *executor) merge(ctx context.Context, segment, aggregate, key, hash string) (State, error) {
	e.record(journal.Entry{Hash: hash, Segment: segment, Bucket: key, Outcome: journal.Pending})
	var lastErr error
	attempt := 0
	for attempt < e.retries {
		attempt++
		if lastErr = e.mergeOnce(ctx, segment, aggregate); lastErr == nil {
			break
		}
		if attempt < e.retries {
			log.Warnf("merge failed for %s, retrying in %v (%d/%d): %v",
				segment, e.retryDelay, attempt, e.retries, lastErr)
			e.sleep(e.retryDelay)
		}
	}
	if lastErr != nil {
		log.Errorf("could not merge %s after %d attempts: %v", segment, attempt, lastErr)
		e.monitor.RecordFailure(attempt, lastErr)
		return Failed, e.preserve(segment, key, hash, attempt, lastErr)
	}

	// the aggregate now contains the segment; from here on, a crash leaves a
	// duplicate on disk that the journal recognizes at restart
	e.record(journal.Entry{Hash: hash, Segment: segment, Bucket: key, Outcome: journal.Merged, Attempts: attempt})
	if err := os.Remove(segment); err != nil {
		log.Errorf("merged %s but could not remove it: %v", segment, err)
	}
	e.monitor.RecordMerged(attempt)
	log.Infof("merged %s -> %s", segment, aggregate)
	return Merged, nil
}

func (e *executor) mergeOnce(ctx context.Context, segment, aggregate string) error {
	dir, base := filepath.Split(aggregate)
	tmp := filepath.Join(dir, "."+base+".merge-"+uuid.NewString())
	if err := e.merger.Merge(ctx, aggregate, segment, tmp); err != nil {
		removeIfExists(tmp)
		return err
	}
	if err := os.Rename(tmp, aggregate); err != nil {
		removeIfExists(tmp)
		return fmt.Errorf("could not replace %s: %v", aggregate, err)
	}
	return syncDir(dir)
}

// preserve moves a segment that could not be merged into the failed dir, and
// returns the error describing why
func (e *executor) preserve(segment, key, hash string, attempts int, cause error) error {
	dst, err := preserveFile(segment, e.failedDir)
	if err != nil {
		log.Errorf("could not move %s to %s, leaving it in place: %v", segment, e.failedDir, err)
		dst = segment
	}
	e.record(journal.Entry{
		Hash:     hash,
		Segment:  dst,
		Bucket:   key,
		Outcome:  journal.Failed,
		Attempts: attempts,
		Detail:   fmt.Sprintf("%v", cause),
	})
	if attempts > 0 {
		return &ExhaustedErr{Segment: segment, Path: dst, Attempts: attempts, Last: cause}
	}
	return fmt.Errorf("could not fold %s into %s (preserved at %s): %v", segment, key, dst, cause)
}

func (e *executor) fingerprint(segment string) string {
	if e.ledger == nil {
		return ""
	}
	hash, err := journal.HashFile(segment)
	if err != nil {
		log.Warnf("could not fingerprint %s: %v", segment, err)
		return ""
	}
	return hash
}

func (e *executor) record(entry journal.Entry) {
	if e.ledger == nil || entry.Hash == "" {
		return
	}
	if err := e.ledger.Record(entry); err != nil {
		log.Errorf("could not update journal: %v", err)
	}
}

// preserveFile moves 'path' into 'dir' without overwriting anything there, and
// returns its new location
func preserveFile(path, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Lstat(dst); err == nil {
		dst = filepath.Join(dir, uuid.NewString()[:8]+"_"+filepath.Base(path))
	}
	if err := moveFile(path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// moveFile renames 'src' to 'dst', falling back to copy+rename+remove when they
// are on different filesystems. 'dst' only ever appears complete
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return err
	}
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".copy-"+uuid.NewString())
	if err := copyFile(src, tmp); err != nil {
		removeIfExists(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		removeIfExists(tmp)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("could not remove %s: %v", path, err)
	}
}

func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}
