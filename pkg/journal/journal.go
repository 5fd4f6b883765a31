// journal records what happened to every segment the merge pipeline touched,
// keyed by a fingerprint of the segment's contents. Its main job is to make
// merges idempotent across crashes: if the supervisor dies after an aggregate
// file was replaced but before the merged segment was deleted, the segment is
// still on disk at restart, and the journal is how we know not to merge it a
// second time. It also lists preserved (failed) segments for the operator.

package journal

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// Outcome is the terminal (or pending) state recorded for a segment
type Outcome string

const (
	// Pending is written just before an aggregate file is modified
	Pending   Outcome = "pending"
	Created   Outcome = "created"
	Merged    Outcome = "merged"
	Discarded Outcome = "discarded"
	Failed    Outcome = "failed"
)

// Entry is one row of the journal
type Entry struct {
	Hash     string
	Segment  string
	Bucket   string
	Outcome  Outcome
	Attempts int
	Detail   string
	Updated  time.Time
}

// Journal is a SQLite-backed record of segment outcomes
type Journal struct {
	// db holds one row per segment fingerprint
	db *sql.DB

	// mu guards 'db'. The sqlite driver does not allow for concurrent writes.
	// See https://github.com/mattn/go-sqlite3#faq
	mu sync.Mutex

	now func() time.Time
}

// Open opens (creating if necessary) the journal at 'path'
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not open journal %s: %v", path, err)
	}
	if _, err := db.Exec(`
	  CREATE TABLE IF NOT EXISTS segments (
	    hash TEXT PRIMARY KEY,
	    segment TEXT,
	    bucket TEXT,
	    outcome TEXT,
	    attempts INTEGER,
	    detail TEXT,
	    updated INTEGER
	  );
	  CREATE INDEX IF NOT EXISTS segments_by_outcome ON segments (outcome, updated);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create journal tables: %v", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record upserts 'e', keyed by e.Hash
func (j *Journal) Record(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if e.Updated.IsZero() {
		e.Updated = j.now()
	}
	_, err := j.db.Exec(`
	  INSERT INTO segments (hash, segment, bucket, outcome, attempts, detail, updated)
	  VALUES (?, ?, ?, ?, ?, ?, ?)
	  ON CONFLICT(hash) DO UPDATE SET
	    segment = excluded.segment,
	    bucket = excluded.bucket,
	    outcome = excluded.outcome,
	    attempts = excluded.attempts,
	    detail = excluded.detail,
	    updated = excluded.updated;`,
		e.Hash, e.Segment, e.Bucket, string(e.Outcome), e.Attempts, e.Detail, e.Updated.UnixNano())
	if err != nil {
		return fmt.Errorf("could not record %s for %s: %v", e.Outcome, e.Segment, err)
	}
	return nil
}

// Lookup returns the entry for 'hash', or nil if there isn't one
func (j *Journal) Lookup(hash string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	row := j.db.QueryRow(`
	  SELECT hash, segment, bucket, outcome, attempts, detail, updated
	  FROM segments WHERE hash = ?;`, hash)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not look up %s: %v", hash, err)
	}
	return e, nil
}

// Folded returns true if the segment with fingerprint 'hash' is already part
// of an aggregate file (its outcome was Created or Merged)
func (j *Journal) Folded(hash string) (bool, error) {
	e, err := j.Lookup(hash)
	if err != nil || e == nil {
		return false, err
	}
	return e.Outcome == Created || e.Outcome == Merged, nil
}

// List returns all entries with outcome 'o', oldest first
func (j *Journal) List(o Outcome) ([]*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.Query(`
	  SELECT hash, segment, bucket, outcome, attempts, detail, updated
	  FROM segments WHERE outcome = ? ORDER BY updated ASC;`, string(o))
	if err != nil {
		return nil, fmt.Errorf("could not list %s segments: %v", o, err)
	}
	defer rows.Close()
	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning journal rows: %v", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var outcome string
	var updated int64
	if err := s.Scan(&e.Hash, &e.Segment, &e.Bucket, &outcome, &e.Attempts, &e.Detail, &updated); err != nil {
		return nil, err
	}
	e.Outcome = Outcome(outcome)
	e.Updated = time.Unix(0, updated)
	return &e, nil
}

// HashFile returns the xxhash64 of the contents of 'path' as hex. Segments are
// written once and never modified, so the fingerprint identifies the segment
// even after it's been renamed
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("could not hash %s: %v", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	sum := fmt.Sprintf("%016x-%d", h.Sum64(), info.Size())
	log.Debugf("fingerprint of %s is %s", path, sum)
	return sum, nil
}
