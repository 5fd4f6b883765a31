package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openT(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndLookup(t *testing.T) {
	j := openT(t)

	e, err := j.Lookup("nope")
	require.NoError(t, err)
	assert.Nil(t, e)

	require.NoError(t, j.Record(Entry{Hash: "h1", Segment: "/w/seg_1", Bucket: "20261016_13", Outcome: Pending}))
	folded, err := j.Folded("h1")
	require.NoError(t, err)
	assert.False(t, folded, "pending isn't folded yet")

	require.NoError(t, j.Record(Entry{Hash: "h1", Segment: "/w/seg_1", Bucket: "20261016_13", Outcome: Merged, Attempts: 2}))
	e, err = j.Lookup("h1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, Merged, e.Outcome)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, "20261016_13", e.Bucket)

	folded, err = j.Folded("h1")
	require.NoError(t, err)
	assert.True(t, folded)
}

func TestList(t *testing.T) {
	j := openT(t)
	t0 := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(Entry{Hash: "b", Segment: "/w/b", Outcome: Failed, Detail: "merge failed", Updated: t0.Add(time.Minute)}))
	require.NoError(t, j.Record(Entry{Hash: "a", Segment: "/w/a", Outcome: Failed, Updated: t0}))
	require.NoError(t, j.Record(Entry{Hash: "c", Segment: "/w/c", Outcome: Created, Updated: t0}))

	failed, err := j.List(Failed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "/w/a", failed[0].Segment)
	assert.Equal(t, "/w/b", failed[1].Segment)
	assert.Equal(t, "merge failed", failed[1].Detail)
	assert.True(t, t0.Add(time.Minute).Equal(failed[1].Updated))

	// a failed segment that's later merged drops off the failed list
	require.NoError(t, j.Record(Entry{Hash: "a", Segment: "/w/a", Outcome: Merged}))
	failed, err = j.List(Failed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(Entry{Hash: "h", Outcome: Created}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	folded, err := j.Folded("h")
	require.NoError(t, err)
	assert.True(t, folded)
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	a, b, c := filepath.Join(dir, "a"), filepath.Join(dir, "b"), filepath.Join(dir, "c")
	require.NoError(t, os.WriteFile(a, []byte("1760619598\n"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("1760619598\n"), 0644))
	require.NoError(t, os.WriteFile(c, []byte("1760619599\n"), 0644))

	ha, err := HashFile(a)
	require.NoError(t, err)
	hb, err := HashFile(b)
	require.NoError(t, err)
	hc, err := HashFile(c)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "same contents")
	assert.NotEqual(t, ha, hc)

	// renaming doesn't change the fingerprint
	moved := filepath.Join(dir, "moved")
	require.NoError(t, os.Rename(a, moved))
	hm, err := HashFile(moved)
	require.NoError(t, err)
	assert.Equal(t, ha, hm)

	_, err = HashFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
