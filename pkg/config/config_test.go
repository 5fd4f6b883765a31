package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msteffen/capsup/pkg/bucket"
	"github.com/msteffen/capsup/pkg/captool"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capsup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Capture.Duration)
	assert.Equal(t, 5*time.Second, cfg.Capture.Overlap)
	assert.Equal(t, 1, cfg.Capture.Slots)
	assert.Equal(t, []string(captool.DefaultCapture), cfg.Capture.Command)
	assert.Equal(t, []string(captool.DefaultMerge), cfg.Merge.MergeCommand)
	assert.Equal(t, 5, cfg.Merge.Retries)
	assert.Equal(t, 2*time.Second, cfg.Merge.RetryDelay)
	assert.Equal(t, 2*time.Second, cfg.Merge.SettleDelay)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.IdleInterval)
	assert.Equal(t, time.Second, cfg.Supervisor.BusyInterval)
	assert.Equal(t, filepath.Join("capsup-work", "failed"), cfg.Merge.FailedDir)
	assert.True(t, cfg.JournalEnabled())
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)

	r, err := cfg.Resolver()
	require.NoError(t, err)
	assert.Equal(t, bucket.Hour, r.Granularity)
	assert.Equal(t, time.UTC, r.Location)
	assert.Equal(t, filepath.Join("captures", "cap_20261016_13.pcapng"), r.Path("20261016_13"))
}

func TestFile(t *testing.T) {
	path := writeConfig(t, `
capture:
  work_dir: /var/lib/capsup/work
  duration: 5m
  slots: 2
  overlap: 10s
output:
  dir: /srv/captures
  granularity: day
  location: America/New_York
merge:
  retries: 3
  journal: none
  merge_command: [mergecap, -a, -w, "{output}", "{aggregate}", "{segment}"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Capture.Duration)
	assert.Equal(t, 2, cfg.Capture.Slots)
	assert.Equal(t, 10*time.Second, cfg.Capture.Overlap)
	assert.Equal(t, 3, cfg.Merge.Retries)
	assert.False(t, cfg.JournalEnabled())
	assert.Equal(t, "/var/lib/capsup/work/failed", cfg.Merge.FailedDir)
	assert.Equal(t, []string{"mergecap", "-a", "-w", "{output}", "{aggregate}", "{segment}"}, cfg.Merge.MergeCommand)

	r, err := cfg.Resolver()
	require.NoError(t, err)
	assert.Equal(t, bucket.Day, r.Granularity)
	assert.Equal(t, "America/New_York", r.Location.String())
}

func TestEnv(t *testing.T) {
	t.Setenv("CAPSUP_CAPTURE__DURATION", "30s")
	t.Setenv("CAPSUP_MERGE__RETRY_DELAY", "250ms")
	t.Setenv("CAPSUP_SERVER__ADDR", "localhost:1234")
	path := writeConfig(t, "capture:\n  duration: 5m\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Capture.Duration, "env overrides file")
	assert.Equal(t, 250*time.Millisecond, cfg.Merge.RetryDelay)
	assert.Equal(t, "localhost:1234", cfg.Server.Addr)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for _, contents := range []string{
		"capture:\n  slots: 3\n",
		"capture:\n  slots: 2\n  overlap: 60s\n",
		"capture:\n  duration: 100ms\n",
		"merge:\n  retries: 0\n",
		"output:\n  granularity: week\n",
		"output:\n  location: Mars/Olympus_Mons\n",
		"merge:\n  split_command: [editcap, \"{input}\", \"{ouput}\"]\n",
	} {
		_, err := Load(writeConfig(t, contents))
		assert.Error(t, err, contents)
	}

	// overlap is irrelevant with one slot
	_, err := Load(writeConfig(t, "capture:\n  slots: 1\n  overlap: 60s\n"))
	assert.NoError(t, err)
}
