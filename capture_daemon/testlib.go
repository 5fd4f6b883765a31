package capd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/msteffen/capsup/client"
	"github.com/msteffen/capsup/pkg/captool"
	"github.com/msteffen/capsup/pkg/config"
)

// TestConfig returns a config that captures with the fake tools in
// captool/testlib.go, using one-second single-slot captures and directories
// under a fresh temporary root. The journal lives outside the working
// directory, so tests can check that the working directory is drained
func TestConfig(t testing.TB) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("could not load default config: %v", err)
	}
	root := t.TempDir()
	cfg.Capture.WorkDir = filepath.Join(root, "work")
	cfg.Capture.Command = captool.FakeCapture
	cfg.Capture.Duration = time.Second
	cfg.Capture.Slots = 1
	cfg.Capture.StopGrace = 2 * time.Second
	cfg.Output.Dir = filepath.Join(root, "captures")
	cfg.Merge.QueryCommand = captool.FakeQuery
	cfg.Merge.SplitCommand = captool.FakeSplit
	cfg.Merge.MergeCommand = captool.FakeMerge
	cfg.Merge.RetryDelay = 0
	cfg.Merge.SettleDelay = 0
	cfg.Merge.FailedDir = filepath.Join(root, "failed")
	cfg.Merge.Journal = filepath.Join(root, "journal.db")
	cfg.Supervisor.IdleInterval = 100 * time.Millisecond
	cfg.Supervisor.BusyInterval = 50 * time.Millisecond
	cfg.Server.Addr = "127.0.0.1:0"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

// TestServer is an in-process capture daemon serving its control API on an
// ephemeral port
type TestServer struct {
	*client.Client
	Daemon *Daemon
	Config *config.Config

	done chan error
}

// StartTestServer starts a capture daemon configured with 'cfg' (TestConfig(t)
// if nil), and stops it when the test finishes
func StartTestServer(t testing.TB, cfg *config.Config) *TestServer {
	t.Helper()
	if cfg == nil {
		cfg = TestConfig(t)
	}
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("could not create daemon: %v", err)
	}
	l, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		t.Fatalf("could not listen on %s: %v", cfg.Server.Addr, err)
	}
	s := &TestServer{
		Client: &client.Client{Address: l.Addr().String()},
		Daemon: d,
		Config: cfg,
		done:   make(chan error, 1),
	}
	go func() {
		s.done <- Serve(context.Background(), d, l)
	}()
	t.Cleanup(func() {
		d.Stop()
		select {
		case <-s.done:
		case <-time.After(30 * time.Second):
			t.Errorf("test daemon did not stop")
		}
	})
	return s
}

// Wait blocks until the daemon has exited, and returns the error from Serve
func (s *TestServer) Wait(t testing.TB, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-s.done:
		s.done <- err // for the cleanup func
		return err
	case <-time.After(timeout):
		t.Fatalf("daemon did not exit within %v", timeout)
		return nil
	}
}
