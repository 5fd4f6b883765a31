// config loads capsup's settings: built-in defaults, then an optional YAML
// file, then environment variables of the form CAPSUP_SECTION__KEY (e.g.
// CAPSUP_CAPTURE__DURATION=30s overrides capture.duration).

package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/msteffen/capsup/pkg/bucket"
	"github.com/msteffen/capsup/pkg/captool"
)

// EnvPrefix is the prefix of environment variables that override config keys
const EnvPrefix = "CAPSUP_"

// Config is the top-level configuration
type Config struct {
	Capture    CaptureConfig    `koanf:"capture"`
	Output     OutputConfig     `koanf:"output"`
	Merge      MergeConfig      `koanf:"merge"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Server     ServerConfig     `koanf:"server"`
}

// CaptureConfig configures the rotator
type CaptureConfig struct {
	// WorkDir holds segments while they're captured and until they're merged
	WorkDir string `koanf:"work_dir"`
	// Command is the capture program's argv ({duration}, {output})
	Command        []string      `koanf:"command"`
	Duration       time.Duration `koanf:"duration"`
	Overlap        time.Duration `koanf:"overlap"`
	// Slots is 1 (default) or 2. With 2, consecutive captures run together
	// for Overlap, and packets seen by both are in the aggregate file twice
	Slots          int           `koanf:"slots"`
	StopGrace      time.Duration `koanf:"stop_grace"`
	RestartBackoff time.Duration `koanf:"restart_backoff"`
}

// OutputConfig determines where aggregate files go and how they're bucketed
type OutputConfig struct {
	Dir         string `koanf:"dir"`
	Prefix      string `koanf:"prefix"`
	Ext         string `koanf:"ext"`
	Granularity string `koanf:"granularity"` // "hour" or "day"
	// Location is "UTC", "Local" or an IANA zone name. Bucket keys and day
	// boundaries are computed in it
	Location string `koanf:"location"`
}

// MergeConfig configures the merge pipeline
type MergeConfig struct {
	QueryCommand  []string      `koanf:"query_command"`
	SplitCommand  []string      `koanf:"split_command"`
	MergeCommand  []string      `koanf:"merge_command"`
	Retries       int           `koanf:"retries"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
	SettleDelay   time.Duration `koanf:"settle_delay"`
	MaxSplitDepth int           `koanf:"max_split_depth"`
	// FailedDir receives segments that could not be merged. Defaults to
	// <work_dir>/failed
	FailedDir string `koanf:"failed_dir"`
	// Journal is the path of the merge journal. Defaults to
	// <work_dir>/journal.db; "none" disables it
	Journal string `koanf:"journal"`
}

// SupervisorConfig configures the polling half of the supervisor loop
type SupervisorConfig struct {
	IdleInterval time.Duration `koanf:"idle_interval"`
	BusyInterval time.Duration `koanf:"busy_interval"`
}

// ServerConfig configures the control API
type ServerConfig struct {
	// Addr is the host:port the control API listens on. Empty disables it
	Addr string `koanf:"addr"`
}

// DefaultAddr is where the control API listens unless configured otherwise
const DefaultAddr = "localhost:9631"

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"capture.work_dir":        "./capsup-work",
		"capture.command":         []string(captool.DefaultCapture),
		"capture.duration":        "60s",
		"capture.overlap":         "5s",
		"capture.slots":           1,
		"capture.stop_grace":      "5s",
		"capture.restart_backoff": "5s",

		"output.dir":         "./captures",
		"output.prefix":      "cap_",
		"output.ext":         ".pcapng",
		"output.granularity": "hour",
		"output.location":    "UTC",

		"merge.query_command":   []string(captool.DefaultQuery),
		"merge.split_command":   []string(captool.DefaultSplit),
		"merge.merge_command":   []string(captool.DefaultMerge),
		"merge.retries":         5,
		"merge.retry_delay":     "2s",
		"merge.settle_delay":    "2s",
		"merge.max_split_depth": 2,
		"merge.failed_dir":      "",
		"merge.journal":         "",

		"supervisor.idle_interval": "10s",
		"supervisor.busy_interval": "1s",

		"server.addr": DefaultAddr,
	}
}

// Load loads the configuration from 'path' (if non-empty) and the environment,
// on top of the defaults, and validates it
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	for key, value := range defaults() {
		k.Set(key, value)
	}

	// 2. Config file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("could not load config file %s: %w", path, err)
		}
	}

	// 3. Environment. CAPSUP_MERGE__RETRY_DELAY=5s overrides merge.retry_delay
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("could not load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fillDerived sets defaults that depend on other settings
func (c *Config) fillDerived() {
	if c.Merge.FailedDir == "" {
		c.Merge.FailedDir = filepath.Join(c.Capture.WorkDir, "failed")
	}
	if c.Merge.Journal == "" {
		c.Merge.Journal = filepath.Join(c.Capture.WorkDir, "journal.db")
	}
}

// JournalEnabled returns false if the merge journal has been turned off
func (c *Config) JournalEnabled() bool {
	return c.Merge.Journal != "none"
}

// Validate returns an error describing every invalid setting in 'c'
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Capture.WorkDir == "" {
		fail("capture.work_dir must be set")
	}
	if c.Output.Dir == "" {
		fail("output.dir must be set")
	}
	if c.Capture.Duration < time.Second {
		fail("capture.duration must be at least 1s (was %v)", c.Capture.Duration)
	}
	switch c.Capture.Slots {
	case 1:
	case 2:
		if c.Capture.Overlap < 0 || c.Capture.Overlap >= c.Capture.Duration {
			fail("capture.overlap must be in [0, capture.duration) (was %v)", c.Capture.Overlap)
		}
	default:
		fail("capture.slots must be 1 or 2 (was %d)", c.Capture.Slots)
	}
	if c.Capture.StopGrace <= 0 {
		fail("capture.stop_grace must be positive (was %v)", c.Capture.StopGrace)
	}
	if c.Merge.Retries < 1 {
		fail("merge.retries must be at least 1 (was %d)", c.Merge.Retries)
	}
	if c.Merge.RetryDelay < 0 || c.Merge.SettleDelay < 0 {
		fail("merge delays must not be negative")
	}
	if c.Merge.MaxSplitDepth < 1 {
		fail("merge.max_split_depth must be at least 1 (was %d)", c.Merge.MaxSplitDepth)
	}
	if c.Supervisor.IdleInterval <= 0 || c.Supervisor.BusyInterval <= 0 {
		fail("supervisor poll intervals must be positive")
	}
	if _, err := bucket.ParseGranularity(c.Output.Granularity); err != nil {
		fail("output.granularity: %v", err)
	}
	if _, err := bucket.ParseLocation(c.Output.Location); err != nil {
		fail("output.location: %v", err)
	}
	for _, t := range []struct {
		key     string
		cmd     []string
		allowed []string
	}{
		{"capture.command", c.Capture.Command, []string{"duration", "output"}},
		{"merge.query_command", c.Merge.QueryCommand, []string{"input"}},
		{"merge.split_command", c.Merge.SplitCommand, []string{"input", "output", "from", "to"}},
		{"merge.merge_command", c.Merge.MergeCommand, []string{"aggregate", "segment", "output"}},
	} {
		if err := captool.Template(t.cmd).Check(t.allowed...); err != nil {
			fail("%s: %v", t.key, err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// Resolver returns the bucket resolver described by c.Output
func (c *Config) Resolver() (*bucket.Resolver, error) {
	g, err := bucket.ParseGranularity(c.Output.Granularity)
	if err != nil {
		return nil, err
	}
	loc, err := bucket.ParseLocation(c.Output.Location)
	if err != nil {
		return nil, err
	}
	return &bucket.Resolver{
		Granularity: g,
		Location:    loc,
		Dir:         c.Output.Dir,
		Prefix:      c.Output.Prefix,
		Ext:         c.Output.Ext,
	}, nil
}
