package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	capd "github.com/msteffen/capsup/capture_daemon"
	"github.com/msteffen/capsup/client"
	"github.com/msteffen/capsup/pkg/config"
)

var (
	configPath string // --config
	address    string // --addr
)

// loadConfig loads the config file named by --config (defaults and the
// environment only, if unset) and applies --addr
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if address != "" {
		cfg.Server.Addr = address
	}
	return cfg, nil
}

func getCLIClient() (*client.Client, error) {
	addr := address
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	if addr == "" {
		return nil, fmt.Errorf("the control API is disabled (server.addr is empty); pass --addr")
	}
	return &client.Client{Address: addr}, nil
}

// handleStopRequests calls d.Stop() on SIGINT, SIGTERM, or a line reading
// "stop" on stdin. A second signal exits immediately
func handleStopRequests(d *capd.Daemon) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	go func() {
		sig := <-sigs
		log.Warnf("received %v", sig)
		d.Stop()
		sig = <-sigs
		fmt.Fprintf(os.Stderr, "received %v again; exiting without merging remaining segments\n", sig)
		os.Exit(1)
	}()
	go func() {
		s := bufio.NewScanner(os.Stdin)
		for s.Scan() {
			if strings.TrimSpace(s.Text()) == "stop" {
				d.Stop()
				return
			}
		}
	}()
}

func serveCmd() *cobra.Command {
	var verbose, debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start capturing and merging",
		Long: "Start the capture daemon: run rotating captures in the working " +
			"directory and merge every finished segment into its time-bucketed " +
			"aggregate file. Stop with SIGINT/SIGTERM, 'stop' on stdin, or " +
			"'capsup stop'; remaining segments are merged before exiting",
		Run: BoundedCommand(0, 0, func(_ []string) error {
			// typically this is run by systemd, so use compact logs
			switch {
			case debug:
				log.SetLevel(log.DebugLevel)
			case verbose:
				log.SetLevel(log.InfoLevel)
			default:
				log.SetLevel(log.WarnLevel)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := capd.New(cfg, nil)
			if err != nil {
				return fmt.Errorf("could not start capture daemon: %v", err)
			}
			var l net.Listener
			if cfg.Server.Addr != "" {
				if l, err = capd.Listen(cfg.Server.Addr); err != nil {
					return err
				}
			}
			handleStopRequests(d)
			return capd.Serve(context.Background(), d, l)
		}),
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "If set, log every segment and API request")
	cmd.Flags().BoolVar(&debug, "debug", false, "If set, also log the capture programs' stderr and every external command")
	return cmd
}

func stopCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running capture daemon",
		Long: "Ask the capture daemon to stop capturing. It exits once every " +
			"finished segment has been merged",
		Run: BoundedCommand(0, 0, func(_ []string) error {
			c, err := getCLIClient()
			if err != nil {
				return err
			}
			if err := c.Stop(); err != nil {
				return fmt.Errorf("could not stop capture daemon: %v", err)
			}
			if !wait {
				return nil
			}
			for {
				if _, err := c.Status(); err != nil {
					return nil // the daemon has exited
				}
				time.Sleep(500 * time.Millisecond)
			}
		}),
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "If set, wait until the daemon has exited")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the capture daemon's state and the last day of coverage",
		Long:  "Show the capture daemon's state and the last day of coverage",
		Run: BoundedCommand(0, 0, func(_ []string) error {
			c, err := getCLIClient()
			if err != nil {
				return err
			}
			resp, err := c.Status()
			if err != nil {
				return fmt.Errorf("error retrieving daemon status: %v", err)
			}
			printStatus(resp, time.Now())
			return nil
		}),
	}
}

func printStatus(resp *client.StatusResponse, now time.Time) {
	state := "running"
	if resp.Stopping {
		state = "stopping"
	}
	fmt.Printf("capsup has been %s for %s\n", state, time.Duration(resp.UptimeSecs)*time.Second)
	for _, l := range resp.Live {
		fmt.Printf("  capturing %s\n", l)
	}

	m := resp.Merge
	health := "healthy"
	if !m.Healthy {
		health = fmt.Sprintf("UNHEALTHY (%d consecutive failures)", m.ConsecutiveFailures)
	}
	fmt.Printf("merge: %s; %d created, %d merged, %d split, %d discarded, %d failed\n",
		health, m.Created, m.Merged, m.Split, m.Discarded, m.Failed)
	if m.LastError != "" {
		fmt.Printf("  last error: %s\n", m.LastError)
	}
	var states []string
	for s := range resp.Processed {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Printf("  %s: %d\n", s, resp.Processed[s])
	}

	from := now.Add(-24 * time.Hour)
	fmt.Printf("%s%s%s %s\n",
		sgr(boldText), from.Format("Mon 01/02 15:04"), sgr(resetAll),
		Bar(from, resp.Coverage.Covered, resp.Coverage.Gaps))
	for _, g := range resp.Coverage.Gaps {
		fmt.Printf("  gap: %s\n", g)
	}
}

func failedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List segments that could not be merged",
		Long: "List segments that could not be merged. They are preserved in " +
			"the failed directory and can be merged by hand",
		Run: BoundedCommand(0, 0, func(_ []string) error {
			c, err := getCLIClient()
			if err != nil {
				return err
			}
			resp, err := c.Failed()
			if err != nil {
				return fmt.Errorf("could not list failed segments: %v", err)
			}
			for _, s := range resp.Segments {
				when := "?"
				if s.Updated > 0 {
					when = time.Unix(s.Updated, 0).Format(time.RFC3339)
				}
				fmt.Printf("%s\t%s\t%s\t%d attempts\t%s\n", when, s.Path, s.Bucket, s.Attempts, s.Detail)
			}
			return nil
		}),
	}
}

func main() {
	rootCmd := cobra.Command{
		Use:   "capsup",
		Short: "capsup supervises rotating packet captures",
		Long: "capsup runs a packet capture program in fixed-length, optionally " +
			"overlapping segments, and merges every finished segment into an " +
			"hourly or daily aggregate capture file",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults and CAPSUP_* environment variables apply if unset)")
	rootCmd.PersistentFlags().StringVar(&address, "addr", "", "host:port of the control API (overrides server.addr)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(failedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
