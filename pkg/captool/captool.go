// captool wraps the external programs that the supervisor drives: the
// timestamp query, the splitter and the merge tool (the capture command itself
// is launched by the rotator, which needs to own the process). Each program is
// configured as an argv template whose {placeholders} are filled in per call,
// so the defaults (tshark/editcap/mergecap) can be swapped for anything with
// the same contract.

package captool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Default command templates
var (
	DefaultCapture = Template{"tshark", "-i", "any", "-q", "-a", "duration:{duration}", "-w", "{output}"}
	DefaultQuery   = Template{"tshark", "-r", "{input}", "-T", "fields", "-e", "frame.time_epoch"}
	DefaultSplit   = Template{"editcap", "-F", "pcapng", "-A", "{from}", "-B", "{to}", "{input}", "{output}"}
	DefaultMerge   = Template{"mergecap", "-F", "pcapng", "-w", "{output}", "{aggregate}", "{segment}"}
)

var placeholder = regexp.MustCompile(`\{([a-z]+)\}`)

// Template is an argv whose elements may contain {name} placeholders
type Template []string

// Expand substitutes 'vars' into 't'. Every placeholder in 't' must have a
// value, so that a typo in a config file fails loudly instead of passing a
// literal "{ouptut}" to the tool
func (t Template) Expand(vars map[string]string) ([]string, error) {
	if len(t) == 0 {
		return nil, fmt.Errorf("empty command template")
	}
	argv := make([]string, len(t))
	var missing []string
	for i, arg := range t {
		argv[i] = placeholder.ReplaceAllStringFunc(arg, func(m string) string {
			name := m[1 : len(m)-1]
			v, ok := vars[name]
			if !ok {
				missing = append(missing, name)
				return m
			}
			return v
		})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("command template %q has no value for {%s}",
			strings.Join(t, " "), strings.Join(missing, "}, {"))
	}
	return argv, nil
}

// Check confirms that 't' only uses placeholders from 'allowed'
func (t Template) Check(allowed ...string) error {
	vars := make(map[string]string, len(allowed))
	for _, a := range allowed {
		vars[a] = a
	}
	_, err := t.Expand(vars)
	return err
}

// ExitErr is returned when a tool ran but exited unsuccessfully
type ExitErr struct {
	Argv   []string
	Err    error
	Output string
}

func (e *ExitErr) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Argv[0], e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

// run executes 'argv' and returns its stdout. stderr is folded into the error
func run(ctx context.Context, argv []string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.Debugf("running %q", argv)
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &ExitErr{
			Argv:   argv,
			Err:    err,
			Output: strings.TrimSpace(stderr.String()),
		}
	}
	return stdout.Bytes(), nil
}

// FormatEpoch renders 't' as fractional unix seconds, the format the query
// tool emits and the splitter accepts
func FormatEpoch(t time.Time) string {
	sec, nsec := t.Unix(), int64(t.Nanosecond())
	switch {
	case nsec == 0:
		return strconv.FormatInt(sec, 10)
	case sec < 0:
		// Nanosecond() counts forward from Unix(), which is rounded down
		return fmt.Sprintf("-%d.%09d", -(sec + 1), 1e9-nsec)
	}
	return fmt.Sprintf("%d.%09d", sec, nsec)
}

// ParseEpoch parses fractional unix seconds (e.g. "1760621000.123456789").
// The fraction has the same sign as the whole: "-1.5" is 1.5s before the epoch
func ParseEpoch(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	abs, neg := strings.CutPrefix(s, "-")
	secStr, fracStr := abs, ""
	if i := strings.IndexByte(abs, '.'); i >= 0 {
		secStr, fracStr = abs[:i], abs[i+1:]
	}
	if secStr == "" || secStr[0] == '+' || secStr[0] == '-' {
		return time.Time{}, fmt.Errorf("invalid epoch timestamp %q", s)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch timestamp %q: %v", s, err)
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		if fracStr[0] == '+' || fracStr[0] == '-' {
			return time.Time{}, fmt.Errorf("invalid epoch timestamp %q", s)
		}
		frac, err := strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch timestamp %q", s)
		}
		nsec = frac * int64(math.Pow10(9-len(fracStr)))
	}
	if neg {
		sec, nsec = -sec, -nsec
	}
	return time.Unix(sec, nsec).UTC(), nil
}

// Oracle reports the first and last event timestamps in a segment
type Oracle struct {
	Cmd Template // placeholders: {input}
}

// Range returns the first and last timestamps printed by the query tool for
// 'path'. 'ok' is false if the segment has no events or can't be read; the
// failure is logged here, and the caller discards the segment
func (o *Oracle) Range(ctx context.Context, path string) (first, last time.Time, ok bool) {
	argv, err := o.Cmd.Expand(map[string]string{"input": path})
	if err != nil {
		log.Errorf("could not build timestamp query for %s: %v", path, err)
		return first, last, false
	}
	out, err := run(ctx, argv)
	if err != nil {
		log.Warnf("could not read timestamps from %s: %v", path, err)
		return first, last, false
	}

	// the tool prints events in file order, which for a capture is arrival
	// order, but take min/max anyway in case a merged input is out of order
	var n int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t, err := ParseEpoch(line)
		if err != nil {
			log.Warnf("unreadable timestamp in %s: %v", path, err)
			return time.Time{}, time.Time{}, false
		}
		if n == 0 || t.Before(first) {
			first = t
		}
		if n == 0 || t.After(last) {
			last = t
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		log.Warnf("could not scan timestamps from %s: %v", path, err)
		return time.Time{}, time.Time{}, false
	}
	if n == 0 {
		return first, last, false
	}
	return first, last, true
}

// Splitter extracts the events of a segment that fall in [from, to)
type Splitter struct {
	Cmd Template // placeholders: {input} {output} {from} {to}
}

// Extract writes the events of 'input' with from <= t < to into 'output'
func (s *Splitter) Extract(ctx context.Context, input, output string, from, to time.Time) error {
	argv, err := s.Cmd.Expand(map[string]string{
		"input":  input,
		"output": output,
		"from":   FormatEpoch(from),
		"to":     FormatEpoch(to),
	})
	if err != nil {
		return err
	}
	_, err = run(ctx, argv)
	return err
}

// Merger combines two segment files into a new one
type Merger struct {
	Cmd Template // placeholders: {aggregate} {segment} {output}
}

// Merge writes the union of 'aggregate' and 'segment' to 'output'
func (m *Merger) Merge(ctx context.Context, aggregate, segment, output string) error {
	argv, err := m.Cmd.Expand(map[string]string{
		"aggregate": aggregate,
		"segment":   segment,
		"output":    output,
	})
	if err != nil {
		return err
	}
	_, err = run(ctx, argv)
	return err
}
