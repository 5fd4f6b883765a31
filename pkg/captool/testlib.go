package captool

import (
	"os"
	"sort"
	"strings"
	"testing"
	"time"
)

// Stand-ins for tshark/editcap/mergecap used by tests throughout the module. A
// fake segment is a text file with one epoch timestamp per line, so 'cat'
// answers the timestamp query, awk splits by time and 'sort' merges.
var (
	FakeQuery = Template{"cat", "{input}"}
	FakeSplit = Template{"sh", "-c",
		"awk -v a={from} -v b={to} '$1+0 >= a+0 && $1+0 < b+0' {input} > {output}"}
	FakeMerge = Template{"sh", "-c", "sort -n {aggregate} {segment} > {output}"}

	// FakeCapture writes the start time and sleeps for the capture duration,
	// exiting cleanly if asked to stop
	FakeCapture = Template{"sh", "-c",
		"trap 'exit 0' TERM; date +%s > {output}; sleep {duration}"}
)

// WriteSegment writes a fake segment containing 'events' to 'path'
func WriteSegment(t testing.TB, path string, events ...time.Time) {
	t.Helper()
	var b strings.Builder
	for _, e := range events {
		b.WriteString(FormatEpoch(e))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("could not write segment %s: %v", path, err)
	}
}

// ReadSegment returns the events in the fake segment at 'path', sorted
func ReadSegment(t testing.TB, path string) []time.Time {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("could not read segment %s: %v", path, err)
	}
	var result []time.Time
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ts, err := ParseEpoch(line)
		if err != nil {
			t.Fatalf("bad line in %s: %v", path, err)
		}
		result = append(result, ts)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Before(result[j]) })
	return result
}
