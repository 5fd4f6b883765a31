package client

// StatusResponse is returned by the /status endpoint
type StatusResponse struct {
	// UptimeSecs is how long the daemon has been running, in seconds
	UptimeSecs int64 `json:"uptime_secs"`

	// Stopping is true once a stop has been requested. The daemon keeps running
	// until its captures have exited and every segment has been merged
	Stopping bool `json:"stopping"`

	// Live lists the segment files currently being captured
	Live []string `json:"live"`

	// Processed counts the segments the supervisor has handled this run, by
	// final state ("merged", "discarded", "failed")
	Processed map[string]int `json:"processed"`

	// LastPoll is when the working directory was last polled (secs since Unix
	// epoch)
	LastPoll int64 `json:"last_poll"`

	Merge    MergeStatus    `json:"merge"`
	Coverage CoverageStatus `json:"coverage"`
}

// MergeStatus describes the health of the merge pipeline
type MergeStatus struct {
	Healthy             bool   `json:"healthy"`
	Created             int    `json:"created"`
	Merged              int    `json:"merged"`
	Discarded           int    `json:"discarded"`
	Split               int    `json:"split"`
	Failed              int    `json:"failed"`
	MergeAttempts       int    `json:"merge_attempts"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastSuccess         int64  `json:"last_success"`
	LastAttempt         int64  `json:"last_attempt"`
	LastError           string `json:"last_error,omitempty"`
}

// Interval is a stretch of time. Used in CoverageStatus
type Interval struct {
	// Start is the start time (secs since Unix epoch) of the interval
	Start int64 `json:"start"`
	// End is the end time (secs since Unix epoch) of the interval
	End int64 `json:"end"`
}

// CoverageStatus describes which parts of the last day were captured. Both
// lists are sorted by start time and limited to the span of finished captures
type CoverageStatus struct {
	Covered []Interval `json:"covered"`
	Gaps    []Interval `json:"gaps"`
}

// FailedSegment is a segment that could not be merged and was preserved
type FailedSegment struct {
	// Path is where the segment was preserved
	Path string `json:"path"`
	// Bucket is the aggregate the segment belonged in ("" if unknown)
	Bucket   string `json:"bucket"`
	Attempts int    `json:"attempts"`
	Detail   string `json:"detail"`
	// Updated is when the segment failed (secs since Unix epoch; 0 if unknown)
	Updated int64 `json:"updated"`
}

// FailedResponse is returned by the /failed endpoint
type FailedResponse struct {
	Segments []FailedSegment `json:"segments"`
}

// CaptureSupervisorAPI is the interface exported by the capture daemon
type CaptureSupervisorAPI interface {
	// Status returns the daemon's current state
	Status() (*StatusResponse, error)

	// Stop requests a graceful shutdown: captures are stopped, every finished
	// segment is merged, then the daemon exits. Calling Stop more than once has
	// no further effect
	Stop() error

	// Failed lists the segments that have been preserved instead of merged
	Failed() (*FailedResponse, error)
}
