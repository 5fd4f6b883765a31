package merge

import (
	"sync"
	"time"
)

// maxConsecutiveFailures is how many segments in a row may fail before the
// pipeline reports itself unhealthy
const maxConsecutiveFailures = 3

// Monitor tracks pipeline outcomes for the status endpoint
type Monitor struct {
	mu sync.RWMutex

	created, merged, discarded, split, failed int
	attempts                                  int

	lastSuccess         time.Time
	lastAttempt         time.Time
	consecutiveFailures int
	lastError           string
}

// RecordCreated records a segment renamed into place as a new aggregate file
func (m *Monitor) RecordCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	m.succeeded()
}

// RecordMerged records a segment merged into an existing aggregate file after
// 'attempts' merge tool invocations
func (m *Monitor) RecordMerged(attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merged++
	m.attempts += attempts
	m.succeeded()
}

func (m *Monitor) succeeded() {
	m.lastSuccess = time.Now()
	m.lastAttempt = m.lastSuccess
	m.consecutiveFailures = 0
	m.lastError = ""
}

// RecordDiscarded records an empty or unreadable segment
func (m *Monitor) RecordDiscarded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded++
}

// RecordSplit records a straddling segment being split
func (m *Monitor) RecordSplit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.split++
}

// RecordFailure records a segment (or piece) that was preserved instead of
// merged
func (m *Monitor) RecordFailure(attempts int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	m.attempts += attempts
	m.lastAttempt = time.Now()
	m.consecutiveFailures++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy returns false once more than maxConsecutiveFailures segments have
// failed in a row
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveFailures <= maxConsecutiveFailures
}

// Status is a snapshot of a Monitor
type Status struct {
	Healthy             bool
	Created             int
	Merged              int
	Discarded           int
	Split               int
	Failed              int
	MergeAttempts       int
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastAttempt         time.Time
	LastError           string
}

// Status returns the current counters
func (m *Monitor) Status() Status {
	healthy := m.IsHealthy()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Healthy:             healthy,
		Created:             m.created,
		Merged:              m.merged,
		Discarded:           m.discarded,
		Split:               m.split,
		Failed:              m.failed,
		MergeAttempts:       m.attempts,
		ConsecutiveFailures: m.consecutiveFailures,
		LastSuccess:         m.lastSuccess,
		LastAttempt:         m.lastAttempt,
		LastError:           m.lastError,
	}
}
