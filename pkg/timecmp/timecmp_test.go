package timecmp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	a := time.Date(2025, 10, 16, 9, 0, 0, 0, time.UTC)
	b := a.Add(time.Second)

	assert.True(t, Leq(a, b))
	assert.True(t, Leq(a, a))
	assert.False(t, Leq(b, a))
	assert.Equal(t, b, Max(a, b))
	assert.Equal(t, b, Max(b, a))
	assert.Equal(t, a, Min(a, b))
	assert.Equal(t, a, Min(b, a))
}

func TestOverlap(t *testing.T) {
	at := func(m int) time.Time {
		return time.Date(2025, 10, 16, 9, m, 0, 0, time.UTC)
	}
	assert.Equal(t, 2*time.Minute, Overlap(at(0), at(3), at(1), at(10)))
	assert.Equal(t, 3*time.Minute, Overlap(at(0), at(3), at(0), at(3)))
	assert.Equal(t, time.Minute, Overlap(at(0), at(10), at(4), at(5)))
	assert.Zero(t, Overlap(at(0), at(3), at(3), at(5)))
	assert.Zero(t, Overlap(at(0), at(3), at(7), at(9)))
}
