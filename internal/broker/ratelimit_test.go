package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindow_AllowsWithinBudget(t *testing.T) {
	w := newSlidingWindow(2, 0, 0, 1.0)
	now := time.Now()

	ok, _ := w.Allow(now)
	assert.True(t, ok)
	ok, _ = w.Allow(now)
	assert.True(t, ok)

	ok, retryAfter := w.Allow(now)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestSlidingWindow_SafetyMarginTripsEarly(t *testing.T) {
	w := newSlidingWindow(10, 0, 0, 0.5)
	now := time.Now()
	for i := 0; i < 5; i++ {
		ok, _ := w.Allow(now)
		assert.True(t, ok)
	}
	ok, _ := w.Allow(now)
	assert.False(t, ok, "safety margin of 0.5 should trip at half the nominal limit")
}

func TestSlidingWindow_PrunesExpiredEntries(t *testing.T) {
	w := newSlidingWindow(1, 0, 0, 1.0)
	start := time.Now()
	ok, _ := w.Allow(start)
	assert.True(t, ok)

	ok, _ = w.Allow(start.Add(1100 * time.Millisecond))
	assert.True(t, ok, "entry older than the 1s window should have been pruned")
}
