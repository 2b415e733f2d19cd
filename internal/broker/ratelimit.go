package broker

import (
	"sync"
	"time"
)

// slidingWindow enforces a per-second/per-minute/per-day call budget
// with a safety margin, as spec.md §4.1 requires. On breach the
// caller gets a RATE_LIMIT error carrying retry_after; calls are never
// queued silently beyond the chosen window.
type slidingWindow struct {
	mu sync.Mutex

	perSecondLimit int
	perMinuteLimit int
	perDayLimit    int
	safetyMargin   float64 // e.g. 0.9 means trip at 90% of the nominal limit

	secondBucket []time.Time
	minuteBucket []time.Time
	dayBucket    []time.Time
}

func newSlidingWindow(perSecond, perMinute, perDay int, safetyMargin float64) *slidingWindow {
	return &slidingWindow{
		perSecondLimit: perSecond,
		perMinuteLimit: perMinute,
		perDayLimit:    perDay,
		safetyMargin:   safetyMargin,
	}
}

// Allow records a call attempt at now and reports whether it is within
// budget. If not, it returns the duration until the oldest entry in the
// tightest breached window expires.
func (w *slidingWindow) Allow(now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.secondBucket = prune(w.secondBucket, now, time.Second)
	w.minuteBucket = prune(w.minuteBucket, now, time.Minute)
	w.dayBucket = prune(w.dayBucket, now, 24*time.Hour)

	secondCap := scaled(w.perSecondLimit, w.safetyMargin)
	minuteCap := scaled(w.perMinuteLimit, w.safetyMargin)
	dayCap := scaled(w.perDayLimit, w.safetyMargin)

	if w.perSecondLimit > 0 && len(w.secondBucket) >= secondCap {
		return false, retryAfter(w.secondBucket, now, time.Second)
	}
	if w.perMinuteLimit > 0 && len(w.minuteBucket) >= minuteCap {
		return false, retryAfter(w.minuteBucket, now, time.Minute)
	}
	if w.perDayLimit > 0 && len(w.dayBucket) >= dayCap {
		return false, retryAfter(w.dayBucket, now, 24*time.Hour)
	}

	w.secondBucket = append(w.secondBucket, now)
	w.minuteBucket = append(w.minuteBucket, now)
	w.dayBucket = append(w.dayBucket, now)
	return true, 0
}

func scaled(limit int, margin float64) int {
	if margin <= 0 || margin > 1 {
		return limit
	}
	n := int(float64(limit) * margin)
	if n < 1 {
		n = 1
	}
	return n
}

func prune(bucket []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(bucket) && bucket[i].Before(cutoff) {
		i++
	}
	return bucket[i:]
}

func retryAfter(bucket []time.Time, now time.Time, window time.Duration) time.Duration {
	if len(bucket) == 0 {
		return window
	}
	d := bucket[0].Add(window).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}
