// Package scheduler is the Scheduler (C7): a cron-like trigger table
// gated by a trading calendar, enforcing non-overlap per workflow and
// no catch-up for missed triggers. Grounded on the teacher's
// ticker-driven AutoTrader.Run loop (trader/auto_trader.go), generalized
// from one dynamic-interval ticker into a declared multi-workflow
// trigger table evaluated against an injectable clock.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelquant/orchestrator/internal/calendar"
	"github.com/kestrelquant/orchestrator/internal/clock"
	"github.com/kestrelquant/orchestrator/internal/logging"
	"github.com/kestrelquant/orchestrator/internal/metrics"
)

// Trigger names when a workflow should fire. For a daily trigger At is
// set; for an interval trigger From/To/Every describe a repeating
// window (e.g. Position Monitoring 09:30-15:20 every 20 min).
type Trigger struct {
	Workflow string
	At       string // "HH:MM", for single daily triggers
	From     string // "HH:MM", for interval triggers
	To       string // "HH:MM"
	Every    time.Duration
}

// RunFunc is invoked when a trigger fires and the gates pass. It
// receives the venue-local session_id for the current trading date.
type RunFunc func(ctx context.Context, workflow, sessionID string) error

// Scheduler evaluates a Trigger table against a single monotonic clock.
type Scheduler struct {
	clk      clock.Clock
	cal      calendar.TradingCalendar
	loc      *time.Location
	triggers []Trigger
	run      RunFunc
	log      *logging.Logger

	mu       sync.Mutex
	inFlight map[string]bool  // workflow -> currently running
	fired    map[string]string // (workflow, HH:MM bucket) -> last-fired session_id, suppresses re-fire within the same tick
}

// New constructs a Scheduler. loc is the venue's timezone; cal gates
// weekends/holidays; clk is the single time source (Real in production,
// Virtual in tests).
func New(clk clock.Clock, cal calendar.TradingCalendar, loc *time.Location, triggers []Trigger, run RunFunc) *Scheduler {
	return &Scheduler{
		clk:      clk,
		cal:      cal,
		loc:      loc,
		triggers: triggers,
		run:      run,
		log:      logging.With("scheduler"),
		inFlight: make(map[string]bool),
		fired:    make(map[string]string),
	}
}

// Tick evaluates every trigger against the current clock time once.
// Callers (Run's poll loop, or a test) drive ticks explicitly.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clk.Now().In(s.loc)
	sessionID := calendar.SessionID(now, s.loc)

	if !s.cal.IsTradingDay(now) {
		return
	}

	for _, trig := range s.triggers {
		if !s.dueNow(trig, now) {
			continue
		}
		bucketKey := trig.Workflow + "@" + now.Format("2006-01-02T15:04")
		s.mu.Lock()
		if s.fired[bucketKey] != "" {
			s.mu.Unlock()
			continue
		}
		if s.inFlight[trig.Workflow] {
			s.mu.Unlock()
			s.log.Warnf("dropping overlapping trigger for %s at %s", trig.Workflow, now.Format(time.RFC3339))
			metrics.RecordSchedulerSkip(trig.Workflow, "overlap")
			logging.Audit(logging.AuditEvent{Kind: "scheduler_skip_overlap", Workflow: trig.Workflow, SessionID: sessionID, Detail: "non-overlap rule dropped trigger"})
			s.fired[bucketKey] = sessionID
			continue
		}
		s.inFlight[trig.Workflow] = true
		s.fired[bucketKey] = sessionID
		s.mu.Unlock()

		go s.runOnce(ctx, trig.Workflow, sessionID)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, workflow, sessionID string) {
	defer func() {
		s.mu.Lock()
		s.inFlight[workflow] = false
		s.mu.Unlock()
	}()
	if err := s.run(ctx, workflow, sessionID); err != nil {
		s.log.Warnf("run of %s/%s ended in error: %v", workflow, sessionID, err)
	}
}

func (s *Scheduler) dueNow(trig Trigger, now time.Time) bool {
	if trig.At != "" {
		return matchesClock(trig.At, now)
	}
	if trig.From != "" && trig.To != "" && trig.Every > 0 {
		from, okFrom := parseClock(trig.From, now)
		to, okTo := parseClock(trig.To, now)
		if !okFrom || !okTo {
			return false
		}
		if now.Before(from) || now.After(to) {
			return false
		}
		elapsed := now.Sub(from)
		return elapsed%trig.Every < time.Minute
	}
	return false
}

func matchesClock(hhmm string, now time.Time) bool {
	target, ok := parseClock(hhmm, now)
	if !ok {
		return false
	}
	diff := now.Sub(target)
	return diff >= 0 && diff < time.Minute
}

func parseClock(hhmm string, relativeTo time.Time) (time.Time, bool) {
	t, err := time.ParseInLocation("15:04", hhmm, relativeTo.Location())
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(relativeTo.Year(), relativeTo.Month(), relativeTo.Day(), t.Hour(), t.Minute(), 0, 0, relativeTo.Location()), true
}

// Run polls Tick every pollInterval until ctx is cancelled. In
// production pollInterval should be shorter than the tightest trigger
// window (e.g. 1 minute) so no trigger's one-minute firing bucket is
// missed; no catch-up is attempted for buckets missed while the process
// was down.
func (s *Scheduler) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
