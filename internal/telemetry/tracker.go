// Package telemetry keeps rolling, process-local invocation statistics and
// derived health for every registered plugin.
package telemetry

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// WindowSize is the number of most recent durations kept per plugin.
	WindowSize = 100

	// DegradedThreshold is the errors+timeouts count at which a plugin is degraded.
	DegradedThreshold = 3
)

// Outcome classifies one invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
	OutcomeAborted Outcome = "aborted"
)

// HealthStatus is the derived state of a plugin.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDisabled HealthStatus = "disabled"
)

// Health is the current health of a plugin.
type Health struct {
	Status    HealthStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Stats are cumulative counters plus window-derived latency figures.
type Stats struct {
	Invocations    int64      `json:"invocations"`
	Successes      int64      `json:"successes"`
	Errors         int64      `json:"errors"`
	Timeouts       int64      `json:"timeouts"`
	Aborted        int64      `json:"aborted"`
	LastDurationMs float64    `json:"last_duration_ms"`
	LastInvokedAt  *time.Time `json:"last_invoked_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	AvgDurationMs  float64    `json:"avg_duration_ms"`
	P95DurationMs  float64    `json:"p95_duration_ms"`
}

type entry struct {
	stats    Stats
	health   Health
	window   []float64
	disabled bool
}

// Tracker records outcomes. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ensure creates zeroed stats and an initial health record for id if none
// exist yet. Existing telemetry is never reset. It reports whether a record
// was created.
func (t *Tracker) Ensure(id string, enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return false
	}
	e := &entry{disabled: !enabled}
	t.entries[id] = e
	t.recomputeLocked(e)
	return true
}

func (t *Tracker) entryLocked(id string) *entry {
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	return e
}

// Record accounts for one finished invocation.
func (t *Tracker) Record(id string, d time.Duration, outcome Outcome, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryLocked(id)
	now := t.now()
	ms := float64(d) / float64(time.Millisecond)

	e.stats.Invocations++
	switch outcome {
	case OutcomeSuccess:
		e.stats.Successes++
	case OutcomeError:
		e.stats.Errors++
	case OutcomeTimeout:
		e.stats.Timeouts++
	case OutcomeAborted:
		e.stats.Aborted++
	}
	e.stats.LastDurationMs = ms
	e.stats.LastInvokedAt = &now
	if errMsg != "" {
		e.stats.LastError = errMsg
	}

	e.window = append(e.window, ms)
	if len(e.window) > WindowSize {
		e.window = append(e.window[:0], e.window[len(e.window)-WindowSize:]...)
	}
	e.stats.AvgDurationMs = mean(e.window)
	e.stats.P95DurationMs = P95(e.window)

	t.recomputeLocked(e)
}

// MarkAborted counts a failure that halted the rest of its dispatch. The
// failure itself is recorded separately with Record.
func (t *Tracker) MarkAborted(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entryLocked(id).stats.Aborted++
}

// Refresh sets whether id is enabled and returns the recomputed health.
func (t *Tracker) Refresh(id string, enabled bool) Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(id)
	e.disabled = !enabled
	t.recomputeLocked(e)
	return e.health
}

func (t *Tracker) recomputeLocked(e *entry) {
	next := Health{Status: HealthHealthy}
	failures := e.stats.Errors + e.stats.Timeouts
	switch {
	case e.disabled:
		next = Health{Status: HealthDisabled, Reason: "plugin is disabled"}
	case e.stats.Invocations > 0 && failures >= DegradedThreshold:
		next = Health{
			Status: HealthDegraded,
			Reason: fmt.Sprintf("%d errors and %d timeouts", e.stats.Errors, e.stats.Timeouts),
		}
	}
	if next.Status != e.health.Status || next.Reason != e.health.Reason || e.health.UpdatedAt.IsZero() {
		next.UpdatedAt = t.now()
		e.health = next
	}
}

// Stats returns a copy of id's statistics.
func (t *Tracker) Stats(id string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Stats{}, false
	}
	s := e.stats
	if s.LastInvokedAt != nil {
		at := *s.LastInvokedAt
		s.LastInvokedAt = &at
	}
	return s, true
}

// Health returns id's current health.
func (t *Tracker) Health(id string) (Health, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Health{}, false
	}
	return e.health, true
}

// P95 returns the 95th percentile of samples using the nearest-rank method.
func P95(samples []float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}
