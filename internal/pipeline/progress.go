package pipeline

import "sync"

// Progress sub-ranges. The engine's own 0-100 reporting is compressed into
// the fetch window so post-processing and finalization have room of their
// own on the single user-facing scale.
const (
	progressFetchStart = 0.0
	progressFetchEnd   = 40.0
	progressProcessEnd = 90.0
	progressComplete   = 100.0
)

// ProgressFunc receives percentage completion, 0-100.
type ProgressFunc func(pct float64)

// progressTracker owns the per-attempt progress callback. It clamps reports
// into [0,100], enforces monotonic non-decreasing delivery even when the
// underlying engine misbehaves, and drops everything after Detach. One
// tracker lives and dies with one attempt, so nothing leaks across attempts.
type progressTracker struct {
	mu       sync.Mutex
	cb       ProgressFunc
	last     float64
	detached bool
}

func newProgressTracker(cb ProgressFunc) *progressTracker {
	return &progressTracker{cb: cb}
}

// Report delivers pct to the callback if it advances progress.
func (t *progressTracker) Report(pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached || t.cb == nil {
		return
	}
	if pct > progressComplete {
		pct = progressComplete
	}
	if pct < t.last {
		return
	}
	t.last = pct
	t.cb(pct)
}

// ReportMapped rescales a 0-100 sub-task percentage into [lo,hi] and
// reports it.
func (t *progressTracker) ReportMapped(lo, hi, subPct float64) {
	if subPct < 0 {
		subPct = 0
	}
	if subPct > 100 {
		subPct = 100
	}
	t.Report(lo + subPct/100.0*(hi-lo))
}

// Detach drops the callback. Idempotent; reports after detach are discarded.
func (t *progressTracker) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached = true
	t.cb = nil
}
