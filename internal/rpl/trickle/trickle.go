// Package trickle implements the Trickle algorithm (RFC 6206) used to
// govern RPL DIO emission: an interval that doubles on consistency and
// collapses to its minimum on detected inconsistency.
package trickle

import (
	"math/rand"
	"time"
)

// Timer is one Trickle timer instance. Not safe for concurrent use;
// callers serialize access the same way they serialize the rest of an
// RPL instance's state.
type Timer struct {
	imin         time.Duration
	maxDoublings int
	k            int

	doublings int           // current doubling count, 0..maxDoublings
	interval  time.Duration // current I
	start     time.Time     // start of current interval
	fireAt    time.Time     // the randomly chosen t within [I/2, I)
	count     int           // consistency counter c, reset each interval

	rng *rand.Rand
}

// New creates a Trickle timer with minimum interval imin, doubling up to
// 2^(log2(imin)+maxDoublings), and redundancy constant k.
func New(imin time.Duration, maxDoublings, k int) *Timer {
	return &Timer{imin: imin, maxDoublings: maxDoublings, k: k, rng: rand.New(rand.NewSource(1))}
}

// Reset restarts the timer at Imin, as required on DAG join, consistency
// violation, inconsistent DIO reception, rank change, or new parent
// selection (§4.4.2).
func (t *Timer) Reset(now time.Time) {
	t.doublings = 0
	t.arm(now)
}

func (t *Timer) arm(now time.Time) {
	t.interval = t.imin << t.doublings
	t.start = now
	half := t.interval / 2
	jitter := time.Duration(0)
	if half > 0 {
		jitter = time.Duration(t.rng.Int63n(int64(half)))
	}
	t.fireAt = now.Add(half + jitter)
	t.count = 0
}

// ConsistencyReceived increments the consistency counter c on receipt of
// a DIO with matching rank/metrics during the current interval.
func (t *Timer) ConsistencyReceived() { t.count++ }

// ShouldTransmitNow reports whether fireAt has passed and the
// consistency counter is below K; it also advances internal bookkeeping
// so a given firing is only reported once.
func (t *Timer) ShouldTransmitNow(now time.Time) bool {
	if now.Before(t.fireAt) || t.fireAt.IsZero() {
		return false
	}
	fire := t.count < t.k
	t.fireAt = time.Time{} // consumed; next is the end-of-interval rollover
	return fire
}

// IntervalEnd reports whether the current interval has elapsed; callers
// should call AdvanceInterval when this returns true.
func (t *Timer) IntervalEnd(now time.Time) bool {
	return !now.Before(t.start.Add(t.interval))
}

// AdvanceInterval doubles i (up to maxDoublings) and rearms. It does not
// check for an inconsistency itself: the owner calls Reset directly,
// which restarts the interval at Imin.
func (t *Timer) AdvanceInterval(now time.Time) {
	if t.doublings < t.maxDoublings {
		t.doublings++
	}
	t.arm(now)
}

// NextDeadline returns the next time this timer needs attention: either
// the transmission instant (if still pending) or the interval boundary.
func (t *Timer) NextDeadline() time.Time {
	if !t.fireAt.IsZero() {
		return t.fireAt
	}
	return t.start.Add(t.interval)
}

// Interval reports the current I, mostly for diagnostics/UI.
func (t *Timer) Interval() time.Duration { return t.interval }
