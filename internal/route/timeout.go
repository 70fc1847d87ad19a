package route

import "time"

// Timeout tracks a deadline in the spirit of the source tree's
// net_timeout_evaluate: it stores the absolute deadline as a time.Time
// and evaluates it against the caller-supplied "now" on every check
// (Expired, Remaining). It backs route lifetimes (Entry.Lifetime);
// internal/rpl keeps its own time.Time deadlines and does not use it.
type Timeout struct {
	deadline time.Time
	set      bool
}

// Set arms the timeout to fire after d elapses from now.
func (t *Timeout) Set(now time.Time, d time.Duration) {
	t.deadline = now.Add(d)
	t.set = true
}

// Cancel disarms the timeout; idempotent.
func (t *Timeout) Cancel() { t.set = false }

// Armed reports whether the timeout is currently set.
func (t *Timeout) Armed() bool { return t.set }

// Remaining returns how long until the timeout fires, relative to now.
// A non-positive result means the timeout has already fired (or was
// never armed, in which case ok is false).
func (t *Timeout) Remaining(now time.Time) (d time.Duration, ok bool) {
	if !t.set {
		return 0, false
	}
	return t.deadline.Sub(now), true
}

// Expired reports whether the timeout has fired as of now. Disarmed
// timeouts are never expired.
func (t *Timeout) Expired(now time.Time) bool {
	if !t.set {
		return false
	}
	return !now.Before(t.deadline)
}

// Deadline returns the absolute deadline; only meaningful when Armed.
func (t *Timeout) Deadline() time.Time { return t.deadline }

// EarliestDeadline scans a set of deadline-bearing timers and returns the
// earliest deadline (past ones included), used by a single global scheduler to compute
// its next wakeup instead of busy-polling every entry (§5).
func EarliestDeadline(deadlines []time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, d := range deadlines {
		if !found || d.Before(best) {
			best = d
			found = true
		}
	}
	return best, found
}
