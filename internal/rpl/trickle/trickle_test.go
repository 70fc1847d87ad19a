package trickle

import (
	"testing"
	"time"
)

func TestResetStartsAtImin(t *testing.T) {
	now := time.Unix(0, 0)
	tm := New(time.Second, 4, 1)
	tm.Reset(now)
	if got := tm.Interval(); got != time.Second {
		t.Fatalf("Interval() = %v, want %v", got, time.Second)
	}
	if d := tm.NextDeadline(); d.Before(now) || d.After(now.Add(time.Second)) {
		t.Fatalf("NextDeadline %v out of [start, start+I]", d)
	}
}

func TestAdvanceIntervalDoublesUpToMax(t *testing.T) {
	now := time.Unix(0, 0)
	tm := New(time.Second, 2, 1)
	tm.Reset(now)
	tm.AdvanceInterval(now.Add(time.Second))
	if got := tm.Interval(); got != 2*time.Second {
		t.Fatalf("after 1 doubling: Interval() = %v, want %v", got, 2*time.Second)
	}
	tm.AdvanceInterval(now.Add(3 * time.Second))
	if got := tm.Interval(); got != 4*time.Second {
		t.Fatalf("after 2 doublings: Interval() = %v, want %v", got, 4*time.Second)
	}
	tm.AdvanceInterval(now.Add(7 * time.Second))
	if got := tm.Interval(); got != 4*time.Second {
		t.Fatalf("doublings capped at maxDoublings=2: Interval() = %v, want unchanged %v", got, 4*time.Second)
	}
}

func TestShouldTransmitNowRespectsK(t *testing.T) {
	now := time.Unix(0, 0)
	tm := New(4*time.Second, 4, 1)
	tm.Reset(now)
	tm.ConsistencyReceived() // c becomes 1, meeting k=1

	fireAt := tm.NextDeadline()
	if tm.ShouldTransmitNow(fireAt) {
		t.Error("should not transmit once consistency count reached k")
	}
}

func TestShouldTransmitNowFiresWhenBelowK(t *testing.T) {
	now := time.Unix(0, 0)
	tm := New(4*time.Second, 4, 2)
	tm.Reset(now)

	fireAt := tm.NextDeadline()
	if !tm.ShouldTransmitNow(fireAt) {
		t.Error("should transmit: consistency count 0 < k 2")
	}
}

func TestIntervalEnd(t *testing.T) {
	now := time.Unix(0, 0)
	tm := New(time.Second, 4, 1)
	tm.Reset(now)
	if tm.IntervalEnd(now.Add(500 * time.Millisecond)) {
		t.Error("interval should not have ended yet")
	}
	if !tm.IntervalEnd(now.Add(time.Second)) {
		t.Error("interval should have ended at I")
	}
}
