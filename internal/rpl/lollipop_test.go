package rpl

import "testing"

func TestLollipopIncrementWrapsAtCircularBoundary(t *testing.T) {
	c := uint8(lollipopCircular - 1)
	lollipopIncrement(&c)
	if c != lollipopCircular {
		t.Fatalf("got %d, want %d", c, lollipopCircular)
	}
	lollipopIncrement(&c)
	if c != 0 {
		t.Fatalf("wrapping within the circular region: got %d, want 0", c)
	}
}

func TestLollipopIncrementWrapsAtMax(t *testing.T) {
	c := uint8(lollipopMaxValue)
	lollipopIncrement(&c)
	if c != 0 {
		t.Fatalf("wraparound from max into the circular region: got %d, want 0", c)
	}
}

func TestLollipopGreaterWithinWindow(t *testing.T) {
	if !lollipopGreater(200, 195) {
		t.Error("200 should be greater than 195")
	}
	if lollipopGreater(195, 200) {
		t.Error("195 should not be greater than 200")
	}
}

func TestLollipopGreaterAcrossWrap(t *testing.T) {
	// a just wrapped from the circular region's top back to its bottom;
	// b is still near the top. a should be "greater" (more recent).
	a := uint8(5)
	b := uint8(120)
	if !lollipopGreater(a, b) {
		t.Error("wrapped value should compare greater within the sequence window")
	}
}
