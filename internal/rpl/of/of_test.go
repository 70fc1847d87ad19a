package of

import "testing"

func TestOF0CalcRank(t *testing.T) {
	o := OF0{}
	got := o.CalcRank(Candidate{ParentRank: 256}, 256)
	if got != 512 {
		t.Fatalf("CalcRank = %d, want 512", got)
	}
}

func TestOF0BetterRequiresHysteresisMargin(t *testing.T) {
	o := OF0{}
	cur := Candidate{ParentRank: 512}
	// A marginally cheaper candidate within MIN_DIFFERENCE shouldn't win.
	marginal := Candidate{ParentRank: 512 - 100}
	if o.Better(cur, marginal, 256) {
		t.Error("marginal improvement should not beat hysteresis")
	}
	clearlyBetter := Candidate{ParentRank: 0}
	if !o.Better(cur, clearlyBetter, 256) {
		t.Error("clearly cheaper candidate should win")
	}
}

func TestMRHOFRejectsOverMaxLinkMetric(t *testing.T) {
	m := MRHOF{}
	cur := Candidate{PathCost: 100}
	cand := Candidate{PathCost: 0, LinkMetric: MaxLinkMetric + 1}
	if m.Better(cur, cand, 256) {
		t.Error("candidate exceeding MaxLinkMetric must be rejected")
	}
}

func TestMRHOFUpdateLinkMetricMovesTowardSample(t *testing.T) {
	m := MRHOF{}
	old := uint16(ETXDivisor) // one expected transmission
	next := m.UpdateLinkMetric(old, true, 1)
	if next != old {
		t.Errorf("steady-state ETX=divisor with a successful single-tx sample should stay put: got %d, want %d", next, old)
	}
	failed := m.UpdateLinkMetric(old, false, 1)
	if failed <= old {
		t.Errorf("a failed transmission should raise the moving average: got %d, want > %d", failed, old)
	}
}

func TestByOCP(t *testing.T) {
	if _, ok := ByOCP(0); !ok {
		t.Error("OCP 0 (OF0) should resolve")
	}
	if _, ok := ByOCP(1); !ok {
		t.Error("OCP 1 (MRHOF) should resolve")
	}
	if _, ok := ByOCP(99); ok {
		t.Error("unknown OCP should not resolve")
	}
}
