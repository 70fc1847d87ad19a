// Package of implements RPL Objective Functions: OF0 (RFC 6552) and
// MRHOF (RFC 6719), pluggable by OCP (Objective Code Point).
package of

// Candidate is a potential (or current) preferred parent's metrics, as
// the OF needs them to compute rank and compare candidates.
type Candidate struct {
	ParentRank uint16 // the parent's own rank
	LinkMetric uint16 // ETX-scaled link cost to this parent (MRHOF only)
	PathCost   uint16 // parent's advertised path cost, if any (MRHOF)
}

// OF is a pluggable RPL objective function (§4.4.1).
type OF interface {
	OCP() int
	// CalcRank computes this node's rank if it adopts c as preferred
	// parent, given the instance's min_hop_rank_inc.
	CalcRank(c Candidate, minHopRankInc uint16) uint16
	// Better reports whether candidate should replace cur as preferred
	// parent, applying the OF's hysteresis so a marginally-better
	// candidate doesn't cause needless parent churn.
	Better(cur, candidate Candidate, minHopRankInc uint16) bool
	// UpdateLinkMetric folds a single transmission outcome into the
	// moving-average link metric (MRHOF; a no-op for OF0).
	UpdateLinkMetric(old uint16, txSuccess bool, numTx int) uint16
}

// OF0 implements RFC 6552's objective function zero.
type OF0 struct{}

func (OF0) OCP() int { return 0 }

func (OF0) CalcRank(c Candidate, minHopRankInc uint16) uint16 {
	return c.ParentRank + minHopRankInc
}

func (OF0) pathMetric(c Candidate, minHopRankInc uint16) uint32 {
	dagRank := uint32(c.ParentRank)
	if minHopRankInc > 0 {
		dagRank = uint32(c.ParentRank / minHopRankInc)
	}
	return dagRank*uint32(minHopRankInc) + uint32(c.LinkMetric)
}

func (o OF0) Better(cur, candidate Candidate, minHopRankInc uint16) bool {
	minDifference := minHopRankInc + minHopRankInc/2
	curMetric := o.pathMetric(cur, minHopRankInc)
	candMetric := o.pathMetric(candidate, minHopRankInc)
	if candMetric+uint32(minDifference) >= curMetric {
		return false
	}
	return true
}

func (OF0) UpdateLinkMetric(old uint16, txSuccess bool, numTx int) uint16 { return old }

// MRHOF implements RFC 6719's Minimum Rank with Hysteresis OF.
const (
	ETXDivisor        = 256
	mrhofAlphaPercent = 90 // alpha = 0.90, fixed-point percent
	MaxLinkMetric     = 10 * ETXDivisor
	MaxPathCostMult   = 32 // rejects path cost > MaxPathCostMult * ETXDivisor
	hysteresis        = ETXDivisor / 2
)

type MRHOF struct{}

func (MRHOF) OCP() int { return 1 }

func (MRHOF) CalcRank(c Candidate, minHopRankInc uint16) uint16 {
	path := uint32(c.PathCost) + uint32(c.LinkMetric)
	if path > 0xffff {
		path = 0xffff
	}
	rank := path
	if rank < uint32(c.ParentRank)+uint32(minHopRankInc) {
		rank = uint32(c.ParentRank) + uint32(minHopRankInc)
	}
	return uint16(rank)
}

func (m MRHOF) totalPathCost(c Candidate) uint32 {
	return uint32(c.PathCost) + uint32(c.LinkMetric)
}

func (m MRHOF) Better(cur, candidate Candidate, minHopRankInc uint16) bool {
	if candidate.LinkMetric > MaxLinkMetric {
		return false
	}
	candCost := m.totalPathCost(candidate)
	if candCost > MaxPathCostMult*ETXDivisor {
		return false
	}
	curCost := m.totalPathCost(cur)
	if candCost+hysteresis >= curCost {
		return false
	}
	return true
}

// UpdateLinkMetric folds a transmission outcome into the ETX-scaled
// moving average: new = old*alpha + sample*(1-alpha), alpha=0.90.
func (MRHOF) UpdateLinkMetric(old uint16, txSuccess bool, numTx int) uint16 {
	if numTx < 1 {
		numTx = 1
	}
	sample := uint32(numTx) * ETXDivisor
	if !txSuccess {
		sample = MaxLinkMetric
	}
	newMetric := (uint32(old)*mrhofAlphaPercent + sample*(100-mrhofAlphaPercent)) / 100
	if newMetric > MaxLinkMetric {
		newMetric = MaxLinkMetric
	}
	return uint16(newMetric)
}

// ByOCP resolves the OF implementation for an Objective Code Point, or
// ok=false if unsupported.
func ByOCP(ocp int) (OF, bool) {
	switch ocp {
	case 0:
		return OF0{}, true
	case 1:
		return MRHOF{}, true
	default:
		return nil, false
	}
}
