package rpl

import (
	"net/netip"
	"time"

	"rplmesh/internal/nbr"
	"rplmesh/internal/rpl/of"
	"rplmesh/internal/rpl/trickle"
)

// JoinPolicy decides whether this node should join a newly observed
// DODAG/instance pair. A nil policy means never auto-join; the instance
// must already exist (e.g. this node is the root).
type JoinPolicy func(instanceID uint8, dagID netip.Addr, mop MOP) bool

// HandleDIO processes a received DIO per the instance/version/rank logic
// of RFC 6550 §8.2 and §8.3, against the sender identified by nbrHandle.
func (e *Engine) HandleDIO(src netip.Addr, nbrHandle nbr.Handle, buf []byte, join JoinPolicy) error {
	m, optBuf, err := decodeDIO(buf)
	if err != nil {
		return err
	}
	if m.MOP > e.maxMOP {
		e.log.Debug("dropping DIO with unsupported MOP", "mop", m.MOP)
		return nil
	}

	opts, err := walkOptions(optBuf)
	if err != nil {
		e.log.Debug("dropping DIO with malformed options", "err", err)
		return nil
	}

	inst, ok := e.instances[m.InstanceID]
	if !ok {
		if join == nil || !join(m.InstanceID, m.DODAGID, m.MOP) {
			return nil
		}
		inst = e.joinInstance(m, opts)
	}

	dag := inst.DAG
	if dag == nil || dag.DAGID != m.DODAGID {
		if dag == nil {
			dag = e.joinDAG(inst, m, opts)
		} else {
			// Different DODAGID under a known instance: treat as a
			// competing DAG and ignore it; this node stays in its
			// current DAG (multi-DAG support is out of scope here).
			return nil
		}
	}

	if lollipopGreater(m.Version, dag.Version) {
		e.globalRepairFollower(inst, dag, m.Version)
	} else if lollipopGreater(dag.Version, m.Version) {
		// stale DIO from before our last global repair; ignore.
		return nil
	}

	e.applyDAGConfig(inst, opts)
	e.applyPrefixInfo(dag, opts)
	e.applyRouteInfo(opts)

	p := dag.Parents[nbrHandle]
	if p == nil {
		p = &Parent{DAG: dag}
		dag.Parents[nbrHandle] = p
	}
	rankChanged := p.LastRank != m.Rank
	p.LastRank = m.Rank
	p.DTSN = m.DTSN
	p.Updated = true
	p.LastTX = e.now()

	if rankChanged || !p.LinkMetricValid {
		inst.Trickle.Reset(e.now())
	} else {
		inst.Trickle.ConsistencyReceived()
	}

	e.recomputePreferredParent(inst, dag)

	if p.DTSN != 0 && lollipopGreater(p.DTSN, dag.Instance.DTSN) {
		// Parent's DTSN advanced: our downward routes through it may be
		// stale; schedule a fresh DAO.
		e.armDAO(inst)
	}

	return nil
}

func (e *Engine) now() time.Time { return time.Now() }

func (e *Engine) joinInstance(m dioMsg, opts map[byte][][]byte) *Instance {
	inst := &Instance{
		InstanceID:    m.InstanceID,
		MOP:           m.MOP,
		DTSN:          m.DTSN,
		MinHopRankInc:   256, // RFC 6550 default DEFAULT_MIN_HOP_RANK_INCREASE
		Imin:            typicalImin,
		Doublings:       typicalDoublings,
		K:               typicalK,
		DefaultLifetime: 30,
		LifetimeUnit:    60 * time.Second,
	}
	ocp := 0
	if cfgs, ok := opts[optDODAGConfig]; ok && len(cfgs) > 0 {
		ocp = decodeDODAGConfigOCP(cfgs[0])
	}
	ofn, ok := of.ByOCP(ocp)
	if !ok {
		ofn = of.OF0{}
	}
	inst.OF = ofn
	inst.MaxRankInc = inst.MinHopRankInc * MaxRankIncMultiplier
	inst.Trickle = trickle.New(inst.Imin, inst.Doublings, inst.K)
	inst.Trickle.Reset(e.now())
	e.instances[m.InstanceID] = inst
	return inst
}

const (
	typicalImin      = 1 * time.Second
	typicalDoublings = 12
	typicalK         = 10
)

func (e *Engine) joinDAG(inst *Instance, m dioMsg, opts map[byte][][]byte) *DAG {
	dag := newDAG(inst, m.DODAGID)
	dag.Version = m.Version
	dag.Grounded = m.Grounded
	dag.Preference = m.Preference
	dag.Rank = InfiniteRank
	dag.MinRank = InfiniteRank
	dag.Joined = true
	inst.DAG = dag
	return dag
}

// applyDAGConfig reads Imin/doublings/K/lifetime/min-hop-rank-increase
// from a DODAG Configuration option, when present (§6.7.6).
func (e *Engine) applyDAGConfig(inst *Instance, opts map[byte][][]byte) {
	cfgs, ok := opts[optDODAGConfig]
	if !ok || len(cfgs) == 0 {
		return
	}
	v := cfgs[0]
	if len(v) < 14 {
		return
	}
	doublings := int(v[1])
	k := int(v[2])
	minHopRankInc := uint16(v[6])<<8 | uint16(v[7])
	imin := time.Duration(1) << uint(v[3]&0x0f)
	defaultLifetime := v[12]
	lifetimeUnit := uint16(v[13])
	inst.Doublings = doublings
	inst.K = k
	if minHopRankInc > 0 {
		inst.MinHopRankInc = minHopRankInc
		inst.MaxRankInc = minHopRankInc * MaxRankIncMultiplier
	}
	inst.Imin = imin * time.Millisecond
	inst.DefaultLifetime = defaultLifetime
	if lifetimeUnit > 0 {
		inst.LifetimeUnit = time.Duration(lifetimeUnit) * time.Second
	}
}

func decodeDODAGConfigOCP(v []byte) int {
	if len(v) < 10 {
		return 0
	}
	return int(v[8])<<8 | int(v[9])
}

func (e *Engine) applyPrefixInfo(dag *DAG, opts map[byte][][]byte) {
	pis, ok := opts[optPrefixInfo]
	if !ok || len(pis) == 0 {
		return
	}
	v := pis[0]
	if len(v) < 30 {
		return
	}
	plen := int(v[0])
	valid := time.Duration(beU32(v[2:6])) * time.Second
	var pfxBytes [16]byte
	copy(pfxBytes[:], v[14:30])
	dag.Prefix = netip.PrefixFrom(netip.AddrFrom16(pfxBytes), plen)
	dag.PrefixLifetime = valid
}

func (e *Engine) applyRouteInfo(opts map[byte][][]byte) {
	for _, v := range opts[optRouteInfo] {
		if len(v) < 1 {
			continue
		}
		_ = v // downward route info via DIO is informational only here; DAO is authoritative for this node's routing table.
	}
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// recomputePreferredParent re-runs the OF over all known parents in dag
// and switches preferred parent if the OF says a candidate is sufficiently
// better, applying hysteresis to avoid churn (§4.4.1/§4.4.3 step 5).
func (e *Engine) recomputePreferredParent(inst *Instance, dag *DAG) {
	type cand struct {
		h nbr.Handle
		p *Parent
	}
	var best *cand
	var bestRank Rank = InfiniteRank
	for h, p := range dag.Parents {
		if p.LastRank == InfiniteRank {
			continue
		}
		rank := inst.OF.CalcRank(of.Candidate{ParentRank: p.LastRank, LinkMetric: p.LinkMetric, PathCost: p.PathCost}, inst.MinHopRankInc)
		if rank > inst.MinHopRankInc+inst.MaxRankInc+p.LastRank {
			continue
		}
		if best == nil || rank < bestRank {
			hCopy, pCopy := h, p
			best = &cand{h: hCopy, p: pCopy}
			bestRank = rank
		}
	}
	if best == nil {
		e.localRepair(inst, dag)
		return
	}

	if !dag.HasPreferredParent {
		e.adoptPreferredParent(inst, dag, best.h, best.p, bestRank)
		return
	}
	if best.h == dag.PreferredParent {
		dag.Rank = bestRank
		return
	}
	cur := dag.Parents[dag.PreferredParent]
	if cur == nil {
		e.adoptPreferredParent(inst, dag, best.h, best.p, bestRank)
		return
	}
	curCand := of.Candidate{ParentRank: cur.LastRank, LinkMetric: cur.LinkMetric, PathCost: cur.PathCost}
	candCand := of.Candidate{ParentRank: best.p.LastRank, LinkMetric: best.p.LinkMetric, PathCost: best.p.PathCost}
	if inst.OF.Better(curCand, candCand, inst.MinHopRankInc) {
		old := dag.PreferredParent
		e.adoptPreferredParent(inst, dag, best.h, best.p, bestRank)
		e.sendNoPathDAO(inst, old)
	}
}

func (e *Engine) adoptPreferredParent(inst *Instance, dag *DAG, h nbr.Handle, p *Parent, rank Rank) {
	dag.PreferredParent = h
	dag.HasPreferredParent = true
	dag.Rank = rank
	if rank < dag.MinRank {
		dag.MinRank = rank
	}
	lollipopIncrement(&inst.DTSN)
	e.installDefaultRoute(inst, h)
	e.armDAO(inst)
}
