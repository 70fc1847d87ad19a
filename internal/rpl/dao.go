package rpl

import (
	"net/netip"
	"time"

	"rplmesh/internal/nbr"
	"rplmesh/internal/route"
)

const (
	daoNoPathLifetime = 0
	daoDefaultPref    = route.PreferenceMedium
)

// installDefaultRoute points the all-zeros route at the new preferred
// parent, replacing whatever it previously pointed at.
func (e *Engine) installDefaultRoute(inst *Instance, parent nbr.Handle) {
	if e.routes == nil {
		return
	}
	zero := netip.PrefixFrom(netip.IPv6Unspecified(), 0)
	if _, err := e.routes.Add(e.now(), e.iface, zero, parent, 0, true, daoDefaultPref, route.SourceInternal, inst.DAG); err != nil {
		e.log.Debug("failed to install default route", "err", err)
	}
}

// armDAO schedules a DAO transmission after a random delay in
// [latency/2, latency), as required whenever a parent/rank change makes
// this node's upward state stale (§4.4.4).
func (e *Engine) armDAO(inst *Instance) {
	const latency = 2 * time.Second
	half := latency / 2
	jitter := time.Duration(0)
	if half > 0 {
		jitter = time.Duration(e.rng.Int63n(int64(half)))
	}
	inst.daoArmed = true
	inst.daoArmedAt = e.now().Add(half + jitter)
}

// ScanDAOTimers fires armed/retransmit-due DAO work for every instance
// and re-arms lifetime refresh; returns the next deadline across all
// instances, or ok=false if none are pending.
func (e *Engine) ScanDAOTimers(now time.Time) (next time.Time, ok bool) {
	for _, inst := range e.instances {
		if inst.daoArmed && !now.Before(inst.daoArmedAt) {
			e.sendDAO(inst)
			inst.daoArmed = false
		}
		if inst.daoAwaitingACK && !now.Before(inst.daoRetransDeadline) {
			if inst.daoRetransCount >= DAOMaxRetransmissions {
				inst.daoAwaitingACK = false
			} else {
				inst.daoRetransCount++
				e.sendDAO(inst)
			}
		}
		if !inst.lifetimeDeadline.IsZero() && !now.Before(inst.lifetimeDeadline) {
			e.sendDAO(inst)
			e.armLifetimeRefresh(inst)
		}
		track(&next, &ok, inst.daoArmedAt, inst.daoArmed)
		track(&next, &ok, inst.daoRetransDeadline, inst.daoAwaitingACK)
		track(&next, &ok, inst.lifetimeDeadline, !inst.lifetimeDeadline.IsZero())
	}
	return next, ok
}

func track(cur *time.Time, has *bool, candidate time.Time, active bool) {
	if !active || candidate.IsZero() {
		return
	}
	if !*has || candidate.Before(*cur) {
		*cur = candidate
		*has = true
	}
}

func (e *Engine) armLifetimeRefresh(inst *Instance) {
	if inst.LifetimeUnit == 0 || inst.DefaultLifetime == 0 {
		return
	}
	total := time.Duration(inst.DefaultLifetime) * inst.LifetimeUnit
	inst.lifetimeDeadline = e.now().Add(total / 2)
}

// sendDAO emits a unicast DAO to the preferred parent (storing mode),
// advertising this node's own address as a /128 Target; children's
// targets are re-advertised separately by forwardDAOTowardRoot as their
// DAOs arrive (non-storing mode is not implemented: this node always
// reports via a unicast DAO to its preferred parent, per MOPStoring).
func (e *Engine) sendDAO(inst *Instance) {
	dag := inst.DAG
	if dag == nil || !dag.HasPreferredParent || e.transmit == nil {
		return
	}
	lollipopIncrement(&inst.daoSeq)
	inst.daoAwaitingACK = true
	inst.daoRetransDeadline = e.now().Add(DAORetransmitTimeout)
	inst.daoRetransCount = 0

	var opts []byte
	if e.selfAddr.IsValid() {
		opts = append(opts, encodeTarget(netip.PrefixFrom(e.selfAddr, e.selfAddr.BitLen()))...)
		opts = append(opts, encodeTransit(0, inst.DefaultLifetime)...)
	}

	msg := daoMsg{InstanceID: inst.InstanceID, Sequence: inst.daoSeq}
	buf := encodeDAO(msg, opts)

	parentAddr, ok := e.neighborAddr(dag.PreferredParent)
	if !ok {
		return
	}
	if err := e.transmit(e.iface, parentAddr, buf); err != nil {
		e.log.Debug("DAO transmit failed", "err", err)
	}
}

// sendNoPathDAO tells a former preferred parent to withdraw this node's
// route (§4.4.4, "No-Path DAO"): same Target, Transit Path Lifetime 0.
func (e *Engine) sendNoPathDAO(inst *Instance, parent nbr.Handle) {
	if e.transmit == nil || !e.selfAddr.IsValid() {
		return
	}
	lollipopIncrement(&inst.daoSeq)
	opts := encodeTarget(netip.PrefixFrom(e.selfAddr, e.selfAddr.BitLen()))
	opts = append(opts, encodeTransit(0, daoNoPathLifetime)...)
	msg := daoMsg{InstanceID: inst.InstanceID, Sequence: inst.daoSeq}
	buf := encodeDAO(msg, opts)

	addr, ok := e.neighborAddr(parent)
	if !ok {
		return
	}
	_ = e.transmit(e.iface, addr, buf)
}

// neighborAddr resolves a neighbor handle to the address RPL should
// address control traffic to, via the Config.AddrOf callback; without
// one, DAO/No-Path emission is a no-op.
func (e *Engine) neighborAddr(h nbr.Handle) (netip.Addr, bool) {
	if e.addrOf == nil {
		return netip.Addr{}, false
	}
	return e.addrOf(h)
}

// HandleDAO processes a received DAO (§4.4.5): validates the instance,
// rejects loops via a simple rank-based descendant check, installs or
// withdraws the advertised target route through the reporting
// neighbor, and emits a DAO-ACK when requested.
func (e *Engine) HandleDAO(src netip.Addr, reporter nbr.Handle, reporterRank Rank, buf []byte) error {
	m, optBuf, err := decodeDAO(buf)
	if err != nil {
		return err
	}
	inst, ok := e.instances[m.InstanceID]
	if !ok {
		return nil
	}
	if inst.DAG != nil && reporterRank <= inst.DAG.Rank && inst.DAG.HasPreferredParent && reporter == inst.DAG.PreferredParent {
		// A DAO from our own preferred parent can't be a descendant
		// report about itself; nothing to loop-check.
	} else if inst.DAG != nil && reporterRank != InfiniteRank && reporterRank < inst.DAG.Rank {
		// Reporter claims a rank above us but is reporting downward
		// state to us: inconsistent with the DAG shape, drop.
		e.log.Debug("dropping DAO with loop-inconsistent rank", "reporter_rank", reporterRank)
		return nil
	}

	opts, err := walkOptions(optBuf)
	if err != nil {
		return nil
	}

	for _, tv := range opts[optTarget] {
		prefix, ok := decodeTarget(tv)
		if !ok {
			continue
		}
		lifetime := time.Duration(inst.DefaultLifetime) * inst.LifetimeUnit
		pathLifetime := inst.DefaultLifetime
		if tr, ok := opts[optTransit]; ok && len(tr) > 0 {
			if _, pl, ok := decodeTransit(tr[0]); ok {
				pathLifetime = pl
			}
		}
		if pathLifetime == daoNoPathLifetime {
			e.withdrawRoute(prefix, reporter)
			continue
		}
		if e.routes != nil {
			if _, err := e.routes.Add(e.now(), e.iface, prefix, reporter, lifetime, false, daoDefaultPref, route.SourceUnicastDAO, inst.DAG); err != nil {
				e.log.Debug("DAO route install failed", "err", err)
			}
		}
		e.forwardDAOTowardRoot(inst, prefix, pathLifetime)
	}

	if m.KFlag {
		e.sendDAOACK(inst, src, m.Sequence)
	}
	return nil
}

func (e *Engine) withdrawRoute(prefix netip.Prefix, nextHop nbr.Handle) {
	if e.routes == nil {
		return
	}
	if ent, ok := e.routes.Lookup(e.iface, prefix.Addr()); ok && ent.NextHop == nextHop {
		_ = e.routes.Del(ent)
	}
}

// forwardDAOTowardRoot re-advertises a child's target to this node's own
// preferred parent (storing-mode multi-hop propagation).
func (e *Engine) forwardDAOTowardRoot(inst *Instance, prefix netip.Prefix, pathLifetime uint8) {
	if inst.IsRoot || inst.DAG == nil || !inst.DAG.HasPreferredParent || e.transmit == nil {
		return
	}
	lollipopIncrement(&inst.daoSeq)
	opts := encodeTarget(prefix)
	opts = append(opts, encodeTransit(0, pathLifetime)...)
	msg := daoMsg{InstanceID: inst.InstanceID, Sequence: inst.daoSeq}
	buf := encodeDAO(msg, opts)
	addr, ok := e.neighborAddr(inst.DAG.PreferredParent)
	if !ok {
		return
	}
	_ = e.transmit(e.iface, addr, buf)
}

func (e *Engine) sendDAOACK(inst *Instance, dst netip.Addr, seq uint8) {
	if e.transmit == nil {
		return
	}
	buf := encodeDAOACK(daoAckMsg{InstanceID: inst.InstanceID, Sequence: seq, Status: 0})
	_ = e.transmit(e.iface, dst, buf)
}

// HandleDAOACK clears the retransmit timer for the acknowledged instance.
func (e *Engine) HandleDAOACK(buf []byte) error {
	m, err := decodeDAOACK(buf)
	if err != nil {
		return err
	}
	inst, ok := e.instances[m.InstanceID]
	if !ok {
		return nil
	}
	if m.Sequence == inst.daoSeq {
		inst.daoAwaitingACK = false
		inst.daoRetransCount = 0
	}
	return nil
}
