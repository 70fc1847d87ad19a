package rpl

import (
	"net/netip"
	"time"

	"rplmesh/internal/nbr"
)

// Dispatch routes a decoded ICMPv6 RPL control message (type 155) to the
// right handler based on its code byte, resolving src to a neighbor
// handle via resolveNbr for DIO/DAO processing.
func (e *Engine) Dispatch(src netip.Addr, buf []byte, join JoinPolicy, resolveNbr func(netip.Addr) (nbr.Handle, bool)) error {
	if len(buf) < 2 || buf[0] != icmpTypeRPL {
		return ErrMalformed
	}
	switch buf[1] {
	case codeDIS:
		e.HandleDIS(src, isMulticastRPLTarget(src))
		return nil
	case codeDIO:
		h, ok := resolveNbr(src)
		if !ok {
			return nil
		}
		return e.HandleDIO(src, h, buf, join)
	case codeDAO:
		h, ok := resolveNbr(src)
		if !ok {
			return nil
		}
		rank := e.reporterRank(h)
		return e.HandleDAO(src, h, rank, buf)
	case codeDAOACK:
		return e.HandleDAOACK(buf)
	default:
		return ErrMalformed
	}
}

func isMulticastRPLTarget(a netip.Addr) bool { return a.IsMulticast() }

// reporterRank returns the rank a DAO sender last advertised as a
// parent, or InfiniteRank if it isn't tracked as one in any instance.
func (e *Engine) reporterRank(h nbr.Handle) Rank {
	for _, inst := range e.instances {
		if inst.DAG == nil {
			continue
		}
		if p, ok := inst.DAG.Parents[h]; ok {
			return p.LastRank
		}
	}
	return InfiniteRank
}

// Tick drives every periodic RPL work item (Trickle, DAO scheduling,
// probing) and returns the next time Tick should be called again.
func (e *Engine) Tick(now time.Time) time.Time {
	var next time.Time
	var ok bool

	if d, dok := e.ScanDIOTimers(now); dok {
		track(&next, &ok, d, true)
	}
	if d, dok := e.ScanDAOTimers(now); dok {
		track(&next, &ok, d, true)
	}
	if d, dok := e.scanProbing(now); dok {
		track(&next, &ok, d, true)
	}
	if !ok {
		return now.Add(time.Second)
	}
	return next
}

// scanProbing implements §4.4.9: every ProbingInterval (jittered to
// [P/2, 3P/2)), send a unicast DIO to a probe target selected as the
// preferred parent if it hasn't been heard from in ProbingExpiration,
// else a random other parent.
func (e *Engine) scanProbing(now time.Time) (time.Time, bool) {
	var next time.Time
	var ok bool
	for _, inst := range e.instances {
		if inst.DAG == nil || !inst.DAG.HasPreferredParent {
			continue
		}
		if inst.probeDeadline.IsZero() {
			e.armProbing(inst, now)
		}
		if !now.Before(inst.probeDeadline) {
			e.sendProbe(inst)
			e.armProbing(inst, now)
		}
		track(&next, &ok, inst.probeDeadline, true)
	}
	return next, ok
}

func (e *Engine) armProbing(inst *Instance, now time.Time) {
	half := ProbingInterval / 2
	jitter := time.Duration(0)
	if half > 0 {
		jitter = time.Duration(e.rng.Int63n(int64(half) * 2))
	}
	inst.probeDeadline = now.Add(half + jitter)
}

func (e *Engine) sendProbe(inst *Instance) {
	dag := inst.DAG
	target := dag.PreferredParent
	if p := dag.Parents[target]; p != nil && e.now().Sub(p.LastTX) > ProbingExpiration {
		// preferred parent is stale; prefer probing it directly to
		// refresh its link metric.
	} else {
		for h, p := range dag.Parents {
			if h != target {
				target = h
				_ = p
				break
			}
		}
	}
	addr, ok := e.neighborAddr(target)
	if !ok {
		return
	}
	e.sendDIO(inst, addr)
}
