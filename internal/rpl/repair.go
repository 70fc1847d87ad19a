package rpl

import (
	"net/netip"
	"time"

	"rplmesh/internal/nbr"
	"rplmesh/internal/rpl/of"
	"rplmesh/internal/rpl/trickle"
)

// localRepair executes RFC 6550 §8.2.2.5's local repair: this node has
// lost its last usable parent. Poison the DAG (rank goes infinite),
// withdraw every route that went through the old preferred parent with
// a No-Path DAO, and reset Trickle so children learn of the change
// quickly.
func (e *Engine) localRepair(inst *Instance, dag *DAG) {
	if !dag.Joined {
		return
	}
	e.log.Info("RPL local repair", "instance", inst.InstanceID, "dodag", dag.DAGID)
	if dag.HasPreferredParent {
		old := dag.PreferredParent
		dag.HasPreferredParent = false
		e.sendNoPathDAO(inst, old)
		if e.routes != nil {
			e.routes.DelByNextHopData(e.iface, old, dag)
		}
	}
	dag.Rank = InfiniteRank
	inst.Trickle.Reset(e.now())
}

// globalRepairFollower adopts a newer DAG version announced by a
// parent: clear all parent state and rejoin fresh, per §8.2.2.4.
func (e *Engine) globalRepairFollower(inst *Instance, dag *DAG, newVersion uint8) {
	e.log.Info("RPL global repair observed", "instance", inst.InstanceID, "version", newVersion)
	dag.Version = newVersion
	dag.Parents = make(map[nbr.Handle]*Parent)
	dag.HasPreferredParent = false
	dag.Rank = InfiniteRank
	dag.MinRank = InfiniteRank
	inst.Trickle.Reset(e.now())
}

// TriggerGlobalRepair is called on the root to announce a fresh DODAG
// version, forcing every descendant to rejoin.
func (e *Engine) TriggerGlobalRepair(instanceID uint8) {
	inst, ok := e.instances[instanceID]
	if !ok || inst.DAG == nil || !inst.IsRoot {
		return
	}
	lollipopIncrement(&inst.DAG.Version)
	lollipopIncrement(&inst.DTSN)
	inst.Trickle.Reset(e.now())
}

const rootRank Rank = 256 // RFC 6550 §17: ROOT_RANK = MIN_HOP_RANK_INCREASE

// NewRootInstance creates and joins a fresh Instance/DAG with this node
// as root, ready to start emitting DIOs. ocp selects the objective
// function by OCP (0=OF0, 1=MRHOF); unsupported values fall back to OF0.
func (e *Engine) NewRootInstance(instanceID uint8, dagID netip.Addr, prefix netip.Prefix, ocp int) *Instance {
	inst, ok := e.instances[instanceID]
	if !ok {
		inst = &Instance{
			InstanceID:      instanceID,
			MOP:             MOPStoring,
			MinHopRankInc:   256,
			Imin:            typicalImin,
			Doublings:       typicalDoublings,
			K:               typicalK,
			IsRoot:          true,
			DefaultLifetime: 30,
			LifetimeUnit:    60 * time.Second,
		}
		inst.MaxRankInc = inst.MinHopRankInc * MaxRankIncMultiplier
		e.instances[instanceID] = inst
	}
	ofn, ok2 := of.ByOCP(ocp)
	if !ok2 {
		ofn = of.OF0{}
	}
	inst.OF = ofn

	dag := newDAG(inst, dagID)
	dag.Joined = true
	dag.Grounded = true
	dag.Rank = rootRank
	dag.MinRank = rootRank
	dag.Prefix = prefix
	inst.DAG = dag
	inst.Trickle = trickle.New(inst.Imin, inst.Doublings, inst.K)
	inst.Trickle.Reset(e.now())
	return inst
}
