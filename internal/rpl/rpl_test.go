package rpl

import (
	"net/netip"
	"testing"
	"time"

	"rplmesh/internal/nbr"
	"rplmesh/internal/route"
)

func newHandle(t *testing.T) nbr.Handle {
	t.Helper()
	tbl := nbr.New(nbr.Config[struct{}]{MaxNeighbors: 4})
	h, err := tbl.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return h
}

func TestRootDIOJoinAndDAOInstallsRoute(t *testing.T) {
	dagID := netip.MustParseAddr("2001:db8::1")
	prefix := netip.MustParsePrefix("2001:db8::/64")
	rootAddr := netip.MustParseAddr("2001:db8::1")
	childAddr := netip.MustParseAddr("2001:db8::2")

	var sentA, sentB [][]byte
	a := NewEngine(Config{
		Transmit: func(iface int, dst netip.Addr, payload []byte) error {
			sentA = append(sentA, payload)
			return nil
		},
		SelfAddr: rootAddr,
		Iface:    1,
	})
	inst := a.NewRootInstance(30, dagID, prefix, 0)
	if inst.DAG == nil || inst.DAG.Rank != rootRank {
		t.Fatalf("root instance not joined at ROOT_RANK")
	}

	a.sendDIO(inst, netip.Addr{})
	if len(sentA) != 1 {
		t.Fatalf("sentA = %d, want 1", len(sentA))
	}
	dioBuf := sentA[0]

	parentHandle := newHandle(t)
	routesB := route.New(route.Config{Capacity: 16})
	b := NewEngine(Config{
		Transmit: func(iface int, dst netip.Addr, payload []byte) error {
			sentB = append(sentB, payload)
			return nil
		},
		Routes:   routesB,
		SelfAddr: childAddr,
		Iface:    1,
		AddrOf: func(h nbr.Handle) (netip.Addr, bool) {
			if h == parentHandle {
				return rootAddr, true
			}
			return netip.Addr{}, false
		},
		MaxSupportedMOP: MOPStoring,
	})

	join := func(instanceID uint8, dagID netip.Addr, mop MOP) bool { return true }
	if err := b.HandleDIO(rootAddr, parentHandle, dioBuf, join); err != nil {
		t.Fatalf("HandleDIO: %v", err)
	}

	bInst, ok := b.Instance(30)
	if !ok {
		t.Fatal("instance 30 not created on follower")
	}
	if bInst.DAG == nil || !bInst.DAG.HasPreferredParent || bInst.DAG.PreferredParent != parentHandle {
		t.Fatalf("follower did not adopt the only candidate as preferred parent")
	}
	if !bInst.daoArmed {
		t.Fatal("adopting a preferred parent should arm a DAO")
	}

	if _, ok := routesB.Lookup(1, netip.IPv6Unspecified()); !ok {
		t.Error("default route should be installed toward the preferred parent")
	}

	b.ScanDAOTimers(time.Now().Add(3 * time.Second))
	if len(sentB) != 1 {
		t.Fatalf("sentB = %d, want 1 (the scheduled DAO)", len(sentB))
	}
	daoBuf := sentB[0]

	routesA := route.New(route.Config{Capacity: 16})
	a.routes = routesA
	reporterHandle := newHandle(t)
	if err := a.HandleDAO(childAddr, reporterHandle, InfiniteRank, daoBuf); err != nil {
		t.Fatalf("HandleDAO: %v", err)
	}

	ent, ok := routesA.Lookup(1, childAddr)
	if !ok {
		t.Fatal("root should have installed a route to the child's advertised target")
	}
	if ent.NextHop != reporterHandle {
		t.Errorf("route next hop = %v, want %v", ent.NextHop, reporterHandle)
	}
}

func TestHandleDIOUnsupportedMOPDropped(t *testing.T) {
	e := NewEngine(Config{MaxSupportedMOP: MOPNoDownwardRoutes})
	msg := dioMsg{InstanceID: 1, MOP: MOPStoring, DODAGID: netip.MustParseAddr("2001:db8::1")}
	buf := encodeDIO(msg, nil)
	if err := e.HandleDIO(netip.MustParseAddr("fe80::1"), newHandle(t), buf, func(uint8, netip.Addr, MOP) bool { return true }); err != nil {
		t.Fatalf("HandleDIO: %v", err)
	}
	if _, ok := e.Instance(1); ok {
		t.Error("an unsupported MOP must not create an instance")
	}
}

func TestLocalRepairOnLostLastParent(t *testing.T) {
	var sent [][]byte
	routes := route.New(route.Config{Capacity: 4})
	e := NewEngine(Config{
		Transmit: func(iface int, dst netip.Addr, payload []byte) error {
			sent = append(sent, payload)
			return nil
		},
		Routes:   routes,
		SelfAddr: netip.MustParseAddr("2001:db8::2"),
		AddrOf: func(h nbr.Handle) (netip.Addr, bool) {
			return netip.MustParseAddr("2001:db8::1"), true
		},
	})
	inst := e.NewRootInstance(1, netip.MustParseAddr("2001:db8::1"), netip.MustParsePrefix("2001:db8::/64"), 0)
	inst.IsRoot = false // simulate a non-root node that has since lost its only parent
	parent := newHandle(t)
	inst.DAG.Parents[parent] = &Parent{DAG: inst.DAG, LastRank: rootRank}
	inst.DAG.PreferredParent = parent
	inst.DAG.HasPreferredParent = true

	e.localRepair(inst, inst.DAG)

	if inst.DAG.Rank != InfiniteRank {
		t.Errorf("rank = %d, want InfiniteRank after local repair", inst.DAG.Rank)
	}
	if inst.DAG.HasPreferredParent {
		t.Error("preferred parent should be cleared")
	}
	if len(sent) != 1 {
		t.Errorf("expected a No-Path DAO to the old parent, got %d packets", len(sent))
	}
}
