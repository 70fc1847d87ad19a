package nd

import (
	"net/netip"
	"testing"
	"time"

	"rplmesh/internal/nbr"
)

func newTestEngine(t *testing.T) (*Engine, *[][]byte) {
	t.Helper()
	tbl := nbr.New(nbr.Config[*Extra]{MaxNeighbors: 8, MaxLLSlots: 8})
	var sent [][]byte
	eng := NewEngine(Config{
		Neighbors: tbl,
		Transmit: func(iface int, dst netip.Addr, payload []byte) error {
			sent = append(sent, payload)
			return nil
		},
	})
	return eng, &sent
}

func TestHandleNS_SolicitedUnicastNA(t *testing.T) {
	eng, sent := newTestEngine(t)
	target := netip.MustParseAddr("fe80::1")
	eng.AddAddress(1, target, 64, false)

	src := netip.MustParseAddr("fe80::2")
	sllao := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	opts := []Option{{Type: optSourceLLAddr, Value: sllao}}

	if err := eng.HandleNS(1, 255, src, target, opts, false); err != nil {
		t.Fatalf("HandleNS: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(*sent))
	}
	na := (*sent)[0]
	if na[0] != ICMPNeighborAdvertisement {
		t.Errorf("type = %d, want %d", na[0], ICMPNeighborAdvertisement)
	}
	if na[4]&naFlagSolicited == 0 {
		t.Error("expected SOLICITED flag")
	}
}

func TestHandleNS_WrongHopLimitDropped(t *testing.T) {
	eng, _ := newTestEngine(t)
	target := netip.MustParseAddr("fe80::1")
	eng.AddAddress(1, target, 64, false)
	src := netip.MustParseAddr("fe80::2")

	err := eng.HandleNS(1, 64, src, target, nil, false)
	if err != ErrInvalid {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestHandleNS_TentativeTargetMarksDADFailed(t *testing.T) {
	eng, _ := newTestEngine(t)
	target := netip.MustParseAddr("fe80::1")
	addr := eng.AddAddress(1, target, 64, true)
	src := netip.MustParseAddr("fe80::2")

	err := eng.HandleNS(1, 255, src, target, nil, false)
	if err != ErrDADFail {
		t.Fatalf("err = %v, want ErrDADFail", err)
	}
	if !addr.DADFailed || addr.Tentative {
		t.Error("address should be marked DAD-failed and no longer tentative")
	}
}

func TestHandleNA_IncompleteToReachable(t *testing.T) {
	eng, _ := newTestEngine(t)
	target := netip.MustParseAddr("fe80::3")
	tllao := []byte{1, 1, 1, 1, 1, 1, 1, 1}

	if err := eng.HandleNA(1, target, true, true, false, []Option{{Type: optTargetLLAddr, Value: tllao}}); err != nil {
		t.Fatalf("HandleNA: %v", err)
	}

	h, ok := eng.lookupByAddr(1, target)
	if !ok {
		t.Fatal("neighbor not created")
	}
	extra, err := eng.nbr.Extra(h)
	if err != nil {
		t.Fatalf("Extra: %v", err)
	}
	if (*extra).State != StateReachable {
		t.Errorf("state = %v, want REACHABLE", (*extra).State)
	}
}

func TestHandleRA_InstallsPrefixAndRouter(t *testing.T) {
	eng, _ := newTestEngine(t)
	routerAddr := netip.MustParseAddr("fe80::10")
	sllao := []byte{2, 2, 2, 2, 2, 2, 2, 2}

	prefix := netip.MustParsePrefix("2001:db8:abcd::/64")
	pi := make([]byte, 30)
	pi[0] = 64
	pi[1] = 0xC0 // L+A
	pi[2], pi[3], pi[4], pi[5] = 0xff, 0xff, 0xff, 0xff // valid lifetime
	pi[6], pi[7], pi[8], pi[9] = 0x00, 0x00, 0x0e, 0x10  // preferred lifetime (3600s)
	pb := prefix.Addr().As16()
	copy(pi[14:30], pb[:])

	opts := []Option{
		{Type: optSourceLLAddr, Value: sllao},
		{Type: optPrefixInfo, Value: pi},
	}

	if err := eng.HandleRA(1, routerAddr, 64, 1800*time.Second, opts); err != nil {
		t.Fatalf("HandleRA: %v", err)
	}

	s := eng.iface(1)
	if len(s.routers) != 1 {
		t.Fatalf("routers = %d, want 1", len(s.routers))
	}

	found := false
	for _, a := range s.addresses {
		if a.Autoconf && a.Tentative {
			found = true
		}
	}
	if !found {
		t.Error("expected a tentative autoconf address from the A-flagged PIO")
	}
}

func TestHandleRA_ZeroLifetimeRemovesRouter(t *testing.T) {
	eng, _ := newTestEngine(t)
	routerAddr := netip.MustParseAddr("fe80::20")
	sllao := []byte{3, 3, 3, 3, 3, 3, 3, 3}
	opts := []Option{{Type: optSourceLLAddr, Value: sllao}}

	if err := eng.HandleRA(1, routerAddr, 64, 1800*time.Second, opts); err != nil {
		t.Fatalf("HandleRA add: %v", err)
	}
	if err := eng.HandleRA(1, routerAddr, 64, 0, nil); err != nil {
		t.Fatalf("HandleRA remove: %v", err)
	}
	if len(eng.iface(1).routers) != 0 {
		t.Errorf("routers = %d, want 0 after lifetime-0 RA", len(eng.iface(1).routers))
	}
}

func TestResolve_PendingThenFlushedByNA(t *testing.T) {
	eng, sent := newTestEngine(t)
	dst := netip.MustParseAddr("fe80::30")
	payload := []byte{0xde, 0xad}

	_, err := eng.Resolve(1, dst, payload)
	if err != ErrPending {
		t.Fatalf("err = %v, want ErrPending", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent %d NS, want 1", len(*sent))
	}

	tllao := []byte{4, 4, 4, 4, 4, 4, 4, 4}
	if err := eng.HandleNA(1, dst, true, true, false, []Option{{Type: optTargetLLAddr, Value: tllao}}); err != nil {
		t.Fatalf("HandleNA: %v", err)
	}

	if len(*sent) != 2 {
		t.Fatalf("sent %d packets after NA, want 2 (NS + flushed pending)", len(*sent))
	}
	if string((*sent)[1]) != string(payload) {
		t.Errorf("flushed payload = %v, want %v", (*sent)[1], payload)
	}
}

func TestSLAACTwoHourRule(t *testing.T) {
	now := time.Now()
	a := &Address{Autoconf: true, Infinite: false, ValidUntil: now.Add(30 * time.Minute)}

	applyTwoHourRule(a, now, 10*time.Minute, false)
	if got := a.ValidUntil.Sub(now); got < 29*time.Minute {
		t.Errorf("shorter advertisement shrank remaining lifetime: got %v", got)
	}

	applyTwoHourRule(a, now, 3*time.Hour, false)
	if got := a.ValidUntil.Sub(now); got < 2*time.Hour+59*time.Minute {
		t.Errorf("advertisement above cap should replace directly: got %v", got)
	}
}

func TestEvictOldestStaleWhenPoolFull(t *testing.T) {
	tbl := nbr.New(nbr.Config[*Extra]{MaxNeighbors: 2, MaxLLSlots: 2})
	eng := NewEngine(Config{Neighbors: tbl})

	h1, extra1, err := eng.lookupOrCreate(1, []byte{1, 1, 1, 1, 1, 1, 1, 1}, netip.MustParseAddr("fe80::1"))
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	extra1.State = StateStale
	extra1.StaleOrdinal = 1

	_, extra2, err := eng.lookupOrCreate(1, []byte{2, 2, 2, 2, 2, 2, 2, 2}, netip.MustParseAddr("fe80::2"))
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}
	extra2.State = StateStale
	extra2.StaleOrdinal = 2

	_, _, err = eng.lookupOrCreate(1, []byte{3, 3, 3, 3, 3, 3, 3, 3}, netip.MustParseAddr("fe80::3"))
	if err != nil {
		t.Fatalf("create 3 should evict oldest stale: %v", err)
	}

	if eng.nbr.Live(h1) {
		t.Error("oldest STALE entry should have been evicted")
	}
}
