package route

import (
	"net/netip"
	"testing"
	"time"

	"rplmesh/internal/nbr"
)

func peerHandle(t *testing.T) nbr.Handle {
	t.Helper()
	tbl := nbr.New(nbr.Config[struct{}]{MaxNeighbors: 4})
	h, err := tbl.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return h
}

func TestRouteAddLookupDelete(t *testing.T) {
	now := time.Unix(0, 0)
	s := New(Config{Capacity: 16})

	peer := peerHandle(t)
	dest := netip.MustParsePrefix("2001:db8::0d0e:0507/128")
	peerAddr := netip.MustParseAddr("2001:db8::0b0e:0e03")

	e, err := s.Add(now, 1, dest, peer, 100*time.Second, false, PreferenceMedium, SourceUnicastDAO, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := s.Lookup(1, dest.Addr())
	if !ok || got != e {
		t.Fatalf("Lookup(dest) = %v, %v; want %v, true", got, ok, e)
	}

	if _, ok := s.Lookup(1, peerAddr); ok {
		t.Error("Lookup(peer) should miss: peer itself isn't routed through itself")
	}

	if e.NextHop != peer {
		t.Errorf("NextHop = %v, want %v", e.NextHop, peer)
	}

	if err := s.Del(e); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := s.Del(e); err != ErrNotFound {
		t.Fatalf("second Del: err = %v, want ErrNotFound", err)
	}
}

func TestDelByNextHop(t *testing.T) {
	now := time.Unix(0, 0)
	s := New(Config{Capacity: 16})
	peer := peerHandle(t)

	for i := 0; i < 3; i++ {
		p := netip.MustParsePrefix("2001:db8::1/128")
		if i == 1 {
			p = netip.MustParsePrefix("2001:db8::2/128")
		} else if i == 2 {
			p = netip.MustParsePrefix("2001:db8::3/128")
		}
		if _, err := s.Add(now, 1, p, peer, 100*time.Second, false, PreferenceMedium, SourceUnicastDAO, nil); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}

	n := s.DelByNextHop(1, peer)
	if n != 3 {
		t.Errorf("DelByNextHop removed %d, want 3", n)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestFillCapacityExactly(t *testing.T) {
	const maxRoutes = 5
	now := time.Unix(0, 0)
	s := New(Config{Capacity: maxRoutes})
	peer := peerHandle(t)

	prefixes := []string{
		"2001:db8::10/128", "2001:db8::11/128", "2001:db8::12/128",
		"2001:db8::13/128", "2001:db8::14/128",
	}
	var entries []*Entry
	for _, p := range prefixes {
		e, err := s.Add(now, 1, netip.MustParsePrefix(p), peer, 100*time.Second, false, PreferenceMedium, SourceUnicastDAO, nil)
		if err != nil {
			t.Fatalf("Add(%s): %v", p, err)
		}
		entries = append(entries, e)
	}

	for _, e := range entries {
		if err := s.Del(e); err != nil {
			t.Errorf("Del(%v): %v", e.Prefix, err)
		}
	}
}

func TestExactPrefixOnlyMatchesExactDestination(t *testing.T) {
	now := time.Unix(0, 0)
	s := New(Config{Capacity: 4})
	peer := peerHandle(t)

	dest := netip.MustParsePrefix("2001:db8::abcd/128")
	if _, err := s.Add(now, 1, dest, peer, 100*time.Second, false, PreferenceMedium, SourceUnicastDAO, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	other := netip.MustParseAddr("2001:db8::abce")
	if _, ok := s.Lookup(1, other); ok {
		t.Error("a /128 route must not match a neighboring address")
	}
}

func TestLowerPreferenceDoesNotReplaceExisting(t *testing.T) {
	now := time.Unix(0, 0)
	s := New(Config{Capacity: 4})
	peerA := peerHandle(t)
	peerB := peerHandle(t)

	p := netip.MustParsePrefix("2001:db8::1/128")
	if _, err := s.Add(now, 1, p, peerA, 100*time.Second, false, PreferenceHigh, SourceUnicastDAO, nil); err != nil {
		t.Fatalf("Add high-pref: %v", err)
	}
	if _, err := s.Add(now, 1, p, peerB, 100*time.Second, false, PreferenceLow, SourceUnicastDAO, nil); err != ErrLowerPref {
		t.Fatalf("Add lower-pref with different next hop: err = %v, want ErrLowerPref", err)
	}
}

func TestExpireOlderThan(t *testing.T) {
	now := time.Unix(0, 0)
	s := New(Config{Capacity: 4})
	peer := peerHandle(t)

	p := netip.MustParsePrefix("2001:db8::1/128")
	if _, err := s.Add(now, 1, p, peer, 10*time.Second, false, PreferenceMedium, SourceUnicastDAO, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	later := now.Add(20 * time.Second)
	expired := s.ExpireOlderThan(later)
	if len(expired) != 1 {
		t.Fatalf("ExpireOlderThan returned %d entries, want 1", len(expired))
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after expiry, want 0", s.Len())
	}
}
