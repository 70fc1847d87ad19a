package nbr

import "testing"

type noPayload struct{}

func newTestTable(t *testing.T, maxNeighbors int) *Table[noPayload] {
	t.Helper()
	return New(Config[noPayload]{MaxNeighbors: maxNeighbors})
}

func TestLinking_OneLLAddrPerNeighbor(t *testing.T) {
	tbl := newTestTable(t, 8)

	h, err := tbl.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	lladdr1 := []byte{0x42, 0x11, 0x69, 0xde, 0xfa, 0x01}
	if err := tbl.Link(h, 1, lladdr1); err != nil {
		t.Fatalf("Link first addr: %v", err)
	}

	lladdr2 := []byte{0x5f, 0x1c, 0x04, 0xae, 0x99, 0x02}
	if err := tbl.Link(h, 1, lladdr2); err != ErrAlreadyLinked {
		t.Fatalf("Link second addr on same neighbor: err = %v, want ErrAlreadyLinked", err)
	}

	if err := tbl.Unlink(h); err != nil {
		t.Fatalf("Unlink first addr: %v", err)
	}
	if err := tbl.Unlink(h); err != ErrNotLinked {
		t.Fatalf("second Unlink: err = %v, want ErrNotLinked", err)
	}
}

func TestGetLink_FillsCapacityExactly(t *testing.T) {
	const maxNeighbors = 5
	tbl := newTestTable(t, maxNeighbors)

	hwAddrs := [][]byte{
		{1, 1, 1, 1, 1, 1},
		{2, 2, 2, 2, 2, 2},
		{3, 3, 3, 3, 3, 3},
		{4, 4, 4, 4, 4, 4},
		{5, 5, 5, 5, 5, 5},
	}

	for i, addr := range hwAddrs {
		h, err := tbl.Get()
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		if err := tbl.Link(h, 1, addr); err != nil {
			t.Fatalf("Link #%d: %v", i, err)
		}
	}

	if _, err := tbl.Get(); err != ErrNoFreeEntry {
		t.Fatalf("Get after filling pool: err = %v, want ErrNoFreeEntry", err)
	}
}

func TestLookup(t *testing.T) {
	tbl := newTestTable(t, 4)
	lladdr := []byte{9, 9, 9, 9, 9, 9}

	h, _ := tbl.Get()
	if err := tbl.Link(h, 2, lladdr); err != nil {
		t.Fatalf("Link: %v", err)
	}

	got, ok := tbl.Lookup(2, lladdr)
	if !ok || got != h {
		t.Fatalf("Lookup = %v, %v; want %v, true", got, ok, h)
	}

	if _, ok := tbl.Lookup(3, lladdr); ok {
		t.Error("Lookup with wrong interface should miss")
	}
}

func TestUnrefInvokesRemoveExactlyOnce(t *testing.T) {
	var removed int
	var gotHandle Handle

	tbl := New(Config[int]{
		MaxNeighbors: 4,
		OnRemove: func(h Handle, extra int) {
			removed++
			gotHandle = h
			if extra != 42 {
				t.Errorf("extra payload = %d, want 42", extra)
			}
		},
	})

	h, _ := tbl.Get()
	extra, _ := tbl.Extra(h)
	*extra = 42

	if err := tbl.Ref(h); err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if err := tbl.Unref(h); err != nil {
		t.Fatalf("first Unref: %v", err)
	}
	if removed != 0 {
		t.Fatalf("Remove fired early: refcount should still be 1")
	}
	if err := tbl.Unref(h); err != nil {
		t.Fatalf("second Unref: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Remove fired %d times, want 1", removed)
	}
	if gotHandle != h {
		t.Errorf("Remove handle = %v, want %v", gotHandle, h)
	}
	if tbl.Live(h) {
		t.Error("handle should no longer be live after Unref to zero")
	}
}

func TestUnlinkDoesNotDeallocate(t *testing.T) {
	tbl := newTestTable(t, 4)
	h, _ := tbl.Get()
	lladdr := []byte{7, 7, 7, 7, 7, 7}
	if err := tbl.Link(h, 1, lladdr); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := tbl.Unlink(h); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if !tbl.Live(h) {
		t.Error("entry should still be live after Unlink")
	}
}
