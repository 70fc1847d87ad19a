// Package nbr implements the generic, reference-counted, fixed-capacity
// neighbor pool shared by ND, RPL, and the route store (spec C2).
//
// Rather than modeling ND/RPL/route ownership with inheritance, a single
// neighbor table holds one untyped-but-generic payload slot per entry;
// callers type it via the Table's type parameter. The table's Remove
// hook is invoked exactly once, at refcount-zero, and is the one place
// that knows how to release subsystem-specific state (design note 9,
// "Multiple polymorphic clients of the neighbor table").
package nbr

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNoFreeEntry is returned by Get when the neighbor pool is full.
	ErrNoFreeEntry = errors.New("nbr: no free entry")
	// ErrAlreadyLinked is returned by Link when the entry already owns a
	// link-layer address binding (one lladdr per neighbor, §3).
	ErrAlreadyLinked = errors.New("nbr: entry already linked to a link-layer address")
	// ErrNoFreeSlot is returned by Link when the lladdr slot pool is full.
	ErrNoFreeSlot = errors.New("nbr: no free link-layer address slot")
	ErrNotLinked  = errors.New("nbr: entry is not linked")
	ErrBadHandle  = errors.New("nbr: invalid handle")
)

// Handle is a stable, opaque reference into a Table. The zero Handle is
// not a sentinel: it names slot 0 at generation 0, the first handle Get
// returns. The invalid handle returned on failure has index -1.
type Handle struct {
	index int
	gen   uint32
}

// Valid reports whether h could possibly refer to a live entry; it does
// not confirm liveness (use Table.Live for that).
func (h Handle) Valid() bool { return h.index >= 0 }

func (h Handle) String() string {
	if !h.Valid() {
		return "nbr:none"
	}
	return fmt.Sprintf("nbr:%d.%d", h.index, h.gen)
}

var invalidHandle = Handle{index: -1}

// Key identifies a link-layer binding: an owning logical interface plus a
// link-layer address (copied into a fixed array since IEEE 802.15.4 and
// 802.3 addresses never exceed 8 bytes).
type Key struct {
	Iface  int
	LLAddr [8]byte
	LLLen  uint8
}

type lladdrSlot struct {
	key      Key
	refcount int
	inUse    bool
}

type entry[V any] struct {
	inUse    bool
	gen      uint32
	refcount int
	slot     int // index into lladdrSlots, -1 if unlinked
	Extra    V
}

// RemoveFunc is invoked exactly once, at refcount zero, so the owning
// subsystem can release anything it attached to Extra.
type RemoveFunc[V any] func(h Handle, extra V)

// Table is the fixed-capacity neighbor pool. The zero value is not
// ready to use; construct with New.
type Table[V any] struct {
	log *slog.Logger

	entries []entry[V]
	slots   []lladdrSlot

	onRemove RemoveFunc[V]
}

// Config bounds the two independent pools backing a Table: the neighbor
// pool (capacity N_MAX) and the link-layer-address slot pool. The spec
// allows them to differ because linking is optional; in practice most
// callers size them equally.
type Config[V any] struct {
	MaxNeighbors int
	MaxLLSlots   int
	OnRemove     RemoveFunc[V]
	Logger       *slog.Logger
}

func New[V any](cfg Config[V]) *Table[V] {
	if cfg.MaxLLSlots == 0 {
		cfg.MaxLLSlots = cfg.MaxNeighbors
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table[V]{
		log:      cfg.Logger,
		entries:  make([]entry[V], cfg.MaxNeighbors),
		slots:    make([]lladdrSlot, cfg.MaxLLSlots),
		onRemove: cfg.OnRemove,
	}
}

// Get reserves a fresh entry with refcount 1 and no link-layer binding.
func (t *Table[V]) Get() (Handle, error) {
	for i := range t.entries {
		if !t.entries[i].inUse {
			t.entries[i].inUse = true
			t.entries[i].refcount = 1
			t.entries[i].slot = -1
			var zero V
			t.entries[i].Extra = zero
			return Handle{index: i, gen: t.entries[i].gen}, nil
		}
	}
	return invalidHandle, ErrNoFreeEntry
}

func (t *Table[V]) resolve(h Handle) (*entry[V], error) {
	if h.index < 0 || h.index >= len(t.entries) {
		return nil, ErrBadHandle
	}
	e := &t.entries[h.index]
	if !e.inUse || e.gen != h.gen {
		return nil, ErrBadHandle
	}
	return e, nil
}

// Live reports whether h still refers to a live entry.
func (t *Table[V]) Live(h Handle) bool {
	_, err := t.resolve(h)
	return err == nil
}

// Extra returns a pointer to the entry's subsystem-specific payload so
// callers can read/mutate it in place while holding the table lock
// externally (per §5, the caller is expected to serialize access).
func (t *Table[V]) Extra(h Handle) (*V, error) {
	e, err := t.resolve(h)
	if err != nil {
		return nil, err
	}
	return &e.Extra, nil
}

// Link binds h to (iface, lladdr): it bumps the refcount on an existing
// matching slot, or allocates a fresh one. An entry may be linked to at
// most one link-layer address at a time.
func (t *Table[V]) Link(h Handle, iface int, lladdr []byte) error {
	e, err := t.resolve(h)
	if err != nil {
		return err
	}
	if e.slot != -1 {
		return ErrAlreadyLinked
	}

	key := makeKey(iface, lladdr)

	if idx, ok := t.findSlot(key); ok {
		t.slots[idx].refcount++
		e.slot = idx
		return nil
	}

	for i := range t.slots {
		if !t.slots[i].inUse {
			t.slots[i] = lladdrSlot{key: key, refcount: 1, inUse: true}
			e.slot = i
			return nil
		}
	}
	return ErrNoFreeSlot
}

// Unlink decrements the refcount of h's link-layer slot; at zero the
// slot is cleared. Unlinking never deallocates the neighbor entry
// itself, only its binding.
func (t *Table[V]) Unlink(h Handle) error {
	e, err := t.resolve(h)
	if err != nil {
		return err
	}
	if e.slot == -1 {
		return ErrNotLinked
	}
	slot := &t.slots[e.slot]
	slot.refcount--
	if slot.refcount <= 0 {
		*slot = lladdrSlot{}
	}
	e.slot = -1
	return nil
}

func (t *Table[V]) findSlot(key Key) (int, bool) {
	for i := range t.slots {
		if t.slots[i].inUse && t.slots[i].key == key {
			return i, true
		}
	}
	return 0, false
}

func makeKey(iface int, lladdr []byte) Key {
	var k Key
	k.Iface = iface
	k.LLLen = uint8(len(lladdr))
	copy(k.LLAddr[:], lladdr)
	return k
}

// Lookup finds the entry currently linked to (iface, lladdr).
func (t *Table[V]) Lookup(iface int, lladdr []byte) (Handle, bool) {
	key := makeKey(iface, lladdr)
	idx, ok := t.findSlot(key)
	if !ok {
		return invalidHandle, false
	}
	for i := range t.entries {
		if t.entries[i].inUse && t.entries[i].slot == idx {
			return Handle{index: i, gen: t.entries[i].gen}, true
		}
	}
	return invalidHandle, false
}

// Ref increments h's refcount.
func (t *Table[V]) Ref(h Handle) error {
	e, err := t.resolve(h)
	if err != nil {
		return err
	}
	e.refcount++
	return nil
}

// Unref decrements h's refcount; at zero, the entry's link is broken,
// the Remove hook fires exactly once with the entry's final payload,
// and the slot is freed for reuse (generation bumped to invalidate
// stale handles).
func (t *Table[V]) Unref(h Handle) error {
	e, err := t.resolve(h)
	if err != nil {
		return err
	}
	e.refcount--
	if e.refcount > 0 {
		return nil
	}

	if e.slot != -1 {
		slot := &t.slots[e.slot]
		slot.refcount--
		if slot.refcount <= 0 {
			*slot = lladdrSlot{}
		}
		e.slot = -1
	}

	extra := e.Extra
	idx := h.index
	gen := e.gen

	var zero V
	*e = entry[V]{gen: gen + 1}

	if t.onRemove != nil {
		t.onRemove(Handle{index: idx, gen: gen}, extra)
	}
	_ = zero
	return nil
}

// ForEach calls cb for every live entry. cb must not call Get/Unref in a
// way that reshuffles the table concurrently with this iteration; the
// caller is expected to hold the external table lock (§5).
func (t *Table[V]) ForEach(cb func(Handle, *V) bool) {
	for i := range t.entries {
		if !t.entries[i].inUse {
			continue
		}
		h := Handle{index: i, gen: t.entries[i].gen}
		if !cb(h, &t.entries[i].Extra) {
			return
		}
	}
}

// Clear releases every live entry, invoking Remove for each.
func (t *Table[V]) Clear() {
	for i := range t.entries {
		if t.entries[i].inUse {
			h := Handle{index: i, gen: t.entries[i].gen}
			// Force refcount to 1 so a single Unref tears it down.
			t.entries[i].refcount = 1
			if err := t.Unref(h); err != nil {
				t.log.Warn("nbr: clear failed to unref entry", "err", err)
			}
		}
	}
}

// Len returns the number of live entries.
func (t *Table[V]) Len() int {
	n := 0
	for i := range t.entries {
		if t.entries[i].inUse {
			n++
		}
	}
	return n
}

// Cap returns the neighbor pool capacity (N_MAX).
func (t *Table[V]) Cap() int { return len(t.entries) }

// IfaceOf and LLAddrOf report the link-layer binding of h, if any.
func (t *Table[V]) IfaceOf(h Handle) (int, bool) {
	e, err := t.resolve(h)
	if err != nil || e.slot == -1 {
		return 0, false
	}
	return t.slots[e.slot].key.Iface, true
}

func (t *Table[V]) LLAddrOf(h Handle) ([]byte, bool) {
	e, err := t.resolve(h)
	if err != nil || e.slot == -1 {
		return nil, false
	}
	k := t.slots[e.slot].key
	out := make([]byte, k.LLLen)
	copy(out, k.LLAddr[:k.LLLen])
	return out, true
}
