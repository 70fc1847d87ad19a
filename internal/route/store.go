// Package route implements the downward route store (spec C6): a
// bounded, prefix-indexed table of DAO-derived routes with lifetimes,
// longest-prefix-match lookup, and LRU eviction.
//
// Longest-prefix match is delegated to github.com/gaissmai/bart's
// popcount-compressed multibit trie instead of a hand-rolled linear
// scan over prefixes, the way a production router table would.
package route

import (
	"container/list"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/gaissmai/bart"

	"rplmesh/internal/nbr"
)

// Preference mirrors RFC 4191 Route Information preference encoding.
type Preference int8

const (
	PreferenceReserved Preference = -2
	PreferenceLow      Preference = -1
	PreferenceMedium   Preference = 0
	PreferenceHigh     Preference = 1
)

// Source records who installed a route, per spec §3.
type Source uint8

const (
	SourceInternal Source = iota
	SourceUnicastDAO
	SourceMulticastDAO
	SourceDIO
)

var (
	ErrNoFreeEntry = errors.New("route: store is full")
	ErrNotFound    = errors.New("route: not found")
	ErrLowerPref   = errors.New("route: existing route has higher preference")
)

// DAGRef is an opaque handle to the RPL DAG that installed a route. The
// route package never dereferences it; RPL (C4) supplies and compares
// it. A nil DAGRef means "not DAG-owned" (e.g. a statically configured
// route, Source == SourceInternal).
type DAGRef any

// Entry is one downward route.
type Entry struct {
	Prefix         netip.Prefix
	NextHop        nbr.Handle
	DAG            DAGRef
	Lifetime       Timeout
	Infinite       bool
	Preference     Preference
	NoPathReceived bool
	Source         Source

	iface int
	elem  *list.Element // LRU position, owned by Store
}

// Store is the bounded downward route table. One bart.Table backs each
// logical interface so LPM stays scoped the way §4.6's route_lookup(iface?, dst)
// contract expects, while a single capacity and LRU list are shared
// across all interfaces (CONFIG_NET_MAX_ROUTES is a global bound).
type Store struct {
	log      *slog.Logger
	capacity int

	byIface map[int]*bart.Table[*Entry]
	lru     *list.List // front = most recently used
	all     map[*Entry]struct{}
}

type Config struct {
	Capacity int
	Logger   *slog.Logger
}

func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		log:      cfg.Logger,
		capacity: cfg.Capacity,
		byIface:  make(map[int]*bart.Table[*Entry]),
		lru:      list.New(),
		all:      make(map[*Entry]struct{}),
	}
}

func (s *Store) tableFor(iface int) *bart.Table[*Entry] {
	t, ok := s.byIface[iface]
	if !ok {
		t = &bart.Table[*Entry]{}
		s.byIface[iface] = t
	}
	return t
}

// Add installs or refreshes a route. If an equal (prefix, iface) route
// exists with the same next hop, lifetime/preference are refreshed in
// place. If an existing route has lower or equal preference and a
// different next hop, it is replaced; if it has strictly higher
// preference, Add fails with ErrLowerPref (§3 invariant: no duplicate
// (prefix,len) surviving a conflicting install). When the store is
// full, one entry across all interfaces is evicted to make room: the
// least-recently-used DIO-sourced (RIO) route if there is one, else the
// least-recently-used entry.
func (s *Store) Add(now time.Time, iface int, prefix netip.Prefix, nextHop nbr.Handle, lifetime time.Duration, infinite bool, pref Preference, src Source, dag DAGRef) (*Entry, error) {
	prefix = prefix.Masked()
	t := s.tableFor(iface)

	if existing, ok := t.Get(prefix); ok {
		if existing.NextHop == nextHop {
			s.refresh(now, existing, lifetime, infinite, pref)
			return existing, nil
		}
		if existing.Preference > pref {
			return nil, ErrLowerPref
		}
		// Lower-or-equal preference and a different next hop: replace.
		s.removeLocked(t, existing)
	}

	if len(s.all) >= s.capacity && s.capacity > 0 {
		if !s.evictLRU() {
			return nil, ErrNoFreeEntry
		}
	}

	e := &Entry{
		Prefix:         prefix,
		NextHop:        nextHop,
		DAG:            dag,
		Infinite:       infinite,
		Preference:     pref,
		Source:         src,
		iface:          iface,
	}
	if !infinite {
		e.Lifetime.Set(now, lifetime)
	}
	e.elem = s.lru.PushFront(e)
	s.all[e] = struct{}{}
	t.Insert(prefix, e)
	return e, nil
}

func (s *Store) refresh(now time.Time, e *Entry, lifetime time.Duration, infinite bool, pref Preference) {
	e.Infinite = infinite
	if infinite {
		e.Lifetime.Cancel()
	} else {
		e.Lifetime.Set(now, lifetime)
	}
	e.Preference = pref
	e.NoPathReceived = false
	s.touch(e)
}

func (s *Store) touch(e *Entry) {
	s.lru.MoveToFront(e.elem)
}

func (s *Store) evictLRU() bool {
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if e.Source == SourceDIO {
			// DIO-sourced routes (RIO) are cheaper to relearn than
			// DAO-installed downward state; prefer evicting them first.
			s.removeByElement(el)
			return true
		}
	}
	el := s.lru.Back()
	if el == nil {
		return false
	}
	s.removeByElement(el)
	return true
}

func (s *Store) removeByElement(el *list.Element) {
	e := el.Value.(*Entry)
	t := s.tableFor(e.iface)
	s.removeLocked(t, e)
}

func (s *Store) removeLocked(t *bart.Table[*Entry], e *Entry) {
	t.Delete(e.Prefix)
	s.lru.Remove(e.elem)
	delete(s.all, e)
}

// Lookup performs a longest-prefix-match for dst, optionally scoped to
// iface (pass -1 for "any interface").
func (s *Store) Lookup(iface int, dst netip.Addr) (*Entry, bool) {
	if iface >= 0 {
		t, ok := s.byIface[iface]
		if !ok {
			return nil, false
		}
		e, ok := t.Lookup(dst)
		if ok {
			s.touch(e)
		}
		return e, ok
	}

	var best *Entry
	var bestBits = -1
	for _, t := range s.byIface {
		if e, ok := t.Lookup(dst); ok {
			if e.Prefix.Bits() > bestBits {
				best, bestBits = e, e.Prefix.Bits()
			}
		}
	}
	if best != nil {
		s.touch(best)
		return best, true
	}
	return nil, false
}

// Del removes a specific entry. A second Del of an already-removed
// entry fails with ErrNotFound.
func (s *Store) Del(e *Entry) error {
	if _, ok := s.all[e]; !ok {
		return ErrNotFound
	}
	t := s.tableFor(e.iface)
	s.removeLocked(t, e)
	return nil
}

// DelByNextHop removes every route on iface whose next hop is nextHop.
func (s *Store) DelByNextHop(iface int, nextHop nbr.Handle) int {
	return s.delByNextHop(iface, nextHop, nil, false)
}

// DelByNextHopData removes routes on iface whose next hop is nextHop AND
// whose owning DAG equals dag (a selective purge used when a DAG is torn
// down without disturbing routes other DAGs share the same neighbor
// for).
func (s *Store) DelByNextHopData(iface int, nextHop nbr.Handle, dag DAGRef) int {
	return s.delByNextHop(iface, nextHop, dag, true)
}

func (s *Store) delByNextHop(iface int, nextHop nbr.Handle, dag DAGRef, matchDAG bool) int {
	t, ok := s.byIface[iface]
	if !ok {
		return 0
	}
	var victims []*Entry
	for _, e := range t.All() {
		if e.NextHop != nextHop {
			continue
		}
		if matchDAG && e.DAG != dag {
			continue
		}
		victims = append(victims, e)
	}
	for _, e := range victims {
		s.removeLocked(t, e)
	}
	return len(victims)
}

// PurgeNextHop removes every route, on every interface, pointing at
// nextHop. Called when the underlying neighbor entry is released
// (§3 invariant: no route may outlive its next hop).
func (s *Store) PurgeNextHop(nextHop nbr.Handle) int {
	total := 0
	for iface := range s.byIface {
		total += s.DelByNextHop(iface, nextHop)
	}
	return total
}

// ForEach visits every live route across all interfaces.
func (s *Store) ForEach(cb func(*Entry) bool) {
	for e := range s.all {
		if !cb(e) {
			return
		}
	}
}

// ExpireOlderThan removes (and returns) all routes whose lifetime has
// elapsed as of now. Driven by a periodic lifetime-timer worker (§5).
func (s *Store) ExpireOlderThan(now time.Time) []*Entry {
	var expired []*Entry
	s.ForEach(func(e *Entry) bool {
		if !e.Infinite && e.Lifetime.Expired(now) {
			expired = append(expired, e)
		}
		return true
	})
	for _, e := range expired {
		_ = s.Del(e)
	}
	return expired
}

// Len returns the number of installed routes.
func (s *Store) Len() int { return len(s.all) }
