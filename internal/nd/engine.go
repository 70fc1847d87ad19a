package nd

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"rplmesh/internal/iphc"
	"rplmesh/internal/nbr"
	"rplmesh/internal/route"
)

var (
	ErrInvalid  = errors.New("nd: invalid packet")
	ErrNoRoute  = errors.New("nd: no route to target")
	ErrPending  = errors.New("nd: resolution pending")
	ErrDADFail  = errors.New("nd: duplicate address detected")
)

// ICMPv6 type numbers this engine consumes and produces (RFC 4443/4861).
const (
	ICMPRouterSolicitation    = 133
	ICMPRouterAdvertisement   = 134
	ICMPNeighborSolicitation  = 135
	ICMPNeighborAdvertisement = 136
)

// NA flag bits (RFC 4861 §4.4).
const (
	naFlagRouter    = 1 << 7
	naFlagSolicited = 1 << 6
	naFlagOverride  = 1 << 5
)

// Transmit sends an ICMPv6 payload (already serialized, sans the
// ICMPv6 checksum which the caller's link layer fills in) from iface to
// dst. The engine never owns a socket; it only decides what to send.
type Transmit func(iface int, dst netip.Addr, payload []byte) error

// Address is one configured or autoconfigured address on an interface.
type Address struct {
	Addr           netip.Addr
	PrefixLen      int
	Tentative      bool
	DADFailed      bool
	Autoconf       bool
	Infinite       bool
	ValidUntil     time.Time
	PreferredUntil time.Time
}

type routerEntry struct {
	handle   nbr.Handle
	addr     netip.Addr
	deadline time.Time
}

type ifaceState struct {
	addresses []*Address
	routers   []*routerEntry
	mtu       uint32
	eui64     [8]byte
	rsPending bool
}

// Config wires the ND engine to the shared neighbor pool, the route
// store (for RIO-installed routes), the 6LoWPAN context table (for
// 6CO), and the link layer's send path.
type Config struct {
	Logger    *slog.Logger
	Neighbors *nbr.Table[*Extra]
	Routes    *route.Store
	Contexts  *iphc.ContextTable
	Transmit  Transmit
}

// Engine implements NS/NA/RS/RA processing and the neighbor state
// machine (RFC 4861/4862/6775).
type Engine struct {
	log      *slog.Logger
	nbr      *nbr.Table[*Extra]
	routes   *route.Store
	ctx      *iphc.ContextTable
	transmit Transmit

	ifaces  map[int]*ifaceState
	ordinal uint64
}

func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		log:      cfg.Logger.With("component", "nd"),
		nbr:      cfg.Neighbors,
		routes:   cfg.Routes,
		ctx:      cfg.Contexts,
		transmit: cfg.Transmit,
		ifaces:   make(map[int]*ifaceState),
	}
}

func (e *Engine) iface(id int) *ifaceState {
	s, ok := e.ifaces[id]
	if !ok {
		s = &ifaceState{mtu: 1280}
		e.ifaces[id] = s
	}
	return s
}

// SetEUI64 records the interface's EUI-64-derived identifier, used to
// derive SLAAC interface identifiers.
func (e *Engine) SetEUI64(iface int, eui64 [8]byte) { e.iface(iface).eui64 = eui64 }

// AddAddress installs a (typically manually-configured or link-local)
// address on iface.
func (e *Engine) AddAddress(iface int, a netip.Addr, prefixLen int, tentative bool) *Address {
	addr := &Address{Addr: a, PrefixLen: prefixLen, Tentative: tentative, Infinite: true}
	s := e.iface(iface)
	s.addresses = append(s.addresses, addr)
	return addr
}

func (e *Engine) findAddress(iface int, a netip.Addr) *Address {
	for _, addr := range e.iface(iface).addresses {
		if addr.Addr == a {
			return addr
		}
	}
	return nil
}

// ownsAddress reports whether a belongs to iface (or, with routeAny,
// any known interface — the "routing is enabled" case in §4.3.2).
func (e *Engine) ownsAddress(iface int, a netip.Addr, routeAny bool) (*Address, bool) {
	if addr := e.findAddress(iface, a); addr != nil {
		return addr, true
	}
	if routeAny {
		for id, s := range e.ifaces {
			if id == iface {
				continue
			}
			for _, addr := range s.addresses {
				if addr.Addr == a {
					return addr, true
				}
			}
		}
	}
	return nil, false
}

func (e *Engine) nextOrdinal() uint64 {
	e.ordinal++
	return e.ordinal
}

// lookupOrCreate finds the neighbor for (iface, lladdr), allocating a
// fresh INCOMPLETE entry (evicting the oldest non-router STALE entry if
// the pool is full) when absent.
func (e *Engine) lookupOrCreate(iface int, lladdr []byte, addr netip.Addr) (nbr.Handle, *Extra, error) {
	if h, ok := e.nbr.Lookup(iface, lladdr); ok {
		extra, err := e.nbr.Extra(h)
		if err != nil {
			return nbr.Handle{}, nil, err
		}
		return h, *extra, nil
	}

	h, err := e.nbr.Get()
	if errors.Is(err, nbr.ErrNoFreeEntry) {
		if !e.evictOldestStale() {
			return nbr.Handle{}, nil, err
		}
		h, err = e.nbr.Get()
	}
	if err != nil {
		return nbr.Handle{}, nil, err
	}
	if err := e.nbr.Link(h, iface, lladdr); err != nil {
		e.nbr.Unref(h)
		return nbr.Handle{}, nil, err
	}
	extra := &Extra{Addr: addr, State: StateIncomplete, StaleOrdinal: e.nextOrdinal()}
	*mustExtra(e.nbr, h) = extra
	return h, extra, nil
}

func mustExtra(t *nbr.Table[*Extra], h nbr.Handle) **Extra {
	e, err := t.Extra(h)
	if err != nil {
		panic(err)
	}
	return e
}

// evictOldestStale implements the §4.3.5 eviction policy: the oldest
// non-router STALE entry by stale-ordinal, or failure if none exists.
func (e *Engine) evictOldestStale() bool {
	var victim nbr.Handle
	var victimOrdinal uint64
	found := false

	e.nbr.ForEach(func(h nbr.Handle, extra **Extra) bool {
		ex := *extra
		if ex == nil || ex.IsRouter || ex.State != StateStale {
			return true
		}
		if !found || ex.StaleOrdinal < victimOrdinal {
			victim, victimOrdinal, found = h, ex.StaleOrdinal, true
		}
		return true
	})

	if !found {
		return false
	}
	e.nbr.Unref(victim)
	return true
}

// HandleNS processes a received Neighbor Solicitation (§4.3.2).
func (e *Engine) HandleNS(iface int, hopLimit int, src, target netip.Addr, opts []Option, routingEnabled bool) error {
	if hopLimit != 255 {
		return ErrInvalid
	}
	if target.IsMulticast() {
		return ErrInvalid
	}

	unspecified := src == netip.IPv6Unspecified()
	var sllao []byte
	for _, o := range opts {
		if o.Type == optSourceLLAddr {
			if unspecified {
				return ErrInvalid // §4.3.2: unspecified-source NS must carry no SLLAO
			}
			if ll, ok := LinkLayerAddr(o.Value); ok {
				sllao = ll
			}
		}
	}

	if sllao != nil {
		_, extra, err := e.lookupOrCreate(iface, sllao, src)
		if err == nil && extra.State == StateIncomplete {
			extra.State = StateStale
		}
	}

	addr, owned := e.ownsAddress(iface, target, routingEnabled)
	if !owned {
		if routingEnabled {
			if e.routes != nil {
				if _, ok := e.routes.Lookup(-1, target); ok {
					// Forwarding with a modified next hop is the
					// caller's (router-context) responsibility; the ND
					// engine only confirms a route exists.
					return nil
				}
			}
		}
		return ErrNoRoute
	}

	if addr.Tentative {
		addr.DADFailed = true
		addr.Tentative = false
		return ErrDADFail
	}

	if unspecified {
		return e.sendNA(iface, solicitedNodeAllNodes(), target, false, true)
	}
	return e.sendNA(iface, src, target, true, true)
}

func (e *Engine) sendNA(iface int, dst, target netip.Addr, solicited, override bool) error {
	if e.transmit == nil {
		return nil
	}
	flags := naFlagRouter
	if solicited {
		flags |= naFlagSolicited
	}
	if override {
		flags |= naFlagOverride
	}
	payload := buildNA(byte(flags), target, nil)
	return e.transmit(iface, dst, payload)
}

func buildNA(flags byte, target netip.Addr, tllao []byte) []byte {
	out := make([]byte, 4+4+16)
	out[0] = ICMPNeighborAdvertisement
	out[4] = flags
	ta := target.As16()
	copy(out[8:24], ta[:])
	if tllao != nil {
		out = append(out, tllao...)
	}
	return out
}

func solicitedNodeAllNodes() netip.Addr {
	return netip.MustParseAddr("ff02::1")
}

// HandleNA processes a received Neighbor Advertisement (§4.3.3).
func (e *Engine) HandleNA(iface int, target netip.Addr, solicited, override, isRouter bool, opts []Option) error {
	if addr, owned := e.ownsAddress(iface, target, false); owned && addr.Tentative {
		addr.DADFailed = true
		addr.Tentative = false
		return ErrDADFail
	}

	var tllao []byte
	for _, o := range opts {
		if o.Type == optTargetLLAddr {
			if ll, ok := LinkLayerAddr(o.Value); ok {
				tllao = ll
			}
		}
	}

	h, ok := e.lookupByAddr(iface, target)
	if !ok {
		if tllao == nil {
			return nil // unknown target, no TLLAO to bind: drop
		}
		var err error
		h, _, err = e.lookupOrCreate(iface, tllao, target)
		if err != nil {
			return err
		}
	}

	extra, err := e.nbr.Extra(h)
	if err != nil {
		return err
	}
	ex := *extra

	wasRouter := ex.IsRouter
	ex.IsRouter = isRouter

	switch ex.State {
	case StateIncomplete:
		if tllao != nil {
			e.rebind(iface, h, tllao)
		}
		if solicited {
			ex.State = StateReachable
			ex.ReachableDeadline = time.Now().Add(MaxReachableTime)
		} else {
			ex.State = StateStale
		}
		e.flushPending(iface, h, ex)
	default:
		changed := tllao != nil && !e.sameLLAddr(iface, h, tllao)
		if changed && !override {
			if ex.State == StateReachable {
				ex.State = StateStale
			}
		} else {
			if changed && tllao != nil {
				e.rebind(iface, h, tllao)
			}
			if solicited {
				ex.State = StateReachable
				ex.ReachableDeadline = time.Now().Add(MaxReachableTime)
			}
		}
	}

	if wasRouter && !isRouter && e.routes != nil {
		e.routes.DelByNextHop(iface, h)
	}

	return nil
}

func (e *Engine) lookupByAddr(iface int, a netip.Addr) (nbr.Handle, bool) {
	var found nbr.Handle
	ok := false
	e.nbr.ForEach(func(h nbr.Handle, extra **Extra) bool {
		if hIface, live := e.nbr.IfaceOf(h); !live || hIface != iface {
			return true
		}
		if (*extra) != nil && (*extra).Addr == a {
			found, ok = h, true
			return false
		}
		return true
	})
	return found, ok
}

func (e *Engine) sameLLAddr(iface int, h nbr.Handle, lladdr []byte) bool {
	cur, ok := e.nbr.LLAddrOf(h)
	if !ok {
		return false
	}
	if len(cur) != len(lladdr) {
		return false
	}
	for i := range cur {
		if cur[i] != lladdr[i] {
			return false
		}
	}
	return true
}

func (e *Engine) rebind(iface int, h nbr.Handle, lladdr []byte) (nbr.Handle, bool) {
	_ = e.nbr.Unlink(h)
	if err := e.nbr.Link(h, iface, lladdr); err != nil {
		return h, false
	}
	return h, true
}

func (e *Engine) flushPending(iface int, h nbr.Handle, extra *Extra) {
	if extra.pending == nil || e.transmit == nil {
		extra.pending = nil
		return
	}
	_ = e.transmit(iface, extra.pending.dst, extra.pending.payload)
	extra.pending = nil
}

// HandleRA processes a received Router Advertisement (§4.3.4).
func (e *Engine) HandleRA(iface int, src netip.Addr, curHopLimit byte, routerLifetime time.Duration, opts []Option) error {
	s := e.iface(iface)

	var sllao []byte
	for _, o := range opts {
		switch o.Type {
		case optSourceLLAddr:
			if ll, ok := LinkLayerAddr(o.Value); ok {
				sllao = ll
			}
		}
	}

	if sllao != nil {
		_, extra, err := e.lookupOrCreate(iface, sllao, src)
		if err == nil {
			extra.IsRouter = true
			if extra.State == StateIncomplete {
				extra.State = StateStale
			}
		}
	}

	if routerLifetime == 0 {
		e.removeRouter(iface, src)
	} else {
		e.updateRouter(iface, src, routerLifetime)
	}

	for _, o := range opts {
		switch o.Type {
		case optMTU:
			if len(o.Value) >= 6 {
				mtu := uint32(o.Value[2])<<24 | uint32(o.Value[3])<<16 | uint32(o.Value[4])<<8 | uint32(o.Value[5])
				if mtu < 1280 {
					mtu = 1280
				}
				if mtu > 65535 {
					mtu = 65535
				}
				s.mtu = mtu
			}
		case optPrefixInfo:
			if pi, ok := parsePrefixInfo(o.Value); ok {
				e.handlePrefixInfo(iface, pi)
			}
		case opt6COContext:
			if co, ok := parse6CO(o.Value); ok {
				e.handle6CO(iface, co)
			}
		case optRouteInfo:
			if ri, ok := parseRouteInfo(o.Value); ok {
				e.installRIO(iface, src, ri)
			}
		case optRDNSS:
			_ = rdnssAddrs(o.Value) // first resolver address: caller's concern
		}
	}

	s.rsPending = false
	return nil
}

func (e *Engine) handlePrefixInfo(iface int, pi PrefixInfo) {
	if pi.ValidLifetime < pi.PreferredLife {
		return
	}
	if pi.Prefix.Addr().Is4In6() {
		return
	}
	if linkLocal(pi.Prefix.Addr()) {
		return
	}
	if pi.OnLink {
		// On-link prefixes don't need a full address record; tracked
		// implicitly via routing, so nothing further here.
		_ = pi
	}
	if pi.Autonomous && pi.Prefix.Bits() == 64 {
		e.autoconfigure(iface, pi)
	}
}

func linkLocal(a netip.Addr) bool { return linkLocalPrefix.Contains(a) }

var linkLocalPrefix = netip.MustParsePrefix("fe80::/64")

func (e *Engine) handle6CO(iface int, co contextOption) {
	if e.ctx == nil {
		return
	}
	if co.Lifetime == 0 {
		_ = e.ctx.Remove(co.CID)
		return
	}
	_ = e.ctx.Set(co.CID, iphc.Context{
		Prefix:      co.Prefix,
		Compress:    co.Compress,
		HasLifetime: true,
		Deadline:    time.Now().Add(time.Duration(co.Lifetime) * time.Minute),
		Iface:       iface,
	})
}

func (e *Engine) installRIO(iface int, src netip.Addr, ri RouteInfo) {
	if e.routes == nil {
		return
	}
	h, ok := e.lookupByAddr(iface, src)
	if !ok {
		return
	}
	pref := route.PreferenceMedium
	switch {
	case ri.Preference > 0:
		pref = route.PreferenceHigh
	case ri.Preference < 0:
		pref = route.PreferenceLow
	}
	infinite := ri.Lifetime == 0xffffffff
	_, _ = e.routes.Add(time.Now(), iface, ri.Prefix, h, time.Duration(ri.Lifetime)*time.Second, infinite, pref, route.SourceDIO, nil)
}

func (e *Engine) removeRouter(iface int, addr netip.Addr) {
	s := e.iface(iface)
	for i, r := range s.routers {
		if r.addr == addr {
			e.nbr.Unref(r.handle)
			if e.routes != nil {
				e.routes.DelByNextHop(iface, r.handle)
			}
			s.routers = append(s.routers[:i], s.routers[i+1:]...)
			return
		}
	}
}

func (e *Engine) updateRouter(iface int, addr netip.Addr, lifetime time.Duration) {
	s := e.iface(iface)
	deadline := time.Now().Add(lifetime)
	for _, r := range s.routers {
		if r.addr == addr {
			r.deadline = deadline
			return
		}
	}
	h, ok := e.lookupByAddr(iface, addr)
	if !ok {
		return
	}
	if err := e.nbr.Ref(h); err != nil {
		return
	}
	s.routers = append(s.routers, &routerEntry{handle: h, addr: addr, deadline: deadline})
}

// HandleRS processes a received Router Solicitation and, when this node
// advertises on iface, should trigger the caller to send an RA; the
// engine itself only validates and updates the soliciting neighbor.
func (e *Engine) HandleRS(iface int, src netip.Addr, opts []Option) error {
	if src == netip.IPv6Unspecified() {
		return nil
	}
	for _, o := range opts {
		if o.Type == optSourceLLAddr {
			if ll, ok := LinkLayerAddr(o.Value); ok {
				_, extra, err := e.lookupOrCreate(iface, ll, src)
				if err == nil && extra.State == StateIncomplete {
					extra.State = StateStale
				}
			}
		}
	}
	return nil
}

// Resolve implements §4.3.7 address resolution for outgoing packets.
// On PENDING it takes ownership of payload (queuing it, replacing any
// older pending packet) and the caller must not transmit.
func (e *Engine) Resolve(iface int, dst netip.Addr, payload []byte) (lladdr []byte, err error) {
	h, ok := e.lookupByAddr(iface, dst)
	if ok {
		extra, eerr := e.nbr.Extra(h)
		if eerr == nil {
			ex := *extra
			if ex.State != StateIncomplete {
				if ll, llok := e.nbr.LLAddrOf(h); llok {
					if ex.State == StateStale {
						ex.State = StateDelay
						ex.RetransDeadline = time.Now().Add(DelayFirstProbeTime)
					}
					return ll, nil
				}
			}
			ex.pending = &pendingPacket{dst: dst, payload: payload}
			e.sendNS(iface, dst, nil)
			return nil, ErrPending
		}
	}

	nh, extra, gerr := e.lookupOrCreate(iface, syntheticKey(dst), dst)
	if gerr != nil {
		return nil, gerr
	}
	extra.pending = &pendingPacket{dst: dst, payload: payload}
	extra.RetransDeadline = time.Now().Add(RetransTimer)
	e.sendNS(iface, dst, nil)
	_ = nh
	return nil, ErrPending
}

// syntheticKey derives a placeholder LL-address key for a not-yet-bound
// neighbor; it is replaced once an NA carries the real link-layer
// address (see HandleNA's rebind path).
func syntheticKey(a netip.Addr) []byte {
	b := a.As16()
	return append([]byte(nil), b[8:16]...)
}

func (e *Engine) sendNS(iface int, target netip.Addr, srcOverride *netip.Addr) {
	if e.transmit == nil {
		return
	}
	out := make([]byte, 4+4+16)
	out[0] = ICMPNeighborSolicitation
	ta := target.As16()
	copy(out[8:24], ta[:])
	dst := solicitedNodeMulticast(target)
	_ = e.transmit(iface, dst, out)
}

func solicitedNodeMulticast(target netip.Addr) netip.Addr {
	b := target.As16()
	var m [16]byte
	m[0], m[1] = 0xff, 0x02
	m[11] = 0x01
	m[12] = 0xff
	m[13], m[14], m[15] = b[13], b[14], b[15]
	return netip.AddrFrom16(m)
}

// StartDAD sends an NS with unspecified source toward the solicited-node
// multicast address of a tentative address (§4.3.6).
func (e *Engine) StartDAD(iface int, addr netip.Addr) {
	if e.transmit == nil {
		return
	}
	out := make([]byte, 4+4+16)
	out[0] = ICMPNeighborSolicitation
	ta := addr.As16()
	copy(out[8:24], ta[:])
	_ = e.transmit(iface, solicitedNodeMulticast(addr), out)
}

// ReachabilityHint applies an upper-layer reachability confirmation
// (e.g. a received TCP ACK) by forcing the neighbor to REACHABLE,
// regardless of its current state, per RFC 4861 §7.3.1.
func (e *Engine) ReachabilityHint(iface int, addr netip.Addr) {
	h, ok := e.lookupByAddr(iface, addr)
	if !ok {
		return
	}
	extra, err := e.nbr.Extra(h)
	if err != nil {
		return
	}
	ex := *extra
	if ex.State == StateStatic {
		return
	}
	ex.State = StateReachable
	ex.ReachableDeadline = time.Now().Add(MaxReachableTime)
}

// ScanTimers is the single global reachable-timer work item (§4.3.5): it
// walks every neighbor, applies timer-driven transitions, and reports
// the nearest future deadline so the caller can schedule the next scan.
func (e *Engine) ScanTimers(now time.Time) (nextDeadline time.Time, hasNext bool) {
	e.nbr.ForEach(func(h nbr.Handle, extra **Extra) bool {
		ex := *extra
		if ex == nil || ex.State == StateStatic {
			return true
		}

		switch ex.State {
		case StateReachable:
			if !ex.ReachableDeadline.IsZero() && !now.Before(ex.ReachableDeadline) {
				ex.State = StateStale
			} else if !ex.ReachableDeadline.IsZero() {
				track(&nextDeadline, &hasNext, ex.ReachableDeadline)
			}
		case StateDelay:
			if !ex.RetransDeadline.IsZero() && !now.Before(ex.RetransDeadline) {
				ex.State = StateProbe
				ex.SendCount = 0
				ex.RetransDeadline = now.Add(RetransTimer)
				e.sendNS(0, ex.Addr, nil)
			} else {
				track(&nextDeadline, &hasNext, ex.RetransDeadline)
			}
		case StateProbe, StateIncomplete:
			if ex.RetransDeadline.IsZero() || now.Before(ex.RetransDeadline) {
				if !ex.RetransDeadline.IsZero() {
					track(&nextDeadline, &hasNext, ex.RetransDeadline)
				}
				return true
			}
			max := MaxUnicastSolicit
			if ex.State == StateIncomplete {
				max = MaxMulticastSolicit
			}
			ex.SendCount++
			if ex.SendCount >= max {
				evictHandle := h
				defer e.nbr.Unref(evictHandle)
				return true
			}
			ex.RetransDeadline = now.Add(RetransTimer)
			e.sendNS(0, ex.Addr, nil)
			track(&nextDeadline, &hasNext, ex.RetransDeadline)
		}
		return true
	})
	return nextDeadline, hasNext
}

func track(cur *time.Time, has *bool, candidate time.Time) {
	if candidate.IsZero() {
		return
	}
	if !*has || candidate.Before(*cur) {
		*cur = candidate
		*has = true
	}
}
