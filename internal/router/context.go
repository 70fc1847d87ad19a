// Package router groups the per-node state every subsystem needs into
// one explicit value instead of file-scope globals (design note 9,
// "Global mutable state"): the shared neighbor table, the ND and RPL
// engines, the 6LoWPAN context table, and the downward route store.
// Construct one Context per node with New and pass it to every
// subsystem operation; per-interface state lives inside the ND/RPL
// engines themselves, keyed by the interface index.
package router

import (
	"log/slog"
	"net/netip"
	"time"

	"rplmesh/internal/iphc"
	"rplmesh/internal/metrics"
	"rplmesh/internal/nbr"
	"rplmesh/internal/nd"
	"rplmesh/internal/route"
	"rplmesh/internal/rpl"
)

// Config bounds every fixed-capacity pool (§6.5 build-time options) and
// supplies the node's identity and link-layer send path.
type Config struct {
	Logger *slog.Logger

	MaxNeighbors int
	MaxRoutes    int

	Iface    int
	SelfAddr netip.Addr

	RPLMaxSupportedMOP rpl.MOP

	// Transmit sends a serialized ICMPv6 payload (ND or RPL) from iface
	// to dst. Both engines share one send path; the caller's transport
	// (internal/transport, or a test double) owns the actual socket or
	// radio.
	Transmit func(iface int, dst netip.Addr, payload []byte) error
}

// Context is the explicit, passed-everywhere state of one mesh node.
type Context struct {
	log *slog.Logger

	Neighbors *nbr.Table[*nd.Extra]
	Contexts  *iphc.ContextTable
	Routes    *route.Store
	ND        *nd.Engine
	RPL       *rpl.Engine

	iface int
}

// New wires C2 through C6: the C6 route store and C5 IPHC context table
// first, then the C2 neighbor table (whose removal hook purges routes),
// then C3 (ND) over all three, then C4 (RPL) over the route store and
// neighbor table. The C1 radio driver is not wired here.
func New(cfg Config) *Context {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxNeighbors == 0 {
		cfg.MaxNeighbors = 32
	}
	if cfg.MaxRoutes == 0 {
		cfg.MaxRoutes = 64
	}

	routes := route.New(route.Config{
		Capacity: cfg.MaxRoutes,
		Logger:   cfg.Logger,
	})

	ctxTable := iphc.NewContextTable()

	nbrTable := nbr.New(nbr.Config[*nd.Extra]{
		MaxNeighbors: cfg.MaxNeighbors,
		Logger:       cfg.Logger,
		OnRemove: func(h nbr.Handle, extra *nd.Extra) {
			n := routes.PurgeNextHop(h)
			if n > 0 {
				cfg.Logger.Debug("router: purged routes on neighbor removal", "count", n)
			}
		},
	})

	ndEngine := nd.NewEngine(nd.Config{
		Logger:    cfg.Logger,
		Neighbors: nbrTable,
		Routes:    routes,
		Contexts:  ctxTable,
		Transmit:  nd.Transmit(cfg.Transmit),
	})

	rplEngine := rpl.NewEngine(rpl.Config{
		Logger:          cfg.Logger,
		Routes:          routes,
		Transmit:        rpl.Transmit(cfg.Transmit),
		SelfAddr:        cfg.SelfAddr,
		Iface:           cfg.Iface,
		MaxSupportedMOP: cfg.RPLMaxSupportedMOP,
		AddrOf: func(h nbr.Handle) (netip.Addr, bool) {
			extra, err := nbrTable.Extra(h)
			if err != nil || extra == nil || *extra == nil {
				return netip.Addr{}, false
			}
			return (*extra).Addr, true
		},
	})

	return &Context{
		log:       cfg.Logger.With("component", "router"),
		Neighbors: nbrTable,
		Contexts:  ctxTable,
		Routes:    routes,
		ND:        ndEngine,
		RPL:       rplEngine,
		iface:     cfg.Iface,
	}
}

// Tick drives every periodic work item across ND, RPL and the route
// store's lifetime timer (§5 cooperative workers), and returns the
// earliest time Tick should be called again.
func (c *Context) Tick(now time.Time) time.Time {
	next := now.Add(time.Second)

	if d, ok := c.ND.ScanTimers(now); ok && d.Before(next) {
		next = d
	}
	if d := c.RPL.Tick(now); d.Before(next) {
		next = d
	}

	expired := c.Routes.ExpireOlderThan(now)
	if len(expired) > 0 {
		metrics.RouteEvictions.Add(float64(len(expired)))
		c.log.Debug("router: expired routes", "count", len(expired))
	}
	c.Contexts.Expire(now)

	metrics.NeighborTableSize.Set(float64(c.Neighbors.Len()))
	metrics.RouteStoreSize.Set(float64(c.Routes.Len()))

	return next
}

// DispatchRPL resolves src to a neighbor handle (creating a STALE
// neighbor entry for src, not linked to a link-layer address, when
// absent) and hands the ICMPv6 RPL payload to the RPL engine.
func (c *Context) DispatchRPL(src netip.Addr, buf []byte, join rpl.JoinPolicy) error {
	return c.RPL.Dispatch(src, buf, join, func(addr netip.Addr) (nbr.Handle, bool) {
		return c.resolveOrLearn(addr)
	})
}

func (c *Context) resolveOrLearn(addr netip.Addr) (nbr.Handle, bool) {
	var found nbr.Handle
	ok := false
	c.Neighbors.ForEach(func(h nbr.Handle, extra **nd.Extra) bool {
		if *extra != nil && (*extra).Addr == addr {
			found, ok = h, true
			return false
		}
		return true
	})
	if ok {
		return found, true
	}

	h, err := c.Neighbors.Get()
	if err != nil {
		return nbr.Handle{}, false
	}
	extra := &nd.Extra{Addr: addr, State: nd.StateStale}
	p, err := c.Neighbors.Extra(h)
	if err != nil {
		return nbr.Handle{}, false
	}
	*p = extra
	return h, true
}
