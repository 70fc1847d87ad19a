// Package rpl implements the RPL (RFC 6550) routing engine: objective
// functions, Trickle-governed DIO emission, DAO scheduling and
// acknowledgement, the Hop-by-Hop option, and local/global repair.
package rpl

import (
	"log/slog"
	"math/rand"
	"net/netip"
	"time"

	"rplmesh/internal/nbr"
	"rplmesh/internal/rpl/of"
	"rplmesh/internal/rpl/trickle"
	"rplmesh/internal/route"
)

// Rank is a RPL rank value; InfiniteRank marks an unreachable DAG
// position (RFC 6550 §3.5.1).
type Rank = uint16

const InfiniteRank Rank = 0xffff

// MOP is the RPL Mode of Operation (RFC 6550 §6.3.1 Table 9).
type MOP uint8

const (
	MOPNoDownwardRoutes MOP = 0
	MOPNonStoring       MOP = 1
	MOPStoring          MOP = 2
	MOPStoringMulticast MOP = 3
)

// RFC 6550/implementation-default constants, grounded on the source's
// rpl.c/.h defaults.
const (
	DAORetransmitTimeout  = 8 * time.Second
	DAOMaxRetransmissions = 4
	DAOExpirationTimeout  = 60 * time.Second
	MaxRankIncMultiplier  = 7 // MAX_RANK_INC = 7 * min_hop_rank_inc when unset
	ProbingInterval       = 120 * time.Second
	ProbingExpiration     = 10 * time.Minute

	icmpTypeRPL = 155
	codeDIS     = 0x00
	codeDIO     = 0x01
	codeDAO     = 0x02
	codeDAOACK  = 0x03
)

// Parent extends a shared neighbor handle with RPL-specific state
// (§3, "RPL parent"). Kept in a side table indexed by the handle rather
// than as a second generic payload slot on the shared neighbor pool,
// since a handle can be a parent in at most one DAG per instance and
// Go's Table[V] carries a single payload type per instantiation.
type Parent struct {
	DAG             *DAG
	LastRank        Rank
	DTSN            uint8
	LinkMetric      uint16
	PathCost        uint16
	LastTX          time.Time
	Updated         bool
	LinkMetricValid bool
}

// DAG is one Destination Oriented DAG within an instance.
type DAG struct {
	Instance *Instance

	DAGID      netip.Addr
	Version    uint8
	Rank       Rank
	MinRank    Rank
	Preference uint8
	Grounded   bool
	Joined     bool

	Prefix         netip.Prefix
	PrefixLifetime time.Duration

	PreferredParent    nbr.Handle
	HasPreferredParent bool

	Parents map[nbr.Handle]*Parent
}

func newDAG(inst *Instance, dagID netip.Addr) *DAG {
	return &DAG{Instance: inst, DAGID: dagID, Parents: make(map[nbr.Handle]*Parent)}
}

// Instance is one RPL Instance: one objective function, one Trickle
// timer, at most one joined DAG.
type Instance struct {
	InstanceID    uint8
	OF            of.OF
	MOP           MOP
	Imin          time.Duration
	Doublings     int
	K             int
	DefaultLifetime uint8
	LifetimeUnit    time.Duration
	MinHopRankInc   uint16
	MaxRankInc      uint16
	DTSN            uint8

	DAG     *DAG
	Trickle *trickle.Timer

	IsRoot bool

	daoSeq              uint8
	daoArmed            bool
	daoArmedAt          time.Time
	daoRetransDeadline  time.Time
	daoRetransCount     int
	daoAwaitingACK      bool
	lifetimeDeadline    time.Time
	probeDeadline       time.Time

	hbhRankErrSeen bool
}

// Transmit sends a serialized ICMPv6 RPL control message (type 155) from
// iface to dst.
type Transmit func(iface int, dst netip.Addr, payload []byte) error

// NeighborAddrLookup resolves a neighbor handle back to the IPv6 address
// control traffic should be addressed to. RPL has no address of its own
// for a handle; the caller's ND/neighbor table is authoritative.
type NeighborAddrLookup func(h nbr.Handle) (netip.Addr, bool)

// Config wires the RPL engine to the route store, link layer, and this
// node's own address (used when encoding DAO targets).
type Config struct {
	Logger          *slog.Logger
	Routes          *route.Store
	Transmit        Transmit
	AddrOf          NeighborAddrLookup
	SelfAddr        netip.Addr
	Iface           int
	MaxSupportedMOP MOP
}

// Engine runs every RPL instance this node participates in.
type Engine struct {
	log      *slog.Logger
	routes   *route.Store
	transmit Transmit
	addrOf   NeighborAddrLookup
	selfAddr netip.Addr
	iface    int
	maxMOP   MOP

	instances map[uint8]*Instance
	rng       *rand.Rand
}

func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		log:       cfg.Logger.With("component", "rpl"),
		routes:    cfg.Routes,
		transmit:  cfg.Transmit,
		addrOf:    cfg.AddrOf,
		selfAddr:  cfg.SelfAddr,
		iface:     cfg.Iface,
		maxMOP:    cfg.MaxSupportedMOP,
		instances: make(map[uint8]*Instance),
		rng:       rand.New(rand.NewSource(1)),
	}
}

func (e *Engine) Instance(id uint8) (*Instance, bool) {
	inst, ok := e.instances[id]
	return inst, ok
}

// multicastRPLGroup is the link-local All-RPL-Nodes multicast address
// (RFC 6550 §20.19) used for unsolicited DIS and DIO emission.
func multicastRPLGroup() netip.Addr { return netip.MustParseAddr("ff02::1a") }
