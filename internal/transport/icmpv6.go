// Package transport feeds the mesh core from a real ICMPv6 socket.
//
// The radio driver contract (internal/radio) is the production RX/TX
// path for an actual 802.15.4 link; this package is the software
// equivalent used by cmd/meshd to run the core over a host's IPv6
// stack (a Linux interface, a tunnel, a test network namespace) the
// same way Contiki/Zephyr native-posix builds let the same core run
// against a real socket instead of a radio. It is grounded on the
// teacher's lib/ndp_listener.go: same icmp.ListenPacket +
// ipv6.PacketConn control-message plumbing, same interface-restriction
// and read-deadline pattern — but where the teacher only classified
// and recorded messages, this listener decodes them far enough to
// drive the ND and RPL engines in internal/router.Context.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"rplmesh/internal/metrics"
	"rplmesh/internal/nd"
	"rplmesh/internal/router"
	"rplmesh/internal/rpl"
)

// ND/RPL ICMPv6 type numbers this listener demuxes (RFC 4861, RFC
// 6550 §6).
const (
	typeRS  = 133
	typeRA  = 134
	typeNS  = 135
	typeNA  = 136
	typeRPL = 155
)

// Config mirrors the teacher's NDPListenerConfig shape (ListenAddr,
// Interface, Logger) plus the router.Context and join policy the mesh
// core needs to act on what's received.
type Config struct {
	ListenAddr string // e.g. "::"
	Interface  string // optional; best-effort restriction by ifindex
	Logger     *slog.Logger
	Router     *router.Context
	Join       rpl.JoinPolicy
	RoutingEnabled bool
}

// Listener reads real ICMPv6 traffic and dispatches ND and RPL control
// messages into a router.Context.
type Listener struct {
	cfg Config
}

func New(cfg Config) *Listener {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "::"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Listener{cfg: cfg}
}

// Run opens an ICMPv6 socket and feeds every ND/RPL message it observes
// into the wired router.Context until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	pc, err := icmp.ListenPacket("ip6:ipv6-icmp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen icmpv6: %w", err)
	}
	defer pc.Close()

	p := pc.IPv6PacketConn()
	if p == nil {
		return fmt.Errorf("pc.IPv6PacketConn() returned nil (unexpected for ip6:ipv6-icmp)")
	}

	if err := p.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		l.cfg.Logger.Warn("failed to enable ipv6 control messages; continuing", "err", err)
	}

	var wantIfIndex int
	if l.cfg.Interface != "" {
		ifi, e := net.InterfaceByName(l.cfg.Interface)
		if e != nil {
			l.cfg.Logger.Warn("interface not found; continuing without restriction", "iface", l.cfg.Interface, "err", e)
		} else {
			wantIfIndex = ifi.Index
		}
	}

	buf := make([]byte, 64*1024)
	const readTimeout = 800 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = pc.SetReadDeadline(time.Now().Add(readTimeout))

		n, cm, src, err := p.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		if wantIfIndex != 0 && (cm == nil || cm.IfIndex != wantIfIndex) {
			continue
		}

		srcAddr, ok := addrFromNetAddr(src)
		if !ok {
			continue
		}

		hopLimit := 255
		if cm != nil && cm.HopLimit != 0 {
			hopLimit = cm.HopLimit
		}
		iface := 0
		if cm != nil {
			iface = cm.IfIndex
		}

		if err := l.dispatch(iface, hopLimit, srcAddr, buf[:n]); err != nil {
			l.cfg.Logger.Debug("transport: dropped message", "src", srcAddr, "err", err)
		}
	}
}

func (l *Listener) dispatch(iface, hopLimit int, src netip.Addr, msg []byte) error {
	if len(msg) < 4 {
		return errInvalid
	}
	icmpType := msg[0]

	switch icmpType {
	case typeRS:
		opts, _ := nd.ParseOptions(msg[8:])
		return l.cfg.Router.ND.HandleRS(iface, src, opts)
	case typeRA:
		if len(msg) < 16 {
			return errInvalid
		}
		curHopLimit := msg[4]
		lifetime := time.Duration(uint16(msg[6])<<8|uint16(msg[7])) * time.Second
		opts, _ := nd.ParseOptions(msg[16:])
		return l.cfg.Router.ND.HandleRA(iface, src, curHopLimit, lifetime, opts)
	case typeNS:
		if len(msg) < 24 {
			return errInvalid
		}
		target := addrFrom16(msg[8:24])
		opts, _ := nd.ParseOptions(msg[24:])
		if err := l.cfg.Router.ND.HandleNS(iface, hopLimit, src, target, opts, l.cfg.RoutingEnabled); err != nil {
			metrics.NDDrops.WithLabelValues(dropReason(err)).Inc()
			return err
		}
		return nil
	case typeNA:
		if len(msg) < 24 {
			return errInvalid
		}
		flags := msg[4]
		target := addrFrom16(msg[8:24])
		opts, _ := nd.ParseOptions(msg[24:])
		const (
			naRouter    = 1 << 7
			naSolicited = 1 << 6
			naOverride  = 1 << 5
		)
		err := l.cfg.Router.ND.HandleNA(iface, target, flags&naSolicited != 0, flags&naOverride != 0, flags&naRouter != 0, opts)
		if err != nil {
			metrics.NDDrops.WithLabelValues(dropReason(err)).Inc()
		}
		return err
	case typeRPL:
		return l.cfg.Router.DispatchRPL(src, msg, l.cfg.Join)
	default:
		return nil // not a type this core consumes
	}
}

var errInvalid = errors.New("transport: truncated ICMPv6 message")

func dropReason(err error) string {
	switch {
	case errors.Is(err, nd.ErrInvalid):
		return "invalid"
	case errors.Is(err, nd.ErrNoRoute):
		return "no_route"
	case errors.Is(err, nd.ErrDADFail):
		return "dad_fail"
	default:
		return "other"
	}
}

func addrFrom16(b []byte) netip.Addr {
	var a [16]byte
	copy(a[:], b)
	return netip.AddrFrom16(a)
}

func addrFromNetAddr(a net.Addr) (netip.Addr, bool) {
	switch v := a.(type) {
	case *net.IPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		if !ok {
			return netip.Addr{}, false
		}
		return ip.Unmap(), true
	default:
		return netip.Addr{}, false
	}
}
