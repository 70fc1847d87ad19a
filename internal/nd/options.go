// Package nd implements the IPv6 Neighbor Discovery engine: NS/NA/RS/RA
// processing, the neighbor state machine, DAD, NUD timers, and prefix /
// 6LoWPAN-context installation (RFC 4861, RFC 4862, RFC 6775).
package nd

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// NDP option types (RFC 4861 §4.6, RFC 4191, RFC 6106, RFC 6775).
const (
	optSourceLLAddr  = 1
	optTargetLLAddr  = 2
	optPrefixInfo    = 3
	optMTU           = 5
	optRouteInfo     = 24
	optRDNSS         = 25
	opt6COContext    = 34
)

var (
	ErrOptTruncated = errors.New("nd: truncated option chain")
	ErrOptZeroLen   = errors.New("nd: zero-length option")
)

// Option is a single decoded NDP option (RFC 4861 §4.6): the raw type and
// the option's value bytes (everything after the 2-byte type+length
// header). Length is always a multiple of 8 on the wire.
type Option struct {
	Type  byte
	Value []byte
}

// ParseOptions walks the TLV option chain starting at buf[0], the same
// 8-byte-unit length encoding NDP uses throughout. It stops and returns
// what it has parsed so far on a malformed trailing option rather than
// failing the whole chain, mirroring how a receiver degrades gracefully
// in the face of an unknown future option.
func ParseOptions(buf []byte) ([]Option, error) {
	var opts []Option
	off := 0
	for off+2 <= len(buf) {
		oType := buf[off]
		oLen := int(buf[off+1]) * 8
		if oLen == 0 {
			return opts, ErrOptZeroLen
		}
		if off+oLen > len(buf) {
			return opts, ErrOptTruncated
		}
		opts = append(opts, Option{Type: oType, Value: buf[off+2 : off+oLen]})
		off += oLen
	}
	return opts, nil
}

// LinkLayerAddr extracts the 8-byte link-layer address field from an
// SLLAO/TLLAO option value (802.15.4 extended addresses; the option
// value is padded to an 8-byte boundary).
func LinkLayerAddr(v []byte) ([]byte, bool) {
	if len(v) < 8 {
		return nil, false
	}
	return v[:8], true
}

// PrefixInfo is a decoded Prefix Information option (type 3, RFC 4861 §4.6.2).
type PrefixInfo struct {
	Prefix        netip.Prefix
	OnLink        bool
	Autonomous    bool
	ValidLifetime uint32 // seconds; 0xffffffff = infinite
	PreferredLife uint32
}

func parsePrefixInfo(v []byte) (PrefixInfo, bool) {
	if len(v) < 30 {
		return PrefixInfo{}, false
	}
	plen := int(v[0])
	onLink := v[1]&0x80 != 0
	auto := v[1]&0x40 != 0
	valid := binary.BigEndian.Uint32(v[2:6])
	pref := binary.BigEndian.Uint32(v[6:10])
	var addr [16]byte
	copy(addr[:], v[14:30])
	a := netip.AddrFrom16(addr)
	if plen > 128 {
		return PrefixInfo{}, false
	}
	return PrefixInfo{
		Prefix:        netip.PrefixFrom(a, plen),
		OnLink:        onLink,
		Autonomous:    auto,
		ValidLifetime: valid,
		PreferredLife: pref,
	}, true
}

// RouteInfo is a decoded Route Information option (type 24, RFC 4191 §2.3).
type RouteInfo struct {
	Prefix     netip.Prefix
	Preference int8 // -1, 0, 1 (low/medium/high)
	Lifetime   uint32
}

func parseRouteInfo(v []byte) (RouteInfo, bool) {
	if len(v) < 6 {
		return RouteInfo{}, false
	}
	plen := int(v[0])
	rawPref := int8(v[1]>>3) & 0x03
	var pref int8
	switch rawPref {
	case 0b01:
		pref = 1
	case 0b11:
		pref = -1
	default:
		pref = 0
	}
	lifetime := binary.BigEndian.Uint32(v[2:6])
	prefixBytes := v[6:]
	var addr [16]byte
	n := copy(addr[:], prefixBytes)
	_ = n
	if plen > 128 {
		return RouteInfo{}, false
	}
	a := netip.AddrFrom16(addr)
	return RouteInfo{Prefix: netip.PrefixFrom(a, plen), Preference: pref, Lifetime: lifetime}, true
}

// contextOption is a decoded 6CO option (type 34, RFC 6775 §4.2).
type contextOption struct {
	CID      uint8
	Compress bool
	Lifetime uint16 // minutes
	Prefix   netip.Prefix
}

func parse6CO(v []byte) (contextOption, bool) {
	if len(v) < 14 {
		return contextOption{}, false
	}
	plen := int(v[0])
	cid := v[1] & 0x0F
	compress := v[1]&0x10 != 0
	lifetime := binary.BigEndian.Uint16(v[2:4])
	var addr [16]byte
	copy(addr[:], v[4:])
	if plen > 128 {
		return contextOption{}, false
	}
	a := netip.AddrFrom16(addr)
	return contextOption{CID: cid, Compress: compress, Lifetime: lifetime, Prefix: netip.PrefixFrom(a, plen)}, true
}

// rdnssAddrs extracts the recursive DNS server addresses from an RDNSS
// option value (type 25, RFC 6106 §5.1).
func rdnssAddrs(v []byte) []netip.Addr {
	if len(v) < 6 {
		return nil
	}
	var out []netip.Addr
	for off := 6; off+16 <= len(v); off += 16 {
		var addr [16]byte
		copy(addr[:], v[off:off+16])
		out = append(out, netip.AddrFrom16(addr))
	}
	return out
}

// encodeOption pads value to an 8-byte boundary (minus the 2-byte header)
// and prefixes the type+length header.
func encodeOption(oType byte, value []byte) []byte {
	total := 2 + len(value)
	units := (total + 7) / 8
	padded := make([]byte, units*8)
	padded[0] = oType
	padded[1] = byte(units)
	copy(padded[2:], value)
	return padded
}

// EncodeLLAddrOption builds an SLLAO (type 1) or TLLAO (type 2) option
// carrying an 8-byte extended link-layer address.
func EncodeLLAddrOption(oType byte, lladdr [8]byte) []byte {
	return encodeOption(oType, lladdr[:])
}
