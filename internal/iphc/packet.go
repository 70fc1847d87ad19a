package iphc

import "net/netip"

// IPv6Header is the subset of RFC 8200 fields IPHC compression needs.
type IPv6Header struct {
	TrafficClass uint8
	FlowLabel    uint32 // low 20 bits significant
	NextHeader   uint8
	HopLimit     uint8
	Src          netip.Addr
	Dst          netip.Addr
}

// UDPHeader is the subset of RFC 768 fields NHC-UDP needs.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Checksum uint16
}

// Packet is the pre-compression / post-decompression representation:
// an IPv6 header, an optional UDP header (NextHeader must be 17 when
// present), and the upper-layer payload (UDP payload, if UDP; otherwise
// whatever follows NextHeader).
type Packet struct {
	IP      IPv6Header
	UDP     *UDPHeader
	Payload []byte
}

// LinkContext carries the link-layer addressing context the compressor
// and decompressor need to elide IID bits stateless-ly: the extended
// (64-bit) link-layer addresses of the packet's source and destination
// as seen at the 6LoWPAN/802.15.4 boundary, per RFC 6282 §3.2.2's
// "derived from encapsulating header" rule.
type LinkContext struct {
	SrcExt [8]byte
	DstExt [8]byte
}

// linkLocalPrefix is fe80::/64.
var linkLocalPrefix = netip.MustParsePrefix("fe80::/64")

// iidFromExt derives a 64-bit interface identifier from a 64-bit
// extended link-layer address by flipping the universal/local bit
// (RFC 4291 §2.5.1 / RFC 2464 §4).
func iidFromExt(ext [8]byte) [8]byte {
	out := ext
	out[0] ^= 0x02
	return out
}

func addrIID(a netip.Addr) (iid [8]byte) {
	b := a.As16()
	copy(iid[:], b[8:16])
	return
}

func addrMatchesDerivedIID(a netip.Addr, ext [8]byte) bool {
	return linkLocalPrefix.Contains(a) && addrIID(a) == iidFromExt(ext)
}
