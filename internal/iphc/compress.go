package iphc

import (
	"encoding/binary"
	"net/netip"
)

// IPHC dispatch: top 3 bits of byte 0 are 011 (RFC 6282 §3.1).
const dispatchIPHC = 0x60 // 011x xxxx with the low 5 bits cleared

// byte 0 bit layout: 011 TF(2) NH(1) HLIM(2)
const (
	tfShift   = 3
	nhBit     = 1 << 2
	hlimShift = 0
)

// byte 1 bit layout: CID(1) SAC(1) SAM(2) M(1) DAC(1) DAM(2)
const (
	cidBit   = 1 << 7
	sacBit   = 1 << 6
	samShift = 4
	mBit     = 1 << 3
	dacBit   = 1 << 2
	damShift = 0
)

const (
	tfBothInline   = 0 // traffic class and flow label both inline
	tfFLOnlyInline = 1 // DSCP elided, ECN + flow label inline
	tfTCOnlyInline = 2 // flow label elided, traffic class inline
	tfBothElided   = 3 // both elided (all zero)
)

const (
	hlimInline = 0
	hlim1      = 1
	hlim64     = 2
	hlim255    = 3
)

// Result is a compressed IPHC packet: the IPHC header bytes followed by
// whatever NHC and payload bytes follow it.
type Result struct {
	Header []byte // IPHC (+ optional CID, inline fields, NHC) header bytes
}

// Compress produces the IPHC-compressed encoding of pkt. lc supplies the
// link-layer addressing context needed to elide fully-derived IIDs; ctx
// is consulted for stateful prefix (6CO) compression.
func Compress(pkt Packet, lc LinkContext, ctx *ContextTable) (Result, error) {
	var b0, b1 byte
	b0 = dispatchIPHC

	tf := classifyTF(pkt.IP.TrafficClass, pkt.IP.FlowLabel)
	b0 |= byte(tf) << tfShift

	nhInline := true
	if pkt.IP.NextHeader == 17 && pkt.UDP != nil {
		b0 |= nhBit
		nhInline = false
	}

	hlimMode, hlimInlineByte := classifyHLIM(pkt.IP.HopLimit)
	b0 |= byte(hlimMode) << hlimShift

	var out []byte
	out = append(out, 0, 0) // placeholder for b0,b1; filled at the end

	// Traffic class / flow label inline bytes.
	out = append(out, tfInlineBytes(tf, pkt.IP.TrafficClass, pkt.IP.FlowLabel)...)

	// Inline hop limit, if any, comes before the addresses (the
	// decompressor reads it immediately after TF).
	if hlimMode == hlimInline {
		out = append(out, hlimInlineByte)
	}

	// Source address.
	sac, sam, cidUsed, srcInline := compressAddr(pkt.IP.Src, lc.SrcExt, ctx, false)
	if sac {
		b1 |= sacBit
	}
	b1 |= byte(sam) << samShift
	out = append(out, srcInline...)

	var sci, dci uint8
	haveCID := false
	if cidUsed != nil {
		sci = *cidUsed
		haveCID = true
	}

	// Destination address.
	m := pkt.IP.Dst.IsMulticast()
	var dac bool
	var dam uint8
	var dstInline []byte
	var dstCID *uint8
	if m {
		dam, dstInline = compressMulticastAddr(pkt.IP.Dst)
		b1 |= mBit
	} else {
		dac, dam, dstCID, dstInline = compressAddr(pkt.IP.Dst, lc.DstExt, ctx, true)
		if dac {
			b1 |= dacBit
		}
		if dstCID != nil {
			dci = *dstCID
			haveCID = true
		}
	}
	b1 |= byte(dam) << damShift
	out = append(out, dstInline...)

	if haveCID {
		b1 |= cidBit
	}

	out[0], out[1] = b0, b1
	if haveCID {
		cidByte := sci<<4 | dci
		// Splice the CID byte right after the 2-byte IPHC header.
		out = append(out[:2], append([]byte{cidByte}, out[2:]...)...)
	}

	if nhInline {
		out = append(out, pkt.IP.NextHeader)
	} else {
		nhc, err := compressUDP(*pkt.UDP, pkt.IP)
		if err != nil {
			return Result{}, err
		}
		out = append(out, nhc...)
	}

	out = append(out, pkt.Payload...)

	return Result{Header: out}, nil
}

func classifyTF(tc uint8, fl uint32) int {
	switch {
	case tc == 0 && fl == 0:
		return tfBothElided
	case fl == 0:
		return tfTCOnlyInline
	case tc&0xFC == 0: // DSCP (top 6 bits) is zero
		return tfFLOnlyInline
	default:
		return tfBothInline
	}
}

func tfInlineBytes(tf int, tc uint8, fl uint32) []byte {
	switch tf {
	case tfBothElided:
		return nil
	case tfTCOnlyInline:
		return []byte{tc}
	case tfFLOnlyInline:
		ecn := tc & 0x3
		combined := uint32(ecn)<<20 | (fl & 0xFFFFF)
		return []byte{byte(combined >> 16), byte(combined >> 8), byte(combined)}
	default: // tfBothInline
		buf := make([]byte, 4)
		buf[0] = tc
		combined := fl & 0xFFFFF
		buf[1] = byte(combined >> 16)
		buf[2] = byte(combined >> 8)
		buf[3] = byte(combined)
		return buf
	}
}

func classifyHLIM(hl uint8) (mode int, inlineByte byte) {
	switch hl {
	case 1:
		return hlim1, 0
	case 64:
		return hlim64, 0
	case 255:
		return hlim255, 0
	default:
		return hlimInline, hl
	}
}

// compressAddr implements unicast source/destination address
// compression (RFC 6282 §3.2.1/3.2.2): SAC/DAC selects stateless
// (link-local, derived from lc) vs. stateful (6LoWPAN context) prefix
// compression; SAM/DAM selects how much of the IID is elided.
//
// isDst distinguishes only for the unspecified-address special case,
// which is source-only (SAC=1,SAM=00 means ::).
func compressAddr(addr netip.Addr, ext [8]byte, ctx *ContextTable, isDst bool) (statefulBit bool, mode uint8, cid *uint8, inline []byte) {
	if !isDst && addr == netip.IPv6Unspecified() {
		return true, 0b00, nil, nil
	}

	if cidIdx, c, ok := ctx.MatchForCompress(addr); ok {
		if addrIID(addr) == iidFromExt(ext) {
			return true, 0b11, &cidIdx, nil
		}
		_ = c
		b := addr.As16()
		return true, 0b01, &cidIdx, append([]byte(nil), b[8:16]...)
	}

	if linkLocalPrefix.Contains(addr) {
		if addrIID(addr) == iidFromExt(ext) {
			return false, 0b11, nil, nil
		}
		b := addr.As16()
		// 16-bit short-address IID form: 0000:00ff:fe00:xxxx.
		if b[8] == 0 && b[9] == 0 && b[10] == 0 && b[11] == 0xff && b[12] == 0xfe && b[13] == 0 {
			return false, 0b10, nil, append([]byte(nil), b[14:16]...)
		}
		return false, 0b01, nil, append([]byte(nil), b[8:16]...)
	}

	b := addr.As16()
	return false, 0b00, nil, append([]byte(nil), b[:]...)
}

// compressMulticastAddr implements M=1,DAC=0 compression with the four
// sizes named in §4.5.1: 128 (full), 48, 32, and 8 bits. Addresses that
// don't fit the well-known ff02::/16-with-trailing-group shape fall back
// to full inline, matching the source's conservative behavior.
func compressMulticastAddr(addr netip.Addr) (dam uint8, inline []byte) {
	b := addr.As16()
	flagsScope := b[1]

	allZero := func(lo, hi int) bool {
		for i := lo; i < hi; i++ {
			if b[i] != 0 {
				return false
			}
		}
		return true
	}

	if flagsScope == 0x02 && allZero(2, 15) {
		return 0b11, []byte{b[15]} // e.g. ff02::1
	}
	if allZero(2, 11) && b[11] == 0 {
		return 0b10, []byte{flagsScope, b[12], b[13], b[14], b[15]}
	}
	if allZero(2, 11) {
		return 0b01, []byte{flagsScope, b[11], b[12], b[13], b[14], b[15]}
	}
	return 0b00, append([]byte(nil), b[:]...)
}

// compressUDP implements NHC-UDP (RFC 6282 §4.3): dispatch byte
// 1111_0_CPP (checksum-elision bit, then 2-bit port-compression mode),
// followed by 1, 3, or 4 bytes of port data and, unless elided, 2
// bytes of checksum.
func compressUDP(udp UDPHeader, ip IPv6Header) ([]byte, error) {
	const nhcUDPBase = 0xF0

	srcShort := udp.SrcPort&0xFFF0 == 0xF0B0
	dstShort := udp.DstPort&0xFFF0 == 0xF0B0

	var cPP byte
	var inline []byte
	switch {
	case srcShort && dstShort:
		cPP = 0b11
		inline = []byte{byte(udp.SrcPort&0xF)<<4 | byte(udp.DstPort&0xF)}
	case dstShort:
		cPP = 0b01
		inline = append(u16(udp.SrcPort), byte(udp.DstPort&0xF))
	case srcShort:
		cPP = 0b10
		inline = append([]byte{byte(udp.SrcPort & 0xF)}, u16(udp.DstPort)...)
	default:
		cPP = 0b00
		inline = append(u16(udp.SrcPort), u16(udp.DstPort)...)
	}

	// Checksum elision requires upper-layer integrity guaranteed by a
	// lower layer (e.g. link-layer FCS covering the full frame); the
	// caller signals this by passing a zero checksum only when it has
	// already verified that guarantee holds (§4.5.1).
	elideChecksum := udp.Checksum == 0

	dispatch := byte(nhcUDPBase) | cPP
	if elideChecksum {
		dispatch |= 0x04
	}

	out := append([]byte{dispatch}, inline...)
	if !elideChecksum {
		out = append(out, byte(udp.Checksum>>8), byte(udp.Checksum))
	}
	return out, nil
}

func u16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}
