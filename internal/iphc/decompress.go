package iphc

import (
	"encoding/binary"
	"net/netip"
)

// DispatchUncompressedIPv6 is the "01 000001" dispatch (§4.5.2): an
// uncompressed IPv6 header follows and should be parsed normally rather
// than decompressed.
const DispatchUncompressedIPv6 = 0x41

// IsIPHC reports whether the dispatch byte (buf[0]) indicates an IPHC
// header (011xxxxx).
func IsIPHC(dispatch byte) bool { return dispatch&0xE0 == dispatchIPHC }

// Decompress reverses Compress, reconstructing a full IPv6 header (and
// UDP header, if NH indicated UDP). lc supplies the same link-layer
// addressing context the compressor used, since stateless forms derive
// addresses from it.
func Decompress(buf []byte, lc LinkContext, ctx *ContextTable) (Packet, int, error) {
	if len(buf) < 2 {
		return Packet{}, 0, ErrTruncated
	}
	if !IsIPHC(buf[0]) {
		return Packet{}, 0, ErrUnsupportedDisp
	}

	b0, b1 := buf[0], buf[1]
	off := 2

	haveCID := b0Has(b1, cidBit)
	var sci, dci uint8
	if haveCID {
		if len(buf) < off+1 {
			return Packet{}, 0, ErrTruncated
		}
		sci = buf[off] >> 4
		dci = buf[off] & 0xF
		off++
	}

	tf := int(b0>>tfShift) & 0x3
	var pkt Packet
	var err error
	pkt.IP.TrafficClass, pkt.IP.FlowLabel, off, err = readTF(buf, off, tf)
	if err != nil {
		return Packet{}, 0, err
	}

	hlimMode := int(b0>>hlimShift) & 0x3
	switch hlimMode {
	case hlim1:
		pkt.IP.HopLimit = 1
	case hlim64:
		pkt.IP.HopLimit = 64
	case hlim255:
		pkt.IP.HopLimit = 255
	case hlimInline:
		if len(buf) < off+1 {
			return Packet{}, 0, ErrTruncated
		}
		pkt.IP.HopLimit = buf[off]
		off++
	}

	sac := b0Has(b1, sacBit)
	sam := uint8(b1>>samShift) & 0x3
	pkt.IP.Src, off, err = decompressUnicast(buf, off, sac, sam, lc.SrcExt, sci, ctx)
	if err != nil {
		return Packet{}, 0, err
	}

	m := b0Has(b1, mBit)
	if m {
		dam := uint8(b1>>damShift) & 0x3
		pkt.IP.Dst, off, err = decompressMulticast(buf, off, dam)
	} else {
		dac := b0Has(b1, dacBit)
		dam := uint8(b1>>damShift) & 0x3
		pkt.IP.Dst, off, err = decompressUnicast(buf, off, dac, dam, lc.DstExt, dci, ctx)
	}
	if err != nil {
		return Packet{}, 0, err
	}

	nhElided := b0&nhBit != 0
	if !nhElided {
		if len(buf) < off+1 {
			return Packet{}, 0, ErrTruncated
		}
		pkt.IP.NextHeader = buf[off]
		off++
		pkt.Payload = append([]byte(nil), buf[off:]...)
		return pkt, len(buf), nil
	}

	pkt.IP.NextHeader = 17
	udp, consumed, err := decompressUDP(buf[off:], pkt.IP)
	if err != nil {
		return Packet{}, 0, err
	}
	off += consumed
	pkt.UDP = &udp
	pkt.Payload = append([]byte(nil), buf[off:]...)
	return pkt, len(buf), nil
}

func b0Has(b byte, mask byte) bool { return b&mask != 0 }

func readTF(buf []byte, off, tf int) (tc uint8, fl uint32, newOff int, err error) {
	switch tf {
	case tfBothElided:
		return 0, 0, off, nil
	case tfTCOnlyInline:
		if len(buf) < off+1 {
			return 0, 0, off, ErrTruncated
		}
		return buf[off], 0, off + 1, nil
	case tfFLOnlyInline:
		if len(buf) < off+3 {
			return 0, 0, off, ErrTruncated
		}
		combined := uint32(buf[off])<<16 | uint32(buf[off+1])<<8 | uint32(buf[off+2])
		ecn := uint8(combined>>20) & 0x3
		fl = combined & 0xFFFFF
		return ecn, fl, off + 3, nil
	default: // tfBothInline
		if len(buf) < off+4 {
			return 0, 0, off, ErrTruncated
		}
		tc = buf[off]
		fl = uint32(buf[off+1])<<16 | uint32(buf[off+2])<<8 | uint32(buf[off+3])
		fl &= 0xFFFFF
		return tc, fl, off + 4, nil
	}
}

func decompressUnicast(buf []byte, off int, stateful bool, sam uint8, ext [8]byte, cid uint8, ctx *ContextTable) (netip.Addr, int, error) {
	if stateful {
		if sam == 0b00 {
			// Source-only unspecified-address case; destination never
			// sets stateful+00 in this codec.
			return netip.IPv6Unspecified(), off, nil
		}
		c, ok := ctx.Get(cid)
		if !ok {
			return netip.Addr{}, off, ErrNoContext
		}
		return decompressWithPrefix(buf, off, sam, ext, c.Prefix)
	}
	return decompressWithPrefix(buf, off, sam, ext, linkLocalPrefix)
}

func decompressWithPrefix(buf []byte, off int, sam uint8, ext [8]byte, prefix netip.Prefix) (netip.Addr, int, error) {
	prefixBytes := prefix.Addr().As16()

	switch sam {
	case 0b11:
		iid := iidFromExt(ext)
		var full [16]byte
		copy(full[:8], prefixBytes[:8])
		copy(full[8:], iid[:])
		return netip.AddrFrom16(full), off, nil
	case 0b10:
		if len(buf) < off+2 {
			return netip.Addr{}, off, ErrTruncated
		}
		var full [16]byte
		copy(full[:8], prefixBytes[:8])
		full[11] = 0xff
		full[12] = 0xfe
		full[14], full[15] = buf[off], buf[off+1]
		return netip.AddrFrom16(full), off + 2, nil
	case 0b01:
		if len(buf) < off+8 {
			return netip.Addr{}, off, ErrTruncated
		}
		var full [16]byte
		copy(full[:8], prefixBytes[:8])
		copy(full[8:], buf[off:off+8])
		return netip.AddrFrom16(full), off + 8, nil
	default: // 0b00, full inline
		if len(buf) < off+16 {
			return netip.Addr{}, off, ErrTruncated
		}
		var full [16]byte
		copy(full[:], buf[off:off+16])
		return netip.AddrFrom16(full), off + 16, nil
	}
}

func decompressMulticast(buf []byte, off int, dam uint8) (netip.Addr, int, error) {
	var full [16]byte
	full[0] = 0xff

	switch dam {
	case 0b11:
		if len(buf) < off+1 {
			return netip.Addr{}, off, ErrTruncated
		}
		full[1] = 0x02
		full[15] = buf[off]
		return netip.AddrFrom16(full), off + 1, nil
	case 0b10:
		if len(buf) < off+5 {
			return netip.Addr{}, off, ErrTruncated
		}
		full[1] = buf[off]
		full[12], full[13], full[14], full[15] = buf[off+1], buf[off+2], buf[off+3], buf[off+4]
		return netip.AddrFrom16(full), off + 5, nil
	case 0b01:
		if len(buf) < off+6 {
			return netip.Addr{}, off, ErrTruncated
		}
		full[1] = buf[off]
		full[11] = buf[off+1]
		full[12], full[13], full[14], full[15] = buf[off+2], buf[off+3], buf[off+4], buf[off+5]
		return netip.AddrFrom16(full), off + 6, nil
	default: // full inline
		if len(buf) < off+16 {
			return netip.Addr{}, off, ErrTruncated
		}
		copy(full[:], buf[off:off+16])
		return netip.AddrFrom16(full), off + 16, nil
	}
}

func decompressUDP(buf []byte, ip IPv6Header) (UDPHeader, int, error) {
	if len(buf) < 1 {
		return UDPHeader{}, 0, ErrTruncated
	}
	dispatch := buf[0]
	if dispatch&0xF8 != 0xF0 {
		return UDPHeader{}, 0, ErrUnsupportedNH
	}
	elided := dispatch&0x04 != 0
	cPP := dispatch & 0x3
	off := 1

	var udp UDPHeader
	switch cPP {
	case 0b11:
		if len(buf) < off+1 {
			return UDPHeader{}, 0, ErrTruncated
		}
		udp.SrcPort = 0xF0B0 | uint16(buf[off]>>4)
		udp.DstPort = 0xF0B0 | uint16(buf[off]&0xF)
		off++
	case 0b01:
		if len(buf) < off+3 {
			return UDPHeader{}, 0, ErrTruncated
		}
		udp.SrcPort = binary.BigEndian.Uint16(buf[off : off+2])
		udp.DstPort = 0xF0B0 | uint16(buf[off+2]&0xF)
		off += 3
	case 0b10:
		if len(buf) < off+3 {
			return UDPHeader{}, 0, ErrTruncated
		}
		udp.SrcPort = 0xF0B0 | uint16(buf[off]&0xF)
		udp.DstPort = binary.BigEndian.Uint16(buf[off+1 : off+3])
		off += 3
	default:
		if len(buf) < off+4 {
			return UDPHeader{}, 0, ErrTruncated
		}
		udp.SrcPort = binary.BigEndian.Uint16(buf[off : off+2])
		udp.DstPort = binary.BigEndian.Uint16(buf[off+2 : off+4])
		off += 4
	}

	if elided {
		udp.Checksum = pseudoHeaderChecksum(ip, udp, buf[off:])
	} else {
		if len(buf) < off+2 {
			return UDPHeader{}, 0, ErrTruncated
		}
		udp.Checksum = binary.BigEndian.Uint16(buf[off : off+2])
		off += 2
	}

	return udp, off, nil
}

// pseudoHeaderChecksum recomputes the UDP checksum over the
// reconstructed IPv6 pseudo-header and payload when the original
// checksum was elided on the wire (§4.5.2).
func pseudoHeaderChecksum(ip IPv6Header, udp UDPHeader, payload []byte) uint16 {
	udpLen := 8 + len(payload)

	sum := uint32(0)
	addWords := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}

	src := ip.Src.As16()
	dst := ip.Dst.As16()
	addWords(src[:])
	addWords(dst[:])

	var lenAndNH [8]byte
	binary.BigEndian.PutUint32(lenAndNH[0:4], uint32(udpLen))
	lenAndNH[7] = 17
	addWords(lenAndNH[:])

	var hdr [8]byte
	binary.BigEndian.PutUint16(hdr[0:2], udp.SrcPort)
	binary.BigEndian.PutUint16(hdr[2:4], udp.DstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(udpLen))
	addWords(hdr[:6])
	addWords(payload)

	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	cs := ^uint16(sum)
	if cs == 0 {
		cs = 0xFFFF
	}
	return cs
}
