package rpl

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// RPL control message option types (RFC 6550 §6.7).
const (
	optPad1             = 0x00
	optPadN             = 0x01
	optDAGMetric        = 0x02
	optRouteInfo        = 0x03
	optDODAGConfig      = 0x04
	optTarget           = 0x05
	optTransit          = 0x06
	optSolicitedInfo    = 0x07
	optPrefixInfo       = 0x08
	optTargetDescriptor = 0x09
)

var ErrMalformed = errors.New("rpl: malformed control message")

type dioMsg struct {
	InstanceID uint8
	Version    uint8
	Rank       uint16
	Grounded   bool
	MOP        MOP
	Preference uint8
	DTSN       uint8
	DODAGID    netip.Addr
}

// encodeDIO lays out the ICMPv6 RPL header (4 bytes, checksum left to the
// transport framer) followed by the DIO base (RFC 6550 §6.3.1): Instance(1)
// Version(1) Rank(2) G/MOP/Prf(1) DTSN(1) Flags(1) Reserved(1) DODAGID(16).
func encodeDIO(m dioMsg, opts []byte) []byte {
	flags := byte(m.MOP&0x7) << 3
	flags |= m.Preference & 0x7
	if m.Grounded {
		flags |= 0x80
	}
	id := m.DODAGID.As16()
	out := make([]byte, 28, 28+len(opts))
	out[0] = icmpTypeRPL
	out[1] = codeDIO
	out[4] = m.InstanceID
	out[5] = m.Version
	binary.BigEndian.PutUint16(out[6:8], m.Rank)
	out[8] = flags
	out[9] = m.DTSN
	copy(out[12:28], id[:])
	return append(out, opts...)
}

func decodeDIO(buf []byte) (dioMsg, []byte, error) {
	if len(buf) < 28 {
		return dioMsg{}, nil, ErrMalformed
	}
	var m dioMsg
	m.InstanceID = buf[4]
	m.Version = buf[5]
	m.Rank = binary.BigEndian.Uint16(buf[6:8])
	m.Grounded = buf[8]&0x80 != 0
	m.MOP = MOP((buf[8] >> 3) & 0x7)
	m.Preference = buf[8] & 0x7
	m.DTSN = buf[9]
	var idBytes [16]byte
	copy(idBytes[:], buf[12:28])
	m.DODAGID = netip.AddrFrom16(idBytes)
	return m, buf[28:], nil
}

type disMsg struct{}

func encodeDIS(opts []byte) []byte {
	out := make([]byte, 4, 4+len(opts))
	out[0] = icmpTypeRPL
	out[1] = codeDIS
	return append(out, opts...)
}

type daoMsg struct {
	InstanceID  uint8
	KFlag       bool
	DFlag       bool
	Sequence    uint8
	HasDODAGID  bool
	DODAGID     netip.Addr
}

func encodeDAO(m daoMsg, opts []byte) []byte {
	hdrLen := 8
	if m.HasDODAGID {
		hdrLen += 16
	}
	out := make([]byte, hdrLen, hdrLen+len(opts))
	out[0] = icmpTypeRPL
	out[1] = codeDAO
	out[4] = m.InstanceID
	flags := byte(0)
	if m.KFlag {
		flags |= 0x80
	}
	if m.DFlag {
		flags |= 0x40
	}
	out[5] = flags
	out[7] = m.Sequence
	if m.HasDODAGID {
		id := m.DODAGID.As16()
		copy(out[8:24], id[:])
	}
	return append(out, opts...)
}

func decodeDAO(buf []byte) (daoMsg, []byte, error) {
	if len(buf) < 8 {
		return daoMsg{}, nil, ErrMalformed
	}
	var m daoMsg
	m.InstanceID = buf[4]
	m.KFlag = buf[5]&0x80 != 0
	m.DFlag = buf[5]&0x40 != 0
	m.Sequence = buf[7]
	rest := buf[8:]
	if m.DFlag {
		if len(rest) < 16 {
			return daoMsg{}, nil, ErrMalformed
		}
		var id [16]byte
		copy(id[:], rest[:16])
		m.DODAGID = netip.AddrFrom16(id)
		m.HasDODAGID = true
		rest = rest[16:]
	}
	return m, rest, nil
}

type daoAckMsg struct {
	InstanceID uint8
	DFlag      bool
	Sequence   uint8
	Status     uint8
	HasDODAGID bool
	DODAGID    netip.Addr
}

func encodeDAOACK(m daoAckMsg) []byte {
	hdrLen := 8
	if m.HasDODAGID {
		hdrLen += 16
	}
	out := make([]byte, hdrLen)
	out[0] = icmpTypeRPL
	out[1] = codeDAOACK
	out[4] = m.InstanceID
	if m.DFlag {
		out[5] = 0x80
	}
	out[6] = m.Sequence
	out[7] = m.Status
	if m.HasDODAGID {
		id := m.DODAGID.As16()
		copy(out[8:24], id[:])
	}
	return out
}

func decodeDAOACK(buf []byte) (daoAckMsg, error) {
	if len(buf) < 8 {
		return daoAckMsg{}, ErrMalformed
	}
	var m daoAckMsg
	m.InstanceID = buf[4]
	m.DFlag = buf[5]&0x80 != 0
	m.Sequence = buf[6]
	m.Status = buf[7]
	if m.DFlag {
		if len(buf) < 24 {
			return daoAckMsg{}, ErrMalformed
		}
		var id [16]byte
		copy(id[:], buf[8:24])
		m.DODAGID = netip.AddrFrom16(id)
		m.HasDODAGID = true
	}
	return m, nil
}

// encodeTarget encodes a Target option (RFC 6550 §6.7.7) for prefix.
func encodeTarget(prefix netip.Prefix) []byte {
	addr := prefix.Addr().As16()
	nbytes := (prefix.Bits() + 7) / 8
	if nbytes < 0 {
		nbytes = 0
	}
	out := make([]byte, 4+nbytes)
	out[0] = optTarget
	out[1] = byte(2 + nbytes)
	out[2] = 0
	out[3] = byte(prefix.Bits())
	copy(out[4:], addr[:nbytes])
	return out
}

func decodeTarget(v []byte) (netip.Prefix, bool) {
	if len(v) < 2 {
		return netip.Prefix{}, false
	}
	plen := int(v[1])
	nbytes := (plen + 7) / 8
	if len(v) < 2+nbytes || nbytes > 16 {
		return netip.Prefix{}, false
	}
	var b [16]byte
	copy(b[:nbytes], v[2:2+nbytes])
	return netip.PrefixFrom(netip.AddrFrom16(b), plen), true
}

// encodeTransit encodes a Transit Information option (§6.7.8) carrying
// only Path Lifetime (storing mode; no Parent Address).
func encodeTransit(pathSeq, pathLifetime uint8) []byte {
	return []byte{optTransit, 4, 0, 0, pathSeq, pathLifetime}
}

func decodeTransit(v []byte) (pathSeq, pathLifetime uint8, ok bool) {
	if len(v) < 4 {
		return 0, 0, false
	}
	return v[2], v[3], true
}

// walkOptions parses the TLV option stream following a DIO/DAO header.
func walkOptions(buf []byte) (map[byte][][]byte, error) {
	out := make(map[byte][][]byte)
	i := 0
	for i < len(buf) {
		t := buf[i]
		if t == optPad1 {
			i++
			continue
		}
		if i+2 > len(buf) {
			return out, ErrMalformed
		}
		l := int(buf[i+1])
		if i+2+l > len(buf) {
			return out, ErrMalformed
		}
		out[t] = append(out[t], buf[i+2:i+2+l])
		i += 2 + l
	}
	return out, nil
}
