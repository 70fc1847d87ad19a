// Package frame implements the IEEE 802.15.4 MAC frame codec: a pure,
// allocation-free decoder/encoder over a byte buffer (spec C1).
package frame

import (
	"encoding/binary"
	"errors"
)

// FrameType is the 3-bit Frame Type subfield of the FCF.
type FrameType uint8

const (
	TypeBeacon FrameType = 0x0
	TypeData   FrameType = 0x1
	TypeAck    FrameType = 0x2
	TypeCmd    FrameType = 0x3
)

// AddrMode is the 2-bit addressing-mode subfield (src or dst).
type AddrMode uint8

const (
	AddrModeNone  AddrMode = 0x0
	_                      = 0x1 // reserved
	AddrModeShort AddrMode = 0x2 // 16-bit
	AddrModeExt   AddrMode = 0x3 // 64-bit
)

var (
	ErrMalformed       = errors.New("frame: malformed (truncated)")
	ErrUnsupportedMode = errors.New("frame: unsupported addressing mode combination")
	ErrBufferTooSmall  = errors.New("frame: buffer too small")
)

// Descriptor is the result of parsing, or the input to building, a MAC
// frame. Pointer fields are byte offsets into the buffer that was parsed
// (or, for Build, are ignored and recomputed); "length" fields describe
// the referenced span. A zero/negative offset with Present=false means
// the field is absent.
type Descriptor struct {
	Valid bool

	FrameVersion uint8
	FrameType    FrameType
	AckReq       bool
	FramePending bool
	SecurityEnabled bool
	IEPresent    bool // Payload IE present, per FCF bit 1

	SeqNumPresent bool
	SeqNum        uint8

	DstPANPresent bool
	DstPAN        uint16

	DstAddrMode AddrMode
	DstAddr     []byte // 2 or 8 bytes, network byte order as on the wire

	SrcPANPresent bool
	SrcPAN        uint16

	SrcAddrMode AddrMode
	SrcAddr     []byte

	// SecHeaderOffset/Len describe the auxiliary security header span,
	// if SecurityEnabled.
	SecHeaderOffset int
	SecHeaderLen    int
	KeyIDMode       uint8

	PayloadOffset int
	PayloadLen    int

	HeaderOffset int
	HeaderLen    int
}

const (
	fcfOffset = 0
	fcfLen    = 2
)

// fcf bit layout, IEEE 802.15.4-2015 §7.2.2.
const (
	fcfFrameTypeShift    = 0
	fcfFrameTypeMask     = 0x7
	fcfSecurityBit       = 1 << 3
	fcfFramePendingBit   = 1 << 4
	fcfAckReqBit         = 1 << 5
	fcfPANIDCompressBit  = 1 << 6
	fcfSeqSuppressionBit = 1 << 8
	fcfIEPresentBit       = 1 << 9
	fcfDstAddrModeShift  = 10
	fcfDstAddrModeMask   = 0x3
	fcfFrameVersionShift = 12
	fcfFrameVersionMask  = 0x3
	fcfSrcAddrModeShift  = 14
	fcfSrcAddrModeMask   = 0x3
)

// secHeaderLen maps the 2-bit Key Identifier Mode subfield to the total
// auxiliary security header length, not counting the 1-byte Security
// Control octet itself. Table from IEEE 802.15.4-2015 §9.4.
func secHeaderLen(keyIDMode uint8) int {
	switch keyIDMode {
	case 0:
		return 4 // frame counter only
	case 1:
		return 5 // frame counter + 1-byte key index
	case 2:
		return 9 // frame counter + 4-byte key source + key index
	case 3:
		return 13 // frame counter + 8-byte key source + key index
	default:
		return 4
	}
}

// Parse decodes an 802.15.4 MAC frame from buf. It never allocates and
// never retains buf beyond the slices referenced by the returned
// Descriptor (which alias buf).
func Parse(buf []byte) (Descriptor, error) {
	var d Descriptor
	if len(buf) < fcfLen {
		return d, ErrMalformed
	}

	fcf := binary.LittleEndian.Uint16(buf[fcfOffset : fcfOffset+fcfLen])
	d.FrameType = FrameType((fcf >> fcfFrameTypeShift) & fcfFrameTypeMask)
	d.SecurityEnabled = fcf&fcfSecurityBit != 0
	d.FramePending = fcf&fcfFramePendingBit != 0
	d.AckReq = fcf&fcfAckReqBit != 0
	panIDCompress := fcf&fcfPANIDCompressBit != 0
	seqSuppressed := fcf&fcfSeqSuppressionBit != 0
	d.IEPresent = fcf&fcfIEPresentBit != 0
	d.DstAddrMode = AddrMode((fcf >> fcfDstAddrModeShift) & fcfDstAddrModeMask)
	d.FrameVersion = uint8((fcf >> fcfFrameVersionShift) & fcfFrameVersionMask)
	d.SrcAddrMode = AddrMode((fcf >> fcfSrcAddrModeShift) & fcfSrcAddrModeMask)

	off := fcfLen

	if !seqSuppressed {
		if len(buf) < off+1 {
			return d, ErrMalformed
		}
		d.SeqNumPresent = true
		d.SeqNum = buf[off]
		off++
	}

	hasDstPAN, hasDstAddr, hasSrcPAN, hasSrcAddr, err := addressingLayout(d.DstAddrMode, d.SrcAddrMode, panIDCompress, d.FrameVersion)
	if err != nil {
		return d, err
	}

	if hasDstPAN {
		if len(buf) < off+2 {
			return d, ErrMalformed
		}
		d.DstPANPresent = true
		d.DstPAN = binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
	}

	if hasDstAddr {
		n := addrLen(d.DstAddrMode)
		if len(buf) < off+n {
			return d, ErrMalformed
		}
		d.DstAddr = buf[off : off+n]
		off += n
	}

	if hasSrcPAN {
		if len(buf) < off+2 {
			return d, ErrMalformed
		}
		d.SrcPANPresent = true
		d.SrcPAN = binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
	}

	if hasSrcAddr {
		n := addrLen(d.SrcAddrMode)
		if len(buf) < off+n {
			return d, ErrMalformed
		}
		d.SrcAddr = buf[off : off+n]
		off += n
	}

	d.HeaderOffset = 0

	if d.SecurityEnabled {
		if len(buf) < off+1 {
			return d, ErrMalformed
		}
		secControl := buf[off]
		d.KeyIDMode = (secControl >> 3) & 0x3
		secLen := 1 + secHeaderLen(d.KeyIDMode)
		if len(buf) < off+secLen {
			return d, ErrMalformed
		}
		d.SecHeaderOffset = off
		d.SecHeaderLen = secLen
		off += secLen
	}

	d.HeaderLen = off
	d.PayloadOffset = off
	d.PayloadLen = len(buf) - off
	if d.PayloadLen < 0 {
		return d, ErrMalformed
	}

	d.Valid = true
	return d, nil
}

func addrLen(m AddrMode) int {
	switch m {
	case AddrModeShort:
		return 2
	case AddrModeExt:
		return 8
	default:
		return 0
	}
}

// addressingLayout implements the nine legal PAN-ID-compression /
// addressing-mode combinations of the IEEE 802.15.4-2015 revision
// (Table 7-2), rejecting the rest as ErrUnsupportedMode.
func addressingLayout(dstMode, srcMode AddrMode, panIDCompress bool, frameVersion uint8) (hasDstPAN, hasDstAddr, hasSrcPAN, hasSrcAddr bool, err error) {
	hasDstAddr = dstMode != AddrModeNone
	hasSrcAddr = srcMode != AddrModeNone

	if frameVersion < 2 {
		// Pre-2015 (2003/2006) simple rule: PAN ID present whenever the
		// corresponding address is present, compressed away only when
		// both addresses are present and compression is requested.
		hasDstPAN = hasDstAddr
		hasSrcPAN = hasSrcAddr && !(hasDstAddr && panIDCompress)
		return
	}

	switch {
	case dstMode == AddrModeNone && srcMode == AddrModeNone:
		hasDstPAN = panIDCompress // compressed form carries a single dest PAN ID
		hasSrcPAN = false
	case dstMode != AddrModeNone && srcMode == AddrModeNone:
		hasDstPAN = !panIDCompress
		hasSrcPAN = false
	case dstMode == AddrModeNone && srcMode != AddrModeNone:
		hasDstPAN = false
		hasSrcPAN = !panIDCompress
	case dstMode == AddrModeExt && srcMode == AddrModeExt:
		hasDstPAN = !panIDCompress
		hasSrcPAN = false
	case dstMode == AddrModeShort && srcMode == AddrModeShort,
		dstMode == AddrModeShort && srcMode == AddrModeExt,
		dstMode == AddrModeExt && srcMode == AddrModeShort:
		hasDstPAN = true
		hasSrcPAN = !panIDCompress
	default:
		err = ErrUnsupportedMode
	}
	return
}

// Build encodes d into buf, returning the number of bytes written. It
// derives the PAN-ID-compression FCF bit from which PAN ID and address
// fields are populated in d; the addressing-mode bits are taken from
// DstAddrMode and SrcAddrMode.
func Build(buf []byte, d Descriptor) (int, error) {
	if len(buf) < fcfLen {
		return 0, ErrBufferTooSmall
	}

	panIDCompress := computePANIDCompress(d)

	var fcf uint16
	fcf |= uint16(d.FrameType&fcfFrameTypeMask) << fcfFrameTypeShift
	if d.SecurityEnabled {
		fcf |= fcfSecurityBit
	}
	if d.FramePending {
		fcf |= fcfFramePendingBit
	}
	if d.AckReq {
		fcf |= fcfAckReqBit
	}
	if panIDCompress {
		fcf |= fcfPANIDCompressBit
	}
	if !d.SeqNumPresent {
		fcf |= fcfSeqSuppressionBit
	}
	if d.IEPresent {
		fcf |= fcfIEPresentBit
	}
	fcf |= uint16(d.DstAddrMode&fcfDstAddrModeMask) << fcfDstAddrModeShift
	fcf |= uint16(d.FrameVersion&fcfFrameVersionMask) << fcfFrameVersionShift
	fcf |= uint16(d.SrcAddrMode&fcfSrcAddrModeMask) << fcfSrcAddrModeShift

	binary.LittleEndian.PutUint16(buf[0:2], fcf)
	off := fcfLen

	if d.SeqNumPresent {
		if len(buf) < off+1 {
			return 0, ErrBufferTooSmall
		}
		buf[off] = d.SeqNum
		off++
	}

	if d.DstPANPresent {
		if len(buf) < off+2 {
			return 0, ErrBufferTooSmall
		}
		binary.LittleEndian.PutUint16(buf[off:off+2], d.DstPAN)
		off += 2
	}

	if n := len(d.DstAddr); n > 0 {
		if len(buf) < off+n {
			return 0, ErrBufferTooSmall
		}
		copy(buf[off:off+n], d.DstAddr)
		off += n
	}

	if d.SrcPANPresent {
		if len(buf) < off+2 {
			return 0, ErrBufferTooSmall
		}
		binary.LittleEndian.PutUint16(buf[off:off+2], d.SrcPAN)
		off += 2
	}

	if n := len(d.SrcAddr); n > 0 {
		if len(buf) < off+n {
			return 0, ErrBufferTooSmall
		}
		copy(buf[off:off+n], d.SrcAddr)
		off += n
	}

	if d.SecurityEnabled {
		secLen := 1 + secHeaderLen(d.KeyIDMode)
		if len(buf) < off+secLen {
			return 0, ErrBufferTooSmall
		}
		buf[off] = d.KeyIDMode << 3
		off += secLen
	}

	if len(buf) < off+d.PayloadLen {
		return 0, ErrBufferTooSmall
	}
	// Build copies no payload: it counts PayloadLen bytes after the
	// header in the returned length and leaves those bytes of buf as they
	// were. Of the security header it writes only the control octet; the
	// remaining auxiliary-header bytes are likewise left untouched.
	off += d.PayloadLen

	return off, nil
}

// computePANIDCompress derives the FCF PAN-ID-Compression bit from which
// PAN ID fields the caller populated, inverting the Parse-side table.
func computePANIDCompress(d Descriptor) bool {
	hasDstAddr := len(d.DstAddr) > 0
	hasSrcAddr := len(d.SrcAddr) > 0

	switch {
	case !hasDstAddr && !hasSrcAddr:
		return d.DstPANPresent
	case hasDstAddr && !hasSrcAddr:
		return !d.DstPANPresent
	case !hasDstAddr && hasSrcAddr:
		return !d.SrcPANPresent
	case d.DstAddrMode == AddrModeExt && d.SrcAddrMode == AddrModeExt:
		return !d.DstPANPresent
	default:
		return !d.SrcPANPresent
	}
}
