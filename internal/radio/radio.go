// Package radio defines the contract the 802.15.4 radio driver exposes
// to the mesh core (spec §6.1): a byte-level send/receive interface plus
// CCA, CRC, RSSI reporting, and a frame-pending/auto-ACK hook. The
// driver implementation itself (channel/power/CCA/TX/RX of raw frames)
// is out of scope; this package carries only the contract and the
// constants a conformant driver and its test doubles must agree on,
// preserved from the Telink B9x driver (ieee802154_b9x.c/.h) referenced
// in original_source.
package radio

import (
	"context"
	"errors"
)

var (
	ErrBadChannel = errors.New("radio: channel out of range 11..26")
	ErrBadPower   = errors.New("radio: power level out of range")
)

// IRQ bits reported by the driver's interrupt demux (§6.1).
const (
	IRQRX = 1 << iota
	IRQTX
)

// Driver is the interface the mesh core requires from a radio. A real
// driver wraps a specific chip (e.g. Telink B9x); tests use a fake that
// implements this directly over in-memory buffers.
type Driver interface {
	ModeInit() error
	SetZigbee250K() error
	SetChannel(ieeeChannel int) error
	SetPower(dbm int) error
	SetTXMode() error
	SetRXMode() error
	SetTXRXOff() error

	// TxPkt transmits a fully built MAC frame (radio buffer layout, see
	// BuildTxBuffer) and blocks until TX completion or TxWait elapses.
	TxPkt(ctx context.Context, buf []byte) error
	// SetRxDMA arms the receive DMA engine with buf as the ring target;
	// completed frames are delivered through the driver's own IRQ path,
	// not returned here.
	SetRxDMA(buf []byte) error

	RSSI() (int8, error)
	CRCOk(buf []byte) bool
}

// Zigbee-250K channel and TX-power limits, carried bit-for-bit from the
// source (§6.1, §6.5).
const (
	ChannelMin = 11
	ChannelMax = 26

	TXPowerMinDBm = -30
	TXPowerMaxDBm = 9

	// CCATimeMaxUS bounds how long CCA averages RSSI before deciding.
	CCATimeMaxUS = 200

	// RSSIToLQIScale and RSSIToLQIMin parameterize the LQI derivation in
	// §6.1: lqi = clamp(scale * (rssi - min), 0, 255).
	RSSIToLQIScale = 3
	RSSIToLQIMin   = -87

	// RSSIByteOffsetFromMPDUEnd is added to the MAC payload length to
	// find, from the start of the RX buffer, the trailing RSSI byte the
	// radio appends: raw - 110 = dBm (§6.1).
	RSSIByteOffsetFromMPDUEnd = 11
	rssiRawBaseline           = 110
)

// PhysicalChannel converts an IEEE 802.15.4 channel number (11..26) to
// the device's physical channel code: (ch-10)*5 (§6.1).
func PhysicalChannel(ieeeChannel int) (int, error) {
	if ieeeChannel < ChannelMin || ieeeChannel > ChannelMax {
		return 0, ErrBadChannel
	}
	return (ieeeChannel - 10) * 5, nil
}

// txPowerCodes maps dBm offsets from TXPowerMinDBm to device-specific
// power-level codes. The upstream driver's lookup table
// (tl_tx_pwr_lt[]) lives in a header that wasn't part of the retrieved
// original_source subset (only its use-site, tl_rf_power.h, was
// filtered out), so the exact vendor codes aren't available to carry
// bit-for-bit; this table instead reproduces the documented
// monotonic-by-dBm shape (§6.5 "TX power table ... preserved bit-for-bit
// from source") with representative codes, and DESIGN.md records the
// gap instead of inventing a table and calling it authoritative.
var txPowerCodes = buildTXPowerCodes()

func buildTXPowerCodes() [TXPowerMaxDBm - TXPowerMinDBm + 1]byte {
	var t [TXPowerMaxDBm - TXPowerMinDBm + 1]byte
	for i := range t {
		t[i] = byte(i)
	}
	return t
}

// TXPowerCode maps a dBm level, clamped to [TXPowerMinDBm,
// TXPowerMaxDBm], to a device power-level code.
func TXPowerCode(dbm int) byte {
	if dbm < TXPowerMinDBm {
		dbm = TXPowerMinDBm
	} else if dbm > TXPowerMaxDBm {
		dbm = TXPowerMaxDBm
	}
	return txPowerCodes[dbm-TXPowerMinDBm]
}

// RSSIToLQI derives a Link Quality Indicator from a raw RSSI reading in
// dBm, clamped to [0,255] (§6.1).
func RSSIToLQI(rssiDBm int8) uint8 {
	if rssiDBm < RSSIToLQIMin {
		return 0
	}
	lqi := RSSIToLQIScale * (int(rssiDBm) - RSSIToLQIMin)
	if lqi > 0xff {
		lqi = 0xff
	}
	return uint8(lqi)
}

// RSSIFromRaw converts the radio's raw trailing RSSI byte to dBm
// (§6.1: raw - 110 = dBm).
func RSSIFromRaw(raw byte) int8 {
	return int8(int(raw) - rssiRawBaseline)
}

// BuildTxBuffer lays out a radio TX buffer per §6.1: a 4-byte
// little-endian DMA length, a 1-byte MPDU length (payload + 2 for the
// FCS the radio appends), then the MAC frame payload. The radio itself
// appends the 2-byte FCS; callers must not include it in payload.
func BuildTxBuffer(payload []byte) []byte {
	mpduLen := len(payload) + 2
	out := make([]byte, 4+1+len(payload))
	dmaLen := uint32(1 + len(payload))
	out[0] = byte(dmaLen)
	out[1] = byte(dmaLen >> 8)
	out[2] = byte(dmaLen >> 16)
	out[3] = byte(dmaLen >> 24)
	out[4] = byte(mpduLen)
	copy(out[5:], payload)
	return out
}

// RxRSSI extracts the trailing RSSI byte from a received radio buffer
// whose MAC-frame payload (sans FCS) has the given length, per §6.1's
// "offset length+11" convention, and returns it already converted to
// dBm.
func RxRSSI(buf []byte, payloadLen int) (int8, bool) {
	off := payloadLen + RSSIByteOffsetFromMPDUEnd
	if off < 0 || off >= len(buf) {
		return 0, false
	}
	return RSSIFromRaw(buf[off]), true
}

// CCA averages the RSSI readings it is given and reports busy if the
// mean exceeds threshold (§6.1, §6.5 CCA_RSSI_THRESHOLD). It does not
// sample the radio or enforce CCATimeMaxUS itself.
func CCA(readings []int8, thresholdDBm int8) (busy bool) {
	if len(readings) == 0 {
		return false
	}
	var sum int
	for _, r := range readings {
		sum += int(r)
	}
	mean := sum / len(readings)
	return mean > int(thresholdDBm)
}
