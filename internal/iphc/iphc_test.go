package iphc

import (
	"net/netip"
	"testing"
	"time"
)

func mustAddr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestCompressDecompressRoundTrip_UDPLinkLocalToMulticast(t *testing.T) {
	ext := [8]byte{0x00, 0x00, 0x00, 0xff, 0xfe, 0x00, 0x00, 0x01}
	iid := iidFromExt(ext)

	var srcBytes [16]byte
	llb := linkLocalPrefix.Addr().As16()
	copy(srcBytes[:8], llb[:8])
	copy(srcBytes[8:], iid[:])
	src := netip.AddrFrom16(srcBytes)

	dst := mustAddr("ff02::1")

	pkt := Packet{
		IP: IPv6Header{
			TrafficClass: 0,
			FlowLabel:    0,
			NextHeader:   17,
			HopLimit:     255,
			Src:          src,
			Dst:          dst,
		},
		UDP: &UDPHeader{
			SrcPort:  0xF0B1,
			DstPort:  0xF0B2,
			Checksum: 0x1234,
		},
		Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	lc := LinkContext{SrcExt: ext}
	ctx := NewContextTable()

	res, err := Compress(pkt, lc, ctx)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	h := res.Header

	// Dispatch byte 0: 011 TF(2)=11 NH(1)=1 HLIM(2)=11 -> 0111_1111 = 0x7F
	if h[0] != 0x7F {
		t.Errorf("byte0 = %#02x, want 0x7f", h[0])
	}
	// byte 1: CID=0 SAC=0 SAM=11 M=1 DAC=0 DAM=11 -> 0_0_11_1_0_11 = 0x3B
	if h[1] != 0x3B {
		t.Errorf("byte1 = %#02x, want 0x3b", h[1])
	}
	// dst compressed to 1 byte (ff02::1 -> 0x01), then NHC-UDP dispatch.
	if h[2] != 0x01 {
		t.Errorf("compressed multicast byte = %#02x, want 0x01", h[2])
	}
	if h[3] != 0xF3 {
		t.Errorf("NHC-UDP dispatch = %#02x, want 0xf3", h[3])
	}

	got, n, err := Decompress(h, lc, ctx)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if n != len(h) {
		t.Errorf("consumed %d, want %d", n, len(h))
	}
	if got.IP.Src != src {
		t.Errorf("Src = %v, want %v", got.IP.Src, src)
	}
	if got.IP.Dst != dst {
		t.Errorf("Dst = %v, want %v", got.IP.Dst, dst)
	}
	if got.IP.HopLimit != 255 {
		t.Errorf("HopLimit = %d, want 255", got.IP.HopLimit)
	}
	if got.UDP == nil {
		t.Fatal("UDP header missing after decompression")
	}
	if got.UDP.SrcPort != pkt.UDP.SrcPort || got.UDP.DstPort != pkt.UDP.DstPort {
		t.Errorf("ports = %d/%d, want %d/%d", got.UDP.SrcPort, got.UDP.DstPort, pkt.UDP.SrcPort, pkt.UDP.DstPort)
	}
	if got.UDP.Checksum != pkt.UDP.Checksum {
		t.Errorf("checksum = %#04x, want %#04x", got.UDP.Checksum, pkt.UDP.Checksum)
	}
	if string(got.Payload) != string(pkt.Payload) {
		t.Errorf("payload = %v, want %v", got.Payload, pkt.Payload)
	}
}

func TestCompressDecompressRoundTrip_ContextBasedUnicast(t *testing.T) {
	ctx := NewContextTable()
	prefix := netip.MustParsePrefix("2001:db8:1::/64")
	if err := ctx.Set(3, Context{Prefix: prefix, Compress: true}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	srcExt := [8]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	dstExt := [8]byte{0x02, 0x99, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33}

	srcIID := iidFromExt(srcExt)
	dstIID := iidFromExt(dstExt)

	var srcB, dstB [16]byte
	pb := prefix.Addr().As16()
	copy(srcB[:8], pb[:8])
	copy(srcB[8:], srcIID[:])
	copy(dstB[:8], pb[:8])
	copy(dstB[8:], dstIID[:])

	src := netip.AddrFrom16(srcB)
	dst := netip.AddrFrom16(dstB)

	pkt := Packet{
		IP: IPv6Header{
			TrafficClass: 0,
			FlowLabel:    0,
			NextHeader:   58, // ICMPv6, leave NH inline
			HopLimit:     64,
			Src:          src,
			Dst:          dst,
		},
		Payload: []byte{0xAA, 0xBB},
	}
	lc := LinkContext{SrcExt: srcExt, DstExt: dstExt}

	res, err := Compress(pkt, lc, ctx)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	got, _, err := Decompress(res.Header, lc, ctx)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if got.IP.Src != src {
		t.Errorf("Src = %v, want %v", got.IP.Src, src)
	}
	if got.IP.Dst != dst {
		t.Errorf("Dst = %v, want %v", got.IP.Dst, dst)
	}
	if got.IP.NextHeader != 58 {
		t.Errorf("NextHeader = %d, want 58", got.IP.NextHeader)
	}
	if got.IP.HopLimit != 64 {
		t.Errorf("HopLimit = %d, want 64", got.IP.HopLimit)
	}
}

func TestDecompress_MissingContextFails(t *testing.T) {
	ctx := NewContextTable()
	prefix := netip.MustParsePrefix("2001:db8:1::/64")
	if err := ctx.Set(3, Context{Prefix: prefix, Compress: true}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ext := [8]byte{0x02, 1, 2, 3, 4, 5, 6, 7}
	iid := iidFromExt(ext)
	var srcB [16]byte
	pb := prefix.Addr().As16()
	copy(srcB[:8], pb[:8])
	copy(srcB[8:], iid[:])
	src := netip.AddrFrom16(srcB)

	pkt := Packet{
		IP: IPv6Header{
			NextHeader: 58,
			HopLimit:   64,
			Src:        src,
			Dst:        mustAddr("fe80::1"),
		},
	}
	lc := LinkContext{SrcExt: ext}
	res, err := Compress(pkt, lc, ctx)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	emptyCtx := NewContextTable()
	if _, _, err := Decompress(res.Header, lc, emptyCtx); err != ErrNoContext {
		t.Fatalf("Decompress with missing context: err = %v, want ErrNoContext", err)
	}
}

func TestContextTable_ExpireStopsCompressionNotDecompression(t *testing.T) {
	ctx := NewContextTable()
	prefix := netip.MustParsePrefix("2001:db8:2::/64")
	now := time.Unix(1000, 0)
	if err := ctx.Set(1, Context{Prefix: prefix, Compress: true, HasLifetime: true, Deadline: now.Add(time.Second)}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ctx.Expire(now.Add(2 * time.Second))

	if _, _, ok := ctx.MatchForCompress(mustAddr("2001:db8:2::1")); ok {
		t.Error("expired context should not be usable for compression")
	}
	if c, ok := ctx.Get(1); !ok || c.Prefix != prefix {
		t.Error("expired context should remain installed for decompression")
	}
}

func TestUnsupportedDispatchRejected(t *testing.T) {
	ctx := NewContextTable()
	lc := LinkContext{}
	if _, _, err := Decompress([]byte{DispatchUncompressedIPv6, 0}, lc, ctx); err != ErrUnsupportedDisp {
		t.Fatalf("err = %v, want ErrUnsupportedDisp", err)
	}
}

func TestCompressDecompressRoundTrip_InlineHopLimitAndECN(t *testing.T) {
	ctx := NewContextTable()
	lc := LinkContext{}
	dst := mustAddr("2001:db8::2")

	tests := []struct {
		name         string
		hopLimit     uint8
		trafficClass uint8
		flowLabel    uint32
	}{
		{"inline hop limit, no flow label", 100, 0, 0},
		{"inline hop limit, DSCP set", 42, 0x04, 0},
		{"ECN with flow label, DSCP elided", 64, 0x02, 0x12345},
		{"max ECN with flow label", 64, 0x03, 0x00001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := Packet{
				IP: IPv6Header{
					TrafficClass: tt.trafficClass,
					FlowLabel:    tt.flowLabel,
					NextHeader:   58,
					HopLimit:     tt.hopLimit,
					Src:          mustAddr("2001:db8::1"),
					Dst:          dst,
				},
				Payload: []byte{0xAA, 0xBB, 0xCC},
			}

			res, err := Compress(pkt, lc, ctx)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			got, _, err := Decompress(res.Header, lc, ctx)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if got.IP.HopLimit != tt.hopLimit {
				t.Errorf("HopLimit = %d, want %d", got.IP.HopLimit, tt.hopLimit)
			}
			if got.IP.TrafficClass != tt.trafficClass {
				t.Errorf("TrafficClass = %#02x, want %#02x", got.IP.TrafficClass, tt.trafficClass)
			}
			if got.IP.FlowLabel != tt.flowLabel {
				t.Errorf("FlowLabel = %#x, want %#x", got.IP.FlowLabel, tt.flowLabel)
			}
			if got.IP.Src != pkt.IP.Src || got.IP.Dst != pkt.IP.Dst {
				t.Errorf("addresses mismatch after round trip")
			}
			if string(got.Payload) != string(pkt.Payload) {
				t.Errorf("payload = %v, want %v", got.Payload, pkt.Payload)
			}
		})
	}
}

func TestDecompressTruncated(t *testing.T) {
	ctx := NewContextTable()
	lc := LinkContext{}
	if _, _, err := Decompress([]byte{0x60}, lc, ctx); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}
