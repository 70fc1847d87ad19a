package frame

import (
	"bytes"
	"testing"
)

func TestParse_DataFrameShortAddrs(t *testing.T) {
	// FCF: type=Data, ack_req=1, dst/src addr mode=short, version=1(2006), PAN-ID compress=1
	fcf := uint16(TypeData) | fcfAckReqBit | fcfPANIDCompressBit |
		uint16(AddrModeShort)<<fcfDstAddrModeShift |
		uint16(1)<<fcfFrameVersionShift |
		uint16(AddrModeShort)<<fcfSrcAddrModeShift

	buf := []byte{
		byte(fcf), byte(fcf >> 8),
		0x42,       // seq num
		0xCD, 0xAB, // dst PAN 0xABCD
		0x02, 0x00, // dst addr 0x0002
		0x03, 0x00, // src addr 0x0003 (no src PAN: compressed)
		0xDE, 0xAD, 0xBE, 0xEF, // payload
	}

	d, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !d.Valid {
		t.Fatal("expected valid descriptor")
	}
	if d.FrameType != TypeData {
		t.Errorf("FrameType = %v, want Data", d.FrameType)
	}
	if !d.AckReq {
		t.Error("AckReq should be set")
	}
	if !d.SeqNumPresent || d.SeqNum != 0x42 {
		t.Errorf("SeqNum = %v present=%v", d.SeqNum, d.SeqNumPresent)
	}
	if !d.DstPANPresent || d.DstPAN != 0xABCD {
		t.Errorf("DstPAN = %#x present=%v", d.DstPAN, d.DstPANPresent)
	}
	if d.SrcPANPresent {
		t.Error("SrcPAN should be compressed away")
	}
	if !bytes.Equal(d.DstAddr, []byte{0x02, 0x00}) {
		t.Errorf("DstAddr = %x", d.DstAddr)
	}
	if !bytes.Equal(d.SrcAddr, []byte{0x03, 0x00}) {
		t.Errorf("SrcAddr = %x", d.SrcAddr)
	}
	if !bytes.Equal(buf[d.PayloadOffset:d.PayloadOffset+d.PayloadLen], []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("payload mismatch")
	}
}

func TestParse_Truncated(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x01},
		// claims a seq num but buffer ends right after FCF
		{byte(TypeData), 0x00},
	}
	for i, buf := range cases {
		if _, err := Parse(buf); err == nil && len(buf) < 3 {
			t.Errorf("case %d: expected error for truncated buffer %x", i, buf)
		}
	}
}

func TestSecHeaderLen(t *testing.T) {
	cases := []struct {
		mode uint8
		want int
	}{
		{0, 4}, {1, 5}, {2, 9}, {3, 13},
	}
	for _, c := range cases {
		if got := secHeaderLen(c.mode); got != c.want {
			t.Errorf("secHeaderLen(%d) = %d, want %d", c.mode, got, c.want)
		}
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	d := Descriptor{
		FrameType:     TypeData,
		FrameVersion:  2,
		AckReq:        true,
		SeqNumPresent: true,
		SeqNum:        7,
		DstPANPresent: true,
		DstPAN:        0x1234,
		DstAddrMode:   AddrModeExt,
		DstAddr:       []byte{1, 2, 3, 4, 5, 6, 7, 8},
		SrcAddrMode:   AddrModeExt,
		SrcAddr:       []byte{8, 7, 6, 5, 4, 3, 2, 1},
		PayloadLen:    4,
	}

	buf := make([]byte, 64)
	n, err := Build(buf, d)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	copy(buf[n-4:n], []byte{0xAA, 0xBB, 0xCC, 0xDD})

	got, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse rebuilt frame: %v", err)
	}
	if got.FrameType != d.FrameType || got.SeqNum != d.SeqNum || got.DstPAN != d.DstPAN {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.SrcPANPresent {
		t.Error("both-extended-addr frames compress the source PAN ID away")
	}
	if !bytes.Equal(got.DstAddr, d.DstAddr) || !bytes.Equal(got.SrcAddr, d.SrcAddr) {
		t.Errorf("address round trip mismatch")
	}
}

func TestBuild_BufferTooSmall(t *testing.T) {
	d := Descriptor{FrameType: TypeAck, SeqNumPresent: true, SeqNum: 1}
	buf := make([]byte, 1)
	if _, err := Build(buf, d); err != ErrBufferTooSmall {
		t.Errorf("Build with tiny buffer: err = %v, want ErrBufferTooSmall", err)
	}
}
