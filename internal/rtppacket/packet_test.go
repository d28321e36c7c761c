package rtppacket

import (
	"testing"

	"github.com/pion/rtp"
)

func buildPacket(t *testing.T, pt uint8, seq uint16, ts uint32, ssrc uint32, iq []int16) []byte {
	t.Helper()
	payload := make([]byte, len(iq)*2)
	for i, v := range iq {
		payload[i*2] = byte(uint16(v) >> 8)
		payload[i*2+1] = byte(uint16(v))
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestParseValid(t *testing.T) {
	raw := buildPacket(t, 97, 42, 1000, 0xdeadbeef, []int16{16384, -16384, 32767, -32768})
	p := NewParser([]uint8{97})

	pkt, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pkt.SSRC != 0xdeadbeef || pkt.Sequence != 42 || pkt.Timestamp != 1000 {
		t.Fatalf("unexpected header fields: %+v", pkt)
	}
	if len(pkt.Samples) != 2 {
		t.Fatalf("expected 2 IQ samples, got %d", len(pkt.Samples))
	}
	want0 := complex(float32(0.5), float32(-0.5))
	if pkt.Samples[0] != want0 {
		t.Fatalf("sample 0 = %v, want %v", pkt.Samples[0], want0)
	}
}

func TestParseTooShort(t *testing.T) {
	p := NewParser(nil)
	if _, err := p.Parse(make([]byte, 4)); err == nil {
		t.Fatal("expected error for short packet")
	}
}

func TestParseUnsupportedPayloadType(t *testing.T) {
	raw := buildPacket(t, 10, 1, 1, 1, []int16{0, 0})
	p := NewParser([]uint8{97})
	if _, err := p.Parse(raw); err == nil {
		t.Fatal("expected unsupported payload type error")
	}
}

func TestParseBadVersion(t *testing.T) {
	raw := buildPacket(t, 97, 1, 1, 1, []int16{0, 0})
	raw[0] = (1 << 6) | (raw[0] & 0x3f) // version 1
	p := NewParser([]uint8{97})
	if _, err := p.Parse(raw); err == nil {
		t.Fatal("expected malformed header error for bad version")
	}
}
