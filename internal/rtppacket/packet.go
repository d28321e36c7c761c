// Package rtppacket decodes RTP packets carrying signed 16-bit IQ samples
// from radiod into complex64 samples.
package rtppacket

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// ErrMalformedHeader is returned when a packet is too short or has a bad RTP version.
var ErrMalformedHeader = errors.New("rtppacket: malformed header")

// ErrUnsupportedPayload is returned when the payload type is not in the configured IQ set.
var ErrUnsupportedPayload = errors.New("rtppacket: unsupported payload type")

const minHeaderLen = 12

// Packet is a decoded RTP packet carrying complex IQ samples.
type Packet struct {
	SSRC        uint32
	Sequence    uint16
	Timestamp   uint32
	PayloadType uint8
	Samples     []complex64
}

// Parser decodes raw RTP/UDP payloads into Packet, restricted to a configured
// set of payload types understood as int16 IQ (spec.md §4.1).
type Parser struct {
	iqPayloadTypes map[uint8]bool
}

// NewParser builds a Parser that accepts the given IQ payload types.
func NewParser(iqPayloadTypes []uint8) *Parser {
	set := make(map[uint8]bool, len(iqPayloadTypes))
	for _, pt := range iqPayloadTypes {
		set[pt] = true
	}
	return &Parser{iqPayloadTypes: set}
}

// Parse decodes a raw wire packet. It rejects packets shorter than 12 bytes
// or with an unrecognized RTP version, and rejects payload types outside the
// configured IQ set.
func (p *Parser) Parse(buf []byte) (Packet, error) {
	if len(buf) < minHeaderLen {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(buf))
	}
	version := buf[0] >> 6
	if version != 2 {
		return Packet{}, fmt.Errorf("%w: version %d", ErrMalformedHeader, version)
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	pt := pkt.PayloadType
	if len(p.iqPayloadTypes) > 0 && !p.iqPayloadTypes[pt] {
		return Packet{}, fmt.Errorf("%w: pt=%d", ErrUnsupportedPayload, pt)
	}

	samples := decodeIQ(pkt.Payload)

	return Packet{
		SSRC:        pkt.SSRC,
		Sequence:    pkt.SequenceNumber,
		Timestamp:   pkt.Timestamp,
		PayloadType: pt,
		Samples:     samples,
	}, nil
}

// decodeIQ decodes interleaved signed 16-bit big-endian I/Q pairs into
// normalized complex64 samples (divided by 2^15, per spec.md §4.1).
func decodeIQ(payload []byte) []complex64 {
	n := len(payload) / 4
	samples := make([]complex64, n)
	const scale = 1.0 / 32768.0
	for i := 0; i < n; i++ {
		off := i * 4
		ival := int16(uint16(payload[off])<<8 | uint16(payload[off+1]))
		qval := int16(uint16(payload[off+2])<<8 | uint16(payload[off+3]))
		samples[i] = complex(float32(ival)*scale, float32(qval)*scale)
	}
	return samples
}
