// Package resequencer reorders RTP packets by sequence number, zero-fills
// detected gaps, and emits output events in strictly non-decreasing RTP
// timestamp order (spec.md §4.2).
package resequencer

import (
	"github.com/cwsl/wwvrecorder/internal/anchor"
	"github.com/cwsl/wwvrecorder/internal/rtppacket"
)

// EventKind distinguishes the two kinds of resequencer output event.
type EventKind int

const (
	EventSamples EventKind = iota
	EventGap
)

// Event is one output of the resequencer: either a contiguous run of real
// samples, or a zero-filled gap.
type Event struct {
	Kind EventKind

	// RTPTimestamp is the timestamp of Samples[0]. For EventSamples,
	// Samples holds the received samples; for EventGap, it holds
	// GapZeroSamples zero-valued samples filling the gap.
	RTPTimestamp uint32
	Samples      []complex64

	// Valid when Kind == EventGap.
	GapBeforeTS     uint32
	GapAfterTS      uint32
	GapZeroSamples  int
	GapLostPackets  int
	GapSampleOffset int64 // samples emitted by this resequencer before the gap began
}

// Config configures a Resequencer.
type Config struct {
	SamplesPerPacket int // fixed samples carried by each packet, e.g. 320
	BufferDepth      int // reorder buffer capacity in packets, e.g. 100 (~2s at 50 pkt/s)
}

type bufEntry struct {
	ts      uint32
	samples []complex64
}

// Resequencer reorders a single channel's RTP packets. It is not safe for
// concurrent use; each channel processor owns exactly one instance
// (spec.md §3 "Ownership rules").
type Resequencer struct {
	cfg Config

	initialized bool
	nextSeq     uint16
	nextTS      uint32
	emitted     int64 // total samples emitted (real + zero-filled), for GapSampleOffset

	buffer map[uint16]bufEntry

	DuplicateCount uint64
	LateDropCount  uint64
	OverflowCount  uint64
}

// New creates a Resequencer. BufferDepth defaults to 100 if unset.
func New(cfg Config) *Resequencer {
	if cfg.BufferDepth <= 0 {
		cfg.BufferDepth = 100
	}
	return &Resequencer{
		cfg:    cfg,
		buffer: make(map[uint16]bufEntry, cfg.BufferDepth),
	}
}

// Push feeds one received packet into the resequencer and returns zero or
// more output events in emission order.
func (r *Resequencer) Push(pkt rtppacket.Packet) []Event {
	if !r.initialized {
		r.initialized = true
		r.nextSeq = pkt.Sequence
		r.nextTS = pkt.Timestamp
		return r.acceptInOrder(pkt)
	}

	delta := anchor.DeltaSeq(pkt.Sequence, r.nextSeq)
	switch {
	case delta == 0:
		events := r.acceptInOrder(pkt)
		events = append(events, r.drainBuffer()...)
		return events

	case delta < 0:
		if -delta <= int32(r.cfg.BufferDepth) {
			r.DuplicateCount++
		} else {
			r.LateDropCount++
		}
		return nil

	default: // delta > 0: out of order / potential gap
		r.buffer[pkt.Sequence] = bufEntry{ts: pkt.Timestamp, samples: pkt.Samples}
		var events []Event
		for len(r.buffer) > r.cfg.BufferDepth {
			r.OverflowCount++
			events = append(events, r.forceAdvance()...)
		}
		return events
	}
}

// acceptInOrder emits pkt as a Samples event and advances the expected
// sequence/timestamp cursor past it.
func (r *Resequencer) acceptInOrder(pkt rtppacket.Packet) []Event {
	ev := Event{Kind: EventSamples, RTPTimestamp: pkt.Timestamp, Samples: pkt.Samples}
	r.nextSeq = pkt.Sequence + 1
	r.nextTS = pkt.Timestamp + uint32(len(pkt.Samples))
	r.emitted += int64(len(pkt.Samples))
	return []Event{ev}
}

// drainBuffer emits any buffered packets that are now consecutive with the
// cursor, in sequence order.
func (r *Resequencer) drainBuffer() []Event {
	var events []Event
	for {
		entry, ok := r.buffer[r.nextSeq]
		if !ok {
			return events
		}
		delete(r.buffer, r.nextSeq)
		events = append(events, r.acceptInOrder(rtppacket.Packet{
			Sequence:  r.nextSeq,
			Timestamp: entry.ts,
			Samples:   entry.samples,
		})...)
	}
}

// forceAdvance declares the hole between the cursor and the oldest buffered
// packet a gap, zero-fills it, emits the buffered packet, and drains
// anything now consecutive (spec.md §4.2).
func (r *Resequencer) forceAdvance() []Event {
	oldestSeq, ok := r.oldestBufferedSeq()
	if !ok {
		return nil
	}
	entry := r.buffer[oldestSeq]
	delete(r.buffer, oldestSeq)

	zeroSamples := int(anchor.DeltaRTP(entry.ts, r.nextTS))
	if zeroSamples < 0 {
		zeroSamples = 0
	}
	lostPackets := 0
	if r.cfg.SamplesPerPacket > 0 {
		lostPackets = (zeroSamples + r.cfg.SamplesPerPacket/2) / r.cfg.SamplesPerPacket
	}

	gap := Event{
		Kind:            EventGap,
		RTPTimestamp:    r.nextTS,
		Samples:         make([]complex64, zeroSamples),
		GapBeforeTS:     r.nextTS,
		GapAfterTS:      entry.ts,
		GapZeroSamples:  zeroSamples,
		GapLostPackets:  lostPackets,
		GapSampleOffset: r.emitted,
	}
	r.emitted += int64(zeroSamples)
	r.nextTS = entry.ts

	events := []Event{gap}
	events = append(events, r.acceptInOrder(rtppacket.Packet{
		Sequence:  oldestSeq,
		Timestamp: entry.ts,
		Samples:   entry.samples,
	})...)
	events = append(events, r.drainBuffer()...)
	return events
}

// oldestBufferedSeq returns the buffered sequence number with the smallest
// positive signed distance ahead of the cursor.
func (r *Resequencer) oldestBufferedSeq() (uint16, bool) {
	var best uint16
	var bestDelta int32 = -1
	found := false
	for seq := range r.buffer {
		d := anchor.DeltaSeq(seq, r.nextSeq)
		if !found || d < bestDelta {
			best, bestDelta, found = seq, d, true
		}
	}
	return best, found
}

// NextRTPTimestamp reports the RTP timestamp the resequencer next expects,
// useful for tests and diagnostics.
func (r *Resequencer) NextRTPTimestamp() uint32 { return r.nextTS }
