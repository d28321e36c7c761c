package resequencer

import (
	"testing"

	"github.com/cwsl/wwvrecorder/internal/rtppacket"
)

func mkPacket(seq uint16, ts uint32, n int) rtppacket.Packet {
	samples := make([]complex64, n)
	for i := range samples {
		samples[i] = complex(float32(i), 0)
	}
	return rtppacket.Packet{Sequence: seq, Timestamp: ts, Samples: samples}
}

// S1: clean run of packets in order yields one Samples event per packet, no gaps.
func TestCleanSequenceNoGaps(t *testing.T) {
	r := New(Config{SamplesPerPacket: 320, BufferDepth: 100})

	var samplesEvents, gapEvents int
	for i := 0; i < 3000; i++ {
		events := r.Push(mkPacket(uint16(i), uint32(1_000_000+i*320), 320))
		for _, e := range events {
			if e.Kind == EventSamples {
				samplesEvents++
			} else {
				gapEvents++
			}
		}
	}
	if samplesEvents != 3000 {
		t.Fatalf("samplesEvents = %d, want 3000", samplesEvents)
	}
	if gapEvents != 0 {
		t.Fatalf("gapEvents = %d, want 0", gapEvents)
	}
	if r.DuplicateCount != 0 || r.LateDropCount != 0 {
		t.Fatalf("unexpected duplicate/late counts: %+v", r)
	}
}

// S2: a single dropped packet (seq 1500) eventually produces exactly one
// gap of 320 zero-filled samples once the reorder buffer overflows.
func TestSinglePacketLoss(t *testing.T) {
	r := New(Config{SamplesPerPacket: 320, BufferDepth: 100})

	var gaps []Event
	var totalSamples int
	for i := 0; i < 3000; i++ {
		if i == 1500 {
			continue // drop this packet
		}
		events := r.Push(mkPacket(uint16(i), uint32(1_000_000+i*320), 320))
		for _, e := range events {
			if e.Kind == EventGap {
				gaps = append(gaps, e)
			} else {
				totalSamples += len(e.Samples)
			}
		}
	}

	if len(gaps) != 1 {
		t.Fatalf("expected exactly 1 gap, got %d: %+v", len(gaps), gaps)
	}
	if gaps[0].GapZeroSamples != 320 {
		t.Fatalf("GapZeroSamples = %d, want 320", gaps[0].GapZeroSamples)
	}
	if gaps[0].GapLostPackets != 1 {
		t.Fatalf("GapLostPackets = %d, want 1", gaps[0].GapLostPackets)
	}
	if gaps[0].GapSampleOffset != 1500*320 {
		t.Fatalf("GapSampleOffset = %d, want %d", gaps[0].GapSampleOffset, 1500*320)
	}
}

// S3: out-of-order delivery (seq 100 arrives after 105) produces no gaps and
// all samples in order.
func TestOutOfOrderDelivery(t *testing.T) {
	r := New(Config{SamplesPerPacket: 320, BufferDepth: 100})

	order := []int{}
	for i := 0; i < 120; i++ {
		if i == 100 {
			continue
		}
		order = append(order, i)
	}
	// insert 100 right after 105's position
	insertAt := -1
	for idx, v := range order {
		if v == 105 {
			insertAt = idx + 1
			break
		}
	}
	order = append(order[:insertAt], append([]int{100}, order[insertAt:]...)...)

	var gapCount int
	var lastTS uint32
	first := true
	for _, seq := range order {
		events := r.Push(mkPacket(uint16(seq), uint32(1_000_000+seq*320), 320))
		for _, e := range events {
			if e.Kind == EventGap {
				gapCount++
				continue
			}
			if !first && e.RTPTimestamp < lastTS {
				t.Fatalf("non-monotonic emission: got %d after %d", e.RTPTimestamp, lastTS)
			}
			lastTS = e.RTPTimestamp
			first = false
		}
	}
	if gapCount != 0 {
		t.Fatalf("gapCount = %d, want 0", gapCount)
	}
}

// Property 9: sequence-number wraparound is handled with signed-delta
// arithmetic; 65530..65535,0,1,2 emits all nine packets in order, no gaps.
func TestSequenceWraparound(t *testing.T) {
	r := New(Config{SamplesPerPacket: 320, BufferDepth: 100})

	seqs := []uint16{65530, 65531, 65532, 65533, 65534, 65535, 0, 1, 2}
	var emitted []uint16
	for i, seq := range seqs {
		events := r.Push(mkPacket(seq, uint32(1_000_000+i*320), 320))
		for _, e := range events {
			if e.Kind == EventGap {
				t.Fatalf("unexpected gap during wraparound test")
			}
		}
		_ = emitted
	}
	if len(r.buffer) != 0 {
		t.Fatalf("expected empty reorder buffer, got %d entries", len(r.buffer))
	}
}

func TestDuplicatePacketDropped(t *testing.T) {
	r := New(Config{SamplesPerPacket: 320, BufferDepth: 100})
	r.Push(mkPacket(0, 1000, 320))
	r.Push(mkPacket(1, 1320, 320))
	events := r.Push(mkPacket(0, 1000, 320)) // duplicate
	if len(events) != 0 {
		t.Fatalf("expected no events for duplicate packet, got %d", len(events))
	}
	if r.DuplicateCount != 1 {
		t.Fatalf("DuplicateCount = %d, want 1", r.DuplicateCount)
	}
}
