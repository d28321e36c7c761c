package channelproc

import (
	"math"
	"os"
	"testing"
)

func toneBurstSamples(n int, sampleRate int, onset int, freqHz float64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		out[i] = complex(float32(0.001), 0)
	}
	dur := int(0.8 * float64(sampleRate))
	for i := 0; i < dur && onset+i < n; i++ {
		t := float64(i) / float64(sampleRate)
		out[onset+i] += complex(float32(0.9*math.Sin(2*math.Pi*freqHz*t)), 0)
	}
	return out
}

func TestProcessorTransitionsToRecording(t *testing.T) {
	dir := t.TempDir()
	const sampleRate = 16000
	const samplesPerPacket = 320

	p := New(Config{
		Channel:          "wwv-10mhz",
		SSRC:             42,
		SampleRate:       sampleRate,
		StationHint:      "WWV",
		OutputDir:        dir,
		StartupDuration:  MinStartupDuration, // 60s, keeps the test buffer small
		SamplesPerPacket: samplesPerPacket,
		BufferDepth:      100,
	})

	if p.State() != StateStartupBuffering {
		t.Fatalf("initial state = %v, want startup_buffering", p.State())
	}

	totalSamples := 65 * sampleRate // just over the 60s startup duration
	tone := toneBurstSamples(totalSamples, sampleRate, 16000, 1000)

	var seq uint16
	var rtpTS uint32
	for off := 0; off+samplesPerPacket <= totalSamples; off += samplesPerPacket {
		p.Push(seq, rtpTS, tone[off:off+samplesPerPacket])
		seq++
		rtpTS += samplesPerPacket
	}

	if p.State() != StateRecording {
		t.Fatalf("state after startup span = %v, want recording", p.State())
	}
	if _, ok := p.Anchor(); !ok {
		t.Fatal("expected an anchor to be established")
	}
}

func TestProcessorStopFlushesPartialMinute(t *testing.T) {
	dir := t.TempDir()
	const sampleRate = 16000
	const samplesPerPacket = 320

	p := New(Config{
		Channel:          "wwv-10mhz",
		SSRC:             42,
		SampleRate:       sampleRate,
		StationHint:      "WWV",
		OutputDir:        dir,
		StartupDuration:  MinStartupDuration,
		SamplesPerPacket: samplesPerPacket,
		BufferDepth:      100,
	})

	totalSamples := 65 * sampleRate
	tone := toneBurstSamples(totalSamples, sampleRate, 16000, 1000)

	var seq uint16
	var rtpTS uint32
	for off := 0; off+samplesPerPacket <= totalSamples; off += samplesPerPacket {
		p.Push(seq, rtpTS, tone[off:off+samplesPerPacket])
		seq++
		rtpTS += samplesPerPacket
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.State() != StateStopped {
		t.Fatalf("state after Stop = %v, want stopped", p.State())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one archive file to be written")
	}
}

func TestProcessorWriterStartsExactlyAtAnchor(t *testing.T) {
	dir := t.TempDir()
	const sampleRate = 16000
	const samplesPerPacket = 320

	p := New(Config{
		Channel:          "wwv-10mhz",
		SSRC:             42,
		SampleRate:       sampleRate,
		StationHint:      "WWV",
		OutputDir:        dir,
		StartupDuration:  MinStartupDuration,
		SamplesPerPacket: samplesPerPacket,
		BufferDepth:      100,
	})

	totalSamples := 65 * sampleRate
	// Onset well past the buffer's first sample, so a correct fix must
	// discard a non-trivial prefix before replaying into the writer.
	tone := toneBurstSamples(totalSamples, sampleRate, 20000, 1000)

	var seq uint16
	var rtpTS uint32
	for off := 0; off+samplesPerPacket <= totalSamples; off += samplesPerPacket {
		p.Push(seq, rtpTS, tone[off:off+samplesPerPacket])
		seq++
		rtpTS += samplesPerPacket
	}

	a, ok := p.Anchor()
	if !ok {
		t.Fatal("expected an anchor to be established")
	}
	if a.RTPTimestamp == 0 {
		t.Fatal("expected the detected onset to be offset from the first buffered sample")
	}
	if p.writer == nil {
		t.Fatal("expected a writer to be created")
	}
	if p.writer.firstRTPTS != a.RTPTimestamp {
		t.Fatalf("writer.firstRTPTS = %d, want %d (the anchor's RTP timestamp)", p.writer.firstRTPTS, a.RTPTimestamp)
	}
}

func TestProcessorCountersAreConsistentSnapshot(t *testing.T) {
	dir := t.TempDir()
	const sampleRate = 16000
	const samplesPerPacket = 320

	p := New(Config{
		Channel:          "wwv-10mhz",
		SSRC:             42,
		SampleRate:       sampleRate,
		StationHint:      "WWV",
		OutputDir:        dir,
		StartupDuration:  MinStartupDuration,
		SamplesPerPacket: samplesPerPacket,
		BufferDepth:      100,
	})

	p.Push(0, 0, make([]complex64, samplesPerPacket))
	p.Push(1, samplesPerPacket, make([]complex64, samplesPerPacket))

	packetsIn, gapsSeen, zeroFilled, filesWritten := p.Counters()
	if packetsIn != 2 {
		t.Fatalf("packetsIn = %d, want 2", packetsIn)
	}
	if gapsSeen != 0 || zeroFilled != 0 || filesWritten != 0 {
		t.Fatalf("unexpected non-zero counters: gaps=%d zero=%d files=%d", gapsSeen, zeroFilled, filesWritten)
	}
}
