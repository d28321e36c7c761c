// Package channelproc implements the per-SSRC channel processor state
// machine (spec.md §4.5): startup_buffering -> recording -> stopped. Each
// Processor exclusively owns its resequencer, startup buffer, anchor and
// writer, mirroring the per-entity lock discipline the teacher uses for
// its Session type (session.go) extended here to a three-state lifecycle
// instead of a connect/disconnect toggle.
package channelproc

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/cwsl/wwvrecorder/internal/anchor"
	"github.com/cwsl/wwvrecorder/internal/archive"
	"github.com/cwsl/wwvrecorder/internal/ntpstatus"
	"github.com/cwsl/wwvrecorder/internal/resequencer"
	"github.com/cwsl/wwvrecorder/internal/rtppacket"
	"github.com/cwsl/wwvrecorder/internal/tonedetect"
)

// State is one of the processor's three lifecycle states.
type State int

const (
	StateStartupBuffering State = iota
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStartupBuffering:
		return "startup_buffering"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DefaultStartupDuration is the recommended startup-buffer span (spec.md
// §9: "the source uses 120s"); MinStartupDuration is the spec's floor.
const (
	DefaultStartupDuration = 120 * time.Second
	MinStartupDuration     = 60 * time.Second
)

// DefaultRedetectInterval is how often, while recording, the processor
// re-runs tone-onset detection to produce an anchor candidate for the
// status snapshot (spec.md §9 Open Question decision #1). The candidate
// never replaces the writer's anchor; it is published for operator
// visibility only.
const DefaultRedetectInterval = 10 * time.Minute

// redetectCaptureMargin is added to the station's tone duration when
// sizing the re-detection capture window, to absorb jitter in exactly
// when capture starts relative to the minute boundary.
const redetectCaptureMargin = 1.0 * time.Second

// bufferedEvent is one (rtp_ts, samples, optional_gap) triple accumulated
// during startup_buffering (spec.md "Channel Processor State").
type bufferedEvent struct {
	rtpTS   uint32
	samples []complex64
	gap     *archive.GapRecord
}

// Config parameterizes a Processor.
type Config struct {
	Channel          string
	SSRC             uint32
	CenterFreqHz     float64
	SampleRate       int
	StationHint      string
	OutputDir        string
	StartupDuration  time.Duration
	RedetectInterval time.Duration
	SamplesPerPacket int
	BufferDepth      int
	NTP              *ntpstatus.Cache
}

func (c Config) withDefaults() Config {
	if c.StartupDuration < MinStartupDuration {
		c.StartupDuration = DefaultStartupDuration
	}
	if c.RedetectInterval <= 0 {
		c.RedetectInterval = DefaultRedetectInterval
	}
	return c
}

// toneParams returns the target subcarrier frequency and expected tone
// duration for the processor's station hint, shared by the startup
// detector and the periodic re-detector (spec.md §4.3).
func (c Config) toneParams() (targetHz, toneSeconds float64) {
	targetHz, toneSeconds = 1000.0, 0.8
	if c.StationHint == "WWVH" {
		targetHz = 1200.0
	}
	if c.StationHint == "CHU" {
		toneSeconds = 0.5
	}
	return targetHz, toneSeconds
}

// Processor owns, exclusively, one SSRC's resequencer, startup buffer,
// anchor, and writer (spec.md §4.5).
type Processor struct {
	cfg Config

	mu      sync.Mutex
	state   State
	reseq   *resequencer.Resequencer
	buffer  []bufferedEvent
	anchor  *anchor.Anchor
	writer  *minuteWriter
	started time.Time

	// candidate and the capture* fields support periodic anchor
	// re-detection while recording (spec.md §9 Open Question decision
	// #1). They never feed back into anchor or writer.
	candidate        *anchor.Anchor
	lastRedetectUTC  time.Time
	capturing        bool
	captureBuf       []complex64
	captureStartRTP  uint32
	captureWantLen   int

	PacketsIn    int
	GapsSeen     int
	ZeroFilled   int
	FilesWritten int
}

// New creates a Processor in startup_buffering state.
func New(cfg Config) *Processor {
	cfg = cfg.withDefaults()
	_, toneSeconds := cfg.toneParams()
	captureSeconds := toneSeconds + redetectCaptureMargin.Seconds()
	return &Processor{
		cfg:            cfg,
		state:          StateStartupBuffering,
		reseq:          resequencer.New(resequencer.Config{SamplesPerPacket: cfg.SamplesPerPacket, BufferDepth: cfg.BufferDepth}),
		started:        time.Now(),
		captureWantLen: int(captureSeconds * float64(cfg.SampleRate)),
	}
}

// State reports the processor's current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Push hands one RTP-decoded packet's worth of samples through the
// resequencer and into the processor's current state's handling. It never
// panics or returns a fatal error: downstream anomalies are logged and
// counted (spec.md §4.5 failure semantics).
func (p *Processor) Push(seq uint16, rtpTS uint32, samples []complex64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStopped {
		return
	}
	p.PacketsIn++

	events := p.reseq.Push(rtppacket.Packet{Sequence: seq, Timestamp: rtpTS, Samples: samples})
	for _, ev := range events {
		p.handleEventLocked(ev)
	}
}

func (p *Processor) handleEventLocked(ev resequencer.Event) {
	var gap *archive.GapRecord
	if ev.Kind == resequencer.EventGap {
		p.GapsSeen++
		p.ZeroFilled += ev.GapZeroSamples
		gap = &archive.GapRecord{
			BeforeRTPTimestamp: ev.GapBeforeTS,
			AfterRTPTimestamp:  ev.GapAfterTS,
			ZeroSamples:        ev.GapZeroSamples,
			LostPacketEstimate: ev.GapLostPackets,
		}
	}

	switch p.state {
	case StateStartupBuffering:
		p.buffer = append(p.buffer, bufferedEvent{rtpTS: ev.RTPTimestamp, samples: ev.Samples, gap: gap})
		p.maybeTransitionLocked()
	case StateRecording:
		if p.writer != nil {
			if err := p.writer.addSamples(ev.RTPTimestamp, ev.Samples, gap); err != nil {
				log.Printf("channelproc[%s]: write error: %v", p.cfg.Channel, err)
			} else if p.writer.lastFileCount > p.FilesWritten {
				p.FilesWritten = p.writer.lastFileCount
			}
		}
		p.maybeCaptureForRedetectLocked(ev.RTPTimestamp, ev.Samples)
	}
}

// maybeTransitionLocked checks the startup-buffer span and, once it meets
// the configured duration, establishes the anchor and moves to recording
// (spec.md §4.5 "Transition trigger"/"Transition action"). Caller holds p.mu.
func (p *Processor) maybeTransitionLocked() {
	if len(p.buffer) == 0 {
		return
	}
	earliest := p.buffer[0].rtpTS
	latest := p.buffer[len(p.buffer)-1].rtpTS
	spanSamples := signedDelta32(latest, earliest)
	spanSeconds := float64(spanSamples) / float64(p.cfg.SampleRate)
	if spanSeconds < p.cfg.StartupDuration.Seconds() {
		return
	}

	concat := make([]complex64, 0, spanSamples+int(p.cfg.SampleRate))
	for _, e := range p.buffer {
		concat = append(concat, e.samples...)
	}

	a := p.establishAnchorLocked(earliest, concat)
	p.anchor = &a
	p.lastRedetectUTC = a.UTC

	w, err := newMinuteWriter(p.cfg.OutputDir, p.cfg, a)
	if err != nil {
		log.Printf("channelproc[%s]: failed to create writer: %v", p.cfg.Channel, err)
		return
	}
	p.writer = w

	// The writer must start accumulating exactly at the anchor's RTP
	// timestamp (spec.md §4.4: boundaries satisfy (utc_at_r) mod 60 == 0,
	// which only the anchor point in the buffer is guaranteed to do).
	// Everything buffered before that point is startup history the
	// anchor made obsolete and is discarded, not replayed.
	skip := int(anchor.DeltaRTP(a.RTPTimestamp, earliest))
	startIdx, trimHead := len(p.buffer), 0
	for i, e := range p.buffer {
		n := len(e.samples)
		if skip < n {
			startIdx, trimHead = i, skip
			break
		}
		skip -= n
	}

	for i := startIdx; i < len(p.buffer); i++ {
		e := p.buffer[i]
		rtpTS, samples, gap := e.rtpTS, e.samples, e.gap
		if i == startIdx && trimHead > 0 {
			// This event straddles the anchor point: its samples before
			// trimHead predate the anchor and any preceding gap record
			// describes a discontinuity that also predates it.
			rtpTS += uint32(trimHead)
			samples = samples[trimHead:]
			gap = nil
		}
		if err := w.addSamples(rtpTS, samples, gap); err != nil {
			log.Printf("channelproc[%s]: replay write error: %v", p.cfg.Channel, err)
		}
	}
	p.buffer = nil
	p.state = StateRecording
}

// establishAnchorLocked runs the startup tone-onset detector over the
// concatenated buffer and falls back through ntp -> wall_clock on failure
// (spec.md §4.3).
func (p *Processor) establishAnchorLocked(firstRTPTS uint32, buf []complex64) anchor.Anchor {
	targetHz, toneSeconds := p.cfg.toneParams()

	result, ok := tonedetect.Detect(buf, tonedetect.Config{
		SampleRate:  p.cfg.SampleRate,
		TargetHz:    targetHz,
		ToneSeconds: toneSeconds,
	})
	now := time.Now().UTC()
	firstUTC := now.Add(-time.Duration(float64(len(buf)) * float64(time.Second) / float64(p.cfg.SampleRate))) // wall-clock time of buf[0]
	if ok {
		onsetRTP := firstRTPTS + uint32(result.SampleOffset)
		onsetUTC := nearestMinuteUTC(firstUTC.Add(time.Duration(result.SampleOffset * float64(time.Second) / float64(p.cfg.SampleRate))))
		return anchor.Anchor{
			RTPTimestamp: onsetRTP,
			UTC:          onsetUTC,
			SampleRate:   p.cfg.SampleRate,
			SourceKind:   anchor.SourceToneOnset,
			Confidence:   result.Confidence,
			Station:      anchor.Station(p.cfg.StationHint),
		}
	}

	// Without a tone, anchor at the first whole UTC minute inside the buffer.
	minuteUTC := firstUTC.Add(time.Minute - time.Nanosecond).Truncate(time.Minute)
	minuteRTP := firstRTPTS + uint32(minuteUTC.Sub(firstUTC).Seconds()*float64(p.cfg.SampleRate))
	if p.cfg.NTP != nil && p.cfg.NTP.Synced() {
		return anchor.Anchor{
			RTPTimestamp: minuteRTP,
			UTC:          minuteUTC,
			SampleRate:   p.cfg.SampleRate,
			SourceKind:   anchor.SourceNTP,
			Confidence:   0.7,
			Station:      anchor.Station(p.cfg.StationHint),
		}
	}

	return anchor.Anchor{
		RTPTimestamp: minuteRTP,
		UTC:          minuteUTC,
		SampleRate:   p.cfg.SampleRate,
		SourceKind:   anchor.SourceWallClock,
		Confidence:   0.3,
		Station:      anchor.Station(p.cfg.StationHint),
	}
}

// nearestMinuteUTC rounds t to the nearest whole minute (spec.md §4.3
// "UTC assignment").
func nearestMinuteUTC(t time.Time) time.Time {
	rounded := t.Truncate(time.Minute)
	if t.Sub(rounded) >= 30*time.Second {
		rounded = rounded.Add(time.Minute)
	}
	return rounded
}

// Stop flushes the writer, if any, and transitions to stopped. Safe to
// call once at shutdown.
func (p *Processor) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStopped {
		return nil
	}
	p.state = StateStopped
	if p.writer != nil {
		if err := p.writer.flush(); err != nil {
			return fmt.Errorf("channelproc[%s]: flush on stop: %w", p.cfg.Channel, err)
		}
	}
	return nil
}

// Anchor returns a copy of the established anchor, or false if the
// processor is still startup_buffering.
func (p *Processor) Anchor() (anchor.Anchor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.anchor == nil {
		return anchor.Anchor{}, false
	}
	return *p.anchor, true
}

// Candidate returns the most recent periodic re-detection result, or
// false if none has completed yet. It never reflects the anchor the
// writer actually uses (spec.md §9 Open Question decision #1).
func (p *Processor) Candidate() (anchor.Anchor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.candidate == nil {
		return anchor.Anchor{}, false
	}
	return *p.candidate, true
}

// Counters returns a consistent point-in-time snapshot of the
// processor's packet/gap/zero-fill/file counters. Callers outside this
// package must use this instead of reading the exported fields
// directly: Push mutates them under p.mu from the receive-loop
// goroutine, and an unguarded read races with it.
func (p *Processor) Counters() (packetsIn, gapsSeen, zeroFilled, filesWritten int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PacketsIn, p.GapsSeen, p.ZeroFilled, p.FilesWritten
}

// maybeCaptureForRedetectLocked accumulates a short window of samples
// once every cfg.RedetectInterval, starting the capture near the top of
// a minute (where the tone onset is expected) rather than at an
// arbitrary point in the interval. Caller holds p.mu.
func (p *Processor) maybeCaptureForRedetectLocked(rtpTS uint32, samples []complex64) {
	if p.anchor == nil || len(samples) == 0 {
		return
	}
	utcAt := p.anchor.UTCAt(rtpTS)

	if !p.capturing {
		if utcAt.Sub(p.lastRedetectUTC) < p.cfg.RedetectInterval {
			return
		}
		secsIntoMinute := math.Mod(utcAt.Sub(p.anchor.UTC).Seconds(), 60)
		if secsIntoMinute < 0 {
			secsIntoMinute += 60
		}
		if secsIntoMinute > float64(p.captureWantLen)/float64(p.cfg.SampleRate) {
			return // wait for the next minute to start before capturing
		}
		p.capturing = true
		p.captureStartRTP = rtpTS
		p.captureBuf = p.captureBuf[:0]
	}

	p.captureBuf = append(p.captureBuf, samples...)
	if len(p.captureBuf) < p.captureWantLen {
		return
	}

	p.runRedetectLocked()
	p.capturing = false
	p.lastRedetectUTC = utcAt
}

// runRedetectLocked runs the same tone-onset detector the startup path
// uses over the captured window and, on success, replaces the
// re-detection candidate. A miss leaves the previous candidate (if any)
// in place; it is retried at the next interval. Caller holds p.mu.
func (p *Processor) runRedetectLocked() {
	targetHz, toneSeconds := p.cfg.toneParams()
	result, ok := tonedetect.Detect(p.captureBuf, tonedetect.Config{
		SampleRate:  p.cfg.SampleRate,
		TargetHz:    targetHz,
		ToneSeconds: toneSeconds,
	})
	if !ok {
		return
	}
	onsetRTP := p.captureStartRTP + uint32(result.SampleOffset)
	c := anchor.Anchor{
		RTPTimestamp: onsetRTP,
		UTC:          p.anchor.UTCAt(onsetRTP),
		SampleRate:   p.cfg.SampleRate,
		SourceKind:   anchor.SourceToneOnset,
		Confidence:   result.Confidence,
		Station:      p.anchor.Station,
	}
	p.candidate = &c
}

func signedDelta32(a, b uint32) uint32 {
	d := int64(a) - int64(b)
	if d < 0 {
		d += 1 << 32
	}
	return uint32(d)
}
