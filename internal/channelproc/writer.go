package channelproc

import (
	"fmt"
	"time"

	"github.com/cwsl/wwvrecorder/internal/anchor"
	"github.com/cwsl/wwvrecorder/internal/archive"
)

// minuteWriter accumulates samples produced by the resequencer and cuts
// them at anchor-derived wall-minute boundaries (spec.md §4.4). All state
// is protected by the owning Processor's single lock: per spec.md §4.4,
// fine-grained locking is forbidden because the sample-count-vs-anchor
// invariant must be checked atomically with the write.
type minuteWriter struct {
	outputDir string
	header    archive.Header
	anchorObj anchor.Anchor

	samplesPerMinute int
	iq               []complex64
	gaps             []archive.GapRecord
	firstRTPTS       uint32
	havePartial      bool
	packetsReceived  int
	packetsExpected  int

	lastFileCount int
}

func newMinuteWriter(outputDir string, cfg Config, a anchor.Anchor) (*minuteWriter, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("channelproc: invalid sample rate %d", cfg.SampleRate)
	}
	return &minuteWriter{
		outputDir:        outputDir,
		anchorObj:        a,
		samplesPerMinute: cfg.SampleRate * 60,
		header: archive.Header{
			Channel:      cfg.Channel,
			SSRC:         cfg.SSRC,
			CenterFreqHz: cfg.CenterFreqHz,
			SampleRate:   cfg.SampleRate,
		},
	}, nil
}

// addSamples appends a contiguous run of samples (with an optional gap
// record preceding them), splitting exactly at any minute boundary
// crossed within the batch (spec.md §4.4).
func (w *minuteWriter) addSamples(rtpTS uint32, samples []complex64, gap *archive.GapRecord) error {
	if !w.havePartial {
		w.firstRTPTS = rtpTS
		w.havePartial = true
	}
	if gap != nil {
		g := *gap
		g.SampleOffset = len(w.iq)
		w.gaps = append(w.gaps, g)
	} else {
		w.packetsReceived++
	}
	w.packetsExpected++

	remaining := samples
	for len(remaining) > 0 {
		room := w.samplesPerMinute - len(w.iq)
		take := room
		if take > len(remaining) {
			take = len(remaining)
		}
		w.iq = append(w.iq, remaining[:take]...)
		remaining = remaining[take:]

		if len(w.iq) == w.samplesPerMinute {
			if err := w.cut(false); err != nil {
				return err
			}
			if len(remaining) > 0 {
				w.firstRTPTS = rtpTS + uint32(len(samples)-len(remaining))
				w.havePartial = true
			}
		}
	}
	return nil
}

// cut writes out the accumulated minute (or partial minute, if truncated)
// and resets accumulation state for the next file.
func (w *minuteWriter) cut(truncated bool) error {
	if len(w.iq) == 0 {
		return nil
	}

	var zeroFilled int
	for _, g := range w.gaps {
		zeroFilled += g.ZeroSamples
	}

	header := w.header
	header.FirstRTPTS = w.firstRTPTS
	header.NumSamples = len(w.iq)
	header.PacketsReceived = w.packetsReceived
	header.PacketsExpected = w.packetsExpected
	header.GapCount = len(w.gaps)
	header.ZeroFilled = zeroFilled
	header.Truncated = truncated
	header.Gaps = w.gaps
	header.Anchor = archive.Anchor{
		RTPTimestamp: w.anchorObj.RTPTimestamp,
		UTCUnixNanos: w.anchorObj.UTC.UnixNano(),
		SampleRate:   w.anchorObj.SampleRate,
		Source:       archive.AnchorSourceKind(w.anchorObj.SourceKind),
		Confidence:   w.anchorObj.Confidence,
		Station:      string(w.anchorObj.Station),
	}

	minuteStart := w.anchorObj.UTCAt(w.firstRTPTS).Truncate(time.Minute)
	if _, err := archive.WriteAtomic(w.outputDir, minuteStart, archive.File{Header: header, IQ: w.iq}); err != nil {
		return fmt.Errorf("channelproc: write minute archive: %w", err)
	}
	w.lastFileCount++

	w.iq = nil
	w.gaps = nil
	w.packetsReceived = 0
	w.packetsExpected = 0
	w.havePartial = false
	// nextRTPTS is whatever the next addSamples call supplies; the archive
	// invariant (first-sample RTP continuity across files) holds because
	// the resequencer never skips timestamps without emitting a Gap.
	return nil
}

// flush writes any partial minute at shutdown, flagged as truncated
// (spec.md §4.4).
func (w *minuteWriter) flush() error {
	if len(w.iq) == 0 {
		return nil
	}
	return w.cut(true)
}
