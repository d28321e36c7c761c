// Package analyticssvc implements the analytics service loop (spec.md
// §4.10): one worker per channel, polling its archive directory for
// previously-unseen minute files and running each through the quality
// analyzer, matched-filter tone detector, decimator, and discrimination
// emitters, persisting progress after every file so a restart only
// reprocesses uncommitted work.
//
// The poll-process-persist shape is grounded on the worker loop of the
// teacher's decoder_spawner.go (a ticker-driven scan that dispatches
// per-item work and never lets one item's failure stop the loop), adapted
// from managing external decoder subprocesses to managing archive files.
package analyticssvc

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cwsl/wwvrecorder/internal/anchor"
	"github.com/cwsl/wwvrecorder/internal/analyticsstate"
	"github.com/cwsl/wwvrecorder/internal/archive"
	"github.com/cwsl/wwvrecorder/internal/decimator"
	"github.com/cwsl/wwvrecorder/internal/discrimination"
	"github.com/cwsl/wwvrecorder/internal/matchedfilter"
	"github.com/cwsl/wwvrecorder/internal/metrics"
	"github.com/cwsl/wwvrecorder/internal/quality"
)

// Config configures one channel's analytics worker.
type Config struct {
	Channel       string
	ArchiveDir    string
	DecimatedDir  string
	DerivedDir    string // base directory for quality/tone/discontinuity/discrimination CSVs
	StatePath     string
	PollInterval  time.Duration
	MatchedFilter matchedfilter.Config
	// TickFreqHz selects the subcarrier frequency searched for the
	// per-second BCD tick (1000Hz for WWV/CHU, 1200Hz for WWVH); 0
	// disables per-second discrimination output for this channel.
	TickFreqHz float64
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Analytics
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	return c
}

// Service is one channel's analytics worker.
type Service struct {
	cfg   Config
	state *analyticsstate.Store

	qualityWriter       *quality.CSVWriter
	toneWriter          *discrimination.ToneCSVWriter
	discontinuityWriter *discrimination.DiscontinuityCSVWriter
	tickWriter          *discrimination.TickCSVWriter
}

// New constructs a Service, loading any persisted state for cfg.Channel.
func New(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()

	state, err := analyticsstate.Load(cfg.StatePath, cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("analyticssvc: %w", err)
	}

	return &Service{
		cfg:                 cfg,
		state:               state,
		qualityWriter:       quality.NewCSVWriter(filepath.Join(cfg.DerivedDir, "quality")),
		toneWriter:          discrimination.NewToneCSVWriter(filepath.Join(cfg.DerivedDir, "tones")),
		discontinuityWriter: discrimination.NewDiscontinuityCSVWriter(filepath.Join(cfg.DerivedDir, "discontinuities")),
		tickWriter:          discrimination.NewTickCSVWriter(filepath.Join(cfg.DerivedDir, "discrimination")),
	}, nil
}

// Run polls cfg.ArchiveDir at cfg.PollInterval until stop is closed.
func (s *Service) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.pollOnce()
	for {
		select {
		case <-ticker.C:
			s.pollOnce()
		case <-stop:
			return
		}
	}
}

// pollOnce processes every unseen archive file in file-name order
// (spec.md §5: "Analytics processes files per channel in file-name
// (timestamp) order"). An error on one file never stops the others
// (spec.md §4.10 failure semantics).
func (s *Service) pollOnce() {
	entries, err := os.ReadDir(s.cfg.ArchiveDir)
	if err != nil {
		log.Printf("analyticssvc[%s]: read dir %s: %v", s.cfg.Channel, s.cfg.ArchiveDir, err)
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wwva") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if s.state.HasProcessed(name) {
			continue
		}
		if err := s.processFile(name); err != nil {
			log.Printf("analyticssvc[%s]: %s: %v", s.cfg.Channel, name, err)
		}
	}
}

// processFile runs one archive file through the full analytics pipeline
// and persists the resume point on success.
func (s *Service) processFile(name string) error {
	path := filepath.Join(s.cfg.ArchiveDir, name)

	f, err := archive.ReadFile(path) // quarantines malformed archives internally
	if err != nil {
		if qerr := s.state.RecordQuarantined(); qerr != nil {
			log.Printf("analyticssvc[%s]: record quarantine: %v", s.cfg.Channel, qerr)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveFileQuarantined(s.cfg.Channel)
		}
		return err
	}

	a := fromArchiveAnchor(f.Header.Anchor)
	minuteStart := a.UTCAt(f.Header.FirstRTPTS).Truncate(time.Minute)

	qr := quality.Analyze(s.cfg.Channel, f)
	if err := s.qualityWriter.Append(qr); err != nil {
		return fmt.Errorf("quality append: %w", err)
	}

	for _, g := range f.Header.Gaps {
		if err := s.discontinuityWriter.Append(s.cfg.Channel, a, g); err != nil {
			return fmt.Errorf("discontinuity append: %w", err)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveGapLogged(s.cfg.Channel)
		}
	}

	detections, err := s.detectTones(f)
	if err != nil {
		return fmt.Errorf("matched filter: %w", err)
	}
	for _, d := range detections {
		if err := s.toneWriter.Append(s.cfg.Channel, minuteStart, d); err != nil {
			return fmt.Errorf("tone append: %w", err)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveToneDetected(s.cfg.Channel, string(d.Station))
		}
	}

	if s.cfg.TickFreqHz > 0 {
		for _, r := range discrimination.DetectTicks(f.IQ, f.Header.SampleRate, s.cfg.TickFreqHz, minuteStart) {
			if err := s.tickWriter.Append(s.cfg.Channel, r); err != nil {
				return fmt.Errorf("tick append: %w", err)
			}
		}
	}

	if err := s.writeDecimated(f, a); err != nil {
		return fmt.Errorf("decimate: %w", err)
	}

	if err := s.state.RecordProcessed(name, f.Header.Anchor, len(detections), len(f.Header.Gaps)); err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveFileProcessed(s.cfg.Channel)
	}
	return nil
}

func (s *Service) detectTones(f archive.File) ([]matchedfilter.Detection, error) {
	result := matchedfilter.Detect(f.IQ, f.Header.SampleRate, s.cfg.MatchedFilter)
	return result.Detections, nil
}

// writeDecimated emits the 10Hz data product (spec.md §4.10: "a decimated
// output file"), stored as the same self-describing container as the raw
// archive so the embedded anchor travels with it unmodified. The anchor
// and gap bookkeeping are carried forward verbatim; analytics never
// recomputes an anchor (spec.md §4.10).
func (s *Service) writeDecimated(f archive.File, a anchor.Anchor) error {
	decimated, err := decimator.Decimate(f.IQ, f.Header.SampleRate)
	if err != nil {
		return err
	}

	header := f.Header
	header.SampleRate = f.Header.SampleRate / decimator.TotalFactor
	header.NumSamples = len(decimated)

	minuteStart := a.UTCAt(f.Header.FirstRTPTS).Truncate(time.Minute)
	_, err = archive.WriteAtomic(s.cfg.DecimatedDir, minuteStart, archive.File{Header: header, IQ: decimated})
	return err
}

// fromArchiveAnchor converts the serialized archive.Anchor back into the
// anchor.Anchor value type used for UTC/RTP conversions. Analytics only
// ever reads an embedded anchor; it never constructs a new one.
func fromArchiveAnchor(a archive.Anchor) anchor.Anchor {
	return anchor.Anchor{
		RTPTimestamp: a.RTPTimestamp,
		UTC:          time.Unix(0, a.UTCUnixNanos).UTC(),
		SampleRate:   a.SampleRate,
		SourceKind:   anchor.Source(a.Source),
		Confidence:   a.Confidence,
		Station:      anchor.Station(a.Station),
	}
}

// Close flushes and closes all CSV writers owned by the service.
func (s *Service) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{s.qualityWriter, s.toneWriter, s.discontinuityWriter, s.tickWriter} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
