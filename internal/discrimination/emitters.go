// Package discrimination emits the analytics service's remaining
// per-second/per-gap/per-detection CSV outputs (spec.md §2, §6): the
// discontinuity log, the tone-detection CSV, and the per-second
// tick/BCD-correlation discrimination CSV that distinguishes a clean WWV
// tick train from noise or interference.
//
// All three follow the same rotating-CSV-file idiom as internal/quality,
// itself grounded on the teacher's chat_logger.go.
package discrimination

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwsl/wwvrecorder/internal/anchor"
	"github.com/cwsl/wwvrecorder/internal/archive"
	"github.com/cwsl/wwvrecorder/internal/matchedfilter"
)

// rotatingCSV is the shared one-file-per-channel-per-day writer shape.
type rotatingCSV struct {
	baseDir string
	suffix  string
	header  []string

	mu         sync.Mutex
	openFile   *os.File
	csvWriter  *csv.Writer
	currentKey string
}

func newRotatingCSV(baseDir, suffix string, header []string) *rotatingCSV {
	return &rotatingCSV{baseDir: baseDir, suffix: suffix, header: header}
}

func (w *rotatingCSV) appendRow(channel string, ts time.Time, row []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	writer, err := w.getOrCreateWriter(channel, ts)
	if err != nil {
		return err
	}
	if err := writer.Write(row); err != nil {
		return fmt.Errorf("discrimination: write row: %w", err)
	}
	writer.Flush()
	return writer.Error()
}

func (w *rotatingCSV) getOrCreateWriter(channel string, ts time.Time) (*csv.Writer, error) {
	dateStr := ts.Format("2006-01-02")
	key := channel + "_" + dateStr
	if w.currentKey == key {
		return w.csvWriter, nil
	}
	if w.openFile != nil {
		w.csvWriter.Flush()
		w.openFile.Close()
	}

	dirPath := filepath.Join(w.baseDir, channel)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("discrimination: mkdir %s: %w", dirPath, err)
	}
	filename := filepath.Join(dirPath, dateStr+"-"+w.suffix+".csv")
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("discrimination: open %s: %w", filename, err)
	}
	stat, _ := file.Stat()
	needsHeader := stat.Size() == 0

	writer := csv.NewWriter(file)
	w.openFile = file
	w.csvWriter = writer
	w.currentKey = key

	if needsHeader {
		if err := writer.Write(w.header); err != nil {
			return nil, fmt.Errorf("discrimination: write header: %w", err)
		}
		writer.Flush()
	}
	return writer, nil
}

func (w *rotatingCSV) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.openFile == nil {
		return nil
	}
	w.csvWriter.Flush()
	err := w.openFile.Close()
	w.openFile = nil
	return err
}

// --- Discontinuity log (spec.md §6: "one row per gap") ---

// DiscontinuityCSVWriter appends one row per gap record.
type DiscontinuityCSVWriter struct {
	rc *rotatingCSV
}

func NewDiscontinuityCSVWriter(baseDir string) *DiscontinuityCSVWriter {
	return &DiscontinuityCSVWriter{rc: newRotatingCSV(baseDir, "discontinuities",
		[]string{"utc_gap_start", "duration_ms", "lost_packets", "explanation"})}
}

// Append writes one row for gap, whose sample rate is used to convert the
// zero-fill count into a duration in milliseconds.
func (w *DiscontinuityCSVWriter) Append(channel string, a anchor.Anchor, g archive.GapRecord) error {
	gapStartUTC := a.UTCAt(g.BeforeRTPTimestamp)
	durationMs := float64(g.ZeroSamples) / float64(a.SampleRate) * 1000

	explanation := "reorder buffer overflow"
	if g.LostPacketEstimate == 0 {
		explanation = "zero-length gap"
	}

	row := []string{
		gapStartUTC.Format(time.RFC3339Nano),
		fmt.Sprintf("%.3f", durationMs),
		fmt.Sprintf("%d", g.LostPacketEstimate),
		explanation,
	}
	return w.rc.appendRow(channel, gapStartUTC, row)
}

func (w *DiscontinuityCSVWriter) Close() error { return w.rc.Close() }

// --- Tone-detection CSV (spec.md §6: one row per detected tone) ---

// ToneCSVWriter appends one row per matched-filter tone detection.
type ToneCSVWriter struct {
	rc *rotatingCSV
}

func NewToneCSVWriter(baseDir string) *ToneCSVWriter {
	return &ToneCSVWriter{rc: newRotatingCSV(baseDir, "tones",
		[]string{"utc_minute", "station", "freq_hz", "onset_utc", "snr_db", "use_for_time_snap"})}
}

// Append writes one row for a single detection, given the minute's start UTC.
func (w *ToneCSVWriter) Append(channel string, minuteStartUTC time.Time, d matchedfilter.Detection) error {
	onsetUTC := minuteStartUTC.Add(time.Duration(d.OnsetSeconds * float64(time.Second)))
	row := []string{
		minuteStartUTC.Format(time.RFC3339),
		string(d.Station),
		fmt.Sprintf("%.1f", d.FreqHz),
		onsetUTC.Format(time.RFC3339Nano),
		fmt.Sprintf("%.2f", d.SNRdB),
		fmt.Sprintf("%t", d.UseForTimeSnap),
	}
	return w.rc.appendRow(channel, minuteStartUTC, row)
}

func (w *ToneCSVWriter) Close() error { return w.rc.Close() }

// --- Per-second tick / BCD discrimination CSV ---

// TickRecord is one second's tick-detection/BCD-bit classification.
type TickRecord struct {
	UTCSecond        time.Time
	SecondIndex      int
	TickDetected     bool
	TickSNRdB        float64
	PulseDurationMs  float64
	BCDBit           string // "0", "1", "marker", or "none"
}

// bcdBitFor classifies a WWV/WWVH 100Hz subcarrier pulse duration into a
// BCD bit per the ITU-R TF.768 convention: ~200ms is a 0, ~500ms is a 1,
// ~800ms is a minute/decade marker.
func bcdBitFor(durationMs float64) string {
	switch {
	case durationMs < 50:
		return "none"
	case durationMs < 350:
		return "0"
	case durationMs < 650:
		return "1"
	default:
		return "marker"
	}
}

// DetectTicks scans a full minute buffer (sampled at sampleRate) for the
// once-per-second 1000Hz/1200Hz tick and measures each tick's sustained
// duration for BCD classification. It reuses internal/tonedetect's
// block-wise Goertzel envelope over the sample magnitudes, run one second
// at a time since each second's tick is independent.
func DetectTicks(samples []complex64, sampleRate int, freqHz float64, minuteStartUTC time.Time) []TickRecord {
	secondSamples := sampleRate
	numSeconds := len(samples) / secondSamples

	records := make([]TickRecord, 0, numSeconds)
	for s := 0; s < numSeconds; s++ {
		window := samples[s*secondSamples : (s+1)*secondSamples]
		envelope := tickEnvelope(window, sampleRate, freqHz)
		noise := percentileFloor(envelope, 10)
		if noise < 1e-12 {
			noise = 1e-12
		}

		peak := 0.0
		for _, v := range envelope {
			if v > peak {
				peak = v
			}
		}
		snrdB := 10 * math.Log10(peak/noise)

		threshold := noise * math.Pow(10, 3.0/10)
		durationMs := sustainedMs(envelope, threshold, sampleRate, len(window)/len(envelope))

		records = append(records, TickRecord{
			UTCSecond:       minuteStartUTC.Add(time.Duration(s) * time.Second),
			SecondIndex:     s,
			TickDetected:    snrdB >= 3.0,
			TickSNRdB:       snrdB,
			PulseDurationMs: durationMs,
			BCDBit:          bcdBitFor(durationMs),
		})
	}
	return records
}

// tickEnvelope computes a coarse (1ms-block) Goertzel magnitude-squared
// envelope of the sample magnitude at freqHz, the same shape as
// internal/tonedetect's goertzelEnvelope.
func tickEnvelope(samples []complex64, sampleRate int, freqHz float64) []float64 {
	blockSize := sampleRate / 1000
	if blockSize < 1 {
		blockSize = 1
	}
	numBlocks := len(samples) / blockSize
	if numBlocks == 0 {
		return nil
	}

	k := 0.5 + float64(blockSize)*freqHz/float64(sampleRate)
	omega := 2 * math.Pi * k / float64(blockSize)
	coeff := 2 * math.Cos(omega)
	sinOmega := math.Sin(omega)
	cosOmega := math.Cos(omega)

	out := make([]float64, numBlocks)
	for b := 0; b < numBlocks; b++ {
		var s1, s2 float64
		base := b * blockSize
		for i := 0; i < blockSize; i++ {
			re, im := float64(real(samples[base+i])), float64(imag(samples[base+i]))
			mag := math.Sqrt(re*re + im*im)
			s0 := mag + coeff*s1 - s2
			s2 = s1
			s1 = s0
		}
		real := s1*cosOmega - s2
		imag := s1 * sinOmega
		out[b] = (real*real + imag*imag) / float64(blockSize*blockSize)
	}
	return out
}

func sustainedMs(envelope []float64, threshold float64, sampleRate, blockSize int) float64 {
	longest := 0
	current := 0
	for _, v := range envelope {
		if v >= threshold {
			current++
			if current > longest {
				longest = current
			}
		} else {
			current = 0
		}
	}
	return float64(longest*blockSize) / float64(sampleRate) * 1000
}

func percentileFloor(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(float64(len(sorted)-1) * p / 100.0)
	return sorted[idx]
}

// TickCSVWriter appends one row per second per minute.
type TickCSVWriter struct {
	rc *rotatingCSV
}

func NewTickCSVWriter(baseDir string) *TickCSVWriter {
	return &TickCSVWriter{rc: newRotatingCSV(baseDir, "discrimination",
		[]string{"utc_second", "second_index", "tick_detected", "tick_snr_db", "pulse_duration_ms", "bcd_bit"})}
}

func (w *TickCSVWriter) Append(channel string, r TickRecord) error {
	row := []string{
		r.UTCSecond.Format(time.RFC3339Nano),
		fmt.Sprintf("%d", r.SecondIndex),
		fmt.Sprintf("%t", r.TickDetected),
		fmt.Sprintf("%.2f", r.TickSNRdB),
		fmt.Sprintf("%.2f", r.PulseDurationMs),
		r.BCDBit,
	}
	return w.rc.appendRow(channel, r.UTCSecond, row)
}

func (w *TickCSVWriter) Close() error { return w.rc.Close() }
