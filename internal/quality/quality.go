// Package quality computes per-file completeness/packet-loss metrics
// (spec.md §4.7) and appends them to a per-channel CSV, one file per day,
// following the teacher's chat_logger.go rotation idiom: open-or-create
// with os.O_APPEND, write a header only for a brand-new file, flush after
// every row.
package quality

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwsl/wwvrecorder/internal/archive"
)

// Record is one minute archive's quality metrics.
type Record struct {
	UTCMinute         time.Time
	Channel           string
	CompletenessPct   float64
	PacketLossPct     float64
	GapCount          int
	LargestGapSamples int
	Truncated         bool
}

// Analyze computes a Record from a decoded minute archive (spec.md §4.7).
// It has no side effects on the archive itself.
func Analyze(channel string, f archive.File) Record {
	expected := f.Header.SampleRate * 60

	completeness := 100.0
	if expected > 0 {
		completeness = float64(expected-f.Header.ZeroFilled) / float64(expected) * 100
	}

	packetLoss := 0.0
	if f.Header.PacketsExpected > 0 {
		packetLoss = float64(f.Header.PacketsExpected-f.Header.PacketsReceived) / float64(f.Header.PacketsExpected) * 100
	}

	largest := 0
	for _, g := range f.Header.Gaps {
		if g.ZeroSamples > largest {
			largest = g.ZeroSamples
		}
	}

	utcMinute := time.Unix(0, f.Header.Anchor.UTCUnixNanos).UTC()
	if f.Header.SampleRate > 0 {
		deltaSamples := int64(f.Header.FirstRTPTS) - int64(f.Header.Anchor.RTPTimestamp)
		utcMinute = time.Unix(0, f.Header.Anchor.UTCUnixNanos).UTC().Add(
			time.Duration(float64(deltaSamples) / float64(f.Header.SampleRate) * float64(time.Second)),
		)
	}

	return Record{
		UTCMinute:         utcMinute,
		Channel:           channel,
		CompletenessPct:   completeness,
		PacketLossPct:     packetLoss,
		GapCount:          f.Header.GapCount,
		LargestGapSamples: largest,
		Truncated:         f.Header.Truncated,
	}
}

// CSVWriter appends Records to a per-channel, per-day rotating CSV file.
type CSVWriter struct {
	baseDir string

	mu         sync.Mutex
	openFile   *os.File
	csvWriter  *csv.Writer
	currentDay string
}

// NewCSVWriter creates a writer rooted at baseDir (one subdirectory per
// channel, one file per day, as in chat_logger.go's date-based rotation).
func NewCSVWriter(baseDir string) *CSVWriter {
	return &CSVWriter{baseDir: baseDir}
}

// Append writes one quality record, rotating to a new day's file as needed.
func (w *CSVWriter) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	writer, err := w.getOrCreateWriter(r.Channel, r.UTCMinute)
	if err != nil {
		return err
	}

	record := []string{
		r.UTCMinute.Format(time.RFC3339),
		r.Channel,
		fmt.Sprintf("%.4f", r.CompletenessPct),
		fmt.Sprintf("%.4f", r.PacketLossPct),
		fmt.Sprintf("%d", r.GapCount),
		fmt.Sprintf("%d", r.LargestGapSamples),
		fmt.Sprintf("%t", r.Truncated),
	}
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("quality: write row: %w", err)
	}
	writer.Flush()
	return writer.Error()
}

func (w *CSVWriter) getOrCreateWriter(channel string, ts time.Time) (*csv.Writer, error) {
	dateStr := ts.Format("2006-01-02")
	key := channel + "_" + dateStr
	if w.currentDay == key {
		return w.csvWriter, nil
	}

	if w.openFile != nil {
		w.csvWriter.Flush()
		w.openFile.Close()
	}

	dirPath := filepath.Join(w.baseDir, channel)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("quality: mkdir %s: %w", dirPath, err)
	}

	filename := filepath.Join(dirPath, dateStr+"-quality.csv")
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("quality: open %s: %w", filename, err)
	}
	stat, _ := file.Stat()
	needsHeader := stat.Size() == 0

	writer := csv.NewWriter(file)
	w.openFile = file
	w.csvWriter = writer
	w.currentDay = key

	if needsHeader {
		header := []string{"utc_minute", "channel", "completeness_pct", "packet_loss_pct", "gap_count", "largest_gap_samples", "truncated"}
		if err := writer.Write(header); err != nil {
			return nil, fmt.Errorf("quality: write header: %w", err)
		}
		writer.Flush()
	}
	return writer, nil
}

// Close flushes and closes the currently open file, if any.
func (w *CSVWriter) Close() error {
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
