package analyticssvc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwsl/wwvrecorder/internal/archive"
	"github.com/cwsl/wwvrecorder/internal/decimator"
)

func writeTestArchive(t *testing.T, dir, channel string, minuteStart time.Time, withGap bool) string {
	t.Helper()
	sampleRate := 16000
	numSamples := sampleRate * 60
	iq := make([]complex64, numSamples)
	for i := range iq {
		iq[i] = complex64(complex(0.01, 0.0))
	}

	var gaps []archive.GapRecord
	zeroFilled := 0
	if withGap {
		gaps = []archive.GapRecord{{BeforeRTPTimestamp: 1000, AfterRTPTimestamp: 1320, ZeroSamples: 320, LostPacketEstimate: 1, SampleOffset: 100}}
		zeroFilled = 320
	}

	header := archive.Header{
		Channel:         channel,
		SSRC:            1,
		SampleRate:      sampleRate,
		FirstRTPTS:      1000,
		NumSamples:      numSamples,
		PacketsReceived: 3000,
		PacketsExpected: 3000,
		GapCount:        len(gaps),
		ZeroFilled:      zeroFilled,
		Gaps:            gaps,
		Anchor: archive.Anchor{
			RTPTimestamp: 1000,
			UTCUnixNanos: minuteStart.UnixNano(),
			SampleRate:   sampleRate,
			Source:       archive.SourceToneOnset,
			Confidence:   0.9,
			Station:      "WWV",
		},
	}

	path, err := archive.WriteAtomic(dir, minuteStart, archive.File{Header: header, IQ: iq})
	if err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	return path
}

func TestProcessFileAdvancesStateAndWritesOutputs(t *testing.T) {
	root := t.TempDir()
	archiveDir := filepath.Join(root, "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		t.Fatal(err)
	}

	minuteStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	writeTestArchive(t, archiveDir, "wwv-10mhz", minuteStart, true)

	cfg := Config{
		Channel:      "wwv-10mhz",
		ArchiveDir:   archiveDir,
		DecimatedDir: filepath.Join(root, "decimated"),
		DerivedDir:   filepath.Join(root, "derived"),
		StatePath:    filepath.Join(root, "state", "wwv-10mhz.json"),
	}
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	svc.pollOnce()

	snap := svc.state.Snapshot()
	if snap.FilesProcessed != 1 {
		t.Fatalf("FilesProcessed = %d, want 1", snap.FilesProcessed)
	}
	if snap.GapsLogged != 1 {
		t.Fatalf("GapsLogged = %d, want 1", snap.GapsLogged)
	}

	qualityPath := filepath.Join(cfg.DerivedDir, "quality", "wwv-10mhz", "2026-03-01-quality.csv")
	if _, err := os.Stat(qualityPath); err != nil {
		t.Fatalf("expected quality CSV: %v", err)
	}
	discontinuityPath := filepath.Join(cfg.DerivedDir, "discontinuities", "wwv-10mhz", "2026-03-01-discontinuities.csv")
	if _, err := os.Stat(discontinuityPath); err != nil {
		t.Fatalf("expected discontinuity CSV: %v", err)
	}

	decimatedEntries, err := os.ReadDir(cfg.DecimatedDir)
	if err != nil || len(decimatedEntries) != 1 {
		t.Fatalf("expected one decimated file, got %v (err %v)", decimatedEntries, err)
	}
	decoded, err := archive.ReadFile(filepath.Join(cfg.DecimatedDir, decimatedEntries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile decimated: %v", err)
	}
	if decoded.Header.SampleRate != 16000/decimator.TotalFactor {
		t.Fatalf("decimated SampleRate = %d, want %d", decoded.Header.SampleRate, 16000/decimator.TotalFactor)
	}

	// A second poll must not reprocess the already-seen file.
	svc.pollOnce()
	snap2 := svc.state.Snapshot()
	if snap2.FilesProcessed != 1 {
		t.Fatalf("FilesProcessed after second poll = %d, want 1 (no reprocessing)", snap2.FilesProcessed)
	}
}

func TestPollOnceSkipsQuarantinedFileAndContinues(t *testing.T) {
	root := t.TempDir()
	archiveDir := filepath.Join(root, "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		t.Fatal(err)
	}

	// A corrupt file that sorts before the valid one.
	if err := os.WriteFile(filepath.Join(archiveDir, "wwv-10mhz_20260228T235900Z.wwva"), []byte("not a valid archive"), 0644); err != nil {
		t.Fatal(err)
	}
	minuteStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	writeTestArchive(t, archiveDir, "wwv-10mhz", minuteStart, false)

	cfg := Config{
		Channel:      "wwv-10mhz",
		ArchiveDir:   archiveDir,
		DecimatedDir: filepath.Join(root, "decimated"),
		DerivedDir:   filepath.Join(root, "derived"),
		StatePath:    filepath.Join(root, "state", "wwv-10mhz.json"),
	}
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	svc.pollOnce()

	snap := svc.state.Snapshot()
	if snap.FilesProcessed != 1 {
		t.Fatalf("FilesProcessed = %d, want 1 (valid file still processed)", snap.FilesProcessed)
	}
	if snap.FilesQuarantined != 1 {
		t.Fatalf("FilesQuarantined = %d, want 1", snap.FilesQuarantined)
	}

	if _, err := os.Stat(filepath.Join(archiveDir, "quarantine", "wwv-10mhz_20260228T235900Z.wwva")); err != nil {
		t.Fatalf("expected corrupt file to be quarantined: %v", err)
	}
}
