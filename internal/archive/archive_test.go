package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleFile(n int) File {
	iq := make([]complex64, n)
	for i := range iq {
		iq[i] = complex(float32(i)*0.001, float32(-i)*0.001)
	}
	return File{
		Header: Header{
			Channel:         "wwv-10mhz",
			SSRC:            12345,
			CenterFreqHz:    10e6,
			SampleRate:      16000,
			FirstRTPTS:      1_000_000,
			NumSamples:      n,
			PacketsReceived: n / 320,
			PacketsExpected: n / 320,
			GapCount:        0,
			ZeroFilled:      0,
			Truncated:       false,
			Anchor: Anchor{
				RTPTimestamp: 1_000_000,
				UTCUnixNanos: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano(),
				SampleRate:   16000,
				Source:       SourceToneOnset,
				Confidence:   0.92,
				Station:      "WWV",
			},
		},
		IQ: iq,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := sampleFile(960000)
	f.Header.GapCount = 1
	f.Header.ZeroFilled = 320
	f.Header.Gaps = []GapRecord{{
		BeforeRTPTimestamp: 1_480_000,
		AfterRTPTimestamp:  1_480_640,
		ZeroSamples:        320,
		LostPacketEstimate: 1,
		SampleOffset:       480000,
	}}

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header.Channel != f.Header.Channel {
		t.Fatalf("channel = %q, want %q", got.Header.Channel, f.Header.Channel)
	}
	if len(got.IQ) != len(f.IQ) {
		t.Fatalf("len(IQ) = %d, want %d", len(got.IQ), len(f.IQ))
	}
	if got.IQ[500] != f.IQ[500] {
		t.Fatalf("IQ[500] = %v, want %v", got.IQ[500], f.IQ[500])
	}
	if got.Header.Anchor != f.Header.Anchor {
		t.Fatalf("anchor = %+v, want %+v", got.Header.Anchor, f.Header.Anchor)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	if _, err := Decode([]byte("NOTAWWVARCHIVEATALL")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeRejectsMismatchedNumSamples(t *testing.T) {
	f := sampleFile(100)
	f.Header.NumSamples = 999 // lie about sample count
	if _, err := Encode(f); err == nil {
		t.Fatal("expected Encode to reject a header/IQ length mismatch")
	}
}

func TestDecodeRejectsBadAnchorSource(t *testing.T) {
	f := sampleFile(10)
	f.Header.Anchor.Source = "made_up_source"
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatal("expected Decode to reject an unrecognized anchor source")
	}
}

func TestDecodeRejectsGapSumMismatch(t *testing.T) {
	f := sampleFile(640)
	f.Header.GapCount = 1
	f.Header.ZeroFilled = 999 // doesn't match the gap record below
	f.Header.Gaps = []GapRecord{{ZeroSamples: 320}}

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatal("expected Decode to reject a zero_filled/gap-sum mismatch")
	}
}

func TestWriteAtomicAndReadFile(t *testing.T) {
	dir := t.TempDir()
	f := sampleFile(960000)
	minuteStart := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	path, err := WriteAtomic(dir, minuteStart, f)
	if err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file should not remain after rename, stat err = %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got.IQ) != len(f.IQ) {
		t.Fatalf("len(IQ) = %d, want %d", len(got.IQ), len(f.IQ))
	}
}

func TestReadFileQuarantinesCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.wwva")
	if err := os.WriteFile(path, []byte("garbage, not a real archive"), 0644); err != nil {
		t.Fatalf("setup WriteFile: %v", err)
	}

	if _, err := ReadFile(path); err == nil {
		t.Fatal("expected ReadFile to return an error for a corrupt archive")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("corrupt file should have been moved out of place, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "quarantine", "broken.wwva")); err != nil {
		t.Fatalf("expected quarantined copy: %v", err)
	}
}
