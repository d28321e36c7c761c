// Package archive implements the minute archive container (spec.md §3/§6):
// a small self-describing binary format carrying one minute's IQ samples
// plus the embedded timing anchor and gap records. It is the Go-native
// equivalent of a compressed .npz: magic + version, a JSON header of named
// scalar fields and the gap records, then the zstd-compressed raw IQ
// sample array.
//
// Writes follow the teacher's temp-file-then-rename pattern
// (cwskimmer_metrics_summary.go's saveSummary), extended with an fsync
// before rename so a concurrent reader never observes a partially written
// file even across a crash.
package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// Magic identifies this container format on disk.
const Magic = "WWVA"

// Version is the container format version written by this package.
const Version uint32 = 1

// AnchorSourceKind is the precision-ordered source of a timing anchor.
type AnchorSourceKind string

const (
	SourceToneOnset AnchorSourceKind = "tone_onset"
	SourceNTP       AnchorSourceKind = "ntp"
	SourceWallClock AnchorSourceKind = "wall_clock"
)

// Anchor is the embedded, immutable timing anchor (spec.md §3).
type Anchor struct {
	RTPTimestamp uint32           `json:"rtp_timestamp"`
	UTCUnixNanos int64            `json:"utc_unix_nanos"`
	SampleRate   int              `json:"sample_rate"`
	Source       AnchorSourceKind `json:"source"`
	Confidence   float64          `json:"confidence"`
	Station      string           `json:"station"`
}

// GapRecord describes one zero-filled discontinuity within the file.
type GapRecord struct {
	BeforeRTPTimestamp uint32 `json:"before_rtp_timestamp"`
	AfterRTPTimestamp  uint32 `json:"after_rtp_timestamp"`
	ZeroSamples        int    `json:"zero_samples"`
	LostPacketEstimate int    `json:"lost_packet_estimate"`
	SampleOffset       int    `json:"sample_offset"`
}

// Header is the JSON-encoded scalar/metadata portion of a Minute Archive.
type Header struct {
	Channel         string      `json:"channel"`
	SSRC            uint32      `json:"ssrc"`
	CenterFreqHz    float64     `json:"center_freq_hz"`
	SampleRate      int         `json:"sample_rate"`
	FirstRTPTS      uint32      `json:"first_rtp_timestamp"`
	NumSamples      int         `json:"num_samples"`
	PacketsReceived int         `json:"packets_received"`
	PacketsExpected int         `json:"packets_expected"`
	GapCount        int         `json:"gap_count"`
	ZeroFilled      int         `json:"zero_filled_samples"`
	Truncated       bool        `json:"truncated"`
	Anchor          Anchor      `json:"anchor"`
	Gaps            []GapRecord `json:"gaps"`
}

// File is a fully decoded Minute Archive.
type File struct {
	Header Header
	IQ     []complex64
}

// Encode serializes f into the on-disk container format.
func Encode(f File) ([]byte, error) {
	if len(f.IQ) != f.Header.NumSamples {
		return nil, fmt.Errorf("archive: header NumSamples=%d does not match %d IQ samples", f.Header.NumSamples, len(f.IQ))
	}

	headerJSON, err := json.Marshal(f.Header)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal header: %w", err)
	}

	raw := encodeIQ(f.IQ)
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("archive: new zstd writer: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("archive: close zstd writer: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(Magic)
	binary.Write(&buf, binary.BigEndian, Version)
	binary.Write(&buf, binary.BigEndian, uint32(len(headerJSON)))
	buf.Write(headerJSON)
	binary.Write(&buf, binary.BigEndian, uint32(len(compressed)))
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// Decode parses the on-disk container format, validating the schema of
// every field per spec.md §9 ("an implementation MUST fix the type of
// every archive field ... and verify on read; archives violating the
// schema are quarantined").
func Decode(data []byte) (File, error) {
	if len(data) < len(Magic)+8 {
		return File{}, fmt.Errorf("archive: truncated header")
	}
	if string(data[:len(Magic)]) != Magic {
		return File{}, fmt.Errorf("archive: bad magic %q", data[:len(Magic)])
	}
	r := bytes.NewReader(data[len(Magic):])

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return File{}, fmt.Errorf("archive: read version: %w", err)
	}
	if version != Version {
		return File{}, fmt.Errorf("archive: unsupported version %d", version)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return File{}, fmt.Errorf("archive: read header length: %w", err)
	}
	headerJSON := make([]byte, headerLen)
	if _, err := r.Read(headerJSON); err != nil {
		return File{}, fmt.Errorf("archive: read header: %w", err)
	}

	var header Header
	dec := json.NewDecoder(bytes.NewReader(headerJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&header); err != nil {
		return File{}, fmt.Errorf("archive: decode header (schema violation): %w", err)
	}
	if err := validateHeader(header); err != nil {
		return File{}, fmt.Errorf("archive: invalid header: %w", err)
	}

	var bodyLen uint32
	if err := binary.Read(r, binary.BigEndian, &bodyLen); err != nil {
		return File{}, fmt.Errorf("archive: read body length: %w", err)
	}
	compressed := make([]byte, bodyLen)
	if _, err := r.Read(compressed); err != nil {
		return File{}, fmt.Errorf("archive: read body: %w", err)
	}

	dec2, err := zstd.NewReader(nil)
	if err != nil {
		return File{}, fmt.Errorf("archive: new zstd reader: %w", err)
	}
	defer dec2.Close()
	raw, err := dec2.DecodeAll(compressed, nil)
	if err != nil {
		return File{}, fmt.Errorf("archive: zstd decode: %w", err)
	}

	iq, err := decodeIQ(raw, header.NumSamples)
	if err != nil {
		return File{}, fmt.Errorf("archive: decode IQ: %w", err)
	}

	return File{Header: header, IQ: iq}, nil
}

func validateHeader(h Header) error {
	if h.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", h.SampleRate)
	}
	if h.NumSamples < 0 {
		return fmt.Errorf("num_samples must be non-negative, got %d", h.NumSamples)
	}
	if h.Anchor.SampleRate <= 0 {
		return fmt.Errorf("anchor.sample_rate must be positive, got %d", h.Anchor.SampleRate)
	}
	switch h.Anchor.Source {
	case SourceToneOnset, SourceNTP, SourceWallClock:
	default:
		return fmt.Errorf("anchor.source has unrecognized value %q", h.Anchor.Source)
	}
	if h.Anchor.Confidence < 0 || h.Anchor.Confidence > 1 {
		return fmt.Errorf("anchor.confidence out of [0,1]: %v", h.Anchor.Confidence)
	}
	var zeroSum int
	for _, g := range h.Gaps {
		zeroSum += g.ZeroSamples
	}
	if zeroSum != h.ZeroFilled {
		return fmt.Errorf("gap zero_samples sum %d does not match header ZeroFilled %d", zeroSum, h.ZeroFilled)
	}
	if len(h.Gaps) != h.GapCount {
		return fmt.Errorf("len(gaps)=%d does not match header GapCount=%d", len(h.Gaps), h.GapCount)
	}
	return nil
}

// encodeIQ packs complex64 samples as interleaved big-endian float32 pairs.
func encodeIQ(samples []complex64) []byte {
	buf := make([]byte, 8*len(samples))
	for i, s := range samples {
		binary.BigEndian.PutUint32(buf[i*8:], math.Float32bits(real(s)))
		binary.BigEndian.PutUint32(buf[i*8+4:], math.Float32bits(imag(s)))
	}
	return buf
}

func decodeIQ(raw []byte, numSamples int) ([]complex64, error) {
	if len(raw) != 8*numSamples {
		return nil, fmt.Errorf("raw IQ length %d does not match expected %d bytes for %d samples", len(raw), 8*numSamples, numSamples)
	}
	out := make([]complex64, numSamples)
	for i := range out {
		re := math.Float32frombits(binary.BigEndian.Uint32(raw[i*8:]))
		im := math.Float32frombits(binary.BigEndian.Uint32(raw[i*8+4:]))
		out[i] = complex(re, im)
	}
	return out, nil
}
