// Package anchor implements the timing anchor ("time_snap") that maps RTP
// timestamps onto UTC (spec.md §3), and the signed-delta arithmetic needed
// to handle 16-bit sequence number and 32-bit RTP timestamp wraparound.
package anchor

import "time"

// Source identifies how an Anchor was established, ordered by precision
// (spec.md §3).
type Source string

const (
	SourceToneOnset Source = "tone_onset"
	SourceNTP       Source = "ntp"
	SourceWallClock Source = "wall_clock"
)

// Station identifies a time-standard broadcast station.
type Station string

const (
	StationWWV     Station = "WWV"
	StationWWVH    Station = "WWVH"
	StationCHU     Station = "CHU"
	StationUnknown Station = ""
)

// Anchor is the immutable (RTP timestamp, UTC timestamp, sample rate,
// source, confidence, station) tuple described in spec.md §3. Once
// constructed it must never be mutated; callers that want a refined
// anchor must build a new one.
type Anchor struct {
	RTPTimestamp uint32
	UTC          time.Time
	SampleRate   int
	SourceKind   Source
	Confidence   float64
	Station      Station
}

// UTCAt returns the UTC time of the sample at RTP timestamp r, using
// signed-delta arithmetic so that 32-bit RTP timestamp wraparound is
// handled transparently (spec.md §3 invariant #4).
func (a Anchor) UTCAt(r uint32) time.Time {
	delta := DeltaRTP(r, a.RTPTimestamp)
	seconds := float64(delta) / float64(a.SampleRate)
	return a.UTC.Add(time.Duration(seconds * float64(time.Second)))
}

// RTPAt returns the RTP timestamp (modulo 2^32) corresponding to utc.
func (a Anchor) RTPAt(utc time.Time) uint32 {
	deltaSeconds := utc.Sub(a.UTC).Seconds()
	deltaSamples := int64(deltaSeconds * float64(a.SampleRate))
	return a.RTPTimestamp + uint32(int32(deltaSamples))
}

// DeltaRTP computes the signed forward distance from b to a over a 32-bit
// wrapping counter: a delta more negative than -(2^31) is reinterpreted as
// forward motion past the wrap (spec.md §4.2).
func DeltaRTP(a, b uint32) int64 {
	return int64(int32(a - b))
}

// DeltaSeq computes the signed forward distance from b to a over a 16-bit
// wrapping sequence number, with the same wraparound rule as DeltaRTP.
func DeltaSeq(a, b uint16) int32 {
	return int32(int16(a - b))
}
