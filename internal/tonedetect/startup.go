// Package tonedetect implements the startup tone-onset detector (spec.md
// §4.3): given a buffered span of samples covering at least one minute
// mark, it locates the rising edge of a clean WWV/WWVH/CHU tone with
// sub-sample precision.
//
// The detector follows the same narrowband-filter -> envelope -> threshold
// shape as the teacher's Goertzel-based CW envelope detector
// (audio_extensions/morse/signal_processing.go), reused here against the
// minute-mark tone frequency instead of a Morse tone.
package tonedetect

import (
	"math"
	"sort"
)

// Config parameterizes one onset search.
type Config struct {
	SampleRate    int     // samples/sec of the input buffer
	TargetHz      float64 // 1000 for WWV/CHU, 1200 for WWVH
	ToneSeconds   float64 // expected elevated-envelope duration: 0.8s WWV/WWVH, 0.5s CHU
	MinSNRdB      float64 // minimum matched-filter SNR over noise floor, default 3.0
	BlockSamples  int     // Goertzel block size; 0 selects ~1ms (SampleRate/1000, min 8)
}

func (c Config) withDefaults() Config {
	if c.MinSNRdB == 0 {
		c.MinSNRdB = 3.0
	}
	if c.BlockSamples <= 0 {
		c.BlockSamples = c.SampleRate / 1000
		if c.BlockSamples < 8 {
			c.BlockSamples = 8
		}
	}
	return c
}

// Result is a successful onset detection.
type Result struct {
	// SampleOffset is the sub-sample onset position, in samples from the
	// start of the input buffer (fractional, refined by parabolic
	// interpolation per spec.md §4.3 step 5).
	SampleOffset float64
	SNRdB        float64
	// Confidence is the normalized SNR margin, capped at 0.95 for tone
	// sources (spec.md §4.3).
	Confidence float64
}

// Detect searches samples for a single clean rising edge of the configured
// tone. It reports false if no onset clears the validation thresholds.
func Detect(samples []complex64, cfg Config) (Result, bool) {
	cfg = cfg.withDefaults()
	blockSize := cfg.BlockSamples
	numBlocks := len(samples) / blockSize
	toneBlocks := int(cfg.ToneSeconds * float64(cfg.SampleRate) / float64(blockSize))
	if numBlocks < toneBlocks*2+3 || toneBlocks < 1 {
		return Result{}, false
	}

	envelope := goertzelEnvelope(samples, blockSize, numBlocks, cfg.SampleRate, cfg.TargetHz)
	noise := percentile(envelope, 10)
	if noise < 1e-12 {
		noise = 1e-12
	}
	thresholdRatio := math.Pow(10, cfg.MinSNRdB/10)
	threshold := noise * thresholdRatio

	deriv := make([]float64, numBlocks)
	for i := 1; i < numBlocks; i++ {
		deriv[i] = envelope[i] - envelope[i-1]
	}

	bestBlock := -1
	bestDeriv := 0.0
	for i := 1; i < numBlocks-toneBlocks-1; i++ {
		if envelope[i] < threshold {
			continue
		}
		if !elevatedFor(envelope, i, toneBlocks, threshold/2) {
			continue
		}
		if deriv[i] > bestDeriv {
			bestDeriv = deriv[i]
			bestBlock = i
		}
	}
	if bestBlock < 0 {
		return Result{}, false
	}

	frac := parabolicRefine(deriv, bestBlock)
	peakEnv := envelope[bestBlock]
	snrDB := 10 * math.Log10(peakEnv/noise)
	if snrDB < cfg.MinSNRdB {
		return Result{}, false
	}

	confidence := (snrDB - cfg.MinSNRdB) / 20.0
	if confidence > 0.95 {
		confidence = 0.95
	}
	if confidence < 0 {
		confidence = 0
	}

	return Result{
		SampleOffset: (float64(bestBlock) + frac) * float64(blockSize),
		SNRdB:        snrDB,
		Confidence:   confidence,
	}, true
}

// elevatedFor reports whether the envelope stays above minLevel for the
// tone's expected duration starting at block start (spec.md §4.3 step 4).
func elevatedFor(envelope []float64, start, length int, minLevel float64) bool {
	end := start + length
	if end > len(envelope) {
		return false
	}
	sum := 0.0
	for i := start; i < end; i++ {
		sum += envelope[i]
	}
	return sum/float64(length) >= minLevel
}

// parabolicRefine fits a parabola across deriv[peak-1], deriv[peak],
// deriv[peak+1] and returns the fractional offset of the true maximum
// relative to peak, in [-0.5, 0.5] (spec.md §4.3 step 5).
func parabolicRefine(deriv []float64, peak int) float64 {
	if peak <= 0 || peak >= len(deriv)-1 {
		return 0
	}
	y0, y1, y2 := deriv[peak-1], deriv[peak], deriv[peak+1]
	denom := y0 - 2*y1 + y2
	if denom == 0 {
		return 0
	}
	return 0.5 * (y0 - y2) / denom
}

// goertzelEnvelope computes, per block, the Goertzel magnitude-squared of
// the sample magnitude at targetHz -- a combined narrowband-filter +
// envelope estimate, following the teacher's GoertzelFilter shape.
func goertzelEnvelope(samples []complex64, blockSize, numBlocks, sampleRate int, targetHz float64) []float64 {
	k := 0.5 + float64(blockSize)*targetHz/float64(sampleRate)
	omega := 2 * math.Pi * k / float64(blockSize)
	coeff := 2 * math.Cos(omega)
	sinOmega := math.Sin(omega)
	cosOmega := math.Cos(omega)

	out := make([]float64, numBlocks)
	for b := 0; b < numBlocks; b++ {
		var s1, s2 float64
		base := b * blockSize
		for i := 0; i < blockSize; i++ {
			mag := cmplxAbs(samples[base+i])
			s0 := mag + coeff*s1 - s2
			s2 = s1
			s1 = s0
		}
		real := s1*cosOmega - s2
		imag := s1 * sinOmega
		magSq := real*real + imag*imag
		out[b] = magSq / float64(blockSize*blockSize)
	}
	return out
}

func cmplxAbs(c complex64) float64 {
	r, i := float64(real(c)), float64(imag(c))
	return math.Sqrt(r*r + i*i)
}

// percentile returns the p-th percentile (0-100) of data without mutating it.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * p / 100.0)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
