// Package decimator implements the three-stage 16 kHz -> 10 Hz decimator
// (spec.md §4.9): a coarse boxcar decimate to 400 Hz, a compensation FIR
// that flattens the boxcar's droop, and a sharp Kaiser-windowed lowpass
// FIR that decimates the remaining factor of 40 down to 10 Hz.
//
// Coefficient synthesis follows the windowed-sinc approach with
// gonum.org/v1/gonum/dsp/window's Kaiser window, the same library the
// pack's FFT-based spectral tools (audio_extensions/ft8, audio_extensions/morse)
// draw from for DSP primitives.
package decimator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/window"
)

const (
	stage1Factor = 40 // 16000 Hz -> 400 Hz
	stage3Factor = 40 // 400 Hz -> 10 Hz
	TotalFactor  = stage1Factor * stage3Factor
)

// Decimate converts a 16 kHz IQ buffer to 10 Hz, preserving the UTC of the
// first sample: output[0] corresponds to the same instant as input[0].
func Decimate(samples []complex64, inputRate int) ([]complex64, error) {
	if inputRate <= 0 {
		return nil, fmt.Errorf("decimator: invalid input rate %d", inputRate)
	}
	if len(samples)%stage1Factor != 0 {
		return nil, fmt.Errorf("decimator: input length %d not a multiple of stage-1 factor %d", len(samples), stage1Factor)
	}

	stage1 := boxcarDecimate(samples, stage1Factor)
	rate1 := inputRate / stage1Factor

	comp := compensationFilter(stage1Factor, 21)
	stage2 := applyFIR(stage1, comp)

	cutoffHz := 5.0
	lowpass := kaiserLowpass(cutoffHz, float64(rate1), 90, 1.0)
	stage3 := decimateFIR(stage2, lowpass, stage3Factor)

	return stage3, nil
}

// boxcarDecimate is the coarse CIC-equivalent stage: a plain moving-average
// decimator, factor-for-factor identical to a single-stage CIC filter
// (spec.md §4.9 step 1).
func boxcarDecimate(samples []complex64, factor int) []complex64 {
	n := len(samples) / factor
	out := make([]complex64, n)
	for i := 0; i < n; i++ {
		var sum complex64
		base := i * factor
		for j := 0; j < factor; j++ {
			sum += samples[base+j]
		}
		out[i] = sum / complex(float32(factor), 0)
	}
	return out
}

// compensationFilter designs a short FIR that flattens the passband droop
// introduced by a boxcar decimator of the given stage length, via
// frequency sampling: the ideal gain 1/|boxcar response| is sampled across
// the passband and inverse-transformed into a symmetric FIR (spec.md §4.9
// step 2).
func compensationFilter(stageLen, numTaps int) []float64 {
	if numTaps%2 == 0 {
		numTaps++
	}
	center := numTaps / 2
	const passbandHz = 5.0
	const rate1 = 16000.0 / stage1Factor

	gainAt := func(fHz float64) float64 {
		// Boxcar frequency response at the ORIGINAL (pre-decimation) rate:
		// |H(f)| = |sin(pi f M / fs) / (M sin(pi f / fs))|, fs = 16000 Hz.
		fs := 16000.0
		x := math.Pi * fHz / fs
		num := math.Sin(x * float64(stageLen))
		den := float64(stageLen) * math.Sin(x)
		if math.Abs(den) < 1e-12 {
			return 1.0
		}
		h := math.Abs(num / den)
		if h < 0.05 {
			h = 0.05 // cap the boost near the passband edge
		}
		return 1.0 / h
	}

	const bins = 64
	taps := make([]float64, numTaps)
	for n := 0; n < numTaps; n++ {
		shift := float64(n - center)
		var sum float64
		for k := 0; k <= bins; k++ {
			f := passbandHz * float64(k) / float64(bins)
			g := gainAt(f)
			sum += g * math.Cos(2*math.Pi*f*shift/rate1)
		}
		taps[n] = sum / float64(bins+1)
	}
	normalizeDC(taps)
	return taps
}

// kaiserLowpass designs a linear-phase FIR lowpass with the requested
// cutoff, stopband attenuation (dB), and transition width (Hz), using the
// standard Kaiser-window length/beta formulas.
func kaiserLowpass(cutoffHz, sampleRate, stopbandDB, transitionHz float64) []float64 {
	deltaOmega := 2 * math.Pi * transitionHz / sampleRate
	numTaps := int(math.Ceil((stopbandDB-8)/(2.285*deltaOmega))) + 1
	if numTaps%2 == 0 {
		numTaps++
	}
	if numTaps < 5 {
		numTaps = 5
	}

	var beta float64
	switch {
	case stopbandDB > 50:
		beta = 0.1102 * (stopbandDB - 8.7)
	case stopbandDB >= 21:
		beta = 0.5842*math.Pow(stopbandDB-21, 0.4) + 0.07886*(stopbandDB-21)
	}

	center := (numTaps - 1) / 2
	fc := cutoffHz / sampleRate // normalized cutoff, cycles/sample
	taps := make([]float64, numTaps)
	for n := 0; n < numTaps; n++ {
		m := n - center
		if m == 0 {
			taps[n] = 2 * fc
		} else {
			taps[n] = math.Sin(2*math.Pi*fc*float64(m)) / (math.Pi * float64(m))
		}
	}

	// window.Kaiser.Transform scales a sequence in place by the window; a
	// sequence of ones makes the returned slice the window itself.
	ones := make([]float64, numTaps)
	for i := range ones {
		ones[i] = 1
	}
	win := window.Kaiser{Beta: beta}.Transform(ones)
	for i := range taps {
		taps[i] *= win[i]
	}
	normalizeDC(taps)
	return taps
}

// normalizeDC scales taps so their sum is 1 (unity DC gain).
func normalizeDC(taps []float64) {
	var sum float64
	for _, t := range taps {
		sum += t
	}
	if sum == 0 {
		return
	}
	for i := range taps {
		taps[i] /= sum
	}
}

// applyFIR convolves samples with taps at the same rate (no decimation),
// removing the filter's group delay so the output stays time-aligned with
// the input.
func applyFIR(samples []complex64, taps []float64) []complex64 {
	delay := (len(taps) - 1) / 2
	padded := make([]complex64, len(samples)+2*delay)
	copy(padded[delay:], samples)

	out := make([]complex64, len(samples))
	for i := range out {
		var sum complex64
		for k, tap := range taps {
			sum += padded[i+k] * complex(float32(tap), 0)
		}
		out[i] = sum
	}
	return out
}

// decimateFIR convolves samples with taps and keeps every factor-th output,
// with the group delay removed so decimateFIR(x)[0] aligns with x[0].
func decimateFIR(samples []complex64, taps []float64, factor int) []complex64 {
	delay := (len(taps) - 1) / 2
	padded := make([]complex64, len(samples)+2*delay)
	copy(padded[delay:], samples)

	n := len(samples) / factor
	out := make([]complex64, n)
	for i := 0; i < n; i++ {
		base := i * factor
		var sum complex64
		for k, tap := range taps {
			sum += padded[base+k] * complex(float32(tap), 0)
		}
		out[i] = sum
	}
	return out
}
