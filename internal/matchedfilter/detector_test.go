package matchedfilter

import (
	"math"
	"math/rand"
	"testing"
)

// synthMinute builds a 60s buffer at sampleRate with optional WWV and WWVH
// tone bursts starting at the given onset offsets (in seconds from the
// start of the buffer). Use a negative onset to omit a station.
func synthMinute(sampleRate int, wwvOnsetSec, wwvhOnsetSec float64) []complex64 {
	n := 60 * sampleRate
	rng := rand.New(rand.NewSource(7))
	out := make([]complex64, n)
	for i := range out {
		out[i] = complex(float32(rng.NormFloat64()*0.005), float32(rng.NormFloat64()*0.005))
	}
	addTone := func(onsetSec, durSec, freqHz float64) {
		if onsetSec < 0 {
			return
		}
		start := int(onsetSec * float64(sampleRate))
		dur := int(durSec * float64(sampleRate))
		for i := 0; i < dur && start+i < n; i++ {
			t := float64(i) / float64(sampleRate)
			v := 0.9 * math.Sin(2*math.Pi*freqHz*t)
			out[start+i] += complex(float32(v), 0)
		}
	}
	addTone(wwvOnsetSec, 0.8, 1000)
	addTone(wwvhOnsetSec, 0.8, 1200)
	return out
}

func TestDetectWWVOnly(t *testing.T) {
	const sampleRate = 16000
	buf := synthMinute(sampleRate, 0.003, -1)

	result := Detect(buf, sampleRate, Config{})
	if len(result.Detections) != 1 {
		t.Fatalf("got %d detections, want 1: %+v", len(result.Detections), result.Detections)
	}
	d := result.Detections[0]
	if d.Station != StationWWV {
		t.Fatalf("station = %s, want WWV", d.Station)
	}
	if !d.UseForTimeSnap {
		t.Fatal("WWV detection must have UseForTimeSnap = true")
	}
	if math.Abs(d.OnsetSeconds-0.003) > 0.01 {
		t.Fatalf("onset = %.4fs, want ~0.003s", d.OnsetSeconds)
	}
	if result.DifferentialDelaySeconds != nil {
		t.Fatal("no WWVH present, differential delay must be nil")
	}
}

// S5 from spec.md: WWV at 0.003s, WWVH at 0.018s -> +15ms differential delay.
func TestDetectWWVAndWWVHDifferentialDelay(t *testing.T) {
	const sampleRate = 16000
	buf := synthMinute(sampleRate, 0.003, 0.018)

	result := Detect(buf, sampleRate, Config{})
	if len(result.Detections) != 2 {
		t.Fatalf("got %d detections, want 2: %+v", len(result.Detections), result.Detections)
	}

	var wwv, wwvh *Detection
	for i := range result.Detections {
		switch result.Detections[i].Station {
		case StationWWV:
			wwv = &result.Detections[i]
		case StationWWVH:
			wwvh = &result.Detections[i]
		}
	}
	if wwv == nil || wwvh == nil {
		t.Fatalf("expected both WWV and WWVH detections: %+v", result.Detections)
	}
	if wwvh.UseForTimeSnap {
		t.Fatal("WWVH must never be use_for_time_snap")
	}
	if result.DifferentialDelaySeconds == nil {
		t.Fatal("expected a differential delay")
	}
	gotMs := *result.DifferentialDelaySeconds * 1000
	if math.Abs(gotMs-15) > 3 {
		t.Fatalf("differential delay = %.2fms, want ~15ms", gotMs)
	}
}

func TestDetectNoToneEmitsNothing(t *testing.T) {
	const sampleRate = 16000
	buf := synthMinute(sampleRate, -1, -1)

	result := Detect(buf, sampleRate, Config{})
	if len(result.Detections) != 0 {
		t.Fatalf("expected zero detections in pure noise, got %d", len(result.Detections))
	}
	if result.DifferentialDelaySeconds != nil {
		t.Fatal("expected no differential delay without any detections")
	}
}
