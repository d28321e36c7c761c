package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, reg interface {
	Gather() ([]*dto.MetricFamily, error)
}, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		var total float64
		for _, m := range fam.GetMetric() {
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			}
		}
		return total
	}
	t.Fatalf("metric family %s not found", name)
	return 0
}

func TestRecorderObservePacketIncrementsCounter(t *testing.T) {
	r := NewRecorder()
	r.ObservePacket("wwv-10mhz")
	r.ObservePacket("wwv-10mhz")
	r.ObservePacket("wwv-15mhz")

	if got := counterValue(t, r.Registry(), "wwvrecorder_packets_total"); got != 3 {
		t.Fatalf("wwvrecorder_packets_total = %v, want 3", got)
	}
}

func TestRecorderObserveAnchorSetsGauge(t *testing.T) {
	r := NewRecorder()
	r.ObserveAnchor("wwv-10mhz", "tone_onset", 0.95)

	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() != "wwvrecorder_anchor_confidence" {
			continue
		}
		for _, m := range fam.GetMetric() {
			if m.GetGauge().GetValue() == 0.95 {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("expected anchor_confidence gauge = 0.95")
	}
}

func TestAnalyticsObserveFileProcessedIncrementsCounter(t *testing.T) {
	a := NewAnalytics()
	a.ObserveFileProcessed("wwv-10mhz")
	a.ObserveToneDetected("wwv-10mhz", "WWV")

	if got := counterValue(t, a.Registry(), "wwvanalytics_files_processed_total"); got != 1 {
		t.Fatalf("wwvanalytics_files_processed_total = %v, want 1", got)
	}
	if got := counterValue(t, a.Registry(), "wwvanalytics_tones_detected_total"); got != 1 {
		t.Fatalf("wwvanalytics_tones_detected_total = %v, want 1", got)
	}
}

func TestStartPushWorkerSkipsWhenDisabled(t *testing.T) {
	r := NewRecorder()
	// Enabled=false must be a no-op: this must not panic or block, and
	// must return immediately since no goroutine is started.
	r.StartPushWorker(nil, PushConfig{Enabled: false})
}
