// Package metrics exposes Prometheus counters/gauges for both services and
// pushes them to an optional Pushgateway on an interval. There is
// deliberately no local HTTP listener (spec.md Non-goals: no metrics
// scrape endpoint) — the only export path is the push, following the
// teacher's prometheus.go StartPushgatewayWorker/pushToGateway shape
// (push.New(url, job).Gatherer(...).BasicAuth(...).Grouping(...).Push()).
package metrics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushConfig configures the optional Pushgateway export.
type PushConfig struct {
	Enabled  bool
	URL      string
	Job      string
	Instance string
	Username string
	Password string
	Interval time.Duration
}

func (c PushConfig) withDefaults() PushConfig {
	if c.Job == "" {
		c.Job = "wwvrecorder"
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	return c
}

// pusher is the shared Pushgateway-export half of both collector sets,
// grounded on the teacher's pushgatewayPushesTotal/Success/Failures/LastPush
// counter family and its push-immediately-then-tick worker.
type pusher struct {
	registry *prometheus.Registry

	pushesTotal   prometheus.Counter
	successTotal  prometheus.Counter
	failuresTotal prometheus.Counter
	lastPushTime  prometheus.Gauge
}

func newPusher(reg *prometheus.Registry, factory promauto.Factory, namePrefix string) pusher {
	return pusher{
		registry: reg,
		pushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: namePrefix + "_pushgateway_pushes_total",
			Help: "Total push attempts to the Pushgateway.",
		}),
		successTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: namePrefix + "_pushgateway_success_total",
			Help: "Total successful pushes to the Pushgateway.",
		}),
		failuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: namePrefix + "_pushgateway_failures_total",
			Help: "Total failed pushes to the Pushgateway.",
		}),
		lastPushTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: namePrefix + "_pushgateway_last_push_timestamp",
			Help: "Unix timestamp of the last successful push.",
		}),
	}
}

// startPushWorker periodically pushes the registry to the Pushgateway
// until ctx is cancelled: push immediately, then on every tick.
func (p *pusher) startPushWorker(ctx context.Context, cfg PushConfig) {
	cfg = cfg.withDefaults()
	if !cfg.Enabled {
		return
	}
	if cfg.URL == "" || cfg.Instance == "" {
		log.Println("metrics: pushgateway not fully configured (url or instance missing), skipping push worker")
		return
	}

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		p.push(cfg)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.push(cfg)
			}
		}
	}()
}

func (p *pusher) push(cfg PushConfig) {
	p.pushesTotal.Inc()
	if err := p.pushToGateway(cfg); err != nil {
		p.failuresTotal.Inc()
		log.Printf("metrics: push to pushgateway failed: %v", err)
		return
	}
	p.successTotal.Inc()
	p.lastPushTime.Set(float64(time.Now().Unix()))
}

func (p *pusher) pushToGateway(cfg PushConfig) error {
	gwPusher := push.New(cfg.URL, cfg.Job).Gatherer(p.registry)
	if cfg.Username != "" {
		gwPusher = gwPusher.BasicAuth(cfg.Username, cfg.Password)
	}
	gwPusher = gwPusher.Grouping("instance", cfg.Instance)

	if err := gwPusher.Push(); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// Registry exposes the underlying registry, primarily for tests that want
// to gather and assert on collected samples.
func (p *pusher) Registry() *prometheus.Registry { return p.registry }

// Recorder holds the core-recorder's metric collectors (spec.md §4.6).
type Recorder struct {
	pusher

	packetsTotal     *prometheus.CounterVec
	gapsTotal        *prometheus.CounterVec
	zeroFilledTotal  *prometheus.CounterVec
	filesWritten     *prometheus.CounterVec
	anchorConfidence *prometheus.GaugeVec
	unknownSSRCTotal prometheus.Counter
	malformedTotal   prometheus.Counter
}

// NewRecorder registers the core-recorder's metric collectors against a
// fresh registry (one per process; made explicit rather than relying on
// the global default registry so a second in-process instance, as in
// tests, doesn't collide on double registration).
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		pusher: newPusher(reg, factory, "wwvrecorder"),
		packetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wwvrecorder_packets_total",
			Help: "Total RTP packets received, by channel.",
		}, []string{"channel"}),
		gapsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wwvrecorder_gaps_total",
			Help: "Total resequencer-detected gaps, by channel.",
		}, []string{"channel"}),
		zeroFilledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wwvrecorder_zero_filled_samples_total",
			Help: "Total zero-filled samples inserted for gaps, by channel.",
		}, []string{"channel"}),
		filesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wwvrecorder_archive_files_written_total",
			Help: "Total minute archive files written, by channel.",
		}, []string{"channel"}),
		anchorConfidence: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wwvrecorder_anchor_confidence",
			Help: "Confidence (0-1) of the channel's current timing anchor.",
		}, []string{"channel", "source"}),
		unknownSSRCTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wwvrecorder_unknown_ssrc_packets_total",
			Help: "Total packets dropped for an SSRC with no configured channel.",
		}),
		malformedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wwvrecorder_malformed_packets_total",
			Help: "Total packets rejected by the RTP parser.",
		}),
	}
}

func (r *Recorder) ObservePacket(channel string) { r.packetsTotal.WithLabelValues(channel).Inc() }
func (r *Recorder) ObserveGap(channel string)     { r.gapsTotal.WithLabelValues(channel).Inc() }
func (r *Recorder) ObserveUnknownSSRC()           { r.unknownSSRCTotal.Inc() }
func (r *Recorder) ObserveMalformed()             { r.malformedTotal.Inc() }

func (r *Recorder) ObserveFileWritten(channel string) {
	r.filesWritten.WithLabelValues(channel).Inc()
}

func (r *Recorder) ObserveZeroFilled(channel string, samples int) {
	r.zeroFilledTotal.WithLabelValues(channel).Add(float64(samples))
}

func (r *Recorder) ObserveAnchor(channel, source string, confidence float64) {
	r.anchorConfidence.WithLabelValues(channel, source).Set(confidence)
}

// StartPushWorker periodically pushes this recorder's registry to the
// Pushgateway until ctx is cancelled.
func (r *Recorder) StartPushWorker(ctx context.Context, cfg PushConfig) {
	r.pusher.startPushWorker(ctx, cfg)
}

// Analytics holds the analytics-service's metric collectors (spec.md §4.10).
type Analytics struct {
	pusher

	filesProcessed   *prometheus.CounterVec
	filesQuarantined *prometheus.CounterVec
	tonesDetected    *prometheus.CounterVec
	gapsLogged       *prometheus.CounterVec
}

// NewAnalytics registers the analytics service's metric collectors.
func NewAnalytics() *Analytics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Analytics{
		pusher: newPusher(reg, factory, "wwvanalytics"),
		filesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wwvanalytics_files_processed_total",
			Help: "Total minute archives successfully processed, by channel.",
		}, []string{"channel"}),
		filesQuarantined: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wwvanalytics_files_quarantined_total",
			Help: "Total minute archives quarantined for failing validation, by channel.",
		}, []string{"channel"}),
		tonesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wwvanalytics_tones_detected_total",
			Help: "Total matched-filter tone detections, by channel and station.",
		}, []string{"channel", "station"}),
		gapsLogged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wwvanalytics_gaps_logged_total",
			Help: "Total discontinuity log rows emitted, by channel.",
		}, []string{"channel"}),
	}
}

func (a *Analytics) ObserveFileProcessed(channel string) {
	a.filesProcessed.WithLabelValues(channel).Inc()
}

func (a *Analytics) ObserveFileQuarantined(channel string) {
	a.filesQuarantined.WithLabelValues(channel).Inc()
}

func (a *Analytics) ObserveToneDetected(channel, station string) {
	a.tonesDetected.WithLabelValues(channel, station).Inc()
}

func (a *Analytics) ObserveGapLogged(channel string) {
	a.gapsLogged.WithLabelValues(channel).Inc()
}

// StartPushWorker periodically pushes this collector's registry to the
// Pushgateway until ctx is cancelled.
func (a *Analytics) StartPushWorker(ctx context.Context, cfg PushConfig) {
	a.pusher.startPushWorker(ctx, cfg)
}
