// Command core-recorder joins a radiod multicast group, resequences and
// archives the RTP/IQ stream for each configured channel, and exposes an
// atomic JSON status snapshot plus optional Pushgateway metrics
// (spec.md §4.6).
//
// Flag parsing and signal handling follow the teacher's
// clients/iq-recorder/main.go: stdlib flag, log.Fatal on misconfiguration,
// signal.Notify(os.Interrupt, syscall.SIGTERM) followed by a bounded
// drain on shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwsl/wwvrecorder/internal/config"
	"github.com/cwsl/wwvrecorder/internal/mcast"
	"github.com/cwsl/wwvrecorder/internal/metrics"
	"github.com/cwsl/wwvrecorder/internal/recorder"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration file")
	drainTimeout := flag.Duration("drain-timeout", 10*time.Second, "Maximum time to wait for in-flight channels to flush on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("core-recorder: %v", err)
	}

	addr, err := net.ResolveUDPAddr("udp4", cfg.Multicast.Addr)
	if err != nil {
		log.Fatalf("core-recorder: resolve multicast.addr %q: %v", cfg.Multicast.Addr, err)
	}
	iface, err := mcast.ResolveInterface(cfg.Multicast.Interface)
	if err != nil {
		log.Fatalf("core-recorder: resolve multicast.interface %q: %v", cfg.Multicast.Interface, err)
	}

	channels := make([]recorder.ChannelSpec, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels = append(channels, recorder.ChannelSpec{
			Name:         ch.Name,
			SSRC:         ch.SSRC,
			CenterFreqHz: ch.CenterFreqHz,
			SampleRate:   ch.SampleRate,
			StationHint:  ch.StationHint,
		})
	}

	m := metrics.NewRecorder()
	pushCtx, cancelPush := context.WithCancel(context.Background())
	defer cancelPush()
	m.StartPushWorker(pushCtx, metrics.PushConfig{
		Enabled:  cfg.Prometheus.Pushgateway.Enabled,
		URL:      cfg.Prometheus.Pushgateway.URL,
		Job:      cfg.Prometheus.Pushgateway.Job,
		Instance: cfg.Prometheus.Pushgateway.Instance,
		Username: cfg.Prometheus.Pushgateway.Username,
		Password: cfg.Prometheus.Pushgateway.Password,
		Interval: cfg.Prometheus.Pushgateway.Interval,
	})

	sup, err := recorder.New(recorder.Config{
		MulticastAddr:    addr,
		Interface:        iface,
		Channels:         channels,
		OutputDir:        cfg.Archive.OutputDir,
		StatusPath:       cfg.Status.Path,
		StatusInterval:   cfg.Status.Interval,
		SamplesPerPacket: cfg.Archive.SamplesPerPacket,
		BufferDepth:      cfg.Archive.BufferDepth,
		IQPayloadTypes:   cfg.Multicast.IQPayloadTypes,
		Metrics:          m,
	})
	if err != nil {
		log.Fatalf("core-recorder: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Printf("core-recorder: listening on %s (%d channels)", cfg.Multicast.Addr, len(channels))
	go sup.Run()

	<-sigChan
	log.Printf("core-recorder: shutting down")
	if err := sup.Stop(*drainTimeout); err != nil {
		log.Printf("core-recorder: stop: %v", err)
	}
}
