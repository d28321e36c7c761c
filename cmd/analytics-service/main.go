// Command analytics-service runs one polling worker per configured
// channel, consuming minute archives written by core-recorder and
// producing quality, discrimination, and decimated data products
// (spec.md §4.10).
//
// Flag parsing and signal handling follow the same pattern as
// cmd/core-recorder, grounded on the teacher's clients/iq-recorder/main.go.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/cwsl/wwvrecorder/internal/analyticssvc"
	"github.com/cwsl/wwvrecorder/internal/config"
	"github.com/cwsl/wwvrecorder/internal/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("analytics-service: %v", err)
	}

	m := metrics.NewAnalytics()
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

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for _, ch := range cfg.Channels {
		svc, err := analyticssvc.New(analyticssvc.Config{
			Channel:       ch.Name,
			ArchiveDir:    filepath.Join(cfg.Archive.OutputDir, ch.Name),
			DecimatedDir:  filepath.Join(cfg.Analytics.DecimatedDir, ch.Name),
			DerivedDir:    cfg.Analytics.DerivedDir,
			StatePath:     filepath.Join(cfg.Analytics.StateDir, ch.Name+".json"),
			PollInterval:  cfg.Analytics.PollInterval,
			MatchedFilter: cfg.Analytics.MatchedFilter,
			TickFreqHz:    ch.TickFreqHz,
			Metrics:       m,
		})
		if err != nil {
			log.Fatalf("analytics-service[%s]: %v", ch.Name, err)
		}

		wg.Add(1)
		go func(name string, svc *analyticssvc.Service) {
			defer wg.Done()
			defer svc.Close()
			svc.Run(stop)
		}(ch.Name, svc)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Printf("analytics-service: running %d channel worker(s)", len(cfg.Channels))
	<-sigChan
	log.Printf("analytics-service: shutting down")
	close(stop)
	wg.Wait()
}
