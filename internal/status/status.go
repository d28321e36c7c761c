// Package status writes the periodic service status snapshot (spec.md §6):
// one JSON file per service, updated atomically at <=10s intervals,
// intended to be polled by external monitoring with no callers required.
//
// Host load fields are folded in via gopsutil (cpu/load), the same
// library the teacher's admin.go/instance_reporter.go use for host
// health reporting. The write-then-rename discipline follows
// instance_reporter.go's own status file writer.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
)

// ChannelStatus is one channel's entry in a Snapshot.
type ChannelStatus struct {
	Name             string  `json:"name"`
	SSRC             uint32  `json:"ssrc"`
	State            string  `json:"state"`
	PacketsIn        int     `json:"packets_in"`
	GapsSeen         int     `json:"gaps_seen"`
	ZeroFilled       int     `json:"zero_filled_samples"`
	FilesWritten     int     `json:"files_written"`
	AnchorSource     string  `json:"anchor_source,omitempty"`
	AnchorConfidence float64 `json:"anchor_confidence,omitempty"`

	// AnchorCandidateSource/AnchorCandidateConfidence carry the most
	// recent periodic re-detection result (spec.md §9 Open Question
	// decision #1). They are operator visibility only: the writer keeps
	// using AnchorSource/AnchorConfidence for the lifetime of the session.
	AnchorCandidateSource     string  `json:"anchor_candidate_source,omitempty"`
	AnchorCandidateConfidence float64 `json:"anchor_candidate_confidence,omitempty"`
}

// HostHealth carries host-level load figures (spec.md AMBIENT STACK:
// folded in via gopsutil, following admin.go/instance_reporter.go).
type HostHealth struct {
	CPUPercent  float64 `json:"cpu_percent"`
	Load1       float64 `json:"load1"`
	Load5       float64 `json:"load5"`
	Load15      float64 `json:"load15"`
}

// Snapshot is one service's full status document (spec.md §6).
type Snapshot struct {
	Service   string          `json:"service"`
	Version   int             `json:"version"`
	PID       int             `json:"pid"`
	Instance  string          `json:"instance"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Health    string          `json:"health"`
	Host      *HostHealth     `json:"host,omitempty"`
	Channels  []ChannelStatus `json:"channels,omitempty"`
}

// PID returns the current process id, for embedding in a Snapshot.
func PID() int { return os.Getpid() }

// CollectHostHealth samples CPU percent and load averages. Errors from
// either probe are not returned: a failed probe leaves its fields zero,
// and a nil return means neither probe succeeded.
func CollectHostHealth() *HostHealth {
	h := &HostHealth{}
	ok := false
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		h.CPUPercent = pct[0]
		ok = true
	}
	if avg, err := load.Avg(); err == nil {
		h.Load1 = avg.Load1
		h.Load5 = avg.Load5
		h.Load15 = avg.Load15
		ok = true
	}
	if !ok {
		return nil
	}
	return h
}

// WriteAtomic fills in UpdatedAt/Host and writes snap to path via a
// temp-file-then-rename, matching the teacher's atomic status-write
// idiom used throughout the pack (cwskimmer_metrics_summary.go,
// instance_reporter.go).
func WriteAtomic(path string, snap Snapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	if snap.Host == nil {
		snap.Host = CollectHostHealth()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("status: mkdir %s: %w", dir, err)
		}
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("status: write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("status: rename into place: %w", err)
	}
	return nil
}
