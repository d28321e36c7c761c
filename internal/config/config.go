// Package config loads the recorder and analytics services' YAML
// configuration, following the teacher's config.go pattern: a single
// nested Config struct decoded with gopkg.in/yaml.v3, then a pass of
// if-zero-then-default filling rather than a validation library.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwsl/wwvrecorder/internal/matchedfilter"
)

// Config is the top-level configuration shared by both the core-recorder
// and analytics-service binaries. Each binary only reads the sections it
// needs, but both load the same file so a station's channel table never
// drifts between the two processes.
type Config struct {
	Multicast  MulticastConfig  `yaml:"multicast"`
	Channels   []ChannelConfig  `yaml:"channels"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Status     StatusConfig     `yaml:"status"`
	Logging    LoggingConfig    `yaml:"logging"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// MulticastConfig contains the RTP multicast source settings.
type MulticastConfig struct {
	Addr      string `yaml:"addr"`      // e.g. "239.1.2.3:5004"
	Interface string `yaml:"interface"` // network interface name to join on, empty = system default
	// IQPayloadTypes lists the RTP payload type numbers radiod uses for
	// signed-16-bit IQ (dynamic payload type space, locally assigned by
	// the radiod instance's configuration). Packets with any other
	// payload type are rejected by the parser.
	IQPayloadTypes []uint8 `yaml:"iq_payload_types"`
}

// ChannelConfig describes one monitored station channel: its SSRC on the
// multicast group, nominal center frequency, and station identity hint,
// which sets the startup tone detector's frequency and tone duration.
type ChannelConfig struct {
	Name            string  `yaml:"name"` // e.g. "wwv-10mhz"
	SSRC            uint32  `yaml:"ssrc"`
	CenterFreqHz    float64 `yaml:"center_freq_hz"`
	SampleRate      int     `yaml:"sample_rate"`
	StationHint     string  `yaml:"station_hint"` // "WWV", "WWVH", "CHU", or "" if unknown
	StartupDuration int     `yaml:"startup_duration_sec"`
	TickFreqHz      float64 `yaml:"tick_freq_hz"` // 0 disables per-second BCD discrimination for this channel
}

// ArchiveConfig contains minute-archive storage settings for the core
// recorder's output.
type ArchiveConfig struct {
	OutputDir        string `yaml:"output_dir"`
	SamplesPerPacket int    `yaml:"samples_per_packet"`
	BufferDepth      int    `yaml:"buffer_depth"`
}

// AnalyticsConfig contains the analytics service's directories and
// polling/detection settings.
type AnalyticsConfig struct {
	DecimatedDir  string               `yaml:"decimated_dir"`
	DerivedDir    string               `yaml:"derived_dir"`
	StateDir      string               `yaml:"state_dir"`
	PollInterval  time.Duration        `yaml:"poll_interval"`
	MatchedFilter matchedfilter.Config `yaml:"matched_filter"`
}

// StatusConfig controls the periodic JSON status snapshot.
type StatusConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig mirrors the teacher's LoggingConfig: a level and a
// format, both left to the log library to interpret.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PrometheusConfig contains the optional Pushgateway export settings,
// grounded on the teacher's PrometheusConfig/PushgatewayConfig split.
type PrometheusConfig struct {
	Pushgateway PushgatewayConfig `yaml:"pushgateway"`
}

// PushgatewayConfig mirrors the teacher's PushgatewayConfig fields
// (Enabled/URL/Instance/Token), renamed Username/Password here since
// wwvrecorder pushes over a plain Basic Auth pair rather than an
// instance-UUID/token pair issued by a central registry.
type PushgatewayConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Job      string        `yaml:"job"`
	Instance string        `yaml:"instance"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads and parses filename, then fills in defaults for anything
// left zero-valued, the same way the teacher's LoadConfig does.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Multicast.IQPayloadTypes) == 0 {
		c.Multicast.IQPayloadTypes = []uint8{111}
	}

	if c.Archive.OutputDir == "" {
		c.Archive.OutputDir = "archive"
	}
	if c.Archive.SamplesPerPacket == 0 {
		c.Archive.SamplesPerPacket = 160
	}
	if c.Archive.BufferDepth == 0 {
		c.Archive.BufferDepth = 64
	}

	if c.Analytics.DecimatedDir == "" {
		c.Analytics.DecimatedDir = "decimated"
	}
	if c.Analytics.DerivedDir == "" {
		c.Analytics.DerivedDir = "derived"
	}
	if c.Analytics.StateDir == "" {
		c.Analytics.StateDir = "state"
	}
	if c.Analytics.PollInterval <= 0 {
		c.Analytics.PollInterval = 15 * time.Second
	}

	if c.Status.Path == "" {
		c.Status.Path = "status.json"
	}
	if c.Status.Interval <= 0 {
		c.Status.Interval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "wwvrecorder"
	}
	if c.Prometheus.Pushgateway.Interval <= 0 {
		c.Prometheus.Pushgateway.Interval = 60 * time.Second
	}

	for i := range c.Channels {
		if c.Channels[i].SampleRate == 0 {
			c.Channels[i].SampleRate = 16000
		}
		if c.Channels[i].StartupDuration == 0 {
			c.Channels[i].StartupDuration = 120
		}
	}
}

func (c *Config) validate() error {
	if c.Multicast.Addr == "" {
		return fmt.Errorf("multicast.addr is required")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	seen := make(map[uint32]string, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel with ssrc %d has no name", ch.SSRC)
		}
		if other, ok := seen[ch.SSRC]; ok {
			return fmt.Errorf("channel %q and %q both claim ssrc %d", ch.Name, other, ch.SSRC)
		}
		seen[ch.SSRC] = ch.Name
	}

	return nil
}
