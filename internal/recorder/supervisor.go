// Package recorder implements the recorder supervisor (spec.md §4.6): one
// goroutine receiving multicast RTP packets, demuxing by SSRC to the
// owning channel processor, plus a periodic atomic status snapshot and
// cooperative shutdown drain.
//
// The receive-loop/route-by-SSRC shape follows the teacher's
// AudioReceiver.receiveLoop/routeAudio (audio.go): read, parse, look up
// the owner by SSRC, silently ignore unknown SSRCs (other receivers may
// share the multicast group).
package recorder

import (
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwsl/wwvrecorder/internal/channelproc"
	"github.com/cwsl/wwvrecorder/internal/mcast"
	"github.com/cwsl/wwvrecorder/internal/metrics"
	"github.com/cwsl/wwvrecorder/internal/ntpstatus"
	"github.com/cwsl/wwvrecorder/internal/rtppacket"
	"github.com/cwsl/wwvrecorder/internal/status"
)

// ChannelSpec is one entry in the channel table (SSRC -> frequency,
// sample rate, display name).
type ChannelSpec struct {
	Name         string
	SSRC         uint32
	CenterFreqHz float64
	SampleRate   int
	StationHint  string
}

// Config configures a Supervisor.
type Config struct {
	MulticastAddr    *net.UDPAddr
	Interface        *net.Interface
	Channels         []ChannelSpec
	OutputDir        string
	StatusPath       string
	StatusInterval   time.Duration
	SamplesPerPacket int
	BufferDepth      int
	IQPayloadTypes   []uint8

	// Metrics is optional; a nil value disables instrumentation (mirroring
	// the teacher's nil-receiver-guarded PrometheusMetrics).
	Metrics *metrics.Recorder
}

// Supervisor owns the multicast socket and demuxes packets to one
// channelproc.Processor per configured SSRC (spec.md §4.6).
type Supervisor struct {
	cfg       Config
	conn      *net.UDPConn
	parser    *rtppacket.Parser
	ntp       *ntpstatus.Cache
	instance  string
	startedAt time.Time

	mu         sync.RWMutex
	running    bool
	processors map[uint32]*channelproc.Processor
	names      map[uint32]string
	lastGaps   map[uint32]int
	lastZeroes map[uint32]int
	lastFiles  map[uint32]int

	PacketsTotal    uint64
	UnknownSSRC     uint64
	MalformedPacket uint64
}

// New constructs a Supervisor and joins the configured multicast group.
func New(cfg Config) (*Supervisor, error) {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 10 * time.Second
	}
	conn, err := mcast.Listen(mcast.ListenConfig{Addr: cfg.MulticastAddr, Iface: cfg.Interface})
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}

	ntp := ntpstatus.New()
	processors := make(map[uint32]*channelproc.Processor, len(cfg.Channels))
	names := make(map[uint32]string, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		// Each channel gets its own subdirectory so the analytics
		// service's per-channel directory poll never has to filter
		// another channel's files out of its listing.
		processors[ch.SSRC] = channelproc.New(channelproc.Config{
			Channel:          ch.Name,
			SSRC:             ch.SSRC,
			CenterFreqHz:     ch.CenterFreqHz,
			SampleRate:       ch.SampleRate,
			StationHint:      ch.StationHint,
			OutputDir:        filepath.Join(cfg.OutputDir, ch.Name),
			SamplesPerPacket: cfg.SamplesPerPacket,
			BufferDepth:      cfg.BufferDepth,
			NTP:              ntp,
		})
		names[ch.SSRC] = ch.Name
	}

	return &Supervisor{
		cfg:        cfg,
		conn:       conn,
		parser:     rtppacket.NewParser(cfg.IQPayloadTypes),
		ntp:        ntp,
		instance:   uuid.NewString(),
		startedAt:  time.Now(),
		processors: processors,
		names:      names,
		lastGaps:   make(map[uint32]int, len(processors)),
		lastZeroes: make(map[uint32]int, len(processors)),
		lastFiles:  make(map[uint32]int, len(processors)),
		running:    true,
	}, nil
}

// Run blocks in the receive loop until Stop is called, writing status
// snapshots at cfg.StatusInterval.
func (s *Supervisor) Run() {
	statusTicker := time.NewTicker(s.cfg.StatusInterval)
	defer statusTicker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.receiveLoop()
	}()

	for {
		select {
		case <-statusTicker.C:
			if err := s.writeStatus(false); err != nil {
				log.Printf("recorder: status snapshot: %v", err)
			}
		case <-done:
			return
		}
	}
}

// receiveLoop continuously receives and routes RTP packets, mirroring
// AudioReceiver.receiveLoop's read-parse-route shape.
func (s *Supervisor) receiveLoop() {
	buf := make([]byte, 65536)
	for {
		s.mu.RLock()
		running := s.running
		s.mu.RUnlock()
		if !running {
			return
		}

		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.mu.RLock()
			stillRunning := s.running
			s.mu.RUnlock()
			if !stillRunning {
				return
			}
			log.Printf("recorder: read error: %v", err)
			continue
		}

		pkt, err := s.parser.Parse(buf[:n])
		if err != nil {
			s.MalformedPacket++
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.ObserveMalformed()
			}
			continue
		}
		s.PacketsTotal++
		s.route(pkt)
	}
}

// route dispatches a decoded packet to its owning channel processor by
// SSRC, silently dropping unknown SSRCs (other receivers may share the
// multicast group).
func (s *Supervisor) route(pkt rtppacket.Packet) {
	s.mu.RLock()
	proc, ok := s.processors[pkt.SSRC]
	name := s.names[pkt.SSRC]
	s.mu.RUnlock()
	if !ok {
		s.UnknownSSRC++
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveUnknownSSRC()
		}
		return
	}
	proc.Push(pkt.Sequence, pkt.Timestamp, pkt.Samples)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObservePacket(name)
	}
}

// Stop closes the socket, drains in-flight channel processors with a
// bounded timeout, and writes a final status snapshot (spec.md §4.6
// "Shutdown").
func (s *Supervisor) Stop(drainTimeout time.Duration) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.mu.RLock()
		procs := make([]*channelproc.Processor, 0, len(s.processors))
		for _, p := range s.processors {
			procs = append(procs, p)
		}
		s.mu.RUnlock()
		for _, p := range procs {
			if err := p.Stop(); err != nil {
				log.Printf("recorder: channel stop: %v", err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Printf("recorder: shutdown drain timed out after %s; unflushed in-flight data may be lost", drainTimeout)
	}

	return s.writeStatus(true)
}

func (s *Supervisor) writeStatus(final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := status.Snapshot{
		Service:   "core-recorder",
		Version:   1,
		PID:       status.PID(),
		StartedAt: s.startedAt.UTC(),
		Instance:  s.instance,
		Health:    "ok",
	}
	if final {
		snap.Health = "stopped"
	}
	for ssrc, proc := range s.processors {
		name := s.names[ssrc]
		packetsIn, gapsSeen, zeroFilled, filesWritten := proc.Counters()
		ch := status.ChannelStatus{
			Name:         name,
			SSRC:         ssrc,
			State:        proc.State().String(),
			PacketsIn:    packetsIn,
			GapsSeen:     gapsSeen,
			ZeroFilled:   zeroFilled,
			FilesWritten: filesWritten,
		}
		if a, ok := proc.Anchor(); ok {
			ch.AnchorSource = string(a.SourceKind)
			ch.AnchorConfidence = a.Confidence
		}
		if c, ok := proc.Candidate(); ok {
			ch.AnchorCandidateSource = string(c.SourceKind)
			ch.AnchorCandidateConfidence = c.Confidence
		}
		snap.Channels = append(snap.Channels, ch)

		if s.cfg.Metrics != nil {
			if d := gapsSeen - s.lastGaps[ssrc]; d > 0 {
				for i := 0; i < d; i++ {
					s.cfg.Metrics.ObserveGap(name)
				}
			}
			s.lastGaps[ssrc] = gapsSeen
			if d := zeroFilled - s.lastZeroes[ssrc]; d > 0 {
				s.cfg.Metrics.ObserveZeroFilled(name, d)
			}
			s.lastZeroes[ssrc] = zeroFilled
			if d := filesWritten - s.lastFiles[ssrc]; d > 0 {
				for i := 0; i < d; i++ {
					s.cfg.Metrics.ObserveFileWritten(name)
				}
			}
			s.lastFiles[ssrc] = filesWritten
			if ch.AnchorSource != "" {
				s.cfg.Metrics.ObserveAnchor(name, ch.AnchorSource, ch.AnchorConfidence)
			}
		}
	}

	return status.WriteAtomic(s.cfg.StatusPath, snap)
}
