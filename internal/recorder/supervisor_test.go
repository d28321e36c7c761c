package recorder

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwsl/wwvrecorder/internal/channelproc"
	"github.com/cwsl/wwvrecorder/internal/mcast"
	"github.com/cwsl/wwvrecorder/internal/ntpstatus"
	"github.com/cwsl/wwvrecorder/internal/rtppacket"
)

func newTestSupervisor(t *testing.T, outputDir string) *Supervisor {
	t.Helper()
	ntp := ntpstatus.New()
	proc := channelproc.New(channelproc.Config{
		Channel:    "wwv-10mhz",
		SSRC:       42,
		SampleRate: 16000,
		OutputDir:  outputDir,
		NTP:        ntp,
	})
	return &Supervisor{
		cfg: Config{
			StatusPath: filepath.Join(outputDir, "status.json"),
		},
		parser:     rtppacket.NewParser(nil),
		ntp:        ntp,
		instance:   "test-instance",
		startedAt:  time.Now(),
		processors: map[uint32]*channelproc.Processor{42: proc},
		names:      map[uint32]string{42: "wwv-10mhz"},
		running:    true,
	}
}

func TestRouteDispatchesKnownSSRCAndDropsUnknown(t *testing.T) {
	dir := t.TempDir()
	s := newTestSupervisor(t, dir)

	s.route(rtppacket.Packet{SSRC: 42, Sequence: 1, Timestamp: 0, Samples: make([]complex64, 320)})
	if s.UnknownSSRC != 0 {
		t.Fatalf("UnknownSSRC = %d, want 0", s.UnknownSSRC)
	}

	s.route(rtppacket.Packet{SSRC: 999, Sequence: 1, Timestamp: 0, Samples: make([]complex64, 320)})
	if s.UnknownSSRC != 1 {
		t.Fatalf("UnknownSSRC = %d, want 1 after routing an unowned SSRC", s.UnknownSSRC)
	}

	s.processors[42].Push(1, 0, make([]complex64, 320))
	if packetsIn, _, _, _ := s.processors[42].Counters(); packetsIn == 0 {
		t.Fatal("expected the known-SSRC processor to observe the pushed packet")
	}
}

func TestWriteStatusProducesSnapshotWithChannels(t *testing.T) {
	dir := t.TempDir()
	s := newTestSupervisor(t, dir)

	if err := s.writeStatus(false); err != nil {
		t.Fatalf("writeStatus: %v", err)
	}
	data, err := os.ReadFile(s.cfg.StatusPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty status file")
	}
}

func TestNewJoinsLoopbackMulticastGroup(t *testing.T) {
	iface, err := mcast.LoopbackInterface()
	if err != nil {
		t.Skipf("no loopback interface available: %v", err)
	}

	dir := t.TempDir()
	cfg := Config{
		MulticastAddr: &net.UDPAddr{IP: net.ParseIP("239.1.2.3"), Port: 0},
		Interface:     iface,
		Channels: []ChannelSpec{
			{Name: "wwv-10mhz", SSRC: 1, SampleRate: 16000, StationHint: "WWV"},
		},
		OutputDir:  dir,
		StatusPath: filepath.Join(dir, "status.json"),
	}

	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sup.Stop(time.Second)

	if len(sup.processors) != 1 {
		t.Fatalf("got %d processors, want 1", len(sup.processors))
	}
}
