// Package mcast sets up multicast UDP sockets for receiving RTP streams
// from radiod, adapted from the teacher's setupDataSocket/setupControlSocket
// (radiod.go, audio.go).
package mcast

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// ListenConfig configures a multicast receive socket.
type ListenConfig struct {
	Addr          *net.UDPAddr
	Iface         *net.Interface // nil means the default interface is used
	ReadBufferLen int            // bytes; 0 uses a 1 MiB default
}

// Listen joins addr's multicast group on iface (and loopback, so local
// senders are also received) and returns a ready-to-read *net.UDPConn.
func Listen(cfg ListenConfig) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("SO_REUSEADDR: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	packetConn, err := lc.ListenPacket(context.Background(), "udp4", cfg.Addr.String())
	if err != nil {
		return nil, fmt.Errorf("mcast: listen: %w", err)
	}
	udpConn := packetConn.(*net.UDPConn)

	bufLen := cfg.ReadBufferLen
	if bufLen <= 0 {
		bufLen = 1024 * 1024
	}
	if err := udpConn.SetReadBuffer(bufLen); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("mcast: set read buffer: %w", err)
	}

	p := ipv4.NewPacketConn(udpConn)
	ifName := "default interface"
	if cfg.Iface != nil {
		ifName = cfg.Iface.Name
	}
	if err := p.JoinGroup(cfg.Iface, cfg.Addr); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("mcast: join group on %s: %w", ifName, err)
	}
	if loop, err := LoopbackInterface(); err == nil {
		_ = p.JoinGroup(loop, cfg.Addr) // best effort: local senders are a bonus, not required
	}

	return udpConn, nil
}

// DefaultInterface returns the first up, non-loopback, multicast-capable
// interface, matching radiod.go's getDefaultInterface.
func DefaultInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		return &iface, nil
	}
	return nil, fmt.Errorf("mcast: no suitable interface found")
}

// LoopbackInterface returns the loopback interface, if any.
func LoopbackInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			return &iface, nil
		}
	}
	return nil, fmt.Errorf("mcast: loopback interface not found")
}

// ResolveInterface looks up an interface by name, or falls back to
// DefaultInterface when name is empty.
func ResolveInterface(name string) (*net.Interface, error) {
	if name == "" {
		return DefaultInterface()
	}
	return net.InterfaceByName(name)
}
