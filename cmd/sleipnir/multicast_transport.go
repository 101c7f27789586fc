// Multicast UDP audio transport, an alternative to the stdio transport in
// transport.go for a station that wants audio_in/audio_out carried over a
// LAN multicast group instead of piped through another process's stdin/
// stdout — the way a real station might bridge Sleipnir's audio_in/
// audio_out to a soundcard-facing multicast stream shared with other tools
// on the same network, the same role the teacher's radiod.go multicast
// sockets play for KiwiSDR PCM audio.
package main

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/Supermagnum/gr-sleipnir/bus"
)

// multicastAudioEndpoint is both an audio source and an audio sink: one
// UDP socket, joined to the same multicast group on every multicast-
// capable interface, carries 40-byte bus.AudioFrame datagrams in both
// directions. -tx writes to it, -rx reads from it; a single address lets
// one group serve a transmit-only and a receive-only process on the same
// LAN without either needing to know the other's unicast address.
type multicastAudioEndpoint struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	addr *net.UDPAddr
}

// newMulticastAudioEndpoint resolves group (host:port) and joins it on
// every interface net.Interfaces reports as multicast-capable. Joining
// the group even on the sending side, not just the receiving side,
// mirrors radiod.go's own reasoning ("Issue #1: Join the multicast group
// (even for output sockets) — This avoids IGMP snooping issues on
// switches"): a switch that never sees a join from this host may stop
// forwarding the group's traffic to it entirely.
func newMulticastAudioEndpoint(group string) (*multicastAudioEndpoint, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("multicast: resolve %s: %w", group, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: addr.Port})
	if err != nil {
		return nil, fmt.Errorf("multicast: listen: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("multicast: list interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := pc.JoinGroup(iface, addr); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return nil, fmt.Errorf("multicast: joined %s on no interface", group)
	}

	return &multicastAudioEndpoint{conn: conn, pc: pc, addr: addr}, nil
}

// Receive reads one 40-byte audio frame, discarding anything shorter (a
// stray non-Sleipnir datagram on the same group).
func (m *multicastAudioEndpoint) Receive(ctx context.Context) (bus.AudioFrame, error) {
	var f bus.AudioFrame
	for {
		n, _, err := m.conn.ReadFromUDP(f[:])
		if err != nil {
			return f, fmt.Errorf("multicast: read: %w", err)
		}
		if n == len(f) {
			return f, nil
		}
	}
}

// Send writes f to the multicast group for every listener to pick up.
func (m *multicastAudioEndpoint) Send(ctx context.Context, f bus.AudioFrame) error {
	if _, err := m.conn.WriteToUDP(f[:], m.addr); err != nil {
		return fmt.Errorf("multicast: write: %w", err)
	}
	return nil
}

func (m *multicastAudioEndpoint) Close() error {
	return m.conn.Close()
}
