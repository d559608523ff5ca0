// Package mcast is a thin wrapper around an IPv4 multicast group: it joins
// the group on a chosen interface for receiving and opens a sending socket
// bound to the same interface with a configurable TTL. The channel owns no
// session state; it moves datagrams.
package mcast

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Channel is one joined multicast group with send and receive sockets.
type Channel struct {
	group    *net.UDPAddr
	recvConn *net.UDPConn
	recvPC   *ipv4.PacketConn
	sendConn *net.UDPConn
	sendPC   *ipv4.PacketConn
	iface    *net.Interface
}

// InterfaceByIP finds the network interface holding the given unicast IP.
// An empty ip selects the system default (nil interface).
func InterfaceByIP(ip string) (*net.Interface, error) {
	if ip == "" {
		return nil, nil
	}
	want := net.ParseIP(ip)
	if want == nil {
		return nil, fmt.Errorf("not an IP address: %q", ip)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(want) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface holds address %s", ip)
}

// Join joins the multicast group groupAddr ("239.0.0.1:5001") on the
// interface holding ifaceIP, sets the sending TTL, and enables multicast
// loopback so a sender and receiver may share a host.
func Join(groupAddr, ifaceIP string, ttl int) (*Channel, error) {
	group, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, fmt.Errorf("bad multicast group %q: %w", groupAddr, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group.IP)
	}
	iface, err := InterfaceByIP(ifaceIP)
	if err != nil {
		return nil, err
	}

	// The receive socket allows address reuse so a sender and receiver
	// (or several receivers) can share the group port on one host.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr == nil {
					serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pconn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("listen %d: %w", group.Port, err)
	}
	recvConn := pconn.(*net.UDPConn)
	recvPC := ipv4.NewPacketConn(recvConn)
	if err := recvPC.JoinGroup(iface, &net.UDPAddr{IP: group.IP}); err != nil {
		recvConn.Close()
		return nil, fmt.Errorf("join %s: %w", group.IP, err)
	}

	var local *net.UDPAddr
	if ifaceIP != "" {
		local = &net.UDPAddr{IP: net.ParseIP(ifaceIP)}
	}
	sendConn, err := net.DialUDP("udp4", local, group)
	if err != nil {
		recvConn.Close()
		return nil, fmt.Errorf("dial %s: %w", group, err)
	}
	sendPC := ipv4.NewPacketConn(sendConn)
	if err := sendPC.SetMulticastTTL(ttl); err != nil {
		sendConn.Close()
		recvConn.Close()
		return nil, fmt.Errorf("set TTL %d: %w", ttl, err)
	}
	_ = sendPC.SetMulticastLoopback(true)
	if iface != nil {
		_ = sendPC.SetMulticastInterface(iface)
	}

	return &Channel{
		group:    group,
		recvConn: recvConn,
		recvPC:   recvPC,
		sendConn: sendConn,
		sendPC:   sendPC,
		iface:    iface,
	}, nil
}

// SendPacket multicasts one datagram to the group.
func (c *Channel) SendPacket(b []byte) (int, error) {
	return c.sendConn.Write(b)
}

// RecvPacket blocks until one datagram arrives and copies it into buf,
// returning its length. Oversized datagrams are truncated to len(buf).
func (c *Channel) RecvPacket(buf []byte) (int, error) {
	n, _, err := c.recvConn.ReadFromUDP(buf)
	return n, err
}

// RecvPacketNoWait is the non-blocking variant used to drain the socket
// after EOP. It returns n == 0 with a nil error when nothing is pending.
func (c *Channel) RecvPacketNoWait(buf []byte) (int, error) {
	if err := c.recvConn.SetReadDeadline(time.Now()); err != nil {
		return 0, err
	}
	defer c.recvConn.SetReadDeadline(time.Time{})
	n, _, err := c.recvConn.ReadFromUDP(buf)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Port returns the group's UDP port.
func (c *Channel) Port() int {
	return c.group.Port
}

// Close leaves the group and closes both sockets. It unblocks any reader
// sitting in RecvPacket.
func (c *Channel) Close() error {
	_ = c.recvPC.LeaveGroup(c.iface, &net.UDPAddr{IP: c.group.IP})
	err := c.recvConn.Close()
	if err2 := c.sendConn.Close(); err == nil {
		err = err2
	}
	return err
}
