package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var ErrUnreachable = errors.New("probe: host unreachable")

// Ping sends one ICMP echo to host and waits for the matching reply. It
// prefers the unprivileged datagram socket and falls back to a raw socket.
func Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil || len(addrs) == 0 {
			return 0, fmt.Errorf("%w: resolve %s: %v", ErrUnreachable, host, err)
		}
		ip = addrs[0]
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	if d, ok := ctx.Deadline(); ok && time.Until(d) < timeout {
		timeout = time.Until(d)
	}

	isV4 := ip.To4() != nil
	proto := 1
	echoType := icmp.Type(ipv4.ICMPTypeEcho)
	replyType := icmp.Type(ipv4.ICMPTypeEchoReply)
	networks := []string{"udp4", "ip4:icmp"}
	if !isV4 {
		proto = 58
		echoType = icmp.Type(ipv6.ICMPTypeEchoRequest)
		replyType = icmp.Type(ipv6.ICMPTypeEchoReply)
		networks = []string{"udp6", "ip6:ipv6-icmp"}
	}

	var lastErr error
	for _, network := range networks {
		conn, err := icmp.ListenPacket(network, "")
		if err != nil {
			lastErr = err
			continue
		}
		var dst net.Addr = &net.IPAddr{IP: ip}
		datagram := network == "udp4" || network == "udp6"
		if datagram {
			dst = &net.UDPAddr{IP: ip}
		}
		rtt, err := sendPing(conn, dst, ip, rand.Intn(0xffff), 1, echoType, replyType, proto, timeout, datagram)
		_ = conn.Close()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrUnreachable, host, err)
		}
		return rtt, nil
	}
	return 0, fmt.Errorf("%w: open icmp socket: %v", ErrUnreachable, lastErr)
}

// sendPing writes one echo request and reads until the matching reply or the
// deadline. Datagram sockets have their echo ID rewritten by the kernel, so
// only the sequence number is matched there.
func sendPing(conn *icmp.PacketConn, dst net.Addr, ip net.IP, id, seq int, echoType, replyType icmp.Type, proto int, timeout time.Duration, datagram bool) (time.Duration, error) {
	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: []byte("joule"),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, err
		}
		if !peerIs(peer, ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil || parsed.Type != replyType {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		if datagram || echo.ID == id {
			return time.Since(start), nil
		}
	}
}

func peerIs(peer net.Addr, ip net.IP) bool {
	switch v := peer.(type) {
	case *net.IPAddr:
		return v.IP == nil || v.IP.Equal(ip)
	case *net.UDPAddr:
		return v.IP == nil || v.IP.Equal(ip)
	default:
		return true
	}
}
