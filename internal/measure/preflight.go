package measure

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/probe"
)

const defaultPreflightTimeout = 2 * time.Second

// PreflightReport records whether a probe answered before the run. It is
// informational: an unreachable probe is logged, not skipped.
type PreflightReport struct {
	Probe           string
	Address         string
	Pingable        bool
	RTT             time.Duration
	ReceiverControl bool
	SenderControl   bool
	ConnectMs       float64
}

// Reachable reports whether both control ports accepted a connection.
func (r PreflightReport) Reachable() bool {
	return r.ReceiverControl && r.SenderControl
}

type pingFunc func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)

// Preflight pings the probe and opens a TCP connection to each of its
// control ports.
func Preflight(ctx context.Context, id string, p descriptor.Probe, timeout time.Duration, ping pingFunc) PreflightReport {
	if timeout <= 0 {
		timeout = defaultPreflightTimeout
	}
	if ping == nil {
		ping = probe.Ping
	}
	report := PreflightReport{Probe: id, Address: p.IP}
	if rtt, err := ping(ctx, p.IP, timeout); err == nil {
		report.Pingable = true
		report.RTT = rtt
	}
	var ms float64
	ms, report.ReceiverControl = dialControl(ctx, p.IP, p.ReceiverControl, timeout)
	report.ConnectMs = ms
	_, report.SenderControl = dialControl(ctx, p.IP, p.SenderControlPort(), timeout)
	return report
}

func dialControl(ctx context.Context, host string, port int, timeout time.Duration) (float64, bool) {
	dialer := &net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, false
	}
	_ = conn.Close()
	return float64(time.Since(start)) / float64(time.Millisecond), true
}
