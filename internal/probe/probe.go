// Package probe drives one remote traffic endpoint: a RatedSource sender
// and a Counter/TimeRange receiver, each behind a Click ControlSocket.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/NodePath81/joule/internal/click"
	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/util"
)

const (
	defaultPacketRate = 10
	defaultPacketSize = 64
)

var (
	ErrStatusUnavailable      = errors.New("probe: status unavailable")
	ErrInvalidStintParameters = errors.New("probe: invalid stint parameters")
	ErrRejected               = errors.New("probe: handler rejected")
)

// Caller issues one control-protocol request. *click.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, host string, port int, mode click.Mode, handler string, args ...string) (*click.Response, error)
}

// Status holds the sender and receiver counters after a stint.
type Status struct {
	ClientCount    int64
	ClientInterval float64
	ServerCount    int64
	ServerInterval float64
}

type Controller struct {
	id     string
	probe  descriptor.Probe
	client Caller
	logger util.Logger

	packetRate int64
	packetSize int
	limit      int64
}

func NewController(id string, p descriptor.Probe, client Caller, logger util.Logger) *Controller {
	if logger == nil {
		logger = util.Discard()
	}
	return &Controller{
		id:         id,
		probe:      p,
		client:     client,
		logger:     logger,
		packetRate: defaultPacketRate,
		packetSize: defaultPacketSize,
	}
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) Address() string { return c.probe.IP }

// Working returns the locally tracked packet rate, size and limit.
func (c *Controller) Working() (rate int64, size int, limit int64) {
	return c.packetRate, c.packetSize, c.limit
}

// Reset stops the sender and clears every counter on both processes. All
// six handlers are attempted; the joined failures are returned for logging.
func (c *Controller) Reset(ctx context.Context) error {
	sender := c.probe.SenderControlPort()
	receiver := c.probe.ReceiverControl
	c.logger.Info("resetting sender", "probe", c.id, "addr", util.NetJoin(c.probe.IP, sender))
	var errs []error
	for _, call := range []struct {
		handler string
		args    []string
	}{
		{"src.active", []string{"false"}},
		{"src.reset", nil},
		{"counter_client.reset", nil},
		{"tr_client.reset", nil},
	} {
		errs = append(errs, c.write(ctx, sender, call.handler, call.args...))
	}
	c.logger.Info("resetting receiver", "probe", c.id, "addr", util.NetJoin(c.probe.IP, receiver))
	errs = append(errs,
		c.write(ctx, receiver, "counter_server.reset"),
		c.write(ctx, receiver, "tr_server.reset"),
	)
	c.packetRate = defaultPacketRate
	c.packetSize = defaultPacketSize
	c.limit = 0
	return errors.Join(errs...)
}

// PacketRate is the number of packets per second needed to carry
// bitrateMbps with packets of size bytes.
func PacketRate(bitrateMbps float64, size int) int64 {
	return int64(math.Floor(bitrateMbps * 1e6 / float64(size*8)))
}

// ConfigureStint programs the sender for a stint: packet length, rate,
// total packet limit and the shaper's transaction rate.
func (c *Controller) ConfigureStint(ctx context.Context, stint *descriptor.Stint, tps int) error {
	if stint.PacketSize <= 0 {
		return fmt.Errorf("%w: packetsize_bytes %d", ErrInvalidStintParameters, stint.PacketSize)
	}
	if stint.DurationS <= 0 {
		return fmt.Errorf("%w: duration_s %v", ErrInvalidStintParameters, stint.DurationS)
	}
	if stint.BitrateMbps < 0 {
		return fmt.Errorf("%w: bitrate_mbps %v", ErrInvalidStintParameters, stint.BitrateMbps)
	}
	c.packetRate = PacketRate(stint.BitrateMbps, stint.PacketSize)
	c.packetSize = stint.PacketSize
	c.limit = int64(math.Floor(float64(c.packetRate) * stint.DurationS))

	c.logger.Info("configuring stint",
		"probe", c.id,
		"packets", c.limit,
		"length_bytes", c.packetSize,
		"rate_pps", c.packetRate,
		"duration_s", stint.DurationS,
		"bitrate", util.FormatBitsPerSecond(stint.BitrateMbps*1e6),
	)

	port := c.probe.SenderControlPort()
	return errors.Join(
		c.write(ctx, port, "src.length", strconv.Itoa(c.packetSize)),
		c.write(ctx, port, "src.rate", strconv.FormatInt(c.packetRate, 10)),
		c.write(ctx, port, "src.limit", strconv.FormatInt(c.limit, 10)),
		c.write(ctx, port, "sha.rate", strconv.Itoa(tps)),
	)
}

func (c *Controller) Start(ctx context.Context) error {
	c.logger.Info("starting probe", "probe", c.id, "addr", c.probe.IP)
	return c.write(ctx, c.probe.SenderControlPort(), "src.active", "true")
}

func (c *Controller) Stop(ctx context.Context) error {
	c.logger.Info("stopping probe", "probe", c.id, "addr", c.probe.IP)
	return c.write(ctx, c.probe.SenderControlPort(), "src.active", "false")
}

// Status reads the client counters from the sender and the server counters
// from the receiver. Any unreadable value yields ErrStatusUnavailable.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.logger.Info("fetching probe status", "probe", c.id, "addr", c.probe.IP)
	sender := c.probe.SenderControlPort()
	receiver := c.probe.ReceiverControl
	var st Status
	var err error
	if st.ClientCount, err = c.readInt(ctx, sender, "counter_client.count"); err != nil {
		return Status{}, err
	}
	if st.ClientInterval, err = c.readFloat(ctx, sender, "tr_client.interval"); err != nil {
		return Status{}, err
	}
	if st.ServerCount, err = c.readInt(ctx, receiver, "counter_server.count"); err != nil {
		return Status{}, err
	}
	if st.ServerInterval, err = c.readFloat(ctx, receiver, "tr_server.interval"); err != nil {
		return Status{}, err
	}
	return st, nil
}

func (c *Controller) write(ctx context.Context, port int, handler string, args ...string) error {
	resp, err := c.client.Call(ctx, c.probe.IP, port, click.Write, handler, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.id, handler, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s %s: %d %s", ErrRejected, c.id, handler, resp.Code, resp.Message)
	}
	return nil
}

func (c *Controller) read(ctx context.Context, port int, handler string) (string, error) {
	resp, err := c.client.Call(ctx, c.probe.IP, port, click.Read, handler)
	if err != nil {
		return "", fmt.Errorf("%w: %s %s: %w", ErrStatusUnavailable, c.id, handler, err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("%w: %s %s: %d %s", ErrStatusUnavailable, c.id, handler, resp.Code, resp.Message)
	}
	return strings.TrimSpace(resp.Payload), nil
}

func (c *Controller) readInt(ctx context.Context, port int, handler string) (int64, error) {
	raw, err := c.read(ctx, port, handler)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %q", ErrStatusUnavailable, c.id, handler, raw)
	}
	return v, nil
}

func (c *Controller) readFloat(ctx context.Context, port int, handler string) (float64, error) {
	raw, err := c.read(ctx, port, handler)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %q", ErrStatusUnavailable, c.id, handler, raw)
	}
	return v, nil
}
