// Package click speaks the line-oriented ControlSocket protocol exposed by
// Click modular router instances. One request is sent per connection.
package click

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/NodePath81/joule/internal/util"
)

const (
	DefaultBanner  = "Click::ControlSocket/1.3"
	DefaultTimeout = 5 * time.Second

	StatusOK = 200
)

type Mode string

const (
	Read  Mode = "READ"
	Write Mode = "WRITE"
)

var (
	// ErrConnection covers dial failures, resets and deadline expiry.
	ErrConnection = errors.New("click: connection failed")
	// ErrProtocol is returned for responses that cannot be parsed.
	ErrProtocol = errors.New("click: protocol error")
	// ErrNoResponse means the peer did not greet with the expected banner.
	ErrNoResponse = fmt.Errorf("%w: unrecognized banner", ErrProtocol)
)

type Response struct {
	Code    int
	Message string
	Payload string
}

func (r *Response) OK() bool {
	return r != nil && r.Code == StatusOK
}

// Observer is notified after every call, successful or not.
type Observer func(handler string, code int, err error)

type Client struct {
	Timeout  time.Duration
	Banner   string
	Logger   util.Logger
	Observer Observer
}

func NewClient(timeout time.Duration, logger util.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &Client{
		Timeout: timeout,
		Banner:  DefaultBanner,
		Logger:  logger,
	}
}

func (c *Client) Read(ctx context.Context, host string, port int, handler string) (*Response, error) {
	return c.Call(ctx, host, port, Read, handler)
}

func (c *Client) Write(ctx context.Context, host string, port int, handler string, args ...string) (*Response, error) {
	return c.Call(ctx, host, port, Write, handler, args...)
}

// Call opens a connection to host:port, issues a single READ or WRITE
// followed by QUIT and parses the reply. A non-200 status is not an error;
// callers inspect Response.Code.
func (c *Client) Call(ctx context.Context, host string, port int, mode Mode, handler string, args ...string) (*Response, error) {
	resp, err := c.call(ctx, host, port, mode, handler, args)
	code := 0
	if resp != nil {
		code = resp.Code
	}
	if c.Observer != nil {
		c.Observer(handler, code, err)
	}
	addr := util.NetJoin(host, port)
	switch {
	case err != nil:
		c.Logger.Warn("control call failed", "addr", addr, "mode", string(mode), "handler", handler, "error", err)
	case !resp.OK():
		c.Logger.Warn("control call rejected", "addr", addr, "mode", string(mode), "handler", handler, "code", resp.Code, "message", resp.Message)
	default:
		c.Logger.Debug("control call", "addr", addr, "mode", string(mode), "handler", handler, "code", resp.Code)
	}
	return resp, err
}

func (c *Client) call(ctx context.Context, host string, port int, mode Mode, handler string, args []string) (*Response, error) {
	addr := util.NetJoin(host, port)
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnection, addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	if _, err := io.WriteString(conn, EncodeRequest(mode, handler, args...)); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrConnection, addr, err)
	}
	raw, err := io.ReadAll(conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnection, ctxErr)
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrConnection, addr, err)
	}
	banner := c.Banner
	if banner == "" {
		banner = DefaultBanner
	}
	return ParseResponse(raw, banner)
}

// EncodeRequest renders the request bytes for one handler call.
func EncodeRequest(mode Mode, handler string, args ...string) string {
	var b strings.Builder
	b.WriteString(string(mode))
	b.WriteByte(' ')
	b.WriteString(handler)
	for _, arg := range args {
		if arg == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(arg)
	}
	b.WriteString("\nQUIT\n")
	return b.String()
}

var crlf = []byte("\r\n")

// ParseResponse decodes a complete ControlSocket reply: banner line, status
// line and, for successful reads, a DATA block.
func ParseResponse(raw []byte, banner string) (*Response, error) {
	if !bytes.HasPrefix(raw, []byte(banner)) {
		return nil, ErrNoResponse
	}
	idx := bytes.Index(raw, crlf)
	if idx < 0 {
		return nil, fmt.Errorf("%w: truncated banner", ErrProtocol)
	}
	rest := raw[idx+2:]

	idx = bytes.Index(rest, crlf)
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing status line", ErrProtocol)
	}
	line := string(rest[:idx])
	rest = rest[idx+2:]
	if len(line) < 3 {
		return nil, fmt.Errorf("%w: short status line %q", ErrProtocol, line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return nil, fmt.Errorf("%w: status code %q", ErrProtocol, line[:3])
	}
	resp := &Response{Code: code, Message: strings.TrimSpace(line[3:])}
	if code != StatusOK || !bytes.HasPrefix(rest, []byte("DATA")) {
		return resp, nil
	}

	idx = bytes.Index(rest, crlf)
	if idx < 0 {
		return nil, fmt.Errorf("%w: truncated DATA header", ErrProtocol)
	}
	header := strings.TrimSpace(strings.TrimPrefix(string(rest[:idx]), "DATA"))
	n, err := strconv.Atoi(header)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: DATA length %q", ErrProtocol, header)
	}
	data := rest[idx+2:]
	if len(data) < n {
		return nil, fmt.Errorf("%w: payload has %d of %d bytes", ErrProtocol, len(data), n)
	}
	resp.Payload = string(data[:n])
	return resp, nil
}
