package click

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveOnce accepts a single connection, captures the request up to QUIT
// and replies with reply before closing.
func serveOnce(t *testing.T, reply string) (host string, port int, requests <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	ch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		var b strings.Builder
		for {
			line, err := reader.ReadString('\n')
			b.WriteString(line)
			if err != nil || line == "QUIT\n" {
				break
			}
		}
		ch <- b.String()
		_, _ = conn.Write([]byte(reply))
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, ch
}

func TestEncodeRequest(t *testing.T) {
	assert.Equal(t, "WRITE src.rate 100\nQUIT\n", EncodeRequest(Write, "src.rate", "100"))
	assert.Equal(t, "READ counter_client.count\nQUIT\n", EncodeRequest(Read, "counter_client.count"))
	assert.Equal(t, "WRITE src.reset\nQUIT\n", EncodeRequest(Write, "src.reset", ""))
}

func TestCallReadWithData(t *testing.T) {
	host, port, reqs := serveOnce(t, "Click::ControlSocket/1.3\r\n200 Read handler 'x' OK\r\nDATA 4\r\n1234")
	client := NewClient(time.Second, nil)
	resp, err := client.Read(context.Background(), host, port, "counter_client.count")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Code)
	assert.Equal(t, "1234", resp.Payload)
	assert.Equal(t, "READ counter_client.count\nQUIT\n", <-reqs)
}

func TestCallWriteWithoutData(t *testing.T) {
	host, port, reqs := serveOnce(t, "Click::ControlSocket/1.3\r\n200 Write handler 'src.active' OK\r\n")
	client := NewClient(time.Second, nil)
	resp, err := client.Write(context.Background(), host, port, "src.active", "true")
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Empty(t, resp.Payload)
	assert.Equal(t, "WRITE src.active true\nQUIT\n", <-reqs)
}

func TestCallNon200(t *testing.T) {
	host, port, _ := serveOnce(t, "Click::ControlSocket/1.3\r\n511 No element named 'foo'\r\n")
	client := NewClient(time.Second, nil)
	resp, err := client.Write(context.Background(), host, port, "foo.bar")
	require.NoError(t, err)
	assert.Equal(t, 511, resp.Code)
	assert.Equal(t, "No element named 'foo'", resp.Message)
	assert.Empty(t, resp.Payload)
}

func TestCallWrongBanner(t *testing.T) {
	host, port, _ := serveOnce(t, "SSH-2.0-OpenSSH\r\n")
	client := NewClient(time.Second, nil)
	_, err := client.Read(context.Background(), host, port, "x")
	require.ErrorIs(t, err, ErrNoResponse)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestCallShortPayload(t *testing.T) {
	host, port, _ := serveOnce(t, "Click::ControlSocket/1.3\r\n200 OK\r\nDATA 10\r\n12")
	client := NewClient(time.Second, nil)
	_, err := client.Read(context.Background(), host, port, "x")
	require.ErrorIs(t, err, ErrProtocol)
	assert.False(t, errors.Is(err, ErrNoResponse))
}

func TestCallConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	var observed error
	client := NewClient(time.Second, nil)
	client.Observer = func(handler string, code int, err error) { observed = err }
	_, err = client.Write(context.Background(), "127.0.0.1", port, "src.reset")
	require.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, observed, ErrConnection)
}

func TestCallTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		time.Sleep(500 * time.Millisecond)
		_ = conn.Close()
	}()
	client := NewClient(50*time.Millisecond, nil)
	_, err = client.Read(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port, "x")
	require.ErrorIs(t, err, ErrConnection)
}

func TestParseResponseMalformedLength(t *testing.T) {
	_, err := ParseResponse([]byte("Click::ControlSocket/1.3\r\n200 OK\r\nDATA xx\r\nabc"), DefaultBanner)
	require.ErrorIs(t, err, ErrProtocol)
}
