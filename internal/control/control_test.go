package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/measure"
	"github.com/NodePath81/joule/internal/meter"
	"github.com/NodePath81/joule/internal/metrics"
)

const testToken = "s3cret"

type fakeRun struct {
	canceled atomic.Bool
}

func (f *fakeRun) Progress() measure.Progress {
	return measure.Progress{RunID: "run-1", Phase: measure.PhaseStint, Total: 4, Completed: 1, Current: 1}
}

func (f *fakeRun) Cancel() { f.canceled.Store(true) }

func newTestServer(t *testing.T) (*ControlServer, *StatusHub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewStatusHub(ctx.Done())
	cfg := config.StatusConfig{Enabled: true, AuthToken: testToken}
	srv := NewControlServer(cfg, metrics.NewMetrics(), hub, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, hub, ts
}

func rpc(t *testing.T, ts *httptest.Server, token, body string) (int, rpcResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestRPCRequiresToken(t *testing.T) {
	_, _, ts := newTestServer(t)
	code, resp := rpc(t, ts, "", `{"method":"GetStatus"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.Ok)

	code, _ = rpc(t, ts, "wrong!", `{"method":"GetStatus"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRPCGetStatusAndCancel(t *testing.T) {
	srv, _, ts := newTestServer(t)

	code, resp := rpc(t, ts, testToken, `{"method":"GetStatus"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "no run in progress", resp.Error)

	run := &fakeRun{}
	srv.SetRun(run)

	code, resp = rpc(t, ts, testToken, `{"method":"GetStatus"}`)
	require.Equal(t, http.StatusOK, code)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "run-1", result["run_id"])
	assert.Equal(t, measure.PhaseStint, result["phase"])

	code, resp = rpc(t, ts, testToken, `{"method":"Cancel"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Ok)
	assert.True(t, run.canceled.Load())

	code, resp = rpc(t, ts, testToken, `{"method":"Restart"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "unknown method", resp.Error)

	code, _ = rpc(t, ts, testToken, `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRPCRejectsGet(t *testing.T) {
	_, _, ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusStream(t *testing.T) {
	srv, hub, ts := newTestServer(t)
	srv.SetRun(&fakeRun{})
	feed := NewFeed(hub)

	token := base64.RawURLEncoding.EncodeToString([]byte(testToken))
	dialer := websocket.Dialer{Subprotocols: []string{wsPrimaryProtocol, wsTokenPrefix + token}}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/status", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first statusMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "progress", first.Type)
	require.NotNil(t, first.Progress)
	assert.Equal(t, "run-1", first.Progress.RunID)

	feed.Reading(meter.Reading{Power: 4.2, Source: meter.SourceVirtual})
	var reading statusMessage
	require.NoError(t, conn.ReadJSON(&reading))
	assert.Equal(t, "reading", reading.Type)
	require.NotNil(t, reading.Reading)
	assert.Equal(t, 4.2, reading.Reading.Power)

	gp := 2e6
	stint := &descriptor.Stint{Src: "A", Dst: "B", BitrateMbps: 2, PacketSize: 1460, DurationS: 10}
	feed.StintCompleted(stint, measure.StintResult{RunID: "run-1", Index: 3, GP: &gp, TPS: 2288})
	var done statusMessage
	require.NoError(t, conn.ReadJSON(&done))
	assert.Equal(t, "stint_complete", done.Type)
	require.NotNil(t, done.Stint)
	assert.Equal(t, 3, done.Stint.Index)
	assert.Equal(t, 2e6, *done.Stint.GP)
	assert.Nil(t, done.Stint.TP)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "interval_ms": 750}))
	var errMsg statusMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, "error", errMsg.Type)
	assert.Equal(t, "invalid_interval", errMsg.Error.Code)
}

func TestStatusSubscribeSendsSnapshot(t *testing.T) {
	srv, _, ts := newTestServer(t)
	srv.SetRun(&fakeRun{})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/status", header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first statusMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "progress", first.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "interval_ms": 1000}))
	var snapshot statusMessage
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "progress", snapshot.Type)
	require.NotNil(t, snapshot.Progress)
	assert.Equal(t, 1, snapshot.Progress.Completed)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "unsubscribe"}))
}

func TestStatusRequiresToken(t *testing.T) {
	_, _, ts := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/status", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimiter(t *testing.T) {
	l := newRateLimiter(1, 3, time.Minute)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.False(t, l.Allow(""))
}

func TestSecureTokenEqualRejectsEmpty(t *testing.T) {
	assert.False(t, secureTokenEqual("", ""))
	assert.True(t, secureTokenEqual("abc", "abc"))
	assert.False(t, secureTokenEqual("abc", "abd"))
}
