package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/store"
	"github.com/NodePath81/joule/internal/util"
)

// fakeClick answers every ControlSocket request with 200. Reads return the
// configured value for the handler, or an empty payload.
type fakeClick struct {
	port  int
	reads map[string]string

	mu     sync.Mutex
	writes []string
}

func newFakeClick(t *testing.T, reads map[string]string) *fakeClick {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	f := &fakeClick{port: ln.Addr().(*net.TCPAddr).Port, reads: reads}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeClick) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	request, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil || line == "QUIT\n" {
			break
		}
	}
	fields := strings.Fields(request)
	reply := "Click::ControlSocket/1.3\r\n"
	if len(fields) >= 2 && fields[0] == "READ" {
		payload := f.reads[fields[1]]
		reply += fmt.Sprintf("200 Read handler '%s' OK\r\nDATA %d\r\n%s", fields[1], len(payload), payload)
	} else {
		f.mu.Lock()
		f.writes = append(f.writes, strings.TrimSpace(request))
		f.mu.Unlock()
		reply += "200 Write handler OK\r\n"
	}
	_, _ = conn.Write([]byte(reply))
}

func (f *fakeClick) wrote(request string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if w == request {
			return true
		}
	}
	return false
}

func probeCounters() map[string]string {
	return map[string]string{
		"counter_client.count": "100",
		"tr_client.interval":   "1.0",
		"counter_server.count": "90",
		"tr_server.interval":   "1.0",
	}
}

func labConfig(t *testing.T) (config.Config, *fakeClick) {
	t.Helper()
	dir := t.TempDir()
	a := newFakeClick(t, probeCounters())
	b := newFakeClick(t, probeCounters())
	histograms := newFakeClick(t, map[string]string{"TX.table": "", "RX.table": ""})

	d := &descriptor.Descriptor{
		Probes: map[string]descriptor.Probe{
			"A": {IP: "127.0.0.1", ReceiverControl: a.port, SenderControl: a.port},
			"B": {IP: "127.0.0.1", ReceiverControl: b.port, SenderControl: b.port},
		},
		Stints: []*descriptor.Stint{
			{Src: "B", Dst: "A", BitrateMbps: 1, PacketSize: 64, DurationS: 0.2},
		},
		Idle: &descriptor.Idle{DurationS: 0.2},
	}
	path := filepath.Join(dir, "joule.json")
	require.NoError(t, descriptor.Save(path, d))

	preflight := false
	settle := config.Duration(time.Millisecond)
	cfg := config.Config{
		Descriptor: path,
		Models:     writeModel(t, dir),
		Meter:      config.MeterConfig{Mode: config.MeterVirtual, Interval: config.Duration(20 * time.Millisecond)},
		Virtual:    config.VirtualConfig{Addr: "127.0.0.1", Port: histograms.port},
		Schedule: config.ScheduleConfig{
			Settle:    &settle,
			Preflight: &preflight,
		},
		Results: config.ResultsConfig{Path: filepath.Join(dir, "results.db")},
	}
	require.NoError(t, cfg.Finalize())
	return cfg, b
}

func TestRuntimeProfilesDescriptor(t *testing.T) {
	cfg, sender := labConfig(t)
	rt, err := NewRuntime(cfg, util.Discard())
	require.NoError(t, err)
	runID := rt.scheduler.RunID()
	require.NoError(t, rt.Run())
	rt.Close()

	assert.True(t, sender.wrote("WRITE src.length 64"))
	assert.True(t, sender.wrote("WRITE src.active true"))
	assert.True(t, sender.wrote("WRITE sha.rate 4366"))

	d, err := descriptor.Load(cfg.Descriptor)
	require.NoError(t, err)
	require.NotNil(t, d.Idle.Virtual)
	assert.InDelta(t, 3.8, d.Idle.Virtual.Mean, 1e-9)

	stint := d.Stints[0]
	require.NotNil(t, stint.Virtual)
	assert.InDelta(t, 3.8, stint.Virtual.Median, 1e-9)
	require.NotNil(t, stint.Stats)
	assert.Nil(t, stint.Stats.PowerStats)
	require.NotNil(t, stint.Stats.Losses)
	assert.InDelta(t, 0.1, *stint.Stats.Losses, 1e-9)
	require.NotNil(t, stint.Stats.GP)
	assert.InDelta(t, 90*64*8, *stint.Stats.GP, 1e-9)
	require.NotNil(t, stint.Results)

	st, err := store.Open(cfg.Results.Path)
	require.NoError(t, err)
	defer st.Close()
	rows, err := st.Stints(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "B", rows[0].Src)
	assert.True(t, rows[0].VirtualMedian.Valid)
}

func TestSupervisorStopBeforeRun(t *testing.T) {
	cfg, sender := labConfig(t)
	sup := NewSupervisor(cfg, util.Discard())
	sup.Stop()
	err := sup.Run()
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, sender.wrote("WRITE src.active true"))
}

func TestNewRuntimeRejectsUnknownProfile(t *testing.T) {
	cfg, _ := labConfig(t)
	cfg.Schedule.Profile = "11n"
	_, err := NewRuntime(cfg, util.Discard())
	require.Error(t, err)
}
