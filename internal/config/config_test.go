package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "joule.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "models: ./m.json\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Meter.Mode != MeterVirtual {
		t.Fatalf("meter mode = %q, want virtual", cfg.Meter.Mode)
	}
	if *cfg.Virtual.HeaderOffset != 42 {
		t.Fatalf("header offset = %d, want 42", *cfg.Virtual.HeaderOffset)
	}
	if cfg.Virtual.XMin != 0.06 {
		t.Fatalf("x_min = %v, want 0.06", cfg.Virtual.XMin)
	}
	if cfg.Schedule.Settle.Duration() != 5*time.Second {
		t.Fatalf("settle = %v, want 5s", cfg.Schedule.Settle.Duration())
	}
	if cfg.Schedule.Profile != "11g" {
		t.Fatalf("profile = %q, want 11g", cfg.Schedule.Profile)
	}
	if cfg.Descriptor != "./joule.json" {
		t.Fatalf("descriptor = %q", cfg.Descriptor)
	}
}

func TestLoadConfigDurations(t *testing.T) {
	path := writeConfig(t, `
meter:
  mode: device
  interval: 500ms
schedule:
  settle: 2
  idle_settle: 1.5
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Meter.Interval.Duration() != 500*time.Millisecond {
		t.Fatalf("interval = %v", cfg.Meter.Interval.Duration())
	}
	if cfg.Schedule.Settle.Duration() != 2*time.Second {
		t.Fatalf("settle = %v", cfg.Schedule.Settle.Duration())
	}
	if cfg.Schedule.IdleSettle.Duration() != 1500*time.Millisecond {
		t.Fatalf("idle_settle = %v", cfg.Schedule.IdleSettle.Duration())
	}
}

func TestHeaderOffsetZeroIsKept(t *testing.T) {
	path := writeConfig(t, "models: m.json\nvirtual:\n  header_offset: 0\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if *cfg.Virtual.HeaderOffset != 0 {
		t.Fatalf("header offset = %d, want 0", *cfg.Virtual.HeaderOffset)
	}
}

func TestExplicitZerosAreKept(t *testing.T) {
	path := writeConfig(t, `
device:
  path: /dev/ttyACM0
  baud: 0
schedule:
  settle: 0
  reset_retries: 0
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if *cfg.Device.Baud != 0 {
		t.Fatalf("baud = %d, want 0", *cfg.Device.Baud)
	}
	if cfg.Schedule.Settle.Duration() != 0 || cfg.Schedule.IdleSettle.Duration() != 0 {
		t.Fatalf("settle = %v idle_settle = %v, want 0", cfg.Schedule.Settle.Duration(), cfg.Schedule.IdleSettle.Duration())
	}
	if *cfg.Schedule.ResetRetries != 0 {
		t.Fatalf("reset_retries = %d, want 0", *cfg.Schedule.ResetRetries)
	}

	cfg = Default()
	if *cfg.Device.Baud != 115200 || *cfg.Schedule.ResetRetries != 3 {
		t.Fatalf("defaults baud = %d retries = %d", *cfg.Device.Baud, *cfg.Schedule.ResetRetries)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad mode":        "meter:\n  mode: psychic\n",
		"bad fetch":       "models: m.json\nvirtual:\n  fetch: ftp\n",
		"status no token": "status:\n  enabled: true\n",
		"bad qos":         "publish:\n  qos: 3\n",
		"negative offset": "models: m.json\nvirtual:\n  header_offset: -1\n",
	}
	for name, body := range cases {
		if _, err := LoadConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDefaultUsesDeviceMeter(t *testing.T) {
	cfg := Default()
	if cfg.Meter.Mode != MeterDevice {
		t.Fatalf("default mode = %q, want device", cfg.Meter.Mode)
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
}
