package descriptor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleDescriptor = `{
    "comment": "lab bench 2",
    "idle": {"duration_s": 10},
    "models": {
        "RX": {"dst": "A", "src": "B"},
        "TX": {"dst": "B", "src": "A"},
        "extra": {"alpha0": 1}
    },
    "probes": {
        "A": {"ip": "10.0.0.1", "receiver": "10.0.0.2", "receiver_control": 8888, "receiver_port": 9998, "sender_port": 9997},
        "B": {"ip": "10.0.0.2", "receiver": "10.0.0.1", "receiver_control": 7777, "sender_control": 7000}
    },
    "stints": [
        {"src": "A", "dst": "B", "bitrate_mbps": 1.5, "packetsize_bytes": 512, "duration_s": 30, "note": "warmup"}
    ]
}`

func TestLoadPreservesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "joule.json")
	if err := os.WriteFile(path, []byte(sampleDescriptor), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if got := d.Probes["A"].SenderControlPort(); got != 8889 {
		t.Fatalf("probe A sender control = %d, want 8889", got)
	}
	if got := d.Probes["B"].SenderControlPort(); got != 7000 {
		t.Fatalf("probe B sender control = %d, want 7000", got)
	}

	tp := 1000.0
	d.Stints[0].Stats = &Stats{PowerStats: &PowerStats{Median: 4, Mean: 4.1, CI: 0.01, Samples: 3}, TP: &tp}
	if err := Save(path, d); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		t.Fatalf("saved descriptor is not json: %v", err)
	}
	if tree["comment"] != "lab bench 2" {
		t.Fatalf("top-level unknown field lost: %v", tree["comment"])
	}
	stint := tree["stints"].([]any)[0].(map[string]any)
	if stint["note"] != "warmup" {
		t.Fatalf("stint unknown field lost: %v", stint["note"])
	}
	stats := stint["stats"].(map[string]any)
	if stats["median"] != 4.0 || stats["tp"] != 1000.0 {
		t.Fatalf("unexpected stats %v", stats)
	}
	if _, ok := stats["gp"]; ok {
		t.Fatalf("gp should be absent when undefined")
	}
	if _, ok := tree["models"].(map[string]any)["extra"]; !ok {
		t.Fatalf("model entry lost")
	}
	if !strings.Contains(string(raw), "\n    \"comment\"") {
		t.Fatalf("expected four-space indentation with sorted keys:\n%s", raw)
	}
}

const nestedDescriptor = `{
    "idle": {"duration_s": 10, "operator": "bench-2", "stats": {"median": 3.9, "mean": 3.9, "ci": 0, "samples": 4, "rssi": -41}},
    "probes": {
        "A": {"ip": "10.0.0.1", "receiver_control": 8888, "location": "shelf"}
    },
    "stints": [
        {"src": "A", "dst": "A", "bitrate_mbps": 1, "packetsize_bytes": 64, "duration_s": 1,
         "stats": {"median": 4.2, "mean": 4.2, "ci": 0, "samples": 2, "tp": 1, "rssi": -40}}
    ]
}`

func TestNestedUnknownFieldsSurviveRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "joule.json")
	if err := os.WriteFile(path, []byte(nestedDescriptor), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	// a rerun without a physical meter drops the power summary
	d.Stints[0].Stats.PowerStats = nil
	if err := Save(path, d); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		t.Fatalf("saved descriptor is not json: %v", err)
	}

	probe := tree["probes"].(map[string]any)["A"].(map[string]any)
	if probe["location"] != "shelf" {
		t.Fatalf("probe unknown field lost: %v", probe)
	}
	idle := tree["idle"].(map[string]any)
	if idle["operator"] != "bench-2" {
		t.Fatalf("idle unknown field lost: %v", idle)
	}
	if idleStats := idle["stats"].(map[string]any); idleStats["rssi"] != -41.0 || idleStats["median"] != 3.9 {
		t.Fatalf("idle stats rewritten wrongly: %v", idleStats)
	}
	stats := tree["stints"].([]any)[0].(map[string]any)["stats"].(map[string]any)
	if stats["rssi"] != -40.0 || stats["tp"] != 1.0 {
		t.Fatalf("stint stats unknown field lost: %v", stats)
	}
	if _, ok := stats["median"]; ok {
		t.Fatalf("cleared power summary came back: %v", stats)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "joule.json")
	d := Template(TemplateOptions{Rates: []float64{1}, Sizes: []int{64}})
	for i := 0; i < 3; i++ {
		if err := Save(path, d); err != nil {
			t.Fatalf("Save error: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the descriptor, found %d entries", len(entries))
	}
}

func TestSaveUnwritableDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "joule.json")
	if err := Save(path, &Descriptor{}); err == nil {
		t.Fatalf("expected error saving into a missing directory")
	}
}

func TestTemplate(t *testing.T) {
	d := Template(TemplateOptions{
		ProbeA:    "192.168.1.1",
		ProbeB:    "192.168.1.2",
		Rates:     []float64{0.1, 1},
		Sizes:     []int{64, 128, 256},
		DurationS: 5,
	})
	if len(d.Stints) != 12 {
		t.Fatalf("stints = %d, want 12", len(d.Stints))
	}
	first, second := d.Stints[0], d.Stints[1]
	if first.Src != "B" || first.Dst != "A" || second.Src != "A" || second.Dst != "B" {
		t.Fatalf("unexpected direction order: %+v %+v", first, second)
	}
	if first.BitrateMbps != 0.1 || first.PacketSize != 64 || first.DurationS != 5 {
		t.Fatalf("unexpected first stint %+v", first)
	}
	if d.Idle.DurationS != 5 {
		t.Fatalf("idle duration = %v", d.Idle.DurationS)
	}
	a, b := d.Probes["A"], d.Probes["B"]
	if a.ReceiverControl != 8888 || a.SenderControl != 8889 || b.ReceiverControl != 7777 || b.SenderControl != 7778 {
		t.Fatalf("unexpected control ports %+v %+v", a, b)
	}
	if a.Receiver != "192.168.1.2" || b.Receiver != "192.168.1.1" {
		t.Fatalf("unexpected receivers %+v %+v", a, b)
	}
	links := d.Links()
	if links["TX"] != (ModelLink{Src: "A", Dst: "B"}) || links["RX"] != (ModelLink{Src: "B", Dst: "A"}) {
		t.Fatalf("unexpected links %+v", links)
	}
}

func TestValidate(t *testing.T) {
	d := &Descriptor{Probes: map[string]Probe{"A": {IP: "10.0.0.1"}}}
	if err := d.Validate(); err == nil {
		t.Fatalf("expected error for missing receiver_control")
	}
	d = &Descriptor{}
	if err := d.Validate(); err == nil {
		t.Fatalf("expected error for empty probes")
	}
}
