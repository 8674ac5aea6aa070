package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/measure"
	"github.com/NodePath81/joule/internal/meter"
	"github.com/NodePath81/joule/internal/probe"
)

func TestObserveReading(t *testing.T) {
	m := NewMetrics()
	m.ObserveReading(meter.Reading{Power: 4.2, Source: meter.SourceDevice})
	m.ObserveReading(meter.Reading{Power: 4.5, Virtual: 4.4, Source: meter.SourceDual})

	if got := testutil.ToFloat64(m.power.WithLabelValues("physical")); got != 4.5 {
		t.Fatalf("expected physical power 4.5, got %f", got)
	}
	if got := testutil.ToFloat64(m.power.WithLabelValues("virtual")); got != 4.4 {
		t.Fatalf("expected virtual power 4.4, got %f", got)
	}
	if got := testutil.ToFloat64(m.readings.WithLabelValues("dual")); got != 1 {
		t.Fatalf("expected 1 dual reading, got %f", got)
	}
}

func TestObserveControlCall(t *testing.T) {
	m := NewMetrics()
	m.ObserveControlCall("src.rate", 200, nil)
	m.ObserveControlCall("src.rate", 200, nil)
	m.ObserveControlCall("src.rate", 0, errors.New("refused"))

	if got := testutil.ToFloat64(m.controlCalls.WithLabelValues("src.rate", "200")); got != 2 {
		t.Fatalf("expected 2 answered calls, got %f", got)
	}
	if got := testutil.ToFloat64(m.controlErrors.WithLabelValues("src.rate")); got != 1 {
		t.Fatalf("expected 1 failed call, got %f", got)
	}
}

func TestStintCompleted(t *testing.T) {
	m := NewMetrics()
	m.SetRun(3)
	gp := 1.5e6
	loss := 0.02
	m.StintCompleted(measure.StintResult{
		Virtual: &descriptor.PowerStats{Mean: 4.1},
		Status:  &probe.Status{},
		GP:      &gp,
		Losses:  &loss,
	})
	m.StintCompleted(measure.StintResult{})
	m.StintSkipped()

	if got := testutil.ToFloat64(m.stints.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 ok stint, got %f", got)
	}
	if got := testutil.ToFloat64(m.stints.WithLabelValues("no_status")); got != 1 {
		t.Fatalf("expected 1 stint without status, got %f", got)
	}
	if got := testutil.ToFloat64(m.stints.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("expected 1 skipped stint, got %f", got)
	}
	if got := testutil.ToFloat64(m.stintsDone); got != 2 {
		t.Fatalf("expected 2 completed stints, got %f", got)
	}
	if got := testutil.ToFloat64(m.stintTraffic.WithLabelValues("goodput")); got != gp {
		t.Fatalf("expected goodput %f, got %f", gp, got)
	}
	if got := testutil.ToFloat64(m.stintPower.WithLabelValues("virtual")); got != 4.1 {
		t.Fatalf("expected virtual stint power 4.1, got %f", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.ObserveReading(meter.Reading{Power: 3.8, Source: meter.SourceVirtual})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), `joule_power_watts{meter="virtual"} 3.8`) {
		t.Fatalf("power gauge missing from exposition:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("go collector missing from exposition")
	}
}
