// Package metrics exposes the profiler's live state in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NodePath81/joule/internal/measure"
	"github.com/NodePath81/joule/internal/meter"
)

const namespace = "joule"

// Metrics owns a private registry so several instances can coexist in one
// process.
type Metrics struct {
	registry *prometheus.Registry

	power         *prometheus.GaugeVec
	readings      *prometheus.CounterVec
	stints        *prometheus.CounterVec
	stintPower    *prometheus.GaugeVec
	stintTraffic  *prometheus.GaugeVec
	stintLosses   prometheus.Gauge
	stintsTotal   prometheus.Gauge
	stintsDone    prometheus.Gauge
	controlCalls  *prometheus.CounterVec
	controlErrors *prometheus.CounterVec
	uptime        prometheus.GaugeFunc

	startTime time.Time
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}
	m.power = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "power_watts",
		Help:      "Most recent power reading.",
	}, []string{"meter"})
	m.readings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "readings_total",
		Help:      "Power readings taken.",
	}, []string{"source"})
	m.stints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stints_total",
		Help:      "Stints finished, by outcome.",
	}, []string{"outcome"})
	m.stintPower = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stint_power_watts",
		Help:      "Mean power of the last completed stint.",
	}, []string{"meter"})
	m.stintTraffic = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stint_bits_per_second",
		Help:      "Throughput and goodput of the last completed stint.",
	}, []string{"kind"})
	m.stintLosses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stint_loss_ratio",
		Help:      "Packet loss ratio of the last completed stint.",
	})
	m.stintsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_stints",
		Help:      "Stints in the running descriptor.",
	})
	m.stintsDone = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_stints_completed",
		Help:      "Stints completed in the current run.",
	})
	m.controlCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_calls_total",
		Help:      "Control socket calls answered, by handler and response code.",
	}, []string{"handler", "code"})
	m.controlErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_errors_total",
		Help:      "Control socket calls that got no usable response.",
	}, []string{"handler"})
	m.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the profiler started.",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	m.registry.MustRegister(
		m.power,
		m.readings,
		m.stints,
		m.stintPower,
		m.stintTraffic,
		m.stintLosses,
		m.stintsTotal,
		m.stintsDone,
		m.controlCalls,
		m.controlErrors,
		m.uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveReading(r meter.Reading) {
	m.readings.WithLabelValues(string(r.Source)).Inc()
	switch r.Source {
	case meter.SourceVirtual:
		m.power.WithLabelValues("virtual").Set(r.Power)
	case meter.SourceDual:
		m.power.WithLabelValues("physical").Set(r.Power)
		m.power.WithLabelValues("virtual").Set(r.Virtual)
	default:
		m.power.WithLabelValues("physical").Set(r.Power)
	}
}

// ObserveControlCall has the shape of click.Observer.
func (m *Metrics) ObserveControlCall(handler string, code int, err error) {
	if err != nil {
		m.controlErrors.WithLabelValues(handler).Inc()
		return
	}
	m.controlCalls.WithLabelValues(handler, strconv.Itoa(code)).Inc()
}

func (m *Metrics) SetRun(total int) {
	m.stintsTotal.Set(float64(total))
	m.stintsDone.Set(0)
}

func (m *Metrics) StintSkipped() {
	m.stints.WithLabelValues("skipped").Inc()
}

func (m *Metrics) StintCompleted(r measure.StintResult) {
	outcome := "ok"
	if r.Status == nil {
		outcome = "no_status"
	}
	m.stints.WithLabelValues(outcome).Inc()
	m.stintsDone.Inc()
	if r.Physical != nil {
		m.stintPower.WithLabelValues("physical").Set(r.Physical.Mean)
	}
	if r.Virtual != nil {
		m.stintPower.WithLabelValues("virtual").Set(r.Virtual.Mean)
	}
	if r.TP != nil {
		m.stintTraffic.WithLabelValues("throughput").Set(*r.TP)
	}
	if r.GP != nil {
		m.stintTraffic.WithLabelValues("goodput").Set(*r.GP)
	}
	if r.Losses != nil {
		m.stintLosses.Set(*r.Losses)
	}
}
