package measure

import (
	"time"

	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/meter"
	"github.com/NodePath81/joule/internal/probe"
	"github.com/NodePath81/joule/internal/util"
)

// StintResult is what a hook sees once a stint has been reduced and
// persisted.
type StintResult struct {
	RunID     string
	Index     int
	Src       string
	Dst       string
	StartTime time.Time
	Duration  time.Duration
	Readings  int
	Physical  *descriptor.PowerStats
	Virtual   *descriptor.PowerStats
	Status    *probe.Status
	TP        *float64
	GP        *float64
	Losses    *float64
	// TPS is the transaction rate programmed into the source shaper.
	TPS int
}

// Reduce summarizes buffered readings according to the meter mode. Device
// readings land in physical, model estimates in virtual; dual readings fill
// both. A mode that does not produce one side leaves it nil.
func Reduce(mode string, readings []meter.Reading) (physical, virtual *descriptor.PowerStats) {
	switch mode {
	case config.MeterDevice:
		s := SummarizePower(powerSeries(readings))
		return &s, nil
	case config.MeterVirtual:
		s := SummarizePower(powerSeries(readings))
		return nil, &s
	case config.MeterDual:
		p := SummarizePower(powerSeries(readings))
		values := make([]float64, 0, len(readings))
		for _, r := range readings {
			values = append(values, r.Virtual)
		}
		v := SummarizePower(values)
		return &p, &v
	default:
		return nil, nil
	}
}

func powerSeries(readings []meter.Reading) []float64 {
	values := make([]float64, 0, len(readings))
	for _, r := range readings {
		values = append(values, r.Power)
	}
	return values
}

// applyPower stores the reduced readings on a stint or idle entry. Only the
// side measured in this run is replaced, so a virtual run keeps the physical
// figures of an earlier device run for comparison.
func applyPower(stats **descriptor.Stats, virtual **descriptor.PowerStats, physical, estimated *descriptor.PowerStats) {
	if physical != nil {
		if *stats == nil {
			*stats = &descriptor.Stats{}
		}
		(*stats).PowerStats = physical
	}
	if estimated != nil {
		*virtual = estimated
	}
}

// applyStatus fills the traffic figures of a stint from the probe counters.
// Without counters the results and traffic figures are cleared.
func applyStatus(stint *descriptor.Stint, src, dst *probe.Status) (tp, gp, losses *float64) {
	if src == nil || dst == nil {
		stint.Results = nil
		if stint.Stats != nil {
			stint.Stats.TP, stint.Stats.GP, stint.Stats.Losses = nil, nil, nil
			if stint.Stats.PowerStats == nil {
				stint.Stats = nil
			}
		}
		return nil, nil, nil
	}
	stint.Results = &descriptor.Results{
		ClientCount:    src.ClientCount,
		ClientInterval: src.ClientInterval,
		ServerCount:    dst.ServerCount,
		ServerInterval: dst.ServerInterval,
	}
	tpv := Throughput(src.ClientCount, stint.PacketSize, src.ClientInterval)
	gpv := Goodput(dst.ServerCount, stint.PacketSize, dst.ServerInterval)
	lossv := Loss(src.ClientCount, dst.ServerCount)
	if stint.Stats == nil {
		stint.Stats = &descriptor.Stats{}
	}
	stint.Stats.TP, stint.Stats.GP, stint.Stats.Losses = &tpv, &gpv, &lossv
	return &tpv, &gpv, &lossv
}

func logPower(logger util.Logger, label string, physical, virtual *descriptor.PowerStats) {
	if physical != nil {
		logger.Info(label+" power consumption",
			"median_w", physical.Median,
			"mean_w", physical.Mean,
			"ci_w", physical.CI,
			"samples", physical.Samples,
		)
	}
	if virtual != nil {
		logger.Info(label+" power consumption",
			"meter", "virtual",
			"median_w", virtual.Median,
			"mean_w", virtual.Mean,
			"ci_w", virtual.CI,
			"samples", virtual.Samples,
		)
	}
}
