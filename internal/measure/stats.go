package measure

import (
	"math"
	"sort"

	"github.com/NodePath81/joule/internal/descriptor"
)

// confidenceZ is the normal quantile for a 95% interval.
const confidenceZ = 1.96

// SummarizePower reduces a series of power samples to median, mean and the
// half-width of the 95% confidence interval of the mean. The population
// standard deviation is used. An empty series yields zero stats.
func SummarizePower(values []float64) descriptor.PowerStats {
	n := len(values)
	if n == 0 {
		return descriptor.PowerStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var median float64
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(n))

	return descriptor.PowerStats{
		Median:  median,
		Mean:    mean,
		CI:      confidenceZ * std / math.Sqrt(float64(n)),
		Samples: n,
	}
}

// Throughput is the sender-side rate in bits per second.
func Throughput(clientCount int64, size int, clientInterval float64) float64 {
	return bitRate(clientCount, size, clientInterval)
}

// Goodput is the receiver-side rate in bits per second.
func Goodput(serverCount int64, size int, serverInterval float64) float64 {
	return bitRate(serverCount, size, serverInterval)
}

func bitRate(count int64, size int, interval float64) float64 {
	if interval == 0 {
		return 0
	}
	return float64(count) * float64(size) * 8 / interval
}

// Loss is the fraction of sent packets that never reached the receiver. It
// can be negative when the receiver counted foreign traffic.
func Loss(clientCount, serverCount int64) float64 {
	if clientCount == 0 {
		return 0
	}
	return float64(clientCount-serverCount) / float64(clientCount)
}
