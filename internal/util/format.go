package util

import "fmt"

// FormatBitsPerSecond formats bits per second with appropriate units
func FormatBitsPerSecond(bps float64) string {
	return formatWithUnits(bps, []string{"bps", "Kbps", "Mbps", "Gbps"}, 1000)
}

// FormatWatts formats a power value in watts.
func FormatWatts(w float64) string {
	return fmt.Sprintf("%.4f W", w)
}

func formatWithUnits(value float64, units []string, base float64) string {
	if value < 0 {
		return "0 " + units[0]
	}
	idx := 0
	for value >= base && idx < len(units)-1 {
		value /= base
		idx++
	}
	if value >= 100 {
		return fmt.Sprintf("%.0f %s", value, units[idx])
	}
	if value >= 10 {
		return fmt.Sprintf("%.1f %s", value, units[idx])
	}
	return fmt.Sprintf("%.2f %s", value, units[idx])
}
