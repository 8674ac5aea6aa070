package util

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRateMbps parses a bitrate in megabits per second. Bare numbers are
// taken as Mbps; k/m/g suffixes are SI bits per second.
func ParseRateMbps(s string) (float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty rate")
	}
	scale := 1.0
	switch s[len(s)-1] {
	case 'k':
		scale = 1e-3
		s = s[:len(s)-1]
	case 'm':
		s = s[:len(s)-1]
	case 'g':
		scale = 1e3
		s = s[:len(s)-1]
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate value: %q", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %q", s)
	}
	return value * scale, nil
}

// ParseSizes parses a whitespace or comma separated list of packet sizes.
func ParseSizes(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	sizes := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid packet size: %q", f)
		}
		if v <= 0 {
			return nil, fmt.Errorf("packet size must be > 0: %d", v)
		}
		sizes = append(sizes, v)
	}
	return sizes, nil
}

// ParseRates parses a whitespace or comma separated list of rates.
func ParseRates(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	rates := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := ParseRateMbps(f)
		if err != nil {
			return nil, err
		}
		rates = append(rates, v)
	}
	return rates, nil
}
