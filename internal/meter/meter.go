// Package meter produces power readings, either from an Energino board
// attached to the host or from the fitted power model applied to live
// packet-size histograms.
package meter

import (
	"context"
	"time"
)

type Source string

const (
	SourceDevice  Source = "device"
	SourceVirtual Source = "virtual"
	SourceDual    Source = "dual"
)

// Reading is one power sample. Device readings fill the electrical fields;
// dual readings also carry the model estimate in Virtual.
type Reading struct {
	At      time.Time `json:"at"`
	Power   float64   `json:"power"`
	Voltage float64   `json:"voltage,omitempty"`
	Current float64   `json:"current,omitempty"`
	Samples int       `json:"samples,omitempty"`
	Window  int       `json:"window,omitempty"`
	Virtual float64   `json:"virtual,omitempty"`
	Source  Source    `json:"source"`
}

// Meter returns the next reading, blocking until one is available.
type Meter interface {
	Fetch(ctx context.Context) (Reading, error)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
