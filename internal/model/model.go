// Package model evaluates the fitted WLAN power curve: a per-direction
// linear function of bitrate whose slope depends on packet size, offset by a
// per-size beta and a shared idle term gamma.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// DefaultXMin is the bitrate in Mb/s below which the curve collapses to
// gamma.
const DefaultXMin = 0.06

type Direction string

const (
	TX Direction = "TX"
	RX Direction = "RX"
)

var (
	ErrUnknownPacketSize = errors.New("model: unknown packet size")
	ErrUnknownDirection  = errors.New("model: unknown direction")
	ErrMalformedModel    = errors.New("model: malformed model")
)

// Curve holds the fitted parameters for one direction. Map keys are packet
// sizes in bytes; the file format stores them as JSON object keys.
type Curve struct {
	Alpha0 float64         `json:"alpha0"`
	Alpha1 float64         `json:"alpha1"`
	XMax   map[int]float64 `json:"x_max"`
	Beta   map[int]float64 `json:"beta"`
}

// Params is the content of a model file: a shared gamma plus one curve per
// direction name.
type Params struct {
	Gamma  float64
	Curves map[Direction]*Curve
}

func (p *Params) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	gamma, ok := raw["gamma"]
	if !ok {
		return fmt.Errorf("%w: missing gamma", ErrMalformedModel)
	}
	if err := json.Unmarshal(gamma, &p.Gamma); err != nil {
		return fmt.Errorf("%w: gamma: %v", ErrMalformedModel, err)
	}
	p.Curves = make(map[Direction]*Curve, len(raw)-1)
	for key, value := range raw {
		if key == "gamma" {
			continue
		}
		var curve Curve
		if err := json.Unmarshal(value, &curve); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedModel, key, err)
		}
		p.Curves[Direction(key)] = &curve
	}
	return nil
}

func (p Params) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Curves)+1)
	out["gamma"] = p.Gamma
	for dir, curve := range p.Curves {
		out[string(dir)] = curve
	}
	return json.Marshal(out)
}

// Validate checks that every curve defines x_max and beta over the same set
// of packet sizes.
func (p *Params) Validate() error {
	if len(p.Curves) == 0 {
		return fmt.Errorf("%w: no curves", ErrMalformedModel)
	}
	for dir, curve := range p.Curves {
		if curve == nil || len(curve.XMax) == 0 {
			return fmt.Errorf("%w: %s has no x_max entries", ErrMalformedModel, dir)
		}
		if len(curve.XMax) != len(curve.Beta) {
			return fmt.Errorf("%w: %s x_max and beta differ in size", ErrMalformedModel, dir)
		}
		for size := range curve.XMax {
			if size <= 0 {
				return fmt.Errorf("%w: %s has packet size %d", ErrMalformedModel, dir, size)
			}
			if _, ok := curve.Beta[size]; !ok {
				return fmt.Errorf("%w: %s has x_max but no beta for %d bytes", ErrMalformedModel, dir, size)
			}
		}
	}
	return nil
}

func Parse(data []byte) (*Params, error) {
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		if errors.Is(err, ErrMalformedModel) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedModel, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func Load(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Model evaluates Params. It is immutable and safe for concurrent use.
type Model struct {
	params *Params
	xMin   float64
	sizes  map[Direction][]int
}

func New(params *Params, xMin float64) *Model {
	if xMin <= 0 {
		xMin = DefaultXMin
	}
	sizes := make(map[Direction][]int, len(params.Curves))
	for dir, curve := range params.Curves {
		list := make([]int, 0, len(curve.XMax))
		for size := range curve.XMax {
			list = append(list, size)
		}
		sort.Ints(list)
		sizes[dir] = list
	}
	return &Model{params: params, xMin: xMin, sizes: sizes}
}

func (m *Model) Gamma() float64 {
	return m.params.Gamma
}

func (m *Model) XMin() float64 {
	return m.xMin
}

// Sizes returns the ascending packet-size buckets of a direction.
func (m *Model) Sizes(dir Direction) []int {
	return append([]int(nil), m.sizes[dir]...)
}

func (m *Model) HasDirection(dir Direction) bool {
	_, ok := m.params.Curves[dir]
	return ok
}

// Estimate returns the power in watts drawn at bitrateMbps with packets of
// size bytes travelling in dir.
func (m *Model) Estimate(dir Direction, bitrateMbps float64, size int) (float64, error) {
	curve, ok := m.params.Curves[dir]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDirection, dir)
	}
	gamma := m.params.Gamma
	if bitrateMbps < m.xMin {
		return gamma, nil
	}
	xMax, ok := curve.XMax[size]
	if !ok {
		return 0, fmt.Errorf("%w: %s has no entry for %d bytes", ErrUnknownPacketSize, dir, size)
	}
	beta, ok := curve.Beta[size]
	if !ok {
		return 0, fmt.Errorf("%w: %s has no beta for %d bytes", ErrUnknownPacketSize, dir, size)
	}
	x := bitrateMbps
	if x > xMax {
		x = xMax
	}
	alpha := curve.Alpha0 * (1 + curve.Alpha1/float64(size))
	return alpha*x + beta + gamma, nil
}
