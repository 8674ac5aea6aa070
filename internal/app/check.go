package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/measure"
	"github.com/NodePath81/joule/internal/model"
	"github.com/NodePath81/joule/internal/store"
)

// ModelError compares the measured median power of one stint with the
// model's estimate at the stint's nominal bitrate.
type ModelError struct {
	Index       int
	Src         string
	Dst         string
	Direction   model.Direction
	BitrateMbps float64
	PacketSize  int
	Losses      *float64
	Median      float64
	Mean        float64
	Estimated   float64
	Error       float64
}

type CheckReport struct {
	Descriptor *descriptor.Descriptor
	// Model is nil when no models file is configured.
	Model  *model.Model
	Errors []ModelError
}

// Check validates the configuration against its descriptor and model. When
// the descriptor already carries physical measurements, the model error of
// every such stint is reported.
func Check(cfg config.Config) (*CheckReport, error) {
	if _, err := measure.LookupProfile(cfg.Schedule.Profile); err != nil {
		return nil, err
	}
	desc, err := descriptor.Load(cfg.Descriptor)
	if err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	for i, st := range desc.Stints {
		for _, id := range []string{st.Src, st.Dst} {
			if _, ok := desc.Probes[id]; !ok {
				return nil, fmt.Errorf("%w: stint %d names %q", measure.ErrUnknownProbe, i, id)
			}
		}
	}
	report := &CheckReport{Descriptor: desc}
	if cfg.Models == "" {
		return report, nil
	}
	m, err := LoadModel(cfg)
	if err != nil {
		return nil, err
	}
	report.Model = m
	report.Errors, err = CheckModel(desc, m)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// CheckModel evaluates m for every stint with physical power statistics on
// a link named in the descriptor's models section. Results are grouped by
// link, then ordered by packet size and bitrate.
func CheckModel(desc *descriptor.Descriptor, m *model.Model) ([]ModelError, error) {
	directions := make(map[descriptor.ModelLink]model.Direction)
	for name, link := range desc.Links() {
		directions[link] = model.Direction(name)
	}
	var out []ModelError
	for i, st := range desc.Stints {
		if st.Stats == nil || st.Stats.PowerStats == nil {
			continue
		}
		dir, ok := directions[descriptor.ModelLink{Src: st.Src, Dst: st.Dst}]
		if !ok {
			continue
		}
		estimated, err := m.Estimate(dir, st.BitrateMbps, st.PacketSize)
		if err != nil {
			return nil, fmt.Errorf("stint %d: %w", i, err)
		}
		out = append(out, ModelError{
			Index:       i,
			Src:         st.Src,
			Dst:         st.Dst,
			Direction:   dir,
			BitrateMbps: st.BitrateMbps,
			PacketSize:  st.PacketSize,
			Losses:      st.Stats.Losses,
			Median:      st.Stats.Median,
			Mean:        st.Stats.Mean,
			Estimated:   estimated,
			Error:       estimated - st.Stats.Median,
		})
	}
	sort.SliceStable(out, func(a, b int) bool {
		x, y := out[a], out[b]
		if x.Src != y.Src {
			return x.Src < y.Src
		}
		if x.Dst != y.Dst {
			return x.Dst < y.Dst
		}
		if x.PacketSize != y.PacketSize {
			return x.PacketSize < y.PacketSize
		}
		return x.BitrateMbps < y.BitrateMbps
	})
	return out, nil
}

// ImportResults stores the descriptor's measurements under runID and returns
// the highest goodput seen per packet size on every modelled link, which
// bounds each curve's x_max.
func ImportResults(ctx context.Context, st *store.Store, run store.Run, desc *descriptor.Descriptor) (int, map[string]map[int]float64, error) {
	n, err := st.ImportDescriptor(ctx, run, desc)
	if err != nil {
		return n, nil, err
	}
	xMax := make(map[string]map[int]float64)
	for name, link := range desc.Links() {
		gp, err := st.MaxGoodput(ctx, link.Src, link.Dst)
		if err != nil {
			return n, nil, err
		}
		xMax[name] = gp
	}
	return n, xMax, nil
}
