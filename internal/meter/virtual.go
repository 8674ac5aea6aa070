package meter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NodePath81/joule/internal/model"
	"github.com/NodePath81/joule/internal/util"
)

// DefaultHeaderOffset is the Ethernet, IPv4 and UDP framing removed from a
// captured frame size before it is matched to a model bucket.
const DefaultHeaderOffset = 14 + 20 + 8

var directions = []model.Direction{model.TX, model.RX}

type VirtualOptions struct {
	Interval time.Duration
	// HeaderOffset nil selects DefaultHeaderOffset; an explicit 0 bins
	// frame sizes unchanged.
	HeaderOffset *int
	Logger       util.Logger
	Now          func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
}

// VirtualMeter estimates power from the change of the packet-size counters
// between two fetches. Fetch is not meant to be called concurrently; the
// mutex only guards against misuse.
type VirtualMeter struct {
	model        *model.Model
	source       HistogramSource
	interval     time.Duration
	headerOffset int
	logger       util.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	sizes map[model.Direction][]int
	bins  map[model.Direction][]int64
	last  map[model.Direction]time.Time
}

// NewVirtualMeter loads the bucket lists for both directions and takes the
// initial histogram snapshot.
func NewVirtualMeter(ctx context.Context, m *model.Model, source HistogramSource, opts VirtualOptions) (*VirtualMeter, error) {
	if opts.Logger == nil {
		opts.Logger = util.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	headerOffset := DefaultHeaderOffset
	if opts.HeaderOffset != nil {
		if *opts.HeaderOffset < 0 {
			return nil, fmt.Errorf("meter: negative header offset %d", *opts.HeaderOffset)
		}
		headerOffset = *opts.HeaderOffset
	}
	v := &VirtualMeter{
		model:        m,
		source:       source,
		interval:     opts.Interval,
		headerOffset: headerOffset,
		logger:       opts.Logger,
		now:          opts.Now,
		sleep:        opts.Sleep,
		sizes:        make(map[model.Direction][]int, len(directions)),
		bins:         make(map[model.Direction][]int64, len(directions)),
		last:         make(map[model.Direction]time.Time, len(directions)),
	}
	for _, dir := range directions {
		if !m.HasDirection(dir) {
			return nil, fmt.Errorf("%w: model has no %s curve", model.ErrUnknownDirection, dir)
		}
		v.sizes[dir] = m.Sizes(dir)
		// a direction without a first snapshot takes its baseline on the
		// first good poll in Fetch
		if bins, ok := v.poll(ctx, dir); ok {
			v.bins[dir] = bins
			v.last[dir] = v.now()
		}
	}
	return v, nil
}

func (v *VirtualMeter) Fetch(ctx context.Context) (Reading, error) {
	if v.interval > 0 {
		if err := v.sleep(ctx, v.interval); err != nil {
			return Reading{}, err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	gamma := v.model.Gamma()
	power := 0.0
	for _, dir := range directions {
		curr, ok := v.poll(ctx, dir)
		if !ok {
			continue
		}
		if v.bins[dir] == nil {
			v.bins[dir] = curr
			v.last[dir] = now
			continue
		}
		// counts since the last good snapshot span that whole period
		delta := now.Sub(v.last[dir]).Seconds()
		p, err := v.compute(dir, curr, v.bins[dir], delta)
		if err != nil {
			return Reading{}, err
		}
		power += p
		v.bins[dir] = curr
		v.last[dir] = now
	}
	return Reading{At: now, Power: power + gamma, Source: SourceVirtual}, nil
}

// poll fetches and bins one direction. A failed or garbled dump is logged
// and reported as not ok; the caller keeps the previous snapshot so the
// tick contributes nothing.
func (v *VirtualMeter) poll(ctx context.Context, dir model.Direction) ([]int64, bool) {
	entries, err := v.source.Histogram(ctx, dir)
	if err != nil {
		v.logger.Warn("histogram unavailable", "direction", string(dir), "error", err)
		return nil, false
	}
	return Bin(entries, v.sizes[dir], v.headerOffset), true
}

func (v *VirtualMeter) compute(dir model.Direction, curr, prev []int64, delta float64) (float64, error) {
	if delta <= 0 {
		return 0, nil
	}
	gamma := v.model.Gamma()
	sizes := v.sizes[dir]
	power := 0.0
	for i, size := range sizes {
		diff := curr[i] - prev[i]
		if diff == 0 {
			continue
		}
		if diff < 0 {
			v.logger.Warn("packet counter went backwards, skipping bin", "direction", string(dir), "size", size, "delta", diff)
			continue
		}
		x := float64(size) * float64(diff) * 8 / delta / 1e6
		p, err := v.model.Estimate(dir, x, size)
		if err != nil {
			return 0, err
		}
		p -= gamma
		power += p
		v.logger.Debug("bin estimate", "direction", string(dir), "size", size, "packets", diff, "interval_s", delta, "mbps", x, "watts", p)
	}
	return power, nil
}
