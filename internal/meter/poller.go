package meter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NodePath81/joule/internal/util"
)

const defaultErrorBackoff = 500 * time.Millisecond

// Poller runs a meter in the background and buffers its readings until the
// owner drains them.
type Poller struct {
	meter  Meter
	logger util.Logger

	// OnReading, when set, observes every buffered reading from the
	// polling goroutine.
	OnReading func(Reading)
	// ErrorBackoff is the pause after a failed fetch.
	ErrorBackoff time.Duration

	mu       sync.Mutex
	readings []Reading
	failures int

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	cancel    context.CancelFunc
	doneCh    chan struct{}
}

func NewPoller(m Meter, logger util.Logger) *Poller {
	if logger == nil {
		logger = util.Discard()
	}
	return &Poller{
		meter:        m,
		logger:       logger,
		ErrorBackoff: defaultErrorBackoff,
		doneCh:       make(chan struct{}),
	}
}

// Start launches the polling goroutine. Later calls are no-ops.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.started = true
		p.cancel = cancel
		p.mu.Unlock()
		p.logger.Info("meter poller started")
		go p.run(ctx)
	})
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)
	for {
		if ctx.Err() != nil {
			return
		}
		r, err := p.meter.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			p.mu.Lock()
			p.failures++
			p.mu.Unlock()
			p.logger.Warn("meter fetch failed", "error", err)
			if sleepCtx(ctx, p.ErrorBackoff) != nil {
				return
			}
			continue
		}
		p.mu.Lock()
		p.readings = append(p.readings, r)
		p.mu.Unlock()
		if p.OnReading != nil {
			p.OnReading(r)
		}
	}
}

// Stop cancels the polling goroutine and waits for it to exit.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		started, cancel := p.started, p.cancel
		p.mu.Unlock()
		if !started {
			return
		}
		cancel()
		<-p.doneCh
		p.logger.Info("meter poller stopped")
	})
}

// Reset discards buffered readings.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.readings = nil
	p.failures = 0
	p.mu.Unlock()
}

// Readings returns a copy of the buffered readings.
func (p *Poller) Readings() []Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Reading(nil), p.readings...)
}

// Drain returns the buffered readings and empties the buffer in one step.
func (p *Poller) Drain() []Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.readings
	p.readings = nil
	return out
}

// Failures reports the fetch errors seen since the last Reset.
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}
