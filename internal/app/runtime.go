package app

import (
	"context"
	"fmt"
	"time"

	"github.com/NodePath81/joule/internal/click"
	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/control"
	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/measure"
	"github.com/NodePath81/joule/internal/meter"
	"github.com/NodePath81/joule/internal/metrics"
	"github.com/NodePath81/joule/internal/publish"
	"github.com/NodePath81/joule/internal/store"
	"github.com/NodePath81/joule/internal/util"
)

const shutdownTimeout = 2 * time.Second

// Runtime owns one profiling run and every collaborator it feeds: the
// meter poller, the status server, the results store and the publisher.
type Runtime struct {
	cfg    config.Config
	ctx    context.Context
	cancel context.CancelFunc
	logger util.Logger

	desc       *descriptor.Descriptor
	client     *click.Client
	metrics    *metrics.Metrics
	feed       *control.Feed
	control    *control.ControlServer
	store      *store.Store
	publisher  *publish.Publisher
	poller     *meter.Poller
	closeMeter func() error
	scheduler  *measure.Scheduler
}

func NewRuntime(cfg config.Config, logger util.Logger) (*Runtime, error) {
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

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		desc:    desc,
		metrics: metrics.NewMetrics(),
	}
	rt.client = click.NewClient(cfg.Control.Timeout.Duration(), logger)
	rt.client.Banner = cfg.Control.Banner
	rt.client.Observer = rt.metrics.ObserveControlCall

	hub := control.NewStatusHub(ctx.Done())
	rt.feed = control.NewFeed(hub)
	if cfg.Status.Enabled {
		rt.control = control.NewControlServer(cfg.Status, rt.metrics, hub, logger)
	}

	if err := rt.openOutputs(); err != nil {
		rt.Close()
		return nil, err
	}

	m, closeMeter, err := OpenMeter(ctx, cfg, rt.client, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closeMeter = closeMeter
	rt.poller = meter.NewPoller(m, logger)
	rt.poller.OnReading = rt.onReading

	rt.scheduler = measure.NewScheduler(measure.SchedulerConfig{
		Profile:      cfg.Schedule.Profile,
		MeterMode:    cfg.Meter.Mode,
		Settle:       cfg.Schedule.Settle.Duration(),
		IdleSettle:   cfg.Schedule.IdleSettle.Duration(),
		ResetRetries: *cfg.Schedule.ResetRetries,
		ResetBackoff: cfg.Schedule.ResetBackoff.Duration(),
		Preflight:    util.BoolValue(cfg.Schedule.Preflight, true),
	}, desc, rt.poller, measure.NewProbeFactory(rt.client, logger), rt.persist, logger)
	rt.scheduler.OnIdle = rt.onIdle
	rt.scheduler.OnStintStart = rt.onStintStart
	rt.scheduler.OnStintComplete = rt.onStintComplete
	rt.scheduler.OnStintSkipped = rt.onStintSkipped
	return rt, nil
}

func (r *Runtime) openOutputs() error {
	if r.cfg.Results.Path != "" {
		st, err := store.Open(r.cfg.Results.Path)
		if err != nil {
			return err
		}
		r.store = st
		r.logger.Info("recording results", "path", r.cfg.Results.Path)
	}
	if r.cfg.Publish.Broker != "" {
		pub, err := publish.Connect(r.cfg.Publish, r.logger)
		if err != nil {
			return err
		}
		r.publisher = pub
	}
	return nil
}

// Run profiles the descriptor to completion. It returns context.Canceled
// when Cancel interrupted the run.
func (r *Runtime) Run() error {
	runID := r.scheduler.RunID()
	if r.control != nil {
		r.control.SetRun(r.scheduler)
		if err := r.control.Start(r.ctx); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
	}
	r.metrics.SetRun(len(r.desc.Stints))
	if r.store != nil {
		run := store.Run{
			ID:         runID,
			Profile:    r.cfg.Schedule.Profile,
			MeterMode:  r.cfg.Meter.Mode,
			Descriptor: r.cfg.Descriptor,
			StartedAt:  time.Now(),
		}
		if err := r.store.BeginRun(r.ctx, run); err != nil {
			return err
		}
	}

	r.logger.Info("starting profiler",
		"run", runID,
		"descriptor", r.cfg.Descriptor,
		"meter", r.cfg.Meter.Mode,
		"profile", r.cfg.Schedule.Profile,
		"stints", len(r.desc.Stints),
	)
	err := r.scheduler.Run(r.ctx)
	progress := r.scheduler.Progress()
	r.feed.Progress(progress)

	if r.store != nil {
		// the run context may already be canceled here
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if ferr := r.store.FinishRun(ctx, runID, progress.Phase, time.Now()); ferr != nil {
			r.logger.Error("record run outcome failed", "error", ferr)
		}
		cancel()
	}
	return err
}

// Cancel interrupts the run. Safe to call from a signal handler goroutine.
func (r *Runtime) Cancel() {
	r.scheduler.Cancel()
}

func (r *Runtime) Close() {
	r.cancel()
	// closing first unblocks a poller stuck reading a silent device
	if r.closeMeter != nil {
		if err := r.closeMeter(); err != nil {
			r.logger.Warn("close meter failed", "error", err)
		}
	}
	if r.poller != nil {
		r.poller.Stop()
	}
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	if r.publisher != nil {
		r.publisher.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("close results store failed", "error", err)
		}
	}
}

func (r *Runtime) persist(d *descriptor.Descriptor) error {
	return descriptor.Save(r.cfg.Descriptor, d)
}

func (r *Runtime) onReading(reading meter.Reading) {
	r.metrics.ObserveReading(reading)
	r.feed.Reading(reading)
	if r.publisher != nil {
		r.publisher.Reading(r.scheduler.RunID(), reading)
	}
	r.logger.Debug("power reading", "power", util.FormatWatts(reading.Power), "source", string(reading.Source))
}

func (r *Runtime) onIdle(runID string, idle *descriptor.Idle) {
	r.feed.Idle(runID, idle)
	if r.store != nil {
		if err := r.store.RecordIdle(r.ctx, runID, idle); err != nil {
			r.logger.Warn("record idle failed", "error", err)
		}
	}
	if r.publisher != nil {
		r.publisher.Idle(runID, idle)
	}
}

func (r *Runtime) onStintStart(runID string, index int, stint *descriptor.Stint) {
	r.feed.StintStarted(runID, index, stint)
	r.feed.Progress(r.scheduler.Progress())
}

func (r *Runtime) onStintComplete(stint *descriptor.Stint, result measure.StintResult) {
	r.metrics.StintCompleted(result)
	r.feed.StintCompleted(stint, result)
	if r.store != nil {
		if err := r.store.RecordStint(r.ctx, result.RunID, result.Index, stint, result.StartTime); err != nil {
			r.logger.Warn("record stint failed", "stint", result.Index, "error", err)
		}
	}
	if r.publisher != nil {
		r.publisher.Stint(stint, result)
	}
	r.feed.Progress(r.scheduler.Progress())
}

func (r *Runtime) onStintSkipped(index int, err error) {
	r.metrics.StintSkipped()
	r.feed.StintSkipped(r.scheduler.RunID(), index, err)
}
