package measure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/joule/internal/click"
	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/meter"
	"github.com/NodePath81/joule/internal/probe"
	"github.com/NodePath81/joule/internal/util"
)

const (
	defaultStopTimeout  = 5 * time.Second
	defaultResetBackoff = 2 * time.Second
)

var ErrUnknownProbe = errors.New("measure: unknown probe")

// ProbeController is the subset of *probe.Controller the scheduler drives.
type ProbeController interface {
	ID() string
	Address() string
	Reset(ctx context.Context) error
	ConfigureStint(ctx context.Context, stint *descriptor.Stint, tps int) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (probe.Status, error)
}

// ControllerFactory builds the controller for one descriptor probe.
type ControllerFactory func(id string, p descriptor.Probe) ProbeController

// ReadingBuffer is fed by a background meter. *meter.Poller satisfies it.
type ReadingBuffer interface {
	Start(ctx context.Context)
	Stop()
	Reset()
	Drain() []meter.Reading
}

// Persister writes the descriptor after every completed phase. A failure
// aborts the run.
type Persister func(d *descriptor.Descriptor) error

type SchedulerConfig struct {
	Profile      string
	MeterMode    string
	Settle       time.Duration
	IdleSettle   time.Duration
	ResetRetries int
	ResetBackoff time.Duration
	Preflight    bool
	// PreflightTimeout bounds each ping and control-port dial.
	PreflightTimeout time.Duration
	// StopTimeout bounds the stop request sent to the active source after
	// cancellation.
	StopTimeout time.Duration
}

const (
	PhaseInit     = "init"
	PhaseIdle     = "idle"
	PhaseStint    = "stint"
	PhaseSettle   = "settle"
	PhaseDone     = "done"
	PhaseCanceled = "canceled"
	PhaseFailed   = "failed"
)

// Progress is a snapshot of the run for status reporting.
type Progress struct {
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	Profile   string    `json:"profile"`
	MeterMode string    `json:"meter_mode"`
	StartedAt time.Time `json:"started_at"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Skipped   int       `json:"skipped"`
	// Current is the index of the running stint, -1 outside a stint.
	Current      int               `json:"current"`
	CurrentStint *descriptor.Stint `json:"current_stint,omitempty"`
	StintStarted time.Time         `json:"stint_started,omitzero"`
}

// Scheduler runs the idle baseline and then every stint of a descriptor in
// order, one at a time.
type Scheduler struct {
	cfg           SchedulerConfig
	desc          *descriptor.Descriptor
	persist       Persister
	buffer        ReadingBuffer
	newController ControllerFactory
	logger        util.Logger
	runID         string

	OnIdle          func(runID string, idle *descriptor.Idle)
	OnStintStart    func(runID string, index int, stint *descriptor.Stint)
	OnStintComplete func(stint *descriptor.Stint, result StintResult)
	OnStintSkipped  func(index int, err error)
	Sleep           func(ctx context.Context, d time.Duration) error
	Ping            func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)
	Now             func() time.Time

	mu          sync.Mutex
	controllers map[string]ProbeController
	active      ProbeController
	cancel      context.CancelFunc
	canceled    bool
	progress    Progress
}

func NewScheduler(cfg SchedulerConfig, desc *descriptor.Descriptor, buffer ReadingBuffer, factory ControllerFactory, persist Persister, logger util.Logger) *Scheduler {
	if logger == nil {
		logger = util.Discard()
	}
	if cfg.Profile == "" {
		cfg.Profile = DefaultProfile
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.ResetBackoff <= 0 {
		cfg.ResetBackoff = defaultResetBackoff
	}
	runID := uuid.NewString()
	return &Scheduler{
		cfg:           cfg,
		desc:          desc,
		persist:       persist,
		buffer:        buffer,
		newController: factory,
		logger:        logger.With("run", runID),
		runID:         runID,
		Sleep:         sleepCtx,
		Now:           time.Now,
		progress: Progress{
			RunID:     runID,
			Phase:     PhaseInit,
			Profile:   cfg.Profile,
			MeterMode: cfg.MeterMode,
			Total:     len(desc.Stints),
			Current:   -1,
		},
	}
}

func (s *Scheduler) RunID() string { return s.runID }

// Progress returns a copy of the current run state.
func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	if p.CurrentStint != nil {
		st := *p.CurrentStint
		p.CurrentStint = &st
	}
	return p
}

// Cancel stops the run. The active source probe is told to stop and no
// further stint is started. Safe to call from any goroutine, before or
// during Run.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.canceled = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the whole descriptor. It returns context.Canceled when the
// run was interrupted, an error wrapping ErrUnknownProbe when a stint names
// a probe the descriptor does not define, or the persister's error.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	canceled := s.canceled
	s.progress.StartedAt = s.Now()
	s.mu.Unlock()
	if canceled {
		cancel()
	}

	profile, err := LookupProfile(s.cfg.Profile)
	if err != nil {
		return s.finish(err)
	}
	if err := s.init(ctx); err != nil {
		return s.finish(err)
	}

	s.buffer.Start(ctx)
	defer s.buffer.Stop()

	if err := s.runIdle(ctx); err != nil {
		return s.finish(err)
	}

	s.logger.Info("running stints", "count", len(s.desc.Stints), "profile", profile.Name)
	for i, stint := range s.desc.Stints {
		if ctx.Err() != nil {
			break
		}
		err := s.runStint(ctx, profile, i, stint)
		if errors.Is(err, probe.ErrInvalidStintParameters) {
			s.logger.Warn("skipping stint", "stint", i, "error", err)
			s.mu.Lock()
			s.progress.Skipped++
			s.mu.Unlock()
			if s.OnStintSkipped != nil {
				s.OnStintSkipped(i, err)
			}
			continue
		}
		if err != nil {
			return s.finish(err)
		}
	}
	return s.finish(ctx.Err())
}

func (s *Scheduler) finish(err error) error {
	s.mu.Lock()
	s.progress.Current = -1
	s.progress.CurrentStint = nil
	s.mu.Unlock()
	switch {
	case err == nil:
		s.setPhase(PhaseDone)
		s.logger.Info("profiling complete")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.setPhase(PhaseCanceled)
		s.logger.Info("profiling canceled")
		return context.Canceled
	default:
		s.setPhase(PhaseFailed)
	}
	return err
}

// init checks every stint against the probe set, builds one controller per
// probe and resets each of them.
func (s *Scheduler) init(ctx context.Context) error {
	for i, stint := range s.desc.Stints {
		if _, ok := s.desc.Probes[stint.Src]; !ok {
			return fmt.Errorf("%w: stint %d src %q", ErrUnknownProbe, i, stint.Src)
		}
		if _, ok := s.desc.Probes[stint.Dst]; !ok {
			return fmt.Errorf("%w: stint %d dst %q", ErrUnknownProbe, i, stint.Dst)
		}
	}

	ids := make([]string, 0, len(s.desc.Probes))
	for id := range s.desc.Probes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	controllers := make(map[string]ProbeController, len(ids))
	for _, id := range ids {
		p := s.desc.Probes[id]
		if s.cfg.Preflight {
			s.preflight(ctx, id, p)
		}
		c := s.newController(id, p)
		controllers[id] = c
		s.resetWithRetry(ctx, c)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.controllers = controllers
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) preflight(ctx context.Context, id string, p descriptor.Probe) {
	report := Preflight(ctx, id, p, s.cfg.PreflightTimeout, s.Ping)
	if !report.Reachable() {
		s.logger.Warn("probe control ports unreachable",
			"probe", id,
			"addr", p.IP,
			"receiver_control", report.ReceiverControl,
			"sender_control", report.SenderControl,
			"pingable", report.Pingable,
		)
		return
	}
	s.logger.Info("probe reachable",
		"probe", id,
		"addr", p.IP,
		"pingable", report.Pingable,
		"rtt_ms", float64(report.RTT)/float64(time.Millisecond),
		"connect_ms", report.ConnectMs,
	)
}

// resetWithRetry retries only while the probe cannot be reached at all; a
// probe that answers with errors is left as is.
func (s *Scheduler) resetWithRetry(ctx context.Context, c ProbeController) {
	for attempt := 0; ; attempt++ {
		err := c.Reset(ctx)
		if err == nil {
			return
		}
		if !errors.Is(err, click.ErrConnection) || attempt >= s.cfg.ResetRetries {
			s.logger.Warn("probe reset failed", "probe", c.ID(), "addr", c.Address(), "attempts", attempt+1, "error", err)
			return
		}
		s.logger.Warn("probe reset failed, retrying", "probe", c.ID(), "addr", c.Address(), "attempt", attempt+1, "backoff", s.cfg.ResetBackoff, "error", err)
		if s.Sleep(ctx, s.cfg.ResetBackoff) != nil {
			return
		}
	}
}

func (s *Scheduler) runIdle(ctx context.Context) error {
	idle := s.desc.Idle
	if idle == nil {
		s.logger.Info("no idle baseline in descriptor")
		return nil
	}
	s.setPhase(PhaseIdle)
	duration := seconds(idle.DurationS)
	s.logger.Info("evaluating idle power consumption", "duration", duration)

	s.buffer.Reset()
	if err := s.Sleep(ctx, duration); err != nil {
		return err
	}
	physical, virtual := Reduce(s.cfg.MeterMode, s.buffer.Drain())
	applyPower(&idle.Stats, &idle.Virtual, physical, virtual)
	logPower(s.logger, "idle", physical, virtual)

	if err := s.persist(s.desc); err != nil {
		return fmt.Errorf("persist descriptor: %w", err)
	}
	if s.OnIdle != nil {
		s.OnIdle(s.runID, idle)
	}
	s.setPhase(PhaseSettle)
	return s.Sleep(ctx, s.cfg.IdleSettle)
}

func (s *Scheduler) runStint(ctx context.Context, profile Profile, index int, stint *descriptor.Stint) error {
	s.mu.Lock()
	src := s.controllers[stint.Src]
	dst := s.controllers[stint.Dst]
	s.mu.Unlock()

	tps := profile.TPS(stint.PacketSize)
	s.logger.Info("starting stint",
		"stint", index,
		"src", stint.Src,
		"dst", stint.Dst,
		"bitrate", util.FormatBitsPerSecond(stint.BitrateMbps*1e6),
		"size_bytes", stint.PacketSize,
		"duration_s", stint.DurationS,
	)
	s.logger.Info("maximum transaction speed for this medium", "profile", profile.Name, "tps", tps)
	s.logger.Info("maximum theoretical goodput", "goodput", util.FormatBitsPerSecond(float64(stint.PacketSize*8*tps)))

	if err := src.Reset(ctx); err != nil {
		s.logger.Warn("source reset failed", "probe", src.ID(), "error", err)
	}
	if err := dst.Reset(ctx); err != nil {
		s.logger.Warn("destination reset failed", "probe", dst.ID(), "error", err)
	}
	if err := src.ConfigureStint(ctx, stint, tps); err != nil {
		if errors.Is(err, probe.ErrInvalidStintParameters) {
			return err
		}
		s.logger.Warn("stint configuration failed", "probe", src.ID(), "error", err)
	}

	s.buffer.Reset()
	started := s.Now()
	s.mu.Lock()
	st := descriptor.Stint{
		Src:         stint.Src,
		Dst:         stint.Dst,
		BitrateMbps: stint.BitrateMbps,
		PacketSize:  stint.PacketSize,
		DurationS:   stint.DurationS,
	}
	s.progress.Phase = PhaseStint
	s.progress.Current = index
	s.progress.CurrentStint = &st
	s.progress.StintStarted = started
	s.active = src
	s.mu.Unlock()
	if s.OnStintStart != nil {
		s.OnStintStart(s.runID, index, stint)
	}

	if err := src.Start(ctx); err != nil {
		s.logger.Warn("probe start failed", "probe", src.ID(), "error", err)
	}
	if err := s.Sleep(ctx, seconds(stint.DurationS)); err != nil {
		s.stopActive()
		return err
	}
	if err := src.Stop(ctx); err != nil {
		s.logger.Warn("probe stop failed", "probe", src.ID(), "error", err)
	}
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	readings := s.buffer.Drain()
	physical, virtual := Reduce(s.cfg.MeterMode, readings)
	applyPower(&stint.Stats, &stint.Virtual, physical, virtual)
	logPower(s.logger, "stint", physical, virtual)

	result := StintResult{
		RunID:     s.runID,
		Index:     index,
		Src:       stint.Src,
		Dst:       stint.Dst,
		StartTime: started,
		Duration:  s.Now().Sub(started),
		Readings:  len(readings),
		Physical:  physical,
		Virtual:   virtual,
		TPS:       tps,
	}

	srcStatus, srcErr := src.Status(ctx)
	dstStatus, dstErr := dst.Status(ctx)
	if err := errors.Join(srcErr, dstErr); err != nil {
		s.logger.Warn("probe status unavailable, traffic figures left empty", "stint", index, "error", err)
		applyStatus(stint, nil, nil)
	} else {
		result.Status = &probe.Status{
			ClientCount:    srcStatus.ClientCount,
			ClientInterval: srcStatus.ClientInterval,
			ServerCount:    dstStatus.ServerCount,
			ServerInterval: dstStatus.ServerInterval,
		}
		result.TP, result.GP, result.Losses = applyStatus(stint, &srcStatus, &dstStatus)
		s.logger.Info("client sent packets", "packets", srcStatus.ClientCount, "interval_s", srcStatus.ClientInterval)
		s.logger.Info("server received packets", "packets", dstStatus.ServerCount, "interval_s", dstStatus.ServerInterval)
		s.logger.Info("stint traffic",
			"throughput", util.FormatBitsPerSecond(*result.TP),
			"goodput", util.FormatBitsPerSecond(*result.GP),
			"losses", *result.Losses,
		)
	}

	if err := s.persist(s.desc); err != nil {
		return fmt.Errorf("persist descriptor: %w", err)
	}
	s.mu.Lock()
	s.progress.Completed++
	s.progress.Phase = PhaseSettle
	s.progress.Current = -1
	s.progress.CurrentStint = nil
	s.mu.Unlock()
	if s.OnStintComplete != nil {
		s.OnStintComplete(stint, result)
	}
	return s.Sleep(ctx, s.cfg.Settle)
}

// stopActive sends the stop request to the running source with a fresh
// context, since the run context is already canceled at this point.
func (s *Scheduler) stopActive() {
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()
	if active == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := active.Stop(ctx); err != nil {
		s.logger.Warn("probe stop after cancel failed", "probe", active.ID(), "error", err)
	}
}

func (s *Scheduler) setPhase(phase string) {
	s.mu.Lock()
	s.progress.Phase = phase
	s.mu.Unlock()
}

// NewProbeFactory returns a ControllerFactory backed by a shared control
// client.
func NewProbeFactory(client probe.Caller, logger util.Logger) ControllerFactory {
	return func(id string, p descriptor.Probe) ProbeController {
		return probe.NewController(id, p, client, logger)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
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
