package app

import (
	"sync"

	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/util"
)

// Supervisor builds the runtime for one profiling session and forwards a
// stop request to it, whether the request arrives before, during or after
// the run starts.
type Supervisor struct {
	cfg     config.Config
	logger  util.Logger
	mu      sync.Mutex
	runtime *Runtime
	stopped bool
}

func NewSupervisor(cfg config.Config, logger util.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks until the profiling run ends.
func (s *Supervisor) Run() error {
	runtime, err := NewRuntime(s.cfg, s.logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	s.mu.Lock()
	s.runtime = runtime
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		runtime.Cancel()
	}
	err = runtime.Run()

	s.mu.Lock()
	s.runtime = nil
	s.mu.Unlock()
	return err
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.stopped = true
	s.mu.Unlock()
	if current != nil {
		current.Cancel()
	}
}
