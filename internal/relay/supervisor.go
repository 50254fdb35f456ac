package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stream-relay/internal/platform/config"
)

// StopOutcome describes how terminating the previous process went. Every
// outcome is non-fatal.
type StopOutcome int

const (
	StopNoProcess StopOutcome = iota
	StopTerminated
	StopAlreadyExited
	StopKilled
	StopFailed
)

func (o StopOutcome) String() string {
	switch o {
	case StopNoProcess:
		return "no_process"
	case StopTerminated:
		return "terminated"
	case StopAlreadyExited:
		return "already_exited"
	case StopKilled:
		return "killed"
	case StopFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SupervisorMetrics receives supervisor events.
type SupervisorMetrics interface {
	IncConfigWrites()
	IncConfigWriteFailures()
	IncSpawns()
	IncSpawnFailures()
}

type noopSupervisorMetrics struct{}

func (noopSupervisorMetrics) IncConfigWrites()        {}
func (noopSupervisorMetrics) IncConfigWriteFailures() {}
func (noopSupervisorMetrics) IncSpawns()              {}
func (noopSupervisorMetrics) IncSpawnFailures()       {}

// SupervisorOptions bounds retries and termination.
type SupervisorOptions struct {
	WriteAttempts       int
	WriteBackoff        time.Duration
	SpawnAttempts       int
	SpawnInitialBackoff time.Duration
	SpawnMaxBackoff     time.Duration
	StopTimeout         time.Duration
}

// OptionsFromConfig converts the supervisor configuration section.
func OptionsFromConfig(c config.SupervisorConfig) SupervisorOptions {
	return SupervisorOptions{
		WriteAttempts:       c.WriteAttempts,
		WriteBackoff:        c.WriteBackoff,
		SpawnAttempts:       c.SpawnAttempts,
		SpawnInitialBackoff: 500 * time.Millisecond,
		SpawnMaxBackoff:     c.SpawnMaxBackoff,
		StopTimeout:         c.StopTimeout,
	}
}

func (o SupervisorOptions) withDefaults() SupervisorOptions {
	if o.WriteAttempts < 1 {
		o.WriteAttempts = 1
	}
	if o.SpawnAttempts < 1 {
		o.SpawnAttempts = 1
	}
	if o.WriteBackoff <= 0 {
		o.WriteBackoff = time.Second
	}
	if o.SpawnInitialBackoff <= 0 {
		o.SpawnInitialBackoff = 500 * time.Millisecond
	}
	if o.SpawnMaxBackoff < o.SpawnInitialBackoff {
		o.SpawnMaxBackoff = o.SpawnInitialBackoff
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	return o
}

// handle tracks one launched process. done is closed once Wait returns.
type handle struct {
	proc    Process
	done    chan struct{}
	waitErr error
}

// Supervisor owns the media server process and its configuration file.
// Exactly one process is live at a time; every Apply replaces it.
type Supervisor struct {
	writer   ConfigWriter
	launcher Launcher
	opts     SupervisorOptions
	metrics  SupervisorMetrics
	log      *slog.Logger

	// applyMu serializes Apply and Stop.
	applyMu sync.Mutex

	mu      sync.Mutex
	current *handle
	state   SupervisorState
}

// NewSupervisor returns a supervisor in the Stopped state. m may be nil.
func NewSupervisor(writer ConfigWriter, launcher Launcher, opts SupervisorOptions, m SupervisorMetrics, log *slog.Logger) *Supervisor {
	if m == nil {
		m = noopSupervisorMetrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		writer:   writer,
		launcher: launcher,
		opts:     opts.withDefaults(),
		metrics:  m,
		log:      log.With("component", "supervisor"),
		state:    StateStopped,
	}
}

// CurrentState returns the supervisor state.
func (s *Supervisor) CurrentState() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid returns the pid of the live process, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.proc.Pid()
}

func (s *Supervisor) setState(st SupervisorState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Apply terminates any running process, persists cfg and starts a new
// process with it. It respawns even when cfg equals the previous document.
//
// Write failures are retried with a fixed backoff and spawn failures with an
// exponential one; both are bounded. On exhaustion Apply returns an error
// wrapping ErrConfigWrite or ErrSpawn and the state is Stopped. Cancelling
// ctx aborts pending retries.
func (s *Supervisor) Apply(ctx context.Context, cfg ExternalServerConfig) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	outcome := s.terminate(ctx)
	s.logOutcome(outcome)

	s.setState(StateConfigWriting)
	if err := s.writeConfig(ctx, cfg); err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("%w: %w", ErrConfigWrite, err)
	}

	s.setState(StateSpawning)
	proc, err := s.spawn(ctx)
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	h := &handle{proc: proc, done: make(chan struct{})}
	s.mu.Lock()
	s.current = h
	s.state = StateRunning
	s.mu.Unlock()
	go s.wait(h)

	s.log.Info("media server started", "pid", proc.Pid(), "paths", len(cfg.Paths))
	return nil
}

// Stop terminates the live process, if any.
func (s *Supervisor) Stop(ctx context.Context) StopOutcome {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	outcome := s.terminate(ctx)
	s.logOutcome(outcome)
	return outcome
}

func (s *Supervisor) writeConfig(ctx context.Context, cfg ExternalServerConfig) error {
	attempt := 0
	op := func() error {
		attempt++
		if err := s.writer.Write(cfg); err != nil {
			s.metrics.IncConfigWriteFailures()
			s.log.Warn("config write failed",
				"path", s.writer.Path(), "attempt", attempt, "max_attempts", s.opts.WriteAttempts, "error", err)
			return err
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.WriteBackoff), uint64(s.opts.WriteAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		return err
	}
	s.metrics.IncConfigWrites()
	s.log.Debug("config written", "path", s.writer.Path(), "attempts", attempt)
	return nil
}

func (s *Supervisor) spawn(ctx context.Context) (Process, error) {
	var proc Process
	attempt := 0
	op := func() error {
		attempt++
		p, err := s.launcher.Launch(s.writer.Path())
		if err != nil {
			s.metrics.IncSpawnFailures()
			s.log.Error("media server spawn failed",
				"attempt", attempt, "max_attempts", s.opts.SpawnAttempts, "error", err)
			return err
		}
		proc = p
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.SpawnInitialBackoff
	eb.MaxInterval = s.opts.SpawnMaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.opts.SpawnAttempts-1)), ctx)

	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	s.metrics.IncSpawns()
	return proc, nil
}

// wait reaps h and marks the supervisor stopped if h is still current.
func (s *Supervisor) wait(h *handle) {
	h.waitErr = h.proc.Wait()
	close(h.done)

	s.mu.Lock()
	current := s.current == h
	if current {
		s.current = nil
		s.state = StateStopped
	}
	s.mu.Unlock()

	if current {
		s.log.Warn("media server exited", "pid", h.proc.Pid(), "error", h.waitErr)
	}
}

// terminate detaches the current handle and stops its process: SIGTERM,
// then Kill once StopTimeout elapses or ctx is done.
func (s *Supervisor) terminate(ctx context.Context) StopOutcome {
	s.mu.Lock()
	h := s.current
	s.current = nil
	s.state = StateStopped
	s.mu.Unlock()

	if h == nil {
		return StopNoProcess
	}

	select {
	case <-h.done:
		return StopAlreadyExited
	default:
	}

	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return StopAlreadyExited
		}
		s.log.Warn("terminate signal failed, killing", "pid", h.proc.Pid(), "error", err)
	} else {
		timer := time.NewTimer(s.opts.StopTimeout)
		defer timer.Stop()
		select {
		case <-h.done:
			return StopTerminated
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	if err := h.proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return StopAlreadyExited
		}
		s.log.Error("kill failed", "pid", h.proc.Pid(), "error", err)
		return StopFailed
	}
	return StopKilled
}

func (s *Supervisor) logOutcome(o StopOutcome) {
	switch o {
	case StopNoProcess:
		s.log.Debug("no previous media server")
	case StopKilled, StopFailed:
		s.log.Warn("previous media server stopped", "outcome", o.String())
	default:
		s.log.Info("previous media server stopped", "outcome", o.String())
	}
}
