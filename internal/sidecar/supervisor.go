package sidecar

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bebsworthy/sidecar/internal/buffer"
	"github.com/bebsworthy/sidecar/internal/config"
	"github.com/bebsworthy/sidecar/internal/errors"
	"github.com/bebsworthy/sidecar/internal/logging"
	"github.com/bebsworthy/sidecar/internal/metrics"
	"github.com/bebsworthy/sidecar/internal/protocol"
	"github.com/bebsworthy/sidecar/internal/resolve"
)

// subscriberBuffer is the per-subscriber message queue length
const subscriberBuffer = 256

// Supervisor owns at most one sidecar process at a time. It launches the
// process synchronously, relays its output in the background, and never
// restarts it on its own.
type Supervisor struct {
	cfg       *config.Config
	launcher  *Launcher
	output    Output
	logger    *logging.Logger
	monitor   *metrics.Monitor
	history   *buffer.RingBuffer
	parentPID int

	mu       sync.RWMutex
	state    protocol.State
	proc     *Process
	done     chan struct{}
	lastExit *ExitStatus
	lastErr  *errors.SidecarError
	attempts int

	subMu       sync.Mutex
	subscribers map[int]chan interface{}
	nextSub     int
}

// NewSupervisor creates a supervisor for the configured sidecar. Relayed lines
// are written to output.
func NewSupervisor(cfg *config.Config, output Output, logger *logging.Logger) (*Supervisor, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidConfig, "Invalid supervisor configuration", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	maxLine, err := config.ParseSize(cfg.Relay.MaxLineBytes)
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidConfig, "Invalid relay.max_line_bytes", err)
	}
	historyBytes, err := config.ParseSize(cfg.History.MaxBytes)
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidConfig, "Invalid history.max_bytes", err)
	}

	supervisorLogger := logging.NewSupervisorLogger(logger, cfg.Sidecar.Name)

	monitor := metrics.NewMonitor()
	monitor.SetLogger(supervisorLogger.Logger)

	done := make(chan struct{})
	close(done)

	return &Supervisor{
		cfg:         cfg,
		launcher:    NewLauncher(resolve.NewRegistry(cfg.Sidecar), cfg.Launch, int(maxLine), logger),
		output:      output,
		logger:      supervisorLogger,
		monitor:     monitor,
		history:     buffer.NewRingBuffer(cfg.History.Capacity, int(historyBytes)),
		parentPID:   os.Getpid(),
		state:       protocol.StateIdle,
		done:        done,
		subscribers: make(map[int]chan interface{}),
	}, nil
}

// SetResolver replaces the executable resolver
func (s *Supervisor) SetResolver(resolver resolve.Resolver) {
	s.launcher.resolver = resolver
}

// Monitor returns the supervisor's metrics
func (s *Supervisor) Monitor() *metrics.Monitor {
	return s.monitor
}

// History returns the relayed line history
func (s *Supervisor) History() *buffer.RingBuffer {
	return s.history
}

// Start launches the sidecar and returns once it is running. Output is
// relayed in the background until the sidecar exits. Start fails with
// ErrAlreadyRunning while a previous process has not terminated.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == protocol.StateStarting || s.state == protocol.StateRunning {
		s.mu.Unlock()
		return errors.StateError(errors.CodeAlreadyRunning, "Sidecar process is already running", nil).
			WithDetails("state", string(s.state))
	}
	s.state = protocol.StateStarting
	s.done = make(chan struct{})
	done := s.done
	s.lastErr = nil
	s.mu.Unlock()

	s.publish(protocol.NewStatusMessage(s.cfg.Sidecar.Name, protocol.StateStarting, 0, nil))

	var (
		proc   *Process
		events <-chan Event
	)
	err := s.monitor.TrackOperation(ctx, "launch", func() error {
		var err error
		proc, events, err = s.launcher.Launch(ctx, s.cfg.Sidecar.Name, s.parentPID)
		return err
	})
	if err != nil {
		var sidecarErr *errors.SidecarError
		if !stderrors.As(err, &sidecarErr) {
			sidecarErr = errors.InternalError(errors.CodeSpawnFailed, "Launch failed", err)
		}
		s.monitor.TrackError(ctx, string(sidecarErr.Type), sidecarErr.Code, "launcher", sidecarErr.Message)

		s.mu.Lock()
		s.state = protocol.StateFailed
		s.lastErr = sidecarErr
		s.proc = nil
		s.mu.Unlock()
		close(done)

		msg := protocol.NewStatusMessage(s.cfg.Sidecar.Name, protocol.StateFailed, 0, nil)
		msg.Message = sidecarErr.Error()
		s.publish(msg)
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.state = protocol.StateRunning
	s.lastExit = nil
	s.attempts = proc.Attempts
	s.mu.Unlock()

	s.publish(protocol.NewStatusMessage(s.cfg.Sidecar.Name, protocol.StateRunning, proc.PID, nil))

	ctx = logging.WithInstanceID(context.WithoutCancel(ctx), proc.ID)
	relay := s.newRelay(proc)
	go func() {
		defer close(done)
		status := relay.ConsumeContext(ctx, events)
		s.finish(ctx, proc, status)
	}()

	return nil
}

func (s *Supervisor) newRelay(proc *Process) *Relay {
	relay := NewRelay(s.cfg.Sidecar.Tag, s.output, s.logger)
	relay.OnLine = func(stream protocol.StreamType, text string, lossy bool) {
		s.monitor.TrackLine(stream, lossy)
		s.history.AddLine(stream, text, proc.PID)
		s.publish(protocol.NewLogMessage(s.cfg.Sidecar.Name, text, stream, proc.PID))
	}
	relay.OnExit = func(status ExitStatus) {
		s.monitor.TrackTermination(status.Classify())
	}
	return relay
}

// finish records the termination observed by the relay
func (s *Supervisor) finish(ctx context.Context, proc *Process, status ExitStatus) {
	state := protocol.StateExited
	if status.Stopped {
		state = protocol.StateStopped
	}

	s.mu.Lock()
	s.state = state
	s.lastExit = &status
	s.mu.Unlock()

	attrs := []any{
		slog.Int("pid", proc.PID),
		slog.String("status", status.String()),
		slog.String("outcome", string(status.Classify())),
		slog.Duration("uptime", proc.ExitedAt().Sub(proc.StartedAt)),
	}
	switch status.Classify() {
	case protocol.OutcomeClean, protocol.OutcomeStopped:
		s.logger.InfoContext(ctx, "Sidecar exited", attrs...)
	default:
		s.logger.ErrorContext(ctx, "Sidecar exited", attrs...)
	}

	s.publish(protocol.NewStatusMessage(s.cfg.Sidecar.Name, state, proc.PID, status.ExitInfo()))
}

// Done is closed when the current sidecar has terminated and its output has
// been fully relayed, or when the last Start failed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Wait blocks until Done is closed or ctx ends
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates a running sidecar and waits for its termination to be
// relayed: SIGTERM to the process group, then SIGKILL after the grace
// period. Calling it when nothing is running is a no-op.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	state := s.state
	done := s.done
	s.mu.Unlock()

	if proc == nil || state != protocol.StateRunning {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	timer := metrics.NewTimer("shutdown", s.monitor)
	s.logger.InfoContext(ctx, "Stopping sidecar", slog.Int("pid", proc.PID))

	if err := proc.Terminate(); err != nil {
		s.logger.WarnContext(ctx, "Failed to signal sidecar", slog.String("error", err.Error()))
	}

	grace := time.NewTimer(s.cfg.Shutdown.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
		timer.StopWithError(ctx, nil)
		return nil
	case <-grace.C:
		s.logger.WarnContext(ctx, "Sidecar ignored termination request, killing", slog.Int("pid", proc.PID))
	case <-ctx.Done():
	}

	if err := proc.Kill(); err != nil {
		s.logger.WarnContext(ctx, "Failed to kill sidecar", slog.String("error", err.Error()))
	}

	wait := time.NewTimer(s.cfg.Shutdown.KillTimeout + s.launcher.drainTimeout())
	defer wait.Stop()
	select {
	case <-done:
		timer.StopWithError(ctx, nil)
		return nil
	case <-wait.C:
		err := errors.TimeoutError(errors.CodeShutdownTimeout, "Sidecar did not exit in time", nil).
			WithDetails("pid", proc.PID)
		timer.StopWithError(ctx, err)
		return err
	}
}

// Health returns a snapshot of the supervisor state
func (s *Supervisor) Health() protocol.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := protocol.Health{
		Name:      s.cfg.Sidecar.Name,
		State:     s.state,
		ParentPID: s.parentPID,
	}

	if s.proc != nil {
		started := s.proc.StartedAt
		health.InstanceID = s.proc.ID
		health.Executable = s.proc.Executable
		health.Args = append([]string(nil), s.proc.Args...)
		health.PID = s.proc.PID
		health.StartedAt = &started

		if exitedAt := s.proc.ExitedAt(); !exitedAt.IsZero() && s.state != protocol.StateRunning {
			health.ExitedAt = &exitedAt
			health.Uptime = exitedAt.Sub(started).Round(time.Millisecond).String()
		} else {
			health.Uptime = time.Since(started).Round(time.Millisecond).String()
		}
	}
	if s.lastExit != nil {
		health.Exit = s.lastExit.ExitInfo()
	}
	if s.lastErr != nil {
		health.LastError = s.lastErr.ToErrorInfo()
	}

	relay := s.monitor.GetRelayMetrics()
	health.Counters = protocol.Counters{
		StdoutLines:    relay.StdoutLines,
		StderrLines:    relay.StderrLines,
		DecodeAnomaly:  relay.DecodeAnomalies,
		LaunchAttempts: s.attempts,
	}
	return health
}

// Subscribe returns a channel receiving *protocol.LogMessage and
// *protocol.StatusMessage values, and a function to cancel the subscription.
// Messages are dropped for subscribers that fall behind.
func (s *Supervisor) Subscribe() (<-chan interface{}, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan interface{}, subscriberBuffer)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subscribers, id)
			close(ch)
		})
	}
}

func (s *Supervisor) publish(msg interface{}) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}
