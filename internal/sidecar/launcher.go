// Package sidecar launches a single backend child process, relays its
// output into the parent's log channels, and reports its termination.
//
// The pieces compose in a straight line:
//
//	launcher := sidecar.NewLauncher(registry, cfg.Launch, maxLine, logger)
//	proc, events, err := launcher.Launch(ctx, "server", os.Getpid())
//	if err != nil {
//		// ResolutionError or SpawnError, see internal/errors
//	}
//	go sidecar.NewRelay("[server]", sidecar.NewConsoleOutput(), logger).Consume(events)
//
// Supervisor wraps this sequence with lifecycle state, health reporting and
// a bounded shutdown.
package sidecar

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/bebsworthy/sidecar/internal/config"
	"github.com/bebsworthy/sidecar/internal/errors"
	"github.com/bebsworthy/sidecar/internal/logging"
	"github.com/bebsworthy/sidecar/internal/protocol"
	"github.com/bebsworthy/sidecar/internal/resolve"
)

// ParentPIDFlag is the only argument passed to the sidecar
const ParentPIDFlag = "--parent-pid"

// BuildArgs returns the sidecar argument list for the given parent pid
func BuildArgs(parentPID int) ([]string, error) {
	if parentPID < 0 {
		return nil, errors.ValidationError(errors.CodeInvalidPID,
			fmt.Sprintf("Parent pid must not be negative, got %d", parentPID), nil)
	}
	return []string{ParentPIDFlag, strconv.Itoa(parentPID)}, nil
}

// Launcher starts sidecar processes
type Launcher struct {
	resolver resolve.Resolver
	cfg      config.LaunchConfig
	maxLine  int
	logger   *logging.Logger

	// start is exec.Cmd.Start; replaced in tests to simulate spawn failures
	start func(*exec.Cmd) error
}

// NewLauncher creates a launcher that resolves references through resolver
func NewLauncher(resolver resolve.Resolver, cfg config.LaunchConfig, maxLine int, logger *logging.Logger) *Launcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Launcher{
		resolver: resolver,
		cfg:      cfg,
		maxLine:  maxLine,
		logger:   logger.Component("launcher"),
		start:    (*exec.Cmd).Start,
	}
}

// Launch resolves ref and starts it with the parent pid argument. On success
// it returns the process handle and its event stream; the stream must be
// consumed until it is closed. On failure no process is left running.
func (l *Launcher) Launch(ctx context.Context, ref string, parentPID int) (*Process, <-chan Event, error) {
	args, err := BuildArgs(parentPID)
	if err != nil {
		return nil, nil, err
	}

	path, err := l.resolver.Resolve(ref)
	if err != nil {
		l.logger.LogError(ctx, "Sidecar resolution failed", err, slog.String("reference", ref))
		return nil, nil, err
	}

	var (
		cmd      *exec.Cmd
		stdout   io.ReadCloser
		stderr   io.ReadCloser
		attempts int
	)

	operation := func() error {
		attempts++
		cmd, stdout, stderr, err = l.spawn(path, args)
		if err == nil {
			return nil
		}

		classified := errors.ClassifySpawnError(err).WithDetails("attempt", attempts)
		if !classified.Transient() {
			return backoff.Permanent(classified)
		}
		return classified
	}

	notify := func(err error, next time.Duration) {
		l.logger.WarnContext(ctx, "Sidecar spawn failed, retrying",
			slog.String("executable", path),
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", next),
			slog.String("error", err.Error()))
	}

	if err := backoff.RetryNotify(operation, l.backOff(ctx), notify); err != nil {
		var sidecarErr *errors.SidecarError
		if !stderrors.As(err, &sidecarErr) {
			sidecarErr = errors.SpawnError(errors.CodeSpawnFailed, "Sidecar launch cancelled", err)
		}
		sidecarErr.WithDetails("executable", path).WithDetails("attempts", attempts)
		l.logger.LogError(ctx, "Sidecar spawn failed", sidecarErr)
		return nil, nil, sidecarErr
	}

	proc := &Process{
		ID:         uuid.New().String(),
		Name:       ref,
		Executable: path,
		Args:       args,
		PID:        cmd.Process.Pid,
		StartedAt:  time.Now(),
		Attempts:   attempts,
		proc:       cmd.Process,
		state:      protocol.StateRunning,
		exited:     make(chan struct{}),
	}

	buffer := l.cfg.EventBuffer
	if buffer <= 0 {
		buffer = config.DefaultConfig().Launch.EventBuffer
	}
	events := make(chan Event, buffer)
	progress := newActivity()
	emit := progress.emitter(events)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		readLines(progress.reader(stdout), EventStdout, l.maxLine, emit)
	}()
	go func() {
		defer readers.Done()
		readLines(progress.reader(stderr), EventStderr, l.maxLine, emit)
	}()
	go proc.watch(events, &readers, progress, []io.Closer{stdout, stderr}, l.drainTimeout())

	l.logger.InfoContext(ctx, "Sidecar started",
		slog.String("command", proc.CommandLine()),
		slog.Int("pid", proc.PID),
		slog.Int("attempts", attempts))

	return proc, events, nil
}

// spawn starts one attempt with captured output and stdin on the null device
func (l *Launcher) spawn(path string, args []string) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	cmd := exec.Command(path, args...)
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, errors.SpawnError(errors.CodePipeFailed, "Failed to create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, nil, errors.SpawnError(errors.CodePipeFailed, "Failed to create stderr pipe", err)
	}

	if err := l.start(cmd); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, nil, nil, err
	}
	return cmd, stdout, stderr, nil
}

func (l *Launcher) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if l.cfg.InitialInterval > 0 {
		bo.InitialInterval = l.cfg.InitialInterval
	}
	if l.cfg.MaxInterval > 0 {
		bo.MaxInterval = l.cfg.MaxInterval
	}
	bo.MaxElapsedTime = 0 // attempts bound the retry, not time

	retries := l.cfg.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

func (l *Launcher) drainTimeout() time.Duration {
	if l.cfg.DrainTimeout > 0 {
		return l.cfg.DrainTimeout
	}
	return config.DefaultConfig().Launch.DrainTimeout
}
