package sidecar

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bebsworthy/sidecar/internal/protocol"
)

// Process is the handle of one running sidecar. It is created by Launch and
// owned by whoever consumes its event stream.
type Process struct {
	ID         string
	Name       string
	Executable string
	Args       []string
	PID        int
	StartedAt  time.Time
	Attempts   int

	proc          *os.Process
	stopRequested atomic.Bool
	reaped        atomic.Bool

	mu       sync.RWMutex
	state    protocol.State
	status   *ExitStatus
	exitedAt time.Time
	exited   chan struct{}
}

// State returns the lifecycle state of the process
func (p *Process) State() protocol.State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// ExitStatus returns the exit status once the process has been reaped
func (p *Process) ExitStatus() (ExitStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.status == nil {
		return ExitStatus{}, false
	}
	return *p.status, true
}

// ExitedAt returns when the process was reaped, or the zero time
func (p *Process) ExitedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitedAt
}

// Exited is closed once the process has been reaped and its output drained
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Terminate asks the sidecar and its process group to exit. It does nothing
// once the process has been reaped, so an exit that happened on its own is
// never reported as stopped.
func (p *Process) Terminate() error {
	if p.reaped.Load() {
		return nil
	}
	p.stopRequested.Store(true)
	return ignoreDone(terminate(p.proc))
}

// Kill forcefully stops the sidecar and its process group
func (p *Process) Kill() error {
	if p.reaped.Load() {
		return nil
	}
	p.stopRequested.Store(true)
	return ignoreDone(kill(p.proc))
}

// CommandLine returns the command line for logging
func (p *Process) CommandLine() string {
	if len(p.Args) == 0 {
		return p.Executable
	}
	return p.Executable + " " + strings.Join(p.Args, " ")
}

func ignoreDone(err error) error {
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}

// drainPoll is how often watch checks reader progress while draining
func drainPoll(drain time.Duration) time.Duration {
	return max(drain/4, 10*time.Millisecond)
}

// watch reaps the process, waits for both readers to drain, and then emits
// the single termination event and closes the stream. The pipes are closed
// early only when no reader has read or delivered anything for the whole
// drain window, which happens when a grandchild keeps them open.
func (p *Process) watch(events chan<- Event, readers *sync.WaitGroup, progress *activity, pipes []io.Closer, drain time.Duration) {
	var status ExitStatus
	ps, err := p.proc.Wait()
	p.reaped.Store(true)
	stopped := p.stopRequested.Load()
	if err != nil {
		progress.emitter(events)(Event{Kind: EventError, Err: err})
	} else {
		status = exitStatusFromState(ps)
	}
	status.Stopped = stopped

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	progress.touch()
	ticker := time.NewTicker(drainPoll(drain))
	closed := false
	for waiting := true; waiting; {
		select {
		case <-drained:
			waiting = false
		case <-ticker.C:
			if !closed && progress.idle() >= drain {
				for _, c := range pipes {
					_ = c.Close()
				}
				closed = true
			}
		}
	}
	ticker.Stop()
	for _, c := range pipes {
		_ = c.Close()
	}

	p.mu.Lock()
	p.status = &status
	p.exitedAt = time.Now()
	if status.Stopped {
		p.state = protocol.StateStopped
	} else {
		p.state = protocol.StateExited
	}
	p.mu.Unlock()
	close(p.exited)

	events <- Event{Kind: EventTerminated, Status: status}
	close(events)
}
