//go:build unix

package sidecar

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalGroup delivers sig to the child's process group, falling back to
// the child alone when the group is gone.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := unix.Kill(-p.Pid, sig); err == nil {
		return nil
	}
	return p.Signal(sig)
}

func terminate(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func kill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func exitStatusFromState(ps *os.ProcessState) ExitStatus {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		name := unix.SignalName(ws.Signal())
		if name == "" {
			name = ws.Signal().String()
		}
		return ExitStatus{Signal: name}
	}
	code := ps.ExitCode()
	return ExitStatus{Code: &code}
}
