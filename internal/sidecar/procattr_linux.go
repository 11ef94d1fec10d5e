package sidecar

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group and asks the kernel to
// SIGTERM it if the supervisor dies without shutting it down.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
