//go:build linux || darwin

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonSysProcAttr detaches the background daemon into its own session
// so terminal signals do not reach it.
func setDaemonSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// processExists probes pid with the null signal.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func signalTerm(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
