//go:build windows

package daemon

import (
	"os"
	"os/exec"
)

func setDaemonSysProcAttr(cmd *exec.Cmd) {
	// No Setsid on Windows; process runs in same console by default.
}

func processExists(pid int) bool {
	// No kill(pid, 0) on Windows; assume alive and let the HTTP probe decide.
	return pid > 0
}

func signalTerm(proc *os.Process) error {
	// SIGTERM is not supported on Windows.
	return proc.Kill()
}
