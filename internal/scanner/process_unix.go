//go:build !windows

package scanner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the scan process in its own process group so that
// termination signals also reach helper processes the tool spawns. Without
// this, a descendant holding the output pipe open keeps the worker blocked
// past the grace period.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess asks the scan's whole process group to stop.
func terminateProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcess forcibly ends the scan's whole process group.
func killProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
