//go:build windows

package scanner

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op: process groups are a unix concept and the
// graceful-stop path falls back to a hard kill here.
func setProcessGroup(_ *exec.Cmd) {}

// terminateProcess ends the scan process. There is no graceful signal to
// deliver on this platform.
func terminateProcess(pid int) error {
	return killProcess(pid)
}

// killProcess forcibly ends the scan process.
func killProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
