//go:build windows

package runner

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on Windows; there is no POSIX process group.
func setProcessGroup(_ *exec.Cmd) {}

// terminateProcessTree kills the direct child. Windows has no group signal;
// descendants are left to the OS job object (not configured here).
func terminateProcessTree(pid int) {
	killProcessTree(pid)
}

// killProcessTree forcefully terminates the direct child.
func killProcessTree(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
