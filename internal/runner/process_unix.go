//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup configures cmd so the child becomes the leader of a new
// process group. This lets the runner signal the entire descendant tree as
// a unit (negative PID).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessTree sends SIGTERM to the child's process group, and to
// the direct child as a fallback in case the group signal failed.
func terminateProcessTree(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	_ = syscall.Kill(pid, syscall.SIGTERM)
}

// killProcessTree sends SIGKILL to the child's process group, and to the
// direct child as a fallback.
func killProcessTree(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
