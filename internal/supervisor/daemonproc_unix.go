//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// detachChild configures cmd to run in its own session, so signals sent
// to this (the daemon-supervisor) process's process group don't also
// land on the child server it spawned.
func detachChild(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
