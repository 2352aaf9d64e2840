//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// detachChild configures cmd to run in its own process group on Windows,
// the nearest equivalent of the Unix setsid detach.
func detachChild(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
