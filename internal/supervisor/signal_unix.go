//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

// reloadSignal is the OS signal that triggers an in-process config
// reload (§4.9). SIGUSR2 has no Windows equivalent; reloadSupported
// gates registration, so the Windows build compiles, registers no reload
// signal, and reports no error for it.
var reloadSignal os.Signal = syscall.SIGUSR2

const reloadSupported = true

// terminationSignals are the signals that trigger a graceful drain.
var terminationSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
