//go:build windows

package supervisor

import "os"

// reloadSignal is nil on Windows: there is no SIGUSR2 equivalent.
// reloadSupported gates signal.Notify registration, so no reload signal
// is registered and no error is reported for it; a reload on Windows goes
// through the HTTP /daemon/clock/restart endpoint or the config file
// watcher.
var reloadSignal os.Signal = nil

const reloadSupported = false

// terminationSignals are the signals that trigger a graceful drain.
// Windows has no SIGTERM; os.Interrupt maps to the console control event.
var terminationSignals = []os.Signal{os.Interrupt}
