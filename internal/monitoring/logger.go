package monitoring

import "log"

// Logf is the package-level diagnostic logger for the orchestrator. It
// defaults to log.Printf but may be replaced by SetLogger. Tests redirect or
// mute it; the daemon leaves it pointed at the standard logger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
