package monitoring

import "log"

// Logf is the package-level diagnostic logger shared by the tracker's library
// packages. It defaults to log.Printf but may be replaced by SetLogger so tests
// can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// InitLogging configures the standard logger for the daemon.
func InitLogging() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
