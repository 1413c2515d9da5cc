package monitoring

import "log"

// Logf is the host-side diagnostic logger. It defaults to log.Printf and
// may be replaced by SetLogger to redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// FirmwareWriter adapts Logf to the firmware's single-string debug writer
// when the firmware runs inside the host process
func FirmwareWriter(prefix string) func(string) {
	return func(msg string) {
		Logf("%s%s", prefix, msg)
	}
}
