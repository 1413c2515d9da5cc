package serial

import (
	"io"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - Native serial (github.com/tarm/serial or go.bug.st/serial)
// - In-memory pipes for testing
type Port interface {
	io.ReadWriteCloser

	// Flush drops any unread input
	Flush() error
}

// Backend names accepted in Config.Backend
const (
	BackendTarm  = "tarm"
	BackendBugST = "bugst"
)

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3"); empty means discover
	Device string

	// Baud rate (USB CDC ignores it, UART bridges do not)
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int

	// Backend selects the driver library, BackendTarm by default
	Backend string
}

// DefaultConfig returns the configuration for the instrument's CDC port
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100,
		Backend:     BackendTarm,
	}
}
