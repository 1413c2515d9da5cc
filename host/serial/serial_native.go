//go:build !wasm

package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// NativePort wraps the tarm/serial implementation
type NativePort struct {
	port *serial.Port
	cfg  *Config
}

// Open opens a native serial port with the configured backend. An empty
// Device is resolved with FindDevice.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	device := cfg.Device
	if device == "" {
		found, err := FindDevice()
		if err != nil {
			return nil, err
		}
		device = found
	}

	switch cfg.Backend {
	case "", BackendTarm:
		return openTarm(device, cfg)
	case BackendBugST:
		return openBugST(device, cfg)
	}
	return nil, fmt.Errorf("unknown serial backend %q", cfg.Backend)
}

func openTarm(device string, cfg *Config) (Port, error) {
	serialConfig := &serial.Config{
		Name:        device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Millisecond,
	}

	port, err := serial.OpenPort(serialConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}

	return &NativePort{
		port: port,
		cfg:  cfg,
	}, nil
}

// Read reads data from the serial port. An idle read timeout is reported as
// zero bytes, not as end of stream.
func (p *NativePort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) && p.cfg.ReadTimeout > 0 {
		return 0, nil
	}
	return n, err
}

// Write writes data to the serial port
func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the serial port
func (p *NativePort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Flush discards buffered input
func (p *NativePort) Flush() error {
	return p.port.Flush()
}

// BugSTPort wraps a go.bug.st/serial port
type BugSTPort struct {
	port bugst.Port
}

func openBugST(device string, cfg *Config) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}

	port, err := bugst.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(time.Duration(cfg.ReadTimeout) * time.Millisecond); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", device, err)
		}
	}
	return &BugSTPort{port: port}, nil
}

func (p *BugSTPort) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *BugSTPort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *BugSTPort) Close() error                { return p.port.Close() }

// Flush discards buffered input
func (p *BugSTPort) Flush() error {
	return p.port.ResetInputBuffer()
}
