//go:build rp2040

package main

import "machine"

// usbPort is the USB CDC link. TinyGo sets up the CDC descriptors; the
// VID/PID come from the board definition.
type usbPort struct {
	writeFailures uint32
}

func initUSB() *usbPort {
	machine.Serial.Configure(machine.UARTConfig{})
	return &usbPort{}
}

// Read copies whatever is buffered without blocking
func (p *usbPort) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) && machine.Serial.Buffered() > 0 {
		c, err := machine.Serial.ReadByte()
		if err != nil {
			return n, err
		}
		b[n] = c
		n++
	}
	return n, nil
}

// Write sends b in full. Errors are counted and swallowed so a host that
// went away does not wedge the firmware; the frames are simply lost.
func (p *usbPort) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := machine.Serial.Write(b[written:])
		if err != nil || n == 0 {
			p.writeFailures++
			return len(b), nil
		}
		written += n
	}
	p.writeFailures = 0
	return written, nil
}

// disconnected reports a run of failed writes
func (p *usbPort) disconnected() bool {
	return p.writeFailures > 10
}
