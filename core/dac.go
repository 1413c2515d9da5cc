package core

import (
	"sync/atomic"

	"tinygo.org/x/drivers"
)

// ChipSelect drives the DAC's active-low SYNC line. machine.Pin satisfies it.
type ChipSelect interface {
	High()
	Low()
}

// AD5686 command nibble: write to input register and update the output
const ad5686WriteUpdate = 0x3

// AD5686 drives the piezo amplifiers from a quad 16-bit DAC. Each sample is
// one 24-bit frame: command nibble, one-hot channel address, value MSB first.
type AD5686 struct {
	bus     drivers.SPI
	cs      ChipSelect
	address [NumChannels]uint8
	tx      [3]byte

	writes atomic.Uint32
	errors atomic.Uint32
}

// NewAD5686 maps X, Y and Z onto DAC outputs A, B and C. cs may be nil when
// the bus handles chip select itself.
func NewAD5686(bus drivers.SPI, cs ChipSelect) *AD5686 {
	d := &AD5686{
		bus:     bus,
		cs:      cs,
		address: [NumChannels]uint8{0x1, 0x2, 0x4},
	}
	if cs != nil {
		cs.High()
	}
	return d
}

// Write sends one sample to its output
func (d *AD5686) Write(s Sample) error {
	d.tx[0] = ad5686WriteUpdate<<4 | d.address[s.Channel%NumChannels]
	d.tx[1] = uint8(s.Value >> 8)
	d.tx[2] = uint8(s.Value)

	if d.cs != nil {
		d.cs.Low()
	}
	err := d.bus.Tx(d.tx[:], nil)
	if d.cs != nil {
		d.cs.High()
	}

	if err != nil {
		d.errors.Add(1)
		return err
	}
	d.writes.Add(1)
	return nil
}

// WriteSample is Write for use as a SampleClock sink; failures are counted
func (d *AD5686) WriteSample(s Sample) {
	_ = d.Write(s)
}

// Center drives every output to mid-scale
func (d *AD5686) Center() error {
	for ch := Channel(0); ch < NumChannels; ch++ {
		if err := d.Write(Sample{Channel: ch, Value: uint16(SetpointCenter >> 16)}); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the count of completed and failed writes
func (d *AD5686) Stats() (writes, failed uint32) {
	return d.writes.Load(), d.errors.Load()
}
