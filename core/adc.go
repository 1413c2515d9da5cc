package core

import "sync/atomic"

// ADCReader is a one-shot analog converter. machine.ADC and the channels of
// an external SPI converter both satisfy it.
type ADCReader interface {
	Get() uint16
}

// AnalogConfig holds the oversampling and range-check settings of a sensor
type AnalogConfig struct {
	SampleCount     uint8  // conversions averaged per reading
	MinValue        uint16 // lowest plausible reading
	MaxValue        uint16 // highest plausible reading, 0 disables the check
	RangeCheckCount uint8  // consecutive violations before a fault
}

// AnalogSensor adapts an ADCReader to HeightSensor. Trigger performs the
// oversampled conversion and latches it; Latest returns the latched value.
// Readings outside [MinValue, MaxValue] are not latched, and enough of them
// in a row raise a fault that also clears the latch so the servo holds.
type AnalogSensor struct {
	reader ADCReader
	cfg    AnalogConfig

	invalidCount uint8
	latest       atomic.Uint32 // reading in the low 16 bits, bit 16 set when valid
	faults       atomic.Uint32

	onFault func()
}

const latestValid = 1 << 16

func NewAnalogSensor(reader ADCReader, cfg AnalogConfig) *AnalogSensor {
	if cfg.SampleCount == 0 {
		cfg.SampleCount = 1
	}
	if cfg.MaxValue == 0 {
		cfg.MaxValue = 0xFFFF
	}
	return &AnalogSensor{reader: reader, cfg: cfg}
}

// SetFaultHandler installs a callback run from Trigger when the range check
// trips
func (a *AnalogSensor) SetFaultHandler(fn func()) {
	a.onFault = fn
}

func (a *AnalogSensor) Trigger() {
	var sum uint32
	for i := uint8(0); i < a.cfg.SampleCount; i++ {
		sum += uint32(a.reader.Get())
	}
	value := uint16(sum / uint32(a.cfg.SampleCount))

	if value < a.cfg.MinValue || value > a.cfg.MaxValue {
		a.invalidCount++
		// RangeCheckCount == 0 faults on the first violation
		if a.cfg.RangeCheckCount == 0 || a.invalidCount >= a.cfg.RangeCheckCount {
			a.invalidCount = 0
			a.latest.Store(0)
			a.faults.Add(1)
			if a.onFault != nil {
				a.onFault()
			}
		}
		return
	}

	a.invalidCount = 0
	a.latest.Store(latestValid | uint32(value))
}

func (a *AnalogSensor) Latest() (uint16, bool) {
	v := a.latest.Load()
	return uint16(v), v&latestValid != 0
}

// Faults returns how many times the range check tripped
func (a *AnalogSensor) Faults() uint32 {
	return a.faults.Load()
}
