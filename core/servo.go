package core

import (
	"sync/atomic"

	"afm/protocol"
)

// HeightSensor is the analog converter behind the height feedback. Trigger
// starts a conversion and returns at once; Latest reports the most recent
// finished conversion, if any.
type HeightSensor interface {
	Trigger()
	Latest() (uint16, bool)
}

// ServoConfig holds the regulator constants
type ServoConfig struct {
	Step        uint32 // Z change per cycle
	Floor       uint32 // lowest Z setpoint
	Ceiling     uint32 // highest Z setpoint
	CurrentGain uint32 // sensor counts per STM current unit
}

func DefaultServoConfig() ServoConfig {
	return ServoConfig{
		Step:        0x1000,
		Floor:       0,
		Ceiling:     0xFFFFFFFF,
		CurrentGain: 64,
	}
}

// HeightServo is a bang-bang regulator on the Z setpoint. Update runs once
// per completed buffer cycle and moves Z by one step toward the sensor
// target. The reading it consumes was triggered at the end of the previous
// cycle, so the loop always carries one cycle of latency.
type HeightServo struct {
	cfg    *Configuration
	engine *Engine
	sensor HeightSensor
	sc     ServoConfig

	updates atomic.Uint32
	steps   atomic.Uint32
}

func NewHeightServo(cfg *Configuration, engine *Engine, sensor HeightSensor, sc ServoConfig) *HeightServo {
	if sc.Ceiling == 0 {
		sc.Ceiling = 0xFFFFFFFF
	}
	return &HeightServo{cfg: cfg, engine: engine, sensor: sensor, sc: sc}
}

// Target returns the sensor reading the servo regulates toward for the
// current instrument type. ok is false when no type is selected.
func (s *HeightServo) Target() (target uint16, ok bool) {
	switch s.cfg.Type() {
	case protocol.TypeProbeForce:
		amp := uint32(s.cfg.AFM().Amplitude)
		if amp > 100 {
			amp = 100
		}
		return uint16(amp * 0xFFFF / 100), true
	case protocol.TypeTunneling:
		t := uint64(s.cfg.STM().Current) * uint64(s.sc.CurrentGain)
		if t > 0xFFFF {
			t = 0xFFFF
		}
		return uint16(t), true
	default:
		return 0, false
	}
}

// Update runs one regulator step and re-arms the sensor. It does fixed
// arithmetic only and never blocks.
func (s *HeightServo) Update() {
	s.updates.Add(1)
	defer s.sensor.Trigger()

	if !s.cfg.ZControl().Regulating() {
		return
	}
	reading, ok := s.sensor.Latest()
	if !ok {
		return
	}
	target, ok := s.Target()
	if !ok {
		return
	}

	z := s.engine.Setpoint(ChannelZ)
	switch {
	case reading > target:
		z = addSaturating(z, s.sc.Step, s.sc.Ceiling)
	case reading < target:
		z = subSaturating(z, s.sc.Step, s.sc.Floor)
	default:
		return
	}
	s.engine.SetSetpoint(ChannelZ, z)
	s.steps.Add(1)
	RecordTiming(EvtServo, 0, uint32(reading), z)
}

// HeightPercent reports the Z setpoint on a 0-100 scale
func (s *HeightServo) HeightPercent() uint8 {
	return uint8(uint64(s.engine.Setpoint(ChannelZ)) * 100 / 0xFFFFFFFF)
}

// Stats returns the number of updates run and of Z steps taken
func (s *HeightServo) Stats() (updates, steps uint32) {
	return s.updates.Load(), s.steps.Load()
}

// addSaturating never lowers z, even when z already sits above ceiling
func addSaturating(z, step, ceiling uint32) uint32 {
	if z >= ceiling {
		return z
	}
	if ceiling-z < step {
		return ceiling
	}
	return z + step
}

// subSaturating never raises z, even when z already sits below floor
func subSaturating(z, step, floor uint32) uint32 {
	if z <= floor {
		return z
	}
	if z-floor < step {
		return floor
	}
	return z - step
}
