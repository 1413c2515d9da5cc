package firmware

import (
	"sync/atomic"

	"afm/core"
)

// SimSensor models the tip signal for runs without an instrument. The
// reading rises as Z closes the gap to the surface, like tunneling current
// or damping, so a regulating servo settles where the reading meets its
// target.
type SimSensor struct {
	engine  *core.Engine
	surface uint16 // sample height in DAC codes

	latest   atomic.Uint32
	triggers atomic.Uint32
}

const simValid = 1 << 16

func NewSimSensor(engine *core.Engine, surface uint16) *SimSensor {
	return &SimSensor{engine: engine, surface: surface}
}

func (s *SimSensor) Trigger() {
	z := int32(s.engine.Setpoint(core.ChannelZ) >> 16)

	reading := 0x8000 + int32(s.surface) - z
	if reading < 0 {
		reading = 0
	} else if reading > 0xFFFF {
		reading = 0xFFFF
	}
	s.latest.Store(simValid | uint32(reading))
	s.triggers.Add(1)
}

func (s *SimSensor) Latest() (uint16, bool) {
	v := s.latest.Load()
	return uint16(v), v&simValid != 0
}

// Triggers returns how many conversions were started
func (s *SimSensor) Triggers() uint32 {
	return s.triggers.Load()
}
