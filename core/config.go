package core

import (
	"sync/atomic"

	"afm/protocol"
)

// TagPolicy decides what happens to an out-of-range type or mode byte
type TagPolicy uint8

const (
	// RejectUnknown answers INVALID-ARGUMENT and leaves the setting unchanged
	RejectUnknown TagPolicy = iota
	// ClampUnknown saturates the tag to the highest known value
	ClampUnknown
)

func (p TagPolicy) String() string {
	if p == ClampUnknown {
		return "clamp"
	}
	return "reject"
}

// Settings are the values a Configuration starts with
type Settings struct {
	Type     protocol.InstrumentType
	ZControl protocol.ZControl
	AFM      protocol.AFMProperties
	STM      protocol.STMProperties
}

// DefaultSettings returns the power-on configuration: tunneling mode with the
// servo off
func DefaultSettings() Settings {
	return Settings{
		Type:     protocol.TypeTunneling,
		ZControl: protocol.ZControlOff,
		AFM:      protocol.AFMProperties{Amplitude: 75, Frequency: 0},
		STM:      protocol.STMProperties{Bias: 50, Current: 100},
	}
}

// Configuration is the instrument state shared between the command task and
// the sample interrupt. Every field is replaced atomically; readers never lock.
// Both property sets are always stored, the instrument type selects which one
// the servo uses.
type Configuration struct {
	instrumentType atomic.Uint32
	zcontrol       atomic.Uint32
	runState       atomic.Uint32

	afm atomic.Pointer[protocol.AFMProperties]
	stm atomic.Pointer[protocol.STMProperties]
}

func NewConfiguration(s Settings) *Configuration {
	c := &Configuration{}
	c.instrumentType.Store(uint32(s.Type))
	c.zcontrol.Store(uint32(s.ZControl))
	c.runState.Store(uint32(protocol.RunStateIdle))
	c.SetAFM(s.AFM)
	c.SetSTM(s.STM)
	return c
}

func (c *Configuration) Type() protocol.InstrumentType {
	return protocol.InstrumentType(c.instrumentType.Load())
}

func (c *Configuration) SetType(t protocol.InstrumentType) {
	c.instrumentType.Store(uint32(t))
}

func (c *Configuration) ZControl() protocol.ZControl {
	return protocol.ZControl(c.zcontrol.Load())
}

func (c *Configuration) SetZControl(z protocol.ZControl) {
	c.zcontrol.Store(uint32(z))
}

func (c *Configuration) RunState() protocol.RunState {
	return protocol.RunState(c.runState.Load())
}

func (c *Configuration) SetRunState(r protocol.RunState) {
	c.runState.Store(uint32(r))
}

// TransitionRunState moves from one run state to another and reports whether
// the current state was from
func (c *Configuration) TransitionRunState(from, to protocol.RunState) bool {
	return c.runState.CompareAndSwap(uint32(from), uint32(to))
}

func (c *Configuration) AFM() protocol.AFMProperties {
	return *c.afm.Load()
}

func (c *Configuration) SetAFM(p protocol.AFMProperties) {
	c.afm.Store(&p)
}

func (c *Configuration) STM() protocol.STMProperties {
	return *c.stm.Load()
}

func (c *Configuration) SetSTM(p protocol.STMProperties) {
	c.stm.Store(&p)
}
