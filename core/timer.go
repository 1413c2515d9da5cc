package core

import "sync/atomic"

const (
	TimerFreq = 12000000 // 12MHz system timer

	// DefaultSampleRate is the per-sample DAC update rate in Hz
	DefaultSampleRate = 100000
)

// systemTicks is the time stamped into the timing ring. Each instrument
// keeps its own sample clock and publishes it here with SetTime.
var systemTicks atomic.Uint32

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return systemTicks.Load()
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	systemTicks.Store(ticks)
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * TimerFreq / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return uint32(uint64(ticks) * 1000000 / TimerFreq)
}

// SamplePeriod returns the timer ticks between samples at rate Hz
func SamplePeriod(rate uint32) uint32 {
	if rate == 0 {
		rate = DefaultSampleRate
	}
	p := TimerFreq / rate
	if p == 0 {
		p = 1
	}
	return p
}

// SampleClock drains a BufferReader into a sink at a fixed period, driven by
// a Scheduler timer
type SampleClock struct {
	timer  Timer
	period uint32
	reader *BufferReader
	sink   func(Sample)
}

func NewSampleClock(reader *BufferReader, period uint32, sink func(Sample)) *SampleClock {
	c := &SampleClock{period: period, reader: reader, sink: sink}
	c.timer.Handler = c.fire
	return c
}

// Start schedules the first sample one period after now
func (c *SampleClock) Start(s *Scheduler, now uint32) {
	c.timer.WakeTime = now + c.period
	s.Schedule(&c.timer)
}

// Stop removes the clock from the scheduler
func (c *SampleClock) Stop(s *Scheduler) {
	s.Cancel(&c.timer)
}

func (c *SampleClock) Period() uint32 {
	return c.period
}

func (c *SampleClock) fire(t *Timer) uint8 {
	smp := c.reader.Next()
	if c.sink != nil {
		c.sink(smp)
	}
	t.WakeTime += c.period
	return SF_RESCHEDULE
}
