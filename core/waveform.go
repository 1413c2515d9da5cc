package core

import "sync/atomic"

// Channel identifies one piezo axis
type Channel uint8

const (
	ChannelX Channel = iota
	ChannelY
	ChannelZ

	NumChannels = 3
)

func (c Channel) String() string {
	switch c {
	case ChannelX:
		return "X"
	case ChannelY:
		return "Y"
	case ChannelZ:
		return "Z"
	default:
		return "?"
	}
}

// SetpointCenter is the 32-bit setpoint code for a centered (zero) output
const SetpointCenter uint32 = 0x80000000

// DefaultSamplesPerHalf is the per-channel sample count of one buffer half
const DefaultSamplesPerHalf = 64

// Sample is one DAC word tagged with its channel
type Sample struct {
	Channel Channel
	Value   uint16
}

// Half selects one half of the double buffer
type Half uint8

const (
	FirstHalf Half = iota
	SecondHalf
)

// SampleBuffer holds two halves of interleaved X, Y, Z samples
type SampleBuffer struct {
	samples []Sample
	perHalf int
}

func newSampleBuffer(samplesPerHalf int) SampleBuffer {
	return SampleBuffer{
		samples: make([]Sample, 2*samplesPerHalf*NumChannels),
		perHalf: samplesPerHalf,
	}
}

// Half returns the samples of one half
func (b *SampleBuffer) Half(h Half) []Sample {
	n := b.perHalf * NumChannels
	return b.samples[int(h)*n : (int(h)+1)*n]
}

// Len returns the total number of samples in both halves
func (b *SampleBuffer) Len() int {
	return len(b.samples)
}

// generator is the per-channel ramp state carried between refills
type generator struct {
	pos  uint32 // last emitted position, full precision
	frac uint32 // quantization error carried below one output LSB
}

// quantize drops v to 16 bits, feeding the discarded low half back into the
// next sample so the running mean tracks v exactly
func (g *generator) quantize(v uint32) uint16 {
	sum := g.frac + v&0xFFFF
	out := v >> 16
	if sum >= 0x10000 {
		sum -= 0x10000
		out++
	}
	g.frac = sum
	if out > 0xFFFF {
		out = 0xFFFF
	}
	return uint16(out)
}

func (g *generator) center() {
	g.pos = SetpointCenter
	g.frac = 0
}

// Engine generates the piezo waveform. Refill runs in interrupt context and
// reads the setpoints; the task context and the servo write them. A setpoint
// is a single aligned word, so atomic replacement is the only synchronization.
type Engine struct {
	cfg       *Configuration
	buf       SampleBuffer
	setpoints [NumChannels]atomic.Uint32
	gen       [NumChannels]generator
	refills   atomic.Uint32
}

func NewEngine(cfg *Configuration, samplesPerHalf int) *Engine {
	if samplesPerHalf <= 0 {
		samplesPerHalf = DefaultSamplesPerHalf
	}
	e := &Engine{
		cfg: cfg,
		buf: newSampleBuffer(samplesPerHalf),
	}
	for ch := range e.gen {
		e.setpoints[ch].Store(SetpointCenter)
		e.gen[ch].center()
	}
	return e
}

func (e *Engine) Setpoint(ch Channel) uint32 {
	return e.setpoints[ch].Load()
}

func (e *Engine) SetSetpoint(ch Channel, v uint32) {
	e.setpoints[ch].Store(v)
}

// CenterAll moves every setpoint to the center code
func (e *Engine) CenterAll() {
	for ch := range e.setpoints {
		e.setpoints[ch].Store(SetpointCenter)
	}
}

// Buffer returns the sample buffer the reader drains
func (e *Engine) Buffer() *SampleBuffer {
	return &e.buf
}

// Refills returns the number of half refills performed
func (e *Engine) Refills() uint32 {
	return e.refills.Load()
}

// Refill writes one half of the buffer. Each channel ramps linearly from the
// position emitted last toward its current setpoint and lands on it exactly
// at the last sample of the half. With Z control off every channel is held
// at center instead; the setpoints themselves are left alone.
//
// Refill must only be called for the half the reader has just left.
func (e *Engine) Refill(h Half) {
	out := e.buf.Half(h)
	n := e.buf.perHalf

	if !e.cfg.ZControl().Regulating() {
		centered := uint16(SetpointCenter >> 16)
		for ch := range e.gen {
			e.gen[ch].center()
		}
		for i := range out {
			out[i] = Sample{Channel: Channel(i % NumChannels), Value: centered}
		}
		e.refills.Add(1)
		RecordTiming(EvtRefill, uint8(h), 0, 0)
		return
	}

	for ch := range e.gen {
		g := &e.gen[ch]
		start := int64(g.pos)
		target := e.setpoints[ch].Load()
		delta := int64(target) - start

		for i := 1; i <= n; i++ {
			v := uint32(start + delta*int64(i)/int64(n))
			out[(i-1)*NumChannels+ch] = Sample{Channel: Channel(ch), Value: g.quantize(v)}
		}
		g.pos = target
	}

	e.refills.Add(1)
	RecordTiming(EvtRefill, uint8(h), e.setpoints[ChannelZ].Load(), 0)
}

// Prime fills both halves before the reader starts
func (e *Engine) Prime() {
	e.Refill(FirstHalf)
	e.Refill(SecondHalf)
}

// BufferReader models the circular DMA transfer that drains the sample
// buffer at the sample clock. Crossing into the second half raises the
// half-transfer event, which refills the first half; wrapping raises the
// transfer-complete event, which refills the second half and then runs the
// cycle hook (the servo update).
type BufferReader struct {
	engine  *Engine
	pos     int
	onCycle func()
	cycles  atomic.Uint32
}

func (e *Engine) NewReader(onCycle func()) *BufferReader {
	return &BufferReader{engine: e, onCycle: onCycle}
}

// Next returns the sample at the read position and advances it
func (r *BufferReader) Next() Sample {
	buf := &r.engine.buf
	s := buf.samples[r.pos]
	r.pos++

	switch r.pos {
	case buf.Len() / 2:
		r.engine.Refill(FirstHalf)
	case buf.Len():
		r.pos = 0
		r.engine.Refill(SecondHalf)
		r.cycles.Add(1)
		if r.onCycle != nil {
			r.onCycle()
		}
	}
	return s
}

// Cycles returns the number of completed buffer cycles
func (r *BufferReader) Cycles() uint32 {
	return r.cycles.Load()
}

// SamplesPerCycle returns how many Next calls make up one cycle
func (r *BufferReader) SamplesPerCycle() int {
	return r.engine.buf.Len()
}
