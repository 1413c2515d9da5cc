package firmware

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"afm/config"
	"afm/core"
	"afm/protocol"
)

// PollInterval is how often Serve services the link when no input arrives
const PollInterval = 200 * time.Microsecond

const inputBufferSize = 256

// Firmware wires the instrument core to one serial link. Tick is the sample
// interrupt; everything else runs in the link task started by Serve.
type Firmware struct {
	cfg        *core.Configuration
	engine     *core.Engine
	reader     *core.BufferReader
	servo      *core.HeightServo
	encoder    *core.StreamEncoder
	dispatcher *core.Dispatcher
	transport  *protocol.Transport
	imager     *HeightImager

	sched core.Scheduler
	clock *core.SampleClock
	now   atomic.Uint32 // sample clock time in timer ticks

	input  *protocol.FifoBuffer
	output *protocol.ScratchOutput
	chunk  [protocol.FrameBodyMax]byte

	port     io.Writer
	writeErr error
}

// New builds the firmware. A nil sensor selects a SimSensor over a sample at
// mid-scale; a nil sink discards the DAC samples.
func New(fc config.Firmware, sensor core.HeightSensor, sink func(core.Sample)) *Firmware {
	f := &Firmware{
		cfg:    core.NewConfiguration(core.DefaultSettings()),
		input:  protocol.NewFifoBuffer(inputBufferSize),
		output: protocol.NewScratchOutput(),
	}

	f.engine = core.NewEngine(f.cfg, fc.SamplesPerHalf)
	if sensor == nil {
		sensor = NewSimSensor(f.engine, 0x8000)
	}
	f.servo = core.NewHeightServo(f.cfg, f.engine, sensor, fc.ServoConfig())
	f.reader = f.engine.NewReader(f.servo.Update)
	f.engine.Prime()

	f.encoder = core.NewStreamEncoder(fc.StreamDepth)
	f.dispatcher = core.NewDispatcher(f.cfg, f.engine, f.servo, f.encoder)
	f.dispatcher.SetTagPolicy(fc.Policy())
	f.imager = NewHeightImager(f.dispatcher, f.engine, f.reader, fc.PixelDwell)
	f.dispatcher.SetImageSource(f.imager)

	f.transport = protocol.NewTransport(f.output, f.dispatcher.Handle)
	f.transport.SetFlushCallback(func() {
		_ = f.flush()
	})

	f.clock = core.NewSampleClock(f.reader, core.SamplePeriod(fc.SampleRate), sink)
	f.clock.Start(&f.sched, 0)
	return f
}

func (f *Firmware) Configuration() *core.Configuration { return f.cfg }
func (f *Firmware) Engine() *core.Engine               { return f.engine }
func (f *Firmware) Reader() *core.BufferReader         { return f.reader }
func (f *Firmware) Servo() *core.HeightServo           { return f.servo }
func (f *Firmware) Dispatcher() *core.Dispatcher       { return f.dispatcher }
func (f *Firmware) Transport() *protocol.Transport     { return f.transport }

// Tick advances this instrument's clock by one sample period and runs the
// timers that became due. On hardware it is the sample timer interrupt.
func (f *Firmware) Tick() int {
	now := f.now.Add(f.clock.Period())
	core.SetTime(now)
	return f.sched.Dispatch(now)
}

// Now returns the sample clock time in timer ticks
func (f *Firmware) Now() uint32 {
	return f.now.Load()
}

// Serve runs the link task on port until ctx is done or the port fails. The
// port should be closed by the caller after Serve returns to release the
// reader goroutine.
func (f *Firmware) Serve(ctx context.Context, port io.ReadWriter) error {
	f.Attach(port)

	incoming := make(chan []byte, 4)
	readErr := make(chan error, 1)
	go readLoop(ctx, port, incoming, readErr)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		case data := <-incoming:
			if err := f.Feed(data); err != nil {
				return err
			}
		case <-ticker.C:
		}

		if err := f.Poll(); err != nil {
			return err
		}
	}
}

// Attach makes port the link output and clears all link state. Serve calls
// it; a bare-metal main loop calls it once and then drives Feed and Poll.
func (f *Firmware) Attach(port io.Writer) {
	f.port = port
	f.writeErr = nil
	f.input.Reset()
	f.output.Reset()
	f.transport.Reset()
	core.DebugPrintln("[LINK] serving")
}

func readLoop(ctx context.Context, r io.Reader, incoming chan<- []byte, readErr chan<- error) {
	for {
		buf := make([]byte, protocol.FrameLengthMax)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case incoming <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

// Feed moves received bytes into the input FIFO, processing frames whenever
// it fills
func (f *Firmware) Feed(data []byte) error {
	for len(data) > 0 {
		n := f.input.Write(data)
		data = data[n:]
		if len(data) == 0 {
			break
		}
		if err := f.Poll(); err != nil {
			return err
		}
		if n == 0 && f.input.Free() == 0 {
			// Nothing parseable in a full FIFO
			f.input.Reset()
		}
	}
	return nil
}

// Poll runs one pass of the link task: answer pending control frames, let
// the imager produce pixels, and frame queued stream bytes onto the link
func (f *Firmware) Poll() error {
	if f.input.Available() > 0 {
		f.transport.Receive(f.input)
	}

	for {
		pumped := f.imager.Pump()
		sent, err := f.drainStream()
		if err != nil {
			return err
		}
		if !pumped && sent == 0 {
			break
		}
	}

	if err := f.flush(); err != nil {
		return err
	}
	return f.writeErr
}

// drainStream frames every queued stream byte and returns how many were sent
func (f *Firmware) drainStream() (int, error) {
	sent := 0
	for {
		if f.output.Free() < protocol.FrameLengthMax {
			if err := f.flush(); err != nil {
				return sent, err
			}
		}
		n := f.encoder.PullChunk(f.chunk[:])
		if n == 0 {
			return sent, nil
		}
		if err := f.transport.EncodeData(f.chunk[:n]); err != nil {
			core.RecordTiming(core.EvtOverrun, uint8(protocol.ChannelData), uint32(n), 0)
			return sent, err
		}
		sent += n
	}
}

// flush writes the pending output frames to the port
func (f *Firmware) flush() error {
	result := f.output.Result()
	if len(result) == 0 || f.port == nil {
		return nil
	}
	_, err := f.port.Write(result)
	f.output.Reset()
	if err != nil {
		f.writeErr = err
	}
	return err
}
