package core

import (
	"errors"
	"sync/atomic"

	"afm/protocol"
)

// ErrNoImageStream is returned when image data is written with no stream open
var ErrNoImageStream = errors.New("no image stream open")

// ImageSource produces the pixels of a running scan. StartImage is called
// once IMAGE-START is queued; the source then streams with WriteImageData and
// ends the image with FinishImage. AbortImage is called when STOP closes the
// stream first.
type ImageSource interface {
	StartImage(run protocol.Run)
	AbortImage()
}

// Dispatcher executes control requests against the shared configuration.
// It does no I/O: requests arrive as buffers from the transport, and stream
// messages leave through the encoder queue.
//
// While a stream is open one queue slot is held back for IMAGE-END, so STOP
// can always close the stream without waiting for the consumer.
type Dispatcher struct {
	cfg      *Configuration
	engine   *Engine
	servo    *HeightServo
	encoder  *StreamEncoder
	registry *CommandRegistry

	policy TagPolicy
	source ImageSource

	streamOpen atomic.Bool
}

func NewDispatcher(cfg *Configuration, engine *Engine, servo *HeightServo, encoder *StreamEncoder) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		engine:   engine,
		servo:    servo,
		encoder:  encoder,
		registry: NewCommandRegistry(),
	}
	d.registerCommands()
	return d
}

// SetTagPolicy selects how out-of-range type and mode bytes are handled
func (d *Dispatcher) SetTagPolicy(p TagPolicy) {
	d.policy = p
}

// SetImageSource attaches the pixel producer. Without one, RUN emits an empty
// IMAGE-START/IMAGE-END pair.
func (d *Dispatcher) SetImageSource(src ImageSource) {
	d.source = src
}

// Registry exposes the command table
func (d *Dispatcher) Registry() *CommandRegistry {
	return d.registry
}

// Handle decodes and executes one request. It writes the response payload
// into out and returns the wire status and payload length. It has the shape
// of protocol.CommandHandler.
func (d *Dispatcher) Handle(code protocol.Code, payload []byte, out []byte) (protocol.Status, int) {
	req, err := protocol.DecodeRequest(code, payload)
	var resp protocol.Response
	if err == nil {
		resp, err = d.Dispatch(req)
	}

	status := protocol.StatusFromError(err)
	RecordTiming(EvtCommand, uint8(code), uint32(status), uint32(len(payload)))
	if err != nil {
		DebugAsync("[CMD] " + code.String() + ": " + err.Error())
		return status, 0
	}
	if resp == nil {
		return status, 0
	}

	var tmp [protocol.ResponsePayloadMax]byte
	return status, copy(out, resp.AppendBinary(tmp[:0]))
}

// Dispatch executes one decoded request
func (d *Dispatcher) Dispatch(req protocol.Request) (protocol.Response, error) {
	return d.registry.Dispatch(req)
}

// StreamOpen reports whether an image stream is between START and END
func (d *Dispatcher) StreamOpen() bool {
	return d.streamOpen.Load()
}

// WriteImageData queues data as IMAGE-DATA messages without waiting. It
// returns how many bytes were queued; fewer than len(data) means the queue
// is full and the caller should retry after the link drains it.
func (d *Dispatcher) WriteImageData(data []byte) (int, error) {
	if !d.streamOpen.Load() {
		return 0, ErrNoImageStream
	}

	written := 0
	for written < len(data) && d.encoder.Free() > 1 {
		n := len(data) - written
		if n > protocol.StreamPayloadMax {
			n = protocol.StreamPayloadMax
		}
		msg := protocol.StreamMessage{Kind: protocol.KindImageData, Payload: data[written : written+n]}
		if err := d.encoder.TryPush(msg); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// FinishImage closes the open stream and returns the instrument to IDLE
func (d *Dispatcher) FinishImage() {
	if d.closeStream() {
		d.cfg.TransitionRunState(protocol.RunStateRunning, protocol.RunStateIdle)
	}
}

// closeStream queues IMAGE-END if a stream is open. The reserved slot
// guarantees the push succeeds.
func (d *Dispatcher) closeStream() bool {
	if !d.streamOpen.Swap(false) {
		return false
	}
	if err := d.encoder.TryPush(protocol.StreamMessage{Kind: protocol.KindImageEnd}); err != nil {
		RecordTiming(EvtOverrun, uint8(protocol.KindImageEnd), uint32(d.encoder.Pending()), 0)
	}
	return true
}
