package protocol

import "sync/atomic"

// ResponsePayloadMax is the largest control response payload one frame carries
const ResponsePayloadMax = FrameBodyMax - 1

// CommandHandler executes one control request. It writes the response payload
// into out and returns the status and the number of payload bytes written.
type CommandHandler func(code Code, payload []byte, out []byte) (Status, int)

// Transport is the device side of the link. It decodes control frames from
// the host, answers each one with a response frame that echoes its sequence
// byte, and frames outbound stream chunks on the data channel.
type Transport struct {
	output  OutputBuffer
	handler CommandHandler

	dataSeq uint32 // atomic, next data-channel sequence byte

	frames  uint32 // atomic, valid frames received
	dropped uint32 // atomic, bytes discarded while resynchronizing

	flushCallback func() // drains output when a frame does not fit
}

func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		output:  output,
		handler: handler,
		dataSeq: ChannelData,
	}
}

// SetFlushCallback installs the function used to drain output when it is too
// full for another frame
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

// Receive processes every complete frame in input and consumes it. A frame is
// left unconsumed when output has no room for its response; the caller retries
// after flushing.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()
	consumed := 0

	for consumed < len(data) {
		msg, n, ok := ScanFrame(data[consumed:])
		if !ok {
			if n == 0 {
				break
			}
			atomic.AddUint32(&t.dropped, uint32(n))
			consumed += n
			continue
		}

		// Host-to-device data frames carry nothing we act on
		if msg.Channel() != ChannelControl {
			consumed += n
			continue
		}

		if !t.reserve(FrameLengthMax) {
			break
		}
		atomic.AddUint32(&t.frames, 1)
		t.respond(msg)
		consumed += n
	}

	if consumed > 0 {
		input.Pop(consumed)
	}
}

func (t *Transport) respond(msg MessageBlock) {
	var body [FrameBodyMax]byte

	status, n := StatusMalformed, 0
	if len(msg.Body) > 0 {
		status, n = t.dispatch(Code(msg.Body[0]), msg.Body[1:], body[1:])
	}
	body[0] = uint8(status)

	var frame [FrameLengthMax]byte
	out, _ := AppendFrame(frame[:0], msg.Sequence, body[:1+n])
	t.output.Output(out)
}

// dispatch runs the handler and turns a handler panic into a MALFORMED status
// so a bad request cannot take the firmware down
func (t *Transport) dispatch(code Code, payload, out []byte) (status Status, n int) {
	defer func() {
		if r := recover(); r != nil {
			status, n = StatusMalformed, 0
		}
	}()

	if t.handler == nil {
		return StatusUnknownCommand, 0
	}
	status, n = t.handler(code, payload, out)
	if n > len(out) {
		n = len(out)
	}
	return status, n
}

// EncodeData frames one stream chunk on the data channel. It returns
// ErrFrameTooLong for a chunk above FrameBodyMax and ErrQueueFull when output
// has no room even after a flush.
func (t *Transport) EncodeData(chunk []byte) error {
	if len(chunk) > FrameBodyMax {
		return ErrFrameTooLong
	}
	if !t.reserve(len(chunk) + FrameLengthMin) {
		return ErrQueueFull
	}

	seq := uint8(atomic.LoadUint32(&t.dataSeq))
	atomic.StoreUint32(&t.dataSeq, uint32(NextSeq(seq)))

	var frame [FrameLengthMax]byte
	out, err := AppendFrame(frame[:0], seq, chunk)
	if err != nil {
		return err
	}
	t.output.Output(out)
	return nil
}

// reserve makes sure output can take n more bytes, flushing once if needed
func (t *Transport) reserve(n int) bool {
	if t.output.Free() >= n {
		return true
	}
	if t.flushCallback != nil {
		t.flushCallback()
	}
	return t.output.Free() >= n
}

// Stats returns the count of valid frames received and of bytes dropped while
// resynchronizing
func (t *Transport) Stats() (frames, dropped uint32) {
	return atomic.LoadUint32(&t.frames), atomic.LoadUint32(&t.dropped)
}

// Reset restarts the data-channel sequence, e.g. after the host reconnects
func (t *Transport) Reset() {
	atomic.StoreUint32(&t.dataSeq, ChannelData)
}
