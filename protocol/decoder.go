package protocol

// MessageHandler consumes decoded stream messages. The payload slice is only
// valid for the duration of the call.
type MessageHandler interface {
	HandleMessage(kind Kind, payload []byte) error
}

// MessageHandlerFunc adapts a function to MessageHandler
type MessageHandlerFunc func(kind Kind, payload []byte) error

func (f MessageHandlerFunc) HandleMessage(kind Kind, payload []byte) error {
	return f(kind, payload)
}

type decoderState uint8

const (
	awaitCode decoderState = iota
	awaitLength
	awaitPayload
)

// StreamDecoder reassembles stream messages from an arbitrarily fragmented
// byte stream. Its state survives across Write calls, so a read that ends in
// the middle of a message resumes where it stopped. It is not safe for
// concurrent use.
type StreamDecoder struct {
	handler MessageHandler

	state     decoderState
	kind      Kind
	length    int
	remaining int
	payload   [StreamPayloadMax]byte

	skipped uint64
}

func NewStreamDecoder(handler MessageHandler) *StreamDecoder {
	return &StreamDecoder{handler: handler}
}

// Write feeds bytes into the state machine. If the handler fails, Write
// returns the count consumed up to and including the completing byte along
// with that error; the decoder is already back in its idle state.
func (d *StreamDecoder) Write(p []byte) (int, error) {
	for i := 0; i < len(p); i++ {
		b := p[i]
		switch d.state {
		case awaitCode:
			// Zero and unknown bytes between messages are skipped
			if k := Kind(b); k.Valid() {
				d.kind = k
				d.state = awaitLength
			} else {
				d.skipped++
			}

		case awaitLength:
			d.length = int(b)
			d.remaining = d.length
			if d.remaining == 0 {
				if err := d.dispatch(); err != nil {
					return i + 1, err
				}
				continue
			}
			d.state = awaitPayload

		case awaitPayload:
			// Copy as much of this message as p holds in one step
			n := copy(d.payload[d.length-d.remaining:d.length], p[i:])
			d.remaining -= n
			i += n - 1
			if d.remaining == 0 {
				if err := d.dispatch(); err != nil {
					return i + 1, err
				}
			}
		}
	}
	return len(p), nil
}

func (d *StreamDecoder) dispatch() error {
	d.state = awaitCode
	if d.handler == nil {
		return nil
	}
	return d.handler.HandleMessage(d.kind, d.payload[:d.length])
}

// Idle reports whether the decoder sits between messages
func (d *StreamDecoder) Idle() bool {
	return d.state == awaitCode
}

// Skipped returns the number of bytes discarded while waiting for a kind byte
func (d *StreamDecoder) Skipped() uint64 {
	return d.skipped
}

// Reset drops any partial message
func (d *StreamDecoder) Reset() {
	d.state = awaitCode
	d.length = 0
	d.remaining = 0
}
