package protocol

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies a stream message on the data channel
type Kind uint8

const (
	KindImageStart Kind = 0x80
	KindImageData  Kind = 0x81
	KindImageEnd   Kind = 0x82
)

// Stream message layout: [kind][length][payload...]
const (
	StreamHeaderSize = 2
	StreamPayloadMax = 255
	StreamMessageMax = StreamHeaderSize + StreamPayloadMax
	ImageStartSize   = 4
)

func (k Kind) Valid() bool {
	return k == KindImageStart || k == KindImageData || k == KindImageEnd
}

func (k Kind) String() string {
	switch k {
	case KindImageStart:
		return "image_start"
	case KindImageData:
		return "image_data"
	case KindImageEnd:
		return "image_end"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// StreamMessage is one decoded data-plane message
type StreamMessage struct {
	Kind    Kind
	Payload []byte
}

// AppendMessage appends the encoding of one stream message to dst
func AppendMessage(dst []byte, kind Kind, payload []byte) ([]byte, error) {
	if len(payload) > StreamPayloadMax {
		return dst, fmt.Errorf("%s: %w: %d bytes", kind, ErrFrameTooLong, len(payload))
	}
	dst = append(dst, uint8(kind), uint8(len(payload)))
	return append(dst, payload...), nil
}

// Encode appends a sequence of messages to dst
func Encode(dst []byte, msgs ...StreamMessage) ([]byte, error) {
	var err error
	for _, m := range msgs {
		if dst, err = AppendMessage(dst, m.Kind, m.Payload); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// ImageStart is the IMAGE-START payload: image dimensions in pixels
type ImageStart struct {
	Width  uint16
	Height uint16
}

func (s ImageStart) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, s.Width)
	return binary.LittleEndian.AppendUint16(b, s.Height)
}

func (s *ImageStart) UnmarshalBinary(b []byte) error {
	if len(b) < ImageStartSize {
		return fmt.Errorf("image start: %w", ErrShortPayload)
	}
	s.Width = binary.LittleEndian.Uint16(b[0:2])
	s.Height = binary.LittleEndian.Uint16(b[2:4])
	return nil
}
