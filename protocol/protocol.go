// Package protocol implements the wire formats shared by the microscope
// firmware and the host: fixed-layout control records, the image stream
// framing, and the serial link framing that carries both.
package protocol

// Firmware version reported by GET-FIRMWARE-VERSION
const (
	FirmwareVersionMajor = 0
	FirmwareVersionMinor = 2
)

// USB identifiers of the instrument's CDC interface
const (
	USBVendorID  = 0x1209
	USBProductID = 0x6742
)

// Link frame constants
const (
	FrameMax = 256 // Scratch capacity for encoded link output (several frames)

	// Channel selectors carried in the high nibble of the sequence byte
	ChannelControl = 0x10
	ChannelData    = 0x20
	ChannelMask    = 0xF0

	// Sequence numbers wrap in the low nibble
	SeqMask = 0x0F
)

// MessageBlock is one decoded link frame
type MessageBlock struct {
	Length   uint8
	Sequence uint8
	Body     []byte
	CRC      uint16
}

// Channel returns the channel selector of the frame
func (m *MessageBlock) Channel() uint8 {
	return m.Sequence & ChannelMask
}
