package protocol

import "bytes"

// Link frame layout: [len][seq][body...][crc16 hi][crc16 lo][sync]
const (
	FrameHeaderSize  = 2
	FrameTrailerSize = 3
	FrameLengthMin   = FrameHeaderSize + FrameTrailerSize
	FrameLengthMax   = 64
	FrameBodyMax     = FrameLengthMax - FrameLengthMin
	FrameSync        = 0x7E

	framePosLen = 0
	framePosSeq = 1
)

// NextSeq advances the rolling low nibble of seq, keeping the channel
func NextSeq(seq uint8) uint8 {
	return seq&ChannelMask | (seq+1)&SeqMask
}

// AppendFrame appends one encoded frame carrying body to dst
func AppendFrame(dst []byte, seq uint8, body []byte) ([]byte, error) {
	if len(body) > FrameBodyMax {
		return dst, ErrFrameTooLong
	}
	start := len(dst)
	dst = append(dst, uint8(len(body)+FrameLengthMin), seq)
	dst = append(dst, body...)
	crc := CRC16(dst[start:])
	return append(dst, uint8(crc>>8), uint8(crc), FrameSync), nil
}

// ScanFrame examines the front of data. It returns the decoded frame and its
// encoded length when a complete valid frame is present. When ok is false, n
// is the number of bytes to discard before scanning again; n == 0 means more
// input is needed. The frame body aliases data.
func ScanFrame(data []byte) (msg MessageBlock, n int, ok bool) {
	if len(data) == 0 {
		return msg, 0, false
	}
	if data[0] == FrameSync {
		return msg, 1, false
	}

	msgLen := int(data[framePosLen])
	if msgLen < FrameLengthMin || msgLen > FrameLengthMax {
		return msg, resync(data), false
	}
	if len(data) < FrameHeaderSize {
		return msg, 0, false
	}
	seq := data[framePosSeq]
	if ch := seq & ChannelMask; ch != ChannelControl && ch != ChannelData {
		return msg, resync(data), false
	}
	if len(data) < msgLen {
		return msg, 0, false
	}
	if data[msgLen-1] != FrameSync {
		return msg, resync(data), false
	}

	crc := uint16(data[msgLen-3])<<8 | uint16(data[msgLen-2])
	if crc != CRC16(data[:msgLen-FrameTrailerSize]) {
		return msg, resync(data), false
	}

	return MessageBlock{
		Length:   uint8(msgLen),
		Sequence: seq,
		Body:     data[FrameHeaderSize : msgLen-FrameTrailerSize],
		CRC:      crc,
	}, msgLen, true
}

// resync returns how many bytes to drop to land just past the next sync byte
func resync(data []byte) int {
	i := bytes.IndexByte(data[1:], FrameSync)
	if i < 0 {
		return len(data)
	}
	return i + 2
}
