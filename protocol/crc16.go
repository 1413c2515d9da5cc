package protocol

// CRC16 is the CRC-16/MCRF4XX (CCITT reflected, init 0xFFFF) used by the link
// frame trailer, computed over the length, sequence and body bytes.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b ^= uint8(crc)
		b ^= b << 4
		w := uint16(b)
		crc = (w<<8 | crc>>8) ^ (w >> 4) ^ (w << 3)
	}
	return crc
}
