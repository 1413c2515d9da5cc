package firmware

import (
	"encoding/binary"
	"errors"

	"afm/core"
	"afm/protocol"
)

// pixelBatch is the most pixel bytes put in one IMAGE-DATA message; even so
// a pixel never straddles two messages
const pixelBatch = protocol.StreamPayloadMax - 1

// HeightImager records the regulated Z height as a little-endian uint16 per
// pixel, one pixel every dwell servo cycles, until the Resolution x Resolution
// image is complete. It leaves X and Y where the host put them; positioning
// the tip between pixels is up to whatever drives the scan path.
type HeightImager struct {
	d      *core.Dispatcher
	engine *core.Engine
	reader *core.BufferReader
	dwell  uint32

	active bool
	pixel  int
	total  int
	mark   uint32 // reader cycle count when the current pixel started

	out  []byte
	sent int
}

func NewHeightImager(d *core.Dispatcher, engine *core.Engine, reader *core.BufferReader, dwell uint32) *HeightImager {
	return &HeightImager{
		d:      d,
		engine: engine,
		reader: reader,
		dwell:  dwell,
		out:    make([]byte, 0, protocol.StreamPayloadMax),
	}
}

func (m *HeightImager) StartImage(run protocol.Run) {
	m.active = true
	m.pixel = 0
	m.total = int(run.Resolution) * int(run.Resolution)
	m.out = m.out[:0]
	m.sent = 0
	m.mark = m.reader.Cycles()
}

func (m *HeightImager) AbortImage() {
	m.active = false
	m.out = m.out[:0]
	m.sent = 0
}

// Active reports whether a scan is in progress
func (m *HeightImager) Active() bool {
	return m.active
}

// Pump advances the scan as far as the queue and the servo allow. It reports
// whether anything was queued.
func (m *HeightImager) Pump() bool {
	queued := false
	for m.active {
		unsent := len(m.out) - m.sent
		if unsent >= pixelBatch || (unsent > 0 && m.pixel == m.total) {
			n, err := m.d.WriteImageData(m.out[m.sent:])
			m.sent += n
			queued = queued || n > 0
			if errors.Is(err, core.ErrNoImageStream) {
				m.AbortImage()
				break
			}
			if m.sent < len(m.out) {
				break
			}
			m.out = m.out[:0]
			m.sent = 0
			continue
		}

		if m.pixel == m.total {
			m.d.FinishImage()
			m.active = false
			queued = true
			break
		}
		if m.reader.Cycles()-m.mark < m.dwell {
			break
		}

		z := uint16(m.engine.Setpoint(core.ChannelZ) >> 16)
		m.out = binary.LittleEndian.AppendUint16(m.out, z)
		m.pixel++
		m.mark = m.reader.Cycles()
	}
	return queued
}
