package image

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"afm/protocol"
)

// Image is one scan as received from the instrument. Pixels holds Width x
// Height heights in row order.
type Image struct {
	ID     uuid.UUID
	Width  int
	Height int
	Pixels []uint16
}

// At returns the pixel at column x, row y
func (img *Image) At(x, y int) uint16 {
	return img.Pixels[y*img.Width+x]
}

// Complete reports whether every pixel has arrived
func (img *Image) Complete() bool {
	return len(img.Pixels) == img.Width*img.Height
}

// Range returns the lowest and highest pixel values
func (img *Image) Range() (lo, hi float64) {
	if len(img.Pixels) == 0 {
		return 0, 0
	}
	v := make([]float64, len(img.Pixels))
	for i, p := range img.Pixels {
		v[i] = float64(p)
	}
	return floats.Min(v), floats.Max(v)
}

// Assembler builds an Image from decoded stream messages. It is the
// protocol.MessageHandler behind the host's stream decoder; message order
// or sizes that do not fit the announced dimensions fail with
// protocol.ErrStreamDesync.
type Assembler struct {
	img   *Image
	carry [1]byte // first byte of a pixel split across messages
	odd   bool
	done  bool

	onProgress func(received, total int)
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// SetProgressCallback installs a function called after every IMAGE-DATA
// message with the pixel counts
func (a *Assembler) SetProgressCallback(fn func(received, total int)) {
	a.onProgress = fn
}

// HandleMessage implements protocol.MessageHandler
func (a *Assembler) HandleMessage(kind protocol.Kind, payload []byte) error {
	switch kind {
	case protocol.KindImageStart:
		var start protocol.ImageStart
		if err := start.UnmarshalBinary(payload); err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrStreamDesync, err)
		}
		n := int(start.Width) * int(start.Height)
		a.img = &Image{
			ID:     uuid.New(),
			Width:  int(start.Width),
			Height: int(start.Height),
			Pixels: make([]uint16, 0, n),
		}
		a.odd = false
		a.done = false
		return nil

	case protocol.KindImageData:
		if a.img == nil || a.done {
			return fmt.Errorf("%w: image data outside an image", protocol.ErrStreamDesync)
		}
		return a.appendData(payload)

	case protocol.KindImageEnd:
		if a.img == nil {
			return fmt.Errorf("%w: image end without start", protocol.ErrStreamDesync)
		}
		if a.odd {
			return fmt.Errorf("%w: image ended inside a pixel", protocol.ErrStreamDesync)
		}
		a.done = true
		return nil
	}
	return fmt.Errorf("%w: unexpected %s", protocol.ErrStreamDesync, kind)
}

func (a *Assembler) appendData(payload []byte) error {
	img := a.img
	total := img.Width * img.Height

	if a.odd && len(payload) > 0 {
		img.Pixels = append(img.Pixels, uint16(a.carry[0])|uint16(payload[0])<<8)
		payload = payload[1:]
		a.odd = false
	}
	for len(payload) >= 2 {
		img.Pixels = append(img.Pixels, binary.LittleEndian.Uint16(payload))
		payload = payload[2:]
	}
	if len(payload) == 1 {
		a.carry[0] = payload[0]
		a.odd = true
	}

	if len(img.Pixels) > total {
		return fmt.Errorf("%w: %d pixels for a %dx%d image", protocol.ErrStreamDesync, len(img.Pixels), img.Width, img.Height)
	}
	if a.onProgress != nil {
		a.onProgress(len(img.Pixels), total)
	}
	return nil
}

// Done reports whether IMAGE-END has been received
func (a *Assembler) Done() bool {
	return a.done
}

// Image returns the image being assembled, nil before IMAGE-START
func (a *Assembler) Image() *Image {
	return a.img
}

// Progress returns the received fraction of pixels, 0 before IMAGE-START
func (a *Assembler) Progress() float64 {
	if a.img == nil {
		return 0
	}
	total := a.img.Width * a.img.Height
	if total == 0 {
		return 1
	}
	return float64(len(a.img.Pixels)) / float64(total)
}

// Reset discards any partial image
func (a *Assembler) Reset() {
	a.img = nil
	a.odd = false
	a.done = false
}
