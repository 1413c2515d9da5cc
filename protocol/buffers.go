package protocol

// InputBuffer is a window over received link bytes
type InputBuffer interface {
	// Data returns the unconsumed bytes as one contiguous slice
	Data() []byte

	// Available returns the number of unconsumed bytes
	Available() int

	// Pop consumes n bytes from the front
	Pop(n int)
}

// OutputBuffer collects encoded link frames until they are flushed
type OutputBuffer interface {
	// Output appends data and returns how many bytes were accepted
	Output(data []byte) int

	// Free returns the remaining capacity in bytes
	Free() int
}

// SliceInputBuffer implements InputBuffer over a byte slice
type SliceInputBuffer struct {
	data []byte
}

func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte   { return s.data }
func (s *SliceInputBuffer) Available() int { return len(s.data) }

func (s *SliceInputBuffer) Pop(n int) {
	if n > len(s.data) {
		n = len(s.data)
	}
	s.data = s.data[n:]
}

// ScratchOutput is a fixed OutputBuffer holding several frames. It never
// allocates; bytes beyond capacity are refused.
type ScratchOutput struct {
	buf [FrameMax]byte
	pos int
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) int {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	return n
}

func (s *ScratchOutput) Free() int {
	return len(s.buf) - s.pos
}

// Len returns the number of buffered bytes
func (s *ScratchOutput) Len() int {
	return s.pos
}

// Result returns the buffered bytes; valid until the next Output or Reset
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

func (s *ScratchOutput) Reset() {
	s.pos = 0
}

// FifoBuffer is the circular receive buffer between the serial driver and the
// transport. One slot is kept empty to tell full from empty.
type FifoBuffer struct {
	buf   []byte
	read  int
	write int
}

func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write appends as much of data as fits and returns the count
func (f *FifoBuffer) Write(data []byte) int {
	written := 0
	for _, b := range data {
		next := (f.write + 1) % len(f.buf)
		if next == f.read {
			break
		}
		f.buf[f.write] = b
		f.write = next
		written++
	}
	return written
}

// Read moves up to len(data) bytes out of the FIFO
func (f *FifoBuffer) Read(data []byte) int {
	n := 0
	for n < len(data) && f.read != f.write {
		data[n] = f.buf[f.read]
		f.read = (f.read + 1) % len(f.buf)
		n++
	}
	return n
}

func (f *FifoBuffer) Available() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return len(f.buf) - f.read + f.write
}

func (f *FifoBuffer) Free() int {
	return len(f.buf) - f.Available() - 1
}

// Data returns the unread bytes as one slice. A wrapped FIFO is rotated in
// place so the read position becomes zero; no allocation takes place.
func (f *FifoBuffer) Data() []byte {
	if f.read <= f.write {
		return f.buf[f.read:f.write]
	}
	n := f.Available()
	rotateLeft(f.buf, f.read)
	f.read, f.write = 0, n
	return f.buf[:n]
}

func (f *FifoBuffer) Pop(n int) {
	if avail := f.Available(); n > avail {
		n = avail
	}
	f.read = (f.read + n) % len(f.buf)
}

func (f *FifoBuffer) IsEmpty() bool {
	return f.read == f.write
}

func (f *FifoBuffer) Reset() {
	f.read = 0
	f.write = 0
}

// rotateLeft rotates b left by k positions using three reversals
func rotateLeft(b []byte, k int) {
	reverse(b[:k])
	reverse(b[k:])
	reverse(b)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
