package core

import (
	"sync/atomic"

	"afm/protocol"
)

// DefaultStreamDepth is the number of messages the outbound queue holds
const DefaultStreamDepth = 5

// streamSlot holds one encoded message
type streamSlot struct {
	buf [protocol.StreamMessageMax]byte
	n   int
}

// StreamEncoder is the bounded outbound stream queue. Exactly one producer
// (the command task) pushes framed messages and exactly one consumer (the
// link loop) pulls bytes. Slots are allocated once; head and tail are free
// running counters so neither side ever locks.
//
// A full queue never drops and never overwrites: TryPush fails with
// ErrQueueFull and the producer keeps the message until the link task has
// pulled a slot free. Producer and consumer share the link task, so the wait
// is a retry on the next poll rather than a blocked goroutine.
type StreamEncoder struct {
	slots []streamSlot
	head  atomic.Uint32 // next slot the producer writes
	tail  atomic.Uint32 // next slot the consumer reads
	off   int           // consumer offset into the tail slot
}

func NewStreamEncoder(depth int) *StreamEncoder {
	if depth <= 0 {
		depth = DefaultStreamDepth
	}
	return &StreamEncoder{slots: make([]streamSlot, depth)}
}

// Depth returns the queue capacity in messages
func (e *StreamEncoder) Depth() int {
	return len(e.slots)
}

// Pending returns the number of queued messages, including one partly pulled
func (e *StreamEncoder) Pending() int {
	return int(e.head.Load() - e.tail.Load())
}

// Free returns the number of messages TryPush will accept
func (e *StreamEncoder) Free() int {
	return len(e.slots) - e.Pending()
}

// TryPush frames one message into the queue without waiting
func (e *StreamEncoder) TryPush(msg protocol.StreamMessage) error {
	if len(msg.Payload) > protocol.StreamPayloadMax {
		return protocol.ErrFrameTooLong
	}
	head := e.head.Load()
	if int(head-e.tail.Load()) >= len(e.slots) {
		return protocol.ErrQueueFull
	}

	slot := &e.slots[head%uint32(len(e.slots))]
	b, _ := protocol.AppendMessage(slot.buf[:0], msg.Kind, msg.Payload)
	slot.n = len(b)

	e.head.Store(head + 1)
	return nil
}

// PullChunk copies the next queued bytes into dst and returns the count. A
// chunk may end inside a message or span several; 0 means the queue is empty.
func (e *StreamEncoder) PullChunk(dst []byte) int {
	n := 0
	for n < len(dst) {
		tail := e.tail.Load()
		if tail == e.head.Load() {
			break
		}
		slot := &e.slots[tail%uint32(len(e.slots))]
		c := copy(dst[n:], slot.buf[e.off:slot.n])
		e.off += c
		n += c
		if e.off == slot.n {
			e.off = 0
			e.tail.Store(tail + 1)
		}
	}
	return n
}

// Reset drops everything queued. Only call it while neither side is active.
func (e *StreamEncoder) Reset() {
	e.tail.Store(e.head.Load())
	e.off = 0
}
