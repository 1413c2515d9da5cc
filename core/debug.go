package core

import (
	"sync"
	"sync/atomic"
)

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// TimingEvent captures a real-time event for post-mortem analysis
type TimingEvent struct {
	EventType uint8  // Event type code
	Arg       uint8  // Half, channel or command code
	Clock     uint32 // System clock at event
	Value1    uint32 // Context-dependent value
	Value2    uint32 // Context-dependent value
}

// Event type codes
const (
	EvtRefill  = 1 // Half refilled (arg=half, v1=Z setpoint)
	EvtServo   = 2 // Z stepped (v1=reading, v2=new Z)
	EvtOverrun = 3 // Stream chunk could not be framed
	EvtCommand = 4 // Control request (arg=code, v1=status)
	EvtRun     = 5 // Scan started (v1=size, v2=resolution)
	EvtStop    = 6 // Scan stopped (v1=1 if a stream was closed)
)

const (
	TimingRingSize = 32 // Keep last 32 events for post-mortem
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {}

	// debugEnabled gates DebugPrintln
	debugEnabled bool = false

	timingRing     [TimingRingSize]timingSlot
	timingRingHead atomic.Uint32 // next slot to write, never wrapped by hand
	timingEnabled  atomic.Bool

	debugChan chan string
	asyncOnce sync.Once
)

func init() {
	timingEnabled.Store(true)
}

// timingSlot is one ring entry. Writers claim a slot from the head counter
// and publish it with seq: odd while being written, even when stable.
type timingSlot struct {
	seq    atomic.Uint32
	header atomic.Uint32 // event type in bits 8-15, arg in bits 0-7
	clock  atomic.Uint32
	value1 atomic.Uint32
	value2 atomic.Uint32
}

// SetDebugWriter sets the platform-specific debug output function
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

func IsDebugEnabled() bool {
	return debugEnabled
}

// SetTimingEnabled turns timing capture on or off
func SetTimingEnabled(enabled bool) {
	timingEnabled.Store(enabled)
}

// InitAsyncDebug starts the async debug output goroutine once
// Call this from main() after SetDebugWriter
func InitAsyncDebug() {
	asyncOnce.Do(func() {
		debugChan = make(chan string, 16)
		go debugOutputWorker()
	})
}

func debugOutputWorker() {
	for msg := range debugChan {
		if debugPrintln != nil {
			debugPrintln(msg)
		}
	}
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// DebugAsync queues a debug message for async output, dropping it when the
// queue is full
func DebugAsync(msg string) {
	if debugChan != nil {
		select {
		case debugChan <- msg:
		default:
		}
	}
}

// RecordTiming captures an event in the timing ring. It takes no lock and
// never waits, so the sample interrupt may call it while the task context is
// recording or dumping.
func RecordTiming(eventType, arg uint8, value1, value2 uint32) {
	if !timingEnabled.Load() {
		return
	}
	slot := &timingRing[(timingRingHead.Add(1)-1)%TimingRingSize]

	slot.seq.Add(1)
	slot.header.Store(uint32(eventType)<<8 | uint32(arg))
	slot.clock.Store(GetTime())
	slot.value1.Store(value1)
	slot.value2.Store(value2)
	slot.seq.Add(1)
}

// TimingEvents returns the captured events, oldest first. A slot being
// rewritten while it is read is left out.
func TimingEvents() []TimingEvent {
	head := timingRingHead.Load()

	events := make([]TimingEvent, 0, TimingRingSize)
	for i := uint32(0); i < TimingRingSize; i++ {
		slot := &timingRing[(head+i)%TimingRingSize]
		seq := slot.seq.Load()
		if seq&1 != 0 {
			continue
		}
		header := slot.header.Load()
		evt := TimingEvent{
			EventType: uint8(header >> 8),
			Arg:       uint8(header),
			Clock:     slot.clock.Load(),
			Value1:    slot.value1.Load(),
			Value2:    slot.value2.Load(),
		}
		if slot.seq.Load() != seq || evt.EventType == 0 {
			continue
		}
		events = append(events, evt)
	}
	return events
}

func timingEventName(t uint8) string {
	switch t {
	case EvtRefill:
		return "REFILL"
	case EvtServo:
		return "SERVO"
	case EvtOverrun:
		return "OVERRUN!"
	case EvtCommand:
		return "COMMAND"
	case EvtRun:
		return "RUN"
	case EvtStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// DumpTimingRing writes the timing ring through the debug writer
func DumpTimingRing() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[TIMING] === Timing Ring Dump ===")
	for _, evt := range TimingEvents() {
		debugPrintln("[TIMING] " + timingEventName(evt.EventType) +
			" arg=" + utoa(uint32(evt.Arg)) +
			" clock=" + utoa(uint32(evt.Clock)) +
			" v1=" + utoa(uint32(evt.Value1)) +
			" v2=" + utoa(uint32(evt.Value2)))
	}
	debugPrintln("[TIMING] === End Dump ===")
}

// ClearTimingRing clears the timing buffer. Events recorded while it runs
// may survive.
func ClearTimingRing() {
	for i := range timingRing {
		slot := &timingRing[i]
		slot.seq.Add(1)
		slot.header.Store(0)
		slot.clock.Store(0)
		slot.value1.Store(0)
		slot.value2.Store(0)
		slot.seq.Add(1)
	}
	timingRingHead.Store(0)
}
