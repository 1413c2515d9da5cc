package protocol

import (
	"errors"
	"net"
	"testing"
	"time"
)

func echoHandler(code Code, payload []byte, out []byte) (Status, int) {
	switch code {
	case CodeGetFirmwareVersion:
		return StatusOK, copy(out, FirmwareVersion{Major: 1, Minor: 2}.AppendBinary(nil))
	case CodeSetType:
		if len(payload) < 1 {
			return StatusMalformed, 0
		}
		if !InstrumentType(payload[0]).Valid() {
			return StatusInvalidArgument, 0
		}
		return StatusOK, 0
	default:
		return StatusUnknownCommand, 0
	}
}

func TestTransportReceive(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, echoHandler)

	var in []byte
	in, _ = AppendFrame(in, ChannelControl|5, []byte{uint8(CodeGetFirmwareVersion)})
	in = append(in, 0x06, ChannelControl) // partial next frame

	input := NewSliceInputBuffer(in)
	tr.Receive(input)

	if input.Available() != 2 {
		t.Errorf("Expected partial frame to stay buffered, %d bytes left", input.Available())
	}

	msg, n, ok := ScanFrame(out.Result())
	if !ok || n != out.Len() {
		t.Fatalf("response frame not valid: n=%d ok=%v", n, ok)
	}
	if msg.Sequence != ChannelControl|5 {
		t.Errorf("response seq 0x%02x does not echo request", msg.Sequence)
	}
	if Status(msg.Body[0]) != StatusOK || msg.Body[1] != 1 || msg.Body[2] != 2 {
		t.Errorf("unexpected response body %v", msg.Body)
	}

	if frames, _ := tr.Stats(); frames != 1 {
		t.Errorf("Expected 1 frame counted, got %d", frames)
	}
}

func TestTransportEmptyBody(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, echoHandler)

	in, _ := AppendFrame(nil, ChannelControl, nil)
	tr.Receive(NewSliceInputBuffer(in))

	msg, _, ok := ScanFrame(out.Result())
	if !ok || Status(msg.Body[0]) != StatusMalformed {
		t.Errorf("empty request should answer MALFORMED, got %v", msg.Body)
	}
}

func TestTransportHandlerPanic(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, func(Code, []byte, []byte) (Status, int) {
		panic("boom")
	})

	in, _ := AppendFrame(nil, ChannelControl, []byte{0})
	tr.Receive(NewSliceInputBuffer(in))

	msg, _, ok := ScanFrame(out.Result())
	if !ok || Status(msg.Body[0]) != StatusMalformed {
		t.Errorf("panicking handler should answer MALFORMED, got %v", msg.Body)
	}
}

func TestTransportEncodeData(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, nil)

	for i := 0; i < 17; i++ {
		out.Reset()
		if err := tr.EncodeData([]byte{byte(i)}); err != nil {
			t.Fatalf("EncodeData: %v", err)
		}
		msg, _, ok := ScanFrame(out.Result())
		if !ok || msg.Channel() != ChannelData {
			t.Fatalf("frame %d not a data frame", i)
		}
		if want := uint8(i) & SeqMask; msg.Sequence&SeqMask != want {
			t.Errorf("frame %d: seq nibble %d, want %d", i, msg.Sequence&SeqMask, want)
		}
	}

	if err := tr.EncodeData(make([]byte, FrameBodyMax+1)); !errors.Is(err, ErrFrameTooLong) {
		t.Errorf("Expected ErrFrameTooLong, got %v", err)
	}
}

func TestTransportOutputFull(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, nil)

	chunk := make([]byte, FrameBodyMax)
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = tr.EncodeData(chunk)
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull once output filled, got %v", err)
	}

	flushed := false
	tr.SetFlushCallback(func() {
		flushed = true
		out.Reset()
	})
	if err := tr.EncodeData(chunk); err != nil || !flushed {
		t.Errorf("flush callback should make room: err=%v flushed=%v", err, flushed)
	}
}

// serveDevice runs a minimal device loop on one end of a pipe
func serveDevice(conn net.Conn, handler CommandHandler, stream []byte) {
	out := NewScratchOutput()
	tr := NewTransport(out, handler)
	fifo := NewFifoBuffer(256)
	buf := make([]byte, 64)

	for len(stream) > 0 {
		n := len(stream)
		if n > 10 {
			n = 10
		}
		tr.EncodeData(stream[:n])
		stream = stream[n:]
		conn.Write(out.Result())
		out.Reset()
	}

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		fifo.Write(buf[:n])
		tr.Receive(fifo)
		if out.Len() > 0 {
			conn.Write(out.Result())
			out.Reset()
		}
	}
}

func TestHostTransportRoundTrip(t *testing.T) {
	hostEnd, devEnd := net.Pipe()
	stream := make([]byte, 35)
	for i := range stream {
		stream[i] = byte(i)
	}
	go serveDevice(devEnd, echoHandler, stream)

	host := NewHostTransport(hostEnd)
	defer host.Close()

	got := make([]byte, 0, len(stream))
	buf := make([]byte, 16)
	for len(got) < len(stream) {
		n, err := host.ReadData(buf, time.Second)
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	for i, b := range got {
		if b != byte(i) {
			t.Fatalf("stream byte %d = %d", i, b)
		}
	}

	resp, err := host.Control(CodeGetFirmwareVersion, nil, time.Second)
	if err != nil {
		t.Fatalf("Control: %v", err)
	}
	var v FirmwareVersion
	if err := v.UnmarshalBinary(resp); err != nil || v != (FirmwareVersion{1, 2}) {
		t.Errorf("version = %v, %v", v, err)
	}

	if _, err := host.Control(CodeSetType, []byte{9}, time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
	if _, err := host.Control(CodeStop, nil, time.Second); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
}

func TestHostTransportTimeout(t *testing.T) {
	hostEnd, devEnd := net.Pipe()
	// Device end swallows everything and never answers
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := devEnd.Read(buf); err != nil {
				return
			}
		}
	}()

	host := NewHostTransport(hostEnd)
	defer host.Close()

	if _, err := host.Control(CodeGetStatus, nil, 20*time.Millisecond); !errors.Is(err, ErrTransportTimeout) {
		t.Errorf("Expected ErrTransportTimeout, got %v", err)
	}
	if _, err := host.ReadData(make([]byte, 4), 10*time.Millisecond); !errors.Is(err, ErrTransportTimeout) {
		t.Errorf("Expected ErrTransportTimeout from ReadData, got %v", err)
	}

	devEnd.Close()
	if _, err := host.Control(CodeGetStatus, nil, time.Second); !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("Expected ErrTransportUnavailable after peer close, got %v", err)
	}
}
