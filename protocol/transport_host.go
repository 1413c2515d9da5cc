package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultControlTimeout bounds one control round-trip
const DefaultControlTimeout = 500 * time.Millisecond

// HostTransport is the host side of the link. A background reader splits
// incoming frames by channel: control responses are matched to the pending
// request, data frames are appended to a stream buffer drained by ReadData.
type HostTransport struct {
	port io.ReadWriteCloser

	controlSeq uint32 // atomic, sequence byte of the next request

	inputBuffer *FifoBuffer

	responseChan chan MessageBlock

	dataMutex sync.Mutex
	data      bytes.Buffer
	dataReady chan struct{}

	writeMutex   sync.Mutex
	controlMutex sync.Mutex

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		controlSeq:   ChannelControl,
		inputBuffer:  NewFifoBuffer(1024),
		responseChan: make(chan MessageBlock, 4),
		dataReady:    make(chan struct{}, 1),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}

	go t.readLoop()

	return t
}

// Control sends one request and waits for the response with the same
// sequence byte. A non-OK status is returned as its sentinel error. On
// ErrTransportTimeout the link state is unknown and the caller should drop it.
func (t *HostTransport) Control(code Code, payload []byte, timeout time.Duration) ([]byte, error) {
	t.controlMutex.Lock()
	defer t.controlMutex.Unlock()

	seq := uint8(atomic.LoadUint32(&t.controlSeq))
	atomic.StoreUint32(&t.controlSeq, uint32(NextSeq(seq)))

	body := make([]byte, 0, 1+len(payload))
	body = append(body, uint8(code))
	body = append(body, payload...)
	frame, err := AppendFrame(nil, seq, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", code, err)
	}

	if err := t.writeMessage(frame); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", code, ErrTransportUnavailable, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case resp := <-t.responseChan:
			if resp.Sequence != seq {
				// Late answer to an earlier, timed-out request
				continue
			}
			if len(resp.Body) == 0 {
				return nil, fmt.Errorf("%s: %w", code, ErrShortPayload)
			}
			if err := Status(resp.Body[0]).Err(); err != nil {
				return nil, fmt.Errorf("%s: %w", code, err)
			}
			return resp.Body[1:], nil

		case <-deadline.C:
			return nil, fmt.Errorf("%s: %w after %v", code, ErrTransportTimeout, timeout)

		case <-t.doneChan:
			return nil, fmt.Errorf("%s: %w", code, ErrTransportUnavailable)
		}
	}
}

// ReadData copies buffered stream bytes into p, waiting up to timeout for at
// least one byte
func (t *HostTransport) ReadData(p []byte, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		t.dataMutex.Lock()
		n, _ := t.data.Read(p)
		t.dataMutex.Unlock()
		if n > 0 {
			return n, nil
		}

		select {
		case <-t.dataReady:
		case <-deadline.C:
			return 0, ErrTransportTimeout
		case <-t.doneChan:
			return 0, ErrTransportUnavailable
		}
	}
}

// DiscardData drops any buffered stream bytes
func (t *HostTransport) DiscardData() {
	t.dataMutex.Lock()
	t.data.Reset()
	t.dataMutex.Unlock()
}

func (t *HostTransport) writeMessage(msg []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	n, err := t.port.Write(msg)
	if err != nil {
		return err
	}
	if n != len(msg) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(msg))
	}
	return nil
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			select {
			case <-t.stopChan:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		pending := buffer[:n]
		for len(pending) > 0 {
			w := t.inputBuffer.Write(pending)
			pending = pending[w:]
			t.processMessages()
		}
	}
}

func (t *HostTransport) processMessages() {
	data := t.inputBuffer.Data()
	consumed := 0

	for consumed < len(data) {
		msg, n, ok := ScanFrame(data[consumed:])
		if !ok {
			if n == 0 {
				break
			}
			consumed += n
			continue
		}
		consumed += n

		switch msg.Channel() {
		case ChannelControl:
			msg.Body = append([]byte(nil), msg.Body...)
			t.deliverResponse(msg)
		case ChannelData:
			t.dataMutex.Lock()
			t.data.Write(msg.Body)
			t.dataMutex.Unlock()
			select {
			case t.dataReady <- struct{}{}:
			default:
			}
		}
	}

	t.inputBuffer.Pop(consumed)
}

func (t *HostTransport) deliverResponse(msg MessageBlock) {
	select {
	case t.responseChan <- msg:
	default:
		// Nobody is waiting; drop the oldest
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

// Close stops the reader and closes the port
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}
