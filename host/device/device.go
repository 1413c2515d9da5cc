package device

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"afm/host/image"
	"afm/host/monitoring"
	"afm/host/serial"
	"afm/protocol"
)

// DefaultImageTimeout bounds the silence between stream reads in ReadImage
const DefaultImageTimeout = 5 * time.Second

// errImageComplete stops the decoder at IMAGE-END so bytes of the next
// image stay buffered
var errImageComplete = errors.New("image complete")

// Device is the host-side handle on one instrument. A control timeout or a
// dead link drops the connection; the caller reconnects.
type Device struct {
	cfg *serial.Config

	controlTimeout time.Duration
	imageTimeout   time.Duration

	mu        sync.Mutex
	port      io.ReadWriteCloser
	transport *protocol.HostTransport
	version   protocol.FirmwareVersion
	status    protocol.StatusReport

	// stream state survives between ReadImage calls
	decoder   *protocol.StreamDecoder
	assembler *image.Assembler
	leftover  []byte
}

// New returns an unconnected device using cfg for the serial port
func New(cfg *serial.Config) *Device {
	d := &Device{
		cfg:            cfg,
		controlTimeout: protocol.DefaultControlTimeout,
		imageTimeout:   DefaultImageTimeout,
		assembler:      image.NewAssembler(),
	}
	d.decoder = protocol.NewStreamDecoder(protocol.MessageHandlerFunc(d.handleMessage))
	return d
}

// SetTimeouts changes the control round-trip and image read timeouts; zero
// leaves a value unchanged
func (d *Device) SetTimeouts(control, image time.Duration) {
	if control > 0 {
		d.controlTimeout = control
	}
	if image > 0 {
		d.imageTimeout = image
	}
}

// Connect opens the serial port and checks the firmware answers
func (d *Device) Connect() error {
	if d.cfg == nil {
		return fmt.Errorf("connect: no serial configuration")
	}
	port, err := serial.Open(d.cfg)
	if err != nil {
		return fmt.Errorf("connect: %w: %v", protocol.ErrTransportUnavailable, err)
	}
	return d.ConnectPort(port)
}

// ConnectPort attaches an already open link, such as a pipe to an in-process
// firmware, and checks the firmware answers
func (d *Device) ConnectPort(port io.ReadWriteCloser) error {
	d.Disconnect()

	d.mu.Lock()
	d.port = port
	d.transport = protocol.NewHostTransport(port)
	d.mu.Unlock()

	version, err := d.GetFirmwareVersion()
	if err != nil {
		d.Disconnect()
		return fmt.Errorf("connect: %w", err)
	}
	monitoring.Logf("device: connected, firmware %d.%d", version.Major, version.Minor)
	return nil
}

// Disconnect closes the link. It is safe to call when not connected.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnectLocked()
}

func (d *Device) disconnectLocked() error {
	if d.transport == nil {
		return nil
	}
	err := d.transport.Close()
	d.transport = nil
	d.port = nil
	d.leftover = nil
	d.decoder.Reset()
	d.assembler.Reset()
	return err
}

func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transport != nil
}

func (d *Device) link() (*protocol.HostTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil, protocol.ErrTransportUnavailable
	}
	return d.transport, nil
}

// control runs one request; a timeout or a dead link disconnects
func (d *Device) control(req protocol.Request) ([]byte, error) {
	t, err := d.link()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Code(), err)
	}

	resp, err := t.Control(req.Code(), req.AppendBinary(nil), d.controlTimeout)
	if errors.Is(err, protocol.ErrTransportTimeout) || errors.Is(err, protocol.ErrTransportUnavailable) {
		monitoring.Logf("device: %v, disconnecting", err)
		d.mu.Lock()
		if d.transport == t {
			d.disconnectLocked()
		}
		d.mu.Unlock()
	}
	return resp, err
}

func (d *Device) GetFirmwareVersion() (protocol.FirmwareVersion, error) {
	var v protocol.FirmwareVersion
	resp, err := d.control(protocol.GetFirmwareVersion{})
	if err != nil {
		return v, err
	}
	if err := v.UnmarshalBinary(resp); err != nil {
		return v, err
	}
	d.mu.Lock()
	d.version = v
	d.mu.Unlock()
	return v, nil
}

// UpdateStatus fetches and caches the instrument status
func (d *Device) UpdateStatus() (protocol.StatusReport, error) {
	var st protocol.StatusReport
	resp, err := d.control(protocol.GetStatus{})
	if err != nil {
		return st, err
	}
	if err := st.UnmarshalBinary(resp); err != nil {
		return st, err
	}
	d.mu.Lock()
	d.status = st
	d.mu.Unlock()
	return st, nil
}

// Status returns the status from the last UpdateStatus
func (d *Device) Status() protocol.StatusReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) SetType(t protocol.InstrumentType) error {
	_, err := d.control(protocol.SetType{Type: t})
	return err
}

func (d *Device) SetZControl(z protocol.ZControl) error {
	_, err := d.control(protocol.SetZControl{Mode: z})
	return err
}

func (d *Device) AFMProperties() (protocol.AFMProperties, error) {
	var p protocol.AFMProperties
	resp, err := d.control(protocol.GetAFMProperties{})
	if err != nil {
		return p, err
	}
	return p, p.UnmarshalBinary(resp)
}

func (d *Device) SetAFMProperties(p protocol.AFMProperties) error {
	_, err := d.control(protocol.SetAFMProperties{Properties: p})
	return err
}

func (d *Device) STMProperties() (protocol.STMProperties, error) {
	var p protocol.STMProperties
	resp, err := d.control(protocol.GetSTMProperties{})
	if err != nil {
		return p, err
	}
	return p, p.UnmarshalBinary(resp)
}

func (d *Device) SetSTMProperties(p protocol.STMProperties) error {
	_, err := d.control(protocol.SetSTMProperties{Properties: p})
	return err
}

// Run starts a scan. Stream bytes left from an earlier image are dropped
// first so ReadImage starts on this scan's IMAGE-START.
func (d *Device) Run(startX, startY int32, size, resolution uint16) error {
	t, err := d.link()
	if err != nil {
		return fmt.Errorf("%s: %w", protocol.CodeRun, err)
	}
	t.DiscardData()
	d.mu.Lock()
	d.leftover = nil
	d.decoder.Reset()
	d.assembler.Reset()
	d.mu.Unlock()

	_, err = d.control(protocol.Run{StartX: startX, StartY: startY, Size: size, Resolution: resolution})
	return err
}

func (d *Device) Stop() error {
	_, err := d.control(protocol.Stop{})
	return err
}

// ReadImage pumps the stream decoder until IMAGE-END and returns the image.
// progress, if not nil, is called as pixels arrive. A transport timeout or
// error ends the read; the partial image is returned with the error.
func (d *Device) ReadImage(progress func(received, total int)) (*image.Image, error) {
	t, err := d.link()
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	d.assembler.SetProgressCallback(progress)
	defer d.assembler.SetProgressCallback(nil)

	if done, err := d.consume(d.leftover); done || err != nil {
		return d.finish(err)
	}

	buf := make([]byte, 256)
	for {
		n, err := t.ReadData(buf, d.imageTimeout)
		if err != nil {
			return d.finish(fmt.Errorf("read image: %w", err))
		}
		if done, err := d.consume(buf[:n]); done || err != nil {
			return d.finish(err)
		}
	}
}

// consume decodes p and reports whether an image ended. Bytes after
// IMAGE-END are kept for the next read.
func (d *Device) consume(p []byte) (bool, error) {
	d.leftover = nil
	n, err := d.decoder.Write(p)
	if errors.Is(err, errImageComplete) {
		d.leftover = append([]byte(nil), p[n:]...)
		return true, nil
	}
	if err != nil {
		d.decoder.Reset()
		return false, fmt.Errorf("read image: %w", err)
	}
	return false, nil
}

func (d *Device) finish(err error) (*image.Image, error) {
	img := d.assembler.Image()
	if err == nil && img != nil {
		lo, hi := img.Range()
		monitoring.Logf("device: image %s %dx%d, %d pixels, range %.0f..%.0f",
			img.ID, img.Width, img.Height, len(img.Pixels), lo, hi)
	}
	return img, err
}

func (d *Device) handleMessage(kind protocol.Kind, payload []byte) error {
	if err := d.assembler.HandleMessage(kind, payload); err != nil {
		return err
	}
	if kind == protocol.KindImageEnd {
		return errImageComplete
	}
	return nil
}
