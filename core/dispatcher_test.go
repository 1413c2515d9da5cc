package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"afm/protocol"
)

type testRig struct {
	cfg     *Configuration
	engine  *Engine
	encoder *StreamEncoder
	d       *Dispatcher
}

func newTestRig() *testRig {
	cfg := NewConfiguration(DefaultSettings())
	engine := NewEngine(cfg, 4)
	servo := NewHeightServo(cfg, engine, &fixedSensor{}, DefaultServoConfig())
	encoder := NewStreamEncoder(DefaultStreamDepth)
	return &testRig{
		cfg:     cfg,
		engine:  engine,
		encoder: encoder,
		d:       NewDispatcher(cfg, engine, servo, encoder),
	}
}

func (r *testRig) handle(code protocol.Code, payload ...byte) (protocol.Status, []byte) {
	out := make([]byte, protocol.ResponsePayloadMax)
	status, n := r.d.Handle(code, payload, out)
	return status, out[:n]
}

// queued pulls everything from the encoder and decodes it
func (r *testRig) queued(t *testing.T) []protocol.StreamMessage {
	t.Helper()
	var msgs []protocol.StreamMessage
	dec := protocol.NewStreamDecoder(protocol.MessageHandlerFunc(func(kind protocol.Kind, payload []byte) error {
		msgs = append(msgs, protocol.StreamMessage{Kind: kind, Payload: append([]byte(nil), payload...)})
		return nil
	}))
	buf := make([]byte, 13)
	for {
		n := r.encoder.PullChunk(buf)
		if n == 0 {
			break
		}
		dec.Write(buf[:n])
	}
	if !dec.Idle() {
		t.Fatal("queue ended mid-message")
	}
	return msgs
}

func runPayload(size, resolution uint16) []byte {
	return protocol.Run{StartX: 10, StartY: -10, Size: size, Resolution: resolution}.AppendBinary(nil)
}

func TestSetTypeThenGetStatus(t *testing.T) {
	r := newTestRig()
	r.cfg.SetType(protocol.TypeProbeForce)

	if status, _ := r.handle(protocol.CodeSetType, 0x02); status != protocol.StatusOK {
		t.Fatalf("SET-TYPE status %s", status)
	}

	status, resp := r.handle(protocol.CodeGetStatus)
	if status != protocol.StatusOK {
		t.Fatalf("GET-STATUS status %s", status)
	}
	if diff := cmp.Diff([]byte{0x02, 0x00, 0x00, 50}, resp); diff != "" {
		t.Errorf("status record (-want +got):\n%s", diff)
	}
}

func TestGetFirmwareVersion(t *testing.T) {
	r := newTestRig()
	status, resp := r.handle(protocol.CodeGetFirmwareVersion)
	if status != protocol.StatusOK || len(resp) != 2 {
		t.Fatalf("status %s resp %v", status, resp)
	}
	if resp[0] != protocol.FirmwareVersionMajor || resp[1] != protocol.FirmwareVersionMinor {
		t.Errorf("version %d.%d", resp[0], resp[1])
	}
}

func TestTagPolicies(t *testing.T) {
	r := newTestRig()

	if status, _ := r.handle(protocol.CodeSetType, 0x07); status != protocol.StatusInvalidArgument {
		t.Errorf("reject policy: SET-TYPE 0x07 status %s", status)
	}
	if r.cfg.Type() != protocol.TypeTunneling {
		t.Errorf("rejected SET-TYPE changed type to %s", r.cfg.Type())
	}
	if status, _ := r.handle(protocol.CodeSetZControl, 0x05); status != protocol.StatusInvalidArgument {
		t.Errorf("reject policy: SET-ZCONTROL 0x05 status %s", status)
	}

	r.d.SetTagPolicy(ClampUnknown)
	r.cfg.SetType(protocol.TypeNone)
	if status, _ := r.handle(protocol.CodeSetType, 0x07); status != protocol.StatusOK {
		t.Errorf("clamp policy: status %s", status)
	}
	if r.cfg.Type() != protocol.TypeTunneling {
		t.Errorf("clamp policy: type %s, want STM", r.cfg.Type())
	}
	r.handle(protocol.CodeSetZControl, 0x05)
	if r.cfg.ZControl() != protocol.ZControlRegulateHeight {
		t.Errorf("clamp policy: zcontrol %s", r.cfg.ZControl())
	}
}

func TestSetZControlRecenters(t *testing.T) {
	r := newTestRig()
	r.engine.SetSetpoint(ChannelZ, 0x12345678)
	r.engine.SetSetpoint(ChannelX, 1)

	r.handle(protocol.CodeSetZControl, uint8(protocol.ZControlRegulateAltitude))

	for ch := Channel(0); ch < NumChannels; ch++ {
		if r.engine.Setpoint(ch) != SetpointCenter {
			t.Errorf("channel %s not recentered", ch)
		}
	}
	if r.cfg.ZControl() != protocol.ZControlRegulateAltitude {
		t.Errorf("zcontrol = %s", r.cfg.ZControl())
	}
}

func TestPropertiesRoundTrip(t *testing.T) {
	r := newTestRig()

	afm := protocol.AFMProperties{Amplitude: 33, Frequency: 300000}
	if status, _ := r.handle(protocol.CodeSetAFMProperties, afm.AppendBinary(nil)...); status != protocol.StatusOK {
		t.Fatalf("SET-AFM status %s", status)
	}
	_, resp := r.handle(protocol.CodeGetAFMProperties)
	if diff := cmp.Diff(afm.AppendBinary(nil), resp); diff != "" {
		t.Errorf("AFM (-want +got):\n%s", diff)
	}

	stm := protocol.STMProperties{Bias: 1200, Current: 7}
	r.handle(protocol.CodeSetSTMProperties, stm.AppendBinary(nil)...)
	if got := r.cfg.STM(); got != stm {
		t.Errorf("STM stored as %+v", got)
	}
	// The other property set is untouched
	if got := r.cfg.AFM(); got != afm {
		t.Errorf("AFM changed to %+v", got)
	}
}

func TestRunRejectsDegenerateGeometry(t *testing.T) {
	for _, tc := range []struct{ size, res uint16 }{{0, 64}, {100, 0}, {0, 0}} {
		r := newTestRig()
		status, _ := r.handle(protocol.CodeRun, runPayload(tc.size, tc.res)...)
		if status != protocol.StatusInvalidArgument {
			t.Errorf("size %d res %d: status %s", tc.size, tc.res, status)
		}
		if r.cfg.RunState() != protocol.RunStateIdle {
			t.Errorf("size %d res %d: run state %s", tc.size, tc.res, r.cfg.RunState())
		}
		if r.encoder.Pending() != 0 {
			t.Errorf("size %d res %d: %d messages queued", tc.size, tc.res, r.encoder.Pending())
		}
	}
}

func TestRunQueuesStartAndEnd(t *testing.T) {
	r := newTestRig()

	if status, _ := r.handle(protocol.CodeRun, runPayload(1000, 64)...); status != protocol.StatusOK {
		t.Fatalf("RUN status %s", status)
	}
	if r.cfg.RunState() != protocol.RunStateRunning {
		t.Errorf("run state %s", r.cfg.RunState())
	}

	want := []protocol.StreamMessage{
		{Kind: protocol.KindImageStart, Payload: []byte{64, 0, 64, 0}},
		{Kind: protocol.KindImageEnd},
	}
	if diff := cmp.Diff(want, r.queued(t), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("queued (-want +got):\n%s", diff)
	}

	if status, _ := r.handle(protocol.CodeRun, runPayload(1000, 64)...); status != protocol.StatusBusy {
		t.Errorf("second RUN status %s, want busy", status)
	}

	r.handle(protocol.CodeStop)
	if r.cfg.RunState() != protocol.RunStateIdle {
		t.Errorf("run state after STOP %s", r.cfg.RunState())
	}
	if len(r.queued(t)) != 0 {
		t.Error("STOP without an open stream must not queue anything")
	}
}

func TestRunBusyWhenQueueFull(t *testing.T) {
	r := newTestRig()
	for r.encoder.Free() > 1 {
		r.encoder.TryPush(protocol.StreamMessage{Kind: protocol.KindImageData, Payload: []byte{1}})
	}

	if status, _ := r.handle(protocol.CodeRun, runPayload(10, 10)...); status != protocol.StatusBusy {
		t.Errorf("RUN with one free slot: status %s", status)
	}
	if r.cfg.RunState() != protocol.RunStateIdle {
		t.Error("busy RUN must not change run state")
	}
}

func TestMalformedRequests(t *testing.T) {
	r := newTestRig()

	if status, _ := r.handle(protocol.Code(0x0A)); status != protocol.StatusUnknownCommand {
		t.Errorf("unknown code status %s", status)
	}
	if status, _ := r.handle(protocol.CodeRun, 1, 2, 3); status != protocol.StatusMalformed {
		t.Errorf("short RUN status %s", status)
	}
	if status, _ := r.handle(protocol.CodeSetAFMProperties); status != protocol.StatusMalformed {
		t.Errorf("empty SET-AFM status %s", status)
	}
}

type recordingSource struct {
	started []protocol.Run
	aborted int
}

func (s *recordingSource) StartImage(run protocol.Run) { s.started = append(s.started, run) }
func (s *recordingSource) AbortImage()                 { s.aborted++ }

func TestImageSourceStream(t *testing.T) {
	r := newTestRig()
	src := &recordingSource{}
	r.d.SetImageSource(src)

	if _, err := r.d.WriteImageData([]byte{1}); err != ErrNoImageStream {
		t.Errorf("write before RUN: %v", err)
	}

	r.handle(protocol.CodeRun, runPayload(500, 16)...)
	if len(src.started) != 1 || src.started[0].Resolution != 16 {
		t.Fatalf("source not started: %+v", src.started)
	}
	if !r.d.StreamOpen() {
		t.Fatal("stream should stay open with a source attached")
	}

	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := r.d.WriteImageData(data)
	if err != nil || n != len(data) {
		t.Fatalf("WriteImageData = %d, %v", n, err)
	}
	if r.encoder.Free() != 1 {
		t.Errorf("one slot must stay free for IMAGE-END, have %d", r.encoder.Free())
	}
	if n, _ := r.d.WriteImageData(data); n != 0 {
		t.Errorf("write into the reserved slot: %d bytes", n)
	}

	r.d.FinishImage()
	if r.cfg.RunState() != protocol.RunStateIdle {
		t.Errorf("run state after finish %s", r.cfg.RunState())
	}

	want := []protocol.StreamMessage{
		{Kind: protocol.KindImageStart, Payload: []byte{16, 0, 16, 0}},
		{Kind: protocol.KindImageData, Payload: data[:255]},
		{Kind: protocol.KindImageData, Payload: data[255:510]},
		{Kind: protocol.KindImageData, Payload: data[510:]},
		{Kind: protocol.KindImageEnd},
	}
	if diff := cmp.Diff(want, r.queued(t), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("stream (-want +got):\n%s", diff)
	}
}

func TestStopClosesOpenStream(t *testing.T) {
	r := newTestRig()
	src := &recordingSource{}
	r.d.SetImageSource(src)

	r.handle(protocol.CodeRun, runPayload(500, 8)...)
	r.handle(protocol.CodeStop)

	if src.aborted != 1 {
		t.Errorf("source aborted %d times", src.aborted)
	}
	msgs := r.queued(t)
	if len(msgs) != 2 || msgs[1].Kind != protocol.KindImageEnd {
		t.Errorf("STOP must terminate the stream with IMAGE-END, got %+v", msgs)
	}
	if r.d.StreamOpen() {
		t.Error("stream still open after STOP")
	}
}

func TestDispatchTyped(t *testing.T) {
	r := newTestRig()

	resp, err := r.d.Dispatch(protocol.GetSTMProperties{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := resp.(protocol.STMProperties); got != DefaultSettings().STM {
		t.Errorf("default STM %+v", got)
	}
	if r.d.Registry().Count() != 10 {
		t.Errorf("registry holds %d commands", r.d.Registry().Count())
	}
}
