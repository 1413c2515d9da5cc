package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestRequestLayouts(t *testing.T) {
	testCases := []struct {
		name string
		req  Request
		want []byte
	}{
		{"get version", GetFirmwareVersion{}, nil},
		{"set type", SetType{Type: TypeTunneling}, []byte{0x02}},
		{"set zcontrol", SetZControl{Mode: ZControlRegulateHeight}, []byte{0x02}},
		{
			"set afm",
			SetAFMProperties{Properties: AFMProperties{Amplitude: 75, Frequency: 0x01020304}},
			[]byte{75, 0x04, 0x03, 0x02, 0x01},
		},
		{
			"set stm",
			SetSTMProperties{Properties: STMProperties{Bias: 0x0102, Current: 100}},
			[]byte{0x02, 0x01, 100, 0x00},
		},
		{
			"run",
			Run{StartX: -1, StartY: 0x10, Size: 0x0200, Resolution: 64},
			[]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x10, 0, 0, 0, 0x00, 0x02, 64, 0},
		},
	}

	for _, tc := range testCases {
		got := tc.req.AppendBinary(nil)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("%s: encoded %v, want %v", tc.name, got, tc.want)
		}
		if len(got) != RequestSize(tc.req.Code()) {
			t.Errorf("%s: %d bytes, RequestSize says %d", tc.name, len(got), RequestSize(tc.req.Code()))
		}

		decoded, err := DecodeRequest(tc.req.Code(), got)
		if err != nil {
			t.Fatalf("%s: DecodeRequest: %v", tc.name, err)
		}
		if decoded != tc.req {
			t.Errorf("%s: decoded %#v, want %#v", tc.name, decoded, tc.req)
		}
	}
}

func TestDecodeRequestErrors(t *testing.T) {
	if _, err := DecodeRequest(Code(0x0A), nil); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
	if _, err := DecodeRequest(CodeRun, make([]byte, RunSize-1)); !errors.Is(err, ErrShortPayload) {
		t.Errorf("Expected ErrShortPayload, got %v", err)
	}
	// Every malformed request matches the umbrella sentinel
	if _, err := DecodeRequest(CodeSetType, nil); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("Expected ErrMalformedRequest, got %v", err)
	}
}

func TestStatusReportLayout(t *testing.T) {
	s := StatusReport{Type: TypeProbeForce, RunState: RunStateRunning, ZControl: ZControlRegulateAltitude, Height: 50}
	b := s.AppendBinary(nil)
	if !bytes.Equal(b, []byte{1, 1, 1, 50}) {
		t.Errorf("status encoded as %v", b)
	}

	var got StatusReport
	if err := got.UnmarshalBinary(b); err != nil || got != s {
		t.Errorf("UnmarshalBinary = %+v, %v", got, err)
	}
	if err := got.UnmarshalBinary(b[:3]); !errors.Is(err, ErrShortPayload) {
		t.Errorf("Expected ErrShortPayload, got %v", err)
	}
}

func TestTagClamp(t *testing.T) {
	if InstrumentType(7).Valid() || InstrumentType(7).Clamp() != TypeTunneling {
		t.Error("out-of-range type should be invalid and clamp to TUNNELING")
	}
	if ZControl(9).Valid() || ZControl(9).Clamp() != ZControlRegulateHeight {
		t.Error("out-of-range mode should be invalid and clamp to REGULATE-HEIGHT")
	}
	if ZControlOff.Regulating() || !ZControlRegulateAltitude.Regulating() {
		t.Error("Regulating mismatch")
	}
}

func TestStatusErrorMapping(t *testing.T) {
	for _, s := range []Status{StatusUnknownCommand, StatusInvalidArgument, StatusMalformed, StatusBusy} {
		if got := StatusFromError(s.Err()); got != s {
			t.Errorf("status %s round-tripped to %s", s, got)
		}
	}
	if StatusOK.Err() != nil {
		t.Error("StatusOK should map to nil")
	}
	if StatusFromError(ErrQueueFull) != StatusBusy {
		t.Error("ErrQueueFull should report BUSY")
	}
}
