package protocol

import (
	"encoding/binary"
	"fmt"
)

// Control-plane records use little-endian for every multi-byte field. Layouts
// are exact: no padding, no alignment, exchanged verbatim over the link.

// Code is a control command code
type Code uint8

const (
	CodeGetFirmwareVersion Code = 0x00
	CodeGetStatus          Code = 0x01
	CodeSetType            Code = 0x02
	CodeSetZControl        Code = 0x03
	CodeGetAFMProperties   Code = 0x04
	CodeSetAFMProperties   Code = 0x05
	CodeGetSTMProperties   Code = 0x06
	CodeSetSTMProperties   Code = 0x07
	CodeRun                Code = 0x08
	CodeStop               Code = 0x09
)

// Record sizes in bytes
const (
	FirmwareVersionSize = 2
	StatusReportSize    = 4
	SetTypeSize         = 1
	SetZControlSize     = 1
	AFMPropertiesSize   = 5
	STMPropertiesSize   = 4
	RunSize             = 12
)

var codeNames = map[Code]string{
	CodeGetFirmwareVersion: "get_firmware_version",
	CodeGetStatus:          "get_status",
	CodeSetType:            "set_type",
	CodeSetZControl:        "set_zcontrol",
	CodeGetAFMProperties:   "get_afm_prop",
	CodeSetAFMProperties:   "set_afm_prop",
	CodeGetSTMProperties:   "get_stm_prop",
	CodeSetSTMProperties:   "set_stm_prop",
	CodeRun:                "run",
	CodeStop:               "stop",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(0x%02x)", uint8(c))
}

// Known reports whether c is a defined command code
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// RequestSize returns the host-to-device payload size for a command code
func RequestSize(c Code) int {
	switch c {
	case CodeSetType:
		return SetTypeSize
	case CodeSetZControl:
		return SetZControlSize
	case CodeSetAFMProperties:
		return AFMPropertiesSize
	case CodeSetSTMProperties:
		return STMPropertiesSize
	case CodeRun:
		return RunSize
	default:
		return 0
	}
}

// ResponseSize returns the device-to-host payload size for a command code
func ResponseSize(c Code) int {
	switch c {
	case CodeGetFirmwareVersion:
		return FirmwareVersionSize
	case CodeGetStatus:
		return StatusReportSize
	case CodeGetAFMProperties:
		return AFMPropertiesSize
	case CodeGetSTMProperties:
		return STMPropertiesSize
	default:
		return 0
	}
}

// InstrumentType selects which property set drives the height servo
type InstrumentType uint8

const (
	TypeNone       InstrumentType = 0
	TypeProbeForce InstrumentType = 1 // AFM
	TypeTunneling  InstrumentType = 2 // STM

	typeMax = TypeTunneling
)

func (t InstrumentType) Valid() bool { return t <= typeMax }

// Clamp saturates an out-of-range tag to the highest known type
func (t InstrumentType) Clamp() InstrumentType {
	if t > typeMax {
		return typeMax
	}
	return t
}

func (t InstrumentType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeProbeForce:
		return "AFM"
	case TypeTunneling:
		return "STM"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// ZControl is the height regulation mode
type ZControl uint8

const (
	ZControlOff              ZControl = 0 // all outputs centered
	ZControlRegulateAltitude ZControl = 1
	ZControlRegulateHeight   ZControl = 2

	zcontrolMax = ZControlRegulateHeight
)

func (z ZControl) Valid() bool { return z <= zcontrolMax }

// Clamp saturates an out-of-range tag to the highest known mode
func (z ZControl) Clamp() ZControl {
	if z > zcontrolMax {
		return zcontrolMax
	}
	return z
}

// Regulating reports whether the servo is active in this mode
func (z ZControl) Regulating() bool {
	return z == ZControlRegulateAltitude || z == ZControlRegulateHeight
}

func (z ZControl) String() string {
	switch z {
	case ZControlOff:
		return "off"
	case ZControlRegulateAltitude:
		return "altitude"
	case ZControlRegulateHeight:
		return "height"
	default:
		return fmt.Sprintf("zcontrol(0x%02x)", uint8(z))
	}
}

// RunState is the scan state
type RunState uint8

const (
	RunStateIdle    RunState = 0
	RunStateRunning RunState = 1
)

func (r RunState) String() string {
	if r == RunStateRunning {
		return "running"
	}
	return "idle"
}

// Request is one decoded host-to-device command record
type Request interface {
	Code() Code
	AppendBinary(b []byte) []byte
}

// Response is one device-to-host command record
type Response interface {
	AppendBinary(b []byte) []byte
}

// FirmwareVersion is the GET-FIRMWARE-VERSION response
type FirmwareVersion struct {
	Major uint8
	Minor uint8
}

func (v FirmwareVersion) AppendBinary(b []byte) []byte {
	return append(b, v.Major, v.Minor)
}

func (v *FirmwareVersion) UnmarshalBinary(b []byte) error {
	if len(b) < FirmwareVersionSize {
		return fmt.Errorf("firmware version: %w", ErrShortPayload)
	}
	v.Major, v.Minor = b[0], b[1]
	return nil
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// StatusReport is the GET-STATUS response
type StatusReport struct {
	Type     InstrumentType
	RunState RunState
	ZControl ZControl
	Height   uint8 // Z position, 0-100%
}

func (s StatusReport) AppendBinary(b []byte) []byte {
	return append(b, uint8(s.Type), uint8(s.RunState), uint8(s.ZControl), s.Height)
}

func (s *StatusReport) UnmarshalBinary(b []byte) error {
	if len(b) < StatusReportSize {
		return fmt.Errorf("status: %w", ErrShortPayload)
	}
	s.Type = InstrumentType(b[0])
	s.RunState = RunState(b[1])
	s.ZControl = ZControl(b[2])
	s.Height = b[3]
	return nil
}

// AFMProperties are the probe-force mode settings
type AFMProperties struct {
	Amplitude uint8  // cantilever amplitude setpoint, percent
	Frequency uint32 // cantilever drive frequency
}

func (p AFMProperties) AppendBinary(b []byte) []byte {
	b = append(b, p.Amplitude)
	return binary.LittleEndian.AppendUint32(b, p.Frequency)
}

func (p *AFMProperties) UnmarshalBinary(b []byte) error {
	if len(b) < AFMPropertiesSize {
		return fmt.Errorf("afm properties: %w", ErrShortPayload)
	}
	p.Amplitude = b[0]
	p.Frequency = binary.LittleEndian.Uint32(b[1:5])
	return nil
}

// STMProperties are the tunneling mode settings
type STMProperties struct {
	Bias    uint16 // bias voltage, mV
	Current uint16 // current setpoint, 0.01 nA
}

func (p STMProperties) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, p.Bias)
	return binary.LittleEndian.AppendUint16(b, p.Current)
}

func (p *STMProperties) UnmarshalBinary(b []byte) error {
	if len(b) < STMPropertiesSize {
		return fmt.Errorf("stm properties: %w", ErrShortPayload)
	}
	p.Bias = binary.LittleEndian.Uint16(b[0:2])
	p.Current = binary.LittleEndian.Uint16(b[2:4])
	return nil
}

// Requests. Get requests carry no payload.

type GetFirmwareVersion struct{}

func (GetFirmwareVersion) Code() Code                   { return CodeGetFirmwareVersion }
func (GetFirmwareVersion) AppendBinary(b []byte) []byte { return b }

type GetStatus struct{}

func (GetStatus) Code() Code                   { return CodeGetStatus }
func (GetStatus) AppendBinary(b []byte) []byte { return b }

type SetType struct {
	Type InstrumentType
}

func (SetType) Code() Code                     { return CodeSetType }
func (r SetType) AppendBinary(b []byte) []byte { return append(b, uint8(r.Type)) }

type SetZControl struct {
	Mode ZControl
}

func (SetZControl) Code() Code                     { return CodeSetZControl }
func (r SetZControl) AppendBinary(b []byte) []byte { return append(b, uint8(r.Mode)) }

type GetAFMProperties struct{}

func (GetAFMProperties) Code() Code                   { return CodeGetAFMProperties }
func (GetAFMProperties) AppendBinary(b []byte) []byte { return b }

type SetAFMProperties struct {
	Properties AFMProperties
}

func (SetAFMProperties) Code() Code                     { return CodeSetAFMProperties }
func (r SetAFMProperties) AppendBinary(b []byte) []byte { return r.Properties.AppendBinary(b) }

type GetSTMProperties struct{}

func (GetSTMProperties) Code() Code                   { return CodeGetSTMProperties }
func (GetSTMProperties) AppendBinary(b []byte) []byte { return b }

type SetSTMProperties struct {
	Properties STMProperties
}

func (SetSTMProperties) Code() Code                     { return CodeSetSTMProperties }
func (r SetSTMProperties) AppendBinary(b []byte) []byte { return r.Properties.AppendBinary(b) }

// Run starts a scan. Coordinates and size are in nanometers, resolution in pixels.
type Run struct {
	StartX     int32
	StartY     int32
	Size       uint16
	Resolution uint16
}

func (Run) Code() Code { return CodeRun }

func (r Run) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(r.StartX))
	b = binary.LittleEndian.AppendUint32(b, uint32(r.StartY))
	b = binary.LittleEndian.AppendUint16(b, r.Size)
	return binary.LittleEndian.AppendUint16(b, r.Resolution)
}

// Degenerate reports a scan with no area or no pixels
func (r Run) Degenerate() bool {
	return r.Size == 0 || r.Resolution == 0
}

type Stop struct{}

func (Stop) Code() Code                   { return CodeStop }
func (Stop) AppendBinary(b []byte) []byte { return b }

// DecodeRequest validates the command code and then decodes its fixed payload.
// Trailing bytes beyond the record size are ignored.
func DecodeRequest(code Code, payload []byte) (Request, error) {
	if !code.Known() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, uint8(code))
	}
	if len(payload) < RequestSize(code) {
		return nil, fmt.Errorf("%s: %w: got %d bytes, need %d", code, ErrShortPayload, len(payload), RequestSize(code))
	}

	switch code {
	case CodeGetFirmwareVersion:
		return GetFirmwareVersion{}, nil
	case CodeGetStatus:
		return GetStatus{}, nil
	case CodeSetType:
		return SetType{Type: InstrumentType(payload[0])}, nil
	case CodeSetZControl:
		return SetZControl{Mode: ZControl(payload[0])}, nil
	case CodeGetAFMProperties:
		return GetAFMProperties{}, nil
	case CodeSetAFMProperties:
		var p AFMProperties
		if err := p.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		return SetAFMProperties{Properties: p}, nil
	case CodeGetSTMProperties:
		return GetSTMProperties{}, nil
	case CodeSetSTMProperties:
		var p STMProperties
		if err := p.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		return SetSTMProperties{Properties: p}, nil
	case CodeRun:
		return Run{
			StartX:     int32(binary.LittleEndian.Uint32(payload[0:4])),
			StartY:     int32(binary.LittleEndian.Uint32(payload[4:8])),
			Size:       binary.LittleEndian.Uint16(payload[8:10]),
			Resolution: binary.LittleEndian.Uint16(payload[10:12]),
		}, nil
	default:
		return Stop{}, nil
	}
}
