package core

import (
	"fmt"

	"afm/protocol"
)

// registerCommands fills the command table
func (d *Dispatcher) registerCommands() {
	d.registry.Register(protocol.CodeGetFirmwareVersion, d.handleGetFirmwareVersion)
	d.registry.Register(protocol.CodeGetStatus, d.handleGetStatus)
	d.registry.Register(protocol.CodeSetType, d.handleSetType)
	d.registry.Register(protocol.CodeSetZControl, d.handleSetZControl)
	d.registry.Register(protocol.CodeGetAFMProperties, d.handleGetAFMProperties)
	d.registry.Register(protocol.CodeSetAFMProperties, d.handleSetAFMProperties)
	d.registry.Register(protocol.CodeGetSTMProperties, d.handleGetSTMProperties)
	d.registry.Register(protocol.CodeSetSTMProperties, d.handleSetSTMProperties)
	d.registry.Register(protocol.CodeRun, d.handleRun)
	d.registry.Register(protocol.CodeStop, d.handleStop)
}

func (d *Dispatcher) handleGetFirmwareVersion(protocol.Request) (protocol.Response, error) {
	return protocol.FirmwareVersion{
		Major: protocol.FirmwareVersionMajor,
		Minor: protocol.FirmwareVersionMinor,
	}, nil
}

func (d *Dispatcher) handleGetStatus(protocol.Request) (protocol.Response, error) {
	return protocol.StatusReport{
		Type:     d.cfg.Type(),
		RunState: d.cfg.RunState(),
		ZControl: d.cfg.ZControl(),
		Height:   d.servo.HeightPercent(),
	}, nil
}

func (d *Dispatcher) handleSetType(req protocol.Request) (protocol.Response, error) {
	t := req.(protocol.SetType).Type
	if !t.Valid() {
		if d.policy == RejectUnknown {
			return nil, fmt.Errorf("%w: %s", protocol.ErrInvalidArgument, t)
		}
		t = t.Clamp()
	}
	d.cfg.SetType(t)
	return nil, nil
}

// handleSetZControl changes the regulation mode. Every axis is recentered so
// the new mode starts from a known position.
func (d *Dispatcher) handleSetZControl(req protocol.Request) (protocol.Response, error) {
	mode := req.(protocol.SetZControl).Mode
	if !mode.Valid() {
		if d.policy == RejectUnknown {
			return nil, fmt.Errorf("%w: %s", protocol.ErrInvalidArgument, mode)
		}
		mode = mode.Clamp()
	}
	d.cfg.SetZControl(mode)
	d.engine.CenterAll()
	return nil, nil
}

func (d *Dispatcher) handleGetAFMProperties(protocol.Request) (protocol.Response, error) {
	return d.cfg.AFM(), nil
}

func (d *Dispatcher) handleSetAFMProperties(req protocol.Request) (protocol.Response, error) {
	d.cfg.SetAFM(req.(protocol.SetAFMProperties).Properties)
	return nil, nil
}

func (d *Dispatcher) handleGetSTMProperties(protocol.Request) (protocol.Response, error) {
	return d.cfg.STM(), nil
}

func (d *Dispatcher) handleSetSTMProperties(req protocol.Request) (protocol.Response, error) {
	d.cfg.SetSTM(req.(protocol.SetSTMProperties).Properties)
	return nil, nil
}

// handleRun starts a scan. Nothing changes unless the geometry is usable,
// the instrument is idle and the queue can take both START and END.
func (d *Dispatcher) handleRun(req protocol.Request) (protocol.Response, error) {
	run := req.(protocol.Run)
	if run.Degenerate() {
		return nil, fmt.Errorf("%w: size %d resolution %d", protocol.ErrInvalidArgument, run.Size, run.Resolution)
	}
	if free := d.encoder.Free(); free < 2 {
		return nil, fmt.Errorf("%w: stream queue has %d free", protocol.ErrBusy, free)
	}
	if !d.cfg.TransitionRunState(protocol.RunStateIdle, protocol.RunStateRunning) {
		return nil, fmt.Errorf("%w: scan already running", protocol.ErrBusy)
	}

	var p [protocol.ImageStartSize]byte
	start := protocol.ImageStart{Width: run.Resolution, Height: run.Resolution}
	if err := d.encoder.TryPush(protocol.StreamMessage{Kind: protocol.KindImageStart, Payload: start.AppendBinary(p[:0])}); err != nil {
		d.cfg.SetRunState(protocol.RunStateIdle)
		return nil, fmt.Errorf("%w: %v", protocol.ErrBusy, err)
	}
	d.streamOpen.Store(true)
	RecordTiming(EvtRun, 0, uint32(run.Size), uint32(run.Resolution))

	if d.source != nil {
		d.source.StartImage(run)
		return nil, nil
	}

	// No pixel source: the image is empty
	d.closeStream()
	return nil, nil
}

func (d *Dispatcher) handleStop(protocol.Request) (protocol.Response, error) {
	d.cfg.SetRunState(protocol.RunStateIdle)
	closed := d.closeStream()
	if closed && d.source != nil {
		d.source.AbortImage()
	}

	var v uint32
	if closed {
		v = 1
	}
	RecordTiming(EvtStop, 0, v, 0)
	return nil, nil
}
