package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable is returned when no instrument is present or it
	// cannot be claimed. It is surfaced to the caller and not retried.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrTransportTimeout is returned when a control round-trip exceeds its
	// deadline. The link handle is stale afterwards and must be reopened.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrMalformedRequest covers every request the dispatcher refuses to act on.
	ErrMalformedRequest = errors.New("malformed request")

	ErrUnknownCommand  = fmt.Errorf("%w: unknown command", ErrMalformedRequest)
	ErrInvalidArgument = fmt.Errorf("%w: invalid argument", ErrMalformedRequest)
	ErrShortPayload    = fmt.Errorf("%w: short payload", ErrMalformedRequest)

	// ErrBusy is returned when a request cannot be served in the current run state.
	ErrBusy = errors.New("instrument busy")

	// ErrStreamDesync reports an image stream whose message order or sizes are
	// inconsistent. The framing has no resynchronization marker, so the only
	// recovery is to abandon the image.
	ErrStreamDesync = errors.New("stream desynchronized")

	// ErrQueueFull is returned by a non-blocking push onto a full stream queue.
	ErrQueueFull = errors.New("stream queue full")

	ErrFrameTooLong = errors.New("frame too long")
)

// Status is the first body byte of every control response frame
type Status uint8

const (
	StatusOK Status = iota
	StatusUnknownCommand
	StatusInvalidArgument
	StatusMalformed
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusMalformed:
		return "malformed"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(0x%02x)", uint8(s))
	}
}

// Err maps a wire status back to the matching sentinel error
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusUnknownCommand:
		return ErrUnknownCommand
	case StatusInvalidArgument:
		return ErrInvalidArgument
	case StatusMalformed:
		return ErrShortPayload
	case StatusBusy:
		return ErrBusy
	default:
		return fmt.Errorf("%w: %s", ErrMalformedRequest, s)
	}
}

// StatusFromError maps a dispatcher error to its wire status
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrUnknownCommand):
		return StatusUnknownCommand
	case errors.Is(err, ErrInvalidArgument):
		return StatusInvalidArgument
	case errors.Is(err, ErrBusy), errors.Is(err, ErrQueueFull):
		return StatusBusy
	default:
		return StatusMalformed
	}
}
