package usbtmc

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/labtools/usbtmc/resource"
)

// Sentinel errors surfaced to callers. Wrap with pkg/errors at the call
// site when additional context (resource string, bTag, endpoint) is
// useful; callers should still match with errors.Is against these.
var (
	// ErrInvalidResource is returned when a VISA resource string is
	// malformed or missing required fields. It is the same value as
	// resource.ErrInvalidResource, which FromResource passes through.
	ErrInvalidResource = resource.ErrInvalidResource

	// ErrNoDeviceSpecified is returned when an Instrument was built
	// without enough information (no resource, no device, no VID/PID) to
	// locate a device.
	ErrNoDeviceSpecified = errors.New("usbtmc: no device specified")

	// ErrDeviceNotFound is returned when enumeration found no matching
	// device.
	ErrDeviceNotFound = errors.New("usbtmc: device not found")

	// ErrNotUSBTMCDevice is returned when a device has no interface of
	// class 0xFE/subclass 3 and is not a recognized quirky vendor.
	ErrNotUSBTMCDevice = errors.New("usbtmc: not a USBTMC device")

	// ErrInvalidEndpointConfig is returned when the claimed interface is
	// missing a required bulk endpoint.
	ErrInvalidEndpointConfig = errors.New("usbtmc: invalid endpoint configuration")

	// ErrCapabilityProbeFailed is returned when GET_CAPABILITIES does not
	// report STATUS_SUCCESS.
	ErrCapabilityProbeFailed = errors.New("usbtmc: get capabilities failed")

	// ErrClearFailed is returned when INITIATE_CLEAR does not report
	// STATUS_SUCCESS.
	ErrClearFailed = errors.New("usbtmc: clear failed")

	// ErrPulseFailed is returned when INDICATOR_PULSE does not report
	// STATUS_SUCCESS.
	ErrPulseFailed = errors.New("usbtmc: pulse failed")

	// ErrReadStatusFailed is returned when READ_STATUS_BYTE does not
	// report STATUS_SUCCESS.
	ErrReadStatusFailed = errors.New("usbtmc: read status byte failed")

	// ErrNotImplemented is returned by Remote, Local, Lock and Unlock on
	// devices that don't support a vendor override for them.
	ErrNotImplemented = errors.New("usbtmc: not implemented")

	// ErrTimeout is returned after a bulk transfer times out and the
	// matching abort sub-protocol has been attempted.
	ErrTimeout = errors.New("usbtmc: timeout")

	// ErrNotConnected is returned by operations that require an open
	// session.
	ErrNotConnected = errors.New("usbtmc: not connected")
)

// ProtocolError indicates the device replied with a bTag, complement, or
// sequencing value that disagrees with what was sent.
type ProtocolError struct {
	Op      string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("usbtmc: protocol error during %s: %s", e.Op, e.Message)
}

// StatusByteTagMismatchError is raised by ReadStatusByte when the bTag
// echoed by the device (in the control reply or the interrupt packet)
// does not match the bTag that was sent.
type StatusByteTagMismatchError struct {
	Sent     byte
	Received byte
}

func (e *StatusByteTagMismatchError) Error() string {
	return fmt.Sprintf("usbtmc: read status byte btag mismatch: sent %#x, received %#x", e.Sent, e.Received)
}

// TransportError wraps a failure from the underlying USB transport
// (control transfer, bulk read/write) that isn't one of the typed
// protocol errors above.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("usbtmc: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func wrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}
