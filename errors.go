package usbi3c

import "errors"

// Error taxonomy, matching the six kinds the core distinguishes: invalid
// argument, transport, protocol, device, flow control and timeout errors.
// Transport-layer failures are returned verbatim by Transport implementations
// and wrapped with fmt.Errorf by the call site that observed them.
var (
	// ErrInvalidArgument covers malformed commands, unknown dependency
	// values, unsupported features and address conflicts.
	ErrInvalidArgument = errors.New("usbi3c: invalid argument")

	// ErrProtocol covers bulk-in stream desynchronization, malformed
	// headers and unexpected notification layouts.
	ErrProtocol = errors.New("usbi3c: protocol error")

	// ErrFlowControl is returned when GET_BUFFER_AVAILABLE reports not
	// enough room for the encoded bulk request.
	ErrFlowControl = errors.New("usbi3c: insufficient device buffer space")

	// ErrTimeout is returned when a synchronous send exceeds its deadline.
	ErrTimeout = errors.New("usbi3c: request timed out")

	// ErrDeviceNotFound is returned by the target-table accessors when no
	// device is at the given address, and by OpenLinuxTransport when no USB
	// device matches the given IDs.
	ErrDeviceNotFound = errors.New("usbi3c: device not found")

	// ErrClosed names a closed device context. No function in this package
	// returns it: operations on a Device after Close are not checked.
	ErrClosed = errors.New("usbi3c: device context closed")

	// ErrNoResponse names a tracker record that has no response attached.
	// No function in this package returns it: takeResponse reports that
	// case as a nil response with ok=true.
	ErrNoResponse = errors.New("usbi3c: no response recorded yet")
)

// DeviceError wraps a per-command error status as an error value. It is
// never returned as the overall error of SendCommands/SubmitCommands; the
// status itself travels in Response.Status.
type DeviceError struct {
	Status ErrorStatus
}

func (e *DeviceError) Error() string {
	return "usbi3c: device reported " + e.Status.String()
}
