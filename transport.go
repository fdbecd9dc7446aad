package usbi3c

import (
	"context"
	"fmt"
	"time"
)

// bRequest codes for the USB I3C class-specific control requests (spec.md
// §6).
const (
	bRequestClearFeature              = 0x01
	bRequestSetFeature                = 0x03
	bRequestGetI3CCapability          = 0x10
	bRequestInitializeI3CBus          = 0x11
	bRequestGetTargetDeviceTable      = 0x12
	bRequestSetTargetDeviceConfig     = 0x13
	bRequestChangeDynamicAddress      = 0x14
	bRequestGetAddressChangeResult    = 0x15
	bRequestGetBufferAvailable        = 0x16
	bRequestCancelOrResumeBulkRequest = 0x17
)

// bmRequestType values for class-specific control requests (spec.md §6).
const (
	bmRequestTypeOut = 0b00100001
	bmRequestTypeIn  = 0b10100001
)

// wIndex used by CLEAR_FEATURE(HDR_MODE_EXIT_RECOVERY) (spec.md §6).
const wIndexHDRModeExitRecovery = 0x7E00

// Conventional endpoint addresses (spec.md §6); the direction bit (0x80) is
// added by the Transport implementation, not by callers.
const (
	endpointBulk      = 1
	endpointInterrupt = 2
)

// Transport is the narrow USB surface the core consumes (spec.md §1, §6).
// Everything above this interface — command encoding, the request tracker,
// the target table, the event loop — is transport-agnostic; only a
// Transport implementation touches USB directly. Modeled on the teacher's
// DeviceHandleInterface (device_common.go), trimmed to exactly the
// operations spec.md §6 names: synchronous control, synchronous bulk
// (both directions), and the two standing asynchronous reads the event
// loop keeps armed.
type Transport interface {
	// ControlTransfer issues a synchronous control transfer and returns the
	// number of bytes transferred.
	ControlTransfer(ctx context.Context, bmRequestType, bRequest uint8, wValue, wIndex uint16, data []byte) (int, error)

	// BulkOut issues a synchronous OUT bulk transfer to the bulk endpoint.
	BulkOut(ctx context.Context, data []byte) (int, error)

	// ReadBulkIn blocks until one bulk-in transfer arrives and returns it.
	ReadBulkIn(ctx context.Context) ([]byte, error)

	// ReadInterrupt blocks until one interrupt-in transfer arrives and
	// returns it.
	ReadInterrupt(ctx context.Context) ([]byte, error)

	// Close releases the underlying device handle.
	Close() error
}

// classControlOut issues a class-specific OUT control request (spec.md §6).
func classControlOut(ctx context.Context, t Transport, bRequest uint8, wValue, wIndex uint16, data []byte) error {
	_, err := t.ControlTransfer(ctx, bmRequestTypeOut, bRequest, wValue, wIndex, data)
	if err != nil {
		return fmt.Errorf("usbi3c: control request 0x%02x: %w", bRequest, err)
	}
	return nil
}

// classControlIn issues a class-specific IN control request, returning
// exactly the bytes the device returned (spec.md §6).
func classControlIn(ctx context.Context, t Transport, bRequest uint8, wValue, wIndex uint16, maxLength int) ([]byte, error) {
	buf := make([]byte, maxLength)
	n, err := t.ControlTransfer(ctx, bmRequestTypeIn, bRequest, wValue, wIndex, buf)
	if err != nil {
		return nil, fmt.Errorf("usbi3c: control request 0x%02x: %w", bRequest, err)
	}
	return buf[:n], nil
}

// defaultControlTimeout is a five-second bound for class-specific control
// transfers. Nothing in this package applies it: classControlOut and
// classControlIn pass the caller's context through unchanged, and the
// Transport implementation decides the control-transfer timeout.
const defaultControlTimeout = 5 * time.Second
