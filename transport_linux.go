package usbi3c

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// linuxTransport implements Transport on top of github.com/google/gousb,
// the same cgo libusb binding the pack's guiperry-HASHER driver uses for
// its own USB device (usb_device.go). gousb already exercises the
// usbdevfs/libusb control, bulk and interrupt paths this spec needs, so no
// raw ioctl plumbing is carried over from the teacher's Linux backend —
// see DESIGN.md.
type linuxTransport struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
	epIntr *gousb.InEndpoint
}

// OpenLinuxTransport opens the I3C Function at vendor/product ID and claims
// its bulk and interrupt endpoints (spec.md §6 "Endpoints (conventional)").
func OpenLinuxTransport(vendorID, productID gousb.ID) (Transport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(vendorID, productID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbi3c: open device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbi3c: %w: vid=%s pid=%s", ErrDeviceNotFound, vendorID, productID)
	}

	dev.SetAutoDetach(true)

	config, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbi3c: set config: %w", err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbi3c: claim interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(endpointBulk)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbi3c: open bulk-out endpoint: %w", err)
	}

	epIn, err := intf.InEndpoint(endpointBulk)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbi3c: open bulk-in endpoint: %w", err)
	}

	epIntr, err := intf.InEndpoint(endpointInterrupt)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbi3c: open interrupt endpoint: %w", err)
	}

	return &linuxTransport{
		ctx:    ctx,
		dev:    dev,
		config: config,
		intf:   intf,
		epOut:  epOut,
		epIn:   epIn,
		epIntr: epIntr,
	}, nil
}

func (t *linuxTransport) ControlTransfer(ctx context.Context, bmRequestType, bRequest uint8, wValue, wIndex uint16, data []byte) (int, error) {
	n, err := t.dev.Control(bmRequestType, bRequest, wValue, wIndex, data)
	if err != nil {
		return 0, fmt.Errorf("usbi3c: control transfer: %w", err)
	}
	return n, nil
}

func (t *linuxTransport) BulkOut(ctx context.Context, data []byte) (int, error) {
	n, err := t.epOut.WriteContext(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("usbi3c: bulk-out transfer: %w", err)
	}
	return n, nil
}

func (t *linuxTransport) ReadBulkIn(ctx context.Context) ([]byte, error) {
	buf := make([]byte, t.epIn.Desc.MaxPacketSize)
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("usbi3c: bulk-in read: %w", err)
	}
	return buf[:n], nil
}

func (t *linuxTransport) ReadInterrupt(ctx context.Context) ([]byte, error) {
	buf := make([]byte, t.epIntr.Desc.MaxPacketSize)
	n, err := t.epIntr.ReadContext(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("usbi3c: interrupt read: %w", err)
	}
	return buf[:n], nil
}

func (t *linuxTransport) Close() error {
	t.intf.Close()
	if err := t.config.Close(); err != nil {
		t.dev.Close()
		t.ctx.Close()
		return fmt.Errorf("usbi3c: close config: %w", err)
	}
	if err := t.dev.Close(); err != nil {
		t.ctx.Close()
		return fmt.Errorf("usbi3c: close device: %w", err)
	}
	return t.ctx.Close()
}
