package usbi3c

import (
	"context"
	"encoding/binary"
	"sync"
)

// fakeTransport is a hand-written Transport double for tests: control
// responses are canned per bRequest code, bulk-out writes are recorded, and
// bulk-in/interrupt reads are delivered from buffered channels the test
// feeds, standing in for the device's standing asynchronous reads (spec.md
// §4.5).
type fakeTransport struct {
	mu              sync.Mutex
	controlOut      []controlCall
	controlResponse map[uint8][]byte
	controlErr      map[uint8]error
	bulkOut         [][]byte
	bulkIn          chan []byte
	interrupt       chan []byte
	closed          bool
}

type controlCall struct {
	bmRequestType, bRequest uint8
	wValue, wIndex          uint16
	data                    []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		controlResponse: make(map[uint8][]byte),
		bulkIn:          make(chan []byte, 16),
		interrupt:       make(chan []byte, 16),
	}
}

// setControlResponse arms the bytes classControlIn returns for bRequest.
func (f *fakeTransport) setControlResponse(bRequest uint8, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlResponse[bRequest] = data
}

// setControlError makes ControlTransfer fail for bRequest, used to exercise
// transport-failure paths like RefreshTargetDeviceTable's "leave the table
// unchanged" contract.
func (f *fakeTransport) setControlError(bRequest uint8, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.controlErr == nil {
		f.controlErr = make(map[uint8]error)
	}
	f.controlErr[bRequest] = err
}

func (f *fakeTransport) setBufferAvailable(n uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, n)
	f.setControlResponse(bRequestGetBufferAvailable, buf)
}

func (f *fakeTransport) ControlTransfer(ctx context.Context, bmRequestType, bRequest uint8, wValue, wIndex uint16, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlOut = append(f.controlOut, controlCall{bmRequestType, bRequest, wValue, wIndex, append([]byte(nil), data...)})
	if err := f.controlErr[bRequest]; err != nil {
		return 0, err
	}
	if bmRequestType == bmRequestTypeIn {
		resp := f.controlResponse[bRequest]
		n := copy(data, resp)
		return n, nil
	}
	return len(data), nil
}

func (f *fakeTransport) BulkOut(ctx context.Context, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkOut = append(f.bulkOut, append([]byte(nil), data...))
	return len(data), nil
}

func (f *fakeTransport) ReadBulkIn(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.bulkIn:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) ReadInterrupt(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.interrupt:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) lastControlCall() (controlCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.controlOut) == 0 {
		return controlCall{}, false
	}
	return f.controlOut[len(f.controlOut)-1], true
}

func encodeBulkResponse(requestID uint16, resp *Response) []byte {
	buf := make([]byte, transferHeaderSize) // kind = BulkResponseRegular (0)
	dw0 := uint32(requestID)
	if resp.Attempted {
		dw0 |= 1 << 25
	}
	if resp.HasData {
		dw0 |= 1 << 24
	}
	descriptor := make([]byte, dwordSize)
	binary.LittleEndian.PutUint32(descriptor, dw0)
	buf = append(buf, descriptor...)
	if resp.Attempted {
		dw1 := uint32(len(resp.Data)) | uint32(resp.Status)<<28
		rest := make([]byte, 8)
		binary.LittleEndian.PutUint32(rest[0:4], dw1)
		buf = append(buf, rest...)
		if resp.HasData {
			buf = writePaddedData(buf, resp.Data)
		}
	}
	return buf
}
