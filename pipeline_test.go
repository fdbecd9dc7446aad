package usbi3c

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueRejectsInvalidCommand(t *testing.T) {
	d := NewDevice(newFakeTransport())
	err := d.Enqueue(&Command{Direction: DirectionRead, DataLength: 0})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPrepareBulkRequestEmptyQueue(t *testing.T) {
	d := NewDevice(newFakeTransport())
	_, _, _, err := d.prepareBulkRequest(context.Background(), false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPrepareBulkRequestInsufficientBuffer(t *testing.T) {
	ft := newFakeTransport()
	ft.setBufferAvailable(1)
	d := NewDevice(ft)
	require.NoError(t, d.Enqueue(&Command{
		Kind: CommandRegular, Direction: DirectionWrite, TargetAddress: 1,
		DataLength: 34, Data: bytes.Repeat([]byte{0xAB}, 34),
	}))
	_, _, _, err := d.prepareBulkRequest(context.Background(), false)
	assert.ErrorIs(t, err, ErrFlowControl)
}

// TestSendCommandsRegularWriteWithResponse is scenario S2: one write to
// address 1 with 34 bytes of payload, GET_BUFFER_AVAILABLE reporting
// encoded_size+100, and a bulk-in carrying an attempted/has_data response
// with "Response data" (13 bytes). SendCommands must return exactly that
// response, leave the tracker empty, and never invoke the command's
// OnResponse callback.
func TestSendCommandsRegularWriteWithResponse(t *testing.T) {
	ft := newFakeTransport()
	cmd := &Command{
		Kind:          CommandRegular,
		Direction:     DirectionWrite,
		TargetAddress: 1,
		DataLength:    34,
		Data:          bytes.Repeat([]byte{0xAB}, 34),
	}
	encodedSize := transferHeaderSize + EncodedCommandSize(cmd)
	ft.setBufferAvailable(uint32(encodedSize + 100))

	var cbCalled int32
	cmd.OnResponse = func(resp *Response, userdata any) { atomic.AddInt32(&cbCalled, 1) }

	d := NewDevice(ft)
	require.NoError(t, d.Enqueue(cmd))

	idCh := make(chan uint16, 1)
	go func() {
		var sent []byte
		for {
			ft.mu.Lock()
			if len(ft.bulkOut) > 0 {
				sent = ft.bulkOut[0]
			}
			ft.mu.Unlock()
			if sent != nil {
				break
			}
			time.Sleep(time.Millisecond)
		}
		_, _, ids, err := DecodeBulkRequest(sent)
		if err != nil || len(ids) != 1 {
			close(idCh)
			return
		}
		resp := &Response{Attempted: true, HasData: true, Status: StatusSucceeded, Data: []byte("Response data")}
		d.handleBulkIn(context.Background(), encodeBulkResponse(ids[0], resp))
		idCh <- ids[0]
	}()

	responses, err := d.SendCommands(context.Background(), false, time.Second)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, []byte("Response data"), responses[0].Data)
	assert.True(t, responses[0].Succeeded())

	id, ok := <-idCh
	require.True(t, ok)
	assert.Nil(t, d.tracker.lookup(id), "tracker must be empty after synchronous take")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&cbCalled), "OnResponse must not fire on the synchronous path")
}

func TestSendCommandsTimesOut(t *testing.T) {
	ft := newFakeTransport()
	ft.setBufferAvailable(1 << 20)
	d := NewDevice(ft)
	require.NoError(t, d.Enqueue(&Command{
		Kind: CommandRegular, Direction: DirectionRead, TargetAddress: 1, DataLength: 4,
	}))
	_, err := d.SendCommands(context.Background(), false, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSubmitCommandsFiresAsyncCallback(t *testing.T) {
	ft := newFakeTransport()
	cmd := &Command{Kind: CommandRegular, Direction: DirectionRead, TargetAddress: 1, DataLength: 4}
	ft.setBufferAvailable(1 << 20)

	done := make(chan *Response, 1)
	cmd.OnResponse = func(resp *Response, userdata any) { done <- resp }

	d := NewDevice(ft)
	require.NoError(t, d.Enqueue(cmd))
	require.NoError(t, d.SubmitCommands(context.Background(), false))

	var sent []byte
	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		if len(ft.bulkOut) == 0 {
			return false
		}
		sent = ft.bulkOut[0]
		return true
	}, time.Second, time.Millisecond)

	_, _, ids, err := DecodeBulkRequest(sent)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	resp := &Response{Attempted: true, HasData: true, Status: StatusSucceeded, Data: []byte("abcd")}
	d.handleBulkIn(context.Background(), encodeBulkResponse(ids[0], resp))

	select {
	case got := <-done:
		assert.Equal(t, []byte("abcd"), got.Data)
	case <-time.After(time.Second):
		t.Fatal("OnResponse never fired on the asynchronous submit path")
	}
	assert.Nil(t, d.tracker.lookup(ids[0]))
}
