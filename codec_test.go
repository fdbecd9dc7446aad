package usbi3c

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPad(t *testing.T) {
	cases := map[int]int{0: 0, 1: 3, 2: 2, 3: 1, 4: 0, 5: 3, 34: 2}
	for length, want := range cases {
		assert.Equal(t, want, pad(length), "length=%d", length)
	}
}

func TestEncodeDecodeBulkRequestRoundTrip(t *testing.T) {
	commands := []*Command{
		{
			Kind:          CommandRegular,
			Direction:     DirectionWrite,
			TargetAddress: 0x1,
			ErrorHandling: ErrorHandlingTerminateOnAny,
			TransferMode:  TransferModeSDR,
			DataLength:    5,
			Data:          []byte("hello"),
		},
		{
			Kind:          CommandCCCWithDefByte,
			Direction:     DirectionRead,
			TargetAddress: 0x2,
			HasCCC:        true,
			CCC:           0x07,
			DefiningByte:  0x09,
			DataLength:    4,
		},
		{
			Kind:          CommandTargetResetPattern,
			Direction:     DirectionWrite,
			TargetAddress: 0x3,
		},
	}
	ids := []uint16{10, 11, 12}

	buf, err := EncodeBulkRequest(commands, ids, true)
	require.NoError(t, err)

	wantSize := transferHeaderSize
	for _, c := range commands {
		wantSize += EncodedCommandSize(c)
	}
	assert.Equal(t, wantSize, len(buf), "spec.md §8 invariant 4")

	dep, decoded, decodedIDs, err := DecodeBulkRequest(buf)
	require.NoError(t, err)
	assert.True(t, dep)
	assert.Equal(t, ids, decodedIDs)
	require.Len(t, decoded, len(commands))

	for i, c := range commands {
		got := decoded[i]
		assert.Equal(t, c.Kind, got.Kind)
		assert.Equal(t, c.Direction, got.Direction)
		assert.Equal(t, c.TargetAddress, got.TargetAddress)
		assert.Equal(t, c.DataLength, got.DataLength)
		if c.DataLength > 0 && c.Kind != CommandTargetResetPattern {
			assert.Equal(t, c.Data, got.Data)
		}
		if c.HasCCC {
			assert.True(t, got.HasCCC)
			assert.Equal(t, c.CCC, got.CCC)
			assert.Equal(t, c.DefiningByte, got.DefiningByte)
		}
	}
}

func TestEncodeBulkRequestMismatchedIDs(t *testing.T) {
	_, err := EncodeBulkRequest([]*Command{{}}, nil, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDecodeBulkResponseRegular(t *testing.T) {
	buf := make([]byte, transferHeaderSize)
	// kind = BulkResponseRegular (0) already.

	dw0 := uint32(42) | 1<<25 | 1<<24 // request_id=42, attempted, has_data
	descriptor := make([]byte, responseDescriptorSize)
	putUint32LE(descriptor[0:4], dw0)
	dw1 := uint32(13) | uint32(StatusSucceeded)<<28
	putUint32LE(descriptor[4:8], dw1)
	buf = append(buf, descriptor...)
	buf = writePaddedData(buf, []byte("Response data"))

	kind, entries, vendorData, err := DecodeBulkResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, BulkResponseRegular, kind)
	assert.Nil(t, vendorData)
	require.Len(t, entries, 1)
	assert.Equal(t, uint16(42), entries[0].RequestID)
	resp := entries[0].Response
	assert.True(t, resp.Attempted)
	assert.True(t, resp.HasData)
	assert.Equal(t, StatusSucceeded, resp.Status)
	assert.Equal(t, []byte("Response data"), resp.Data)
	assert.True(t, resp.Succeeded())
}

func TestDecodeBulkResponseVendor(t *testing.T) {
	buf := make([]byte, transferHeaderSize)
	putUint32LE(buf, uint32(BulkResponseVendor))
	buf = append(buf, []byte("vendor payload")...)

	kind, entries, vendorData, err := DecodeBulkResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, BulkResponseVendor, kind)
	assert.Nil(t, entries)
	assert.Equal(t, []byte("vendor payload"), vendorData)
}

func TestDecodeBulkResponseTruncated(t *testing.T) {
	_, _, _, err := DecodeBulkResponse([]byte{0x00})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestEncodeDecodeNotification(t *testing.T) {
	buf := EncodeNotification(NotificationStallOnNack, 0x07, 99)
	typ, code, value, err := DecodeNotification(buf)
	require.NoError(t, err)
	assert.Equal(t, NotificationStallOnNack, typ)
	assert.Equal(t, uint8(0x07), code)
	assert.Equal(t, uint16(99), value)
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
