package usbi3c

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTargetDeviceTableBuffer(devices []TargetDevice) []byte {
	buf := make([]byte, dwordSize+len(devices)*getTargetTableEntryDWords*dwordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(devices)))
	off := dwordSize
	for _, d := range devices {
		dw0 := uint32(d.DynamicAddress) | uint32(d.Type)<<8
		dw2 := uint32(d.BCR) | uint32(d.DCR)<<8 | d.PIDLo<<16
		binary.LittleEndian.PutUint32(buf[off:off+4], dw0)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(d.Config.MaxIBIPayloadSize))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], dw2)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], d.PIDHi)
		off += getTargetTableEntryDWords * dwordSize
	}
	return buf
}

func TestRequestReattemptMaxGetSet(t *testing.T) {
	d := NewDevice(newFakeTransport(), WithReattemptMax(2))
	assert.Equal(t, 2, d.RequestReattemptMax())

	d.SetRequestReattemptMax(5)
	assert.Equal(t, 5, d.RequestReattemptMax())
}

// TestRefreshTargetDeviceTableReplacesOnSuccess covers the
// table_update_target_device_info refresh contract: a successful transfer
// replaces every existing entry.
func TestRefreshTargetDeviceTableReplacesOnSuccess(t *testing.T) {
	ft := newFakeTransport()
	d := NewDevice(ft)
	d.table.insert(TargetDevice{DynamicAddress: 0x08})

	ft.setControlResponse(bRequestGetTargetDeviceTable,
		encodeTargetDeviceTableBuffer([]TargetDevice{{DynamicAddress: 0x20, BCR: 0x5}}))

	require.NoError(t, d.RefreshTargetDeviceTable(context.Background()))

	_, ok := d.table.get(0x08)
	assert.False(t, ok, "refresh must replace the old table contents")
	dev, ok := d.table.get(0x20)
	require.True(t, ok)
	assert.Equal(t, uint8(0x5), dev.BCR)
}

// TestRefreshTargetDeviceTableLeavesTableOnFailure covers the "a failed
// transfer leaves the table unchanged" half of the refresh contract.
func TestRefreshTargetDeviceTableLeavesTableOnFailure(t *testing.T) {
	ft := newFakeTransport()
	d := NewDevice(ft)
	d.table.insert(TargetDevice{DynamicAddress: 0x08})

	ft.setControlError(bRequestGetTargetDeviceTable, assert.AnError)

	err := d.RefreshTargetDeviceTable(context.Background())
	assert.Error(t, err)

	dev, ok := d.table.get(0x08)
	require.True(t, ok, "a failed refresh must leave the existing table untouched")
	assert.Equal(t, uint8(0x08), dev.DynamicAddress)
}
