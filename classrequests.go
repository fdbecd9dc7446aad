package usbi3c

import (
	"context"
	"encoding/binary"
	"fmt"
)

// capabilityErrorCode values for the GET_I3C_CAPABILITY header (spec.md
// §4.7).
const (
	capabilityErrorDataPresent = 0x00
	capabilityErrorNoData      = 0xFF
)

// capabilityDeviceDataDWords and capabilityEntryDWords size the
// GET_I3C_CAPABILITY buffer (spec.md §4.7: "9 DWs of device data ... 4 DWs
// per target-device entry").
const (
	capabilityDeviceDataDWords = 9
	capabilityEntryDWords      = 4
)

// getI3CCapability issues GET_I3C_CAPABILITY and decodes the result
// (spec.md §4.7).
func getI3CCapability(ctx context.Context, t Transport, maxLength int) (Capabilities, []StaticTableEntry, error) {
	buf, err := classControlIn(ctx, t, bRequestGetI3CCapability, 0, 0, maxLength)
	if err != nil {
		return Capabilities{}, nil, err
	}
	if len(buf) < dwordSize {
		return Capabilities{}, nil, fmt.Errorf("%w: capability buffer truncated", ErrProtocol)
	}

	header := binary.LittleEndian.Uint32(buf[0:4])
	errorCode := uint8(header >> 24)
	if errorCode == capabilityErrorNoData {
		return Capabilities{}, nil, nil
	}

	dataType := DataType((header >> 18) & 0x3)
	role := Role((header >> 16) & 0x3)
	length := int(header & 0xFFFF)

	off := dwordSize
	if off+capabilityDeviceDataDWords*dwordSize > len(buf) {
		return Capabilities{}, nil, fmt.Errorf("%w: capability device data truncated", ErrProtocol)
	}
	dw0 := binary.LittleEndian.Uint32(buf[off : off+4])
	dw1 := binary.LittleEndian.Uint32(buf[off+4 : off+8])
	off += capabilityDeviceDataDWords * dwordSize

	caps := Capabilities{
		Role:                  role,
		DataType:              dataType,
		HandoffControllerRole: dw0&(1<<0) != 0,
		HotJoin:               dw0&(1<<1) != 0,
		InBandInterrupt:       dw0&(1<<2) != 0,
		MajorVersion:          uint8(dw1 & 0xFF),
		MinorVersion:          uint8((dw1 >> 8) & 0xFF),
		MaxIBIPayloadSize:     uint16(dw1 >> 16),
	}

	var entries []StaticTableEntry
	for off+capabilityEntryDWords*dwordSize <= len(buf) {
		e0 := binary.LittleEndian.Uint32(buf[off : off+4])
		e1 := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		e2 := binary.LittleEndian.Uint32(buf[off+8 : off+12])
		off += capabilityEntryDWords * dwordSize

		entries = append(entries, StaticTableEntry{
			StaticAddress:     uint8(e0 & 0xFF),
			IBIPrioritization: uint8((e0 >> 8) & 0xFF),
			PIDLo:             e1,
			PIDHi:             e2 & 0xFFFF,
			Version:           uint8((e2 >> 16) & 0xFF),
		})
	}
	_ = length

	return caps, entries, nil
}

// selectInitMode implements spec.md §4.7's INITIALIZE_I3C_BUS selection
// rule.
func selectInitMode(dataType DataType, entries []StaticTableEntry) InitMode {
	if dataType == DataTypeStatic {
		return InitModeControllerDecided
	}
	if len(entries) == 0 {
		return InitModeENTDAA
	}
	hasStatic, hasPID := false, false
	for _, e := range entries {
		if e.StaticAddress != 0 {
			hasStatic = true
		} else {
			hasPID = true
		}
	}
	switch {
	case hasStatic && !hasPID:
		return InitModeSetStaticAsDynamic
	case hasPID && !hasStatic:
		return InitModeENTDAA
	default:
		return InitModeControllerDecided
	}
}

// initializeI3CBus issues INITIALIZE_I3C_BUS(mode) (spec.md §4.7).
func initializeI3CBus(ctx context.Context, t Transport, mode InitMode) error {
	return classControlOut(ctx, t, bRequestInitializeI3CBus, uint16(mode), 0, nil)
}

// getTargetTableEntryDWords and setTargetConfigEntryDWords size the
// GET_TARGET_DEVICE_TABLE and
// SET_TARGET_DEVICE_CONFIG entries (spec.md §4.7).
const (
	getTargetTableEntryDWords  = 4
	setTargetConfigEntryDWords = 2
)

// getTargetDeviceTable issues GET_TARGET_DEVICE_TABLE and decodes every
// entry (spec.md §4.7).
func getTargetDeviceTable(ctx context.Context, t Transport, maxLength int) ([]TargetDevice, error) {
	buf, err := classControlIn(ctx, t, bRequestGetTargetDeviceTable, 0, 0, maxLength)
	if err != nil {
		return nil, err
	}
	if len(buf) < dwordSize {
		return nil, fmt.Errorf("%w: target device table buffer truncated", ErrProtocol)
	}
	header := binary.LittleEndian.Uint32(buf[0:4])
	tableSize := int(header & 0xFFFF)

	off := dwordSize
	devices := make([]TargetDevice, 0, tableSize)
	for off+getTargetTableEntryDWords*dwordSize <= len(buf) && len(devices) < tableSize {
		dw0 := binary.LittleEndian.Uint32(buf[off : off+4])
		dw1 := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		dw2 := binary.LittleEndian.Uint32(buf[off+8 : off+12])
		dw3 := binary.LittleEndian.Uint32(buf[off+12 : off+16])
		off += getTargetTableEntryDWords * dwordSize

		d := TargetDevice{
			DynamicAddress: uint8(dw0 & 0xFF),
			Type:           DeviceType((dw0 >> 8) & 0x1),
			BCR:            uint8(dw2 & 0xFF),
			DCR:            uint8((dw2 >> 8) & 0xFF),
			PIDLo:          dw2 >> 16,
			PIDHi:          dw3,
			Config: TargetConfig{
				IBIRequest:             dw0&(1<<9) != 0,
				ControllerRoleRequest:  dw0&(1<<10) != 0,
				TargetInterruptRequest: dw0&(1<<11) != 0,
				MaxIBIPayloadSize:      uint16(dw1 & 0xFFFF),
			},
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// setTargetDeviceConfig issues SET_TARGET_DEVICE_CONFIG for a batch of
// devices (spec.md §4.7).
const changeConfigCommandType = 0x01

func setTargetDeviceConfig(ctx context.Context, t Transport, updates []TargetDevice) error {
	header := uint32(len(updates))<<8 | changeConfigCommandType
	buf := make([]byte, dwordSize+len(updates)*setTargetConfigEntryDWords*dwordSize)
	binary.LittleEndian.PutUint32(buf[0:4], header)

	off := dwordSize
	for _, d := range updates {
		dw0 := uint32(d.DynamicAddress)
		if d.Config.IBIRequest {
			dw0 |= 1 << 9
		}
		if d.Config.ControllerRoleRequest {
			dw0 |= 1 << 10
		}
		if d.Config.TargetInterruptRequest {
			dw0 |= 1 << 11
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], dw0)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(d.Config.MaxIBIPayloadSize))
		off += setTargetConfigEntryDWords * dwordSize
	}
	return classControlOut(ctx, t, bRequestSetTargetDeviceConfig, 0, 0, buf)
}

// changeAddressEntryDWords sizes CHANGE_DYNAMIC_ADDRESS entries
// (spec.md §4.7).
const (
	changeAddressCommandType   = 0x02
	changeAddressEntryDWords   = 2
)

// changeDynamicAddress requests a batch of (old,new) address changes keyed
// by the device's PID (spec.md §4.7, §4.3). It returns only the transfer's
// error; the caller arms the address-change tracker for each pair itself.
type addressChangeRequest struct {
	OldAddress uint8
	NewAddress uint8
	PIDHi      uint32
	PIDLo      uint32
}

func changeDynamicAddress(ctx context.Context, t Transport, reqs []addressChangeRequest) error {
	header := uint32(len(reqs))<<8 | changeAddressCommandType
	buf := make([]byte, dwordSize+len(reqs)*changeAddressEntryDWords*dwordSize)
	binary.LittleEndian.PutUint32(buf[0:4], header)

	off := dwordSize
	for _, r := range reqs {
		dw0 := uint32(r.OldAddress) | uint32(r.NewAddress)<<8 | (r.PIDLo&0xFFFF)<<16
		binary.LittleEndian.PutUint32(buf[off:off+4], dw0)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], r.PIDHi)
		off += changeAddressEntryDWords * dwordSize
	}
	return classControlOut(ctx, t, bRequestChangeDynamicAddress, 0, 0, buf)
}

// getAddressChangeResult issues GET_ADDRESS_CHANGE_RESULT and decodes every
// per-entry outcome (spec.md §4.7 "per-entry (old, new, status)").
func getAddressChangeResult(ctx context.Context, t Transport, maxLength int) ([]AddressChangeResult, error) {
	buf, err := classControlIn(ctx, t, bRequestGetAddressChangeResult, 0, 0, maxLength)
	if err != nil {
		return nil, err
	}
	if len(buf) < dwordSize {
		return nil, fmt.Errorf("%w: address change result buffer truncated", ErrProtocol)
	}
	header := binary.LittleEndian.Uint32(buf[0:4])
	numEntries := int(header & 0xFFFF)

	off := dwordSize
	results := make([]AddressChangeResult, 0, numEntries)
	for off+dwordSize <= len(buf) && len(results) < numEntries {
		dw := binary.LittleEndian.Uint32(buf[off : off+4])
		off += dwordSize
		results = append(results, AddressChangeResult{
			OldAddress: uint8(dw & 0xFF),
			NewAddress: uint8((dw >> 8) & 0xFF),
			Succeeded:  dw&(1<<16) != 0,
		})
	}
	return results, nil
}

// getBufferAvailable issues GET_BUFFER_AVAILABLE, returning the device's
// free buffer space in bytes (spec.md §4.7 "returns a single 32-bit
// value").
func getBufferAvailable(ctx context.Context, t Transport) (uint32, error) {
	buf, err := classControlIn(ctx, t, bRequestGetBufferAvailable, 0, 0, dwordSize)
	if err != nil {
		return 0, err
	}
	if len(buf) < dwordSize {
		return 0, fmt.Errorf("%w: buffer-available response truncated", ErrProtocol)
	}
	return binary.LittleEndian.Uint32(buf[0:4]), nil
}

// setFeature / clearFeature issue SET_FEATURE / CLEAR_FEATURE (spec.md
// §4.7). wIndex is 0x7E00 only for CLEAR of HDR_MODE_EXIT_RECOVERY.
func setFeature(ctx context.Context, t Transport, selector FeatureSelector) error {
	return classControlOut(ctx, t, bRequestSetFeature, uint16(selector), 0, nil)
}

func clearFeature(ctx context.Context, t Transport, selector FeatureSelector) error {
	wIndex := uint16(0)
	if selector == FeatureHDRModeExitRecovery {
		wIndex = wIndexHDRModeExitRecovery
	}
	return classControlOut(ctx, t, bRequestClearFeature, uint16(selector), wIndex, nil)
}

// cancelOrResumeSelector distinguishes the two CANCEL_OR_RESUME_BULK_REQUEST
// payload shapes (spec.md §4.7).
type cancelOrResumeSelector uint16

const (
	selectorCancel cancelOrResumeSelector = 0
	selectorResume cancelOrResumeSelector = 1
)

// cancelOrResumeBulkRequest issues the CANCEL_OR_RESUME_BULK_REQUEST
// control transfer used by the stall-on-nack notification handler (spec.md
// §4.6, §4.7). It is a synchronous control transfer: it blocks the calling
// goroutine (the event-loop dispatcher) until the transfer completes and
// returns its error directly; no completion passes through the event loop.
func cancelOrResumeBulkRequest(ctx context.Context, t Transport, requestID uint16, selector cancelOrResumeSelector) error {
	return classControlOut(ctx, t, bRequestCancelOrResumeBulkRequest, requestID, uint16(selector), nil)
}
