package usbi3c

import (
	"encoding/binary"
	"fmt"
)

// All wire values are little-endian, packed into 32-bit (double) words.
// Command/response payloads that are not a multiple of 4 bytes are
// front-padded inside their data block so the block ends on a double-word
// boundary: the padding bytes come first, the payload's own last byte is
// the block's last byte. The transmitted length field always carries the
// semantic (unpadded) length.

const dwordSize = 4

// pad returns the number of zero bytes needed before a data block of the
// given length so the block ends double-word aligned (spec.md §4.1, §8
// invariant 4).
func pad(length int) int {
	return (dwordSize - length%dwordSize) % dwordSize
}

// writePaddedData appends pad(len(data)) zero bytes followed by data.
func writePaddedData(buf []byte, data []byte) []byte {
	n := pad(len(data))
	buf = append(buf, make([]byte, n)...)
	return append(buf, data...)
}

// readPaddedData reads a padded data block of semantic length dataLength
// starting at offset off, returning the unpadded payload and the number of
// bytes consumed from the buffer.
func readPaddedData(buf []byte, off int, dataLength int) (data []byte, consumed int, err error) {
	n := pad(dataLength)
	total := n + dataLength
	if off+total > len(buf) {
		return nil, 0, fmt.Errorf("%w: truncated data block", ErrProtocol)
	}
	data = make([]byte, dataLength)
	copy(data, buf[off+n:off+total])
	return data, total, nil
}

// transferHeaderSize is the 1 DW bulk request/response/notification header.
const transferHeaderSize = 4

// commandBlockSize is the 5 DW fixed portion of an encoded command, not
// counting its (possibly absent) padded data block.
const commandBlockSize = 5 * dwordSize

// responseDescriptorSize is the 3 DW fixed portion of an attempted response,
// not counting its padded data block.
const responseDescriptorSize = 3 * dwordSize

// commandHasDataBlock reports whether a command carries an inline padded
// data block on the wire. Only writes actually transmit a payload; a read
// command's data_length says how many bytes to read back, but the request
// itself carries no data block (spec.md §4.1, §3 read/write invariant).
func commandHasDataBlock(c *Command) bool {
	return c.Kind != CommandTargetResetPattern && c.Direction == DirectionWrite && c.DataLength > 0
}

// EncodedCommandSize returns the number of bytes one command contributes to
// an encoded bulk request transfer: the 20-byte command block plus its
// padded data block, if any, matching spec.md §8 invariant 4.
func EncodedCommandSize(c *Command) int {
	if !commandHasDataBlock(c) {
		return commandBlockSize
	}
	return commandBlockSize + int(c.DataLength) + pad(int(c.DataLength))
}

// EncodeBulkRequest packs a run of commands, each already assigned a
// request ID, into one bulk-out transfer buffer (spec.md §4.1).
// dependentOnPrevious sets the transfer header's bit 2: "the first command
// of this bulk request depends on the last command of the previous bulk
// request."
func EncodeBulkRequest(commands []*Command, requestIDs []uint16, dependentOnPrevious bool) ([]byte, error) {
	if len(commands) != len(requestIDs) {
		return nil, fmt.Errorf("%w: command/request-id count mismatch", ErrInvalidArgument)
	}

	header := uint32(0)
	if dependentOnPrevious {
		header |= 1 << 2
	}
	// tag = 0 for regular bulk requests.
	buf := make([]byte, transferHeaderSize)
	binary.LittleEndian.PutUint32(buf, header)

	for i, c := range commands {
		buf = encodeCommand(buf, c, requestIDs[i])
	}
	return buf, nil
}

func encodeCommand(buf []byte, c *Command, requestID uint16) []byte {
	hasData := commandHasDataBlock(c)

	dw0 := uint32(requestID)
	if hasData {
		dw0 |= 1 << 16
	}

	dw1 := uint32(c.Kind) & 0x7
	if c.Direction == DirectionWrite {
		dw1 |= 1 << 3
	}
	dw1 |= (uint32(c.ErrorHandling) & 0xF) << 4
	dw1 |= (uint32(c.TargetAddress) & 0xFF) << 8
	dw1 |= (uint32(c.TransferMode) & 0x1F) << 16
	dw1 |= (uint32(c.TransferRate) & 0x7) << 21
	dw1 |= (uint32(c.TMSpecificInfo) & 0xFF) << 24

	var dw2, dw3 uint32
	if c.HasCCC {
		dw2 = (uint32(c.CCC) & 0xFF) << 8
		dw2 |= uint32(c.DefiningByte) & 0xFF
	}
	dw3 = c.DataLength & 0x3FFFFF

	dword := make([]byte, commandBlockSize)
	binary.LittleEndian.PutUint32(dword[0:4], dw0)
	binary.LittleEndian.PutUint32(dword[4:8], dw1)
	binary.LittleEndian.PutUint32(dword[8:12], dw2)
	binary.LittleEndian.PutUint32(dword[12:16], dw3)
	binary.LittleEndian.PutUint32(dword[16:20], 0) // DW4 reserved
	buf = append(buf, dword...)

	if hasData {
		buf = writePaddedData(buf, c.Data)
	}
	return buf
}

// DecodeBulkRequest is the inverse of EncodeBulkRequest, used by the target
// side of the wire (Device.SendRequestToController re-encodes and this
// decodes for tests/round-trip verification, spec.md §8 invariant 5).
func DecodeBulkRequest(buf []byte) (dependentOnPrevious bool, commands []*Command, requestIDs []uint16, err error) {
	if len(buf) < transferHeaderSize {
		return false, nil, nil, fmt.Errorf("%w: bulk request truncated", ErrProtocol)
	}
	header := binary.LittleEndian.Uint32(buf[0:4])
	dependentOnPrevious = header&(1<<2) != 0

	off := transferHeaderSize
	for off < len(buf) {
		if off+commandBlockSize > len(buf) {
			return false, nil, nil, fmt.Errorf("%w: truncated command block", ErrProtocol)
		}
		dw0 := binary.LittleEndian.Uint32(buf[off : off+4])
		dw1 := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		dw2 := binary.LittleEndian.Uint32(buf[off+8 : off+12])
		dw3 := binary.LittleEndian.Uint32(buf[off+12 : off+16])
		off += commandBlockSize

		hasData := dw0&(1<<16) != 0
		requestID := uint16(dw0 & 0xFFFF)

		c := &Command{
			Kind:           CommandKind(dw1 & 0x7),
			ErrorHandling:  ErrorHandling((dw1 >> 4) & 0xF),
			TargetAddress:  uint8((dw1 >> 8) & 0xFF),
			TransferMode:   TransferMode((dw1 >> 16) & 0x1F),
			TransferRate:   uint8((dw1 >> 21) & 0x7),
			TMSpecificInfo: uint8((dw1 >> 24) & 0xFF),
			CCC:            uint8((dw2 >> 8) & 0xFF),
			DefiningByte:   uint8(dw2 & 0xFF),
			DataLength:     dw3 & 0x3FFFFF,
		}
		if dw1&(1<<3) != 0 {
			c.Direction = DirectionWrite
		} else {
			c.Direction = DirectionRead
		}
		c.HasCCC = c.Kind == CommandCCCWithoutDefByte || c.Kind == CommandCCCWithDefByte

		if hasData {
			data, consumed, derr := readPaddedData(buf, off, int(c.DataLength))
			if derr != nil {
				return false, nil, nil, derr
			}
			c.Data = data
			off += consumed
		}

		commands = append(commands, c)
		requestIDs = append(requestIDs, requestID)
	}
	return dependentOnPrevious, commands, requestIDs, nil
}

// BulkResponseKind is the bulk-in transfer header's kind field (spec.md
// §4.1, §6).
type BulkResponseKind uint8

const (
	BulkResponseRegular   BulkResponseKind = 0
	BulkResponseInterrupt BulkResponseKind = 1
	BulkResponseVendor    BulkResponseKind = 2
)

// ResponseEntry pairs a decoded Response with the request ID it answers.
type ResponseEntry struct {
	RequestID uint16
	Response  *Response
}

// DecodeBulkResponse parses a bulk-in transfer. For BulkResponseVendor the
// returned entries are empty and vendorData carries the raw payload
// (spec.md §4.1, §4.5).
func DecodeBulkResponse(buf []byte) (kind BulkResponseKind, entries []ResponseEntry, vendorData []byte, err error) {
	if len(buf) < transferHeaderSize {
		return 0, nil, nil, fmt.Errorf("%w: bulk response truncated", ErrProtocol)
	}
	header := binary.LittleEndian.Uint32(buf[0:4])
	kind = BulkResponseKind(header & 0x3)

	switch kind {
	case BulkResponseVendor:
		vendorData = append([]byte(nil), buf[transferHeaderSize:]...)
		return kind, nil, vendorData, nil
	case BulkResponseInterrupt:
		// No payload contract established for this kind; spec.md §4.5
		// says to drop it gracefully.
		return kind, nil, nil, nil
	case BulkResponseRegular:
		// fall through to the regular decode loop below.
	default:
		return 0, nil, nil, fmt.Errorf("%w: unknown bulk response kind %d", ErrProtocol, kind)
	}

	off := transferHeaderSize
	for off < len(buf) {
		if off+dwordSize > len(buf) {
			return 0, nil, nil, fmt.Errorf("%w: truncated response descriptor", ErrProtocol)
		}
		dw0 := binary.LittleEndian.Uint32(buf[off : off+4])
		requestID := uint16(dw0 & 0xFFFF)
		attempted := dw0&(1<<25) != 0
		hasData := dw0&(1<<24) != 0
		off += dwordSize

		resp := &Response{Attempted: attempted, HasData: hasData}

		if attempted {
			if off+8 > len(buf) {
				return 0, nil, nil, fmt.Errorf("%w: truncated response descriptor", ErrProtocol)
			}
			dw1 := binary.LittleEndian.Uint32(buf[off : off+4])
			// DW2 is reserved; skip it along with DW1.
			off += 8
			resp.Status = ErrorStatus((dw1 >> 28) & 0xF)
			dataLength := int(dw1 & 0x3FFFFF)
			if hasData {
				data, consumed, derr := readPaddedData(buf, off, dataLength)
				if derr != nil {
					return 0, nil, nil, derr
				}
				resp.Data = data
				off += consumed
			}
		}

		entries = append(entries, ResponseEntry{RequestID: requestID, Response: resp})
	}
	return kind, entries, nil, nil
}

// DecodeNotification parses the single-DW interrupt endpoint payload
// (spec.md §4.1, §6): bits 31-24 code, bits 23-16 type, bits 15-0 an opaque
// value (a request ID for stall-on-nack, an (old,new) address pair for
// address-change, ...).
func DecodeNotification(buf []byte) (typ NotificationType, code uint8, value uint16, err error) {
	if len(buf) < transferHeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: notification truncated", ErrProtocol)
	}
	dw := binary.LittleEndian.Uint32(buf[0:4])
	code = uint8(dw >> 24)
	typ = NotificationType(uint8(dw >> 16))
	value = uint16(dw & 0xFFFF)
	return typ, code, value, nil
}

// EncodeNotification is the inverse of DecodeNotification, used by tests to
// synthesize fake interrupt-endpoint traffic.
func EncodeNotification(typ NotificationType, code uint8, value uint16) []byte {
	dw := uint32(code)<<24 | uint32(typ)<<16 | uint32(value)
	buf := make([]byte, transferHeaderSize)
	binary.LittleEndian.PutUint32(buf, dw)
	return buf
}
