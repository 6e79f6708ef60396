package dfu

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/srg/wandkit/internal/device"
)

// Secure DFU GATT layout.
const (
	Service      = "fe59"
	ControlPoint = "8ec90001-f315-4f60-9fb8-838830daea50"
	Packet       = "8ec90002-f315-4f60-9fb8-838830daea50"
	Buttonless   = "8ec90003-f315-4f60-9fb8-838830daea50"
)

// Control point opcodes.
const (
	opCreate            byte = 0x01
	opSetPRN            byte = 0x02
	opCalculateChecksum byte = 0x03
	opExecute           byte = 0x04
	opSelect            byte = 0x06
)

// Buttonless opcodes.
const (
	opEnterBootloader byte = 0x01
	opSetDfuName      byte = 0x02
)

// Object types for SELECT and CREATE.
const (
	objectCommand byte = 0x01
	objectData    byte = 0x02
)

// Response prefixes.
const (
	responseControl    byte = 0x60
	responseButtonless byte = 0x20
)

// Result codes.
const (
	ResultInvalidOpcode         byte = 0x00
	ResultSuccess               byte = 0x01
	ResultOpcodeNotSupported    byte = 0x02
	ResultInvalidParameter      byte = 0x03
	ResultInsufficientResources byte = 0x04
	ResultInvalidObject         byte = 0x05
	ResultUnsupportedType       byte = 0x07
	ResultOperationNotPermitted byte = 0x08
	ResultOperationFailed       byte = 0x0A
	ResultExtendedError         byte = 0x0B
)

var resultMessages = map[byte]string{
	ResultInvalidOpcode:         "Invalid opcode",
	ResultSuccess:               "Operation successful",
	ResultOpcodeNotSupported:    "Opcode not supported",
	ResultInvalidParameter:      "Missing or invalid parameter value",
	ResultInsufficientResources: "Not enough memory for the data object",
	ResultInvalidObject:         "Data object does not match the firmware and hardware requirements, the signature is wrong, or parsing the command failed",
	ResultUnsupportedType:       "Not a valid object type for a Create request",
	ResultOperationNotPermitted: "The state of the DFU process does not allow this operation",
	ResultOperationFailed:       "Operation failed",
	ResultExtendedError:         "Extended error",
}

var extendedMessages = map[byte]string{
	0x00: "No extended error code has been set. This error indicates an implementation problem",
	0x01: "Invalid error code. This error code should never be used outside of development",
	0x02: "The format of the command was incorrect",
	0x03: "The command was successfully parsed, but it is not supported or unknown",
	0x04: "The init command is invalid. The init packet either has an invalid update type or it is missing required fields for the update type",
	0x05: "The firmware version is too low. For an application, the version must be greater than the current application. For a bootloader, it must be greater than or equal to the current version",
	0x06: "The hardware version of the device does not match the required hardware version for the update",
	0x07: "The array of supported SoftDevices for the update does not contain the FWID of the current SoftDevice",
	0x08: "The init packet does not contain a signature",
	0x09: "The hash type that is specified by the init packet is not supported by the DFU bootloader",
	0x0A: "The hash of the firmware image cannot be calculated",
	0x0B: "The type of the signature is unknown or not supported by the DFU bootloader",
	0x0C: "The hash of the received firmware image does not match the hash in the init packet",
	0x0D: "The available space on the device is insufficient to hold the firmware",
}

// ResponseError is a failed control point or buttonless response.
type ResponseError struct {
	// Opcode is the request opcode echoed by the target
	Opcode byte

	// Result is the result code from the response
	Result byte

	// Extended is the extended error code, set when Result is ResultExtendedError
	Extended byte
}

// Message returns the documented description of the failure.
func (e *ResponseError) Message() string {
	if e.Result == ResultExtendedError {
		if msg, ok := extendedMessages[e.Extended]; ok {
			return msg
		}
		return fmt.Sprintf("unknown extended error 0x%02X", e.Extended)
	}
	if msg, ok := resultMessages[e.Result]; ok {
		return msg
	}
	return fmt.Sprintf("unknown result code 0x%02X", e.Result)
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("DFU opcode 0x%02X failed: %s", e.Opcode, e.Message())
}

// parseResponse validates the framing of a notification and returns its payload.
func parseResponse(data []byte) ([]byte, error) {
	if len(data) < 3 || (data[0] != responseControl && data[0] != responseButtonless) {
		return nil, fmt.Errorf("%w: % X", device.ErrUnrecognisedResponse, data)
	}

	switch result := data[2]; result {
	case ResultSuccess:
		return data[3:], nil
	case ResultExtendedError:
		rerr := &ResponseError{Opcode: data[1], Result: result}
		if len(data) > 3 {
			rerr.Extended = data[3]
		}
		return nil, rerr
	default:
		return nil, &ResponseError{Opcode: data[1], Result: result}
	}
}

// isReceipt reports whether data is a receipt notification (a checksum response).
func isReceipt(data []byte) bool {
	return len(data) >= 2 && data[0] == responseControl && data[1] == opCalculateChecksum
}

// selectResponse is the payload of a SELECT response.
type selectResponse struct {
	maxSize uint32
	offset  uint32
	crc     int32
}

func parseSelect(payload []byte) (selectResponse, error) {
	if len(payload) < 12 {
		return selectResponse{}, fmt.Errorf("%w: SELECT payload has %d bytes", device.ErrUnrecognisedResponse, len(payload))
	}
	return selectResponse{
		maxSize: binary.LittleEndian.Uint32(payload[0:4]),
		offset:  binary.LittleEndian.Uint32(payload[4:8]),
		crc:     int32(binary.LittleEndian.Uint32(payload[8:12])),
	}, nil
}

// checksumResponse is the payload of a CALCULATE_CHECKSUM response.
type checksumResponse struct {
	offset uint32
	crc    int32
}

func parseChecksum(payload []byte) (checksumResponse, error) {
	if len(payload) < 8 {
		return checksumResponse{}, fmt.Errorf("%w: CALCULATE_CHECKSUM payload has %d bytes", device.ErrUnrecognisedResponse, len(payload))
	}
	return checksumResponse{
		offset: binary.LittleEndian.Uint32(payload[0:4]),
		crc:    int32(binary.LittleEndian.Uint32(payload[4:8])),
	}, nil
}

// crcMatches compares the IEEE CRC32 of data with a signed device-reported value.
func crcMatches(data []byte, crc int32) bool {
	return int32(crc32.ChecksumIEEE(data)) == crc
}

func createRequest(objectType byte, size int) []byte {
	return binary.LittleEndian.AppendUint32([]byte{opCreate, objectType}, uint32(size))
}

func prnRequest(stride int) []byte {
	return binary.LittleEndian.AppendUint16([]byte{opSetPRN}, uint16(stride))
}

func dfuNameRequest(name string) []byte {
	return append([]byte{opSetDfuName, byte(len(name))}, name...)
}
