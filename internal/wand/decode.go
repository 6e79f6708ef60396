package wand

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Position is an orientation quaternion as reported by the wand.
type Position struct {
	W int16 `json:"w"`
	X int16 `json:"x"`
	Y int16 `json:"y"`
	Z int16 `json:"z"`
}

// decodePosition reads four signed little endian 16 bit components.
func decodePosition(data []byte) (Position, error) {
	if len(data) < 8 {
		return Position{}, fmt.Errorf("position payload has %d bytes, want 8", len(data))
	}
	return Position{
		W: int16(binary.LittleEndian.Uint16(data[0:2])),
		X: int16(binary.LittleEndian.Uint16(data[2:4])),
		Y: int16(binary.LittleEndian.Uint16(data[4:6])),
		Z: int16(binary.LittleEndian.Uint16(data[6:8])),
	}, nil
}

func decodeTemperature(data []byte) (int16, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("temperature payload has %d bytes, want 2", len(data))
	}
	return int16(binary.LittleEndian.Uint16(data[0:2])), nil
}

func decodeByte(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, errors.New("empty payload")
	}
	return data[0], nil
}

// RGB565 packs a 0xRRGGBB color into the LED wire format.
func RGB565(color uint32) uint16 {
	r := (color >> 16) & 0xFF
	g := (color >> 8) & 0xFF
	b := color & 0xFF
	return uint16(((r & 248) << 8) + ((g & 252) << 3) + ((b & 248) >> 3))
}

func ledPayload(on bool, color uint32) []byte {
	state := byte(0)
	if on {
		state = 1
	}
	rgb := RGB565(color)
	return []byte{state, byte(rgb >> 8), byte(rgb & 0xFF)}
}
