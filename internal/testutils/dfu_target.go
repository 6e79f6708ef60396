package testutils

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
)

const (
	objCommand byte = 0x01
	objData    byte = 0x02
)

// DfuTargetOptions configures a simulated bootloader.
type DfuTargetOptions struct {
	MaxCommandSize uint32
	MaxDataSize    uint32
	// CorruptChecksum makes every CALCULATE_CHECKSUM response report a wrong CRC.
	CorruptChecksum bool
}

// DfuTarget simulates a Nordic secure DFU bootloader on top of a FakePeripheral.
// It answers the control point, consumes packets and emits receipt notifications
// at the configured stride.
type DfuTarget struct {
	*FakePeripheral

	mu        sync.Mutex
	opts      DfuTargetOptions
	buffers   map[byte][]byte
	current   byte
	stride    int
	sincePRN  int
	inObject  int
	creates   map[byte]int
	executes  map[byte]int
	packets   []int
	overrides map[byte][]byte
	prnSent   int
}

// NewDfuTarget creates a connectable DFU-mode peripheral.
func NewDfuTarget(address, name string, opts DfuTargetOptions) *DfuTarget {
	if opts.MaxCommandSize == 0 {
		opts.MaxCommandSize = 256
	}
	if opts.MaxDataSize == 0 {
		opts.MaxDataSize = 4096
	}

	p := NewFakePeripheral(address, name).
		WithService(DfuService).
		WithCharacteristic(DfuControlPoint, "write,notify", nil).
		WithCharacteristic(DfuPacket, "write-without-response", nil)

	t := &DfuTarget{
		FakePeripheral: p,
		opts:           opts,
		buffers:        map[byte][]byte{objCommand: nil, objData: nil},
		creates:        make(map[byte]int),
		executes:       make(map[byte]int),
		overrides:      make(map[byte][]byte),
	}
	p.OnWrite(t.handle)
	return t
}

// PreloadCommand pretends a previous session already stored the init packet.
func (t *DfuTarget) PreloadCommand(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffers[objCommand] = append([]byte(nil), data...)
}

// RespondWith replaces the response to the given control point opcode.
func (t *DfuTarget) RespondWith(opcode byte, response []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[opcode] = append([]byte(nil), response...)
}

func (t *DfuTarget) handle(w WriteRecord) {
	switch {
	case w.Is(DfuControlPoint):
		if len(w.Data) > 0 {
			t.handleControl(w.Data)
		}
	case w.Is(DfuPacket):
		t.handlePacket(w.Data)
	}
}

func (t *DfuTarget) handleControl(req []byte) {
	op := req[0]

	t.mu.Lock()
	if resp, ok := t.overrides[op]; ok {
		t.mu.Unlock()
		t.Notify(DfuService, DfuControlPoint, resp)
		return
	}

	resp := []byte{0x60, op, 0x01}
	switch op {
	case 0x02: // SET_PRN
		if len(req) < 3 {
			resp[2] = 0x03
			break
		}
		t.stride = int(binary.LittleEndian.Uint16(req[1:3]))
		t.sincePRN = 0
	case 0x06: // SELECT
		if len(req) < 2 {
			resp[2] = 0x03
			break
		}
		maxSize := t.opts.MaxDataSize
		if req[1] == objCommand {
			maxSize = t.opts.MaxCommandSize
		}
		buf := t.buffers[req[1]]
		resp = binary.LittleEndian.AppendUint32(resp, maxSize)
		resp = binary.LittleEndian.AppendUint32(resp, uint32(len(buf)))
		resp = binary.LittleEndian.AppendUint32(resp, crc32.ChecksumIEEE(buf))
	case 0x01: // CREATE
		if len(req) < 6 {
			resp[2] = 0x03
			break
		}
		t.current = req[1]
		t.creates[t.current]++
		t.inObject = 0
		t.sincePRN = 0
		t.packets = append(t.packets, 0)
	case 0x03: // CALCULATE_CHECKSUM
		resp = append(resp, t.checksumLocked()...)
	case 0x04: // EXECUTE
		t.executes[t.current]++
	default:
		resp[2] = 0x02
	}
	t.mu.Unlock()

	t.Notify(DfuService, DfuControlPoint, resp)
}

func (t *DfuTarget) checksumLocked() []byte {
	buf := t.buffers[t.current]
	crc := crc32.ChecksumIEEE(buf)
	if t.opts.CorruptChecksum {
		crc = ^crc
	}
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(buf)))
	return binary.LittleEndian.AppendUint32(out, crc)
}

func (t *DfuTarget) handlePacket(data []byte) {
	t.mu.Lock()
	t.buffers[t.current] = append(t.buffers[t.current], data...)
	t.inObject++
	if n := len(t.packets); n > 0 {
		t.packets[n-1]++
	}

	var receipt []byte
	t.sincePRN++
	if t.stride > 0 && t.sincePRN >= t.stride {
		t.sincePRN = 0
		t.prnSent++
		receipt = append([]byte{0x60, 0x03, 0x01}, t.checksumLocked()...)
	}
	t.mu.Unlock()

	if receipt != nil {
		t.Notify(DfuService, DfuControlPoint, receipt)
	}
}

// ReceivedInit returns the bytes stored for the command (init) object type.
func (t *DfuTarget) ReceivedInit() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buffers[objCommand]...)
}

// ReceivedFirmware returns the bytes stored for the data object type.
func (t *DfuTarget) ReceivedFirmware() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buffers[objData]...)
}

// Creates returns the CREATE count for the init (command) and firmware (data) objects.
func (t *DfuTarget) Creates() (init, firmware int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creates[objCommand], t.creates[objData]
}

// Executes returns the EXECUTE count for the init (command) and firmware (data) objects.
func (t *DfuTarget) Executes() (init, firmware int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executes[objCommand], t.executes[objData]
}

// PacketsPerObject returns the number of packets received for each created object, in order.
func (t *DfuTarget) PacketsPerObject() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.packets...)
}

// ReceiptsSent returns how many receipt notifications were emitted.
func (t *DfuTarget) ReceiptsSent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prnSent
}
