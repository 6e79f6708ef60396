package testutils

import (
	"sync"
	"time"
)

const wandSuffix = "-f691-4b93-a6f4-0968f5b648f8"

// Wand GATT layout.
const (
	WandInfoService     = "64a70010" + wandSuffix
	WandOrganisation    = "64a7000b" + wandSuffix
	WandSoftwareVersion = "64a70013" + wandSuffix
	WandHardwareBuild   = "64a70001" + wandSuffix
	WandDfuName         = "64a70003" + wandSuffix

	WandIOService    = "64a70012" + wandSuffix
	WandBattery      = "64a70007" + wandSuffix
	WandButton       = "64a7000d" + wandSuffix
	WandVibrator     = "64a70008" + wandSuffix
	WandLED          = "64a70009" + wandSuffix
	WandNumber       = "64a7000a" + wandSuffix
	WandResetPairing = "64a7000c" + wandSuffix
	WandSleep        = "64a7000e" + wandSuffix
	WandKeepAlive    = "64a7000f" + wandSuffix

	WandPositionService  = "64a70011" + wandSuffix
	WandQuaternions      = "64a70002" + wandSuffix
	WandCalibrateGyro    = "64a70020" + wandSuffix
	WandCalibrateMagneto = "64a70021" + wandSuffix
	WandResetQuaternions = "64a70004" + wandSuffix
	WandTemperature      = "64a70014" + wandSuffix
)

// Nordic secure DFU GATT layout.
const (
	DfuService       = "fe59"
	DfuControlPoint  = "8ec90001-f315-4f60-9fb8-838830daea50"
	DfuPacket        = "8ec90002-f315-4f60-9fb8-838830daea50"
	DfuButtonlessCtl = "8ec90003-f315-4f60-9fb8-838830daea50"
)

// NewWandPeripheral builds a peripheral exposing the full wand profile plus the
// buttonless DFU service.
func NewWandPeripheral(address, name string) *FakePeripheral {
	return NewFakePeripheral(address, name).
		WithService(WandInfoService).
		WithCharacteristic(WandOrganisation, "read", []byte("Kano")).
		WithCharacteristic(WandSoftwareVersion, "read", []byte("1.2.3")).
		WithCharacteristic(WandHardwareBuild, "read", []byte{2}).
		WithCharacteristic(WandDfuName, "read,write", nil).
		WithService(WandIOService).
		WithCharacteristic(WandBattery, "read,notify", []byte{1}).
		WithCharacteristic(WandButton, "read,notify", []byte{0}).
		WithCharacteristic(WandVibrator, "read,write", []byte{0}).
		WithCharacteristic(WandLED, "read,write", []byte{0, 0, 0}).
		WithCharacteristic(WandNumber, "read,write", []byte{7}).
		WithCharacteristic(WandResetPairing, "write", nil).
		WithCharacteristic(WandSleep, "read,notify", []byte{0}).
		WithCharacteristic(WandKeepAlive, "write", nil).
		WithService(WandPositionService).
		WithCharacteristic(WandQuaternions, "notify", nil).
		WithCharacteristic(WandCalibrateGyro, "write,notify", nil).
		WithCharacteristic(WandCalibrateMagneto, "write,notify", nil).
		WithCharacteristic(WandResetQuaternions, "write", nil).
		WithCharacteristic(WandTemperature, "notify", nil).
		WithService(DfuService).
		WithCharacteristic(DfuButtonlessCtl, "write,indicate", nil)
}

// Buttonless emulates the buttonless DFU characteristic of a wand: SET_DFU_NAME
// is acknowledged and ENTER_BOOTLOADER is acknowledged then followed by a link
// drop, as the application resets into the bootloader.
type Buttonless struct {
	p          *FakePeripheral
	resetDelay time.Duration
	onReset    func(dfuName string)

	mu      sync.Mutex
	dfuName string
	entered int
}

// AttachButtonless wires a Buttonless emulator to p. onReset, if not nil, runs
// after the link drop with the name the bootloader will advertise.
func AttachButtonless(p *FakePeripheral, onReset func(dfuName string)) *Buttonless {
	b := &Buttonless{p: p, resetDelay: 10 * time.Millisecond, onReset: onReset}
	p.OnWrite(b.handle)
	return b
}

func (b *Buttonless) handle(w WriteRecord) {
	if !w.Is(DfuButtonlessCtl) || len(w.Data) == 0 {
		return
	}

	switch w.Data[0] {
	case 0x02: // SET_DFU_NAME: [op, len, name...]
		if len(w.Data) < 2 || int(w.Data[1]) != len(w.Data)-2 {
			b.p.Notify(DfuService, DfuButtonlessCtl, []byte{0x20, 0x02, 0x03})
			return
		}
		b.mu.Lock()
		b.dfuName = string(w.Data[2:])
		b.mu.Unlock()
		b.p.Notify(DfuService, DfuButtonlessCtl, []byte{0x20, 0x02, 0x01})
	case 0x01: // ENTER_BOOTLOADER
		b.mu.Lock()
		b.entered++
		name := b.dfuName
		b.mu.Unlock()
		b.p.Notify(DfuService, DfuButtonlessCtl, []byte{0x20, 0x01, 0x01})
		go func() {
			time.Sleep(b.resetDelay)
			b.p.DropLink()
			if b.onReset != nil {
				b.onReset(name)
			}
		}()
	default:
		b.p.Notify(DfuService, DfuButtonlessCtl, []byte{0x20, w.Data[0], 0x02})
	}
}

// DfuName returns the last name written with SET_DFU_NAME.
func (b *Buttonless) DfuName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dfuName
}

// EnterCount returns how many ENTER_BOOTLOADER commands were received.
func (b *Buttonless) EnterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entered
}
