// Package bledb names the GATT services and characteristics this module talks
// to: the wand profile, Nordic secure DFU and the Bluetooth SIG basics.
package bledb

import (
	"github.com/srg/wandkit/internal/device"
)

const wandSuffix = "f6914b93a6f40968f5b648f8"

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180f": "Battery Service",
	"fe59": "Nordic Secure DFU",

	"64a70010" + wandSuffix: "Wand Information",
	"64a70011" + wandSuffix: "Wand Position",
	"64a70012" + wandSuffix: "Wand IO",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a29": "Manufacturer Name String",

	"8ec90001f3154f609fb8838830daea50": "DFU Control Point",
	"8ec90002f3154f609fb8838830daea50": "DFU Packet",
	"8ec90003f3154f609fb8838830daea50": "Buttonless DFU",

	"64a7000b" + wandSuffix: "Organisation",
	"64a70013" + wandSuffix: "Software Version",
	"64a70001" + wandSuffix: "Hardware Build",
	"64a70003" + wandSuffix: "DFU Name",
	"64a70007" + wandSuffix: "Battery Status",
	"64a7000d" + wandSuffix: "User Button",
	"64a70008" + wandSuffix: "Vibrator",
	"64a70009" + wandSuffix: "LED",
	"64a7000a" + wandSuffix: "Wand Number",
	"64a7000c" + wandSuffix: "Reset Pairing",
	"64a7000e" + wandSuffix: "Sleep",
	"64a7000f" + wandSuffix: "Keep Alive",
	"64a70002" + wandSuffix: "Quaternions",
	"64a70020" + wandSuffix: "Calibrate Gyroscope",
	"64a70021" + wandSuffix: "Calibrate Magnetometer",
	"64a70004" + wandSuffix: "Reset Quaternions",
	"64a70014" + wandSuffix: "Temperature",
}

// LookupService returns the service name for uuid in any accepted form, or "".
func LookupService(uuid string) string {
	return services[device.NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the characteristic name for uuid, or "".
func LookupCharacteristic(uuid string) string {
	return characteristics[device.NormalizeUUID(uuid)]
}

// Lookup searches services first, then characteristics.
func Lookup(uuid string) string {
	if name := LookupService(uuid); name != "" {
		return name
	}
	return LookupCharacteristic(uuid)
}
