package wand

const uuidSuffix = "-F691-4B93-A6F4-0968F5B648F8"

// Information service.
const (
	InfoService         = "64A70010" + uuidSuffix
	OrganisationChar    = "64A7000B" + uuidSuffix
	SoftwareVersionChar = "64A70013" + uuidSuffix
	HardwareBuildChar   = "64A70001" + uuidSuffix
	DfuNameChar         = "64A70003" + uuidSuffix
)

// IO service.
const (
	IOService         = "64A70012" + uuidSuffix
	BatteryStatusChar = "64A70007" + uuidSuffix
	UserButtonChar    = "64A7000D" + uuidSuffix
	VibratorChar      = "64A70008" + uuidSuffix
	LEDChar           = "64A70009" + uuidSuffix
	WandNumberChar    = "64A7000A" + uuidSuffix
	ResetPairingChar  = "64A7000C" + uuidSuffix
	SleepChar         = "64A7000E" + uuidSuffix
	KeepAliveChar     = "64A7000F" + uuidSuffix
)

// Position (sensor) service.
const (
	PositionService           = "64A70011" + uuidSuffix
	QuaternionsChar           = "64A70002" + uuidSuffix
	CalibrateGyroscopeChar    = "64A70020" + uuidSuffix
	CalibrateMagnetometerChar = "64A70021" + uuidSuffix
	ResetQuaternionsChar      = "64A70004" + uuidSuffix
	TemperatureChar           = "64A70014" + uuidSuffix
)
