// Package ftms builds the Fitness Machine Service characteristic payloads
// the connector broadcasts and runs the control-point state machine behind
// the writable characteristic.
package ftms

// Fitness Machine Service and characteristic UUIDs
const (
	ServiceUUID = "00001826-0000-1000-8000-00805f9b34fb"

	CharUUIDIndoorBikeData           = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDMachineFeature           = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedResistanceRange = "00002ad6-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedPowerRange      = "00002ad8-0000-1000-8000-00805f9b34fb"
	CharUUIDControlPoint             = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDMachineStatus            = "00002ada-0000-1000-8000-00805f9b34fb"
)

// Control Point op codes (Fitness Machine Service 1.0 spec)
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	OpCodeRequestControl       byte = 0x00
	OpCodeReset                byte = 0x01
	OpCodeSetTargetSpeed       byte = 0x02
	OpCodeSetTargetInclination byte = 0x03
	OpCodeSetTargetResistance  byte = 0x04
	OpCodeSetTargetPower       byte = 0x05
	OpCodeSetTargetHeartRate   byte = 0x06
	OpCodeStartOrResume        byte = 0x07
	OpCodeStopOrPause          byte = 0x08
	OpCodeSetSimulationParams  byte = 0x11
	OpCodeResponseCode         byte = 0x80
)

// Control Point result codes
const (
	ResultSuccess             byte = 0x01
	ResultOpCodeNotSupported  byte = 0x02
	ResultInvalidParameter    byte = 0x03
	ResultOperationFailed     byte = 0x04
	ResultControlNotPermitted byte = 0x05
)

// Stop/Pause parameter values
const (
	StopParamStop  byte = 0x01
	StopParamPause byte = 0x02
)

// Machine Status op codes, notified when a control command takes effect
const (
	StatusReset                  byte = 0x01
	StatusStoppedByUser          byte = 0x02
	StatusStartedByUser          byte = 0x04
	StatusTargetResistanceChange byte = 0x07
	StatusTargetPowerChange      byte = 0x08
)

// Indoor Bike Data flag bits. Bit 0 is inverted: a 0 means instantaneous
// speed is present.
const (
	ibdFlagMoreData       = 1 << 0
	ibdFlagAverageSpeed   = 1 << 1
	ibdFlagInstantCadence = 1 << 2
	ibdFlagAverageCadence = 1 << 3
	ibdFlagTotalDistance  = 1 << 4
	ibdFlagResistance     = 1 << 5
	ibdFlagInstantPower   = 1 << 6
	ibdFlagAveragePower   = 1 << 7
	ibdFlagExpendedEnergy = 1 << 8
	ibdFlagHeartRate      = 1 << 9
	ibdFlagMetabolicEquiv = 1 << 10
	ibdFlagElapsedTime    = 1 << 11
	ibdFlagRemainingTime  = 1 << 12
)

// machineFeatures is the supported-features word advertised in the
// Fitness Machine Feature characteristic, covering the metric set the
// indoor bike frames carry.
const machineFeatures uint32 = 1<<1 | 1<<2 | 1<<6 | 1<<7 | 1<<14

// Supported ranges reported by the range characteristics.
const (
	MinTargetPowerWatts = 0
	MaxTargetPowerWatts = 2000
	PowerStepWatts      = 1
	MinResistanceLevel  = 0
	MaxResistanceLevel  = 100
	ResistanceLevelStep = 1
)
