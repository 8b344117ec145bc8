package ftms

import (
	"fmt"
	"math"

	"github.com/trainerday/fitness-machine-connector/internal/fieldcodec"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

// Profile selects which Indoor Bike Data layout the broadcaster emits.
// Both are fixed layouts: the flag word never varies with the data, so a
// missing metric encodes as zero rather than shrinking the frame.
type Profile int

const (
	// ProfileMinimal is the 9-byte frame: speed, cadence, power, heart
	// rate.
	ProfileMinimal Profile = iota
	// ProfileExtended is the 19-byte frame adding total distance,
	// expended energy and elapsed time. Training apps derive their own
	// speed, so the speed field stays zero in this profile.
	ProfileExtended
)

// ParseProfile maps the profile names used in configuration. The empty
// string selects the extended profile, the layout deployed receivers
// expect.
func ParseProfile(s string) (Profile, error) {
	switch s {
	case "minimal":
		return ProfileMinimal, nil
	case "", "extended":
		return ProfileExtended, nil
	}
	return ProfileExtended, fmt.Errorf("unknown indoor bike data profile %q", s)
}

func (p Profile) String() string {
	if p == ProfileMinimal {
		return "minimal"
	}
	return "extended"
}

// EncodeIndoorBikeData renders the merged metric snapshot as an Indoor
// Bike Data notification payload. Absent metrics encode as zero; the flag
// word is fixed per profile so flags and payload length always agree.
func EncodeIndoorBikeData(rec *metrics.Record, profile Profile) []byte {
	if profile == ProfileExtended {
		return encodeIndoorBikeDataExtended(rec)
	}
	return encodeIndoorBikeDataMinimal(rec)
}

func encodeIndoorBikeDataMinimal(rec *metrics.Record) []byte {
	const flags = ibdFlagInstantCadence | ibdFlagInstantPower | ibdFlagHeartRate

	buf := make([]byte, 0, 9)
	buf = appendUint16(buf, flags)
	// Speed in 0.01 km/h, cadence in 0.5 rpm, power in watts, heart rate
	// in bpm.
	buf = appendUint16(buf, roundInt(rec.GetOr(metrics.MetricSpeed, 0)*100))
	buf = appendUint16(buf, roundInt(rec.GetOr(metrics.MetricCadence, 0)*2))
	buf = appendInt16(buf, roundInt(rec.GetOr(metrics.MetricPower, 0)))
	buf = appendUint8(buf, roundInt(rec.GetOr(metrics.MetricHeartRate, 0)))
	return buf
}

func encodeIndoorBikeDataExtended(rec *metrics.Record) []byte {
	const flags = ibdFlagInstantCadence | ibdFlagTotalDistance | ibdFlagInstantPower |
		ibdFlagExpendedEnergy | ibdFlagHeartRate | ibdFlagElapsedTime

	buf := make([]byte, 0, 19)
	buf = appendUint16(buf, flags)
	// Speed is present per the flags but always zero: apps calculate
	// their own.
	buf = appendUint16(buf, 0)
	buf = appendUint16(buf, roundInt(rec.GetOr(metrics.MetricCadence, 0)*2))
	// Total distance in meters, 24-bit.
	buf = appendUint24(buf, roundInt(rec.GetOr(metrics.MetricDistance, 0)*1000))
	buf = appendInt16(buf, roundInt(rec.GetOr(metrics.MetricPower, 0)))
	// Expended energy: total kcal, then the per-hour and per-minute
	// fields the group requires, unpopulated.
	buf = appendUint16(buf, roundInt(rec.GetOr(metrics.MetricCalories, 0)))
	buf = appendUint16(buf, 0)
	buf = appendUint8(buf, 0)
	buf = appendUint8(buf, roundInt(rec.GetOr(metrics.MetricHeartRate, 0)))
	buf = appendUint16(buf, roundInt(rec.GetOr(metrics.MetricElapsedTime, 0)))
	return buf
}

// EncodeMachineFeature renders the Fitness Machine Feature value: the
// supported-features word followed by the target-settings word, which is
// zero because target changes are acknowledged but not negotiated.
func EncodeMachineFeature() []byte {
	buf := make([]byte, 0, 8)
	buf = appendUint32(buf, int64(machineFeatures))
	buf = appendUint32(buf, 0)
	return buf
}

// EncodeSupportedPowerRange renders {min, max, step} watts.
func EncodeSupportedPowerRange() []byte {
	buf := make([]byte, 0, 6)
	buf = appendUint16(buf, MinTargetPowerWatts)
	buf = appendUint16(buf, MaxTargetPowerWatts)
	buf = appendUint16(buf, PowerStepWatts)
	return buf
}

// EncodeSupportedResistanceRange renders {min, max, step} resistance
// levels as signed values.
func EncodeSupportedResistanceRange() []byte {
	buf := make([]byte, 0, 6)
	buf = appendInt16(buf, MinResistanceLevel)
	buf = appendInt16(buf, MaxResistanceLevel)
	buf = appendInt16(buf, ResistanceLevelStep)
	return buf
}

func roundInt(v float64) int64 {
	return int64(math.Round(v))
}

// The append helpers write little-endian through the field codec. The
// types are compile-time constants, so the codec cannot reject them.

func appendUint8(dst []byte, v int64) []byte {
	out, _ := fieldcodec.Append(dst, v, fieldcodec.TypeUint8, fieldcodec.LittleEndian)
	return out
}

func appendUint16(dst []byte, v int64) []byte {
	out, _ := fieldcodec.Append(dst, v, fieldcodec.TypeUint16, fieldcodec.LittleEndian)
	return out
}

func appendInt16(dst []byte, v int64) []byte {
	out, _ := fieldcodec.Append(dst, v, fieldcodec.TypeInt16, fieldcodec.LittleEndian)
	return out
}

func appendUint24(dst []byte, v int64) []byte {
	out, _ := fieldcodec.Append(dst, v, fieldcodec.TypeUint24, fieldcodec.LittleEndian)
	return out
}

func appendUint32(dst []byte, v int64) []byte {
	out, _ := fieldcodec.Append(dst, v, fieldcodec.TypeUint32, fieldcodec.LittleEndian)
	return out
}
