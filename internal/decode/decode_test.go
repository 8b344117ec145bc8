package decode

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainerday/fitness-machine-connector/internal/devicespec"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

// defaultSpec fetches one of the shipped device specs by characteristic.
func defaultSpec(t *testing.T, characteristicID string) *devicespec.DeviceSpec {
	t.Helper()
	reg := devicespec.NewRegistry(log.New(io.Discard, "", 0))
	require.NoError(t, reg.LoadDefaults())
	spec := reg.Lookup(characteristicID)
	require.NotNil(t, spec, "no built-in spec for %s", characteristicID)
	return spec
}

func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestDecode_HeartRate_Uint8(t *testing.T) {
	spec := defaultSpec(t, "0x2a37")

	rec := Decode(spec, []byte{0x00, 0x47})

	assert.Equal(t, "heart_rate", rec.SourceType)
	assert.Equal(t, 71.0, rec.GetOr(metrics.MetricHeartRate, -1))
	assert.Equal(t, 1, rec.Len())
}

func TestDecode_HeartRate_Uint16(t *testing.T) {
	spec := defaultSpec(t, "0x2a37")

	// Flags bit 0 set selects the 16-bit encoding.
	rec := Decode(spec, []byte{0x01, 0x8C, 0x00})

	assert.Equal(t, 140.0, rec.GetOr(metrics.MetricHeartRate, -1))
	assert.Equal(t, 1, rec.Len())
}

func TestDecode_HeartRate_TooShort(t *testing.T) {
	spec := defaultSpec(t, "0x2a37")

	rec := Decode(spec, []byte{0x00})

	// Below minLength nothing is decoded and the record is not even
	// tagged: the payload is treated as foreign traffic.
	assert.True(t, rec.IsEmpty())
	assert.Equal(t, "", rec.SourceType)
}

func TestDecode_HeartRate_FlagsPromiseMoreThanPayloadHas(t *testing.T) {
	spec := defaultSpec(t, "0x2a37")

	// 16-bit heart rate announced but only one byte follows the flags.
	rec := Decode(spec, []byte{0x01, 0x8C})

	assert.True(t, rec.IsEmpty())
	assert.Equal(t, "heart_rate", rec.SourceType, "validation passed, so the record is tagged")
}

func TestDecode_CyclingPower(t *testing.T) {
	spec := defaultSpec(t, "0x2a63")

	rec := Decode(spec, []byte{0x00, 0x00, 0x96, 0x00})

	assert.Equal(t, "cycling_power", rec.SourceType)
	assert.Equal(t, 150.0, rec.GetOr(metrics.MetricPower, -1))
}

func TestDecode_CyclingPower_NegativePower(t *testing.T) {
	spec := defaultSpec(t, "0x2a63")

	rec := Decode(spec, []byte{0x00, 0x00, 0x9C, 0xFF})

	assert.Equal(t, -100.0, rec.GetOr(metrics.MetricPower, 0))
}

// indoorBikeExtendedFrame builds the 19-byte Indoor Bike Data frame with
// flags 0x0B54: speed, cadence, distance, power, energy, heart rate and
// elapsed time all present.
func indoorBikeExtendedFrame() []byte {
	return []byte{
		0x54, 0x0B, // flags
		0x00, 0x00, // speed = 0
		0xAA, 0x00, // cadence = 170 half-revolutions
		0x88, 0x13, 0x00, // distance = 5000 m (uint24)
		0x96, 0x00, // power = 150 W
		0x23, 0x00, // calories = 35 kcal
		0x00, 0x00, // energy per hour (filler)
		0x00,       // energy per minute (filler)
		0x78,       // heart rate = 120
		0x58, 0x02, // elapsed = 600 s
	}
}

func TestDecode_IndoorBike_ExtendedFrame(t *testing.T) {
	spec := defaultSpec(t, "0x2ad2")

	rec := Decode(spec, indoorBikeExtendedFrame())

	assert.Equal(t, "ftms_bike", rec.SourceType)
	assert.Equal(t, 0.0, rec.GetOr(metrics.MetricSpeed, -1))
	assert.Equal(t, 85.0, rec.GetOr(metrics.MetricCadence, -1))
	assert.Equal(t, 5.0, rec.GetOr(metrics.MetricDistance, -1))
	assert.Equal(t, 150.0, rec.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, 35.0, rec.GetOr(metrics.MetricCalories, -1))
	assert.Equal(t, 120.0, rec.GetOr(metrics.MetricHeartRate, -1))
	assert.Equal(t, 600.0, rec.GetOr(metrics.MetricElapsedTime, -1))

	// Flag bits that are clear leave their fields absent.
	assert.False(t, rec.Has(metrics.MetricResistance))
	// The energy filler fields are consumed for cursor bookkeeping only;
	// heart rate decoding correctly proves they were walked over.
	assert.False(t, rec.Has(metrics.MetricID("_energyPerHour")))
	assert.False(t, rec.Has(metrics.MetricID("_energyPerMinute")))
	assert.Equal(t, 7, rec.Len())
}

func TestDecode_IndoorBike_MinimalFrame(t *testing.T) {
	spec := defaultSpec(t, "0x2ad2")

	// Flags 0x0044: speed (bit 0 clear means present), cadence, power.
	frame := []byte{
		0x44, 0x00,
		0xC4, 0x09, // speed = 2504 => 25.04 km/h
		0xAA, 0x00, // cadence = 170 => 85 rpm
		0x64, 0x00, // power = 100 W
	}

	rec := Decode(spec, frame)

	assert.Equal(t, 25.04, rec.GetOr(metrics.MetricSpeed, -1))
	assert.Equal(t, 85.0, rec.GetOr(metrics.MetricCadence, -1))
	assert.Equal(t, 100.0, rec.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, 3, rec.Len())
}

func TestDecode_IndoorBike_SpeedAbsentWhenBitZeroSet(t *testing.T) {
	spec := defaultSpec(t, "0x2ad2")

	// Bit 0 set means "more data", i.e. no instantaneous speed. Only
	// cadence and power follow the flags.
	frame := []byte{
		0x45, 0x00,
		0xAA, 0x00,
		0x64, 0x00,
	}

	rec := Decode(spec, frame)

	assert.False(t, rec.Has(metrics.MetricSpeed))
	assert.Equal(t, 85.0, rec.GetOr(metrics.MetricCadence, -1))
	assert.Equal(t, 100.0, rec.GetOr(metrics.MetricPower, -1))
}

func TestDecode_IndoorBike_TruncatedFrameKeepsPrefix(t *testing.T) {
	spec := defaultSpec(t, "0x2ad2")

	// Cut the extended frame right after calories: the energy filler
	// bytes are missing, so the walk stops there.
	rec := Decode(spec, indoorBikeExtendedFrame()[:13])

	assert.Equal(t, 5.0, rec.GetOr(metrics.MetricDistance, -1))
	assert.Equal(t, 150.0, rec.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, 35.0, rec.GetOr(metrics.MetricCalories, -1))
	assert.False(t, rec.Has(metrics.MetricHeartRate))
	assert.False(t, rec.Has(metrics.MetricElapsedTime))
}

func TestDecode_IndoorBike_SkipFieldsConsumeBytes(t *testing.T) {
	spec := defaultSpec(t, "0x2ad2")

	// Flags 0x0046: speed, average speed, cadence. Average speed is a
	// skip field; the cadence value only comes out right if its two
	// bytes were consumed.
	frame := []byte{
		0x46, 0x00,
		0xC4, 0x09, // speed
		0xFF, 0x7F, // average speed (discarded)
		0xAA, 0x00, // cadence
	}

	rec := Decode(spec, frame)

	assert.Equal(t, 25.04, rec.GetOr(metrics.MetricSpeed, -1))
	assert.Equal(t, 85.0, rec.GetOr(metrics.MetricCadence, -1))
	assert.False(t, rec.Has(metrics.MetricID("averageSpeed")))
}

func TestDecode_Echelon_TelemetryFrame(t *testing.T) {
	spec := defaultSpec(t, "0bf669f4-45f2-11e7-9598-0800200c9a66")

	frame := []byte{
		0xF0, 0xD1, 0x09, // magic, event, length
		0x01, 0x2C, // elapsed = 300 s (big-endian)
		0x00, 0x00, 0x04, 0xB0, // distance = 1200 => 12.00 km
		0x00, 0x50, // cadence = 80 rpm
		0x14, // resistance = 20
	}

	rec := Decode(spec, frame)

	assert.Equal(t, "echelon", rec.SourceType)
	assert.Equal(t, 300.0, rec.GetOr(metrics.MetricElapsedTime, -1))
	assert.Equal(t, 12.0, rec.GetOr(metrics.MetricDistance, -1))
	assert.Equal(t, 80.0, rec.GetOr(metrics.MetricCadence, -1))
	assert.Equal(t, 20.0, rec.GetOr(metrics.MetricResistance, -1))
	// Estimated power: 80 * 20 * 0.045.
	assert.Equal(t, 72.0, rec.GetOr(metrics.MetricPower, -1))
}

func TestDecode_Echelon_WrongMagicRejected(t *testing.T) {
	spec := defaultSpec(t, "0bf669f4-45f2-11e7-9598-0800200c9a66")

	frame := []byte{0xF0, 0xD2, 0x09, 0x01, 0x2C, 0x00, 0x00, 0x04, 0xB0, 0x00, 0x50, 0x14}
	rec := Decode(spec, frame)

	assert.True(t, rec.IsEmpty())
	assert.Equal(t, "", rec.SourceType)
}

func TestDecode_Echelon_ResistanceOutOfRange(t *testing.T) {
	spec := defaultSpec(t, "0bf669f4-45f2-11e7-9598-0800200c9a66")

	frame := []byte{
		0xF0, 0xD1, 0x09,
		0x01, 0x2C,
		0x00, 0x00, 0x04, 0xB0,
		0x00, 0x50,
		0xC8, // resistance = 200, outside 0..32
	}

	rec := Decode(spec, frame)

	assert.False(t, rec.Has(metrics.MetricResistance))
	// The computed power loses an operand and is skipped, not zeroed.
	assert.False(t, rec.Has(metrics.MetricPower))
	assert.Equal(t, 80.0, rec.GetOr(metrics.MetricCadence, -1))
}

func TestDecode_Echelon_ShortFrameSkipsTrailingField(t *testing.T) {
	spec := defaultSpec(t, "0bf669f4-45f2-11e7-9598-0800200c9a66")

	// Eleven bytes: the resistance byte is missing. Static mode skips
	// just that field.
	frame := []byte{0xF0, 0xD1, 0x09, 0x01, 0x2C, 0x00, 0x00, 0x04, 0xB0, 0x00, 0x50}
	rec := Decode(spec, frame)

	assert.Equal(t, 80.0, rec.GetOr(metrics.MetricCadence, -1))
	assert.False(t, rec.Has(metrics.MetricResistance))
	assert.False(t, rec.Has(metrics.MetricPower))
}

func TestDecode_KeiserM3_RealtimeFrame(t *testing.T) {
	spec := defaultSpec(t, "0x0102")

	frame := []byte{
		0x06, 0x00, 0x00, // version major, minor, realtime
		0x57, 0x03, // cadence = 855 => 85.5 rpm
		0xB0, 0x04, // heart rate = 1200 => 120 bpm
		0xD2, 0x00, // power = 210 W
		0x23, 0x00, // calories = 35
		0x05, 0x1E, // duration bytes (not mapped)
		0x7B, 0x00, // distance = 123 => 12.3
		0x0C, // gear = 12
	}

	rec := Decode(spec, frame)

	assert.Equal(t, "keiser_m3", rec.SourceType)
	assert.Equal(t, 85.5, rec.GetOr(metrics.MetricCadence, -1))
	assert.Equal(t, 120.0, rec.GetOr(metrics.MetricHeartRate, -1))
	assert.Equal(t, 210.0, rec.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, 12.3, rec.GetOr(metrics.MetricDistance, -1))
	assert.Equal(t, 12.0, rec.GetOr(metrics.MetricGear, -1))
}

func TestDecode_KeiserM3_NonRealtimeFrameRejected(t *testing.T) {
	spec := defaultSpec(t, "0x0102")

	frame := []byte{0x06, 0x00, 0x01, 0x57, 0x03, 0xB0, 0x04, 0xD2, 0x00, 0x23, 0x00}
	rec := Decode(spec, frame)

	assert.True(t, rec.IsEmpty())
}

func TestDecode_KeiserM3_GearOutOfRange(t *testing.T) {
	spec := defaultSpec(t, "0x0102")

	frame := []byte{
		0x06, 0x00, 0x00,
		0x57, 0x03,
		0xB0, 0x04,
		0xD2, 0x00,
		0x23, 0x00,
		0x05, 0x1E,
		0x7B, 0x00,
		0x00, // gear = 0, below the 1..24 range
	}

	rec := Decode(spec, frame)

	assert.False(t, rec.Has(metrics.MetricGear))
	assert.Equal(t, 210.0, rec.GetOr(metrics.MetricPower, -1))
}

func TestDecode_StaticFlagCondition(t *testing.T) {
	spec := &devicespec.DeviceSpec{
		ID: "flagged", Name: "Flagged", ServiceUUID: "1", CharacteristicUUID: "2",
		Fields: []devicespec.Field{
			{
				Name: "power", Type: "uint8", Offset: 1,
				Condition: &devicespec.Condition{FlagOffset: 0, FlagBit: intPtr(3)},
			},
		},
	}
	require.NoError(t, spec.Validate())

	rec := Decode(spec, []byte{0x08, 0x2A})
	assert.Equal(t, 42.0, rec.GetOr(metrics.MetricPower, -1))

	rec = Decode(spec, []byte{0x00, 0x2A})
	assert.False(t, rec.Has(metrics.MetricPower))
}

func TestDecode_StaticFlagCondition_InvertedFlagValue(t *testing.T) {
	spec := &devicespec.DeviceSpec{
		ID: "flagged", Name: "Flagged", ServiceUUID: "1", CharacteristicUUID: "2",
		Fields: []devicespec.Field{
			{
				Name: "power", Type: "uint8", Offset: 1,
				Condition: &devicespec.Condition{FlagOffset: 0, FlagBit: intPtr(3), FlagValue: boolPtr(false)},
			},
		},
	}
	require.NoError(t, spec.Validate())

	// flagValue false wants the bit clear.
	rec := Decode(spec, []byte{0x00, 0x2A})
	assert.Equal(t, 42.0, rec.GetOr(metrics.MetricPower, -1))

	rec = Decode(spec, []byte{0x08, 0x2A})
	assert.False(t, rec.Has(metrics.MetricPower))
}

func TestDecode_DivisorBeforeMultiplier(t *testing.T) {
	spec := &devicespec.DeviceSpec{
		ID: "scaled", Name: "Scaled", ServiceUUID: "1", CharacteristicUUID: "2",
		Fields: []devicespec.Field{
			{Name: "speed", Type: "uint16", Offset: 0, Divisor: 3, Multiplier: 2},
		},
	}
	require.NoError(t, spec.Validate())

	// 1000 / 3 * 2 = 666.666... => 666.67 after rounding. Multiplying
	// first and rounding elsewhere would give a different answer.
	rec := Decode(spec, []byte{0xE8, 0x03})
	assert.Equal(t, 666.67, rec.GetOr(metrics.MetricSpeed, -1))
}

func TestDecode_ComputedDivide(t *testing.T) {
	spec := &devicespec.DeviceSpec{
		ID: "ratio", Name: "Ratio", ServiceUUID: "1", CharacteristicUUID: "2",
		Fields: []devicespec.Field{
			{Name: "distance", Type: "uint8", Offset: 0},
			{Name: "elapsedTime", Type: "uint8", Offset: 1},
		},
		Computed: []devicespec.ComputedField{
			{Name: "speed", Operation: "divide", Operands: []string{"distance", "elapsedTime"}},
		},
	}
	require.NoError(t, spec.Validate())

	rec := Decode(spec, []byte{100, 8})
	assert.Equal(t, 12.5, rec.GetOr(metrics.MetricSpeed, -1))

	// Divide by zero skips the computed field rather than erroring.
	rec = Decode(spec, []byte{100, 0})
	assert.False(t, rec.Has(metrics.MetricSpeed))
	assert.Equal(t, 100.0, rec.GetOr(metrics.MetricDistance, -1))
}

func TestDecode_ComputedSum(t *testing.T) {
	spec := &devicespec.DeviceSpec{
		ID: "summed", Name: "Summed", ServiceUUID: "1", CharacteristicUUID: "2",
		Fields: []devicespec.Field{
			{Name: "a", Type: "uint8", Offset: 0},
			{Name: "b", Type: "uint8", Offset: 1},
			{Name: "c", Type: "uint8", Offset: 2},
		},
		Computed: []devicespec.ComputedField{
			{Name: "calories", Operation: "sum", Operands: []string{"a", "b", "c"}},
		},
	}
	require.NoError(t, spec.Validate())

	rec := Decode(spec, []byte{10, 20, 12})
	assert.Equal(t, 42.0, rec.GetOr(metrics.MetricCalories, -1))
}

func TestDecode_ComputedSkippedWhenOperandMissing(t *testing.T) {
	spec := &devicespec.DeviceSpec{
		ID: "partial", Name: "Partial", ServiceUUID: "1", CharacteristicUUID: "2",
		Fields: []devicespec.Field{
			{Name: "cadence", Type: "uint8", Offset: 0},
			{Name: "resistance", Type: "uint8", Offset: 5},
		},
		Computed: []devicespec.ComputedField{
			{Name: "power", Operation: "multiply", Operands: []string{"cadence", "resistance"}},
		},
	}
	require.NoError(t, spec.Validate())

	// Resistance sits past the end of this frame.
	rec := Decode(spec, []byte{80, 0, 0})
	assert.Equal(t, 80.0, rec.GetOr(metrics.MetricCadence, -1))
	assert.False(t, rec.Has(metrics.MetricPower))
}

func TestDecode_RangeConditionBoundsAreInclusive(t *testing.T) {
	spec := &devicespec.DeviceSpec{
		ID: "ranged", Name: "Ranged", ServiceUUID: "1", CharacteristicUUID: "2",
		Fields: []devicespec.Field{
			{
				Name: "gear", Type: "uint8", Offset: 0,
				Condition: &devicespec.Condition{Min: int64Ptr(1), Max: int64Ptr(24)},
			},
		},
	}
	require.NoError(t, spec.Validate())

	rec := Decode(spec, []byte{1})
	assert.Equal(t, 1.0, rec.GetOr(metrics.MetricGear, -1))

	rec = Decode(spec, []byte{24})
	assert.Equal(t, 24.0, rec.GetOr(metrics.MetricGear, -1))

	rec = Decode(spec, []byte{25})
	assert.False(t, rec.Has(metrics.MetricGear))
}
