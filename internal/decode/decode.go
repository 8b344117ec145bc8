// Package decode turns raw characteristic payloads into normalized metric
// records, driven entirely by the device spec that matched the payload's
// characteristic.
package decode

import (
	"math"
	"strings"

	"github.com/trainerday/fitness-machine-connector/internal/devicespec"
	"github.com/trainerday/fitness-machine-connector/internal/fieldcodec"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

// Decode extracts the metrics payload carries according to spec. It never
// fails: BLE delivery means unrelated devices can share a characteristic
// UUID, so a payload that is too short, misses a magic byte, or runs out of
// bytes mid-walk simply yields a record with fewer fields, or none. A
// record without even a SourceType means the payload did not pass the
// spec's length and validation gates.
//
// Decode is a pure function of its arguments and is safe to call
// concurrently from any number of transport callbacks.
func Decode(spec *devicespec.DeviceSpec, payload []byte) metrics.Record {
	var rec metrics.Record

	if len(payload) < spec.MinLength {
		return rec
	}
	for _, rule := range spec.Validation {
		// A payload too short to contain the checked byte counts as a
		// mismatch, not an error.
		if rule.Offset >= len(payload) || payload[rule.Offset] != byte(rule.Equals) {
			return rec
		}
	}

	switch spec.DecodeMode() {
	case devicespec.ModeStatic:
		decodeStatic(spec, payload, &rec)
	case devicespec.ModeDynamic:
		decodeDynamic(spec, payload, &rec)
	}

	applyComputed(spec, &rec)
	rec.SourceType = spec.ID
	return rec
}

// decodeStatic reads each declared field at its fixed offset. Fields whose
// bytes fall outside the payload are skipped individually; short frame
// variants that omit trailing fields are normal for proprietary bikes.
func decodeStatic(spec *devicespec.DeviceSpec, payload []byte, rec *metrics.Record) {
	for i := range spec.Fields {
		f := &spec.Fields[i]
		width, err := fieldcodec.Width(f.Type)
		if err != nil {
			continue
		}
		if f.Offset+width > len(payload) {
			continue
		}
		order, err := fieldcodec.ParseByteOrder(f.Endian)
		if err != nil {
			continue
		}
		raw, err := fieldcodec.Read(payload, f.Offset, f.Type, order)
		if err != nil {
			continue
		}
		if f.Condition != nil && !conditionMet(f.Condition, payload, raw) {
			continue
		}
		store(rec, f.Name, scale(raw, f.Divisor, f.Multiplier))
	}
}

// conditionMet evaluates a static field condition against the payload and
// the field's raw (pre-scaling) value. Flag mode and range mode are
// independent; when both are given both must pass.
func conditionMet(c *devicespec.Condition, payload []byte, raw int64) bool {
	if c.FlagBit != nil {
		if c.FlagOffset >= len(payload) {
			return false
		}
		bitSet := payload[c.FlagOffset]&(1<<*c.FlagBit) != 0
		if bitSet != c.WantFlagValue() {
			return false
		}
	}
	if c.Min != nil && raw < *c.Min {
		return false
	}
	if c.Max != nil && raw > *c.Max {
		return false
	}
	return true
}

// decodeDynamic walks a flag-gated field list the way the standard fitness
// characteristics are packed: a flags word, then one field after another
// for every group the flags declare present, with no padding between them.
func decodeDynamic(spec *devicespec.DeviceSpec, payload []byte, rec *metrics.Record) {
	flagSize := spec.EffectiveFlagSize()
	if spec.FlagOffset+flagSize > len(payload) {
		return
	}
	flags := uint16(payload[spec.FlagOffset])
	if flagSize == 2 {
		flags |= uint16(payload[spec.FlagOffset+1]) << 8
	}

	cursor := spec.FlagOffset + flagSize
	prevPresent := false
	for i := range spec.DynamicFields {
		f := &spec.DynamicFields[i]

		var present bool
		if f.LinkedToPrevious {
			// Linked fields ride on their predecessor's flag; their own
			// bit settings are meaningless.
			present = prevPresent
		} else {
			present = flags&(1<<f.FlagBit) != 0
			if f.FlagInverted {
				present = !present
			}
			prevPresent = present
		}
		if !present {
			continue
		}

		width, err := fieldcodec.Width(f.Type)
		if err != nil {
			return
		}
		if cursor+width > len(payload) {
			// The device sent fewer bytes than its flags promised.
			// Everything stored so far stands; the rest of the walk would
			// only misread.
			return
		}
		order, err := fieldcodec.ParseByteOrder(f.Endian)
		if err != nil {
			return
		}
		raw, err := fieldcodec.Read(payload, cursor, f.Type, order)
		cursor += width
		if err != nil {
			return
		}
		if f.LinkedToPrevious || f.Skip {
			continue
		}
		store(rec, f.Name, scale(raw, f.Divisor, f.Multiplier))
	}
}

// applyComputed derives the spec's computed fields from the record so far,
// in declared order so later entries can use earlier results. A computed
// field with any absent operand is skipped, never defaulted.
func applyComputed(spec *devicespec.DeviceSpec, rec *metrics.Record) {
	for i := range spec.Computed {
		c := &spec.Computed[i]

		operands := make([]float64, 0, len(c.Operands))
		missing := false
		for _, name := range c.Operands {
			v, ok := rec.Get(metrics.MetricID(name))
			if !ok {
				missing = true
				break
			}
			operands = append(operands, v)
		}
		if missing {
			continue
		}

		var result float64
		switch c.Operation {
		case devicespec.OpMultiply:
			result = 1
			for _, v := range operands {
				result *= v
			}
			if c.Factor != 0 {
				result *= c.Factor
			}
		case devicespec.OpDivide:
			if operands[1] == 0 {
				continue
			}
			result = operands[0] / operands[1]
		case devicespec.OpSum:
			for _, v := range operands {
				result += v
			}
		default:
			continue
		}
		store(rec, c.Name, result)
	}
}

// scale applies the divisor first, then the multiplier. The order matters
// for devices that need divide-then-scale. Zero means unset for both.
func scale(raw int64, divisor, multiplier float64) float64 {
	v := float64(raw)
	if divisor != 0 {
		v /= divisor
	}
	if multiplier != 0 {
		v *= multiplier
	}
	return v
}

// store rounds to two decimals and records the value, unless the name is
// marked internal-use, in which case the value was only read to keep the
// cursor honest.
func store(rec *metrics.Record, name string, v float64) {
	if strings.HasPrefix(name, devicespec.InternalNamePrefix) {
		return
	}
	rec.Set(metrics.MetricID(name), round2(v))
}

// round2 rounds half away from zero to two decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
