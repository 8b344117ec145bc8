// Package devicespec loads and validates the declarative device
// descriptions that tell the decoder how each supported machine packs its
// metrics onto the wire.
package devicespec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/trainerday/fitness-machine-connector/internal/fieldcodec"
)

// Decode modes. Static specs read every field at a fixed offset; dynamic
// specs walk a flag-gated field list the way the standard BLE fitness
// characteristics are laid out.
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)

// Computed field operations.
const (
	OpMultiply = "multiply"
	OpDivide   = "divide"
	OpSum      = "sum"
)

// InternalNamePrefix marks field names whose decoded value is consumed for
// cursor bookkeeping but never stored in the metric record.
const InternalNamePrefix = "_"

// DeviceSpec describes one device family: where its data arrives and how
// to pull metrics out of the payload.
type DeviceSpec struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Description        string           `json:"description,omitempty"`
	ServiceUUID        UUIDValue        `json:"serviceUuid"`
	CharacteristicUUID UUIDValue        `json:"characteristicUuid"`
	MinLength          int              `json:"minLength,omitempty"`
	Mode               string           `json:"mode,omitempty"`
	Validation         []ValidationRule `json:"validation,omitempty"`
	FlagOffset         int              `json:"flagOffset,omitempty"`
	FlagSize           int              `json:"flagSize,omitempty"`
	Fields             []Field          `json:"fields,omitempty"`
	DynamicFields      []DynamicField   `json:"dynamicFields,omitempty"`
	Computed           []ComputedField  `json:"computed,omitempty"`
}

// ValidationRule pins one payload byte to an expected value. Rules express
// magic-byte and protocol-version checks; a payload missing any rule is
// foreign traffic and decodes to nothing.
type ValidationRule struct {
	Offset int `json:"offset"`
	Equals int `json:"equals"`
}

// Field is a static-mode field at a fixed offset. A zero Divisor or
// Multiplier means unset and scales by 1.
type Field struct {
	Name       string               `json:"name"`
	Type       fieldcodec.FieldType `json:"type"`
	Offset     int                  `json:"offset"`
	Endian     string               `json:"endian,omitempty"`
	Divisor    float64              `json:"divisor,omitempty"`
	Multiplier float64              `json:"multiplier,omitempty"`
	Condition  *Condition           `json:"condition,omitempty"`
}

// Condition gates a static field. Flag mode tests one bit of a status byte;
// range mode bounds the raw (pre-scaling) value. Both may be combined, and
// both must pass for the field to be stored.
type Condition struct {
	FlagOffset int    `json:"flagOffset,omitempty"`
	FlagBit    *int   `json:"flagBit,omitempty"`
	FlagValue  *bool  `json:"flagValue,omitempty"`
	Min        *int64 `json:"min,omitempty"`
	Max        *int64 `json:"max,omitempty"`
}

// WantFlagValue reports the bit value flag mode requires. Unset means the
// bit must be set.
func (c *Condition) WantFlagValue() bool {
	if c.FlagValue == nil {
		return true
	}
	return *c.FlagValue
}

// DynamicField is one entry in a flag-gated field walk. LinkedToPrevious
// fields share their predecessor's presence and are consumed without ever
// being stored; Skip fields advance the cursor and discard the value.
type DynamicField struct {
	Name             string               `json:"name"`
	Type             fieldcodec.FieldType `json:"type"`
	Endian           string               `json:"endian,omitempty"`
	FlagBit          int                  `json:"flagBit,omitempty"`
	FlagInverted     bool                 `json:"flagInverted,omitempty"`
	LinkedToPrevious bool                 `json:"linkedToPrevious,omitempty"`
	Skip             bool                 `json:"skip,omitempty"`
	Divisor          float64              `json:"divisor,omitempty"`
	Multiplier       float64              `json:"multiplier,omitempty"`
}

// ComputedField derives a metric from already-decoded operands. If any
// operand is absent from the record the computed field is skipped.
type ComputedField struct {
	Name      string   `json:"name"`
	Operation string   `json:"operation"`
	Operands  []string `json:"operands"`
	Factor    float64  `json:"factor,omitempty"`
}

// ParseSpec unmarshals and validates one device spec document.
func ParseSpec(data []byte) (*DeviceSpec, error) {
	var spec DeviceSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing device spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// DecodeMode resolves the decode mode, inferring from which field list is
// present when mode is not set explicitly.
func (s *DeviceSpec) DecodeMode() string {
	if s.Mode != "" {
		return s.Mode
	}
	if len(s.DynamicFields) > 0 {
		return ModeDynamic
	}
	return ModeStatic
}

// EffectiveFlagSize returns the flags word width in bytes, defaulting to 1.
func (s *DeviceSpec) EffectiveFlagSize() int {
	if s.FlagSize == 0 {
		return 1
	}
	return s.FlagSize
}

// Validate checks the spec for problems that would otherwise surface as
// confusing per-message decode behavior. It names the offending spec and
// field so a bad file fails loudly at load time instead.
func (s *DeviceSpec) Validate() error {
	if s.ID == "" {
		return errors.New("device spec missing id")
	}
	if s.Name == "" {
		return fmt.Errorf("spec %q: missing name", s.ID)
	}
	if s.ServiceUUID == "" {
		return fmt.Errorf("spec %q: missing serviceUuid", s.ID)
	}
	if s.CharacteristicUUID == "" {
		return fmt.Errorf("spec %q: missing characteristicUuid", s.ID)
	}
	if s.MinLength < 0 {
		return fmt.Errorf("spec %q: negative minLength", s.ID)
	}

	switch s.Mode {
	case "":
		if len(s.Fields) > 0 && len(s.DynamicFields) > 0 {
			return fmt.Errorf("spec %q: has both fields and dynamicFields but no mode to pick one", s.ID)
		}
		if len(s.Fields) == 0 && len(s.DynamicFields) == 0 {
			return fmt.Errorf("spec %q: needs fields or dynamicFields", s.ID)
		}
	case ModeStatic:
		if len(s.Fields) == 0 {
			return fmt.Errorf("spec %q: mode is static but fields is empty", s.ID)
		}
	case ModeDynamic:
		if len(s.DynamicFields) == 0 {
			return fmt.Errorf("spec %q: mode is dynamic but dynamicFields is empty", s.ID)
		}
	default:
		return fmt.Errorf("spec %q: unknown mode %q", s.ID, s.Mode)
	}

	for i, rule := range s.Validation {
		if rule.Offset < 0 {
			return fmt.Errorf("spec %q: validation rule %d: negative offset", s.ID, i)
		}
		if rule.Equals < 0 || rule.Equals > 0xFF {
			return fmt.Errorf("spec %q: validation rule %d: equals %d is not a byte value", s.ID, i, rule.Equals)
		}
	}

	if s.DecodeMode() == ModeDynamic {
		if s.FlagOffset < 0 {
			return fmt.Errorf("spec %q: negative flagOffset", s.ID)
		}
		switch s.FlagSize {
		case 0, 1, 2:
		default:
			return fmt.Errorf("spec %q: flagSize must be 1 or 2, got %d", s.ID, s.FlagSize)
		}
	}

	for _, f := range s.Fields {
		if err := f.validate(); err != nil {
			return fmt.Errorf("spec %q: %w", s.ID, err)
		}
	}
	maxBit := 8*s.EffectiveFlagSize() - 1
	for _, f := range s.DynamicFields {
		if err := f.validate(maxBit); err != nil {
			return fmt.Errorf("spec %q: %w", s.ID, err)
		}
	}
	for _, c := range s.Computed {
		if err := c.validate(); err != nil {
			return fmt.Errorf("spec %q: %w", s.ID, err)
		}
	}
	return nil
}

func (f *Field) validate() error {
	if f.Name == "" {
		return errors.New("field with empty name")
	}
	if _, err := fieldcodec.Width(f.Type); err != nil {
		return fmt.Errorf("field %q: %w", f.Name, err)
	}
	if f.Offset < 0 {
		return fmt.Errorf("field %q: negative offset", f.Name)
	}
	if _, err := fieldcodec.ParseByteOrder(f.Endian); err != nil {
		return fmt.Errorf("field %q: %w", f.Name, err)
	}
	if f.Condition != nil {
		if err := f.Condition.validate(); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

func (c *Condition) validate() error {
	if c.FlagOffset < 0 {
		return errors.New("condition with negative flagOffset")
	}
	if c.FlagBit != nil && (*c.FlagBit < 0 || *c.FlagBit > 7) {
		return fmt.Errorf("condition flagBit %d outside 0..7", *c.FlagBit)
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return fmt.Errorf("condition min %d above max %d", *c.Min, *c.Max)
	}
	return nil
}

func (f *DynamicField) validate(maxBit int) error {
	if f.Name == "" {
		return errors.New("dynamic field with empty name")
	}
	if _, err := fieldcodec.Width(f.Type); err != nil {
		return fmt.Errorf("dynamic field %q: %w", f.Name, err)
	}
	if _, err := fieldcodec.ParseByteOrder(f.Endian); err != nil {
		return fmt.Errorf("dynamic field %q: %w", f.Name, err)
	}
	// Linked fields follow their predecessor and never test their own bit.
	if !f.LinkedToPrevious && (f.FlagBit < 0 || f.FlagBit > maxBit) {
		return fmt.Errorf("dynamic field %q: flagBit %d outside 0..%d", f.Name, f.FlagBit, maxBit)
	}
	return nil
}

func (c *ComputedField) validate() error {
	if c.Name == "" {
		return errors.New("computed field with empty name")
	}
	switch c.Operation {
	case OpMultiply, OpSum:
		if len(c.Operands) == 0 {
			return fmt.Errorf("computed field %q: no operands", c.Name)
		}
	case OpDivide:
		if len(c.Operands) != 2 {
			return fmt.Errorf("computed field %q: divide needs exactly 2 operands, got %d", c.Name, len(c.Operands))
		}
	default:
		return fmt.Errorf("computed field %q: unknown operation %q", c.Name, c.Operation)
	}
	return nil
}
