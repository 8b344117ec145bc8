// Package fieldcodec reads and writes the fixed-width integer fields that
// make up BLE characteristic payloads.
package fieldcodec

import (
	"errors"
	"fmt"
)

// Errors returned by Read and Append. Callers that need to tell a short
// buffer apart from a bad field definition should match with errors.Is.
var (
	ErrOutOfRange  = errors.New("field extends past end of buffer")
	ErrUnknownType = errors.New("unknown field type")
)

// FieldType identifies the binary encoding of a single field inside a
// characteristic payload. The values match the type names used in device
// spec files.
type FieldType string

const (
	TypeUint8  FieldType = "uint8"
	TypeUint16 FieldType = "uint16"
	TypeInt16  FieldType = "int16"
	TypeUint24 FieldType = "uint24"
	TypeUint32 FieldType = "uint32"
	TypeInt32  FieldType = "int32"
)

// ByteOrder selects the byte order for multi-byte fields. Uint24 fields are
// always little-endian on the wire regardless of the requested order.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

// ParseByteOrder maps the endian strings used in device spec files onto a
// ByteOrder. The empty string selects little-endian, the wire default.
func ParseByteOrder(s string) (ByteOrder, error) {
	switch s {
	case "", "little":
		return LittleEndian, nil
	case "big":
		return BigEndian, nil
	}
	return LittleEndian, fmt.Errorf("unknown byte order %q", s)
}

// Width returns the number of bytes a field of type t occupies. Width is a
// function of the type alone, never of the payload contents.
func Width(t FieldType) (int, error) {
	switch t {
	case TypeUint8:
		return 1, nil
	case TypeUint16, TypeInt16:
		return 2, nil
	case TypeUint24:
		return 3, nil
	case TypeUint32, TypeInt32:
		return 4, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// Read extracts one field of type t starting at offset. Signed types are
// interpreted as two's complement. Reading exactly up to the end of the
// buffer is fine; reading past it returns ErrOutOfRange.
func Read(buf []byte, offset int, t FieldType, order ByteOrder) (int64, error) {
	width, err := Width(t)
	if err != nil {
		return 0, err
	}
	if offset < 0 || offset+width > len(buf) {
		return 0, fmt.Errorf("%w: %s at offset %d in %d-byte buffer", ErrOutOfRange, t, offset, len(buf))
	}

	switch t {
	case TypeUint8:
		return int64(buf[offset]), nil
	case TypeUint16:
		return int64(readU16(buf, offset, order)), nil
	case TypeInt16:
		return int64(int16(readU16(buf, offset, order))), nil
	case TypeUint24:
		return int64(uint32(buf[offset]) | uint32(buf[offset+1])<<8 | uint32(buf[offset+2])<<16), nil
	case TypeUint32:
		return int64(readU32(buf, offset, order)), nil
	case TypeInt32:
		return int64(int32(readU32(buf, offset, order))), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// Append encodes value as type t and appends the bytes to dst. Values wider
// than the field are truncated to the low bits, matching what the wire
// formats do.
func Append(dst []byte, value int64, t FieldType, order ByteOrder) ([]byte, error) {
	switch t {
	case TypeUint8:
		return append(dst, byte(value)), nil
	case TypeUint16, TypeInt16:
		v := uint16(value)
		if order == BigEndian {
			return append(dst, byte(v>>8), byte(v)), nil
		}
		return append(dst, byte(v), byte(v>>8)), nil
	case TypeUint24:
		v := uint32(value)
		return append(dst, byte(v), byte(v>>8), byte(v>>16)), nil
	case TypeUint32, TypeInt32:
		v := uint32(value)
		if order == BigEndian {
			return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v)), nil
		}
		return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24)), nil
	}
	return dst, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

func readU16(buf []byte, offset int, order ByteOrder) uint16 {
	if order == BigEndian {
		return uint16(buf[offset])<<8 | uint16(buf[offset+1])
	}
	return uint16(buf[offset]) | uint16(buf[offset+1])<<8
}

func readU32(buf []byte, offset int, order ByteOrder) uint32 {
	if order == BigEndian {
		return uint32(buf[offset])<<24 | uint32(buf[offset+1])<<16 | uint32(buf[offset+2])<<8 | uint32(buf[offset+3])
	}
	return uint32(buf[offset]) | uint32(buf[offset+1])<<8 | uint32(buf[offset+2])<<16 | uint32(buf[offset+3])<<24
}
