package devicespec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// bluetoothBaseSuffix is the tail of the Bluetooth Base UUID with dashes
// removed. A 128-bit UUID ending in it is just a short SIG identifier in
// long form.
const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID reduces the UUID spellings found in device spec files and
// transport callbacks to one canonical key. "0x2AD2", "2ad2", "0x0002" and
// "00002ad2-0000-1000-8000-00805f9b34fb" all map to the same key. Full
// 128-bit vendor UUIDs keep their complete hex form, dashes removed.
func NormalizeUUID(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) == 32 && strings.HasSuffix(s, bluetoothBaseSuffix) {
		s = s[:8]
	}
	if len(s) <= 8 {
		s = strings.TrimLeft(s, "0")
		if s == "" {
			s = "0"
		}
	}
	return s
}

// CanonicalUUID expands a UUID to the dashed 128-bit lowercase form BLE
// transports expect. Short SIG identifiers are mounted on the Bluetooth
// Base UUID, so "0x1826" becomes "00001826-0000-1000-8000-00805f9b34fb".
func CanonicalUUID(id string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(id))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")
	if s == "" {
		return "", fmt.Errorf("empty uuid")
	}
	if len(s) <= 8 {
		s = strings.Repeat("0", 8-len(s)) + s + bluetoothBaseSuffix
	}
	if len(s) != 32 {
		return "", fmt.Errorf("uuid %q is not a 16, 32 or 128-bit identifier", id)
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("uuid %q contains non-hex characters", id)
		}
	}
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:], nil
}

// UUIDValue holds a UUID as written in a spec file. It accepts a quoted
// string ("0x2ad2", a dashed 128-bit form) or a bare JSON number.
type UUIDValue string

func (u *UUIDValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UUIDValue(s)
		return nil
	}
	n, err := strconv.ParseUint(string(trimmed), 10, 64)
	if err != nil {
		return fmt.Errorf("uuid must be a string or a non-negative integer: %s", trimmed)
	}
	*u = UUIDValue(strconv.FormatUint(n, 16))
	return nil
}

// Normalized returns the canonical registry key for this UUID.
func (u UUIDValue) Normalized() string {
	return NormalizeUUID(string(u))
}
