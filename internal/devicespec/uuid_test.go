package devicespec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID_ShortForms(t *testing.T) {
	assert.Equal(t, "2ad2", NormalizeUUID("0x2AD2"))
	assert.Equal(t, "2ad2", NormalizeUUID("2ad2"))
	assert.Equal(t, "2ad2", NormalizeUUID(" 2AD2 "))
	assert.Equal(t, "1826", NormalizeUUID("0x1826"))
}

func TestNormalizeUUID_StripsLeadingZeros(t *testing.T) {
	// Short forms with and without leading zeros must collide.
	assert.Equal(t, "2", NormalizeUUID("0002"))
	assert.Equal(t, "2", NormalizeUUID("2"))
	assert.Equal(t, "2", NormalizeUUID("0x0002"))
	assert.Equal(t, "0", NormalizeUUID("0000"))
}

func TestNormalizeUUID_LongFormOfShortUUID(t *testing.T) {
	// A 128-bit spelling built on the Bluetooth base UUID is the same key
	// as its 16-bit form.
	assert.Equal(t, "2ad2", NormalizeUUID("00002ad2-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "1826", NormalizeUUID("00001826-0000-1000-8000-00805F9B34FB"))
}

func TestNormalizeUUID_VendorUUIDKeepsFullForm(t *testing.T) {
	got := NormalizeUUID("0BF669F4-45F2-11E7-9598-0800200C9A66")
	assert.Equal(t, "0bf669f445f211e795980800200c9a66", got)
}

func TestCanonicalUUID_ExpandsShortForms(t *testing.T) {
	got, err := CanonicalUUID("0x1826")
	require.NoError(t, err)
	assert.Equal(t, "00001826-0000-1000-8000-00805f9b34fb", got)

	got, err = CanonicalUUID("2ad2")
	require.NoError(t, err)
	assert.Equal(t, "00002ad2-0000-1000-8000-00805f9b34fb", got)

	// Registry keys have leading zeros stripped already.
	got, err = CanonicalUUID("2")
	require.NoError(t, err)
	assert.Equal(t, "00000002-0000-1000-8000-00805f9b34fb", got)
}

func TestCanonicalUUID_PassesThroughLongForms(t *testing.T) {
	got, err := CanonicalUUID("0BF669F4-45F2-11E7-9598-0800200C9A66")
	require.NoError(t, err)
	assert.Equal(t, "0bf669f4-45f2-11e7-9598-0800200c9a66", got)

	// Round trip: canonical input stays canonical.
	got, err = CanonicalUUID("00001826-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	assert.Equal(t, "00001826-0000-1000-8000-00805f9b34fb", got)
}

func TestCanonicalUUID_RejectsGarbage(t *testing.T) {
	_, err := CanonicalUUID("")
	assert.Error(t, err)
	_, err = CanonicalUUID("not-a-uuid")
	assert.Error(t, err)
	_, err = CanonicalUUID("00001826-0000-1000-8000-00805f9b34fb99")
	assert.Error(t, err)
}

func TestUUIDValue_UnmarshalString(t *testing.T) {
	var u UUIDValue
	require.NoError(t, json.Unmarshal([]byte(`"0x2ad2"`), &u))
	assert.Equal(t, "2ad2", u.Normalized())
}

func TestUUIDValue_UnmarshalNumber(t *testing.T) {
	var u UUIDValue
	// 10962 == 0x2ad2
	require.NoError(t, json.Unmarshal([]byte(`10962`), &u))
	assert.Equal(t, "2ad2", u.Normalized())
}

func TestUUIDValue_UnmarshalRejectsOtherTypes(t *testing.T) {
	var u UUIDValue
	assert.Error(t, json.Unmarshal([]byte(`true`), &u))
	assert.Error(t, json.Unmarshal([]byte(`-5`), &u))
}
