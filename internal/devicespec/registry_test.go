package devicespec

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func mustSpec(t *testing.T, id, serviceUUID, charUUID string) *DeviceSpec {
	t.Helper()
	return &DeviceSpec{
		ID:                 id,
		Name:               id,
		ServiceUUID:        UUIDValue(serviceUUID),
		CharacteristicUUID: UUIDValue(charUUID),
		Fields:             []Field{{Name: "power", Type: "int16", Offset: 2}},
	}
}

func TestNewRegistry_NilLoggerPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewRegistry(nil)
	})
}

func TestRegistry_AddAndLookup(t *testing.T) {
	reg := NewRegistry(testLogger())
	require.NoError(t, reg.Add(mustSpec(t, "cps", "0x1818", "0x2a63")))

	assert.Equal(t, 1, reg.Len())

	spec := reg.Lookup("0x2a63")
	require.NotNil(t, spec)
	assert.Equal(t, "cps", spec.ID)

	// Any spelling of the same UUID resolves to the same spec.
	assert.Same(t, spec, reg.Lookup("2A63"))
	assert.Same(t, spec, reg.Lookup("00002a63-0000-1000-8000-00805f9b34fb"))

	assert.Nil(t, reg.Lookup("0x2ad2"))
}

func TestRegistry_AddRejectsInvalidSpec(t *testing.T) {
	reg := NewRegistry(testLogger())
	err := reg.Add(&DeviceSpec{ID: "broken"})
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_DuplicateKeyLastWins(t *testing.T) {
	var logBuf bytes.Buffer
	reg := NewRegistry(log.New(&logBuf, "", 0))

	require.NoError(t, reg.Add(mustSpec(t, "first", "0x1818", "0x2a63")))
	// Same characteristic in a different spelling still collides.
	require.NoError(t, reg.Add(mustSpec(t, "second", "0x1818", "00002a63-0000-1000-8000-00805f9b34fb")))

	assert.Equal(t, 1, reg.Len())
	spec := reg.Lookup("2a63")
	require.NotNil(t, spec)
	assert.Equal(t, "second", spec.ID)

	// The replacement is loud, not silent.
	assert.Contains(t, logBuf.String(), "last registered wins")
}

func TestRegistry_ServiceUUIDsUniqueInOrder(t *testing.T) {
	reg := NewRegistry(testLogger())
	require.NoError(t, reg.Add(mustSpec(t, "hr", "0x180d", "0x2a37")))
	require.NoError(t, reg.Add(mustSpec(t, "bike", "0x1826", "0x2ad2")))
	require.NoError(t, reg.Add(mustSpec(t, "bike2", "0x1826", "0x2ad9")))

	assert.Equal(t, []string{"180d", "1826"}, reg.ServiceUUIDs())
}

func TestRegistry_SubscriptionList(t *testing.T) {
	reg := NewRegistry(testLogger())
	require.NoError(t, reg.Add(mustSpec(t, "hr", "0x180d", "0x2a37")))
	require.NoError(t, reg.Add(mustSpec(t, "bike", "0x1826", "0x2ad2")))

	subs := reg.SubscriptionList()
	require.Len(t, subs, 2)
	assert.Equal(t, Subscription{ServiceUUID: "180d", CharacteristicUUID: "2a37"}, subs[0])
	assert.Equal(t, Subscription{ServiceUUID: "1826", CharacteristicUUID: "2ad2"}, subs[1])
}

func TestRegistry_LoadDefaults(t *testing.T) {
	reg := NewRegistry(testLogger())
	require.NoError(t, reg.LoadDefaults())

	// The shipped specs cover the standard profiles plus the proprietary
	// bikes the connector knows about.
	assert.Equal(t, 5, reg.Len())

	for _, id := range []string{"0x2a37", "0x2a63", "0x2ad2"} {
		assert.NotNil(t, reg.Lookup(id), "expected built-in spec for %s", id)
	}

	echelon := reg.Lookup("0bf669f4-45f2-11e7-9598-0800200c9a66")
	require.NotNil(t, echelon)
	assert.Equal(t, "echelon", echelon.ID)
	assert.Equal(t, ModeStatic, echelon.DecodeMode())
	require.Len(t, echelon.Validation, 2)
	assert.Equal(t, 0xF0, echelon.Validation[0].Equals)

	bike := reg.Lookup("2ad2")
	require.NotNil(t, bike)
	assert.Equal(t, ModeDynamic, bike.DecodeMode())
	assert.Equal(t, 2, bike.EffectiveFlagSize())
}

func TestRegistry_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	writeFile("custom_bike.json", `{
		"id": "custom_bike",
		"name": "Custom Bike",
		"serviceUuid": "0x1826",
		"characteristicUuid": "0x2ad3",
		"fields": [{"name": "power", "type": "int16", "offset": 2}]
	}`)
	writeFile("notes.txt", "not a spec")

	reg := NewRegistry(testLogger())
	require.NoError(t, reg.LoadDir(dir))

	assert.Equal(t, 1, reg.Len())
	assert.NotNil(t, reg.Lookup("2ad3"))
}

func TestRegistry_LoadDirReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"id": "nope"}`), 0o644))

	reg := NewRegistry(testLogger())
	err := reg.LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.json")
}
