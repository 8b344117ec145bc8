package connector

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainerday/fitness-machine-connector/internal/devicespec"
	"github.com/trainerday/fitness-machine-connector/internal/ftms"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

func newTestEngine(t *testing.T, profile ftms.Profile) *Engine {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	registry := devicespec.NewRegistry(logger)
	require.NoError(t, registry.LoadDefaults())
	return NewEngine(logger, registry, profile, DefaultBroadcastPeriod)
}

// Heart Rate Measurement: flags byte 0x00, uint8 value.
var heartRatePayload = []byte{0x00, 0x48}

// Indoor Bike Data: flags 0x0045 (speed absent, cadence and power present),
// cadence raw 170 (85 rpm), power 200 W.
var indoorBikePayload = []byte{0x45, 0x00, 0xAA, 0x00, 0xC8, 0x00}

func TestNewEngine_NilArgsPanic(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	registry := devicespec.NewRegistry(logger)

	assert.Panics(t, func() {
		NewEngine(nil, registry, ftms.ProfileMinimal, 0)
	})
	assert.Panics(t, func() {
		NewEngine(logger, nil, ftms.ProfileMinimal, 0)
	})
}

func TestNewEngine_DefaultsBroadcastPeriod(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)
	assert.Equal(t, DefaultBroadcastPeriod, engine.BroadcastPeriod())
}

func TestEngine_HandleNotification_MergesAcrossSources(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)

	engine.HandleNotification("2a37", heartRatePayload)
	engine.HandleNotification("2ad2", indoorBikePayload)

	snap := engine.Snapshot()
	assert.Equal(t, 72.0, snap.GetOr(metrics.MetricHeartRate, -1))
	assert.Equal(t, 85.0, snap.GetOr(metrics.MetricCadence, -1))
	assert.Equal(t, 200.0, snap.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, "ftms_bike", snap.SourceType)
}

func TestEngine_HandleNotification_LaterSourceWinsSharedMetric(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)

	// Cycling Power Measurement: flags word, then int16 power 300 W.
	engine.HandleNotification("2a63", []byte{0x00, 0x00, 0x2C, 0x01})
	require.Equal(t, 300.0, engine.Snapshot().GetOr(metrics.MetricPower, -1))

	engine.HandleNotification("2ad2", indoorBikePayload)
	snap := engine.Snapshot()
	assert.Equal(t, 200.0, snap.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, "ftms_bike", snap.SourceType)
}

func TestEngine_HandleNotification_NeverClearsAbsentMetrics(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)

	engine.HandleNotification("2ad2", indoorBikePayload)
	engine.HandleNotification("2a37", heartRatePayload)

	// The heart-rate frame carries no power; the trainer's value survives.
	snap := engine.Snapshot()
	assert.Equal(t, 200.0, snap.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, 72.0, snap.GetOr(metrics.MetricHeartRate, -1))
	assert.Equal(t, "heart_rate", snap.SourceType)
}

func TestEngine_HandleNotification_UnknownCharacteristicDropped(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)

	engine.HandleNotification("ffff", []byte{0x01, 0x02, 0x03})

	assert.True(t, engine.Snapshot().IsEmpty())
}

func TestEngine_HandleNotification_ValidationRejectIsSilent(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)

	// Echelon telemetry frame with a wrong magic byte: not this device's
	// frame, nothing merges.
	bad := []byte{0xF1, 0xD1, 0x05, 0x01, 0x2C, 0x00, 0x00, 0x04, 0xD2, 0x00, 0x50, 0x14}
	engine.HandleNotification("0bf669f4-45f2-11e7-9598-0800200c9a66", bad)
	assert.True(t, engine.Snapshot().IsEmpty())

	// Same frame with the right magic decodes, including the computed power.
	good := append([]byte{0xF0}, bad[1:]...)
	engine.HandleNotification("0bf669f4-45f2-11e7-9598-0800200c9a66", good)
	snap := engine.Snapshot()
	assert.Equal(t, 80.0, snap.GetOr(metrics.MetricCadence, -1))
	assert.Equal(t, 72.0, snap.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, "echelon", snap.SourceType)
}

func TestEngine_ApplyRecord(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)

	var rec metrics.Record
	rec.SourceType = "feed"
	rec.Set(metrics.MetricPower, 250)
	engine.ApplyRecord(rec)

	snap := engine.Snapshot()
	assert.Equal(t, 250.0, snap.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, "feed", snap.SourceType)

	// Empty records are ignored outright.
	engine.ApplyRecord(metrics.Record{})
	assert.Equal(t, 1, engine.Snapshot().Len())
}

func TestEngine_SnapshotIsIndependent(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)

	var rec metrics.Record
	rec.Set(metrics.MetricCadence, 90)
	engine.ApplyRecord(rec)

	snap := engine.Snapshot()
	snap.Set(metrics.MetricCadence, 10)

	assert.Equal(t, 90.0, engine.Snapshot().GetOr(metrics.MetricCadence, -1))
}

func TestEngine_RecordListenersSeeMergedSnapshot(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)

	records := make(chan metrics.Record, 4)
	defer engine.ListenToRecords(records)()

	engine.HandleNotification("2ad2", indoorBikePayload)
	engine.HandleNotification("2a37", heartRatePayload)

	require.Len(t, records, 2)
	first := <-records
	assert.Equal(t, 200.0, first.GetOr(metrics.MetricPower, -1))
	second := <-records
	// The snapshot, not the bare heart-rate record, is what goes out.
	assert.Equal(t, 200.0, second.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, 72.0, second.GetOr(metrics.MetricHeartRate, -1))
}

func TestEngine_BroadcastTickEncodesSnapshot(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)

	frames := make(chan []byte, 4)
	defer engine.ListenToFrames(frames)()

	engine.HandleNotification("2ad2", indoorBikePayload)
	engine.broadcastTick()

	require.Len(t, frames, 1)
	frame := <-frames
	require.Len(t, frame, 9)
	assert.Equal(t, byte(0x44), frame[0])
	assert.Equal(t, byte(0x02), frame[1])
	// Cadence doubles back to half-rpm units, power is a plain int16.
	assert.Equal(t, []byte{0xAA, 0x00}, frame[4:6])
	assert.Equal(t, []byte{0xC8, 0x00}, frame[6:8])
}

func TestEngine_BroadcastTickWithEmptySnapshot(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)

	frames := make(chan []byte, 1)
	defer engine.ListenToFrames(frames)()

	engine.broadcastTick()

	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x44, 0x02, 0, 0, 0, 0, 0, 0, 0}, <-frames)
}

func TestEngine_BroadcastLoopTicks(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	registry := devicespec.NewRegistry(logger)
	require.NoError(t, registry.LoadDefaults())
	engine := NewEngine(logger, registry, ftms.ProfileMinimal, 10*time.Millisecond)

	frames := make(chan []byte, 16)
	defer engine.ListenToFrames(frames)()

	engine.Start()
	defer engine.Stop()

	select {
	case frame := <-frames:
		assert.Len(t, frame, 9)
	case <-time.After(time.Second):
		t.Fatal("no frame broadcast within 1s")
	}
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)
	engine.Start()
	engine.Stop()
	engine.Stop()

	// Start after Stop stays stopped.
	engine.Start()
	engine.Stop()
}
