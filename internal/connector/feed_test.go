package connector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainerday/fitness-machine-connector/internal/ftms"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

func TestFeed_AppliesMetricLines(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)
	feed := NewFeed(engine.logger, engine, nil)

	input := strings.NewReader(
		`{"power": 250, "cadence": 85}` + "\n" +
			`{"heartRate": 140}` + "\n")
	require.NoError(t, feed.Run(input))

	snap := engine.Snapshot()
	assert.Equal(t, 250.0, snap.GetOr(metrics.MetricPower, -1))
	assert.Equal(t, 85.0, snap.GetOr(metrics.MetricCadence, -1))
	assert.Equal(t, 140.0, snap.GetOr(metrics.MetricHeartRate, -1))
	assert.Equal(t, "feed", snap.SourceType)
}

func TestFeed_StopCommandEndsRun(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)
	stops := 0
	feed := NewFeed(engine.logger, engine, func() { stops++ })

	input := strings.NewReader(
		`{"power": 100}` + "\n" +
			`{"command": "stop"}` + "\n" +
			`{"power": 999}` + "\n")
	require.NoError(t, feed.Run(input))

	assert.Equal(t, 1, stops)
	// Lines after the stop command are never read.
	assert.Equal(t, 100.0, engine.Snapshot().GetOr(metrics.MetricPower, -1))
}

func TestFeed_SkipsMalformedLines(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)
	feed := NewFeed(engine.logger, engine, nil)

	input := strings.NewReader(
		"not json at all\n" +
			"\n" +
			`{"power": 180}` + "\n")
	require.NoError(t, feed.Run(input))

	assert.Equal(t, 180.0, engine.Snapshot().GetOr(metrics.MetricPower, -1))
}

func TestFeed_IgnoresUnknownAndNonNumericValues(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)
	feed := NewFeed(engine.logger, engine, nil)

	input := strings.NewReader(`{"power": 200, "wattage": 5, "cadence": "fast"}` + "\n")
	require.NoError(t, feed.Run(input))

	snap := engine.Snapshot()
	assert.Equal(t, 200.0, snap.GetOr(metrics.MetricPower, -1))
	assert.False(t, snap.Has(metrics.MetricCadence))
	assert.Equal(t, 1, snap.Len())
}

func TestFeed_UnknownCommandIsIgnored(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)
	stops := 0
	feed := NewFeed(engine.logger, engine, func() { stops++ })

	input := strings.NewReader(
		`{"command": "pause"}` + "\n" +
			`{"cadence": 90}` + "\n")
	require.NoError(t, feed.Run(input))

	assert.Equal(t, 0, stops)
	assert.Equal(t, 90.0, engine.Snapshot().GetOr(metrics.MetricCadence, -1))
}

func TestFeed_NilStopCallback(t *testing.T) {
	engine := newTestEngine(t, ftms.ProfileMinimal)
	feed := NewFeed(engine.logger, engine, nil)

	input := strings.NewReader(`{"command": "stop"}` + "\n")
	require.NoError(t, feed.Run(input))
}
