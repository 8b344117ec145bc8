// Package metrics defines the normalized metric record that decoded
// payloads produce and the broadcaster consumes.
package metrics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MetricID identifies one normalized fitness metric. The values double as
// the field names used in device spec files and in the JSON feed, so a
// spec that stores "cadence" lands on MetricCadence with no mapping table.
type MetricID string

const (
	MetricPower       MetricID = "power"
	MetricCadence     MetricID = "cadence"
	MetricHeartRate   MetricID = "heartRate"
	MetricSpeed       MetricID = "speed"
	MetricDistance    MetricID = "distance"
	MetricResistance  MetricID = "resistance"
	MetricCalories    MetricID = "calories"
	MetricElapsedTime MetricID = "elapsedTime"
	MetricGear        MetricID = "gear"
)

// DisplayOrder is the order metrics appear in the dashboard and in logs.
var DisplayOrder = []MetricID{
	MetricPower,
	MetricCadence,
	MetricSpeed,
	MetricHeartRate,
	MetricDistance,
	MetricCalories,
	MetricElapsedTime,
	MetricResistance,
	MetricGear,
}

// MetricInfo contains display information for a metric
type MetricInfo struct {
	ID          MetricID
	DisplayName string
	Unit        string
	FormatStr   string // Printf format string for the value
}

// AllMetrics defines metadata for all known metrics
var AllMetrics = map[MetricID]MetricInfo{
	MetricPower: {
		ID:          MetricPower,
		DisplayName: "Power",
		Unit:        "W",
		FormatStr:   "%.0f",
	},
	MetricCadence: {
		ID:          MetricCadence,
		DisplayName: "Cadence",
		Unit:        "rpm",
		FormatStr:   "%.0f",
	},
	MetricHeartRate: {
		ID:          MetricHeartRate,
		DisplayName: "Heart Rate",
		Unit:        "bpm",
		FormatStr:   "%.0f",
	},
	MetricSpeed: {
		ID:          MetricSpeed,
		DisplayName: "Speed",
		Unit:        "km/h",
		FormatStr:   "%.2f",
	},
	MetricDistance: {
		ID:          MetricDistance,
		DisplayName: "Distance",
		Unit:        "km",
		FormatStr:   "%.2f",
	},
	MetricResistance: {
		ID:          MetricResistance,
		DisplayName: "Resistance",
		Unit:        "",
		FormatStr:   "%.0f",
	},
	MetricCalories: {
		ID:          MetricCalories,
		DisplayName: "Calories",
		Unit:        "kcal",
		FormatStr:   "%.0f",
	},
	MetricElapsedTime: {
		ID:          MetricElapsedTime,
		DisplayName: "Elapsed Time",
		Unit:        "s",
		FormatStr:   "%.0f",
	},
	MetricGear: {
		ID:          MetricGear,
		DisplayName: "Gear",
		Unit:        "",
		FormatStr:   "%.0f",
	},
}

// GetMetricInfo returns the metadata for a given metric ID
func GetMetricInfo(id MetricID) (MetricInfo, bool) {
	info, ok := AllMetrics[id]
	return info, ok
}

// Record holds the metrics decoded from one payload, or the merged state
// the broadcaster reads from. Fields are optional: a Record only carries
// what was actually decoded, so a zero value for a metric is
// distinguishable from the metric being absent.
type Record struct {
	SourceType string
	values     map[MetricID]float64
}

// Set stores a metric value, overwriting any previous value.
func (r *Record) Set(id MetricID, value float64) {
	if r.values == nil {
		r.values = make(map[MetricID]float64)
	}
	r.values[id] = value
}

// Get returns the value and whether the metric is present.
func (r *Record) Get(id MetricID) (float64, bool) {
	v, ok := r.values[id]
	return v, ok
}

// GetOr returns the value, or fallback when the metric is absent.
func (r *Record) GetOr(id MetricID, fallback float64) float64 {
	if v, ok := r.values[id]; ok {
		return v
	}
	return fallback
}

// Has reports whether the metric is present.
func (r *Record) Has(id MetricID) bool {
	_, ok := r.values[id]
	return ok
}

// Len returns the number of metrics present.
func (r *Record) Len() int {
	return len(r.values)
}

// IsEmpty reports whether the record carries no metrics at all.
func (r *Record) IsEmpty() bool {
	return len(r.values) == 0
}

// Merge copies every metric present in newer into r, leaving metrics the
// newer record does not carry untouched. A heart-rate notification merged
// into a snapshot therefore never clears the power a different device
// reported a moment earlier. The SourceType follows the newest record that
// has one.
func (r *Record) Merge(newer *Record) {
	if newer == nil {
		return
	}
	for id, v := range newer.values {
		r.Set(id, v)
	}
	if newer.SourceType != "" {
		r.SourceType = newer.SourceType
	}
}

// Clone returns an independent copy.
func (r *Record) Clone() *Record {
	out := &Record{SourceType: r.SourceType}
	for id, v := range r.values {
		out.Set(id, v)
	}
	return out
}

// Metrics returns a copy of the present metrics.
func (r *Record) Metrics() map[MetricID]float64 {
	out := make(map[MetricID]float64, len(r.values))
	for id, v := range r.values {
		out[id] = v
	}
	return out
}

// String renders the present metrics in display order, known ones first,
// for logs.
func (r *Record) String() string {
	var parts []string
	rendered := make(map[MetricID]bool)
	for _, id := range DisplayOrder {
		v, ok := r.values[id]
		if !ok {
			continue
		}
		info := AllMetrics[id]
		val := fmt.Sprintf(info.FormatStr, v)
		if info.Unit != "" {
			val += info.Unit
		}
		parts = append(parts, string(id)+"="+val)
		rendered[id] = true
	}
	var extras []string
	for id, v := range r.values {
		if !rendered[id] {
			extras = append(extras, fmt.Sprintf("%s=%g", id, v))
		}
	}
	sort.Strings(extras)
	parts = append(parts, extras...)
	if r.SourceType != "" {
		parts = append(parts, "source="+r.SourceType)
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, " ")
}

// MarshalJSON flattens the record into one JSON object, metric names as
// keys plus a sourceType entry when set.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.values)+1)
	for id, v := range r.values {
		out[string(id)] = v
	}
	if r.SourceType != "" {
		out["sourceType"] = r.SourceType
	}
	return json.Marshal(out)
}
