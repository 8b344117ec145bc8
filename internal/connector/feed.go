package connector

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"strings"

	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

// Feed turns newline-delimited JSON objects into metric records, so a
// parent process can drive the broadcaster over a pipe instead of BLE.
// Each line is either a metric object like {"power": 250, "cadence": 85}
// or a command object like {"command": "stop"}.
type Feed struct {
	logger *log.Logger
	engine *Engine
	onStop func()
}

// NewFeed creates a feed that applies records to engine. onStop runs once
// when a stop command arrives; it may be nil.
func NewFeed(logger *log.Logger, engine *Engine, onStop func()) *Feed {
	if logger == nil {
		panic("Feed: logger cannot be nil")
	}
	if engine == nil {
		panic("Feed: engine cannot be nil")
	}
	return &Feed{
		logger: logger,
		engine: engine,
		onStop: onStop,
	}
}

// Run reads r line by line until EOF, a read error, or a stop command.
// Malformed lines are logged and skipped; a half-broken parent process
// should degrade the stream, not kill the broadcaster.
func (f *Feed) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if stop := f.handleLine(line); stop {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	f.logger.Println("Feed: input closed")
	return nil
}

func (f *Feed) handleLine(line string) (stop bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		f.logger.Printf("Feed: skipping invalid JSON line: %v", err)
		return false
	}

	if cmd, ok := obj["command"]; ok {
		name, _ := cmd.(string)
		if name == "stop" {
			f.logger.Println("Feed: stop command received")
			if f.onStop != nil {
				f.onStop()
			}
			return true
		}
		f.logger.Printf("Feed: ignoring unknown command %v", cmd)
		return false
	}

	var rec metrics.Record
	for key, value := range obj {
		id := metrics.MetricID(key)
		if _, known := metrics.AllMetrics[id]; !known {
			f.logger.Printf("Feed: ignoring unknown metric %q", key)
			continue
		}
		num, ok := value.(float64)
		if !ok {
			f.logger.Printf("Feed: ignoring non-numeric value for %q: %v", key, value)
			continue
		}
		rec.Set(id, num)
	}
	if rec.IsEmpty() {
		return false
	}
	rec.SourceType = "feed"
	f.engine.ApplyRecord(rec)
	return false
}
