// Package connector wires the translation pipeline together: sensor
// payloads come in from BLE, a JSON feed or the simulator, get decoded and
// merged into one live snapshot, and leave as Indoor Bike Data frames on a
// fixed broadcast tick.
package connector

import (
	"log"
	"sync"
	"time"

	"github.com/trainerday/fitness-machine-connector/internal/decode"
	"github.com/trainerday/fitness-machine-connector/internal/devicespec"
	"github.com/trainerday/fitness-machine-connector/internal/events"
	"github.com/trainerday/fitness-machine-connector/internal/ftms"
	"github.com/trainerday/fitness-machine-connector/internal/go_func_utils"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

// DefaultBroadcastPeriod is the tick at which Indoor Bike Data frames go
// out, whether or not fresh data arrived.
const DefaultBroadcastPeriod = 250 * time.Millisecond

// Engine merges every decoded record into one snapshot and re-encodes that
// snapshot as an Indoor Bike Data frame on each broadcast tick. Sources
// only ever add the metrics they carry, so a cadence-only sensor never
// wipes the power a trainer reported a moment earlier.
type Engine struct {
	logger          *log.Logger
	registry        *devicespec.Registry
	profile         ftms.Profile
	broadcastPeriod time.Duration

	mu      sync.Mutex
	merged  metrics.Record
	started bool

	frameEvent  *events.ChannelEvent[[]byte]
	recordEvent *events.ChannelEvent[metrics.Record]

	doneChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewEngine(logger *log.Logger, registry *devicespec.Registry, profile ftms.Profile, broadcastPeriod time.Duration) *Engine {
	if logger == nil {
		panic("Engine: logger cannot be nil")
	}
	if registry == nil {
		panic("Engine: registry cannot be nil")
	}
	if broadcastPeriod <= 0 {
		broadcastPeriod = DefaultBroadcastPeriod
	}
	return &Engine{
		logger:          logger,
		registry:        registry,
		profile:         profile,
		broadcastPeriod: broadcastPeriod,
		frameEvent:      events.NewChannelEvent[[]byte](true),
		recordEvent:     events.NewChannelEvent[metrics.Record](true),
		doneChan:        make(chan struct{}),
	}
}

// Start launches the broadcast loop. Calling Start twice, or after Stop,
// does nothing.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	select {
	case <-e.doneChan:
		return
	default:
	}
	e.started = true

	e.wg.Add(1)
	go_func_utils.SafeGo(e.logger, "broadcast loop", func() {
		defer e.wg.Done()
		e.runBroadcastLoop()
	})
	e.logger.Printf("Engine: broadcasting %s frames every %v", e.profile, e.broadcastPeriod)
}

// Stop halts the broadcast loop and waits for it to exit. Safe to call more
// than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.doneChan)
		e.wg.Wait()
		e.logger.Println("Engine: stopped")
	})
}

func (e *Engine) runBroadcastLoop() {
	ticker := time.NewTicker(e.broadcastPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-e.doneChan:
			return
		case <-ticker.C:
			e.broadcastTick()
		}
	}
}

// broadcastTick encodes the current snapshot and hands the frame to every
// listener. An empty snapshot still produces a frame; flags with all-zero
// values is what a connected head unit expects before pedaling starts.
func (e *Engine) broadcastTick() {
	e.mu.Lock()
	snapshot := e.merged.Clone()
	e.mu.Unlock()

	frame := ftms.EncodeIndoorBikeData(snapshot, e.profile)
	e.frameEvent.Notify(frame)
}

// HandleNotification runs one characteristic payload through the registry
// and decoder and merges whatever it yielded. Payloads with no matching
// spec are logged and dropped; payloads that fail the spec's length or
// validation gates are dropped silently, since shared characteristic UUIDs
// make foreign frames routine.
func (e *Engine) HandleNotification(characteristicUUID string, payload []byte) {
	spec := e.registry.Lookup(characteristicUUID)
	if spec == nil {
		e.logger.Printf("Engine: no device spec for characteristic %s, dropped %d bytes", characteristicUUID, len(payload))
		return
	}

	rec := decode.Decode(spec, payload)
	if rec.SourceType == "" {
		return
	}
	if rec.IsEmpty() {
		e.logger.Printf("Engine: %s payload [% x] decoded to no metrics", spec.ID, payload)
		return
	}

	e.apply(rec)
}

// ApplyRecord merges an already-decoded record, the entry point for the
// JSON feed and the simulator. Empty records are ignored.
func (e *Engine) ApplyRecord(rec metrics.Record) {
	if rec.IsEmpty() {
		return
	}
	e.apply(rec)
}

func (e *Engine) apply(rec metrics.Record) {
	e.mu.Lock()
	e.merged.Merge(&rec)
	snapshot := e.merged.Clone()
	e.mu.Unlock()

	e.logger.Printf("Engine: merged %s", rec.String())
	e.recordEvent.Notify(*snapshot)
}

// Snapshot returns an independent copy of the current merged state.
func (e *Engine) Snapshot() metrics.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.merged.Clone()
}

// Profile returns the frame layout the engine broadcasts.
func (e *Engine) Profile() ftms.Profile {
	return e.profile
}

// BroadcastPeriod returns the tick interval.
func (e *Engine) BroadcastPeriod() time.Duration {
	return e.broadcastPeriod
}

// ListenToFrames registers a channel receiving each encoded frame as it is
// broadcast. Late listeners immediately get the most recent frame.
func (e *Engine) ListenToFrames(ch chan<- []byte) func() {
	return e.frameEvent.Listen(ch)
}

// ListenToRecords registers a channel receiving the merged snapshot after
// every merge. Late listeners immediately get the most recent snapshot.
func (e *Engine) ListenToRecords(ch chan<- metrics.Record) func() {
	return e.recordEvent.Listen(ch)
}
