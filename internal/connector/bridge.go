package connector

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/trainerday/fitness-machine-connector/internal/bt"
	"github.com/trainerday/fitness-machine-connector/internal/devicespec"
	"github.com/trainerday/fitness-machine-connector/internal/go_func_utils"
)

// Bridge feeds the engine from real sensors: it watches the scan, connects
// to supported or remembered devices, subscribes to the characteristics the
// registry names, and routes manufacturer data from broadcast-only bikes
// that never accept a connection.
type Bridge struct {
	logger      *log.Logger
	central     bt.Central
	registry    *devicespec.Registry
	engine      *Engine
	state       *sourceState
	autoConnect bool
	filterScan  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	subscribed map[string]bool
	connecting map[string]bool
}

// BridgeConfig tunes how eagerly the bridge grabs devices.
type BridgeConfig struct {
	// AutoConnect connects to any device advertising a supported service.
	// Remembered devices reconnect regardless.
	AutoConnect bool
	// FilterScan restricts scanning to the registry's GATT services. It
	// hides broadcast-only bikes, which advertise no supported service.
	FilterScan bool
	// StateFile overrides where remembered pairings live. Empty means
	// DefaultStateFile().
	StateFile string
}

func NewBridge(logger *log.Logger, central bt.Central, registry *devicespec.Registry, engine *Engine, cfg BridgeConfig) *Bridge {
	if logger == nil {
		panic("Bridge: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		logger:      logger,
		central:     central,
		registry:    registry,
		engine:      engine,
		state:       newSourceState(logger, cfg.StateFile),
		autoConnect: cfg.AutoConnect,
		filterScan:  cfg.FilterScan,
		ctx:         ctx,
		cancel:      cancel,
		subscribed:  make(map[string]bool),
		connecting:  make(map[string]bool),
	}
}

// Start begins scanning and watching. The central must be enabled first.
func (b *Bridge) Start() {
	b.central.StartScan(b.scanServiceFilter())

	b.wg.Add(1)
	go_func_utils.SafeGo(b.logger, "bridge scan watcher", func() {
		defer b.wg.Done()
		b.watchScanList()
	})

	b.wg.Add(1)
	go_func_utils.SafeGo(b.logger, "bridge connection watcher", func() {
		defer b.wg.Done()
		b.watchConnections()
	})

	b.wg.Add(1)
	go_func_utils.SafeGo(b.logger, "bridge advertisement router", func() {
		defer b.wg.Done()
		b.routeAdvertisements()
	})
}

func (b *Bridge) Shutdown() {
	b.cancel()
	b.wg.Wait()
	b.logger.Println("Bridge: shutdown complete")
}

// IsScanning reports whether the central is currently scanning.
func (b *Bridge) IsScanning() bool {
	return b.central.IsScanning()
}

// StartScanning resumes scanning after a manual stop, with the same filter
// Start used.
func (b *Bridge) StartScanning() {
	b.central.StartScan(b.scanServiceFilter())
}

// StopScanning pauses scanning. Broadcast bikes stop feeding until it
// resumes; connected devices keep streaming.
func (b *Bridge) StopScanning() error {
	return b.central.StopScan()
}

func (b *Bridge) scanServiceFilter() []string {
	if !b.filterScan {
		return nil
	}
	return b.canonicalServiceFilter()
}

// canonicalServiceFilter expands the registry's service UUIDs to the dashed
// form the scanner compares against.
func (b *Bridge) canonicalServiceFilter() []string {
	var filter []string
	for _, uuid := range b.registry.ServiceUUIDs() {
		canonical, err := devicespec.CanonicalUUID(uuid)
		if err != nil {
			b.logger.Printf("Bridge: skipping unusable service UUID %q in scan filter: %v", uuid, err)
			continue
		}
		filter = append(filter, canonical)
	}
	return filter
}

func (b *Bridge) watchScanList() {
	devices := make(chan []bt.Device, 1)
	defer b.central.ListenToScanDevices(devices)()

	for {
		select {
		case <-b.ctx.Done():
			return
		case list := <-devices:
			b.considerAutoConnect(list)
		}
	}
}

func (b *Bridge) considerAutoConnect(list []bt.Device) {
	for _, device := range list {
		if device.State() != bt.StateDisconnected {
			continue
		}
		if !b.shouldConnect(device) {
			continue
		}
		address := device.AddressString()

		b.mu.Lock()
		if b.connecting[address] {
			b.mu.Unlock()
			continue
		}
		b.connecting[address] = true
		b.mu.Unlock()

		b.logger.Printf("Bridge: connecting to %s (%s)", device.LocalName(), address)
		if err := b.central.Connect(device); err != nil {
			b.logger.Printf("Bridge: connect to %s failed: %v", address, err)
			b.mu.Lock()
			delete(b.connecting, address)
			b.mu.Unlock()
		}
	}
}

func (b *Bridge) shouldConnect(device bt.Device) bool {
	if b.state.isPreferred(device.AddressString()) {
		return true
	}
	if !b.autoConnect {
		return false
	}
	for _, spec := range specsForServices(b.registry, device.ServiceUUIDs()) {
		if !isBroadcastSpec(spec) {
			return true
		}
	}
	return false
}

func (b *Bridge) watchConnections() {
	connected := make(chan []bt.Device, 1)
	defer b.central.ListenToConnectedDevices(connected)()

	for {
		select {
		case <-b.ctx.Done():
			return
		case list := <-connected:
			b.syncSubscriptions(list)
		}
	}
}

// syncSubscriptions subscribes devices that just connected and forgets
// subscription state for devices that dropped, so a reconnect subscribes
// them again.
func (b *Bridge) syncSubscriptions(connected []bt.Device) {
	current := make(map[string]bt.Device, len(connected))
	for _, device := range connected {
		current[device.AddressString()] = device
	}

	b.mu.Lock()
	var toSubscribe []bt.Device
	for address, device := range current {
		if !b.subscribed[address] {
			b.subscribed[address] = true
			delete(b.connecting, address)
			toSubscribe = append(toSubscribe, device)
		}
	}
	for address := range b.subscribed {
		if _, ok := current[address]; !ok {
			delete(b.subscribed, address)
			delete(b.connecting, address)
			b.logger.Printf("Bridge: lost connection to %s", address)
		}
	}
	b.mu.Unlock()

	for _, device := range toSubscribe {
		b.subscribeDevice(device)
	}
}

func (b *Bridge) subscribeDevice(device bt.Device) {
	address := device.AddressString()
	specs := specsForServices(b.registry, device.ServiceUUIDs())
	if len(specs) == 0 {
		b.logger.Printf("Bridge: %s advertises no supported service", address)
		return
	}

	for _, spec := range specs {
		if isBroadcastSpec(spec) {
			continue
		}
		serviceUUID, err := devicespec.CanonicalUUID(string(spec.ServiceUUID))
		if err != nil {
			b.logger.Printf("Bridge: spec %s has unusable service UUID: %v", spec.ID, err)
			continue
		}
		characteristicUUID, err := devicespec.CanonicalUUID(string(spec.CharacteristicUUID))
		if err != nil {
			b.logger.Printf("Bridge: spec %s has unusable characteristic UUID: %v", spec.ID, err)
			continue
		}

		routingKey := characteristicUUID
		err = device.EnableNotifications(serviceUUID, characteristicUUID, func(buf []byte) {
			// The stack may reuse buf after the callback returns.
			data := make([]byte, len(buf))
			copy(data, buf)
			b.engine.HandleNotification(routingKey, data)
		})
		if err != nil {
			b.logger.Printf("Bridge: subscribing %s to %s failed: %v", address, spec.ID, err)
			continue
		}

		b.logger.Printf("Bridge: %s now feeding %s", address, spec.ID)
		b.state.setPreferredDevice(spec.ID, address)
	}
}

// routeAdvertisements feeds manufacturer data from broadcast bikes into the
// decoder, using the company identifier as the routing key.
func (b *Bridge) routeAdvertisements() {
	advs := make(chan bt.Advertisement, 16)
	defer b.central.ListenToAdvertisements(advs)()

	for {
		select {
		case <-b.ctx.Done():
			return
		case adv := <-advs:
			for companyID, data := range adv.ManufacturerData {
				key := fmt.Sprintf("%04x", companyID)
				if b.registry.Lookup(key) == nil {
					continue
				}
				b.engine.HandleNotification(key, data)
			}
		}
	}
}

// ConnectTo initiates a manual connection, for the dashboard's scan list.
func (b *Bridge) ConnectTo(address string) error {
	device := b.central.DeviceByAddress(address)
	if device == nil {
		return fmt.Errorf("unknown device %s", address)
	}
	b.mu.Lock()
	b.connecting[address] = true
	b.mu.Unlock()
	return b.central.Connect(device)
}

// DisconnectFrom drops the connection and forgets the pairing, so the
// bridge does not immediately reconnect.
func (b *Bridge) DisconnectFrom(address string) error {
	device := b.central.DeviceByAddress(address)
	if device == nil {
		return fmt.Errorf("unknown device %s", address)
	}
	b.state.forgetDevice(address)
	return b.central.Disconnect(device)
}

// MatchingSpecIDs names the source types a device can feed, for display.
func (b *Bridge) MatchingSpecIDs(device bt.Device) []string {
	var ids []string
	for _, spec := range specsForServices(b.registry, device.ServiceUUIDs()) {
		ids = append(ids, spec.ID)
	}
	return ids
}

// specsForServices returns the registered specs whose service UUID appears
// in advertised. Spellings on both sides are normalized before comparing.
func specsForServices(registry *devicespec.Registry, advertised []string) []*devicespec.DeviceSpec {
	seen := make(map[string]struct{}, len(advertised))
	for _, uuid := range advertised {
		seen[devicespec.NormalizeUUID(uuid)] = struct{}{}
	}
	var matched []*devicespec.DeviceSpec
	for _, spec := range registry.Specs() {
		if _, ok := seen[spec.ServiceUUID.Normalized()]; ok {
			matched = append(matched, spec)
		}
	}
	return matched
}

// isBroadcastSpec reports whether a spec describes advertisement telemetry
// rather than a GATT characteristic. Those specs reuse the manufacturer
// company identifier as both service and characteristic key.
func isBroadcastSpec(spec *devicespec.DeviceSpec) bool {
	return spec.ServiceUUID.Normalized() == spec.CharacteristicUUID.Normalized()
}
