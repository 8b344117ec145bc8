// Package bt wraps the BLE adapter in the two roles the connector plays:
// a central that scans for and subscribes to fitness sensors, and a
// peripheral that serves the translated Fitness Machine Service.
package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/trainerday/fitness-machine-connector/internal/events"
	"github.com/trainerday/fitness-machine-connector/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

// Advertisement is one advertisement packet seen during a scan. Broadcast
// bikes publish their telemetry here instead of through a connection.
type Advertisement struct {
	Address          string
	LocalName        string
	RSSI             int16
	ServiceUUIDs     []string
	ManufacturerData map[uint16][]byte
}

// Central scans for sensors and manages connections to them.
type Central interface {
	Enable() error
	DeviceByAddress(address string) Device
	StartScan(serviceUUIDFilter []string)
	StopScan() error
	IsScanning() bool
	Connect(device Device) error
	Disconnect(device Device) error
	ConnectedDevices() []Device
	ScanDevices() []Device
	ListenToScanDevices(ch chan<- []Device) func()
	ListenToConnectedDevices(ch chan<- []Device) func()
	ListenToAdvertisements(ch chan<- Advertisement) func()
	Shutdown()
}

var _ Central = (*central)(nil)

type central struct {
	adapter          *bluetooth.Adapter
	logger           *log.Logger
	scanTimeout      time.Duration
	mu               sync.RWMutex
	devicesByAddress map[string]*deviceImpl
	scanning         bool
	scanCtx          context.Context
	scanCancel       context.CancelFunc
	scanListEvent    *events.ChannelEvent[[]Device]
	connectedEvent   *events.ChannelEvent[[]Device]
	advEvent         *events.ChannelEvent[Advertisement]
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

// NewCentral wraps adapter in a Central. Devices not seen for scanTimeout
// (default 10s) are dropped from the scan list unless connected.
func NewCentral(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout ...time.Duration) Central {
	if logger == nil {
		panic("Central: logger cannot be nil")
	}
	timeout := 10 * time.Second
	if len(scanTimeout) > 0 && scanTimeout[0] > 0 {
		timeout = scanTimeout[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &central{
		adapter:          adapter,
		logger:           logger,
		scanTimeout:      timeout,
		devicesByAddress: make(map[string]*deviceImpl),
		scanListEvent:    events.NewChannelEvent[[]Device](true),
		connectedEvent:   events.NewChannelEvent[[]Device](true),
		advEvent:         events.NewChannelEvent[Advertisement](false),
		ctx:              ctx,
		cancel:           cancel,
	}
}

func (c *central) Enable() error {
	// Track connects and disconnects reported by the BLE stack.
	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		d := c.deviceFor(device.Address)
		if connected {
			c.logger.Printf("Central: device connected: %s", addressStr)
			d.setConnectedDevice(&device)
			d.setState(StateConnected)
		} else {
			c.logger.Printf("Central: device disconnected: %s", addressStr)
			d.setConnectedDevice(nil)
			d.setState(StateDisconnected)
		}
		c.connectedEvent.Notify(c.ConnectedDevices())
	})

	return c.adapter.Enable()
}

func (c *central) DeviceByAddress(address string) Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if device, ok := c.devicesByAddress[address]; ok {
		return device
	}
	return nil
}

// deviceFor returns the tracked device for address, creating it on first
// sight.
func (c *central) deviceFor(address bluetooth.Address) *deviceImpl {
	addressStr := address.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	device, ok := c.devicesByAddress[addressStr]
	if !ok {
		device = newDeviceImpl(c.logger, address, c.scanTimeout)
		c.devicesByAddress[addressStr] = device
	}
	return device
}

func (c *central) StartScan(serviceUUIDFilter []string) {
	filterSet := make(map[string]struct{}, len(serviceUUIDFilter))
	for _, uuid := range serviceUUIDFilter {
		filterSet[uuid] = struct{}{}
	}

	c.mu.Lock()
	if c.scanning && c.scanCancel != nil {
		c.logger.Println("Central: scan already running, restarting")
		c.scanCancel()
	}
	c.scanning = true
	c.scanCtx, c.scanCancel = context.WithCancel(c.ctx)
	scanCtx := c.scanCtx
	c.mu.Unlock()

	c.logger.Printf("Central: starting scan, filter %v", serviceUUIDFilter)

	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, "bt stale device sweep", func() {
		defer c.wg.Done()
		c.sweepStaleDevices(scanCtx)
	})

	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, "bt scan", func() {
		defer c.wg.Done()
		defer c.logger.Println("Central: scan loop exited")

		err := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				// The adapter still needs StopScan; just drop the result.
				return
			default:
			}

			if len(filterSet) > 0 {
				found := false
				for _, uuid := range result.ServiceUUIDs() {
					if _, ok := filterSet[uuid.String()]; ok {
						found = true
						break
					}
				}
				if !found {
					return
				}
			}

			device := c.deviceFor(result.Address)
			firstSight := device.LastSeen().Equal(time.Unix(0, 0))
			device.setScanResult(&result)
			device.markSeen(time.Now())
			// Later advertisement packets can carry the service list the
			// first one lacked.
			if uuids := result.ServiceUUIDs(); len(uuids) > 0 {
				device.setAdvertisedServices(uuids)
			}
			if firstSight {
				name := result.LocalName()
				if name == "" {
					name = "Unknown"
				}
				c.logger.Printf("Central: found device %s (%s) [RSSI %d]", name, result.Address.String(), result.RSSI)
			}

			c.advEvent.Notify(advertisementFrom(&result))
		})
		if err != nil {
			c.logger.Printf("Central: scan error: %v", err)
		}
	})

	// Push the scan list to listeners once a second while scanning.
	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, "bt scan list emitter", func() {
		defer c.wg.Done()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				c.scanListEvent.Notify(c.ScanDevices())
			}
		}
	})
}

// sweepStaleDevices drops devices that stopped advertising. Connected
// devices stop advertising too, so they are exempt.
func (c *central) sweepStaleDevices(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var removed []string
			c.mu.Lock()
			for address, device := range c.devicesByAddress {
				if device.State() != StateDisconnected {
					continue
				}
				if now.Sub(device.LastSeen()) > c.scanTimeout {
					delete(c.devicesByAddress, address)
					removed = append(removed, address)
				}
			}
			c.mu.Unlock()

			for _, address := range removed {
				c.logger.Printf("Central: device timeout: %s (not seen for %v)", address, c.scanTimeout)
			}
		}
	}
}

func (c *central) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanning = false
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
	return c.adapter.StopScan()
}

func (c *central) IsScanning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanning
}

// Connect initiates a connection. Success is reported asynchronously through
// the adapter's connect handler.
func (c *central) Connect(device Device) error {
	addressStr := device.AddressString()

	c.mu.RLock()
	impl, ok := c.devicesByAddress[addressStr]
	c.mu.RUnlock()
	if !ok || impl == nil {
		return fmt.Errorf("unknown device %s", addressStr)
	}

	if _, err := c.adapter.Connect(impl.address, bluetooth.ConnectionParams{}); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addressStr, err)
	}

	impl.setState(StateConnecting)
	c.logger.Printf("Central: connection initiated to %s", addressStr)
	return nil
}

func (c *central) Disconnect(device Device) error {
	addressStr := device.AddressString()

	c.mu.RLock()
	impl, ok := c.devicesByAddress[addressStr]
	c.mu.RUnlock()
	if !ok || impl == nil {
		return fmt.Errorf("unknown device %s", addressStr)
	}

	inner := impl.getConnectedDevice()
	if inner == nil {
		c.logger.Printf("Central: %s already disconnected", addressStr)
		return nil
	}
	c.logger.Printf("Central: disconnecting from %s", addressStr)
	return inner.Disconnect()
}

func (c *central) ConnectedDevices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Device, 0)
	for _, device := range c.devicesByAddress {
		if device.IsConnected() {
			result = append(result, device)
		}
	}
	return result
}

func (c *central) ScanDevices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Device, 0)
	for _, device := range c.devicesByAddress {
		if device.isRecentlySeen() || device.IsConnected() {
			result = append(result, device)
		}
	}
	return result
}

// ListenToScanDevices registers a channel for scan list updates, emitted at
// most once a second while a scan runs.
func (c *central) ListenToScanDevices(ch chan<- []Device) func() {
	return c.scanListEvent.Listen(ch)
}

// ListenToConnectedDevices registers a channel for connection changes.
func (c *central) ListenToConnectedDevices(ch chan<- []Device) func() {
	return c.connectedEvent.Listen(ch)
}

// ListenToAdvertisements registers a channel receiving every advertisement
// the scan accepts. Slow listeners miss packets rather than stall the scan.
func (c *central) ListenToAdvertisements(ch chan<- Advertisement) func() {
	return c.advEvent.Listen(ch)
}

func advertisementFrom(result *bluetooth.ScanResult) Advertisement {
	adv := Advertisement{
		Address:   result.Address.String(),
		LocalName: result.LocalName(),
		RSSI:      result.RSSI,
	}
	for _, uuid := range result.ServiceUUIDs() {
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, uuid.String())
	}
	for _, element := range result.ManufacturerData() {
		if adv.ManufacturerData == nil {
			adv.ManufacturerData = make(map[uint16][]byte)
		}
		adv.ManufacturerData[element.CompanyID] = element.Data
	}
	return adv
}

func (c *central) Shutdown() {
	c.logger.Println("Central: shutting down")
	for _, device := range c.ConnectedDevices() {
		if err := c.Disconnect(device); err != nil {
			c.logger.Printf("Central: error disconnecting %s: %v", device.AddressString(), err)
		}
	}
	if err := c.StopScan(); err != nil {
		c.logger.Printf("Central: error stopping scan: %v", err)
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Println("Central: shutdown complete")
}
