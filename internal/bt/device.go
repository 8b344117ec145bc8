package bt

import (
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

type DeviceState int

const (
	StateDisconnected DeviceState = iota
	StateConnecting
	StateConnected
)

func (s DeviceState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Device is one remote sensor the central has seen or connected to.
// Characteristic UUIDs are passed in the dashed 128-bit form.
type Device interface {
	AddressString() string
	LocalName() string
	RSSI() (int16, error)
	LastSeen() time.Time
	IsConnected() bool
	State() DeviceState
	WaitForConnection(timeout time.Duration) error
	EnableNotifications(serviceUUID string, characteristicUUID string, callback func(buf []byte)) error
	DisableNotifications(serviceUUID string, characteristicUUID string) error
	ReadCharacteristic(serviceUUID string, characteristicUUID string) ([]byte, error)
	WriteCharacteristic(serviceUUID string, characteristicUUID string, data []byte) error
	WriteCharacteristicWithoutResponse(serviceUUID string, characteristicUUID string, data []byte) error
	ServiceUUIDs() []string
	HasServiceUUID(uuid string) bool
}

type deviceImpl struct {
	address     bluetooth.Address
	scanTimeout time.Duration
	logger      *log.Logger

	// mu guards the mutable scan/connection state below.
	mu              sync.Mutex
	localName       string
	scanLastSeen    time.Time
	scanResult      *bluetooth.ScanResult
	connectedDevice *bluetooth.Device
	state           DeviceState
	serviceUUIDs    []string

	// bleMu serializes GATT traffic. The discovery caches below are only
	// touched with bleMu held.
	bleMu                  sync.Mutex
	serviceByUUID          map[string]*bluetooth.DeviceService
	characteristicByUUID   map[string]*bluetooth.DeviceCharacteristic
	serviceCharsDiscovered map[string]bool
	allServicesDiscovered  bool
}

func newDeviceImpl(logger *log.Logger, address bluetooth.Address, scanTimeout time.Duration) *deviceImpl {
	if logger == nil {
		panic("Device: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		panic("Device: scanTimeout must be > 0")
	}
	return &deviceImpl{
		logger:                 logger,
		address:                address,
		localName:              "Unknown",
		scanTimeout:            scanTimeout,
		scanLastSeen:           time.Unix(0, 0),
		state:                  StateDisconnected,
		serviceByUUID:          make(map[string]*bluetooth.DeviceService),
		characteristicByUUID:   make(map[string]*bluetooth.DeviceCharacteristic),
		serviceCharsDiscovered: make(map[string]bool),
	}
}

func (d *deviceImpl) AddressString() string {
	return d.address.String()
}

func (d *deviceImpl) LocalName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanResult != nil {
		if name := d.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return d.localName
}

func (d *deviceImpl) RSSI() (int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanResult == nil {
		return 0, fmt.Errorf("no advertisement seen for %s", d.address.String())
	}
	return d.scanResult.RSSI, nil
}

func (d *deviceImpl) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanLastSeen
}

func (d *deviceImpl) markSeen(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanLastSeen = t
}

func (d *deviceImpl) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectedDevice != nil
}

func (d *deviceImpl) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *deviceImpl) setState(state DeviceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func (d *deviceImpl) isRecentlySeen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanResult == nil {
		return false
	}
	return time.Since(d.scanLastSeen) <= d.scanTimeout
}

func (d *deviceImpl) setScanResult(scanResult *bluetooth.ScanResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanResult = scanResult
}

func (d *deviceImpl) setConnectedDevice(device *bluetooth.Device) {
	d.mu.Lock()
	d.connectedDevice = device
	d.mu.Unlock()

	// A disconnect invalidates every discovered handle. bleMu is taken after
	// mu is released; the GATT path acquires them in the opposite order.
	if device == nil {
		d.bleMu.Lock()
		d.serviceByUUID = make(map[string]*bluetooth.DeviceService)
		d.characteristicByUUID = make(map[string]*bluetooth.DeviceCharacteristic)
		d.serviceCharsDiscovered = make(map[string]bool)
		d.allServicesDiscovered = false
		d.bleMu.Unlock()
	}
}

func (d *deviceImpl) getConnectedDevice() *bluetooth.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectedDevice
}

func (d *deviceImpl) setAdvertisedServices(uuids []bluetooth.UUID) {
	strs := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		strs = append(strs, uuid.String())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serviceUUIDs = strs
}

func (d *deviceImpl) ServiceUUIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serviceUUIDs
}

func (d *deviceImpl) HasServiceUUID(uuid string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.serviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (d *deviceImpl) WaitForConnection(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(timeout)
	for {
		select {
		case <-ticker.C:
			if d.IsConnected() {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timeout after %v waiting for connection to %s", timeout, d.address.String())
		}
	}
}

func (d *deviceImpl) EnableNotifications(serviceUUIDStr string, characteristicUUIDStr string, callback func(buf []byte)) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, characteristicUUIDStr)
	if err != nil {
		return err
	}

	if err := characteristic.EnableNotifications(callback); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", characteristicUUIDStr, err)
	}
	d.logger.Printf("Device [%s]: notifications enabled for %s", d.address.String(), characteristicUUIDStr)
	return nil
}

func (d *deviceImpl) DisableNotifications(serviceUUIDStr string, characteristicUUIDStr string) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, characteristicUUIDStr)
	if err != nil {
		return err
	}

	// A nil callback clears the subscription.
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", characteristicUUIDStr, err)
	}
	d.logger.Printf("Device [%s]: notifications disabled for %s", d.address.String(), characteristicUUIDStr)
	return nil
}

func (d *deviceImpl) ReadCharacteristic(serviceUUIDStr string, characteristicUUIDStr string) ([]byte, error) {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, characteristicUUIDStr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", characteristicUUIDStr, err)
	}
	return buf[:n], nil
}

func (d *deviceImpl) WriteCharacteristic(serviceUUIDStr string, characteristicUUIDStr string, data []byte) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()
	return d.writeCharacteristic(serviceUUIDStr, characteristicUUIDStr, data, true)
}

func (d *deviceImpl) WriteCharacteristicWithoutResponse(serviceUUIDStr string, characteristicUUIDStr string, data []byte) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()
	return d.writeCharacteristic(serviceUUIDStr, characteristicUUIDStr, data, false)
}

func (d *deviceImpl) writeCharacteristic(serviceUUIDStr string, characteristicUUIDStr string, data []byte, waitForResponse bool) error {
	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, characteristicUUIDStr)
	if err != nil {
		return err
	}

	if waitForResponse {
		_, err = characteristic.Write(data)
	} else {
		_, err = characteristic.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", characteristicUUIDStr, err)
	}
	return nil
}

// lookupCharacteristic resolves a service/characteristic pair, discovering and
// caching on first use. Must be called with bleMu held.
func (d *deviceImpl) lookupCharacteristic(serviceUUIDStr string, characteristicUUIDStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUUID, err := bluetooth.ParseUUID(serviceUUIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUIDStr, err)
	}
	characteristicUUID, err := bluetooth.ParseUUID(characteristicUUIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUUIDStr, err)
	}
	return d.getDeviceCharacteristic(serviceUUID, characteristicUUID)
}

func (d *deviceImpl) getDeviceService(serviceUUID bluetooth.UUID) (*bluetooth.DeviceService, error) {
	serviceUUIDStr := serviceUUID.String()
	if service, ok := d.serviceByUUID[serviceUUIDStr]; ok {
		return service, nil
	}

	connectedDevice := d.getConnectedDevice()
	if connectedDevice == nil {
		return nil, fmt.Errorf("device %s is not connected", d.address.String())
	}

	// Discover every service in one pass. Re-running per-service discovery
	// interrupts notifications on services already in use.
	if !d.allServicesDiscovered {
		d.logger.Printf("Device [%s]: discovering services", d.address.String())
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range deviceServices {
			svc := &deviceServices[i]
			d.serviceByUUID[svc.UUID().String()] = svc
		}
		d.allServicesDiscovered = true
		d.logger.Printf("Device [%s]: discovered %d service(s)", d.address.String(), len(deviceServices))
	}

	service, ok := d.serviceByUUID[serviceUUIDStr]
	if !ok {
		return nil, fmt.Errorf("service %s not found on device %s", serviceUUIDStr, d.address.String())
	}
	return service, nil
}

func (d *deviceImpl) getDeviceCharacteristic(serviceUUID bluetooth.UUID, characteristicUUID bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUUIDStr := serviceUUID.String()
	characteristicUUIDStr := characteristicUUID.String()
	comboKey := serviceUUIDStr + "_" + characteristicUUIDStr

	if characteristic, ok := d.characteristicByUUID[comboKey]; ok {
		return characteristic, nil
	}

	// Same one-pass rule as services: discover all characteristics of the
	// service together, then serve from the cache.
	if !d.serviceCharsDiscovered[serviceUUIDStr] {
		service, err := d.getDeviceService(serviceUUID)
		if err != nil {
			return nil, err
		}

		d.logger.Printf("Device [%s]: discovering characteristics of %s", d.address.String(), serviceUUIDStr)
		discovered, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics of %s: %w", serviceUUIDStr, err)
		}
		for i := range discovered {
			char := &discovered[i]
			d.characteristicByUUID[serviceUUIDStr+"_"+char.UUID().String()] = char
		}
		d.serviceCharsDiscovered[serviceUUIDStr] = true
	}

	characteristic, ok := d.characteristicByUUID[comboKey]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found in service %s", characteristicUUIDStr, serviceUUIDStr)
	}
	return characteristic, nil
}
