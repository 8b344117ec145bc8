package bt

import (
	"fmt"
	"log"
	"sync"

	"tinygo.org/x/bluetooth"
)

// PeripheralCharacteristic describes one characteristic served by a
// Peripheral. UUIDs are passed in the dashed 128-bit form.
type PeripheralCharacteristic struct {
	UUID               string
	Value              []byte
	Readable           bool
	Writable           bool
	WritableNoResponse bool
	Notifiable         bool
	Indicatable        bool

	// OnWrite handles writes from a connected central. The returned bytes,
	// if any, are pushed back on the same characteristic.
	OnWrite func(value []byte) []byte
}

func (c PeripheralCharacteristic) permissions() bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if c.Readable {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if c.Writable {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if c.WritableNoResponse {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if c.Notifiable {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	if c.Indicatable {
		flags |= bluetooth.CharacteristicIndicatePermission
	}
	return flags
}

// PeripheralService is one GATT service with its characteristics.
type PeripheralService struct {
	UUID            string
	Characteristics []PeripheralCharacteristic
}

// Peripheral is the GATT-server role: it registers services, advertises them
// and pushes notifications to subscribed centrals.
type Peripheral struct {
	adapter     *bluetooth.Adapter
	logger      *log.Logger
	mu          sync.Mutex
	handles     map[string]*bluetooth.Characteristic
	advertising bool
}

func NewPeripheral(adapter *bluetooth.Adapter, logger *log.Logger) *Peripheral {
	if logger == nil {
		panic("Peripheral: logger cannot be nil")
	}
	return &Peripheral{
		adapter: adapter,
		logger:  logger,
		handles: make(map[string]*bluetooth.Characteristic),
	}
}

// AddService registers svc with the BLE stack. Must be called before
// Advertise.
func (p *Peripheral) AddService(svc PeripheralService) error {
	svcUUID, err := bluetooth.ParseUUID(svc.UUID)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", svc.UUID, err)
	}

	charConfigs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
	handles := make(map[string]*bluetooth.Characteristic, len(svc.Characteristics))
	for _, char := range svc.Characteristics {
		charUUID, err := bluetooth.ParseUUID(char.UUID)
		if err != nil {
			return fmt.Errorf("invalid characteristic UUID %q: %w", char.UUID, err)
		}

		handle := new(bluetooth.Characteristic)
		cfg := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   charUUID,
			Value:  char.Value,
			Flags:  char.permissions(),
		}
		if char.OnWrite != nil {
			onWrite := char.OnWrite
			name := charUUID.String()
			cfg.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				if offset != 0 {
					p.logger.Printf("Peripheral: ignoring long write at offset %d on %s", offset, name)
					return
				}
				data := make([]byte, len(value))
				copy(data, value)
				if response := onWrite(data); len(response) > 0 {
					if _, err := handle.Write(response); err != nil {
						p.logger.Printf("Peripheral: failed to push response on %s: %v", name, err)
					}
				}
			}
		}
		charConfigs = append(charConfigs, cfg)
		handles[charUUID.String()] = handle
	}

	if err := p.adapter.AddService(&bluetooth.Service{
		UUID:            svcUUID,
		Characteristics: charConfigs,
	}); err != nil {
		return fmt.Errorf("failed to register service %s: %w", svc.UUID, err)
	}

	p.mu.Lock()
	for key, handle := range handles {
		p.handles[key] = handle
	}
	p.mu.Unlock()

	p.logger.Printf("Peripheral: registered service %s with %d characteristic(s)", svcUUID.String(), len(charConfigs))
	return nil
}

// Advertise starts advertising under localName with the given service UUIDs.
func (p *Peripheral) Advertise(localName string, serviceUUIDs []string) error {
	uuids := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		uuid, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("invalid advertised service UUID %q: %w", s, err)
		}
		uuids = append(uuids, uuid)
	}

	adv := p.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: uuids,
	}); err != nil {
		return fmt.Errorf("failed to configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}

	p.mu.Lock()
	p.advertising = true
	p.mu.Unlock()
	p.logger.Printf("Peripheral: advertising as %q", localName)
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	p.mu.Lock()
	wasAdvertising := p.advertising
	p.advertising = false
	p.mu.Unlock()
	if !wasAdvertising {
		return nil
	}
	return p.adapter.DefaultAdvertisement().Stop()
}

// Notify updates the characteristic value and pushes it to every subscribed
// central.
func (p *Peripheral) Notify(charUUID string, buf []byte) error {
	uuid, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return fmt.Errorf("invalid characteristic UUID %q: %w", charUUID, err)
	}

	p.mu.Lock()
	handle, ok := p.handles[uuid.String()]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("characteristic %s is not registered", charUUID)
	}

	if _, err := handle.Write(buf); err != nil {
		return fmt.Errorf("failed to notify %s: %w", charUUID, err)
	}
	return nil
}
