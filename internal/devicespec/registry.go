package devicespec

import (
	"embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

//go:embed specs/*.json
var defaultSpecFiles embed.FS

// Subscription pairs the service and characteristic a transport must watch
// for one registered device spec.
type Subscription struct {
	ServiceUUID        string
	CharacteristicUUID string
}

// Registry maps normalized characteristic UUIDs to device specs. Specs are
// registered once at startup and the registry is read-only afterwards, so
// Lookup and the projection methods are safe to call from any goroutine
// without locking.
type Registry struct {
	logger *log.Logger
	specs  map[string]*DeviceSpec
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		panic("Registry: logger cannot be nil")
	}
	return &Registry{
		logger: logger,
		specs:  make(map[string]*DeviceSpec),
	}
}

// Add validates spec and registers it under its normalized characteristic
// UUID. When two specs normalize to the same key the later registration
// wins and the replacement is logged; shipping two specs for one
// characteristic is a configuration mistake, not something to resolve
// silently per message.
func (r *Registry) Add(spec *DeviceSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	key := spec.CharacteristicUUID.Normalized()
	if existing, ok := r.specs[key]; ok {
		r.logger.Printf("Registry: spec %q replaces %q for characteristic %s (last registered wins)",
			spec.ID, existing.ID, key)
		for i, k := range r.order {
			if k == key {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.specs[key] = spec
	r.order = append(r.order, key)
	return nil
}

// Lookup returns the spec registered for the characteristic, or nil. The id
// may be any accepted UUID spelling; it is normalized before the lookup.
func (r *Registry) Lookup(characteristicID string) *DeviceSpec {
	return r.specs[NormalizeUUID(characteristicID)]
}

// Len returns the number of registered specs.
func (r *Registry) Len() int {
	return len(r.specs)
}

// Specs returns the registered specs in registration order.
func (r *Registry) Specs() []*DeviceSpec {
	out := make([]*DeviceSpec, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.specs[key])
	}
	return out
}

// ServiceUUIDs returns the distinct normalized service UUIDs across all
// registered specs, in registration order. Used to build scan filters.
func (r *Registry) ServiceUUIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, key := range r.order {
		svc := r.specs[key].ServiceUUID.Normalized()
		if _, ok := seen[svc]; ok {
			continue
		}
		seen[svc] = struct{}{}
		out = append(out, svc)
	}
	return out
}

// SubscriptionList returns the service/characteristic pairs a transport
// must subscribe to, one per registered spec, in registration order.
func (r *Registry) SubscriptionList() []Subscription {
	out := make([]Subscription, 0, len(r.order))
	for _, key := range r.order {
		spec := r.specs[key]
		out = append(out, Subscription{
			ServiceUUID:        spec.ServiceUUID.Normalized(),
			CharacteristicUUID: key,
		})
	}
	return out
}

// LoadDefaults registers the device descriptions compiled into the binary.
func (r *Registry) LoadDefaults() error {
	entries, err := defaultSpecFiles.ReadDir("specs")
	if err != nil {
		return fmt.Errorf("reading embedded specs: %w", err)
	}
	for _, entry := range entries {
		data, err := defaultSpecFiles.ReadFile("specs/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading embedded spec %s: %w", entry.Name(), err)
		}
		spec, err := ParseSpec(data)
		if err != nil {
			return fmt.Errorf("embedded spec %s: %w", entry.Name(), err)
		}
		if err := r.Add(spec); err != nil {
			return fmt.Errorf("embedded spec %s: %w", entry.Name(), err)
		}
	}
	r.logger.Printf("Registry: loaded %d built-in device specs", len(entries))
	return nil
}

// LoadDir registers every *.json file in dir in lexical order. Files loaded
// here can override the built-in specs, which Add logs.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading spec dir %s: %w", dir, err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading spec file %s: %w", path, err)
		}
		spec, err := ParseSpec(data)
		if err != nil {
			return fmt.Errorf("spec file %s: %w", path, err)
		}
		if err := r.Add(spec); err != nil {
			return fmt.Errorf("spec file %s: %w", path, err)
		}
		loaded++
	}
	r.logger.Printf("Registry: loaded %d device specs from %s", loaded, dir)
	return nil
}
