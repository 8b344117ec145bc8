package connector

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
)

type sourceStateData struct {
	PreferredDeviceBySource map[string]string `json:"preferred_device_by_source"`
}

// sourceState remembers which sensor address served each source type, so
// the bridge reconnects to the same trainer and strap on the next run
// instead of grabbing whatever advertises first.
type sourceState struct {
	filePath string
	logger   *log.Logger
	mu       sync.Mutex
	data     sourceStateData
}

// DefaultStateFile returns the per-user path for remembered sensors.
func DefaultStateFile() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".fitness-machine-connector", "state.json")
}

func newSourceState(logger *log.Logger, filePath string) *sourceState {
	if filePath == "" {
		filePath = DefaultStateFile()
	}
	s := &sourceState{
		filePath: filePath,
		logger:   logger,
	}
	s.load()
	return s
}

func (s *sourceState) preferredDevice(sourceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.PreferredDeviceBySource[sourceID]
}

func (s *sourceState) isPreferred(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, preferred := range s.data.PreferredDeviceBySource {
		if preferred == address {
			return true
		}
	}
	return false
}

func (s *sourceState) setPreferredDevice(sourceID string, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.PreferredDeviceBySource[sourceID] == address {
		return
	}
	s.logger.Printf("SourceState: %s -> %s", sourceID, address)
	s.data.PreferredDeviceBySource[sourceID] = address
	s.save()
}

func (s *sourceState) forgetDevice(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for sourceID, preferred := range s.data.PreferredDeviceBySource {
		if preferred == address {
			delete(s.data.PreferredDeviceBySource, sourceID)
			changed = true
		}
	}
	if changed {
		s.logger.Printf("SourceState: forgot %s", address)
		s.save()
	}
}

func (s *sourceState) load() {
	s.data = sourceStateData{
		PreferredDeviceBySource: make(map[string]string),
	}
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		s.logger.Printf("SourceState: no existing state at %s", s.filePath)
		return
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.logger.Printf("SourceState: failed to parse %s: %v", s.filePath, err)
		return
	}
	if s.data.PreferredDeviceBySource == nil {
		s.data.PreferredDeviceBySource = make(map[string]string)
	}
	s.logger.Printf("SourceState: loaded %s -> %v", s.filePath, s.data.PreferredDeviceBySource)
}

// save persists the state. Must be called with mu held. Failures are logged
// and swallowed; losing a remembered pairing never takes the broadcast down.
func (s *sourceState) save() {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		s.logger.Printf("SourceState: mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.logger.Printf("SourceState: marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(s.filePath, raw, 0644); err != nil {
		s.logger.Printf("SourceState: write %s failed: %v", s.filePath, err)
		return
	}
}
