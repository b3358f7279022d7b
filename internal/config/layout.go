package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/onsite-data/position.report/internal/beacon"
)

// Layout is the site configuration authored in the map editor: the floor
// plan, the surveyed beacon set and the shared signal settings. Reloadable
// at runtime; the registry swap is atomic.
type Layout struct {
	Map      *MapInfo      `json:"map"`
	Beacons  []BeaconEntry `json:"beacons" validate:"dive"`
	Settings Settings      `json:"settings"`
}

// MapInfo is the floor plan served read-only to map UI consumers.
type MapInfo struct {
	Name     string      `json:"name,omitempty"`
	Width    float64     `json:"width" validate:"gt=0"`
	Height   float64     `json:"height" validate:"gt=0"`
	Entities []MapEntity `json:"entities"`
}

// MapEntity is one drawn shape on the floor plan (e.g. a polyline wall).
type MapEntity struct {
	Type      string      `json:"type"`
	Points    [][]float64 `json:"points"`
	Closed    *bool       `json:"closed,omitempty"`
	Color     string      `json:"strokeColor,omitempty"`
	LineWidth *float64    `json:"lineWidth,omitempty"`
}

// BeaconEntry is one beacon as authored in the config file. Identity and
// name fields each accept two aliases for backwards compatibility with older
// exports; Normalize collapses them so nothing downstream branches on alias
// names.
type BeaconEntry struct {
	MacAddress  string `json:"macAddress,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"` // legacy alias for macAddress
	UUID        string `json:"uuid,omitempty"`
	Major       int    `json:"major,omitempty"`
	Minor       int    `json:"minor,omitempty"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName,omitempty"` // legacy alias for name

	TxPower *int     `json:"txPower" validate:"required"`
	X       *float64 `json:"x" validate:"required"`
	Y       *float64 `json:"y" validate:"required"`
}

// Normalize converts a config entry into a registry beacon with a canonical
// identity.
func (e BeaconEntry) Normalize() (beacon.Beacon, error) {
	mac := e.MacAddress
	if mac == "" {
		mac = e.DeviceID
	}
	id, err := beacon.CanonicalID(mac, e.UUID, e.Major, e.Minor)
	if err != nil {
		return beacon.Beacon{}, err
	}

	name := e.Name
	if name == "" {
		name = e.DisplayName
	}

	return beacon.Beacon{
		ID:      id,
		X:       *e.X,
		Y:       *e.Y,
		TxPower: *e.TxPower,
		Name:    name,
		Major:   e.Major,
		Minor:   e.Minor,
	}, nil
}

// Settings carries the shared signal propagation parameters.
type Settings struct {
	// SignalPropagationFactor is the path loss exponent n. Omitted means
	// the 2.5 default; out-of-range values are rejected at load time.
	SignalPropagationFactor *float64 `json:"signalPropagationFactor" validate:"omitempty,gte=1,lte=6"`
}

// GetSignalPropagationFactor returns the configured path loss exponent or
// the default.
func (s Settings) GetSignalPropagationFactor() float64 {
	if s.SignalPropagationFactor == nil {
		return 2.5
	}
	return *s.SignalPropagationFactor
}

// RegistryBeacons normalises every configured beacon for a registry reload.
// Entries that fail normalisation are an InvalidConfiguration error, not a
// runtime skip: a layout with a broken beacon should be rejected whole.
func (l *Layout) RegistryBeacons() ([]beacon.Beacon, error) {
	out := make([]beacon.Beacon, 0, len(l.Beacons))
	for i, e := range l.Beacons {
		b, err := e.Normalize()
		if err != nil {
			return nil, fmt.Errorf("beacon %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// LoadLayout reads and validates a layout config file.
func LoadLayout(path string) (*Layout, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var l Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse layout JSON: %w", err)
	}
	if err := validate.Struct(&l); err != nil {
		return nil, fmt.Errorf("invalid layout configuration: %w", err)
	}
	// Surface identity problems at load time.
	if _, err := l.RegistryBeacons(); err != nil {
		return nil, fmt.Errorf("invalid layout configuration: %w", err)
	}
	return &l, nil
}

var validate = validator.New()

// readConfigFile enforces the shared config-file rules: .json extension and
// a size cap so a mistaken path cannot drag a huge file into memory.
func readConfigFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	return os.ReadFile(cleanPath)
}
