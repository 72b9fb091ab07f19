package room

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

// Definition describes a permanent room created at startup.
type Definition struct {
	ID          protocol.RoomID
	Capacity    int
	Description string
}

// yamlRoomsFile is the top-level YAML structure for the permanent rooms file.
type yamlRoomsFile struct {
	Rooms []yamlRoom `yaml:"rooms"`
}

type yamlRoom struct {
	ID          string `yaml:"id"`
	Capacity    int    `yaml:"capacity"`
	Description string `yaml:"description"`
}

// DefaultDefinitions are the permanent rooms used when no rooms file is configured.
func DefaultDefinitions(capacity int) []Definition {
	return []Definition{
		{ID: "pongRoom", Capacity: capacity, Description: "position broadcast room"},
		{ID: "lobbyRoom", Capacity: capacity, Description: "staging room"},
	}
}

// LoadDefinitionsFromFile reads permanent room definitions from a YAML file.
//
// Precondition: path must point to a YAML rooms file.
// Postcondition: Returns validated definitions or a non-nil error.
func LoadDefinitionsFromFile(path string, defaultCapacity int) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rooms file %s: %w", path, err)
	}
	return LoadDefinitionsFromBytes(data, defaultCapacity)
}

// LoadDefinitionsFromBytes parses permanent room definitions. Entries without a
// capacity receive defaultCapacity.
//
// Postcondition: Returns validated definitions or a non-nil error.
func LoadDefinitionsFromBytes(data []byte, defaultCapacity int) ([]Definition, error) {
	var file yamlRoomsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rooms YAML: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(file.Rooms))
	defs := make([]Definition, 0, len(file.Rooms))
	for i, r := range file.Rooms {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rooms[%d]: id must not be empty", i))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rooms[%d]: duplicate id %q", i, r.ID))
			continue
		}
		seen[r.ID] = true
		capacity := r.Capacity
		if capacity == 0 {
			capacity = defaultCapacity
		}
		if capacity < 1 {
			errs = append(errs, fmt.Errorf("rooms[%d]: capacity must be >= 1, got %d", i, capacity))
			continue
		}
		defs = append(defs, Definition{
			ID:          protocol.RoomID(r.ID),
			Capacity:    capacity,
			Description: r.Description,
		})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("validating rooms: %w", errors.Join(errs...))
	}
	return defs, nil
}

// Seed creates every definition as a permanent room.
//
// Postcondition: Returns the first creation error, wrapped with the room identity.
func (m *Manager) Seed(defs []Definition) error {
	for _, d := range defs {
		if err := m.CreatePermanent(d.ID, d.Capacity); err != nil {
			return fmt.Errorf("seeding permanent rooms: %w", err)
		}
	}
	return nil
}
