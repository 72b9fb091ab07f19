package room_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
	"github.com/cory-johannsen/roomrelay/internal/room"
)

func TestLoadDefinitionsFromBytes(t *testing.T) {
	data := []byte(`
rooms:
  - id: pongRoom
    description: position broadcast room
  - id: lobbyRoom
    capacity: 16
`)
	defs, err := room.LoadDefinitionsFromBytes(data, 8)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, protocol.RoomID("pongRoom"), defs[0].ID)
	assert.Equal(t, 8, defs[0].Capacity)
	assert.Equal(t, "position broadcast room", defs[0].Description)
	assert.Equal(t, 16, defs[1].Capacity)
}

func TestLoadDefinitionsFromBytes_Invalid(t *testing.T) {
	data := []byte(`
rooms:
  - id: ""
  - id: dup
  - id: dup
  - id: negative
    capacity: -1
`)
	_, err := room.LoadDefinitionsFromBytes(data, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id must not be empty")
	assert.Contains(t, err.Error(), `duplicate id "dup"`)
	assert.Contains(t, err.Error(), "capacity must be >= 1")
}

func TestLoadDefinitionsFromBytes_Malformed(t *testing.T) {
	_, err := room.LoadDefinitionsFromBytes([]byte("rooms: [unterminated"), 8)
	assert.Error(t, err)
}

func TestLoadDefinitionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rooms:\n  - id: arena\n    capacity: 4\n"), 0o644))

	defs, err := room.LoadDefinitionsFromFile(path, 8)
	require.NoError(t, err)
	assert.Equal(t, []room.Definition{{ID: "arena", Capacity: 4}}, defs)

	_, err = room.LoadDefinitionsFromFile(filepath.Join(t.TempDir(), "missing.yaml"), 8)
	assert.Error(t, err)
}

func TestManager_Seed(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.rooms.Seed(room.DefaultDefinitions(8)))

	assert.True(t, f.rooms.IsPermanent("pongRoom"))
	assert.True(t, f.rooms.IsPermanent("lobbyRoom"))
	assert.ErrorIs(t, f.rooms.Seed(room.DefaultDefinitions(8)), room.ErrRoomExists)
}
