// Package room owns room existence, membership, and capacity, and provides the
// relay primitive that delivers a frame to every member but the sender.
package room

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

var (
	// ErrRoomNotFound is returned when the named room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomFull is returned when a join would exceed the room's capacity.
	ErrRoomFull = errors.New("room full")
	// ErrRoomExists is returned when creating a room whose identity is taken.
	ErrRoomExists = errors.New("room already exists")
	// ErrRoomPermanent is returned when destroying a permanent room.
	ErrRoomPermanent = errors.New("room is permanent")
)

// Clients is the subset of the connection registry the manager needs to keep each
// client's current-room field in step with membership and to deliver frames.
type Clients interface {
	SetRoom(id protocol.ClientID, room protocol.RoomID) bool
	ClearRoom(id protocol.ClientID)
	Room(id protocol.ClientID) (protocol.RoomID, bool)
	Send(id protocol.ClientID, data []byte)
}

// Room is one named group of clients.
type Room struct {
	ID        protocol.RoomID
	Capacity  int
	Permanent bool
	// members preserves join order so relays are deterministic.
	members []protocol.ClientID
}

func (r *Room) indexOf(id protocol.ClientID) int {
	for i, m := range r.members {
		if m == id {
			return i
		}
	}
	return -1
}

// Manager tracks every room.
//
// A Manager is owned by the hub goroutine and is not safe for concurrent use.
type Manager struct {
	rooms   map[protocol.RoomID]*Room
	clients Clients
	logger  *zap.Logger
}

// NewManager creates a Manager with no rooms.
//
// Precondition: clients and logger must be non-nil.
func NewManager(clients Clients, logger *zap.Logger) *Manager {
	return &Manager{
		rooms:   make(map[protocol.RoomID]*Room),
		clients: clients,
		logger:  logger,
	}
}

// Create adds an empty, non-permanent room.
//
// Precondition: capacity must be > 0.
// Postcondition: Returns ErrRoomExists if the identity is taken.
func (m *Manager) Create(id protocol.RoomID, capacity int) error {
	return m.create(id, capacity, false)
}

// CreatePermanent adds a room that is never deleted. Used at startup.
//
// Precondition: capacity must be > 0.
func (m *Manager) CreatePermanent(id protocol.RoomID, capacity int) error {
	return m.create(id, capacity, true)
}

func (m *Manager) create(id protocol.RoomID, capacity int, permanent bool) error {
	if _, ok := m.rooms[id]; ok {
		return fmt.Errorf("creating %q: %w", id, ErrRoomExists)
	}
	if capacity <= 0 {
		return fmt.Errorf("creating %q: capacity must be > 0, got %d", id, capacity)
	}
	m.rooms[id] = &Room{ID: id, Capacity: capacity, Permanent: permanent}
	m.logger.Info("room created",
		zap.String("room_id", string(id)),
		zap.Int("capacity", capacity),
		zap.Bool("permanent", permanent),
	)
	return nil
}

// CreateAndJoin creates a non-permanent room and places creator in it.
//
// Postcondition: On a join failure the freshly created, still empty room is removed.
func (m *Manager) CreateAndJoin(id protocol.RoomID, creator protocol.ClientID, capacity int) error {
	if err := m.Create(id, capacity); err != nil {
		return err
	}
	if err := m.Join(id, creator); err != nil {
		if r := m.rooms[id]; r != nil && len(r.members) == 0 {
			delete(m.rooms, id)
		}
		return err
	}
	return nil
}

// Join adds the client to the room and records it as the client's current room.
//
// Precondition: the client must not be a member of any other room.
// Postcondition: Returns nil if the client is already a member; ErrRoomNotFound or
// ErrRoomFull otherwise leave membership unchanged.
func (m *Manager) Join(id protocol.RoomID, client protocol.ClientID) error {
	r, ok := m.rooms[id]
	if !ok {
		return fmt.Errorf("joining %q: %w", id, ErrRoomNotFound)
	}
	if r.indexOf(client) >= 0 {
		return nil
	}
	if len(r.members) >= r.Capacity {
		return fmt.Errorf("joining %q: %w", id, ErrRoomFull)
	}
	if !m.clients.SetRoom(client, id) {
		return fmt.Errorf("joining %q: client %d is not connected", id, client)
	}
	r.members = append(r.members, client)
	m.logger.Info("client joined room",
		zap.Uint32("client_id", uint32(client)),
		zap.String("room_id", string(id)),
		zap.Int("members", len(r.members)),
	)
	return nil
}

// Leave removes the client from the room and clears its current room. An empty
// non-permanent room is deleted.
//
// Postcondition: An absent room or non-member is logged and otherwise ignored.
func (m *Manager) Leave(id protocol.RoomID, client protocol.ClientID) {
	r, ok := m.rooms[id]
	if !ok {
		m.logger.Debug("leave for unknown room",
			zap.Uint32("client_id", uint32(client)),
			zap.String("room_id", string(id)),
		)
		return
	}
	i := r.indexOf(client)
	if i < 0 {
		m.logger.Debug("leave by non-member",
			zap.Uint32("client_id", uint32(client)),
			zap.String("room_id", string(id)),
		)
		return
	}
	r.members = append(r.members[:i], r.members[i+1:]...)
	if cur, ok := m.clients.Room(client); ok && cur == id {
		m.clients.ClearRoom(client)
	}
	m.logger.Info("client left room",
		zap.Uint32("client_id", uint32(client)),
		zap.String("room_id", string(id)),
		zap.Int("members", len(r.members)),
	)
	if len(r.members) == 0 && !r.Permanent {
		delete(m.rooms, id)
		m.logger.Info("empty room deleted", zap.String("room_id", string(id)))
	}
}

// Destroy tears a non-permanent room down and notifies each former member with a
// server ROOM_DESTROY frame.
//
// Postcondition: Returns the former members, or ErrRoomNotFound / ErrRoomPermanent.
func (m *Manager) Destroy(id protocol.RoomID) ([]protocol.ClientID, error) {
	r, ok := m.rooms[id]
	if !ok {
		return nil, fmt.Errorf("destroying %q: %w", id, ErrRoomNotFound)
	}
	if r.Permanent {
		return nil, fmt.Errorf("destroying %q: %w", id, ErrRoomPermanent)
	}
	former := append([]protocol.ClientID(nil), r.members...)
	delete(m.rooms, id)

	notice := protocol.RoomDestroyed(id)
	for _, c := range former {
		m.clients.ClearRoom(c)
		m.clients.Send(c, notice)
	}
	m.logger.Info("room destroyed",
		zap.String("room_id", string(id)),
		zap.Int("former_members", len(former)),
	)
	return former, nil
}

// Relay delivers raw to every member of the room except sender, in join order.
//
// Postcondition: The bytes are delivered unmodified; an absent room delivers nothing.
func (m *Manager) Relay(id protocol.RoomID, sender protocol.ClientID, raw []byte) {
	r, ok := m.rooms[id]
	if !ok {
		m.logger.Debug("relay to unknown room", zap.String("room_id", string(id)))
		return
	}
	for _, c := range r.members {
		if c != sender {
			m.clients.Send(c, raw)
		}
	}
}

// Members returns a copy of the room's members in join order.
func (m *Manager) Members(id protocol.RoomID) []protocol.ClientID {
	r, ok := m.rooms[id]
	if !ok {
		return nil
	}
	return append([]protocol.ClientID(nil), r.members...)
}

// IsMember reports whether client belongs to the room.
func (m *Manager) IsMember(id protocol.RoomID, client protocol.ClientID) bool {
	r, ok := m.rooms[id]
	return ok && r.indexOf(client) >= 0
}

// Exists reports whether the room exists.
func (m *Manager) Exists(id protocol.RoomID) bool {
	_, ok := m.rooms[id]
	return ok
}

// Capacity returns the room's capacity, or 0 if it does not exist.
func (m *Manager) Capacity(id protocol.RoomID) int {
	if r, ok := m.rooms[id]; ok {
		return r.Capacity
	}
	return 0
}

// IsPermanent reports whether the room exists and is permanent.
func (m *Manager) IsPermanent(id protocol.RoomID) bool {
	r, ok := m.rooms[id]
	return ok && r.Permanent
}

// Count returns the number of rooms, permanent ones included.
func (m *Manager) Count() int {
	return len(m.rooms)
}

// IDs returns every room identity in lexical order.
func (m *Manager) IDs() []protocol.RoomID {
	ids := make([]protocol.RoomID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
