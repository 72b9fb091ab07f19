// Package ready implements the per-room readiness barrier that synchronizes game
// start once every member of a room has confirmed.
package ready

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

// ErrClientNotInRoom is returned when a client confirms readiness without a room.
var ErrClientNotInRoom = errors.New("client not in a room")

// Rooms is the subset of the room manager the coordinator reads and relays through.
type Rooms interface {
	Members(id protocol.RoomID) []protocol.ClientID
	Relay(id protocol.RoomID, sender protocol.ClientID, raw []byte)
}

// Clients is the subset of the connection registry the coordinator needs.
type Clients interface {
	Room(id protocol.ClientID) (protocol.RoomID, bool)
	Send(id protocol.ClientID, data []byte)
}

// Start describes a satisfied barrier.
type Start struct {
	Room    protocol.RoomID
	Starter protocol.ClientID
	Members []protocol.ClientID
}

// Coordinator holds a readiness barrier for each room that is pending start.
//
// Invariant: Every barrier's keys are members of its room.
// A Coordinator is owned by the hub goroutine and is not safe for concurrent use.
type Coordinator struct {
	barriers map[protocol.RoomID]map[protocol.ClientID]bool
	rooms    Rooms
	clients  Clients
	source   Source
	logger   *zap.Logger
}

// NewCoordinator creates a Coordinator with no barriers.
//
// Precondition: every argument must be non-nil.
func NewCoordinator(rooms Rooms, clients Clients, source Source, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		barriers: make(map[protocol.RoomID]map[protocol.ClientID]bool),
		rooms:    rooms,
		clients:  clients,
		source:   source,
		logger:   logger,
	}
}

// ConfirmReady records the client's readiness in its room's barrier, relays raw to
// the other members, and starts the game when every member is ready.
//
// Postcondition: started is true iff the barrier was satisfied by this call, in which
// case GAME_START_INFO was sent to every member and the barrier deleted.
func (c *Coordinator) ConfirmReady(client protocol.ClientID, isReady bool, raw []byte) (start Start, started bool, err error) {
	roomID, ok := c.clients.Room(client)
	if !ok {
		return Start{}, false, fmt.Errorf("confirming ready for client %d: %w", client, ErrClientNotInRoom)
	}

	flags, ok := c.barriers[roomID]
	if !ok {
		flags = make(map[protocol.ClientID]bool)
		c.barriers[roomID] = flags
	}
	flags[client] = isReady
	c.logger.Info("ready state updated",
		zap.Uint32("client_id", uint32(client)),
		zap.String("room_id", string(roomID)),
		zap.Bool("ready", isReady),
	)

	c.rooms.Relay(roomID, client, raw)

	members := c.rooms.Members(roomID)
	if !satisfied(flags, members) {
		return Start{}, false, nil
	}
	return c.start(roomID, members), true, nil
}

// Settle starts the game if the room's barrier is satisfied by its current members.
// The hub calls it after a departure has been applied to the room.
//
// Postcondition: started is true iff GAME_START_INFO was sent and the barrier deleted.
func (c *Coordinator) Settle(roomID protocol.RoomID) (start Start, started bool) {
	flags, ok := c.barriers[roomID]
	if !ok {
		return Start{}, false
	}
	members := c.rooms.Members(roomID)
	if !satisfied(flags, members) {
		return Start{}, false
	}
	return c.start(roomID, members), true
}

// start elects the starter, notifies every member, and deletes the barrier.
func (c *Coordinator) start(roomID protocol.RoomID, members []protocol.ClientID) Start {
	starter := members[c.source.Intn(len(members))]
	notice := protocol.GameStart(starter)
	for _, m := range members {
		c.clients.Send(m, notice)
	}
	delete(c.barriers, roomID)
	c.logger.Info("game starting",
		zap.String("room_id", string(roomID)),
		zap.Uint32("starter", uint32(starter)),
		zap.Int("players", len(members)),
	)
	return Start{Room: roomID, Starter: starter, Members: members}
}

// satisfied reports whether every member has a flag and every flag is true.
func satisfied(flags map[protocol.ClientID]bool, members []protocol.ClientID) bool {
	if len(members) == 0 || len(flags) != len(members) {
		return false
	}
	for _, m := range members {
		if !flags[m] {
			return false
		}
	}
	return true
}

// Retire removes the client from its room's barrier, whether or not it had confirmed.
//
// Precondition: Called before the client leaves its room.
// Postcondition: Returns the other members to notify if the room had a barrier; the
// barrier is deleted when at most one member would remain. A barrier the departure
// satisfies stays open until Settle is called for the room.
func (c *Coordinator) Retire(client protocol.ClientID) []protocol.ClientID {
	roomID, ok := c.clients.Room(client)
	if !ok {
		return nil
	}
	flags, ok := c.barriers[roomID]
	if !ok {
		return nil
	}
	delete(flags, client)

	var remaining []protocol.ClientID
	for _, m := range c.rooms.Members(roomID) {
		if m != client {
			remaining = append(remaining, m)
		}
	}
	if len(remaining) <= 1 {
		delete(c.barriers, roomID)
	}
	c.logger.Info("client retired from ready barrier",
		zap.Uint32("client_id", uint32(client)),
		zap.String("room_id", string(roomID)),
		zap.Int("remaining", len(remaining)),
	)
	return remaining
}

// Discard drops the barrier of a destroyed room.
func (c *Coordinator) Discard(roomID protocol.RoomID) {
	delete(c.barriers, roomID)
}

// Pending returns a copy of the room's barrier flags.
//
// Postcondition: ok is false if the room has no barrier.
func (c *Coordinator) Pending(roomID protocol.RoomID) (flags map[protocol.ClientID]bool, ok bool) {
	b, ok := c.barriers[roomID]
	if !ok {
		return nil, false
	}
	flags = make(map[protocol.ClientID]bool, len(b))
	for k, v := range b {
		flags[k] = v
	}
	return flags, true
}

// Count returns the number of pending barriers.
func (c *Coordinator) Count() int {
	return len(c.barriers)
}
