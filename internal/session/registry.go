package session

import (
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

// ErrInvalidDisplayName is returned when a display name is missing or empty.
var ErrInvalidDisplayName = errors.New("invalid display name")

// ErrClientNotFound is returned for operations on an unregistered identity.
var ErrClientNotFound = errors.New("client not found")

// Client is the registry's view of one connection.
type Client struct {
	ID          protocol.ClientID
	Name        string
	Room        protocol.RoomID
	ConnectedAt time.Time
	// Messages counts every routed frame; Chats counts CHAT frames only.
	Messages      int
	Chats         int
	LastMessageAt time.Time

	transport Transport
}

// InRoom reports whether the client currently belongs to a room.
func (c Client) InRoom() bool {
	return c.Room != ""
}

// Registry owns identity assignment and per-client metadata.
//
// A Registry is owned by the hub goroutine and is not safe for concurrent use.
type Registry struct {
	nextID  protocol.ClientID
	clients map[protocol.ClientID]*Client
	logger  *zap.Logger
	now     func() time.Time
}

// NewRegistry creates an empty Registry whose first identity is 1.
//
// Precondition: logger must be non-nil.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		nextID:  1,
		clients: make(map[protocol.ClientID]*Client),
		logger:  logger,
		now:     time.Now,
	}
}

// Register assigns the next identity to t and sends ID_ASSIGN to it.
//
// Postcondition: The returned identity is unique for the process lifetime and never zero.
func (r *Registry) Register(t Transport) protocol.ClientID {
	id := r.nextID
	r.nextID++

	r.clients[id] = &Client{
		ID:          id,
		ConnectedAt: r.now(),
		transport:   t,
	}
	r.logger.Info("client registered", zap.Uint32("client_id", uint32(id)))
	r.Send(id, protocol.IDAssign(id))
	return id
}

// Send delivers data to one client. Unknown clients and closed transports are
// silently skipped; a full buffer drops the frame for that client only.
func (r *Registry) Send(id protocol.ClientID, data []byte) {
	c, ok := r.clients[id]
	if !ok || c.transport == nil || !c.transport.IsOpen() {
		return
	}
	if err := c.transport.Send(data); err != nil {
		r.logger.Warn("dropping frame",
			zap.Uint32("client_id", uint32(id)),
			zap.Error(err),
		)
	}
}

// Broadcast delivers data to every connected client.
func (r *Registry) Broadcast(data []byte) {
	for _, id := range r.IDs() {
		r.Send(id, data)
	}
}

// BroadcastExcept delivers data to every connected client except sender.
func (r *Registry) BroadcastExcept(sender protocol.ClientID, data []byte) {
	for _, id := range r.IDs() {
		if id != sender {
			r.Send(id, data)
		}
	}
}

// Deregister removes the client from the registry and returns its final state.
//
// Precondition: Coordination cleanup that needs the client's room must already have run.
// Postcondition: Returns (client, true) if the identity was registered.
func (r *Registry) Deregister(id protocol.ClientID) (Client, bool) {
	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	delete(r.clients, id)
	return *c, true
}

// SetDisplayName stores name for the client and broadcasts the roster.
//
// Postcondition: Returns ErrInvalidDisplayName for an empty name or ErrClientNotFound
// for an unknown client; nothing is stored or broadcast in either case.
func (r *Registry) SetDisplayName(id protocol.ClientID, name string) error {
	if name == "" {
		r.logger.Warn("invalid display name", zap.Uint32("client_id", uint32(id)))
		return ErrInvalidDisplayName
	}
	c, ok := r.clients[id]
	if !ok {
		return ErrClientNotFound
	}
	previous := c.Name
	c.Name = name
	r.logger.Info("display name stored",
		zap.Uint32("client_id", uint32(id)),
		zap.String("name", name),
		zap.String("previous", previous),
	)
	r.BroadcastRoster()
	return nil
}

// Roster returns the connected clients that have a display name, ordered by identity.
func (r *Registry) Roster() []protocol.RosterEntry {
	entries := make([]protocol.RosterEntry, 0, len(r.clients))
	for _, id := range r.IDs() {
		if c := r.clients[id]; c.Name != "" {
			entries = append(entries, protocol.RosterEntry{ID: id, Name: c.Name})
		}
	}
	return entries
}

// BroadcastRoster sends the current roster to every connected client.
func (r *Registry) BroadcastRoster() {
	roster := r.Roster()
	r.Broadcast(protocol.Roster(roster))
	r.logger.Debug("roster broadcast", zap.Int("named_clients", len(roster)))
}

// Get returns a copy of the client's metadata.
func (r *Registry) Get(id protocol.ClientID) (Client, bool) {
	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Exists reports whether the identity is registered.
func (r *Registry) Exists(id protocol.ClientID) bool {
	_, ok := r.clients[id]
	return ok
}

// Room returns the client's current room, if any.
func (r *Registry) Room(id protocol.ClientID) (protocol.RoomID, bool) {
	c, ok := r.clients[id]
	if !ok || c.Room == "" {
		return "", false
	}
	return c.Room, true
}

// SetRoom records room as the client's current room.
//
// Postcondition: Returns false if the client is not registered.
func (r *Registry) SetRoom(id protocol.ClientID, room protocol.RoomID) bool {
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	c.Room = room
	return true
}

// ClearRoom clears the client's current room.
func (r *Registry) ClearRoom(id protocol.ClientID) {
	if c, ok := r.clients[id]; ok {
		c.Room = ""
	}
}

// RecordMessage updates the per-client traffic counters.
func (r *Registry) RecordMessage(id protocol.ClientID, t protocol.Type) {
	c, ok := r.clients[id]
	if !ok {
		return
	}
	c.Messages++
	if t == protocol.TypeChat {
		c.Chats++
	}
	c.LastMessageAt = r.now()
}

// IDs returns every registered identity in ascending order.
func (r *Registry) IDs() []protocol.ClientID {
	ids := make([]protocol.ClientID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	return len(r.clients)
}
